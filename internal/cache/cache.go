package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (hit bool, err error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// SynthesisKey derives a cache key from the fields that change the
// synthesized audio. Requests with reference audio are never cached,
// callers must check that before looking up.
func SynthesisKey(text, format, referenceID string, sampleRate int, normalize bool) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d|%t", text, format, referenceID, sampleRate, normalize)))
	return "tts:synth:" + hex.EncodeToString(h[:])
}

// Noop is used when no Redis address is configured.
type Noop struct{}

func (Noop) GetJSON(ctx context.Context, key string, dst any) (bool, error) { return false, nil }
func (Noop) SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error {
	return nil
}
func (Noop) Del(ctx context.Context, keys ...string) error { return nil }
