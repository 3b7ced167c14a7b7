package tts

import (
	"context"
	"encoding/base64"
	"strings"
	"sync/atomic"

	"github.com/talkpipe/talkpipe/internal/utils"
)

// SynthesisRequest carries text plus voice and prosody controls. Pointer
// fields distinguish "not supplied" from zero values.
type SynthesisRequest struct {
	Text        string
	Format      string
	SampleRate  *int
	ReferenceID string
	Normalize   *bool
	// References hold base64-encoded reference audio for voice cloning.
	References  []string
	TopP        *float64
	Temperature *float64
	ChunkLength *int
	Latency     string
	Speed       *float64
	Volume      *float64
}

// SynthesisResult is a fully materialized synthesis payload.
type SynthesisResult struct {
	Audio       []byte `json:"audio"`
	Format      string `json:"format"`
	SampleRate  int    `json:"sample_rate"`
	ReferenceID string `json:"reference_id,omitempty"`
	MediaType   string `json:"media_type"`
}

func (r *SynthesisResult) AsBase64() string {
	return base64.StdEncoding.EncodeToString(r.Audio)
}

// SynthesisStream defers the HTTP attempt until Start so the metadata is
// known before the first byte is fetched. Start may be called exactly once:
// the chunk sequence has a single cursor and cannot be shared.
type SynthesisStream struct {
	Format      string
	SampleRate  int
	ReferenceID string
	MediaType   string

	started atomic.Bool
	open    func(ctx context.Context) (<-chan []byte, <-chan error)
}

// Start opens the underlying HTTP stream and begins yielding raw audio
// chunks. Cancelling ctx stops iteration between chunks.
func (s *SynthesisStream) Start(ctx context.Context) (<-chan []byte, <-chan error) {
	if !s.started.CompareAndSwap(false, true) {
		chunks := make(chan []byte)
		errs := make(chan error, 1)
		close(chunks)
		errs <- utils.E(utils.CodeInternal, "tts.SynthesisStream.Start",
			"synthesis stream was already consumed", nil)
		close(errs)
		return chunks, errs
	}
	return s.open(ctx)
}

// NewTestStream returns a pre-scripted stream that yields the given chunks
// and then err, for fakes in handler and service tests.
func NewTestStream(format string, sampleRate int, chunks [][]byte, err error) *SynthesisStream {
	return &SynthesisStream{
		Format:     format,
		SampleRate: sampleRate,
		MediaType:  MediaTypeForFormat(format),
		open: func(ctx context.Context) (<-chan []byte, <-chan error) {
			out := make(chan []byte, len(chunks))
			errs := make(chan error, 1)
			for _, c := range chunks {
				out <- c
			}
			close(out)
			if err != nil {
				errs <- err
			}
			close(errs)
			return out, errs
		},
	}
}

// MediaTypeForFormat maps an audio format name to its MIME type.
func MediaTypeForFormat(format string) string {
	switch strings.ToLower(format) {
	case "pcm":
		return "audio/pcm"
	case "wav":
		return "audio/wav"
	case "mp3":
		return "audio/mpeg"
	case "ogg":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}
