package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/talkpipe/talkpipe/config"
	"github.com/talkpipe/talkpipe/internal/utils"
)

// Client talks to a Fish-Speech compatible synthesis API.
//
// Retry policy: blocking synthesis is one attempt, full stop. Streaming
// synthesis retries the whole HTTP attempt on transport failures with
// exponential backoff capped at 10s. A 4xx/5xx status is final: the
// request itself is wrong and resending the same payload cannot help.
type Client struct {
	cfg  config.TTSConfig
	log  *logrus.Logger
	http *http.Client

	// Shortened by tests.
	backoffInitial time.Duration
}

func NewClient(cfg config.TTSConfig, log *logrus.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DefaultFormat == "" {
		cfg.DefaultFormat = "wav"
	}
	if cfg.DefaultSampleRate <= 0 {
		cfg.DefaultSampleRate = 44100
	}
	return &Client{
		cfg:            cfg,
		log:            log,
		http:           &http.Client{Timeout: cfg.Timeout},
		backoffInitial: time.Second,
	}
}

// Ready reports whether the client is usable. The HTTP client is pooled and
// long-lived, so this is true for the process lifetime.
func (c *Client) Ready() bool { return c.http != nil }

func (c *Client) Close() {
	if c.http != nil {
		c.http.CloseIdleConnections()
	}
}

type wireReference struct {
	// Raw bytes under msgpack, base64 string under JSON.
	Audio any    `json:"audio" msgpack:"audio"`
	Text  string `json:"text" msgpack:"text"`
}

type wireProsody struct {
	Speed  *float64 `json:"speed,omitempty" msgpack:"speed,omitempty"`
	Volume *float64 `json:"volume,omitempty" msgpack:"volume,omitempty"`
}

type wirePayload struct {
	Text        string          `json:"text" msgpack:"text"`
	Format      string          `json:"format" msgpack:"format"`
	Streaming   bool            `json:"streaming" msgpack:"streaming"`
	Normalize   bool            `json:"normalize" msgpack:"normalize"`
	ReferenceID string          `json:"reference_id,omitempty" msgpack:"reference_id,omitempty"`
	SampleRate  int             `json:"sample_rate,omitempty" msgpack:"sample_rate,omitempty"`
	References  []wireReference `json:"references,omitempty" msgpack:"references,omitempty"`
	TopP        *float64        `json:"top_p,omitempty" msgpack:"top_p,omitempty"`
	Temperature *float64        `json:"temperature,omitempty" msgpack:"temperature,omitempty"`
	ChunkLength *int            `json:"chunk_length,omitempty" msgpack:"chunk_length,omitempty"`
	Latency     string          `json:"latency,omitempty" msgpack:"latency,omitempty"`
	Prosody     *wireProsody    `json:"prosody,omitempty" msgpack:"prosody,omitempty"`
}

// buildPayload normalizes a request onto the wire shape. Voice-cloning
// reference audio is carried as raw bytes when the body will be msgpack,
// avoiding base64 inflation on multi-megabyte samples.
func (c *Client) buildPayload(req SynthesisRequest, streaming, useMsgpack bool) (wirePayload, error) {
	p := wirePayload{
		Text:      req.Text,
		Format:    req.Format,
		Streaming: streaming,
		Normalize: c.cfg.DefaultNormalize,
		Latency:   req.Latency,
	}
	if p.Format == "" {
		p.Format = c.cfg.DefaultFormat
	}
	if req.Normalize != nil {
		p.Normalize = *req.Normalize
	}
	p.ReferenceID = req.ReferenceID
	if p.ReferenceID == "" {
		p.ReferenceID = c.cfg.DefaultReferenceID
	}
	if req.SampleRate != nil {
		p.SampleRate = *req.SampleRate
	}
	p.TopP = req.TopP
	p.Temperature = req.Temperature
	p.ChunkLength = req.ChunkLength

	for _, ref := range req.References {
		decoded, err := base64.StdEncoding.DecodeString(ref)
		if err != nil {
			return wirePayload{}, utils.E(utils.CodeInvalidArgument, "tts.Client.buildPayload",
				"reference audio is not valid base64", err)
		}
		if useMsgpack {
			p.References = append(p.References, wireReference{Audio: decoded})
		} else {
			p.References = append(p.References, wireReference{Audio: ref})
		}
	}

	if req.Speed != nil || req.Volume != nil {
		p.Prosody = &wireProsody{Speed: req.Speed, Volume: req.Volume}
	}
	return p, nil
}

func (c *Client) encode(p wirePayload, useMsgpack bool) ([]byte, string, error) {
	if useMsgpack {
		body, err := msgpack.Marshal(p)
		return body, "application/msgpack", err
	}
	body, err := json.Marshal(p)
	return body, "application/json", err
}

func (c *Client) newRequest(ctx context.Context, body []byte, contentType string) (*http.Request, error) {
	url := strings.TrimRight(c.cfg.APIBase, "/") + c.cfg.TTSPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return req, nil
}

// Synthesize performs one blocking synthesis call. No retries: a transport
// failure on a non-streaming call is surfaced directly.
func (c *Client) Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error) {
	const op = "tts.Client.Synthesize"

	useMsgpack := len(req.References) > 0
	payload, err := c.buildPayload(req, false, useMsgpack)
	if err != nil {
		return nil, err
	}
	body, contentType, err := c.encode(payload, useMsgpack)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "encode synthesis payload", err)
	}

	httpReq, err := c.newRequest(ctx, body, contentType)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "build synthesis request", err)
	}

	c.log.WithFields(logrus.Fields{
		"format":     payload.Format,
		"references": len(payload.References),
		"msgpack":    useMsgpack,
	}).Debug("requesting synthesis")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "synthesis request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody := readErrorBody(resp.Body)
		c.log.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   errBody,
		}).Error("synthesis rejected")
		return nil, utils.E(utils.CodeUnavailable, op,
			fmt.Sprintf("synthesis API returned %d: %s", resp.StatusCode, errBody), nil)
	}

	return c.decodeResult(resp, payload)
}

func (c *Client) decodeResult(resp *http.Response, payload wirePayload) (*SynthesisResult, error) {
	const op = "tts.Client.decodeResult"

	format := payload.Format
	sampleRate := payload.SampleRate
	if sampleRate == 0 {
		sampleRate = c.cfg.DefaultSampleRate
	}

	var audio []byte
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Audio       string `json:"audio"`
			AudioBase64 string `json:"audio_base64"`
			Format      string `json:"format"`
			SampleRate  int    `json:"sample_rate"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, utils.E(utils.CodeUnavailable, op, "decode synthesis response", err)
		}
		encoded := body.Audio
		if encoded == "" {
			encoded = body.AudioBase64
		}
		if encoded == "" {
			return nil, utils.E(utils.CodeUnavailable, op, "synthesis response missing audio payload", nil)
		}
		var err error
		if audio, err = base64.StdEncoding.DecodeString(encoded); err != nil {
			return nil, utils.E(utils.CodeUnavailable, op, "synthesis response audio is not valid base64", err)
		}
		if body.Format != "" {
			format = body.Format
		}
		if body.SampleRate > 0 {
			sampleRate = body.SampleRate
		}
	} else {
		var err error
		if audio, err = io.ReadAll(resp.Body); err != nil {
			return nil, utils.E(utils.CodeUnavailable, op, "read synthesis response", err)
		}
		if h := resp.Header.Get("X-Sample-Rate"); h != "" {
			if n, err := strconv.Atoi(h); err == nil {
				sampleRate = n
			} else {
				c.log.WithField("x-sample-rate", h).Warn("malformed sample rate header, using default")
			}
		}
	}

	return &SynthesisResult{
		Audio:       audio,
		Format:      format,
		SampleRate:  sampleRate,
		ReferenceID: payload.ReferenceID,
		MediaType:   MediaTypeForFormat(format),
	}, nil
}

// SynthesizeStream returns a stream whose metadata is fixed up front; the
// HTTP attempt (and its retries) happens inside Start, not here.
func (c *Client) SynthesizeStream(ctx context.Context, req SynthesisRequest) (*SynthesisStream, error) {
	const op = "tts.Client.SynthesizeStream"

	useMsgpack := len(req.References) > 0
	payload, err := c.buildPayload(req, true, useMsgpack)
	if err != nil {
		return nil, err
	}
	body, contentType, err := c.encode(payload, useMsgpack)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "encode synthesis payload", err)
	}

	sampleRate := payload.SampleRate
	if sampleRate == 0 {
		sampleRate = c.cfg.DefaultSampleRate
	}

	stream := &SynthesisStream{
		Format:      payload.Format,
		SampleRate:  sampleRate,
		ReferenceID: payload.ReferenceID,
		MediaType:   MediaTypeForFormat(payload.Format),
	}
	stream.open = func(ctx context.Context) (<-chan []byte, <-chan error) {
		chunks := make(chan []byte, 8)
		errs := make(chan error, 1)
		go c.runStream(ctx, body, contentType, chunks, errs)
		return chunks, errs
	}
	return stream, nil
}

func (c *Client) runStream(ctx context.Context, body []byte, contentType string, chunks chan<- []byte, errs chan<- error) {
	const op = "tts.Client.runStream"
	defer close(chunks)
	defer close(errs)

	attempt := 0
	attemptOnce := func() error {
		attempt++

		httpReq, err := c.newRequest(ctx, body, contentType)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(httpReq)
		if err != nil {
			c.log.WithError(err).WithField("attempt", attempt).Warn("streaming synthesis transport error")
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			errBody := readErrorBody(resp.Body)
			c.log.WithFields(logrus.Fields{
				"status": resp.StatusCode,
				"body":   errBody,
			}).Error("streaming synthesis rejected")
			return backoff.Permanent(fmt.Errorf("synthesis API returned %d: %s", resp.StatusCode, errBody))
		}

		buf := make([]byte, 32*1024)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.backoffInitial
	bo.Multiplier = 2
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	err := backoff.Retry(attemptOnce,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx))
	if err != nil {
		if ctx.Err() != nil {
			errs <- utils.E(utils.CodeStreamCancelled, op, "synthesis stream cancelled", ctx.Err())
			return
		}
		c.log.WithError(err).WithField("attempts", attempt).Error("streaming synthesis failed")
		errs <- utils.E(utils.CodeUnavailable, op, "streaming synthesis failed", err)
	}
}

func readErrorBody(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 1000))
	return string(bytes.TrimSpace(body))
}
