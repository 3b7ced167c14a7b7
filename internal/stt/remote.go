package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/talkpipe/talkpipe/config"
	"github.com/talkpipe/talkpipe/internal/utils"
)

// remoteRecognizer posts audio to an OpenAI-compatible transcription API.
type remoteRecognizer struct {
	cfg    config.STTConfig
	log    *logrus.Logger
	client *http.Client
}

func newRemoteRecognizer(cfg config.STTConfig, log *logrus.Logger) *remoteRecognizer {
	return &remoteRecognizer{
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (r *remoteRecognizer) Ready() bool { return true }

type remotePayload struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
}

func (r *remoteRecognizer) Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (Transcription, error) {
	const op = "stt.remoteRecognizer.Transcribe"

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	filename := opts.Filename
	if filename == "" {
		filename = "audio.wav"
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return Transcription{}, utils.E(utils.CodeInternal, op, "build multipart request", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return Transcription{}, utils.E(utils.CodeInternal, op, "build multipart request", err)
	}

	fields := map[string]string{
		"model":           r.cfg.Model,
		"response_format": opts.ResponseFormat,
	}
	if fields["response_format"] == "" {
		fields["response_format"] = r.cfg.ResponseFormat
	}
	if opts.Language != "" {
		fields["language"] = opts.Language
	}
	if opts.Prompt != "" {
		fields["prompt"] = opts.Prompt
	}
	if opts.Temperature != nil {
		fields["temperature"] = fmt.Sprintf("%g", *opts.Temperature)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return Transcription{}, utils.E(utils.CodeInternal, op, "build multipart request", err)
		}
	}
	if err := mw.Close(); err != nil {
		return Transcription{}, utils.E(utils.CodeInternal, op, "build multipart request", err)
	}

	url := strings.TrimRight(r.cfg.Endpoint, "/") + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return Transcription{}, utils.E(utils.CodeInternal, op, "build request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	r.log.WithFields(logrus.Fields{
		"model": r.cfg.Model,
		"bytes": len(audio),
	}).Debug("dispatching remote transcription")

	resp, err := r.client.Do(req)
	if err != nil {
		return Transcription{}, utils.E(utils.CodeUnavailable, op, "remote transcription failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		r.log.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   string(bytes.TrimSpace(errBody)),
		}).Error("remote transcription rejected")
		return Transcription{}, utils.E(utils.CodeUnavailable, op,
			fmt.Sprintf("transcription API returned %s", resp.Status), nil)
	}

	var payload remotePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Transcription{}, utils.E(utils.CodeUnavailable, op, "decode transcription response", err)
	}

	return Normalize(payload.Text, payload.Language, payload.Duration, payload.Segments), nil
}
