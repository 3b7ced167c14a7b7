package stt

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/talkpipe/talkpipe/config"
	"github.com/talkpipe/talkpipe/internal/utils"
)

// Segment is one time-aligned piece of a transcription, ordered by start.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcription is the normalized output of any recognizer backend.
//
// Text precedence: the engine's raw full text is authoritative when present;
// otherwise Text is the concatenation of segment texts.
type Transcription struct {
	Text     string    `json:"text"`
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments"`
}

// TranscribeOptions carry per-call hints for the recognizer.
type TranscribeOptions struct {
	Filename       string
	ContentType    string
	Language       string
	Prompt         string
	ResponseFormat string
	Temperature    *float64
}

// Recognizer abstracts the speech-to-text backend. The concrete backend is
// chosen once at startup from configuration, never per call.
type Recognizer interface {
	Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (Transcription, error)
	Ready() bool
}

// New selects the configured backend. An empty mode yields a recognizer
// that fails with NOT_CONFIGURED without any I/O.
func New(cfg config.STTConfig, log *logrus.Logger) (Recognizer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "remote":
		return newRemoteRecognizer(cfg, log), nil
	case "exec":
		return newExecRecognizer(cfg, log)
	case "":
		return notConfigured{}, nil
	default:
		return nil, utils.E(utils.CodeInvalidArgument, "stt.New",
			"STT_MODE must be 'remote' or 'exec', got '"+cfg.Mode+"'", nil)
	}
}

type notConfigured struct{}

func (notConfigured) Transcribe(context.Context, []byte, TranscribeOptions) (Transcription, error) {
	return Transcription{}, utils.E(utils.CodeNotConfigured, "stt.Transcribe",
		"no speech-to-text backend is configured", nil)
}

func (notConfigured) Ready() bool { return false }

// Normalize applies the text precedence rule and backfills a single
// covering segment when the engine returned only raw text.
func Normalize(rawText, language string, duration float64, segments []Segment) Transcription {
	if len(segments) == 0 && rawText != "" {
		segments = []Segment{{ID: 0, Start: 0, End: duration, Text: rawText}}
	}
	text := rawText
	if text == "" {
		var b strings.Builder
		for _, s := range segments {
			b.WriteString(s.Text)
		}
		text = b.String()
	}
	return Transcription{Text: text, Language: language, Segments: segments}
}
