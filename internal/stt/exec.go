package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/sirupsen/logrus"

	"github.com/talkpipe/talkpipe/config"
	"github.com/talkpipe/talkpipe/internal/utils"
)

// execRecognizer shells out to a whisper.cpp style CLI for each call. The
// process is CPU/GPU bound and not reentrant, so calls are serialized.
type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
	log *logrus.Logger
	mu  sync.Mutex
}

type execPayload struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
}

func newExecRecognizer(cfg config.STTConfig, log *logrus.Logger) (*execRecognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, utils.E(utils.CodeInvalidArgument, "stt.newExecRecognizer", "parse STT_COMMAND", err)
	}
	if len(args) == 0 {
		return nil, utils.E(utils.CodeInvalidArgument, "stt.newExecRecognizer", "STT_COMMAND is empty", nil)
	}
	return &execRecognizer{cmd: args, cfg: cfg, log: log}, nil
}

func (r *execRecognizer) Ready() bool { return true }

func (r *execRecognizer) Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (Transcription, error) {
	const op = "stt.execRecognizer.Transcribe"

	r.mu.Lock()
	defer r.mu.Unlock()

	ext := filepath.Ext(opts.Filename)
	if ext == "" {
		ext = ".wav"
	}
	file, err := os.CreateTemp("", "talkpipe_stt_*"+ext)
	if err != nil {
		return Transcription{}, utils.E(utils.CodeInternal, op, "temp file", err)
	}
	defer os.Remove(file.Name())

	if _, err := file.Write(audio); err != nil {
		file.Close()
		return Transcription{}, utils.E(utils.CodeInternal, op, "write temp file", err)
	}
	file.Close()

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if opts.Prompt != "" {
		args = append(args, "--prompt", opts.Prompt)
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	r.log.WithField("bytes", len(audio)).Debug("dispatching exec transcription")

	if err := command.Run(); err != nil {
		r.log.WithError(err).WithField("stderr", strings.TrimSpace(stderr.String())).
			Error("local transcription failed")
		return Transcription{}, utils.E(utils.CodeUnavailable, op, "local transcription failed", err)
	}

	var payload execPayload
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &payload); err != nil {
		return Transcription{}, utils.E(utils.CodeUnavailable, op, "decode recognizer output", err)
	}

	return Normalize(payload.Text, payload.Language, payload.Duration, payload.Segments), nil
}
