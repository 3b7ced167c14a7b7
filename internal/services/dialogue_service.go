package services

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/talkpipe/talkpipe/internal/llm"
	"github.com/talkpipe/talkpipe/internal/stt"
	"github.com/talkpipe/talkpipe/internal/tts"
	"github.com/talkpipe/talkpipe/internal/utils"
)

// DefaultPreamble is prepended to every dialogue turn unless the caller's
// instructions replace it entirely.
const DefaultPreamble = "You are a helpful voice assistant. Keep responses concise and conversational."

// Generator is the slice of the LLM service the orchestrator needs.
type Generator interface {
	Generate(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error)
}

// Synthesizer is the slice of the TTS client the orchestrator needs.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.SynthesisRequest) (*tts.SynthesisResult, error)
	SynthesizeStream(ctx context.Context, req tts.SynthesisRequest) (*tts.SynthesisStream, error)
}

type DialogueInput struct {
	Audio        []byte
	Filename     string
	ContentType  string
	Language     string
	Instructions string
	Generation   llm.CompletionRequest
	Synthesis    tts.SynthesisRequest
	StreamAudio  bool
}

// DialogueResult carries the turn's outputs. Exactly one of Synthesis and
// Stream is set, selected by StreamAudio. When Stream is set the caller
// drives it; the orchestrator never reads audio chunks.
type DialogueResult struct {
	Transcription stt.Transcription
	ResponseText  string
	FinishReason  string
	Synthesis     *tts.SynthesisResult
	Stream        *tts.SynthesisStream
}

// TextTurnInput is a dialogue turn that starts from text instead of audio,
// skipping the recognizer.
type TextTurnInput struct {
	Text         string
	Instructions string
	Generation   llm.CompletionRequest
	Synthesis    tts.SynthesisRequest
	StreamAudio  bool
}

type DialogueService interface {
	RunDialogue(ctx context.Context, in DialogueInput) (*DialogueResult, error)
	RunText(ctx context.Context, in TextTurnInput) (*DialogueResult, error)
}

type dialogueService struct {
	recognizer stt.Recognizer
	generator  Generator
	tts        Synthesizer
	log        *logrus.Logger
}

func NewDialogueService(recognizer stt.Recognizer, generator Generator, synth Synthesizer, log *logrus.Logger) DialogueService {
	return &dialogueService{recognizer: recognizer, generator: generator, tts: synth, log: log}
}

// RunDialogue executes one turn: transcribe, generate, synthesize. Stages
// run strictly in order and the first failure aborts the turn, so a broken
// TTS backend still costs an STT and LLM call but a broken STT backend
// costs nothing downstream.
func (s *dialogueService) RunDialogue(ctx context.Context, in DialogueInput) (*DialogueResult, error) {
	const op = "DialogueService.RunDialogue"

	if len(in.Audio) == 0 {
		return nil, utils.E(utils.CodeInvalidArgument, op, "audio is required", nil)
	}

	tr, err := s.recognizer.Transcribe(ctx, in.Audio, stt.TranscribeOptions{
		Filename:    in.Filename,
		ContentType: in.ContentType,
		Language:    in.Language,
	})
	if err != nil {
		return nil, err
	}
	if tr.Text == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "no speech detected in audio", nil)
	}
	s.log.WithFields(logrus.Fields{
		"transcript_len": len(tr.Text),
		"language":       tr.Language,
	}).Info("dialogue transcription complete")

	res, err := s.completeTurn(ctx, tr.Text, in.Instructions, in.Generation, in.Synthesis, in.StreamAudio)
	if err != nil {
		return nil, err
	}
	res.Transcription = tr
	return res, nil
}

// RunText executes a turn that starts from text, for clients that type
// instead of speak. The transcription in the result is empty.
func (s *dialogueService) RunText(ctx context.Context, in TextTurnInput) (*DialogueResult, error) {
	const op = "DialogueService.RunText"

	if in.Text == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "text is required", nil)
	}
	return s.completeTurn(ctx, in.Text, in.Instructions, in.Generation, in.Synthesis, in.StreamAudio)
}

func (s *dialogueService) completeTurn(ctx context.Context, userText, instructions string, gen llm.CompletionRequest, synth tts.SynthesisRequest, streamAudio bool) (*DialogueResult, error) {
	const op = "DialogueService.completeTurn"

	gen.Prompt, _ = llm.ApplyChatTemplate(userText, s.systemPrompt(instructions))
	if err := gen.Validate(); err != nil {
		return nil, err
	}

	completion, err := s.generator.Generate(ctx, gen)
	if err != nil {
		return nil, err
	}
	if completion.Text == "" {
		return nil, utils.E(utils.CodeGenerationFailed, op, "model produced an empty response", nil)
	}

	res := &DialogueResult{
		ResponseText: completion.Text,
		FinishReason: completion.FinishReason,
	}

	synth.Text = completion.Text
	if streamAudio {
		stream, err := s.tts.SynthesizeStream(ctx, synth)
		if err != nil {
			return nil, err
		}
		res.Stream = stream
		return res, nil
	}

	out, err := s.tts.Synthesize(ctx, synth)
	if err != nil {
		return nil, err
	}
	res.Synthesis = out
	return res, nil
}

// systemPrompt merges caller instructions with the default preamble.
// Instructions extend the preamble rather than replacing it so the
// assistant keeps its voice register.
func (s *dialogueService) systemPrompt(instructions string) string {
	if instructions == "" {
		return DefaultPreamble
	}
	return DefaultPreamble + "\n\n" + instructions
}
