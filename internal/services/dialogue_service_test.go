package services

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/talkpipe/talkpipe/internal/llm"
	"github.com/talkpipe/talkpipe/internal/stt"
	"github.com/talkpipe/talkpipe/internal/tts"
	"github.com/talkpipe/talkpipe/internal/utils"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeRecognizer struct {
	calls  *[]string
	result stt.Transcription
	err    error
}

func (f *fakeRecognizer) Transcribe(ctx context.Context, audio []byte, opts stt.TranscribeOptions) (stt.Transcription, error) {
	*f.calls = append(*f.calls, "stt")
	return f.result, f.err
}

func (f *fakeRecognizer) Ready() bool { return true }

type fakeGenerator struct {
	calls   *[]string
	lastReq llm.CompletionRequest
	result  llm.Completion
	err     error
}

func (f *fakeGenerator) Generate(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error) {
	*f.calls = append(*f.calls, "llm")
	f.lastReq = req
	return f.result, f.err
}

type fakeSynth struct {
	calls   *[]string
	lastReq tts.SynthesisRequest
	result  *tts.SynthesisResult
	stream  *tts.SynthesisStream
	err     error
}

func (f *fakeSynth) Synthesize(ctx context.Context, req tts.SynthesisRequest) (*tts.SynthesisResult, error) {
	*f.calls = append(*f.calls, "tts")
	f.lastReq = req
	return f.result, f.err
}

func (f *fakeSynth) SynthesizeStream(ctx context.Context, req tts.SynthesisRequest) (*tts.SynthesisStream, error) {
	*f.calls = append(*f.calls, "tts-stream")
	f.lastReq = req
	return f.stream, f.err
}

func newFixture() (*[]string, *fakeRecognizer, *fakeGenerator, *fakeSynth, DialogueService) {
	calls := &[]string{}
	rec := &fakeRecognizer{calls: calls, result: stt.Transcription{Text: "what time is it"}}
	gen := &fakeGenerator{calls: calls, result: llm.Completion{Text: "It is noon.", FinishReason: "stop"}}
	synth := &fakeSynth{calls: calls, result: &tts.SynthesisResult{Audio: []byte("wav"), Format: "wav", SampleRate: 44100}}
	svc := NewDialogueService(rec, gen, synth, testLogger())
	return calls, rec, gen, synth, svc
}

func defaultInput() DialogueInput {
	return DialogueInput{
		Audio:      []byte("audio-bytes"),
		Generation: llm.DefaultCompletionRequest(),
	}
}

func TestRunDialogueBlockingOrder(t *testing.T) {
	calls, _, gen, synth, svc := newFixture()

	res, err := svc.RunDialogue(context.Background(), defaultInput())
	if err != nil {
		t.Fatalf("RunDialogue: %v", err)
	}
	want := []string{"stt", "llm", "tts"}
	if len(*calls) != len(want) {
		t.Fatalf("calls %v, want %v", *calls, want)
	}
	for i := range want {
		if (*calls)[i] != want[i] {
			t.Fatalf("calls %v, want %v", *calls, want)
		}
	}
	if res.Transcription.Text != "what time is it" || res.ResponseText != "It is noon." {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Synthesis == nil || res.Stream != nil {
		t.Fatal("blocking mode must set Synthesis, not Stream")
	}
	if synth.lastReq.Text != "It is noon." {
		t.Fatalf("synthesis text must be the generated reply, got %q", synth.lastReq.Text)
	}
	if !strings.Contains(gen.lastReq.Prompt, llm.TurnMarker) {
		t.Fatal("prompt must be chat templated")
	}
	if !strings.Contains(gen.lastReq.Prompt, DefaultPreamble) {
		t.Fatal("default preamble missing from prompt")
	}
}

func TestRunDialogueStreamingVariant(t *testing.T) {
	_, _, _, synth, svc := newFixture()
	synth.stream = &tts.SynthesisStream{Format: "wav", SampleRate: 44100}

	in := defaultInput()
	in.StreamAudio = true
	res, err := svc.RunDialogue(context.Background(), in)
	if err != nil {
		t.Fatalf("RunDialogue: %v", err)
	}
	if res.Stream == nil || res.Synthesis != nil {
		t.Fatal("streaming mode must set Stream, not Synthesis")
	}
}

func TestRunDialogueEmptyAudioFastFail(t *testing.T) {
	calls, _, _, _, svc := newFixture()

	in := defaultInput()
	in.Audio = nil
	_, err := svc.RunDialogue(context.Background(), in)
	if !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
	if len(*calls) != 0 {
		t.Fatalf("no backend may be called for empty audio, got %v", *calls)
	}
}

func TestRunDialogueSTTFailureAbortsTurn(t *testing.T) {
	calls, rec, _, _, svc := newFixture()
	rec.err = utils.E(utils.CodeUnavailable, "test", "stt down", nil)

	_, err := svc.RunDialogue(context.Background(), defaultInput())
	if !utils.IsCode(err, utils.CodeUnavailable) {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
	if len(*calls) != 1 {
		t.Fatalf("LLM and TTS must not run after STT failure, got %v", *calls)
	}
}

func TestRunDialogueEmptyTranscriptRejected(t *testing.T) {
	calls, rec, _, _, svc := newFixture()
	rec.result = stt.Transcription{}

	_, err := svc.RunDialogue(context.Background(), defaultInput())
	if !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
	if len(*calls) != 1 {
		t.Fatalf("generation must not run on empty transcript, got %v", *calls)
	}
}

func TestRunDialogueTTSFailureAfterGeneration(t *testing.T) {
	calls, _, _, synth, svc := newFixture()
	synth.result = nil
	synth.err = utils.E(utils.CodeUnavailable, "test", "tts down", nil)

	_, err := svc.RunDialogue(context.Background(), defaultInput())
	if !utils.IsCode(err, utils.CodeUnavailable) {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
	if len(*calls) != 3 {
		t.Fatalf("STT and LLM must have run before TTS failed, got %v", *calls)
	}
}

func TestRunTextSkipsRecognizer(t *testing.T) {
	calls, _, gen, _, svc := newFixture()

	res, err := svc.RunText(context.Background(), TextTurnInput{
		Text:       "hello there",
		Generation: llm.DefaultCompletionRequest(),
	})
	if err != nil {
		t.Fatalf("RunText: %v", err)
	}
	for _, call := range *calls {
		if call == "stt" {
			t.Fatal("text turns must not call the recognizer")
		}
	}
	if !strings.Contains(gen.lastReq.Prompt, "hello there") {
		t.Fatalf("prompt must include the user text: %q", gen.lastReq.Prompt)
	}
	if res.Transcription.Text != "" {
		t.Fatal("text turns carry no transcription")
	}
}

func TestRunTextRequiresText(t *testing.T) {
	_, _, _, _, svc := newFixture()
	_, err := svc.RunText(context.Background(), TextTurnInput{Generation: llm.DefaultCompletionRequest()})
	if !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestRunDialogueInstructionsExtendPreamble(t *testing.T) {
	_, _, gen, _, svc := newFixture()

	in := defaultInput()
	in.Instructions = "Answer in French."
	if _, err := svc.RunDialogue(context.Background(), in); err != nil {
		t.Fatalf("RunDialogue: %v", err)
	}
	if !strings.Contains(gen.lastReq.Prompt, DefaultPreamble) || !strings.Contains(gen.lastReq.Prompt, "Answer in French.") {
		t.Fatalf("prompt must contain preamble and instructions: %q", gen.lastReq.Prompt)
	}
}
