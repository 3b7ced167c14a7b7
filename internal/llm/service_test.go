package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/talkpipe/talkpipe/config"
	"github.com/talkpipe/talkpipe/internal/utils"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testRequest() CompletionRequest {
	req := DefaultCompletionRequest()
	req.Prompt = "hello"
	return req
}

func newTestService(t *testing.T, eng Engine, cfg config.LLMConfig) (*Service, *atomic.Int64) {
	t.Helper()
	var loads atomic.Int64
	return NewService(cfg, testLogger(), NewMockLoader(eng, nil, &loads)), &loads
}

func TestGenerateMatchesStream(t *testing.T) {
	eng := NewMockEngine("The ", "quick ", "brown ", "fox.")
	svc, _ := newTestService(t, eng, config.LLMConfig{})

	blocking, err := svc.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	chunks, errs := svc.GenerateStream(context.Background(), testRequest())
	var b strings.Builder
	for c := range chunks {
		b.WriteString(c.Text)
	}
	if err := <-errs; err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	if blocking.Text != b.String() {
		t.Fatalf("stream concat %q != blocking %q", b.String(), blocking.Text)
	}
}

func TestLazyLoadIdempotent(t *testing.T) {
	eng := NewMockEngine("ok")
	svc, loads := newTestService(t, eng, config.LLMConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Generate(context.Background(), testRequest()); err != nil {
				t.Errorf("Generate: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := loads.Load(); n != 1 {
		t.Fatalf("expected exactly one load, got %d", n)
	}
	if !svc.IsReady() {
		t.Fatal("service should be ready after load")
	}
}

func TestLoadFailureIsRetriable(t *testing.T) {
	eng := NewMockEngine("ok")
	var loads atomic.Int64
	loader := func() (Engine, error) {
		if loads.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return eng, nil
	}
	svc := NewService(config.LLMConfig{}, testLogger(), loader)

	if _, err := svc.Generate(context.Background(), testRequest()); !utils.IsCode(err, utils.CodeModelNotLoaded) {
		t.Fatalf("expected MODEL_NOT_LOADED, got %v", err)
	}
	if svc.IsReady() {
		t.Fatal("failed load must reset to unloaded")
	}
	if _, err := svc.Generate(context.Background(), testRequest()); err != nil {
		t.Fatalf("retry after failed load: %v", err)
	}
	if n := loads.Load(); n != 2 {
		t.Fatalf("expected 2 load attempts, got %d", n)
	}
}

func TestGenerateTimeout(t *testing.T) {
	eng := NewMockEngine("slow")
	eng.Delay = 500 * time.Millisecond
	svc, _ := newTestService(t, eng, config.LLMConfig{RequestTimeout: 20 * time.Millisecond})

	_, err := svc.Generate(context.Background(), testRequest())
	if !utils.IsCode(err, utils.CodeGenerationTimeout) {
		t.Fatalf("expected GENERATION_TIMEOUT, got %v", err)
	}
}

func TestGenerateWrapsEngineFailure(t *testing.T) {
	eng := NewMockEngine()
	eng.Err = errors.New("inference blew up")
	svc, _ := newTestService(t, eng, config.LLMConfig{})

	_, err := svc.Generate(context.Background(), testRequest())
	if !utils.IsCode(err, utils.CodeGenerationFailed) {
		t.Fatalf("expected GENERATION_FAILED, got %v", err)
	}
	if !strings.Contains(err.Error(), "inference blew up") {
		t.Fatalf("expected original cause preserved, got %v", err)
	}
}

func TestStreamCancellationStopsEngine(t *testing.T) {
	pieces := make([]string, 64)
	for i := range pieces {
		pieces[i] = "tok "
	}
	eng := NewMockEngine(pieces...)
	svc, _ := newTestService(t, eng, config.LLMConfig{StreamBuffer: 1})

	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := svc.GenerateStream(ctx, testRequest())

	<-chunks
	cancel()

	// Do not drain chunks: the producer must observe cancellation while
	// blocked on the bounded channel.
	select {
	case err := <-errs:
		if !utils.IsCode(err, utils.CodeStreamCancelled) {
			t.Fatalf("expected STREAM_CANCELLED, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancellation")
	}
}

func TestEngineAccessorWhenUnloaded(t *testing.T) {
	svc, loads := newTestService(t, NewMockEngine("x"), config.LLMConfig{})
	if _, err := svc.Engine(); !utils.IsCode(err, utils.CodeModelNotLoaded) {
		t.Fatalf("expected MODEL_NOT_LOADED, got %v", err)
	}
	if loads.Load() != 0 {
		t.Fatal("accessor must not trigger a lazy load")
	}
}

func TestShutdownReturnsToUnloaded(t *testing.T) {
	svc, _ := newTestService(t, NewMockEngine("x"), config.LLMConfig{})
	if err := svc.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if err := svc.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if svc.IsReady() {
		t.Fatal("expected unloaded after shutdown")
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	svc, _ := newTestService(t, NewMockEngine("x"), config.LLMConfig{})

	req := testRequest()
	req.Temperature = 2.5
	if _, err := svc.Generate(context.Background(), req); !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT for temperature, got %v", err)
	}

	req = testRequest()
	req.TopP = 1.5
	if _, err := svc.Generate(context.Background(), req); !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT for top_p, got %v", err)
	}

	req = testRequest()
	req.MaxTokens = 0
	if _, err := svc.Generate(context.Background(), req); !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT for max_tokens, got %v", err)
	}
}
