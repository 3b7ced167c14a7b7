package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/talkpipe/talkpipe/config"
	"github.com/talkpipe/talkpipe/internal/utils"
)

type loadState int

const (
	stateUnloaded loadState = iota
	stateLoading
	stateReady
)

// Service owns the lifecycle of a single loaded engine and exposes blocking
// and streaming generation without blocking the caller's goroutine on the
// engine's synchronous calls.
//
// Load transitions: UNLOADED -> LOADING -> READY, with LOADING -> UNLOADED
// on failure (retriable). Concurrent first-use triggers exactly one load;
// everyone else waits on the in-flight attempt.
type Service struct {
	cfg    config.LLMConfig
	log    *logrus.Logger
	loader Loader

	mu       sync.Mutex
	state    loadState
	engine   Engine
	loadDone chan struct{}
	loadErr  error

	// Serializes engine calls; the engine is not assumed reentrant.
	genMu sync.Mutex
}

func NewService(cfg config.LLMConfig, log *logrus.Logger, loader Loader) *Service {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 32
	}
	return &Service{cfg: cfg, log: log, loader: loader}
}

// IsReady reports whether the engine is loaded.
func (s *Service) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateReady
}

// Engine returns the loaded engine without triggering a lazy load.
func (s *Service) Engine() (Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateReady {
		return nil, utils.E(utils.CodeModelNotLoaded, "llm.Service.Engine", "model is not loaded", nil)
	}
	return s.engine, nil
}

// Startup eagerly loads the engine. Safe to skip: generation calls load
// lazily on first use.
func (s *Service) Startup(ctx context.Context) error {
	_, err := s.ensureLoaded(ctx)
	return err
}

// Shutdown releases the engine and returns the service to UNLOADED.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.engine != nil {
		s.log.Info("releasing inference engine")
		err = s.engine.Close()
	}
	s.engine = nil
	s.state = stateUnloaded
	s.loadErr = nil
	return err
}

func (s *Service) ensureLoaded(ctx context.Context) (Engine, error) {
	const op = "llm.Service.ensureLoaded"
	for {
		s.mu.Lock()
		switch s.state {
		case stateReady:
			eng := s.engine
			s.mu.Unlock()
			return eng, nil

		case stateLoading:
			done := s.loadDone
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, utils.E(utils.CodeStreamCancelled, op, "cancelled while waiting for model load", ctx.Err())
			case <-done:
			}
			s.mu.Lock()
			if s.state == stateReady {
				eng := s.engine
				s.mu.Unlock()
				return eng, nil
			}
			err := s.loadErr
			s.mu.Unlock()
			if err != nil {
				return nil, err
			}
			// Load was reset underneath us; take another pass.

		case stateUnloaded:
			done := make(chan struct{})
			s.state = stateLoading
			s.loadDone = done
			s.loadErr = nil
			s.mu.Unlock()

			s.log.Info("model not loaded, loading inference engine")
			eng, err := s.loader()

			s.mu.Lock()
			if err != nil {
				s.state = stateUnloaded
				s.loadErr = utils.E(utils.CodeModelNotLoaded, op, "failed to load model", err)
				err = s.loadErr
			} else {
				s.engine = eng
				s.state = stateReady
			}
			close(done)
			s.mu.Unlock()
			if err != nil {
				s.log.WithError(err).Error("model load failed")
				return nil, err
			}
			s.log.Info("inference engine loaded")
			return eng, nil
		}
	}
}

// Generate produces a complete text completion. It lazy-loads the engine on
// first use and bounds the call with the configured wall-clock timeout. On
// timeout the in-flight engine call is abandoned, not killed: the engine
// cannot be cancelled mid-generation.
func (s *Service) Generate(ctx context.Context, req CompletionRequest) (Completion, error) {
	const op = "llm.Service.Generate"

	if err := req.Validate(); err != nil {
		return Completion{}, err
	}
	eng, err := s.ensureLoaded(ctx)
	if err != nil {
		return Completion{}, err
	}

	type result struct {
		out Completion
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s.genMu.Lock()
		defer s.genMu.Unlock()
		out, gerr := eng.Complete(req)
		ch <- result{out: out, err: gerr}
	}()

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return Completion{}, utils.E(utils.CodeGenerationFailed, op, "text generation failed", r.err)
		}
		return r.out, nil
	case <-timer.C:
		s.log.WithField("timeout", s.cfg.RequestTimeout).Error("generation timed out")
		return Completion{}, utils.E(utils.CodeGenerationTimeout, op,
			fmt.Sprintf("generation timed out after %s", s.cfg.RequestTimeout), nil)
	case <-ctx.Done():
		return Completion{}, utils.E(utils.CodeStreamCancelled, op, "generation cancelled", ctx.Err())
	}
}

// GenerateStream bridges the engine's synchronous chunk callback into a
// consumable channel pair. The producer goroutine pushes into a bounded
// channel; cancelling ctx makes the yield callback fail, which stops the
// engine's generator instead of leaking it.
func (s *Service) GenerateStream(ctx context.Context, req CompletionRequest) (<-chan Chunk, <-chan error) {
	const op = "llm.Service.GenerateStream"

	out := make(chan Chunk, s.cfg.StreamBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		if err := req.Validate(); err != nil {
			errs <- err
			return
		}
		eng, err := s.ensureLoaded(ctx)
		if err != nil {
			errs <- err
			return
		}

		s.genMu.Lock()
		defer s.genMu.Unlock()

		err = eng.CompleteStream(req, func(c Chunk) error {
			select {
			case out <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.log.Info("generation stream cancelled")
				errs <- utils.E(utils.CodeStreamCancelled, op, "generation stream was cancelled", err)
				return
			}
			errs <- utils.E(utils.CodeGenerationFailed, op, "streaming generation failed", err)
		}
	}()

	return out, errs
}

// ModelID reports the configured model identifier for catalog endpoints.
func (s *Service) ModelID() string { return s.cfg.ModelID }

// ModelName reports the configured human-readable model name.
func (s *Service) ModelName() string { return s.cfg.ModelName }
