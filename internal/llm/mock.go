package llm

import (
	"strings"
	"sync/atomic"
	"time"
)

// MockEngine is a deterministic scripted engine used by tests and local
// development. Streaming yields the script pieces in order; Complete returns
// their concatenation, so the two paths agree byte for byte.
type MockEngine struct {
	Script []string
	// Delay is applied before every Complete call when set.
	Delay time.Duration
	// Err, when set, fails every call.
	Err error

	calls atomic.Int64
}

func NewMockEngine(script ...string) *MockEngine {
	return &MockEngine{Script: script}
}

func (m *MockEngine) Complete(req CompletionRequest) (Completion, error) {
	m.calls.Add(1)
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}
	if m.Err != nil {
		return Completion{}, m.Err
	}
	return Completion{
		Text:             strings.Join(m.Script, ""),
		FinishReason:     "stop",
		CompletionTokens: len(m.Script),
	}, nil
}

func (m *MockEngine) CompleteStream(req CompletionRequest, yield func(Chunk) error) error {
	m.calls.Add(1)
	if m.Err != nil {
		return m.Err
	}
	for i, piece := range m.Script {
		c := Chunk{Text: piece}
		if i == len(m.Script)-1 {
			c.FinishReason = "stop"
			c.CompletionTokens = len(m.Script)
		}
		if err := yield(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockEngine) Close() error { return nil }

// Calls reports how many generation calls the engine has served.
func (m *MockEngine) Calls() int64 { return m.calls.Load() }

// NewMockLoader wraps an engine in a Loader and counts invocations, so tests
// can assert that concurrent lazy loads collapse into one.
func NewMockLoader(eng Engine, loadErr error, count *atomic.Int64) Loader {
	return func() (Engine, error) {
		if count != nil {
			count.Add(1)
		}
		if loadErr != nil {
			return nil, loadErr
		}
		return eng, nil
	}
}
