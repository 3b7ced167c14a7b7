package llm

import (
	"fmt"

	"github.com/talkpipe/talkpipe/internal/utils"
)

// CompletionRequest carries the prompt and sampling parameters for one
// generation call. Immutable per call.
type CompletionRequest struct {
	Prompt        string
	SystemPrompt  string
	MaxTokens     int
	Temperature   float64
	TopP          float64
	TopK          int
	RepeatPenalty float64
	MinP          float64
	Stop          []string
	Seed          *int
}

// DefaultCompletionRequest returns the documented sampling defaults.
func DefaultCompletionRequest() CompletionRequest {
	return CompletionRequest{
		MaxTokens:     512,
		Temperature:   0.7,
		TopP:          0.95,
		TopK:          40,
		RepeatPenalty: 1.1,
		MinP:          0.05,
	}
}

// Validate enforces the documented parameter ranges.
func (r CompletionRequest) Validate() error {
	const op = "llm.CompletionRequest.Validate"
	switch {
	case r.Prompt == "":
		return utils.E(utils.CodeInvalidArgument, op, "prompt is required", nil)
	case r.MaxTokens < 1 || r.MaxTokens > 4096:
		return utils.E(utils.CodeInvalidArgument, op, fmt.Sprintf("max_tokens must be in [1,4096], got %d", r.MaxTokens), nil)
	case r.Temperature < 0 || r.Temperature > 2:
		return utils.E(utils.CodeInvalidArgument, op, fmt.Sprintf("temperature must be in [0,2], got %g", r.Temperature), nil)
	case r.TopP < 0 || r.TopP > 1:
		return utils.E(utils.CodeInvalidArgument, op, fmt.Sprintf("top_p must be in [0,1], got %g", r.TopP), nil)
	case r.TopK < 0:
		return utils.E(utils.CodeInvalidArgument, op, "top_k must be >= 0", nil)
	case r.RepeatPenalty < 0:
		return utils.E(utils.CodeInvalidArgument, op, "repeat_penalty must be >= 0", nil)
	case r.MinP < 0:
		return utils.E(utils.CodeInvalidArgument, op, "min_p must be >= 0", nil)
	case r.Seed != nil && *r.Seed < 0:
		return utils.E(utils.CodeInvalidArgument, op, "seed must be >= 0", nil)
	}
	return nil
}

// FilteredStop drops empty stop sequences.
func (r CompletionRequest) FilteredStop() []string {
	if len(r.Stop) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.Stop))
	for _, s := range r.Stop {
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Completion is a materialized generation result.
type Completion struct {
	Text             string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Chunk is one streamed piece of model output. The final chunk carries a
// FinishReason and the token counts for the whole call.
type Chunk struct {
	Text             string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Engine is the synchronous inference contract. Calls block until the
// underlying engine finishes; the Service offloads them to goroutines.
type Engine interface {
	Complete(req CompletionRequest) (Completion, error)
	// CompleteStream invokes yield for every chunk in generation order.
	// A non-nil error from yield stops generation and is returned as-is.
	CompleteStream(req CompletionRequest, yield func(Chunk) error) error
	Close() error
}

// Loader performs the expensive one-time engine initialization.
type Loader func() (Engine, error)
