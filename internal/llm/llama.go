package llm

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/talkpipe/talkpipe/config"
)

// llamaEngine talks to a llama.cpp llama-server completion endpoint. The
// server owns the GGUF weights; "loading" here is verifying the server is up
// and has its model resident.
type llamaEngine struct {
	endpoint string
	client   *http.Client
}

// NewLlamaLoader returns a Loader that connects to a llama-server instance.
func NewLlamaLoader(cfg config.LLMConfig) Loader {
	return func() (Engine, error) {
		eng := &llamaEngine{
			endpoint: strings.TrimRight(cfg.Endpoint, "/"),
			// Per-call deadlines are enforced by the Service; the engine
			// client itself only bounds dial/headers.
			client: &http.Client{Timeout: 0},
		}
		if err := eng.ping(); err != nil {
			return nil, fmt.Errorf("llama-server not ready at %s: %w", cfg.Endpoint, err)
		}
		return eng, nil
	}
}

func (e *llamaEngine) ping() error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(e.endpoint + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("health returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return nil
}

type llamaRequest struct {
	Prompt        string   `json:"prompt"`
	NPredict      int      `json:"n_predict"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	TopK          int      `json:"top_k"`
	MinP          float64  `json:"min_p"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
	Stream        bool     `json:"stream"`
}

type llamaResponse struct {
	Content         string `json:"content"`
	Stop            bool   `json:"stop"`
	StopType        string `json:"stop_type"`
	TokensPredicted int    `json:"tokens_predicted"`
	TokensEvaluated int    `json:"tokens_evaluated"`
}

func buildLlamaRequest(req CompletionRequest, stream bool) llamaRequest {
	return llamaRequest{
		Prompt:        req.Prompt,
		NPredict:      req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		MinP:          req.MinP,
		RepeatPenalty: req.RepeatPenalty,
		Stop:          req.FilteredStop(),
		Seed:          req.Seed,
		Stream:        stream,
	}
}

func (e *llamaEngine) Complete(req CompletionRequest) (Completion, error) {
	body, err := json.Marshal(buildLlamaRequest(req, false))
	if err != nil {
		return Completion{}, err
	}

	resp, err := e.client.Post(e.endpoint+"/completion", "application/json", bytes.NewReader(body))
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Completion{}, fmt.Errorf("llama-server returned %s: %s", resp.Status, bytes.TrimSpace(errBody))
	}

	var out llamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Completion{}, fmt.Errorf("decode completion: %w", err)
	}
	return Completion{
		Text:             out.Content,
		FinishReason:     finishReason(out.StopType),
		PromptTokens:     out.TokensEvaluated,
		CompletionTokens: out.TokensPredicted,
	}, nil
}

func (e *llamaEngine) CompleteStream(req CompletionRequest, yield func(Chunk) error) error {
	body, err := json.Marshal(buildLlamaRequest(req, true))
	if err != nil {
		return err
	}

	resp, err := e.client.Post(e.endpoint+"/completion", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("llama-server returned %s: %s", resp.Status, bytes.TrimSpace(errBody))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		// llama-server frames streamed chunks as SSE data lines.
		line = bytes.TrimPrefix(line, []byte("data: "))
		if len(line) == 0 {
			continue
		}
		var chunk llamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		out := Chunk{Text: chunk.Content}
		if chunk.Stop {
			out.FinishReason = finishReason(chunk.StopType)
			out.PromptTokens = chunk.TokensEvaluated
			out.CompletionTokens = chunk.TokensPredicted
		}
		if err := yield(out); err != nil {
			return err
		}
		if chunk.Stop {
			return nil
		}
	}
	return scanner.Err()
}

func (e *llamaEngine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

func finishReason(stopType string) string {
	switch stopType {
	case "", "eos":
		return "stop"
	case "limit":
		return "length"
	default:
		return stopType
	}
}
