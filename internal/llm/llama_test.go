package llm

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/talkpipe/talkpipe/config"
)

func newLlamaTestServer(t *testing.T, completion http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/completion", completion)
	return httptest.NewServer(mux)
}

func loadEngine(t *testing.T, srv *httptest.Server) Engine {
	t.Helper()
	eng, err := NewLlamaLoader(config.LLMConfig{Endpoint: srv.URL})()
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	return eng
}

func TestLlamaLoaderChecksHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading model", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewLlamaLoader(config.LLMConfig{Endpoint: srv.URL})(); err == nil {
		t.Fatal("loader must fail while the server is not healthy")
	}
}

func TestLlamaComplete(t *testing.T) {
	srv := newLlamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req llamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("blocking call must not set stream")
		}
		if req.NPredict != 512 {
			t.Errorf("n_predict = %d", req.NPredict)
		}
		json.NewEncoder(w).Encode(llamaResponse{
			Content: "hello", Stop: true, StopType: "eos",
			TokensPredicted: 2, TokensEvaluated: 7,
		})
	})
	defer srv.Close()

	req := DefaultCompletionRequest()
	req.Prompt = "hi"
	out, err := loadEngine(t, srv).Complete(req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Text != "hello" || out.FinishReason != "stop" {
		t.Fatalf("unexpected completion: %+v", out)
	}
	if out.PromptTokens != 7 || out.CompletionTokens != 2 {
		t.Fatalf("token counts: %+v", out)
	}
}

func TestLlamaCompleteStreamParsesSSEFrames(t *testing.T) {
	srv := newLlamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		// llama-server mixes bare and "data: " prefixed lines depending
		// on version; the client must accept both.
		w.Write([]byte(`data: {"content":"Hel","stop":false}` + "\n\n"))
		w.Write([]byte(`{"content":"lo","stop":false}` + "\n"))
		w.Write([]byte(`data: {"content":"","stop":true,"stop_type":"limit","tokens_predicted":3,"tokens_evaluated":5}` + "\n"))
	})
	defer srv.Close()

	req := DefaultCompletionRequest()
	req.Prompt = "hi"

	var parts []string
	var last Chunk
	err := loadEngine(t, srv).CompleteStream(req, func(c Chunk) error {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
		if c.FinishReason != "" {
			last = c
		}
		return nil
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	if got := strings.Join(parts, ""); got != "Hello" {
		t.Fatalf("streamed text %q", got)
	}
	if last.FinishReason != "length" {
		t.Fatalf("limit stop must map to length, got %q", last.FinishReason)
	}
	if last.PromptTokens != 5 || last.CompletionTokens != 3 {
		t.Fatalf("final chunk must carry usage: %+v", last)
	}
}

func TestLlamaCompleteStreamStopsOnYieldError(t *testing.T) {
	srv := newLlamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 100; i++ {
			w.Write([]byte(`{"content":"x","stop":false}` + "\n"))
		}
		w.Write([]byte(`{"content":"","stop":true}` + "\n"))
	})
	defer srv.Close()

	req := DefaultCompletionRequest()
	req.Prompt = "hi"

	yielded := 0
	sentinel := errSentinel{}
	err := loadEngine(t, srv).CompleteStream(req, func(c Chunk) error {
		yielded++
		if yielded == 3 {
			return sentinel
		}
		return nil
	})
	if err != sentinel {
		t.Fatalf("yield error must be returned as-is, got %v", err)
	}
	if yielded != 3 {
		t.Fatalf("generation must stop after yield error, yielded %d", yielded)
	}
}

type errSentinel struct{}

func (errSentinel) Error() string { return "stop iteration" }
