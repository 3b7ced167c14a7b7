package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/talkpipe/talkpipe/internal/llm"
	"github.com/talkpipe/talkpipe/internal/streaming"
	"github.com/talkpipe/talkpipe/internal/utils"
)

// GenerationService is the slice of the LLM service the HTTP layer needs.
type GenerationService interface {
	Generate(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error)
	GenerateStream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, <-chan error)
	ModelID() string
	ModelName() string
	IsReady() bool
}

type GenerationHandler struct {
	svc      GenerationService
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

func NewGenerationHandler(svc GenerationService, log *logrus.Logger) *GenerationHandler {
	return &GenerationHandler{
		svc: svc,
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // TODO: restrict origin in prod
		},
	}
}

type generateRequest struct {
	Prompt        string `json:"prompt"`
	SystemPrompt  string `json:"system_prompt"`
	ApplyTemplate *bool  `json:"apply_template"`
	generationConfig
}

func (r generateRequest) toCompletionRequest() llm.CompletionRequest {
	req := r.generationConfig.apply(llm.DefaultCompletionRequest())
	req.Prompt = r.Prompt
	if r.ApplyTemplate == nil || *r.ApplyTemplate {
		req.Prompt, _ = llm.ApplyChatTemplate(r.Prompt, r.SystemPrompt)
	}
	return req
}

// Generate is the blocking completion endpoint.
func (h *GenerationHandler) Generate(c *gin.Context) {
	const op = "GenerationHandler.Generate"

	var body generateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "invalid request body", err))
		return
	}
	req := body.toCompletionRequest()
	if err := req.Validate(); err != nil {
		writeError(c, err)
		return
	}

	res, err := h.svc.Generate(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"generated_text": res.Text,
		"finish_reason":  res.FinishReason,
		"usage": gin.H{
			"prompt_tokens":     res.PromptTokens,
			"completion_tokens": res.CompletionTokens,
		},
	})
}

// GenerateStream streams tokens as SSE text events, then usage and done.
func (h *GenerationHandler) GenerateStream(c *gin.Context) {
	const op = "GenerationHandler.GenerateStream"

	var body generateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "invalid request body", err))
		return
	}
	req := body.toCompletionRequest()
	if err := req.Validate(); err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	w := c.Writer

	chunks, errs := h.svc.GenerateStream(c.Request.Context(), req)
	var last llm.Chunk
	for chunk := range chunks {
		if chunk.Text != "" {
			if _, err := w.Write(streaming.FormatText(chunk.Text)); err != nil {
				// client gone, context cancellation stops generation
				return
			}
			w.Flush()
		}
		if chunk.FinishReason != "" {
			last = chunk
		}
	}
	if err := <-errs; err != nil {
		ae := apiErrorOf(err)
		w.Write(streaming.FormatError(string(ae.Code), ae.Message))
		w.Flush()
		return
	}
	w.Write(streaming.FormatUsage(last.PromptTokens, last.CompletionTokens))
	finish := last.FinishReason
	if finish == "" {
		finish = "stop"
	}
	w.Write(streaming.FormatDone(finish))
	w.Flush()
}

// GenerateWS serves generation over a websocket. Each request message
// yields token frames and a final status frame; the connection stays open
// for further requests.
func (h *GenerationHandler) GenerateWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	wc := streaming.NewConn(conn)
	ctx := c.Request.Context()

	for {
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			return
		}

		var body generateRequest
		if err := json.Unmarshal(data, &body); err != nil {
			_ = wc.WriteJSON(gin.H{"status": "error", "code": utils.CodeInvalidArgument, "message": "invalid json"})
			continue
		}
		req := body.toCompletionRequest()
		if err := req.Validate(); err != nil {
			ae := apiErrorOf(err)
			_ = wc.WriteJSON(gin.H{"status": "error", "code": ae.Code, "message": ae.Message})
			continue
		}

		chunks, errs := h.svc.GenerateStream(ctx, req)
		for chunk := range chunks {
			if chunk.Text == "" {
				continue
			}
			if err := wc.WriteJSON(gin.H{"token": chunk.Text}); err != nil {
				return
			}
		}
		if err := <-errs; err != nil {
			ae := apiErrorOf(err)
			_ = wc.WriteJSON(gin.H{"status": "error", "code": ae.Code, "message": ae.Message})
			continue
		}
		_ = wc.WriteJSON(gin.H{"status": "done"})
	}
}

type modelInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Object string `json:"object"`
	Ready  bool   `json:"ready"`
}

// Models lists the configured model catalog.
func (h *GenerationHandler) Models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data": []modelInfo{{
			ID:     h.svc.ModelID(),
			Name:   h.svc.ModelName(),
			Object: "model",
			Ready:  h.svc.IsReady(),
		}},
	})
}

func (h *GenerationHandler) Model(c *gin.Context) {
	const op = "GenerationHandler.Model"

	// Wildcard route: model ids contain slashes (org/model).
	id := strings.TrimPrefix(c.Param("id"), "/")
	if id != h.svc.ModelID() {
		writeError(c, utils.E(utils.CodeNotFound, op, "unknown model: "+id, nil))
		return
	}
	c.JSON(http.StatusOK, modelInfo{
		ID:     h.svc.ModelID(),
		Name:   h.svc.ModelName(),
		Object: "model",
		Ready:  h.svc.IsReady(),
	})
}
