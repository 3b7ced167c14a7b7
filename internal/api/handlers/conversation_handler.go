package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/talkpipe/talkpipe/internal/llm"
	"github.com/talkpipe/talkpipe/internal/services"
	"github.com/talkpipe/talkpipe/internal/streaming"
	"github.com/talkpipe/talkpipe/internal/utils"
)

// minTurnAudioBytes guards against end_turn on a near-empty buffer; real
// speech at any sample rate is well past this.
const minTurnAudioBytes = 100

type ConversationHandler struct {
	svc      services.DialogueService
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

func NewConversationHandler(svc services.DialogueService, log *logrus.Logger) *ConversationHandler {
	return &ConversationHandler{
		svc: svc,
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // TODO: restrict origin in prod
		},
	}
}

func (h *ConversationHandler) parseDialogueForm(c *gin.Context) (services.DialogueInput, error) {
	const op = "ConversationHandler.Dialogue"
	var in services.DialogueInput

	fh, err := c.FormFile("file")
	if err != nil {
		return in, utils.E(utils.CodeInvalidArgument, op, "audio file is required", err)
	}
	f, err := fh.Open()
	if err != nil {
		return in, utils.E(utils.CodeInternal, op, "failed to open upload", err)
	}
	defer f.Close()
	audio, err := io.ReadAll(f)
	if err != nil {
		return in, utils.E(utils.CodeInternal, op, "failed to read upload", err)
	}

	in.Audio = audio
	in.Filename = fh.Filename
	in.ContentType = fh.Header.Get("Content-Type")
	in.Language = c.PostForm("language")
	in.Instructions = c.PostForm("instructions")
	in.StreamAudio = c.PostForm("stream_audio") == "true"

	in.Generation = llm.DefaultCompletionRequest()
	if s := c.PostForm("generation_config"); s != "" {
		var gc generationConfig
		if err := json.Unmarshal([]byte(s), &gc); err != nil {
			return in, utils.E(utils.CodeInvalidArgument, op, "generation_config is not valid JSON", err)
		}
		in.Generation = gc.apply(in.Generation)
	}
	if s := c.PostForm("synthesis_config"); s != "" {
		var sc synthesisConfig
		if err := json.Unmarshal([]byte(s), &sc); err != nil {
			return in, utils.E(utils.CodeInvalidArgument, op, "synthesis_config is not valid JSON", err)
		}
		in.Synthesis = sc.toRequest()
	}
	return in, nil
}

// Dialogue runs one spoken turn. stream_audio=true switches the response
// from a single JSON document to NDJSON events.
func (h *ConversationHandler) Dialogue(c *gin.Context) {
	in, err := h.parseDialogueForm(c)
	if err != nil {
		writeError(c, err)
		return
	}

	if !in.StreamAudio {
		res, err := h.svc.RunDialogue(c.Request.Context(), in)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, dialogueResponse{
			Transcript: transcriptResponse{
				Text:     res.Transcription.Text,
				Language: res.Transcription.Language,
				Segments: res.Transcription.Segments,
			},
			ResponseText:   res.ResponseText,
			AudioBase64:    res.Synthesis.AsBase64(),
			ResponseFormat: res.Synthesis.Format,
			MediaType:      res.Synthesis.MediaType,
			SampleRate:     res.Synthesis.SampleRate,
			ReferenceID:    res.Synthesis.ReferenceID,
		})
		return
	}

	res, err := h.svc.RunDialogue(c.Request.Context(), in)
	if err != nil {
		// nothing emitted yet, a plain error response is still possible
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	w := c.Writer

	_ = streaming.WriteNDJSON(w, streaming.Metadata(gin.H{
		"response_format": res.Stream.Format,
		"media_type":      res.Stream.MediaType,
		"sample_rate":     res.Stream.SampleRate,
		"reference_id":    res.Stream.ReferenceID,
	}))
	_ = streaming.WriteNDJSON(w, streaming.Transcript(transcriptResponse{
		Text:     res.Transcription.Text,
		Language: res.Transcription.Language,
		Segments: res.Transcription.Segments,
	}))
	_ = streaming.WriteNDJSON(w, streaming.AssistantText(res.ResponseText))

	chunks, errs := res.Stream.Start(c.Request.Context())
	for chunk := range chunks {
		if err := streaming.WriteNDJSON(w, streaming.AudioChunk(base64.StdEncoding.EncodeToString(chunk))); err != nil {
			// client gone, the context cancellation stops the stream
			return
		}
	}
	if err := <-errs; err != nil {
		ae := apiErrorOf(err)
		_ = streaming.WriteNDJSON(w, streaming.ErrorEvent(string(ae.Code), ae.Message))
		return
	}
	_ = streaming.WriteNDJSON(w, streaming.Done())
}

type convClientMsg struct {
	Type string `json:"type"`

	// config
	Instructions string            `json:"instructions"`
	Language     string            `json:"language"`
	Generation   *generationConfig `json:"generation"`
	Synthesis    *synthesisConfig  `json:"synthesis"`

	// audio
	Audio  string `json:"audio"`
	Format string `json:"format"`

	// text
	Text string `json:"text"`
}

type convTurnState struct {
	buf          []byte
	chunks       int
	format       string
	instructions string
	language     string
	generation   llm.CompletionRequest
	synthesis    synthesisConfig
}

func (s *convTurnState) reset() {
	s.buf = nil
	s.chunks = 0
	s.format = ""
}

// ConversationWS is the bidirectional turn protocol. Audio accumulates
// until end_turn fires the pipeline; text messages run a turn without STT.
func (h *ConversationHandler) ConversationWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	wc := streaming.NewConn(conn)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	st := &convTurnState{generation: llm.DefaultCompletionRequest()}
	_ = wc.WriteJSON(gin.H{"type": "ready"})

	for {
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			return
		}

		var msg convClientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = wc.WriteJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "invalid json"})
			continue
		}

		switch msg.Type {
		case "config":
			st.instructions = msg.Instructions
			st.language = msg.Language
			if msg.Generation != nil {
				st.generation = msg.Generation.apply(llm.DefaultCompletionRequest())
			}
			if msg.Synthesis != nil {
				st.synthesis = *msg.Synthesis
			}

		case "audio":
			raw, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				_ = wc.WriteJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "audio is not valid base64"})
				continue
			}
			st.buf = append(st.buf, raw...)
			st.chunks++
			if msg.Format != "" {
				st.format = msg.Format
			}
			_ = wc.WriteJSON(gin.H{"type": "buffering", "chunks": st.chunks, "bytes": len(st.buf)})

		case "end_turn":
			if len(st.buf) < minTurnAudioBytes {
				_ = wc.WriteJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "audio buffer too small for a turn"})
				st.reset()
				_ = wc.WriteJSON(gin.H{"type": "ready"})
				continue
			}
			h.runAudioTurn(ctx, wc, st)
			st.reset()
			_ = wc.WriteJSON(gin.H{"type": "ready"})

		case "text":
			if msg.Text == "" {
				_ = wc.WriteJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "text is required"})
				continue
			}
			h.runTextTurn(ctx, wc, st, msg.Text)
			st.reset()
			_ = wc.WriteJSON(gin.H{"type": "ready"})

		default:
			_ = wc.WriteJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "unknown message type"})
		}
	}
}

func (h *ConversationHandler) runAudioTurn(ctx context.Context, wc *streaming.Conn, st *convTurnState) {
	_ = wc.WriteJSON(gin.H{"type": "processing"})

	filename := "turn.wav"
	if st.format != "" {
		filename = "turn." + st.format
	}
	res, err := h.svc.RunDialogue(ctx, services.DialogueInput{
		Audio:        st.buf,
		Filename:     filename,
		Language:     st.language,
		Instructions: st.instructions,
		Generation:   st.generation,
		Synthesis:    st.synthesis.toRequest(),
	})
	if err != nil {
		ae := apiErrorOf(err)
		_ = wc.WriteJSON(gin.H{"type": "error", "code": ae.Code, "message": ae.Message})
		return
	}

	_ = wc.WriteJSON(gin.H{"type": "transcript", "text": res.Transcription.Text, "language": res.Transcription.Language})
	h.writeTurnTail(wc, res)
}

// runTextTurn skips STT and echoes no transcript; the client already has
// the text it sent.
func (h *ConversationHandler) runTextTurn(ctx context.Context, wc *streaming.Conn, st *convTurnState, text string) {
	_ = wc.WriteJSON(gin.H{"type": "processing"})

	res, err := h.svc.RunText(ctx, services.TextTurnInput{
		Text:         text,
		Instructions: st.instructions,
		Generation:   st.generation,
		Synthesis:    st.synthesis.toRequest(),
	})
	if err != nil {
		ae := apiErrorOf(err)
		_ = wc.WriteJSON(gin.H{"type": "error", "code": ae.Code, "message": ae.Message})
		return
	}
	h.writeTurnTail(wc, res)
}

func (h *ConversationHandler) writeTurnTail(wc *streaming.Conn, res *services.DialogueResult) {
	_ = wc.WriteJSON(gin.H{"type": "text", "text": res.ResponseText})
	_ = wc.WriteJSON(gin.H{
		"type":        "audio",
		"audio":       res.Synthesis.AsBase64(),
		"format":      res.Synthesis.Format,
		"media_type":  res.Synthesis.MediaType,
		"sample_rate": res.Synthesis.SampleRate,
	})
}
