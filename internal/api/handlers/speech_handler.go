package handlers

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/talkpipe/talkpipe/internal/cache"
	"github.com/talkpipe/talkpipe/internal/services"
	"github.com/talkpipe/talkpipe/internal/streaming"
	"github.com/talkpipe/talkpipe/internal/stt"
	"github.com/talkpipe/talkpipe/internal/tts"
	"github.com/talkpipe/talkpipe/internal/utils"
)

type SpeechHandler struct {
	recognizer stt.Recognizer
	synth      services.Synthesizer
	cache      cache.Cache
	cacheTTL   time.Duration
	log        *logrus.Logger
	upgrader   websocket.Upgrader
}

func NewSpeechHandler(recognizer stt.Recognizer, synth services.Synthesizer, store cache.Cache, cacheTTL time.Duration, log *logrus.Logger) *SpeechHandler {
	return &SpeechHandler{
		recognizer: recognizer,
		synth:      synth,
		cache:      store,
		cacheTTL:   cacheTTL,
		log:        log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // TODO: restrict origin in prod
		},
	}
}

// SpeechToText transcribes an uploaded audio file.
func (h *SpeechHandler) SpeechToText(c *gin.Context) {
	const op = "SpeechHandler.SpeechToText"

	fh, err := c.FormFile("file")
	if err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "audio file is required", err))
		return
	}
	f, err := fh.Open()
	if err != nil {
		writeError(c, utils.E(utils.CodeInternal, op, "failed to open upload", err))
		return
	}
	defer f.Close()
	audio, err := io.ReadAll(f)
	if err != nil {
		writeError(c, utils.E(utils.CodeInternal, op, "failed to read upload", err))
		return
	}
	if len(audio) == 0 {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "audio file is empty", nil))
		return
	}

	opts := stt.TranscribeOptions{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Language:    c.PostForm("language"),
		Prompt:      c.PostForm("prompt"),
	}
	if s := c.PostForm("temperature"); s != "" {
		t, err := strconv.ParseFloat(s, 64)
		if err != nil {
			writeError(c, utils.E(utils.CodeInvalidArgument, op, "temperature must be a number", err))
			return
		}
		opts.Temperature = &t
	}

	tr, err := h.recognizer.Transcribe(c.Request.Context(), audio, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

type ttsRequest struct {
	Text   string `json:"text"`
	Stream bool   `json:"stream"`
	synthesisConfig
}

// TextToSpeech synthesizes text. stream:true answers with SSE audio
// chunks; otherwise the response is base64 JSON, or raw audio when the
// Accept header asks for audio.
func (h *SpeechHandler) TextToSpeech(c *gin.Context) {
	const op = "SpeechHandler.TextToSpeech"

	var req ttsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "invalid request body", err))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "text is required", nil))
		return
	}

	synth := req.toRequest()
	synth.Text = req.Text

	if req.Stream {
		h.streamSynthesis(c, synth)
		return
	}

	// Cloning requests carry per-call reference audio, never cached.
	cacheable := len(synth.References) == 0
	key := cache.SynthesisKey(synth.Text, synth.Format, synth.ReferenceID, derefInt(synth.SampleRate), derefBool(synth.Normalize))
	if cacheable {
		var cached tts.SynthesisResult
		if hit, err := h.cache.GetJSON(c.Request.Context(), key, &cached); err == nil && hit {
			h.writeSynthesis(c, &cached)
			return
		}
	}

	res, err := h.synth.Synthesize(c.Request.Context(), synth)
	if err != nil {
		writeError(c, err)
		return
	}
	if cacheable {
		if err := h.cache.SetJSON(c.Request.Context(), key, res, h.cacheTTL); err != nil {
			h.log.WithError(err).Warn("synthesis cache write failed")
		}
	}
	h.writeSynthesis(c, res)
}

func (h *SpeechHandler) writeSynthesis(c *gin.Context, res *tts.SynthesisResult) {
	c.Header("x-audio-format", res.Format)
	c.Header("x-sample-rate", strconv.Itoa(res.SampleRate))
	if res.ReferenceID != "" {
		c.Header("x-reference-id", res.ReferenceID)
	}

	if strings.Contains(c.GetHeader("Accept"), "audio/") {
		c.Data(http.StatusOK, res.MediaType, res.Audio)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"audio_base64": res.AsBase64(),
		"format":       res.Format,
		"media_type":   res.MediaType,
		"sample_rate":  res.SampleRate,
		"reference_id": res.ReferenceID,
	})
}

func (h *SpeechHandler) streamSynthesis(c *gin.Context, req tts.SynthesisRequest) {
	stream, err := h.synth.SynthesizeStream(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("x-audio-format", stream.Format)
	c.Header("x-sample-rate", strconv.Itoa(stream.SampleRate))
	if stream.ReferenceID != "" {
		c.Header("x-reference-id", stream.ReferenceID)
	}
	c.Status(http.StatusOK)
	w := c.Writer

	chunks, errs := stream.Start(c.Request.Context())
	for chunk := range chunks {
		frame, _ := streaming.SSE(streaming.EventAudioChunk, gin.H{
			"audio": base64.StdEncoding.EncodeToString(chunk),
		})
		if _, err := w.Write(frame); err != nil {
			return
		}
		w.Flush()
	}
	if err := <-errs; err != nil {
		ae := apiErrorOf(err)
		w.Write(streaming.FormatError(string(ae.Code), ae.Message))
		w.Flush()
		return
	}
	w.Write(streaming.FormatDone("complete"))
	w.Flush()
}

// EncodeReference converts an uploaded reference audio file into the
// base64 string the references field expects.
func (h *SpeechHandler) EncodeReference(c *gin.Context) {
	const op = "SpeechHandler.EncodeReference"

	fh, err := c.FormFile("file")
	if err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "audio file is required", err))
		return
	}
	f, err := fh.Open()
	if err != nil {
		writeError(c, utils.E(utils.CodeInternal, op, "failed to open upload", err))
		return
	}
	defer f.Close()
	audio, err := io.ReadAll(f)
	if err != nil {
		writeError(c, utils.E(utils.CodeInternal, op, "failed to read upload", err))
		return
	}
	if len(audio) == 0 {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "audio file is empty", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reference_base64": base64.StdEncoding.EncodeToString(audio),
		"size_bytes":       len(audio),
	})
}

// TextToSpeechWS synthesizes per message; a connection serves any number
// of requests sequentially.
func (h *SpeechHandler) TextToSpeechWS(c *gin.Context) {
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

		var req ttsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = wc.WriteJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "invalid json"})
			continue
		}
		if strings.TrimSpace(req.Text) == "" {
			_ = wc.WriteJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "text is required"})
			continue
		}

		synth := req.toRequest()
		synth.Text = req.Text

		if !req.Stream {
			res, err := h.synth.Synthesize(ctx, synth)
			if err != nil {
				ae := apiErrorOf(err)
				_ = wc.WriteJSON(gin.H{"type": "error", "code": ae.Code, "message": ae.Message})
				continue
			}
			_ = wc.WriteJSON(gin.H{
				"type":         "synthesis",
				"audio":        res.AsBase64(),
				"format":       res.Format,
				"media_type":   res.MediaType,
				"sample_rate":  res.SampleRate,
				"reference_id": res.ReferenceID,
			})
			continue
		}

		stream, err := h.synth.SynthesizeStream(ctx, synth)
		if err != nil {
			ae := apiErrorOf(err)
			_ = wc.WriteJSON(gin.H{"type": "error", "code": ae.Code, "message": ae.Message})
			continue
		}
		_ = wc.WriteJSON(gin.H{
			"type":         "metadata",
			"format":       stream.Format,
			"media_type":   stream.MediaType,
			"sample_rate":  stream.SampleRate,
			"reference_id": stream.ReferenceID,
		})
		chunks, errs := stream.Start(ctx)
		failed := false
		for chunk := range chunks {
			if err := wc.WriteJSON(gin.H{"type": "audio_chunk", "audio": base64.StdEncoding.EncodeToString(chunk)}); err != nil {
				return
			}
		}
		if err := <-errs; err != nil {
			ae := apiErrorOf(err)
			_ = wc.WriteJSON(gin.H{"type": "error", "code": ae.Code, "message": ae.Message})
			failed = true
		}
		if !failed {
			_ = wc.WriteJSON(gin.H{"type": "done"})
		}
	}
}

type sttWSMsg struct {
	Type        string   `json:"type"`
	Audio       string   `json:"audio"`
	Filename    string   `json:"filename"`
	ContentType string   `json:"content_type"`
	Language    string   `json:"language"`
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature"`
}

// SpeechToTextWS accumulates audio over a websocket and transcribes on
// commit. Binary frames and base64 JSON audio messages both feed the same
// buffer; a commit may also carry inline audio, which bypasses the buffer.
func (h *SpeechHandler) SpeechToTextWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	wc := streaming.NewConn(conn)
	ctx := c.Request.Context()

	var buf []byte
	opts := stt.TranscribeOptions{Filename: "stream.wav"}
	_ = wc.WriteJSON(gin.H{"type": "ready"})

	for {
		msgType, data, rerr := conn.ReadMessage()
		if rerr != nil {
			return
		}

		if msgType == websocket.BinaryMessage {
			buf = append(buf, data...)
			_ = wc.WriteJSON(gin.H{"type": "received", "bytes": len(data), "buffered": len(buf)})
			continue
		}

		var msg sttWSMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = wc.WriteJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "invalid json"})
			continue
		}

		switch msg.Type {
		case "config":
			if msg.Language != "" {
				opts.Language = msg.Language
			}
			if msg.Prompt != "" {
				opts.Prompt = msg.Prompt
			}
			if msg.Temperature != nil {
				opts.Temperature = msg.Temperature
			}
			if msg.Filename != "" {
				opts.Filename = msg.Filename
			}
			if msg.ContentType != "" {
				opts.ContentType = msg.ContentType
			}
			_ = wc.WriteJSON(gin.H{"type": "configured", "language": opts.Language, "filename": opts.Filename})

		case "audio":
			raw, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				_ = wc.WriteJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "audio is not valid base64"})
				continue
			}
			buf = append(buf, raw...)
			_ = wc.WriteJSON(gin.H{"type": "received", "bytes": len(raw), "buffered": len(buf)})

		case "commit":
			audio := buf
			if msg.Audio != "" {
				inline, err := base64.StdEncoding.DecodeString(msg.Audio)
				if err != nil {
					_ = wc.WriteJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "audio is not valid base64"})
					continue
				}
				audio = inline
			} else {
				buf = nil
			}
			if len(audio) == 0 {
				_ = wc.WriteJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "no audio to transcribe"})
				continue
			}

			tr, err := h.recognizer.Transcribe(ctx, audio, opts)
			if err != nil {
				ae := apiErrorOf(err)
				_ = wc.WriteJSON(gin.H{"type": "error", "code": ae.Code, "message": ae.Message})
				continue
			}
			_ = wc.WriteJSON(gin.H{"type": "transcript", "data": tr})

		case "clear":
			buf = nil
			_ = wc.WriteJSON(gin.H{"type": "cleared"})

		default:
			_ = wc.WriteJSON(gin.H{"type": "error", "code": utils.CodeInvalidArgument, "message": "unknown message type"})
		}
	}
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func derefBool(p *bool) bool {
	if p == nil {
		return false
	}
	return *p
}
