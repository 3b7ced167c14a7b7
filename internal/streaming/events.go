package streaming

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Event is one step of a dialogue turn. For a full turn the sequence is
// metadata, transcript, assistant_text, zero or more audio_chunk, done.
// A failure mid-turn emits error instead of done; already emitted events
// stand.
type Event struct {
	Kind string `json:"event"`
	Data any    `json:"data"`
}

const (
	EventMetadata      = "metadata"
	EventTranscript    = "transcript"
	EventAssistantText = "assistant_text"
	EventAudioChunk    = "audio_chunk"
	EventDone          = "done"
	EventError         = "error"
)

func Metadata(data any) Event        { return Event{Kind: EventMetadata, Data: data} }
func Transcript(data any) Event      { return Event{Kind: EventTranscript, Data: data} }
func AssistantText(text string) Event {
	return Event{Kind: EventAssistantText, Data: map[string]string{"text": text}}
}
func AudioChunk(b64 string) Event {
	return Event{Kind: EventAudioChunk, Data: map[string]string{"audio": b64}}
}
func Done() Event { return Event{Kind: EventDone, Data: map[string]any{}} }
func ErrorEvent(code, message string) Event {
	return Event{Kind: EventError, Data: map[string]string{"code": code, "message": message}}
}

// WriteNDJSON writes one event as a single JSON line and flushes so the
// client sees it before the next pipeline stage runs.
func WriteNDJSON(w io.Writer, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// SSE formats an event with event:/data: framing for text/event-stream
// responses.
func SSE(name string, data any) ([]byte, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", name, b)), nil
}

func FormatEvent(ev Event) ([]byte, error) { return SSE(ev.Kind, ev.Data) }

// Token stream frames for the generation SSE endpoint.

func FormatText(token string) []byte {
	b, _ := SSE("text", map[string]string{"text": token})
	return b
}

func FormatUsage(promptTokens, completionTokens int) []byte {
	b, _ := SSE("usage", map[string]int{
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
	})
	return b
}

func FormatDone(finishReason string) []byte {
	b, _ := SSE("done", map[string]string{"finish_reason": finishReason})
	return b
}

func FormatError(code, message string) []byte {
	b, _ := SSE("error", map[string]string{"code": code, "message": message})
	return b
}
