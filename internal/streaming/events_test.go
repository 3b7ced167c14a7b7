package streaming

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestWriteNDJSONOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	events := []Event{
		Metadata(map[string]string{"response_format": "wav"}),
		Transcript(map[string]string{"text": "hello"}),
		AssistantText("hi there"),
		AudioChunk("YWJj"),
		Done(),
	}
	for _, ev := range events {
		if err := WriteNDJSON(&buf, ev); err != nil {
			t.Fatalf("WriteNDJSON: %v", err)
		}
	}

	sc := bufio.NewScanner(&buf)
	var kinds []string
	for sc.Scan() {
		var ev struct {
			Kind string          `json:"event"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		kinds = append(kinds, ev.Kind)
	}
	want := []string{"metadata", "transcript", "assistant_text", "audio_chunk", "done"}
	if len(kinds) != len(want) {
		t.Fatalf("expected %d lines, got %d", len(want), len(kinds))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d: got %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestSSEFraming(t *testing.T) {
	b, err := SSE("text", map[string]string{"text": "tok"})
	if err != nil {
		t.Fatalf("SSE: %v", err)
	}
	s := string(b)
	if !strings.HasPrefix(s, "event: text\ndata: ") {
		t.Fatalf("bad framing prefix: %q", s)
	}
	if !strings.HasSuffix(s, "\n\n") {
		t.Fatalf("frame must end with a blank line: %q", s)
	}
	payload := strings.TrimSuffix(strings.TrimPrefix(s, "event: text\ndata: "), "\n\n")
	var data map[string]string
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		t.Fatalf("data line is not JSON: %v", err)
	}
	if data["text"] != "tok" {
		t.Fatalf("unexpected payload %v", data)
	}
}

func TestTokenStreamFormatters(t *testing.T) {
	if s := string(FormatUsage(10, 3)); !strings.Contains(s, `"prompt_tokens":10`) ||
		!strings.Contains(s, `"completion_tokens":3`) {
		t.Fatalf("usage frame: %q", s)
	}
	if s := string(FormatDone("stop")); !strings.HasPrefix(s, "event: done\n") {
		t.Fatalf("done frame: %q", s)
	}
	if s := string(FormatError("INVALID_ARGUMENT", "bad prompt")); !strings.Contains(s, "bad prompt") {
		t.Fatalf("error frame: %q", s)
	}
}
