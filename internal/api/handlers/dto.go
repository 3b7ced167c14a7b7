package handlers

import (
	"github.com/talkpipe/talkpipe/internal/llm"
	"github.com/talkpipe/talkpipe/internal/tts"
)

// generationConfig is the wire shape for per-request sampling overrides.
// Absent fields keep the documented defaults.
type generationConfig struct {
	MaxTokens     *int     `json:"max_tokens"`
	Temperature   *float64 `json:"temperature"`
	TopP          *float64 `json:"top_p"`
	TopK          *int     `json:"top_k"`
	RepeatPenalty *float64 `json:"repeat_penalty"`
	MinP          *float64 `json:"min_p"`
	Stop          []string `json:"stop"`
	Seed          *int     `json:"seed"`
}

func (g generationConfig) apply(base llm.CompletionRequest) llm.CompletionRequest {
	if g.MaxTokens != nil {
		base.MaxTokens = *g.MaxTokens
	}
	if g.Temperature != nil {
		base.Temperature = *g.Temperature
	}
	if g.TopP != nil {
		base.TopP = *g.TopP
	}
	if g.TopK != nil {
		base.TopK = *g.TopK
	}
	if g.RepeatPenalty != nil {
		base.RepeatPenalty = *g.RepeatPenalty
	}
	if g.MinP != nil {
		base.MinP = *g.MinP
	}
	if len(g.Stop) > 0 {
		base.Stop = g.Stop
	}
	if g.Seed != nil {
		base.Seed = g.Seed
	}
	return base
}

// synthesisConfig is the wire shape for voice and prosody overrides.
type synthesisConfig struct {
	Format      string   `json:"format"`
	SampleRate  *int     `json:"sample_rate"`
	ReferenceID string   `json:"reference_id"`
	Normalize   *bool    `json:"normalize"`
	References  []string `json:"references"`
	TopP        *float64 `json:"top_p"`
	Temperature *float64 `json:"temperature"`
	ChunkLength *int     `json:"chunk_length"`
	Latency     string   `json:"latency"`
	Speed       *float64 `json:"speed"`
	Volume      *float64 `json:"volume"`
}

func (s synthesisConfig) toRequest() tts.SynthesisRequest {
	return tts.SynthesisRequest{
		Format:      s.Format,
		SampleRate:  s.SampleRate,
		ReferenceID: s.ReferenceID,
		Normalize:   s.Normalize,
		References:  s.References,
		TopP:        s.TopP,
		Temperature: s.Temperature,
		ChunkLength: s.ChunkLength,
		Latency:     s.Latency,
		Speed:       s.Speed,
		Volume:      s.Volume,
	}
}

type transcriptResponse struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Segments any    `json:"segments"`
}

type dialogueResponse struct {
	Transcript     transcriptResponse `json:"transcript"`
	ResponseText   string             `json:"response_text"`
	AudioBase64    string             `json:"audio_base64"`
	ResponseFormat string             `json:"response_format"`
	MediaType      string             `json:"media_type"`
	SampleRate     int                `json:"sample_rate"`
	ReferenceID    string             `json:"reference_id,omitempty"`
}
