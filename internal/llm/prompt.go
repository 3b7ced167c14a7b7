package llm

import "strings"

// TurnMarker is the Gemma chat template turn delimiter. A prompt that
// already contains it is assumed to be pre-templated.
const TurnMarker = "<start_of_turn>"

// ApplyChatTemplate wraps a raw prompt in the Gemma chat template. Returns
// the formatted prompt and whether the template was applied; pre-templated
// prompts pass through unchanged so they are never double-wrapped.
func ApplyChatTemplate(prompt, systemPrompt string) (string, bool) {
	if strings.Contains(prompt, TurnMarker) {
		return prompt, false
	}

	var b strings.Builder
	if systemPrompt != "" {
		b.WriteString("<start_of_turn>system\n")
		b.WriteString(systemPrompt)
		b.WriteString("<end_of_turn>\n")
	}
	b.WriteString("<start_of_turn>user\n")
	b.WriteString(prompt)
	b.WriteString("<end_of_turn>\n")
	b.WriteString("<start_of_turn>model\n")
	return b.String(), true
}
