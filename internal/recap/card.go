package recap

import (
	"encoding/json"
	"strings"
)

const PromptVersion = "recap_v1"

// Card is the stored recap payload.
type Card struct {
	SuggestedTitle            string  `json:"suggested_title"`
	Recap                     string  `json:"recap"`
	WentWell                  []Item  `json:"went_well"`
	WentBad                   []Item  `json:"went_bad"`
	HumanSuggestions          []Item  `json:"human_suggestions"`
	EnvironmentSuggestions    []Item  `json:"environment_suggestions"`
	DefaultContextSuggestions []Item  `json:"default_context_suggestions"`
	QualityScore              float64 `json:"quality_score"`
	ModelUsed                 string  `json:"model_used"`
	PromptVersion             string  `json:"prompt_version"`
	InputTokens               int     `json:"input_tokens"`
	OutputTokens              int     `json:"output_tokens"`
	GenerationTimeMS          int64   `json:"generation_time_ms"`
	Extractive                bool    `json:"extractive,omitempty"`
}

// Item is one list entry, optionally citing a transcript turn.
type Item struct {
	Text      string `json:"text"`
	MessageID int    `json:"message_id,omitempty"`
}

// UnmarshalJSON also accepts a bare string, which models sometimes emit.
func (i *Item) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*i = Item{Text: text}
		return nil
	}

	type plain Item
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*i = Item(decoded)
	return nil
}
