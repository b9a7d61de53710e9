package recap

import (
	"fmt"
	"strings"
	"time"

	"github.com/iago/session-insights/internal/analytics"
	contextbuilder "github.com/iago/session-insights/internal/context"
)

const extractiveModelID = "extractive-local"

// Extractive builds a card from the transcript and usage stats alone.
func Extractive(chunks []contextbuilder.Chunk, stats analytics.UsageReport) Card {
	opening := ""
	for _, chunk := range chunks {
		if chunk.Role == "user" {
			opening = normalizeText(chunk.Text)
			break
		}
	}

	toolCalls := 0
	for _, count := range stats.ToolCalls {
		toolCalls += count
	}

	recap := fmt.Sprintf(
		"Session with %d human prompt(s) and %d assistant repl(ies) over %s, making %d tool call(s).",
		stats.Messages.Human,
		stats.Messages.Assistant,
		(time.Duration(stats.DurationSeconds) * time.Second).String(),
		toolCalls,
	)
	if opening != "" {
		recap += " It started with: " + truncateAtWord(opening, 160)
	}

	card := Card{
		SuggestedTitle:            truncateAtWord(firstLine(opening), 80),
		Recap:                     recap,
		WentWell:                  []Item{},
		WentBad:                   []Item{},
		HumanSuggestions:          []Item{},
		EnvironmentSuggestions:    []Item{},
		DefaultContextSuggestions: []Item{},
		QualityScore:              0.55,
		ModelUsed:                 extractiveModelID,
		PromptVersion:             PromptVersion,
		Extractive:                true,
	}

	if toolCalls > 0 && stats.ToolErrors == 0 {
		card.WentWell = append(card.WentWell, Item{Text: fmt.Sprintf("All %d tool calls succeeded", toolCalls)})
	}
	inputTotal := stats.Tokens.Input + stats.Tokens.CacheCreation + stats.Tokens.CacheRead
	if inputTotal > 0 && stats.Tokens.CacheRead*2 > inputTotal {
		card.WentWell = append(card.WentWell, Item{
			Text: fmt.Sprintf("High prompt cache reuse (%d%% of input tokens)", stats.Tokens.CacheRead*100/inputTotal),
		})
	}
	if stats.ToolErrors > 0 {
		card.WentBad = append(card.WentBad, Item{Text: fmt.Sprintf("%d tool call(s) failed", stats.ToolErrors)})
	}
	if stats.Compactions > 0 {
		card.WentBad = append(card.WentBad, Item{Text: fmt.Sprintf("Context was compacted %d time(s)", stats.Compactions)})
	}
	return card
}

func firstLine(value string) string {
	if index := strings.IndexAny(value, ".\n"); index > 0 {
		return value[:index]
	}
	return value
}
