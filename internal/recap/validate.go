package recap

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/iago/session-insights/internal/policy"
)

var ErrQualityRejected = errors.New("recap failed quality checks")

const (
	minQualityScore = 0.5
	maxTitleLen     = 100
	maxRecapLen     = 1200
	maxItemLen      = 280
)

// Validate normalizes a model-produced card in place and scores it. Text is
// masked, lists are deduped and capped, and citations of turns that were not
// shown to the model are dropped. validIDs nil accepts any citation.
func Validate(card *Card, validIDs map[int]struct{}) error {
	penalty := 0.0

	card.Recap = normalizeText(policy.MaskString(card.Recap))
	if card.Recap == "" {
		return fmt.Errorf("%w: recap text is empty", ErrQualityRejected)
	}
	if len(card.Recap) > maxRecapLen {
		card.Recap = truncateAtWord(card.Recap, maxRecapLen)
		penalty += 0.06
	}
	if len(card.Recap) < 40 {
		penalty += 0.18
	}

	card.SuggestedTitle = normalizeText(policy.MaskString(card.SuggestedTitle))
	if card.SuggestedTitle == "" {
		penalty += 0.12
	}
	if len(card.SuggestedTitle) > maxTitleLen {
		card.SuggestedTitle = truncateAtWord(card.SuggestedTitle, maxTitleLen)
		penalty += 0.03
	}

	var listPenalty float64
	card.WentWell, listPenalty = cleanItems(card.WentWell, 3, validIDs)
	penalty += listPenalty
	card.WentBad, listPenalty = cleanItems(card.WentBad, 3, validIDs)
	penalty += listPenalty
	card.HumanSuggestions, listPenalty = cleanItems(card.HumanSuggestions, 2, validIDs)
	penalty += listPenalty
	card.EnvironmentSuggestions, listPenalty = cleanItems(card.EnvironmentSuggestions, 2, validIDs)
	penalty += listPenalty
	card.DefaultContextSuggestions, listPenalty = cleanItems(card.DefaultContextSuggestions, 2, validIDs)
	penalty += listPenalty

	if len(card.WentWell) == 0 && len(card.WentBad) == 0 {
		penalty += 0.10
	}

	score := clamp01(1.0 - penalty)
	if score < minQualityScore {
		return fmt.Errorf("%w: low recap quality score %.2f", ErrQualityRejected, score)
	}
	card.QualityScore = round2(score)
	return nil
}

func cleanItems(items []Item, limit int, validIDs map[int]struct{}) ([]Item, float64) {
	cleaned := make([]Item, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	penalty := 0.0
	for _, item := range items {
		text := normalizeText(policy.MaskString(item.Text))
		if text == "" {
			continue
		}
		if len(text) > maxItemLen {
			text = truncateAtWord(text, maxItemLen)
			penalty += 0.02
		}
		key := strings.ToLower(text)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}

		messageID := item.MessageID
		if messageID != 0 && validIDs != nil {
			if _, ok := validIDs[messageID]; !ok {
				messageID = 0
				penalty += 0.02
			}
		}
		cleaned = append(cleaned, Item{Text: text, MessageID: messageID})
		if len(cleaned) >= limit {
			break
		}
	}
	return cleaned, penalty
}

func normalizeText(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

func truncateAtWord(value string, maxLen int) string {
	if len(value) <= maxLen || maxLen <= 0 {
		return value
	}
	cut := value[:maxLen]
	lastSpace := strings.LastIndex(cut, " ")
	if lastSpace > maxLen/2 {
		cut = cut[:lastSpace]
	}
	return strings.TrimSpace(cut)
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
