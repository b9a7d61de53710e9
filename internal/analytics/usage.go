package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/iago/session-insights/internal/domain"
	"github.com/shopspring/decimal"
)

type UsageReport struct {
	Messages         MessageCounts  `json:"messages"`
	Tokens           TokenTotals    `json:"tokens"`
	EstimatedCostUSD string         `json:"estimated_cost_usd"`
	UnpricedModels   []string       `json:"unpriced_models,omitempty"`
	Models           []string       `json:"models"`
	ToolCalls        map[string]int `json:"tool_calls"`
	ToolErrors       int            `json:"tool_errors"`
	Compactions      int            `json:"compactions"`
	SkippedLines     int            `json:"skipped_lines"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	EndedAt          *time.Time     `json:"ended_at,omitempty"`
	DurationSeconds  int64          `json:"duration_seconds"`
}

type MessageCounts struct {
	Total       int `json:"total"`
	Human       int `json:"human"`
	Assistant   int `json:"assistant"`
	ToolResults int `json:"tool_results"`
}

type TokenTotals struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	CacheCreation int64 `json:"cache_creation"`
	CacheRead     int64 `json:"cache_read"`
	Total         int64 `json:"total"`
}

// UsageComputer derives token, cost and activity totals from transcript lines.
// It is cheap enough to run inline on a cache miss.
type UsageComputer struct {
	logger *log.Logger
}

func NewUsageComputer(logger *log.Logger) *UsageComputer {
	return &UsageComputer{logger: logger}
}

func (c *UsageComputer) Compute(
	ctx context.Context,
	subject domain.Subject,
	lines []string,
) (json.RawMessage, error) {
	report := Summarize(lines)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(report.UnpricedModels) > 0 && c.logger != nil {
		c.logger.Printf("usage unpriced models subject_id=%s models=%v", subject.ID, report.UnpricedModels)
	}

	encoded, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("encode usage report: %w", err)
	}
	return encoded, nil
}

// Summarize never fails: lines that are not valid JSON are counted as skipped.
func Summarize(lines []string) UsageReport {
	report := UsageReport{
		Models:    make([]string, 0),
		ToolCalls: make(map[string]int),
	}
	cost := decimal.Zero
	models := make(map[string]struct{})
	unpriced := make(map[string]struct{})

	var first, last time.Time
	for _, raw := range lines {
		line, err := ParseLine(raw)
		if err != nil {
			report.SkippedLines++
			continue
		}

		if ts, err := line.Time(); err == nil {
			if first.IsZero() || ts.Before(first) {
				first = ts
			}
			if ts.After(last) {
				last = ts
			}
		}

		switch {
		case line.IsCompactBoundary():
			report.Compactions++
		case line.IsHuman():
			report.Messages.Human++
			report.Messages.Total++
		case line.IsToolResult():
			report.Messages.ToolResults++
			report.Messages.Total++
			for _, block := range line.Blocks() {
				if block.Type == "tool_result" && block.IsError {
					report.ToolErrors++
				}
			}
		case line.IsAssistant():
			report.Messages.Assistant++
			report.Messages.Total++
			for _, tool := range line.ToolUses() {
				report.ToolCalls[tool.Name]++
			}
			if model := line.Message.Model; model != "" {
				models[model] = struct{}{}
			}
			usage := line.Message.Usage
			if usage == nil {
				continue
			}
			report.Tokens.Input += usage.InputTokens
			report.Tokens.Output += usage.OutputTokens
			report.Tokens.CacheCreation += usage.CacheCreationInputTokens
			report.Tokens.CacheRead += usage.CacheReadInputTokens

			price, ok := PricingFor(line.Message.Model)
			if !ok {
				unpriced[line.Message.Model] = struct{}{}
				continue
			}
			cost = cost.Add(Cost(price, *usage))
		}
	}

	report.Tokens.Total = report.Tokens.Input + report.Tokens.Output +
		report.Tokens.CacheCreation + report.Tokens.CacheRead
	report.EstimatedCostUSD = cost.StringFixed(4)
	report.Models = sortedKeys(models)
	if len(unpriced) > 0 {
		report.UnpricedModels = sortedKeys(unpriced)
	}
	if !first.IsZero() {
		start, end := first.UTC(), last.UTC()
		report.StartedAt = &start
		report.EndedAt = &end
		report.DurationSeconds = int64(end.Sub(start).Seconds())
	}
	return report
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
