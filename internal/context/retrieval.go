package contextbuilder

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/iago/session-insights/internal/analytics"
	"github.com/iago/session-insights/internal/policy"
)

type RetrievalInput struct {
	SubjectID string
	Lines     []string
}

// Chunk is one transcript turn rendered for the prompt. ID is the turn's
// position in the transcript and is what the model cites.
type Chunk struct {
	ID    int
	Role  string
	Text  string
	Score float64
}

type Retriever interface {
	Retrieve(ctx context.Context, input RetrievalInput) ([]Chunk, error)
}

// TranscriptRetriever turns transcript lines into scored turns. The opening
// human turn scores highest, then turns score by recency.
type TranscriptRetriever struct {
	maxTurnChars int
}

func NewTranscriptRetriever() *TranscriptRetriever {
	return &TranscriptRetriever{maxTurnChars: 2000}
}

func (r *TranscriptRetriever) Retrieve(ctx context.Context, input RetrievalInput) ([]Chunk, error) {
	chunks := make([]Chunk, 0, len(input.Lines))
	openingSeen := false

	for _, raw := range input.Lines {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line, err := analytics.ParseLine(raw)
		if err != nil {
			continue
		}

		role, text := r.render(line)
		if text == "" {
			continue
		}
		chunk := Chunk{ID: len(chunks) + 1, Role: role, Text: text}
		if role == "user" && !openingSeen {
			openingSeen = true
			chunk.Score = -1
		}
		chunks = append(chunks, chunk)
	}

	total := float64(len(chunks))
	for index := range chunks {
		if chunks[index].Score < 0 {
			chunks[index].Score = 200
			continue
		}
		chunks[index].Score = 100 * float64(index+1) / total
		if chunks[index].Role == "user" {
			chunks[index].Score += 10
		}
	}
	return chunks, nil
}

func (r *TranscriptRetriever) render(line *analytics.Line) (string, string) {
	switch {
	case line.IsHuman():
		return "user", r.clip(policy.MaskString(line.Text()))
	case line.IsToolResult():
		failed := 0
		for _, block := range line.Blocks() {
			if block.Type == "tool_result" && block.IsError {
				failed++
			}
		}
		if failed == 0 {
			return "", ""
		}
		return "tool_results", fmt.Sprintf("%d tool call(s) failed", failed)
	case line.IsAssistant():
		text := r.clip(policy.MaskString(line.Text()))
		tools := line.ToolUses()
		if len(tools) > 0 {
			names := make([]string, 0, len(tools))
			for _, tool := range tools {
				names = append(names, tool.Name)
			}
			called := "<tools_called>" + strings.Join(names, ", ") + "</tools_called>"
			if text == "" {
				text = called
			} else {
				text += "\n" + called
			}
		}
		return "assistant", text
	default:
		return "", ""
	}
}

func (r *TranscriptRetriever) clip(text string) string {
	text = strings.TrimSpace(text)
	if r.maxTurnChars <= 0 || len([]rune(text)) <= r.maxTurnChars {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:r.maxTurnChars])) + " [truncated]"
}

var repeatedSpacePattern = regexp.MustCompile(`\s+`)

func fingerprint(value string) string {
	return repeatedSpacePattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), " ")
}
