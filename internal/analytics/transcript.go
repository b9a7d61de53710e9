package analytics

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrNoTimestamp = errors.New("line has no timestamp")

// Line is one JSONL entry of a recorded session transcript. Only the fields
// the usage and recap computations read are decoded.
type Line struct {
	Type      string   `json:"type"`
	UUID      string   `json:"uuid,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Subtype   string   `json:"subtype,omitempty"`
	Message   *Message `json:"message,omitempty"`
}

type Message struct {
	Role       string          `json:"role,omitempty"`
	Model      string          `json:"model,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
}

type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

type ContentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Name      string `json:"name,omitempty"`
	ID        string `json:"id,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

func ParseLine(raw string) (*Line, error) {
	var line Line
	if err := json.Unmarshal([]byte(raw), &line); err != nil {
		return nil, err
	}
	return &line, nil
}

func (l *Line) Time() (time.Time, error) {
	if l.Timestamp == "" {
		return time.Time{}, ErrNoTimestamp
	}
	return time.Parse(time.RFC3339Nano, l.Timestamp)
}

func (l *Line) IsAssistant() bool {
	return l.Type == "assistant" && l.Message != nil
}

// IsHuman reports whether the line is typed user input. Tool results are also
// recorded as user lines but carry block content instead of a string.
func (l *Line) IsHuman() bool {
	if l.Type != "user" || l.Message == nil {
		return false
	}
	_, ok := l.stringContent()
	return ok
}

func (l *Line) IsToolResult() bool {
	if l.Type != "user" || l.Message == nil {
		return false
	}
	for _, block := range l.Blocks() {
		if block.Type == "tool_result" {
			return true
		}
	}
	return false
}

func (l *Line) IsCompactBoundary() bool {
	return l.Type == "system" && l.Subtype == "compact_boundary"
}

// Blocks decodes array content. String content yields nil.
func (l *Line) Blocks() []ContentBlock {
	if l.Message == nil || len(l.Message.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(l.Message.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

func (l *Line) ToolUses() []ContentBlock {
	var tools []ContentBlock
	for _, block := range l.Blocks() {
		if block.Type == "tool_use" {
			tools = append(tools, block)
		}
	}
	return tools
}

// Text returns the human-readable text of the line: string content as is, or
// the text blocks joined by newlines.
func (l *Line) Text() string {
	if text, ok := l.stringContent(); ok {
		return strings.TrimSpace(text)
	}
	parts := make([]string, 0)
	for _, block := range l.Blocks() {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			parts = append(parts, strings.TrimSpace(block.Text))
		}
	}
	return strings.Join(parts, "\n")
}

func (l *Line) stringContent() (string, bool) {
	if l.Message == nil || len(l.Message.Content) == 0 {
		return "", false
	}
	var text string
	if err := json.Unmarshal(l.Message.Content, &text); err != nil {
		return "", false
	}
	return text, true
}
