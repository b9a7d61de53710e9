package recap

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/coder/quartz"
	"github.com/iago/session-insights/internal/ai"
	"github.com/iago/session-insights/internal/analytics"
	contextbuilder "github.com/iago/session-insights/internal/context"
	"github.com/iago/session-insights/internal/domain"
)

//go:embed prompts/*.tmpl
var embeddedPrompts embed.FS

const (
	promptFile = PromptVersion + ".tmpl"
	// Sessions with fewer selected turns than this use the short profile.
	shortSessionTurns = 8
)

type Dependencies struct {
	Router  *ai.ModelRouter
	Client  ai.TextGenerator
	Builder *contextbuilder.Builder
	// PromptsDir overrides the embedded templates when it holds a file of the
	// same name.
	PromptsDir          string
	MaxTranscriptTokens int
	Clock               quartz.Clock
	Logger              *log.Logger
}

// Generator produces recap cards from transcript lines.
type Generator struct {
	router              *ai.ModelRouter
	client              ai.TextGenerator
	builder             *contextbuilder.Builder
	promptsDir          string
	maxTranscriptTokens int
	clock               quartz.Clock
	logger              *log.Logger

	tmplMu    sync.RWMutex
	templates map[string]*template.Template
}

func NewGenerator(deps Dependencies) *Generator {
	if deps.Router == nil {
		deps.Router = ai.NewModelRouter(ai.ModelRouterConfig{})
	}
	if deps.Builder == nil {
		deps.Builder = contextbuilder.NewBuilder(contextbuilder.NewTranscriptRetriever())
	}
	if deps.MaxTranscriptTokens <= 0 {
		deps.MaxTranscriptTokens = contextbuilder.DefaultMaxInputTokens
	}
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	return &Generator{
		router:              deps.Router,
		client:              deps.Client,
		builder:             deps.Builder,
		promptsDir:          strings.TrimSpace(deps.PromptsDir),
		maxTranscriptTokens: deps.MaxTranscriptTokens,
		clock:               deps.Clock,
		logger:              deps.Logger,
		templates:           make(map[string]*template.Template),
	}
}

// Generate returns the encoded Card for lines. Without a configured model
// provider it returns an extractive recap instead of failing, so the async
// protocol still completes offline. Provider and validation errors are
// returned to the caller.
func (g *Generator) Generate(ctx context.Context, subject domain.Subject, lines []string) (json.RawMessage, error) {
	started := g.clock.Now()

	contextOut, err := g.builder.Build(ctx, contextbuilder.BuildInput{
		SubjectID:      subject.ID,
		Marker:         int64(len(lines)),
		Lines:          lines,
		MaxInputTokens: g.maxTranscriptTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("build recap context: %w", err)
	}
	if len(contextOut.Chunks) == 0 {
		return nil, fmt.Errorf("%w: transcript has no readable turns", ErrQualityRejected)
	}
	stats := analytics.Summarize(lines)

	if g.client == nil || !g.client.Available() {
		g.logf("recap provider unavailable, using extractive recap subject_id=%s", subject.ID)
		card := Extractive(contextOut.Chunks, stats)
		card.GenerationTimeMS = g.clock.Since(started).Milliseconds()
		return encodeCard(card)
	}

	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("encode session stats: %w", err)
	}
	prompt, err := g.renderPrompt(promptFile, map[string]any{
		"Stats":      string(statsJSON),
		"Transcript": contextOut.ContextText,
	})
	if err != nil {
		return nil, err
	}

	task := ai.TaskRecap
	if len(contextOut.Chunks) < shortSessionTurns {
		task = ai.TaskRecapShort
	}
	result, err := g.generateText(ctx, g.router.Select(task), prompt)
	if err != nil {
		return nil, err
	}

	card, err := parseCard(result.Text)
	if err != nil {
		return nil, err
	}
	validIDs := make(map[int]struct{}, len(contextOut.Chunks))
	for _, chunk := range contextOut.Chunks {
		validIDs[chunk.ID] = struct{}{}
	}
	if err := Validate(&card, validIDs); err != nil {
		return nil, err
	}

	card.ModelUsed = result.ModelID
	card.PromptVersion = PromptVersion
	card.InputTokens = result.Usage.InputTokens
	card.OutputTokens = result.Usage.OutputTokens
	card.GenerationTimeMS = g.clock.Since(started).Milliseconds()

	g.logf(
		"recap generated subject_id=%s model=%s turns=%d omitted=%d quality=%.2f",
		subject.ID,
		card.ModelUsed,
		len(contextOut.Chunks),
		contextOut.Omitted,
		card.QualityScore,
	)
	return encodeCard(card)
}

func (g *Generator) generateText(
	ctx context.Context,
	profile ai.ModelProfile,
	prompt string,
) (ai.GenerateResult, error) {
	request := ai.GenerateRequest{
		Model:           profile.PrimaryModel,
		Instructions:    "Return only valid JSON. Do not use markdown code fences.",
		Input:           prompt,
		Temperature:     profile.Temperature,
		MaxOutputTokens: profile.MaxOutputTokens,
	}
	primary, err := g.client.Generate(ctx, request)
	if err == nil {
		if primary.ModelID == "" {
			primary.ModelID = profile.PrimaryModel
		}
		return primary, nil
	}

	if strings.TrimSpace(profile.FallbackModel) == "" || profile.FallbackModel == profile.PrimaryModel {
		return ai.GenerateResult{}, err
	}
	if ctx.Err() != nil {
		return ai.GenerateResult{}, ctx.Err()
	}

	g.logf("recap primary model failed, trying fallback model=%s err=%v", profile.FallbackModel, err)
	request.Model = profile.FallbackModel
	fallback, fallbackErr := g.client.Generate(ctx, request)
	if fallbackErr != nil {
		return ai.GenerateResult{}, fmt.Errorf("primary model failed: %v; fallback failed: %w", err, fallbackErr)
	}
	if fallback.ModelID == "" {
		fallback.ModelID = profile.FallbackModel
	}
	return fallback, nil
}

func (g *Generator) renderPrompt(fileName string, data any) (string, error) {
	tmpl, err := g.loadTemplate(fileName)
	if err != nil {
		return "", err
	}

	buffer := bytes.NewBuffer(nil)
	if err := tmpl.Execute(buffer, data); err != nil {
		return "", fmt.Errorf("execute template %s: %w", fileName, err)
	}
	return buffer.String(), nil
}

func (g *Generator) loadTemplate(fileName string) (*template.Template, error) {
	g.tmplMu.RLock()
	if tmpl, ok := g.templates[fileName]; ok {
		g.tmplMu.RUnlock()
		return tmpl, nil
	}
	g.tmplMu.RUnlock()

	content, err := g.readTemplate(fileName)
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New(fileName).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", fileName, err)
	}

	g.tmplMu.Lock()
	g.templates[fileName] = tmpl
	g.tmplMu.Unlock()
	return tmpl, nil
}

func (g *Generator) readTemplate(fileName string) ([]byte, error) {
	if g.promptsDir != "" {
		content, err := os.ReadFile(filepath.Join(g.promptsDir, fileName))
		if err == nil {
			return content, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read prompt template %s: %w", fileName, err)
		}
	}
	content, err := embeddedPrompts.ReadFile("prompts/" + fileName)
	if err != nil {
		return nil, fmt.Errorf("read embedded prompt %s: %w", fileName, err)
	}
	return content, nil
}

func parseCard(text string) (Card, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return Card{}, fmt.Errorf("%w: %v", ErrQualityRejected, err)
	}
	var card Card
	if err := json.Unmarshal(raw, &card); err != nil {
		return Card{}, fmt.Errorf("%w: decode recap: %v", ErrQualityRejected, err)
	}
	return card, nil
}

func encodeCard(card Card) (json.RawMessage, error) {
	encoded, err := json.Marshal(card)
	if err != nil {
		return nil, fmt.Errorf("encode recap card: %w", err)
	}
	return encoded, nil
}

func extractJSON(text string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.New("empty model output")
	}
	if strings.HasPrefix(trimmed, "```") {
		trimmed = stripCodeFence(trimmed)
	}

	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		return []byte(trimmed), nil
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		candidate := trimmed[start : end+1]
		if err := json.Unmarshal([]byte(candidate), &decoded); err == nil {
			return []byte(candidate), nil
		}
	}
	return nil, errors.New("model output is not valid JSON")
}

func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimPrefix(trimmed, "json")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

func (g *Generator) logf(format string, args ...any) {
	if g.logger == nil {
		return
	}
	g.logger.Printf(format, args...)
}
