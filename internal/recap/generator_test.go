package recap

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/coder/quartz"
	"github.com/iago/session-insights/internal/ai"
	"github.com/iago/session-insights/internal/domain"
)

type scriptedGenerator struct {
	mu        sync.Mutex
	available bool
	responses map[string]string
	failures  map[string]error
	prompts   []string
	models    []string
}

func (g *scriptedGenerator) Available() bool { return g.available }

func (g *scriptedGenerator) Generate(_ context.Context, request ai.GenerateRequest) (ai.GenerateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, request.Input)
	g.models = append(g.models, request.Model)
	if err := g.failures[request.Model]; err != nil {
		return ai.GenerateResult{}, err
	}
	return ai.GenerateResult{
		Text:    g.responses[request.Model],
		ModelID: request.Model,
		Usage:   ai.TokenUsage{InputTokens: 900, OutputTokens: 120, TotalTokens: 1020},
	}, nil
}

var transcript = []string{
	`{"type":"user","timestamp":"2026-05-01T10:00:00Z","message":{"role":"user","content":"Add retries to the webhook sender. Contact me at dev@example.com"}}`,
	`{"type":"assistant","timestamp":"2026-05-01T10:00:30Z","message":{"role":"assistant","model":"claude-sonnet-4-5","usage":{"input_tokens":100,"output_tokens":50,"cache_read_input_tokens":900},"content":[{"type":"text","text":"Adding exponential backoff."},{"type":"tool_use","id":"tu_1","name":"Edit"}]}}`,
	`{"type":"user","timestamp":"2026-05-01T10:01:00Z","message":{"role":"user","content":"Looks good, run the tests"}}`,
}

const modelCard = "```json\n" + `{
	"suggested_title": "Add retries to webhook sender",
	"recap": "The user asked for webhook retries and the assistant added exponential backoff in one edit.",
	"went_well": [{"text": "Clear request", "message_id": 1}, "Clear request", {"text": "Quick edit", "message_id": 99}],
	"went_bad": [],
	"human_suggestions": [{"text": "Mention the retry budget up front"}],
	"environment_suggestions": [],
	"default_context_suggestions": []
}` + "\n```"

func newTestGenerator(t *testing.T, client ai.TextGenerator, promptsDir string) *Generator {
	t.Helper()
	return NewGenerator(Dependencies{
		Router: ai.NewModelRouter(ai.ModelRouterConfig{
			RecapPrimary:  "primary-model",
			RecapFallback: "fallback-model",
		}),
		Client:     client,
		PromptsDir: promptsDir,
		Clock:      quartz.NewMock(t),
	})
}

func TestGenerateParsesAndValidatesModelOutput(t *testing.T) {
	client := &scriptedGenerator{
		available: true,
		responses: map[string]string{"fallback-model": modelCard},
	}
	generator := newTestGenerator(t, client, "")

	body, err := generator.Generate(context.Background(), domain.Subject{ID: "s-1"}, transcript)
	if err != nil {
		t.Fatalf("generate recap: %v", err)
	}

	var card Card
	if err := json.Unmarshal(body, &card); err != nil {
		t.Fatalf("decode card: %v", err)
	}
	if card.SuggestedTitle != "Add retries to webhook sender" {
		t.Fatalf("unexpected title %q", card.SuggestedTitle)
	}
	if len(card.WentWell) != 2 {
		t.Fatalf("expected duplicate item dropped, got %+v", card.WentWell)
	}
	if card.WentWell[0].MessageID != 1 || card.WentWell[1].MessageID != 0 {
		t.Fatalf("expected unknown citation cleared, got %+v", card.WentWell)
	}
	if card.ModelUsed != "fallback-model" || card.PromptVersion != PromptVersion {
		t.Fatalf("unexpected metadata %+v", card)
	}
	if card.InputTokens != 900 || card.QualityScore <= 0 {
		t.Fatalf("expected usage and score recorded, got %+v", card)
	}

	// Three turns make a short session, which leads with the fallback model.
	if len(client.models) != 1 || client.models[0] != "fallback-model" {
		t.Fatalf("expected short profile to call fallback-model first, got %v", client.models)
	}
	prompt := client.prompts[0]
	if strings.Contains(prompt, "dev@example.com") {
		t.Fatalf("expected transcript to be masked before prompting")
	}
	if !strings.Contains(prompt, "<session_stats>") || !strings.Contains(prompt, `"human":2`) {
		t.Fatalf("expected stats in prompt, got %q", prompt)
	}
}

func TestGenerateFallsBackToSecondModel(t *testing.T) {
	client := &scriptedGenerator{
		available: true,
		responses: map[string]string{"primary-model": modelCard},
		failures:  map[string]error{"fallback-model": errors.New("provider 503")},
	}
	generator := newTestGenerator(t, client, "")

	body, err := generator.Generate(context.Background(), domain.Subject{ID: "s-1"}, transcript)
	if err != nil {
		t.Fatalf("generate recap: %v", err)
	}
	if !strings.Contains(string(body), `"model_used":"primary-model"`) {
		t.Fatalf("expected second model to produce the card, got %s", body)
	}
}

func TestGenerateRejectsUnusableOutput(t *testing.T) {
	client := &scriptedGenerator{
		available: true,
		responses: map[string]string{"fallback-model": "I cannot help with that."},
	}
	generator := newTestGenerator(t, client, "")

	_, err := generator.Generate(context.Background(), domain.Subject{ID: "s-1"}, transcript)
	if !errors.Is(err, ErrQualityRejected) {
		t.Fatalf("expected quality rejection, got %v", err)
	}
}

func TestGenerateWithoutProviderIsExtractive(t *testing.T) {
	generator := newTestGenerator(t, &scriptedGenerator{available: false}, "")

	body, err := generator.Generate(context.Background(), domain.Subject{ID: "s-1"}, transcript)
	if err != nil {
		t.Fatalf("generate recap: %v", err)
	}
	var card Card
	if err := json.Unmarshal(body, &card); err != nil {
		t.Fatalf("decode card: %v", err)
	}
	if !card.Extractive || card.ModelUsed != extractiveModelID {
		t.Fatalf("expected extractive card, got %+v", card)
	}
	if card.SuggestedTitle != "Add retries to the webhook sender" {
		t.Fatalf("unexpected extractive title %q", card.SuggestedTitle)
	}
	if len(card.WentWell) != 2 {
		t.Fatalf("expected tool success and cache reuse noted, got %+v", card.WentWell)
	}
}

func TestGenerateUsesPromptsDirOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, promptFile), []byte("CUSTOM {{ .Transcript }}"), 0o600); err != nil {
		t.Fatalf("write template: %v", err)
	}
	client := &scriptedGenerator{
		available: true,
		responses: map[string]string{"fallback-model": modelCard},
	}
	generator := newTestGenerator(t, client, dir)

	if _, err := generator.Generate(context.Background(), domain.Subject{ID: "s-1"}, transcript); err != nil {
		t.Fatalf("generate recap: %v", err)
	}
	if !strings.HasPrefix(client.prompts[0], "CUSTOM <transcript>") {
		t.Fatalf("expected override template, got %q", client.prompts[0])
	}
}

func TestValidateRejectsEmptyRecap(t *testing.T) {
	card := Card{SuggestedTitle: "Something"}
	if err := Validate(&card, nil); !errors.Is(err, ErrQualityRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}
