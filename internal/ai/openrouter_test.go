package ai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(baseURL string, retries int) *OpenRouterClient {
	client := NewOpenRouterClient(OpenRouterConfig{
		APIKey:     "test-key",
		BaseURL:    baseURL,
		Timeout:    2 * time.Second,
		MaxRetries: retries,
		SiteURL:    "https://insights.example",
	})
	client.backoff = func(int) time.Duration { return time.Millisecond }
	return client
}

func TestOpenRouterClientGenerateSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("X-Title"); got != "Session Insights" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got := r.Header.Get("HTTP-Referer"); got != "https://insights.example" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"max_tokens":900`) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model":"anthropic/claude-haiku-4.5",
			"choices":[{"message":{"role":"assistant","content":"{\"recap\":\"ok\"}"}}],
			"usage":{"prompt_tokens":123,"completion_tokens":22,"total_tokens":145}
		}`))
	}))
	defer server.Close()

	result, err := newTestClient(server.URL, 1).Generate(context.Background(), GenerateRequest{
		Model:           "anthropic/claude-haiku-4.5",
		Instructions:    "Return JSON only",
		Input:           "<transcript></transcript>",
		Temperature:     0.2,
		MaxOutputTokens: 900,
	})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if result.Text != `{"recap":"ok"}` {
		t.Fatalf("unexpected text %q", result.Text)
	}
	if result.Usage.TotalTokens != 145 || result.ModelID != "anthropic/claude-haiku-4.5" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestOpenRouterClientRetriesOnRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited"}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"line 1"},{"type":"text","text":"line 2"}]}}],
			"usage":{"prompt_tokens":10,"completion_tokens":10,"total_tokens":20}
		}`))
	}))
	defer server.Close()

	result, err := newTestClient(server.URL, 2).Generate(context.Background(), GenerateRequest{
		Model: "openai/gpt-4.1-mini",
		Input: "test",
	})
	if err != nil {
		t.Fatalf("expected success after retry, got err=%v", err)
	}
	if result.Text != "line 1\nline 2" {
		t.Fatalf("unexpected parsed text: %q", result.Text)
	}
	if result.ModelID != "openai/gpt-4.1-mini" {
		t.Fatalf("expected requested model as fallback id, got %q", result.ModelID)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestOpenRouterClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad model"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, 3).Generate(context.Background(), GenerateRequest{
		Model: "nope",
		Input: "test",
	})
	var httpErr *ProviderHTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected provider 400, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestOpenRouterClientUnavailableWithoutKey(t *testing.T) {
	client := NewOpenRouterClient(OpenRouterConfig{})
	_, err := client.Generate(context.Background(), GenerateRequest{Model: "m", Input: "test"})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestModelRouterDefaults(t *testing.T) {
	router := NewModelRouter(ModelRouterConfig{})
	full := router.Select(TaskRecap)
	short := router.Select(TaskRecapShort)
	if full.PrimaryModel != short.FallbackModel || full.FallbackModel != short.PrimaryModel {
		t.Fatalf("expected short recaps to swap model order, got %+v / %+v", full, short)
	}
	if full.MaxOutputTokens != 1000 {
		t.Fatalf("expected 1000 output tokens, got %d", full.MaxOutputTokens)
	}
}
