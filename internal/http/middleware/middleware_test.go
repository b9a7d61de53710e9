package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/iago/session-insights/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthRequiresBearerTokenOnAPIRoutes(t *testing.T) {
	handler := RequestID(Auth("secret")(okHandler()))

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "health is public", path: "/healthz", want: http.StatusOK},
		{name: "missing token", path: "/v1/subjects/s-1", want: http.StatusUnauthorized},
		{name: "wrong scheme", path: "/v1/subjects/s-1", header: "Basic secret", want: http.StatusUnauthorized},
		{name: "wrong token", path: "/v1/subjects/s-1", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid token", path: "/v1/subjects/s-1", header: "Bearer secret", want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				request.Header.Set("Authorization", tc.header)
			}
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, request)

			if recorder.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, recorder.Code)
			}
			if tc.want == http.StatusUnauthorized && !strings.Contains(recorder.Body.String(), `"code":"unauthorized"`) {
				t.Fatalf("expected error envelope, got %s", recorder.Body.String())
			}
		})
	}
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	recorder := httptest.NewRecorder()
	Auth("")(okHandler()).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/subjects/s-1", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected passthrough, got %d", recorder.Code)
	}
}

func TestRateLimitKeysByToken(t *testing.T) {
	handler := RateLimit(1, 1)(okHandler())

	send := func(token string) int {
		request := httptest.NewRequest(http.MethodGet, "/v1/subjects/s-1", nil)
		request.RemoteAddr = "10.0.0.1:5000"
		if token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		return recorder.Code
	}

	if code := send("alpha"); code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", code)
	}
	if code := send("alpha"); code != http.StatusTooManyRequests {
		t.Fatalf("expected burst exhausted, got %d", code)
	}
	if code := send("beta"); code != http.StatusOK {
		t.Fatalf("expected a separate bucket per token, got %d", code)
	}
	if code := send(""); code != http.StatusOK {
		t.Fatalf("expected anonymous callers keyed by ip, got %d", code)
	}
}

func TestRequestIDPropagatesHeader(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set("X-Request-Id", "req-42")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if seen != "req-42" || recorder.Header().Get("X-Request-Id") != "req-42" {
		t.Fatalf("expected caller request id, got %q", seen)
	}

	request = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set("X-Request-Id", strings.Repeat("x", 200))
	handler.ServeHTTP(httptest.NewRecorder(), request)
	if len(seen) != 36 {
		t.Fatalf("expected a generated uuid for an oversized id, got %q", seen)
	}
}

func histogramCount(t *testing.T, labels ...string) uint64 {
	t.Helper()
	observer := metrics.HTTPRequestDuration.WithLabelValues(labels...)
	var metric dto.Metric
	if err := observer.(prometheus.Metric).Write(&metric); err != nil {
		t.Fatalf("read histogram: %v", err)
	}
	return metric.GetHistogram().GetSampleCount()
}

func TestTraceRecordsRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/things/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	handler := Trace(nil)(mux)

	labels := []string{http.MethodGet, "GET /v1/things/{id}", "202"}
	before := histogramCount(t, labels...)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/things/7", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/things/8", nil))

	if got := histogramCount(t, labels...) - before; got != 2 {
		t.Fatalf("expected two samples under the route pattern, got %d", got)
	}
}
