package httpserver

import (
	"log"
	"net/http"

	"github.com/iago/session-insights/internal/http/handlers"
	"github.com/iago/session-insights/internal/http/middleware"
	"github.com/iago/session-insights/internal/metrics"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *log.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", deps.API.Health)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /v1/subjects/{id}", deps.API.GetSubject)
	mux.HandleFunc("POST /v1/subjects/{id}/lines", deps.API.AppendLines)
	mux.HandleFunc("GET /v1/subjects/{id}/derived/{kind}", deps.API.Derived)
	mux.HandleFunc("POST /v1/subjects/{id}/derived/{kind}/regenerate", deps.API.Regenerate)
	mux.HandleFunc("GET /v1/owners/{owner}/quota", deps.API.Quota)

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	})(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
