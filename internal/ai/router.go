package ai

import "strings"

type TaskKind string

const (
	TaskRecap TaskKind = "recap"
	// TaskRecapShort covers sessions with only a few turns, where the
	// fallback model is good enough to lead.
	TaskRecapShort TaskKind = "recap_short"
)

type ModelProfile struct {
	PrimaryModel    string
	FallbackModel   string
	Temperature     float64
	MaxOutputTokens int
}

type ModelRouterConfig struct {
	RecapPrimary  string
	RecapFallback string
}

type ModelRouter struct {
	config ModelRouterConfig
}

func NewModelRouter(config ModelRouterConfig) *ModelRouter {
	if strings.TrimSpace(config.RecapPrimary) == "" {
		config.RecapPrimary = "anthropic/claude-haiku-4.5"
	}
	if strings.TrimSpace(config.RecapFallback) == "" {
		config.RecapFallback = "openai/gpt-4.1-mini"
	}
	return &ModelRouter{config: config}
}

func (r *ModelRouter) Select(task TaskKind) ModelProfile {
	switch task {
	case TaskRecapShort:
		return ModelProfile{
			PrimaryModel:    r.config.RecapFallback,
			FallbackModel:   r.config.RecapPrimary,
			Temperature:     0.2,
			MaxOutputTokens: 700,
		}
	default:
		return ModelProfile{
			PrimaryModel:    r.config.RecapPrimary,
			FallbackModel:   r.config.RecapFallback,
			Temperature:     0.3,
			MaxOutputTokens: 1000,
		}
	}
}
