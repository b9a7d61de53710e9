package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API and its workers.
type Config struct {
	Port string

	AuthToken   string
	CORSOrigins []string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string

	RateLimitRPS   float64
	RateLimitBurst int

	OpenRouterAPIKey         string
	OpenRouterBaseURL        string
	OpenRouterTimeoutMS      int
	OpenRouterMaxRetries     int
	OpenRouterSiteURL        string
	OpenRouterAppName        string
	OpenRouterRecapPrimary   string
	OpenRouterRecapFallback  string
	PromptsDir               string
	RecapMaxTranscriptTokens int

	RecapEnabled          bool
	RecapQuotaLimit       int
	RecapStalenessMinutes int
	RecapTicketTimeout    time.Duration
	RecapGenerateTimeout  time.Duration

	UsageMinSettle     time.Duration
	UsageMinDeltaBytes int64

	WorkerEnabled bool

	PrecomputeEnabled    bool
	PrecomputeInterval   time.Duration
	PrecomputeMaxSubject int
	PrecomputeDryRun     bool
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		AuthToken:   getEnv("API_AUTH_TOKEN", ""),
		CORSOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisStream:   getEnv("REDIS_STREAM", "insights_generation"),
		RedisDLQ:      getEnv("REDIS_DLQ_STREAM", "insights_generation_dlq"),
		RedisGroup:    getEnv("REDIS_GROUP", "insights_workers"),
		RedisConsumer: getEnv("REDIS_CONSUMER", hostnameOr("api-1")),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		OpenRouterAPIKey:         getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterBaseURL:        getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterTimeoutMS:      getEnvInt("OPENROUTER_TIMEOUT_MS", 45000),
		OpenRouterMaxRetries:     getEnvInt("OPENROUTER_MAX_RETRIES", 2),
		OpenRouterSiteURL:        getEnv("OPENROUTER_SITE_URL", ""),
		OpenRouterAppName:        getEnv("OPENROUTER_APP_NAME", "Session Insights"),
		OpenRouterRecapPrimary:   getEnv("OPENROUTER_MODEL_RECAP_PRIMARY", "anthropic/claude-haiku-4.5"),
		OpenRouterRecapFallback:  getEnv("OPENROUTER_MODEL_RECAP_FALLBACK", "openai/gpt-4.1-mini"),
		PromptsDir:               getEnv("PROMPTS_DIR", "prompts"),
		RecapMaxTranscriptTokens: getEnvInt("SMART_RECAP_MAX_TRANSCRIPT_TOKENS", 50000),

		RecapEnabled:          getEnvBool("SMART_RECAP_ENABLED", true),
		RecapQuotaLimit:       getEnvInt("SMART_RECAP_QUOTA_LIMIT", 0),
		RecapStalenessMinutes: getEnvInt("SMART_RECAP_STALENESS_MINUTES", 10),
		RecapTicketTimeout:    getEnvSeconds("SMART_RECAP_TICKET_TIMEOUT_SECONDS", 90),
		RecapGenerateTimeout:  getEnvSeconds("SMART_RECAP_GENERATE_TIMEOUT_SECONDS", 60),

		UsageMinSettle:     getEnvSeconds("USAGE_MIN_SETTLE_SECONDS", 0),
		UsageMinDeltaBytes: int64(getEnvInt("USAGE_MIN_DELTA_BYTES", 0)),

		WorkerEnabled: getEnvBool("WORKER_ENABLED", true),

		PrecomputeEnabled:    getEnvBool("PRECOMPUTE_ENABLED", false),
		PrecomputeInterval:   getEnvSeconds("PRECOMPUTE_POLL_INTERVAL_SECONDS", 300),
		PrecomputeMaxSubject: getEnvInt("PRECOMPUTE_MAX_SUBJECTS", 50),
		PrecomputeDryRun:     getEnvBool("PRECOMPUTE_DRY_RUN", false),
	}
}

// RecapStaleness is how old a recap must be before new transcript lines
// trigger a regeneration.
func (c Config) RecapStaleness() time.Duration {
	if c.RecapStalenessMinutes <= 0 {
		return 0
	}
	return time.Duration(c.RecapStalenessMinutes) * time.Minute
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvSeconds(key string, fallback int) time.Duration {
	seconds := getEnvInt(key, fallback)
	if seconds < 0 {
		seconds = fallback
	}
	return time.Duration(seconds) * time.Second
}

func getEnvList(key string, fallback []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	items := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

func hostnameOr(fallback string) string {
	name, err := os.Hostname()
	if err != nil || strings.TrimSpace(name) == "" {
		return fallback
	}
	return name
}
