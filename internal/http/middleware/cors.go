package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

type CORSConfig struct {
	// AllowedOrigins holds exact origins, "*", or subdomain patterns such as
	// "https://*.example.com".
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
	MaxAgeSeconds  int
}

// corsPolicy is CORSConfig resolved into ready-to-send header values.
type corsPolicy struct {
	anyOrigin bool
	exact     map[string]struct{}
	suffixes  []originSuffix

	allowMethods  string
	allowHeaders  string
	exposeHeaders string
	maxAge        string
}

// originSuffix matches "scheme://<anything>.host".
type originSuffix struct {
	scheme string
	host   string
}

func newCORSPolicy(cfg CORSConfig) corsPolicy {
	policy := corsPolicy{
		exact:         make(map[string]struct{}),
		allowMethods:  joinOr(cfg.AllowedMethods, http.MethodGet, http.MethodPost, http.MethodOptions),
		allowHeaders:  joinOr(cfg.AllowedHeaders, "Accept", "Authorization", "Content-Type", "X-Request-Id"),
		exposeHeaders: joinOr(cfg.ExposedHeaders, "Retry-After", "X-Progress-Marker", "X-Request-Id"),
		maxAge:        "600",
	}
	if cfg.MaxAgeSeconds > 0 {
		policy.maxAge = strconv.Itoa(cfg.MaxAgeSeconds)
	}

	for _, raw := range cfg.AllowedOrigins {
		origin := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case origin == "":
		case origin == "*":
			policy.anyOrigin = true
		case strings.Contains(origin, "://*."):
			scheme, host, _ := strings.Cut(origin, "://*.")
			policy.suffixes = append(policy.suffixes, originSuffix{scheme: scheme, host: host})
		default:
			policy.exact[origin] = struct{}{}
		}
	}
	return policy
}

func (p corsPolicy) allows(origin string) bool {
	if p.anyOrigin {
		return true
	}
	origin = strings.ToLower(origin)
	if _, ok := p.exact[origin]; ok {
		return true
	}
	scheme, host, ok := strings.Cut(origin, "://")
	if !ok {
		return false
	}
	for _, suffix := range p.suffixes {
		if scheme == suffix.scheme && strings.HasSuffix(host, "."+suffix.host) {
			return true
		}
	}
	return false
}

// CORS answers preflights for allowed origins and lets browser pollers read
// the marker and retry headers. Requests from other origins pass through
// without CORS headers.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" || !policy.allows(origin) {
				next.ServeHTTP(w, r)
				return
			}

			header := w.Header()
			header.Add("Vary", "Origin")
			if policy.anyOrigin {
				header.Set("Access-Control-Allow-Origin", "*")
			} else {
				header.Set("Access-Control-Allow-Origin", origin)
			}

			if r.Method != http.MethodOptions {
				header.Set("Access-Control-Expose-Headers", policy.exposeHeaders)
				next.ServeHTTP(w, r)
				return
			}

			header.Add("Vary", "Access-Control-Request-Method")
			header.Add("Vary", "Access-Control-Request-Headers")
			header.Set("Access-Control-Allow-Methods", policy.allowMethods)
			header.Set("Access-Control-Allow-Headers", policy.allowHeaders)
			header.Set("Access-Control-Max-Age", policy.maxAge)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

func joinOr(values []string, defaults ...string) string {
	kept := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	if len(kept) == 0 {
		kept = defaults
	}
	return strings.Join(kept, ", ")
}
