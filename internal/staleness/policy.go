package staleness

import (
	"time"

	"github.com/iago/session-insights/internal/domain"
)

// Policy bounds how often a payload that fell behind its subject is rebuilt.
// While a behind payload is younger than MinAge, and the subject grew by
// less than MinDeltaBytes since it was computed, the old payload is served
// as stale. MinDeltaBytes of zero means only age is considered. The zero
// Policy always recomputes.
type Policy struct {
	MinAge        time.Duration
	MinDeltaBytes int64
}

// Defer reports whether payload should be served stale instead of rebuilt.
func (p Policy) Defer(payload *domain.Payload, subject *domain.Subject, now time.Time) bool {
	if p.MinAge <= 0 || !payload.Current() || subject == nil {
		return false
	}
	if payload.Marker >= subject.Marker {
		return false
	}
	if now.Sub(payload.ComputedAt) >= p.MinAge {
		return false
	}
	if p.MinDeltaBytes <= 0 {
		return true
	}
	return subject.RawBytes-payload.RawBytes < p.MinDeltaBytes
}
