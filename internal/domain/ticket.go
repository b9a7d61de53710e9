package domain

import "time"

type TicketState string

const (
	TicketNone       TicketState = "none"
	TicketGenerating TicketState = "generating"
	TicketReady      TicketState = "ready"
	TicketFailed     TicketState = "failed"
)

// Ticket is one in-flight background generation for a (subject, kind) pair.
// Only generating tickets are stored; ready and failed tickets are deleted.
type Ticket struct {
	ID        string
	SubjectID string
	OwnerID   string
	Kind      Kind
	Marker    int64
	State     TicketState
	CreatedAt time.Time
}

// Active reports whether the ticket still holds the slot. A generating ticket
// older than lease is considered abandoned by its worker.
func (t *Ticket) Active(now time.Time, lease time.Duration) bool {
	if t == nil || t.State != TicketGenerating {
		return false
	}
	if lease <= 0 {
		return true
	}
	return now.Sub(t.CreatedAt) < lease
}

// GenerationMessage is the transport format sent to queue backends.
type GenerationMessage struct {
	TicketID    string    `json:"ticket_id"`
	SubjectID   string    `json:"subject_id"`
	OwnerID     string    `json:"owner_id"`
	Kind        Kind      `json:"kind"`
	Marker      int64     `json:"marker"`
	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requested_at"`
}

// QuotaMonth is the key monthly generation counters are stored under.
func QuotaMonth(now time.Time) string {
	return now.UTC().Format("2006-01")
}
