package store

import (
	"context"
	"errors"
	"time"

	"github.com/iago/session-insights/internal/domain"
)

var (
	ErrNotFound         = errors.New("resource not found")
	ErrOwnerMismatch    = errors.New("subject belongs to another owner")
	ErrTicketActive     = errors.New("generation ticket already active")
	ErrTicketSuperseded = errors.New("generation ticket no longer held")
)

// SubjectStore is the ingestion side: it owns transcript lines and the
// progress marker derived from them.
type SubjectStore interface {
	GetSubject(ctx context.Context, subjectID string) (*domain.Subject, error)
	AppendLines(ctx context.Context, subjectID, ownerID string, lines []string) (*domain.Subject, error)
	ReadLines(ctx context.Context, subjectID string, upTo int64) ([]string, error)
	// ListBehind returns subjects whose payload for kind is missing, built
	// with an older schema version, or tagged with an older marker.
	ListBehind(ctx context.Context, kind domain.Kind, limit int) ([]domain.Subject, error)
}

type PayloadStore interface {
	GetPayload(ctx context.Context, subjectID string, kind domain.Kind) (*domain.Payload, error)
	// PutPayload replaces the stored payload unless the stored one carries a
	// newer marker for the same schema version.
	PutPayload(ctx context.Context, payload *domain.Payload) error
}

type TicketStore interface {
	// CreateTicket inserts ticket unless an active one exists for the same
	// (subject, kind), in which case it returns ErrTicketActive. Tickets
	// older than lease are replaced.
	CreateTicket(ctx context.Context, ticket *domain.Ticket, lease time.Duration) error
	GetTicket(ctx context.Context, subjectID string, kind domain.Kind) (*domain.Ticket, error)
	DeleteTicket(ctx context.Context, ticketID string) error
	// CommitTicket stores payload, charges the owner's quota for month and
	// deletes the ticket in one step. It returns ErrTicketSuperseded when the
	// ticket is gone.
	CommitTicket(ctx context.Context, ticketID string, payload *domain.Payload, month string) error
}

type QuotaStore interface {
	QuotaUsed(ctx context.Context, ownerID, month string) (int, error)
}

// Locker serializes recomputation of one (subject, kind) key.
type Locker interface {
	Lock(ctx context.Context, subjectID string, kind domain.Kind) (func(), error)
}

type Store interface {
	SubjectStore
	PayloadStore
	TicketStore
	QuotaStore
	Locker
}

func lockKey(subjectID string, kind domain.Kind) string {
	return subjectID + "/" + string(kind)
}

func rawSize(lines []string) int64 {
	var total int64
	for _, line := range lines {
		total += int64(len(line))
	}
	return total
}
