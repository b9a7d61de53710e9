package staleness

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/iago/session-insights/internal/domain"
	"github.com/iago/session-insights/internal/metrics"
	"github.com/iago/session-insights/internal/store"
)

type QuotaInfo struct {
	OwnerID  string `json:"owner_id"`
	Month    string `json:"month"`
	Used     int    `json:"used"`
	Limit    int    `json:"limit"`
	Exceeded bool   `json:"exceeded"`
}

// Quota reports the owner's generation usage for the current month.
func (c *Cache) Quota(ctx context.Context, ownerID string) (QuotaInfo, error) {
	month := domain.QuotaMonth(c.now())
	used, err := c.store.QuotaUsed(ctx, ownerID, month)
	if err != nil {
		return QuotaInfo{}, fmt.Errorf("read quota: %w", err)
	}
	return QuotaInfo{
		OwnerID:  ownerID,
		Month:    month,
		Used:     used,
		Limit:    c.quotaLimit,
		Exceeded: c.quotaLimit > 0 && used >= c.quotaLimit,
	}, nil
}

// Regenerate starts a new generation for an async kind even when the stored
// payload is fresh. It returns store.ErrTicketActive while another ticket
// holds the slot and ErrQuotaExceeded when the owner has no quota left.
func (c *Cache) Regenerate(ctx context.Context, subjectID string, kind domain.Kind) (*domain.Ticket, error) {
	if !c.Supports(kind) {
		return nil, ErrUnknownKind
	}
	if !kind.Async() {
		return nil, ErrNotAsync
	}

	subject, err := c.store.GetSubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("get subject: %w", err)
	}
	active, err := c.activeTicket(ctx, subject.ID, kind)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, store.ErrTicketActive
	}
	return c.startGeneration(ctx, subject, kind)
}

func (c *Cache) resolveAsync(
	ctx context.Context,
	subject *domain.Subject,
	kind domain.Kind,
	previous *domain.Payload,
) (Result, error) {
	_, err := c.startGeneration(ctx, subject, kind)
	switch {
	case err == nil, errors.Is(err, store.ErrTicketActive):
		return pending(domain.StatusGenerating, previous, subject), nil
	case errors.Is(err, ErrQuotaExceeded):
		return pending(domain.StatusQuotaExceeded, previous, subject), nil
	default:
		c.logf("generation not started subject_id=%s kind=%s err=%v", subject.ID, kind, err)
		return pending(domain.StatusFailed, previous, subject), nil
	}
}

func (c *Cache) activeTicket(ctx context.Context, subjectID string, kind domain.Kind) (*domain.Ticket, error) {
	ticket, err := c.store.GetTicket(ctx, subjectID, kind)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	if !ticket.Active(c.now(), c.ticketLease) {
		return nil, nil
	}
	return ticket, nil
}

// startGeneration claims the ticket slot for (subject, kind) and queues the
// work. The store's unique ticket row is what keeps two callers from both
// succeeding; the loser gets store.ErrTicketActive.
func (c *Cache) startGeneration(ctx context.Context, subject *domain.Subject, kind domain.Kind) (*domain.Ticket, error) {
	quota, err := c.Quota(ctx, subject.OwnerID)
	if err != nil {
		return nil, err
	}
	if quota.Exceeded {
		return nil, ErrQuotaExceeded
	}

	now := c.now()
	ticket := &domain.Ticket{
		ID:        uuid.NewString(),
		SubjectID: subject.ID,
		OwnerID:   subject.OwnerID,
		Kind:      kind,
		Marker:    subject.Marker,
		State:     domain.TicketGenerating,
		CreatedAt: now,
	}
	if err := c.store.CreateTicket(ctx, ticket, c.ticketLease); err != nil {
		if errors.Is(err, store.ErrTicketActive) {
			return nil, err
		}
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	metrics.TicketsTotal.WithLabelValues(string(kind), "created").Inc()

	err = c.producer.Enqueue(ctx, domain.GenerationMessage{
		TicketID:    ticket.ID,
		SubjectID:   ticket.SubjectID,
		OwnerID:     ticket.OwnerID,
		Kind:        kind,
		Marker:      ticket.Marker,
		RequestedAt: now,
	})
	if err != nil {
		// Nothing will ever pick this ticket up, so free the slot now.
		if deleteErr := c.store.DeleteTicket(context.WithoutCancel(ctx), ticket.ID); deleteErr != nil &&
			!errors.Is(deleteErr, store.ErrNotFound) {
			c.logf("discard unqueued ticket failed ticket_id=%s err=%v", ticket.ID, deleteErr)
		}
		metrics.TicketsTotal.WithLabelValues(string(kind), "failed").Inc()
		return nil, fmt.Errorf("enqueue generation: %w", err)
	}

	c.logf(
		"generation ticket created ticket_id=%s subject_id=%s kind=%s marker=%d",
		ticket.ID,
		ticket.SubjectID,
		kind,
		ticket.Marker,
	)
	return ticket, nil
}

// pending carries the previous payload, if any, alongside a non-ready
// status so clients can keep showing it.
func pending(status domain.Status, previous *domain.Payload, subject *domain.Subject) Result {
	result := Result{Status: status, Marker: domain.NoMarker}
	if previous != nil {
		result.Marker = previous.Marker
		result.Payload = previous
		result.Stale = previous.Marker < subject.Marker
	}
	return result
}
