package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/coder/quartz"
	"github.com/iago/session-insights/internal/domain"
	"github.com/iago/session-insights/internal/metrics"
	"github.com/iago/session-insights/internal/queue"
	"github.com/iago/session-insights/internal/store"
)

// Generator produces the payload body of an async kind.
type Generator interface {
	Generate(ctx context.Context, subject domain.Subject, lines []string) (json.RawMessage, error)
}

type ProcessorConfig struct {
	Consumer        queue.Consumer
	Store           store.Store
	Generators      map[domain.Kind]Generator
	GenerateTimeout time.Duration
	Clock           quartz.Clock
	Logger          *log.Logger
}

// Processor consumes generation messages and settles their tickets: a
// successful generation is committed together with the quota charge, a
// failed one discards the ticket so the next resolve can start over.
type Processor struct {
	consumer        queue.Consumer
	store           store.Store
	generators      map[domain.Kind]Generator
	generateTimeout time.Duration
	clock           quartz.Clock
	logger          *log.Logger
}

func NewProcessor(config ProcessorConfig) *Processor {
	if config.GenerateTimeout <= 0 {
		config.GenerateTimeout = 60 * time.Second
	}
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}
	return &Processor{
		consumer:        config.Consumer,
		store:           config.Store,
		generators:      config.Generators,
		generateTimeout: config.GenerateTimeout,
		clock:           config.Clock,
		logger:          config.Logger,
	}
}

func (p *Processor) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logf("worker consume loop error: %v", err)

		timer := p.clock.NewTimer(2*time.Second, "processor", "backoff")
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// processMessage returns an error only when the ticket could not be read, so
// the queue retries. Every other outcome settles the ticket.
func (p *Processor) processMessage(ctx context.Context, message domain.GenerationMessage) error {
	ticket, err := p.store.GetTicket(ctx, message.SubjectID, message.Kind)
	if errors.Is(err, store.ErrNotFound) || (err == nil && ticket.ID != message.TicketID) {
		p.logf("generation skipped, ticket superseded ticket_id=%s subject_id=%s", message.TicketID, message.SubjectID)
		metrics.TicketsTotal.WithLabelValues(string(message.Kind), "superseded").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("load ticket %s: %w", message.TicketID, err)
	}

	started := time.Now()
	payload, genErr := p.generate(ctx, ticket)
	metrics.ObserveRecompute(string(ticket.Kind), started, genErr)
	if genErr != nil {
		p.discard(ctx, ticket, genErr)
		return nil
	}

	commitCtx := context.WithoutCancel(ctx)
	err = p.store.CommitTicket(commitCtx, ticket.ID, payload, domain.QuotaMonth(p.clock.Now()))
	if errors.Is(err, store.ErrTicketSuperseded) {
		p.logf("generation result dropped, ticket superseded ticket_id=%s", ticket.ID)
		metrics.TicketsTotal.WithLabelValues(string(ticket.Kind), "superseded").Inc()
		return nil
	}
	if err != nil {
		p.discard(ctx, ticket, fmt.Errorf("commit ticket: %w", err))
		return nil
	}

	metrics.TicketsTotal.WithLabelValues(string(ticket.Kind), "committed").Inc()
	p.logf(
		"generation committed ticket_id=%s subject_id=%s kind=%s marker=%d took=%s",
		ticket.ID,
		ticket.SubjectID,
		ticket.Kind,
		payload.Marker,
		time.Since(started).Round(time.Millisecond),
	)
	return nil
}

func (p *Processor) generate(ctx context.Context, ticket *domain.Ticket) (*domain.Payload, error) {
	generator, ok := p.generators[ticket.Kind]
	if !ok {
		return nil, fmt.Errorf("no generator for kind %s", ticket.Kind)
	}

	subject, err := p.store.GetSubject(ctx, ticket.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("get subject: %w", err)
	}
	// The payload reflects the subject as it was when the ticket was taken,
	// even if more lines arrived since.
	lines, err := p.store.ReadLines(ctx, ticket.SubjectID, ticket.Marker)
	if err != nil {
		return nil, fmt.Errorf("read lines: %w", err)
	}
	subject.Marker = int64(len(lines))

	genCtx, cancel := context.WithTimeout(ctx, p.generateTimeout)
	defer cancel()
	body, err := generator.Generate(genCtx, *subject, lines)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", ticket.Kind, err)
	}

	var size int64
	for _, line := range lines {
		size += int64(len(line))
	}
	return &domain.Payload{
		SubjectID:  ticket.SubjectID,
		Kind:       ticket.Kind,
		Version:    ticket.Kind.Version(),
		Marker:     int64(len(lines)),
		RawBytes:   size,
		Body:       body,
		ComputedAt: p.clock.Now().UTC(),
	}, nil
}

func (p *Processor) discard(ctx context.Context, ticket *domain.Ticket, cause error) {
	metrics.TicketsTotal.WithLabelValues(string(ticket.Kind), "failed").Inc()
	p.logf("generation failed ticket_id=%s subject_id=%s err=%v", ticket.ID, ticket.SubjectID, cause)

	err := p.store.DeleteTicket(context.WithoutCancel(ctx), ticket.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		p.logf("discard ticket failed ticket_id=%s err=%v", ticket.ID, err)
	}
}

func (p *Processor) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
