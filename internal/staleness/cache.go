package staleness

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
	"golang.org/x/sync/singleflight"
)

var (
	ErrUnknownKind   = errors.New("unknown payload kind")
	ErrQuotaExceeded = errors.New("generation quota exceeded")
	ErrNotAsync      = errors.New("payload kind is computed inline")
)

// Computer derives a payload body from the first len(lines) transcript lines
// of subject.
type Computer interface {
	Compute(ctx context.Context, subject domain.Subject, lines []string) (json.RawMessage, error)
}

type Config struct {
	Store store.Store
	// Producer receives generation work for async kinds. Without one, async
	// kinds are reported as unknown.
	Producer  queue.Producer
	Computers map[domain.Kind]Computer
	Policies  map[domain.Kind]Policy
	// QuotaLimit caps committed generations per owner and month. Zero is
	// unlimited.
	QuotaLimit     int
	TicketLease    time.Duration
	ComputeTimeout time.Duration
	Clock          quartz.Clock
	Logger         *log.Logger
}

// Result is the outcome of one Resolve. When Unchanged is set the caller
// already holds the payload tagged Marker and nothing else is filled in.
type Result struct {
	Unchanged bool
	Status    domain.Status
	Marker    int64
	Stale     bool
	Payload   *domain.Payload
}

// Cache decides per request whether a derived payload can be served from
// storage or must be rebuilt, and owns the generation tickets of async kinds.
type Cache struct {
	store          store.Store
	producer       queue.Producer
	computers      map[domain.Kind]Computer
	policies       map[domain.Kind]Policy
	quotaLimit     int
	ticketLease    time.Duration
	computeTimeout time.Duration
	clock          quartz.Clock
	logger         *log.Logger

	group singleflight.Group
}

func New(config Config) *Cache {
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}
	if config.ComputeTimeout <= 0 {
		config.ComputeTimeout = 30 * time.Second
	}
	if config.Computers == nil {
		config.Computers = map[domain.Kind]Computer{}
	}
	if config.Policies == nil {
		config.Policies = map[domain.Kind]Policy{}
	}
	return &Cache{
		store:          config.Store,
		producer:       config.Producer,
		computers:      config.Computers,
		policies:       config.Policies,
		quotaLimit:     config.QuotaLimit,
		ticketLease:    config.TicketLease,
		computeTimeout: config.ComputeTimeout,
		clock:          config.Clock,
		logger:         config.Logger,
	}
}

// Supports reports whether kind can be resolved by this cache.
func (c *Cache) Supports(kind domain.Kind) bool {
	if kind.Async() {
		return c.producer != nil && kind.Version() > 0
	}
	_, ok := c.computers[kind]
	return ok
}

// Resolve returns the payload of kind for subjectID. clientMarker is the
// marker the caller last observed, or domain.NoMarker.
//
// A payload tagged with the subject's current marker is served as is, or as
// Unchanged when the caller already holds it. A payload that is behind is
// either served stale under the kind's Policy or rebuilt: inline for sync
// kinds, through a generation ticket for async kinds. While an async kind has
// an active ticket the result is generating, whatever the payload's marker.
func (c *Cache) Resolve(
	ctx context.Context,
	subjectID string,
	kind domain.Kind,
	clientMarker int64,
) (Result, error) {
	if !c.Supports(kind) {
		return Result{}, ErrUnknownKind
	}

	subject, err := c.store.GetSubject(ctx, subjectID)
	if err != nil {
		return Result{}, fmt.Errorf("get subject: %w", err)
	}
	payload, err := c.currentPayload(ctx, subjectID, kind)
	if err != nil {
		return Result{}, err
	}

	// A running generation takes precedence over a fresh payload: a forced
	// regeneration commits at the same marker, so clients have to be told to
	// stop sending it.
	var active *domain.Ticket
	if kind.Async() {
		if active, err = c.activeTicket(ctx, subject.ID, kind); err != nil {
			return Result{}, err
		}
	}

	var result Result
	switch {
	case active != nil:
		result = pending(domain.StatusGenerating, payload, subject)
	case payload.FreshFor(subject.Marker):
		result = ready(payload, subject, clientMarker)
	case c.policies[kind].Defer(payload, subject, c.now()):
		result = ready(payload, subject, clientMarker)
	case kind.Async():
		result, err = c.resolveAsync(ctx, subject, kind, payload)
	default:
		result, err = c.resolveSync(ctx, subject, kind, payload, clientMarker)
	}
	if err != nil {
		return Result{}, err
	}

	metrics.ResolveTotal.WithLabelValues(string(kind), outcome(result)).Inc()
	return result, nil
}

func (c *Cache) resolveSync(
	ctx context.Context,
	subject *domain.Subject,
	kind domain.Kind,
	previous *domain.Payload,
	clientMarker int64,
) (Result, error) {
	value, err, _ := c.group.Do(lockKey(subject.ID, kind), func() (any, error) {
		// Callers that leave early must not abort the computation the others
		// are waiting on.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.computeTimeout)
		defer cancel()
		return c.recompute(runCtx, subject.ID, kind)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, fmt.Errorf("recompute %s: %w", kind, err)
		}
		c.logf("recompute failed subject_id=%s kind=%s err=%v", subject.ID, kind, err)
		if previous != nil {
			result := ready(previous, subject, clientMarker)
			result.Stale = true
			return result, nil
		}
		return Result{Status: domain.StatusFailed, Marker: domain.NoMarker}, nil
	}

	payload := domain.ClonePayload(value.(*domain.Payload))
	return ready(payload, subject, clientMarker), nil
}

// recompute rebuilds the payload while holding the per-key lock. The subject
// is re-read under the lock and the payload is tagged with the number of
// lines it was computed from, so it never claims a marker the data has not
// reached.
func (c *Cache) recompute(ctx context.Context, subjectID string, kind domain.Kind) (*domain.Payload, error) {
	unlock, err := c.store.Lock(ctx, subjectID, kind)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", kind, err)
	}
	defer unlock()

	subject, err := c.store.GetSubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("get subject: %w", err)
	}
	stored, err := c.currentPayload(ctx, subjectID, kind)
	if err != nil {
		return nil, err
	}
	if stored.FreshFor(subject.Marker) {
		return stored, nil
	}

	lines, err := c.store.ReadLines(ctx, subjectID, subject.Marker)
	if err != nil {
		return nil, fmt.Errorf("read lines: %w", err)
	}

	started := time.Now()
	body, err := c.computers[kind].Compute(ctx, *subject, lines)
	metrics.ObserveRecompute(string(kind), started, err)
	if err != nil {
		return nil, fmt.Errorf("compute %s: %w", kind, err)
	}

	payload := &domain.Payload{
		SubjectID:  subjectID,
		Kind:       kind,
		Version:    kind.Version(),
		Marker:     int64(len(lines)),
		RawBytes:   byteSize(lines),
		Body:       body,
		ComputedAt: c.now(),
	}
	if err := c.store.PutPayload(ctx, payload); err != nil {
		return nil, fmt.Errorf("put payload: %w", err)
	}
	c.logf(
		"payload recomputed subject_id=%s kind=%s marker=%d took=%s",
		subjectID,
		kind,
		payload.Marker,
		time.Since(started).Round(time.Millisecond),
	)
	return payload, nil
}

// currentPayload returns the stored payload, or nil when there is none or it
// was built with another schema version.
func (c *Cache) currentPayload(ctx context.Context, subjectID string, kind domain.Kind) (*domain.Payload, error) {
	payload, err := c.store.GetPayload(ctx, subjectID, kind)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payload: %w", err)
	}
	if !payload.Current() {
		return nil, nil
	}
	return payload, nil
}

func ready(payload *domain.Payload, subject *domain.Subject, clientMarker int64) Result {
	if clientMarker != domain.NoMarker && clientMarker == payload.Marker {
		return Result{Unchanged: true, Status: domain.StatusReady, Marker: payload.Marker}
	}
	return Result{
		Status:  domain.StatusReady,
		Marker:  payload.Marker,
		Stale:   payload.Marker < subject.Marker,
		Payload: payload,
	}
}

func outcome(result Result) string {
	switch {
	case result.Unchanged:
		return "unchanged"
	case result.Status == domain.StatusReady && result.Stale:
		return "stale"
	default:
		return string(result.Status)
	}
}

func (c *Cache) now() time.Time {
	return c.clock.Now().UTC()
}

func (c *Cache) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func lockKey(subjectID string, kind domain.Kind) string {
	return subjectID + "/" + string(kind)
}

func byteSize(lines []string) int64 {
	var total int64
	for _, line := range lines {
		total += int64(len(line))
	}
	return total
}
