package worker

import (
	"context"
	"log"
	"time"

	"github.com/coder/quartz"
	"github.com/iago/session-insights/internal/domain"
	"github.com/iago/session-insights/internal/staleness"
	"github.com/iago/session-insights/internal/store"
)

// Resolver is the part of the staleness cache the precompute loop drives.
type Resolver interface {
	Supports(kind domain.Kind) bool
	Resolve(ctx context.Context, subjectID string, kind domain.Kind, clientMarker int64) (staleness.Result, error)
}

type PrecomputeConfig struct {
	Subjects    store.SubjectStore
	Resolver    Resolver
	Kinds       []domain.Kind
	Interval    time.Duration
	MaxSubjects int
	DryRun      bool
	Clock       quartz.Clock
	Logger      *log.Logger
}

// Precompute periodically resolves subjects whose payloads fell behind, so
// the first viewer after a burst of ingestion does not pay for it. Async
// kinds go through the same ticket and quota rules as a viewer's request.
type Precompute struct {
	subjects    store.SubjectStore
	resolver    Resolver
	kinds       []domain.Kind
	interval    time.Duration
	maxSubjects int
	dryRun      bool
	clock       quartz.Clock
	logger      *log.Logger
}

// PrecomputeSummary counts what one cycle did per outcome.
type PrecomputeSummary struct {
	Found    int
	Outcomes map[string]int
	Errors   int
}

func NewPrecompute(config PrecomputeConfig) *Precompute {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.MaxSubjects <= 0 {
		config.MaxSubjects = 50
	}
	if len(config.Kinds) == 0 {
		config.Kinds = []domain.Kind{domain.KindUsage, domain.KindRecap}
	}
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}
	return &Precompute{
		subjects:    config.Subjects,
		resolver:    config.Resolver,
		kinds:       config.Kinds,
		interval:    config.Interval,
		maxSubjects: config.MaxSubjects,
		dryRun:      config.DryRun,
		clock:       config.Clock,
		logger:      config.Logger,
	}
}

// Run executes one cycle immediately and then one per interval until ctx is
// done.
func (w *Precompute) Run(ctx context.Context) {
	w.RunOnce(ctx)

	waiter := w.clock.TickerFunc(ctx, w.interval, func() error {
		w.RunOnce(ctx)
		return nil
	}, "precompute")
	_ = waiter.Wait()
}

func (w *Precompute) RunOnce(ctx context.Context) PrecomputeSummary {
	summary := PrecomputeSummary{Outcomes: make(map[string]int)}

	for _, kind := range w.kinds {
		if ctx.Err() != nil {
			return summary
		}
		if !w.resolver.Supports(kind) {
			continue
		}

		behind, err := w.subjects.ListBehind(ctx, kind, w.maxSubjects)
		if err != nil {
			w.logf("precompute list failed kind=%s err=%v", kind, err)
			summary.Errors++
			continue
		}
		summary.Found += len(behind)

		for _, subject := range behind {
			if w.dryRun {
				w.logf("[dry-run] would precompute subject_id=%s kind=%s marker=%d", subject.ID, kind, subject.Marker)
				continue
			}
			result, err := w.resolver.Resolve(ctx, subject.ID, kind, domain.NoMarker)
			if err != nil {
				w.logf("precompute failed subject_id=%s kind=%s err=%v", subject.ID, kind, err)
				summary.Errors++
				continue
			}
			outcome := string(result.Status)
			if result.Status == domain.StatusReady && result.Stale {
				outcome = "stale"
			}
			summary.Outcomes[outcome]++
		}
	}

	if summary.Found > 0 {
		w.logf("precompute cycle found=%d outcomes=%v errors=%d dry_run=%t", summary.Found, summary.Outcomes, summary.Errors, w.dryRun)
	}
	return summary
}

func (w *Precompute) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
