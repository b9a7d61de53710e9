package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/iago/session-insights/internal/domain"
	"github.com/iago/session-insights/internal/fetch"
	"github.com/iago/session-insights/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeFetcher struct {
	mu       sync.Mutex
	requests []fetch.Request
	respond  func(ctx context.Context, request fetch.Request, call int) (fetch.Response, error)
}

func (f *fakeFetcher) Check(ctx context.Context, request fetch.Request) (fetch.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, request)
	call := len(f.requests)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return fetch.Response{Status: domain.StatusReady, Marker: 1, Payload: []byte(`{}`)}, nil
	}
	return respond(ctx, request, call)
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeFetcher) request(index int) fetch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[index]
}

// expectArm waits for the scheduler to arm its timer, releases it and checks
// the interval.
func expectArm(ctx context.Context, t *testing.T, trap *quartz.Trap, want time.Duration) {
	t.Helper()
	call := trap.MustWait(ctx)
	call.MustRelease(ctx)
	if call.Duration != want {
		t.Fatalf("expected timer armed for %s, got %s", want, call.Duration)
	}
}

func TestVisibilityNotifiesOnChange(t *testing.T) {
	visibility := NewVisibility(true)
	var seen []bool
	cancel := visibility.Subscribe(func(visible bool) { seen = append(seen, visible) })

	visibility.Set(true)
	visibility.Set(false)
	visibility.Set(false)
	visibility.Set(true)
	cancel()
	visibility.Set(false)

	if len(seen) != 2 || seen[0] || !seen[1] {
		t.Fatalf("expected [false true], got %v", seen)
	}
	if visibility.Visible() {
		t.Fatalf("expected hidden")
	}
}

func TestActivityIdleAfterThreshold(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	activity := NewActivity(ActivityConfig{Threshold: 10 * time.Second, Clock: clock})
	if activity.Cadence() != time.Second {
		t.Fatalf("expected a one second cadence, got %s", activity.Cadence())
	}

	var mu sync.Mutex
	var transitions []bool
	activity.Subscribe(func(idle bool) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, idle)
	})

	runCtx, stop := context.WithCancel(ctx)
	waiter := activity.Start(runCtx)
	defer func() {
		stop()
		_ = waiter.Wait()
	}()

	for i := 0; i < 9; i++ {
		clock.Advance(time.Second).MustWait(ctx)
	}
	if activity.Idle() {
		t.Fatalf("expected active before the threshold")
	}
	clock.Advance(time.Second).MustWait(ctx)
	if !activity.Idle() {
		t.Fatalf("expected idle once the threshold elapsed")
	}

	if activity.Observe("window-resize") {
		t.Fatalf("expected unrecognized events to be ignored")
	}
	if !activity.Idle() {
		t.Fatalf("expected still idle")
	}
	if !activity.Observe("KeyDown") || activity.Idle() {
		t.Fatalf("expected a key press to clear idle")
	}

	clock.Advance(time.Second).MustWait(ctx)
	activity.MarkActive()

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || !transitions[0] || transitions[1] {
		t.Fatalf("expected [true false], got %v", transitions)
	}
}

func TestSchedulerSuspendedUntilVisible(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	trap := clock.Trap().AfterFunc("scheduler")
	defer trap.Close()

	fetcher := &fakeFetcher{}
	visibility := NewVisibility(false)
	scheduler := NewScheduler(SchedulerConfig{
		Fetcher:    fetcher,
		View:       fetch.NewView(domain.KindUsage),
		Visibility: visibility,
		Clock:      clock,
	})
	scheduler.SetTarget("s-1")
	scheduler.Start(ctx)
	defer scheduler.Stop()

	clock.Advance(5 * time.Minute).MustWait(ctx)
	if fetcher.count() != 0 || scheduler.State() != StateSuspended || scheduler.Interval() != 0 {
		t.Fatalf("expected no fetches while hidden, got %d in state %s", fetcher.count(), scheduler.State())
	}

	visibility.Set(true)
	expectArm(ctx, t, trap, DefaultActiveInterval)
	if fetcher.count() != 1 {
		t.Fatalf("expected one immediate fetch on becoming visible, got %d", fetcher.count())
	}

	w := clock.Advance(DefaultActiveInterval)
	expectArm(ctx, t, trap, DefaultActiveInterval)
	w.MustWait(ctx)
	if fetcher.count() != 2 {
		t.Fatalf("expected the timer to fetch, got %d", fetcher.count())
	}
	if second := fetcher.request(1); second.Marker != 1 {
		t.Fatalf("expected the observed marker on the timer fetch, got %d", second.Marker)
	}

	visibility.Set(false)
	clock.Advance(DefaultActiveInterval).MustWait(ctx)
	if fetcher.count() != 2 || scheduler.State() != StateSuspended {
		t.Fatalf("expected hiding to cancel the timer, got %d fetches", fetcher.count())
	}
}

func TestSchedulerIdleTransitionReschedulesWithoutFetching(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	trap := clock.Trap().AfterFunc("scheduler")
	defer trap.Close()

	activity := NewActivity(ActivityConfig{Clock: clock})
	activityCtx, stopActivity := context.WithCancel(ctx)
	waiter := activity.Start(activityCtx)
	defer func() {
		stopActivity()
		_ = waiter.Wait()
	}()

	fetcher := &fakeFetcher{}
	scheduler := NewScheduler(SchedulerConfig{
		Fetcher:        fetcher,
		View:           fetch.NewView(domain.KindUsage),
		Activity:       activity,
		ActiveInterval: 24 * time.Second,
		Clock:          clock,
	})
	scheduler.SetTarget("s-1")
	scheduler.Start(ctx)
	defer scheduler.Stop()
	expectArm(ctx, t, trap, 24*time.Second)

	// Idle checks run every 6s; scheduled fetches land at 24s and 48s.
	for step := 1; step <= 10; step++ {
		w := clock.Advance(6 * time.Second)
		switch step {
		case 4, 8:
			expectArm(ctx, t, trap, 24*time.Second)
		case 10:
			expectArm(ctx, t, trap, DefaultPassiveInterval)
		}
		w.MustWait(ctx)
	}
	if scheduler.State() != StatePassive || fetcher.count() != 3 {
		t.Fatalf("expected passive after 60s idle with 3 fetches, got %s with %d", scheduler.State(), fetcher.count())
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		activity.Observe("mousemove")
	}()
	expectArm(ctx, t, trap, 24*time.Second)
	<-done
	if scheduler.State() != StateActive || fetcher.count() != 3 {
		t.Fatalf("expected active again without a fetch, got %s with %d", scheduler.State(), fetcher.count())
	}
}

func TestSchedulerGeneratingOverrideAndRefresh(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	trap := clock.Trap().AfterFunc("scheduler")
	defer trap.Close()

	fetcher := &fakeFetcher{
		respond: func(_ context.Context, _ fetch.Request, call int) (fetch.Response, error) {
			if call == 1 {
				return fetch.Response{Status: domain.StatusGenerating, Marker: domain.NoMarker}, nil
			}
			return fetch.Response{Status: domain.StatusReady, Marker: 3, Payload: []byte(`{"recap":"ok"}`)}, nil
		},
	}
	scheduler := NewScheduler(SchedulerConfig{
		Fetcher:  fetcher,
		View:     fetch.NewView(domain.KindRecap),
		Override: GeneratingOverride(0),
		Clock:    clock,
	})
	scheduler.SetTarget("s-1")
	scheduler.Start(ctx)
	defer scheduler.Stop()

	expectArm(ctx, t, trap, DefaultGeneratingInterval)
	if scheduler.Interval() != DefaultGeneratingInterval {
		t.Fatalf("expected the generating override, got %s", scheduler.Interval())
	}

	w := clock.Advance(DefaultGeneratingInterval)
	expectArm(ctx, t, trap, DefaultActiveInterval)
	w.MustWait(ctx)
	if second := fetcher.request(1); second.Marker != domain.NoMarker {
		t.Fatalf("expected the marker bypassed while generating, got %d", second.Marker)
	}

	clock.Advance(10 * time.Second).MustWait(ctx)
	scheduler.Refresh()
	expectArm(ctx, t, trap, DefaultActiveInterval)
	if fetcher.count() != 3 || fetcher.request(2).Marker != domain.NoMarker {
		t.Fatalf("expected a forced refresh fetch, got %d", fetcher.count())
	}

	// The timer armed before the refresh would have fired here.
	clock.Advance(20 * time.Second).MustWait(ctx)
	if fetcher.count() != 3 {
		t.Fatalf("expected a single live timer after refresh, got %d fetches", fetcher.count())
	}

	w = clock.Advance(10 * time.Second)
	expectArm(ctx, t, trap, DefaultActiveInterval)
	w.MustWait(ctx)
	if fetcher.count() != 4 || fetcher.request(3).Marker != 3 {
		t.Fatalf("expected the rescheduled fetch with marker 3, got %d", fetcher.count())
	}
}

func TestSchedulerDiscardsResponseForPreviousTarget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	trap := clock.Trap().AfterFunc("scheduler")
	defer trap.Close()

	started := make(chan struct{})
	gate := make(chan struct{})
	fetcher := &fakeFetcher{
		respond: func(_ context.Context, request fetch.Request, _ int) (fetch.Response, error) {
			if request.SubjectID == "a" {
				close(started)
				<-gate
				return fetch.Response{Status: domain.StatusReady, Marker: 9, Payload: []byte(`{"subject":"a"}`)}, nil
			}
			return fetch.Response{Status: domain.StatusReady, Marker: 2, Payload: []byte(`{"subject":"b"}`)}, nil
		},
	}
	updates := make(chan fetch.Snapshot, 4)
	view := fetch.NewView(domain.KindUsage)
	scheduler := NewScheduler(SchedulerConfig{
		Fetcher: fetcher,
		View:    view,
		Clock:   clock,
		OnUpdate: func(_ string, _ fetch.Outcome, snapshot fetch.Snapshot) {
			updates <- snapshot
		},
	})
	scheduler.SetTarget("a")
	scheduler.Start(ctx)
	defer scheduler.Stop()
	<-started

	scheduler.SetTarget("b")
	select {
	case snapshot := <-updates:
		if snapshot.SubjectID != "b" || snapshot.Marker != 2 {
			t.Fatalf("unexpected update %+v", snapshot)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for the new target to be fetched")
	}

	discarded := metrics.PollFetchesTotal.WithLabelValues(TriggerVisible, string(fetch.OutcomeDiscarded))
	before := testutil.ToFloat64(discarded)
	close(gate)
	expectArm(ctx, t, trap, DefaultActiveInterval)

	if got := testutil.ToFloat64(discarded) - before; got != 1 {
		t.Fatalf("expected the late response discarded, got %v", got)
	}
	snapshot := view.Snapshot()
	if snapshot.SubjectID != "b" || snapshot.Marker != 2 || string(snapshot.Payload) != `{"subject":"b"}` {
		t.Fatalf("expected state for b untouched, got %+v", snapshot)
	}
	if len(updates) != 0 {
		t.Fatalf("expected no update for the discarded response")
	}
}

func TestSchedulerKeepsPollingAfterFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	trap := clock.Trap().AfterFunc("scheduler")
	defer trap.Close()

	var mu sync.Mutex
	var failures []string
	fetcher := &fakeFetcher{
		respond: func(_ context.Context, _ fetch.Request, call int) (fetch.Response, error) {
			if call == 1 {
				return fetch.Response{}, errors.New("connection refused")
			}
			return fetch.Response{Status: domain.StatusReady, Marker: 5, Payload: []byte(`{}`)}, nil
		},
	}
	scheduler := NewScheduler(SchedulerConfig{
		Fetcher: fetcher,
		Clock:   clock,
		OnError: func(trigger string, _ error) {
			mu.Lock()
			defer mu.Unlock()
			failures = append(failures, trigger)
		},
	})
	scheduler.SetTarget("s-1")
	scheduler.Start(ctx)
	defer scheduler.Stop()

	expectArm(ctx, t, trap, DefaultActiveInterval)
	w := clock.Advance(DefaultActiveInterval)
	expectArm(ctx, t, trap, DefaultActiveInterval)
	w.MustWait(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 || failures[0] != TriggerVisible {
		t.Fatalf("expected one surfaced failure, got %v", failures)
	}
	if snapshot := scheduler.View().Snapshot(); snapshot.Marker != 5 {
		t.Fatalf("expected the next tick to recover, got %+v", snapshot)
	}
}

func TestSchedulerStopDropsLateResponse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	started := make(chan struct{})
	fetcher := &fakeFetcher{
		respond: func(fetchCtx context.Context, _ fetch.Request, _ int) (fetch.Response, error) {
			close(started)
			<-fetchCtx.Done()
			return fetch.Response{Status: domain.StatusReady, Marker: 4, Payload: []byte(`{}`)}, nil
		},
	}
	updated := false
	scheduler := NewScheduler(SchedulerConfig{
		Fetcher: fetcher,
		Clock:   clock,
		OnUpdate: func(string, fetch.Outcome, fetch.Snapshot) {
			updated = true
		},
	})
	scheduler.SetTarget("s-1")
	scheduler.Start(ctx)
	<-started

	scheduler.Stop()
	if updated {
		t.Fatalf("expected the response after teardown to be dropped")
	}
	if snapshot := scheduler.View().Snapshot(); snapshot.SubjectID != "" || snapshot.Fetched {
		t.Fatalf("expected a cleared view, got %+v", snapshot)
	}
	if scheduler.State() != StateSuspended || scheduler.Interval() != 0 {
		t.Fatalf("expected a stopped scheduler")
	}
}

func TestSchedulerRestartIgnoresEarlierContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	scheduler := NewScheduler(SchedulerConfig{Fetcher: &fakeFetcher{}, Clock: clock})
	scheduler.SetTarget("s-1")

	firstCtx, cancelFirst := context.WithCancel(ctx)
	scheduler.Start(firstCtx)
	scheduler.mu.Lock()
	firstRun := scheduler.runs
	scheduler.mu.Unlock()
	scheduler.Stop()

	secondCtx, cancelSecond := context.WithCancel(ctx)
	defer cancelSecond()
	scheduler.Start(secondCtx)
	defer scheduler.Stop()

	// The first run's cancellation may still be on its way when the
	// scheduler is restarted.
	cancelFirst()
	scheduler.stop(firstRun)
	if scheduler.State() == StateSuspended {
		t.Fatalf("expected the restarted scheduler to keep polling")
	}

	cancelSecond()
	for scheduler.State() != StateSuspended {
		select {
		case <-ctx.Done():
			t.Fatalf("expected cancelling the current context to stop polling")
		case <-time.After(time.Millisecond):
		}
	}
}
