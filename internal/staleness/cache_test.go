package staleness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/iago/session-insights/internal/domain"
	"github.com/iago/session-insights/internal/store"
)

type countingComputer struct {
	calls atomic.Int32
	fail  atomic.Bool
	hook  func(lines []string)
}

func (c *countingComputer) Compute(_ context.Context, _ domain.Subject, lines []string) (json.RawMessage, error) {
	c.calls.Add(1)
	if c.hook != nil {
		c.hook(lines)
	}
	if c.fail.Load() {
		return nil, errors.New("compute failed")
	}
	return json.RawMessage(fmt.Sprintf(`{"lines":%d}`, len(lines))), nil
}

type recordingProducer struct {
	mu       sync.Mutex
	messages []domain.GenerationMessage
	err      error
}

func (p *recordingProducer) Enqueue(_ context.Context, message domain.GenerationMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, message)
	return nil
}

func (p *recordingProducer) sent() []domain.GenerationMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.GenerationMessage(nil), p.messages...)
}

type fixture struct {
	clock    *quartz.Mock
	store    *store.MemoryStore
	computer *countingComputer
	producer *recordingProducer
	cache    *Cache
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)).MustWait(context.Background())

	memory := store.NewMemoryStore().WithClock(func() time.Time { return clock.Now() })
	f := &fixture{
		clock:    clock,
		store:    memory,
		computer: &countingComputer{},
		producer: &recordingProducer{},
	}
	config := Config{
		Store:       memory,
		Producer:    f.producer,
		Computers:   map[domain.Kind]Computer{domain.KindUsage: f.computer},
		TicketLease: 90 * time.Second,
		Clock:       clock,
	}
	if mutate != nil {
		mutate(&config)
	}
	f.cache = New(config)
	return f
}

func (f *fixture) append(t *testing.T, subjectID string, lines ...string) *domain.Subject {
	t.Helper()
	subject, err := f.store.AppendLines(context.Background(), subjectID, "owner-1", lines)
	if err != nil {
		t.Fatalf("append lines: %v", err)
	}
	return subject
}

func (f *fixture) resolve(t *testing.T, subjectID string, kind domain.Kind, marker int64) Result {
	t.Helper()
	result, err := f.cache.Resolve(context.Background(), subjectID, kind, marker)
	if err != nil {
		t.Fatalf("resolve %s/%s: %v", subjectID, kind, err)
	}
	return result
}

func TestResolveRecomputesOnlyWhenBehind(t *testing.T) {
	f := newFixture(t, nil)
	f.append(t, "s-1", "a", "b")

	first := f.resolve(t, "s-1", domain.KindUsage, domain.NoMarker)
	if first.Unchanged || first.Status != domain.StatusReady || first.Marker != 2 || first.Stale {
		t.Fatalf("unexpected first result %+v", first)
	}
	if string(first.Payload.Body) != `{"lines":2}` {
		t.Fatalf("unexpected body %s", first.Payload.Body)
	}

	for i := 0; i < 3; i++ {
		again := f.resolve(t, "s-1", domain.KindUsage, 2)
		if !again.Unchanged || again.Marker != 2 {
			t.Fatalf("expected unchanged for an up to date client, got %+v", again)
		}
	}

	// A client that is behind the cache is served without recomputing.
	behind := f.resolve(t, "s-1", domain.KindUsage, 1)
	if behind.Unchanged || behind.Marker != 2 {
		t.Fatalf("expected cached payload for a lagging client, got %+v", behind)
	}
	if calls := f.computer.calls.Load(); calls != 1 {
		t.Fatalf("expected a single computation, got %d", calls)
	}

	f.append(t, "s-1", "c")
	advanced := f.resolve(t, "s-1", domain.KindUsage, 2)
	if advanced.Unchanged || advanced.Marker != 3 || string(advanced.Payload.Body) != `{"lines":3}` {
		t.Fatalf("expected recompute after the subject advanced, got %+v", advanced)
	}
	if calls := f.computer.calls.Load(); calls != 2 {
		t.Fatalf("expected two computations, got %d", calls)
	}
}

func TestResolveRejectsUnknownInputs(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.cache.Resolve(context.Background(), "missing", domain.KindUsage, domain.NoMarker); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.cache.Resolve(context.Background(), "missing", domain.Kind("timeline"), domain.NoMarker); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected unknown kind, got %v", err)
	}

	withoutQueue := newFixture(t, func(config *Config) { config.Producer = nil })
	f.append(t, "s-1", "a")
	if _, err := withoutQueue.cache.Resolve(context.Background(), "s-1", domain.KindRecap, domain.NoMarker); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected async kind without a queue to be unknown, got %v", err)
	}
}

func TestResolveComputeFailureKeepsPreviousPayload(t *testing.T) {
	f := newFixture(t, nil)
	f.append(t, "s-1", "a")
	f.resolve(t, "s-1", domain.KindUsage, domain.NoMarker)

	f.append(t, "s-1", "b")
	f.computer.fail.Store(true)

	result := f.resolve(t, "s-1", domain.KindUsage, domain.NoMarker)
	if result.Status != domain.StatusReady || !result.Stale || result.Marker != 1 {
		t.Fatalf("expected previous payload served stale, got %+v", result)
	}
	stored, err := f.store.GetPayload(context.Background(), "s-1", domain.KindUsage)
	if err != nil || stored.Marker != 1 || string(stored.Body) != `{"lines":1}` {
		t.Fatalf("expected stored payload untouched, got %+v err=%v", stored, err)
	}

	f.append(t, "s-2", "a")
	empty := f.resolve(t, "s-2", domain.KindUsage, domain.NoMarker)
	if empty.Status != domain.StatusFailed || empty.Payload != nil || empty.Marker != domain.NoMarker {
		t.Fatalf("expected failed without a previous payload, got %+v", empty)
	}

	f.computer.fail.Store(false)
	recovered := f.resolve(t, "s-2", domain.KindUsage, domain.NoMarker)
	if recovered.Status != domain.StatusReady || recovered.Marker != 1 {
		t.Fatalf("expected the next resolve to retry, got %+v", recovered)
	}
}

func TestResolvePolicyDefersRecompute(t *testing.T) {
	f := newFixture(t, func(config *Config) {
		config.Policies = map[domain.Kind]Policy{
			domain.KindUsage: {MinAge: time.Minute, MinDeltaBytes: 100},
		}
	})
	f.append(t, "s-1", "a")
	f.resolve(t, "s-1", domain.KindUsage, domain.NoMarker)

	f.append(t, "s-1", "b")
	deferred := f.resolve(t, "s-1", domain.KindUsage, 1)
	if !deferred.Unchanged {
		t.Fatalf("expected a deferred payload the client holds to be unchanged, got %+v", deferred)
	}
	served := f.resolve(t, "s-1", domain.KindUsage, domain.NoMarker)
	if !served.Stale || served.Marker != 1 {
		t.Fatalf("expected stale payload while settling, got %+v", served)
	}
	if calls := f.computer.calls.Load(); calls != 1 {
		t.Fatalf("expected no recompute while settling, got %d", calls)
	}

	f.clock.Advance(time.Minute).MustWait(context.Background())
	settled := f.resolve(t, "s-1", domain.KindUsage, 1)
	if settled.Stale || settled.Marker != 2 {
		t.Fatalf("expected recompute after the settle age, got %+v", settled)
	}

	f.append(t, "s-1", string(make([]byte, 150)))
	grown := f.resolve(t, "s-1", domain.KindUsage, 2)
	if grown.Marker != 3 {
		t.Fatalf("expected recompute once the delta threshold is crossed, got %+v", grown)
	}
}

func TestResolveTagsMarkerItComputedAgainst(t *testing.T) {
	f := newFixture(t, nil)
	f.append(t, "s-1", "a", "b")

	var once sync.Once
	f.computer.hook = func([]string) {
		once.Do(func() { f.append(t, "s-1", "c") })
	}

	result := f.resolve(t, "s-1", domain.KindUsage, domain.NoMarker)
	if result.Marker != 2 || string(result.Payload.Body) != `{"lines":2}` {
		t.Fatalf("expected payload tagged with the lines it saw, got %+v", result)
	}

	subject, _ := f.store.GetSubject(context.Background(), "s-1")
	stored, _ := f.store.GetPayload(context.Background(), "s-1", domain.KindUsage)
	if stored.Marker > subject.Marker {
		t.Fatalf("stored marker %d ahead of subject %d", stored.Marker, subject.Marker)
	}

	next := f.resolve(t, "s-1", domain.KindUsage, 2)
	if next.Marker != 3 {
		t.Fatalf("expected the concurrent append to be picked up next, got %+v", next)
	}
}

func TestResolveIgnoresOutdatedSchemaVersion(t *testing.T) {
	f := newFixture(t, nil)
	f.append(t, "s-1", "a")

	err := f.store.PutPayload(context.Background(), &domain.Payload{
		SubjectID: "s-1",
		Kind:      domain.KindUsage,
		Version:   domain.KindUsage.Version() - 1,
		Marker:    1,
		Body:      json.RawMessage(`{"old":true}`),
	})
	if err != nil {
		t.Fatalf("seed payload: %v", err)
	}

	result := f.resolve(t, "s-1", domain.KindUsage, 1)
	if result.Unchanged || string(result.Payload.Body) != `{"lines":1}` {
		t.Fatalf("expected outdated payload to be rebuilt, got %+v", result)
	}
}

func TestResolveConcurrentCallsComputeOnce(t *testing.T) {
	f := newFixture(t, nil)
	// A second cache on the same store stands in for another process.
	other := New(Config{
		Store:     f.store,
		Computers: map[domain.Kind]Computer{domain.KindUsage: f.computer},
		Clock:     f.clock,
	})
	f.append(t, "s-1", "a", "b")

	started := make(chan struct{})
	release := make(chan struct{})
	var startOnce sync.Once
	f.computer.hook = func([]string) {
		startOnce.Do(func() { close(started) })
		<-release
	}

	caches := []*Cache{f.cache, other}
	results := make(chan Result, 16)
	errs := make(chan error, 16)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(cache *Cache) {
			defer wg.Done()
			result, err := cache.Resolve(context.Background(), "s-1", domain.KindUsage, domain.NoMarker)
			if err != nil {
				errs <- err
				return
			}
			results <- result
		}(caches[i%2])
	}

	<-started
	close(release)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("resolve: %v", err)
	}
	for result := range results {
		if result.Status != domain.StatusReady || result.Marker != 2 {
			t.Fatalf("unexpected concurrent result %+v", result)
		}
	}
	if calls := f.computer.calls.Load(); calls != 1 {
		t.Fatalf("expected exactly one computation, got %d", calls)
	}
}

func TestPolicyDefer(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	payload := &domain.Payload{
		Kind:       domain.KindRecap,
		Version:    domain.KindRecap.Version(),
		Marker:     10,
		RawBytes:   1000,
		ComputedAt: now.Add(-5 * time.Minute),
	}
	subject := &domain.Subject{Marker: 12, RawBytes: 1200}

	cases := []struct {
		name   string
		policy Policy
		want   bool
	}{
		{name: "zero policy", policy: Policy{}, want: false},
		{name: "young by age", policy: Policy{MinAge: 10 * time.Minute}, want: true},
		{name: "old by age", policy: Policy{MinAge: time.Minute}, want: false},
		{name: "young and small delta", policy: Policy{MinAge: 10 * time.Minute, MinDeltaBytes: 500}, want: true},
		{name: "young but large delta", policy: Policy{MinAge: 10 * time.Minute, MinDeltaBytes: 100}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.policy.Defer(payload, subject, now); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}

	fresh := *subject
	fresh.Marker = 10
	if (Policy{MinAge: time.Hour}).Defer(payload, &fresh, now) {
		t.Fatalf("a fresh payload is never deferred")
	}
}
