package poll

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/iago/session-insights/internal/domain"
	"github.com/iago/session-insights/internal/fetch"
	"github.com/iago/session-insights/internal/metrics"
)

const (
	DefaultActiveInterval     = 30 * time.Second
	DefaultPassiveInterval    = 60 * time.Second
	DefaultGeneratingInterval = 5 * time.Second
)

type State string

const (
	StateSuspended State = "suspended"
	StatePassive   State = "passive"
	StateActive    State = "active"
)

// Fetch triggers, also used as metric labels.
const (
	TriggerTimer   = "timer"
	TriggerVisible = "visible"
	TriggerTarget  = "target"
	TriggerRefresh = "refresh"
)

// Fetcher is the conditional fetch client.
type Fetcher interface {
	Check(ctx context.Context, request fetch.Request) (fetch.Response, error)
}

// IntervalOverride may return a shorter interval for the last observed
// state. Zero means no override.
type IntervalOverride func(snapshot fetch.Snapshot) time.Duration

// GeneratingOverride polls at interval while the last observed status is
// generating.
func GeneratingOverride(interval time.Duration) IntervalOverride {
	if interval <= 0 {
		interval = DefaultGeneratingInterval
	}
	return func(snapshot fetch.Snapshot) time.Duration {
		if snapshot.Status == domain.StatusGenerating {
			return interval
		}
		return 0
	}
}

type SchedulerConfig struct {
	Fetcher         Fetcher
	View            *fetch.View
	Visibility      *Visibility
	Activity        *Activity
	ActiveInterval  time.Duration
	PassiveInterval time.Duration
	Override        IntervalOverride
	Clock           quartz.Clock
	Logger          *log.Logger
	// OnUpdate and OnError run on the fetching goroutine. They must not call
	// Stop.
	OnUpdate func(trigger string, outcome fetch.Outcome, snapshot fetch.Snapshot)
	OnError  func(trigger string, err error)
}

// Scheduler decides when the view is re-checked. It owns a single timer;
// every reschedule stops the current timer and bumps the epoch before arming
// a new one, so a timer that already fired for an older epoch does nothing.
// The timer is not re-armed while a fetch is in flight.
type Scheduler struct {
	fetcher         Fetcher
	view            *fetch.View
	visibility      *Visibility
	activity        *Activity
	activeInterval  time.Duration
	passiveInterval time.Duration
	override        IntervalOverride
	clock           quartz.Clock
	logger          *log.Logger
	onUpdate        func(trigger string, outcome fetch.Outcome, snapshot fetch.Snapshot)
	onError         func(trigger string, err error)

	mu          sync.Mutex
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
	stopAfter   func() bool
	runs        uint64
	unsubscribe []func()
	state       State
	timer       *quartz.Timer
	epoch       uint64
	inFlight    int
	wg          sync.WaitGroup
}

func NewScheduler(config SchedulerConfig) *Scheduler {
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}
	if config.View == nil {
		config.View = fetch.NewView(domain.KindUsage)
	}
	if config.Visibility == nil {
		config.Visibility = NewVisibility(true)
	}
	if config.Activity == nil {
		config.Activity = NewActivity(ActivityConfig{Clock: config.Clock})
	}
	if config.ActiveInterval <= 0 {
		config.ActiveInterval = DefaultActiveInterval
	}
	if config.PassiveInterval <= 0 {
		config.PassiveInterval = DefaultPassiveInterval
	}
	return &Scheduler{
		fetcher:         config.Fetcher,
		view:            config.View,
		visibility:      config.Visibility,
		activity:        config.Activity,
		activeInterval:  config.ActiveInterval,
		passiveInterval: config.PassiveInterval,
		override:        config.Override,
		clock:           config.Clock,
		logger:          config.Logger,
		onUpdate:        config.OnUpdate,
		onError:         config.OnError,
		state:           StateSuspended,
	}
}

// Start begins polling the current target. A visible surface is fetched
// immediately. Polling stops on Stop or when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state = s.computeState()
	s.unsubscribe = []func(){
		s.visibility.Subscribe(s.onVisibility),
		s.activity.Subscribe(s.onActivity),
	}
	s.runs++
	run := s.runs
	s.stopAfter = context.AfterFunc(ctx, func() { s.stop(run) })
	if s.state != StateSuspended {
		s.triggerLocked(TriggerVisible)
	}
	s.mu.Unlock()
}

// Stop tears polling down: the timer is cancelled, the view is cleared so
// late responses are discarded, and in-flight fetches are awaited.
func (s *Scheduler) Stop() {
	s.stop(0)
}

// stop ends the run numbered run, or whichever run is current when run is
// zero. A cancelled context from an earlier run leaves a restarted
// scheduler alone.
func (s *Scheduler) stop(run uint64) {
	s.mu.Lock()
	if !s.running || (run != 0 && run != s.runs) {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopTimerLocked()
	s.state = StateSuspended
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	cancel := s.cancel
	stopAfter := s.stopAfter
	s.stopAfter = nil
	s.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	if stopAfter != nil {
		stopAfter()
	}
	s.view.Clear()
	cancel()
	s.wg.Wait()
}

// SetTarget switches polling to subjectID. A new target drops the cached
// payload and is fetched immediately whatever the state.
func (s *Scheduler) SetTarget(subjectID string) {
	if !s.view.SetTarget(subjectID) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if subjectID == "" {
		s.stopTimerLocked()
		return
	}
	s.triggerLocked(TriggerTarget)
}

// Refresh fetches immediately without a marker and then reschedules.
func (s *Scheduler) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.triggerLocked(TriggerRefresh)
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return StateSuspended
	}
	return s.state
}

// Interval is the delay the next timer is armed with. It is zero while
// suspended.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}
	return s.intervalLocked()
}

func (s *Scheduler) View() *fetch.View {
	return s.view
}

func (s *Scheduler) onVisibility(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	previous := s.state
	s.state = s.computeState()
	if !visible {
		s.stopTimerLocked()
		return
	}
	if previous == StateSuspended {
		s.triggerLocked(TriggerVisible)
	}
}

func (s *Scheduler) onActivity(bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	previous := s.state
	s.state = s.computeState()
	if s.state == previous || s.state == StateSuspended {
		return
	}
	if s.inFlight > 0 {
		s.stopTimerLocked()
		return
	}
	s.armLocked()
}

func (s *Scheduler) computeState() State {
	switch {
	case !s.visibility.Visible():
		return StateSuspended
	case s.activity.Idle():
		return StatePassive
	default:
		return StateActive
	}
}

func (s *Scheduler) intervalLocked() time.Duration {
	var interval time.Duration
	switch s.state {
	case StateActive:
		interval = s.activeInterval
	case StatePassive:
		interval = s.passiveInterval
	default:
		return 0
	}
	if s.override != nil {
		if shorter := s.override(s.view.Snapshot()); shorter > 0 && shorter < interval {
			interval = shorter
		}
	}
	return interval
}

func (s *Scheduler) stopTimerLocked() {
	s.epoch++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) armLocked() {
	s.stopTimerLocked()
	interval := s.intervalLocked()
	if interval <= 0 || s.view.Target() == "" {
		return
	}
	epoch := s.epoch
	s.timer = s.clock.AfterFunc(interval, func() { s.onTimer(epoch) }, "scheduler")
}

func (s *Scheduler) triggerLocked(trigger string) {
	s.stopTimerLocked()
	s.inFlight++
	s.wg.Add(1)
	go s.run(s.ctx, trigger)
}

func (s *Scheduler) onTimer(epoch uint64) {
	s.mu.Lock()
	if !s.running || epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.inFlight++
	s.wg.Add(1)
	ctx := s.ctx
	s.mu.Unlock()

	s.run(ctx, TriggerTimer)
}

func (s *Scheduler) run(ctx context.Context, trigger string) {
	defer s.wg.Done()
	s.fetchOnce(ctx, trigger)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	if !s.running || s.inFlight > 0 {
		return
	}
	s.armLocked()
}

func (s *Scheduler) fetchOnce(ctx context.Context, trigger string) {
	request, ok := s.view.Prepare(trigger == TriggerRefresh)
	if !ok {
		return
	}

	response, err := s.fetcher.Check(ctx, request)
	if err != nil {
		metrics.PollFetchesTotal.WithLabelValues(trigger, "error").Inc()
		s.logf("poll fetch failed subject_id=%s kind=%s trigger=%s err=%v", request.SubjectID, request.Kind, trigger, err)
		if s.onError != nil {
			s.onError(trigger, err)
		}
		return
	}

	outcome := s.view.Apply(request, response)
	metrics.PollFetchesTotal.WithLabelValues(trigger, string(outcome)).Inc()
	if outcome == fetch.OutcomeDiscarded {
		s.logf("poll response discarded subject_id=%s seq=%d trigger=%s", request.SubjectID, request.Seq, trigger)
		return
	}
	if s.onUpdate != nil {
		s.onUpdate(trigger, outcome, s.view.Snapshot())
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
