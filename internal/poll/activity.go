package poll

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
)

const DefaultIdleThreshold = 60 * time.Second

// DefaultActivityEvents are the event names Observe recognizes when none are
// configured.
var DefaultActivityEvents = []string{"keydown", "mousedown", "mousemove", "scroll", "touchstart", "focus", "input"}

type ActivityConfig struct {
	Threshold time.Duration
	Events    []string
	Clock     quartz.Clock
}

// Activity reports whether the user has been idle for longer than the
// threshold. Activity clears idle immediately; becoming idle is detected by
// a check every threshold/10 once Start runs.
type Activity struct {
	clock     quartz.Clock
	threshold time.Duration
	events    map[string]struct{}

	mu         sync.Mutex
	lastActive time.Time
	idle       bool
	listeners  listeners[bool]
}

func NewActivity(config ActivityConfig) *Activity {
	if config.Threshold <= 0 {
		config.Threshold = DefaultIdleThreshold
	}
	if len(config.Events) == 0 {
		config.Events = DefaultActivityEvents
	}
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}

	events := make(map[string]struct{}, len(config.Events))
	for _, event := range config.Events {
		events[strings.ToLower(strings.TrimSpace(event))] = struct{}{}
	}
	return &Activity{
		clock:      config.Clock,
		threshold:  config.Threshold,
		events:     events,
		lastActive: config.Clock.Now(),
	}
}

func (a *Activity) Threshold() time.Duration {
	return a.threshold
}

// Cadence is the interval between idle checks.
func (a *Activity) Cadence() time.Duration {
	cadence := a.threshold / 10
	if cadence <= 0 {
		return a.threshold
	}
	return cadence
}

func (a *Activity) Idle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idle
}

// Observe records a host event and reports whether it counted as activity.
func (a *Activity) Observe(event string) bool {
	if _, ok := a.events[strings.ToLower(strings.TrimSpace(event))]; !ok {
		return false
	}
	a.MarkActive()
	return true
}

// MarkActive is for activity the signal cannot observe itself, such as a
// user-triggered background action.
func (a *Activity) MarkActive() {
	a.mu.Lock()
	a.lastActive = a.clock.Now()
	wasIdle := a.idle
	a.idle = false
	a.mu.Unlock()

	if wasIdle {
		a.listeners.notify(false)
	}
}

// Subscribe registers fn for idle transitions.
func (a *Activity) Subscribe(fn func(idle bool)) (cancel func()) {
	return a.listeners.add(fn)
}

// Start runs the idle check until ctx is done. Wait on the result to know
// the check stopped.
func (a *Activity) Start(ctx context.Context) quartz.Waiter {
	return a.clock.TickerFunc(ctx, a.Cadence(), func() error {
		a.check()
		return nil
	}, "activity")
}

func (a *Activity) check() {
	a.mu.Lock()
	became := !a.idle && a.clock.Since(a.lastActive) >= a.threshold
	if became {
		a.idle = true
	}
	a.mu.Unlock()

	if became {
		a.listeners.notify(true)
	}
}
