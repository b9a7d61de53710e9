package poll

import "sync"

// listeners is a set of callbacks notified synchronously on the caller's
// goroutine, outside the owner's lock.
type listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

func (l *listeners[T]) notify(value T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}

// Visibility reports whether the consuming surface is in the foreground.
type Visibility struct {
	mu        sync.Mutex
	visible   bool
	listeners listeners[bool]
}

func NewVisibility(visible bool) *Visibility {
	return &Visibility{visible: visible}
}

func (v *Visibility) Visible() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visible
}

// Set records a host visibility event. Subscribers run before Set returns,
// and only when the value changed.
func (v *Visibility) Set(visible bool) {
	v.mu.Lock()
	if v.visible == visible {
		v.mu.Unlock()
		return
	}
	v.visible = visible
	v.mu.Unlock()

	v.listeners.notify(visible)
}

func (v *Visibility) Subscribe(fn func(visible bool)) (cancel func()) {
	return v.listeners.add(fn)
}
