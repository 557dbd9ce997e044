package control

import (
	"sync"
	"time"
)

// DefaultThrottleInterval caps pointer moves at roughly one per frame.
const DefaultThrottleInterval = 16 * time.Millisecond

// Throttler forwards at most one value per interval. The first value of a
// quiet period goes out immediately; values arriving inside the interval
// overwrite each other and the latest one is flushed when it ends.
type Throttler[T any] struct {
	interval time.Duration
	emit     func(T)

	mu      sync.Mutex
	emitMu  sync.Mutex
	last    time.Time
	pending *T
	timer   *time.Timer
	stopped bool
}

func NewThrottler[T any](interval time.Duration, emit func(T)) *Throttler[T] {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	return &Throttler[T]{interval: interval, emit: emit}
}

// Push offers a value.
func (t *Throttler[T]) Push(v T) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	if t.timer == nil && now.Sub(t.last) >= t.interval {
		t.last = now
		t.emitMu.Lock()
		t.mu.Unlock()
		t.emit(v)
		t.emitMu.Unlock()
		return
	}

	t.pending = &v
	if t.timer == nil {
		wait := t.interval - now.Sub(t.last)
		if wait < 0 {
			wait = 0
		}
		t.timer = time.AfterFunc(wait, t.flush)
	}
	t.mu.Unlock()
}

func (t *Throttler[T]) flush() {
	t.mu.Lock()
	t.timer = nil
	v := t.pending
	t.pending = nil
	if v == nil || t.stopped {
		t.mu.Unlock()
		return
	}
	t.last = time.Now()
	t.emitMu.Lock()
	t.mu.Unlock()
	t.emit(*v)
	t.emitMu.Unlock()
}

// Flush emits the pending value now, if any.
func (t *Throttler[T]) Flush() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	t.flush()
}

// Stop discards the pending value; later pushes are ignored.
func (t *Throttler[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
