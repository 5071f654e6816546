package deadline

import (
	"context"
	"sync"
	"time"
)

// Tracker re-evaluates a window on a fixed interval. The authoritative clock
// is the chain's block time, so there is no scheduled expiry callback; each
// tick simply recomputes the status.
type Tracker struct {
	window   Window
	interval time.Duration
	now      func() time.Time
	onTick   func(Status)
	onExpire func()

	mu      sync.Mutex
	last    Status
	expired bool
}

// TrackerOption customises a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithInterval overrides the polling interval.
func WithInterval(interval time.Duration) TrackerOption {
	return func(t *Tracker) {
		if interval > 0 {
			t.interval = interval
		}
	}
}

// OnTick registers a callback receiving every evaluated status.
func OnTick(fn func(Status)) TrackerOption {
	return func(t *Tracker) { t.onTick = fn }
}

// OnExpire registers a callback invoked once, on the first tick that observes
// the window as expired.
func OnExpire(fn func()) TrackerOption {
	return func(t *Tracker) { t.onExpire = fn }
}

// NewTracker constructs a tracker for w.
func NewTracker(w Window, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		window:   w,
		interval: IntervalFor(w.Length),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Tick evaluates the window at the tracker's current time.
func (t *Tracker) Tick() Status {
	status := Evaluate(t.window, t.now())

	t.mu.Lock()
	t.last = status
	fireExpire := status.Expired && !t.expired
	if status.Expired {
		t.expired = true
	}
	t.mu.Unlock()

	if t.onTick != nil {
		t.onTick(status)
	}
	if fireExpire && t.onExpire != nil {
		t.onExpire()
	}
	return status
}

// Last returns the most recently evaluated status.
func (t *Tracker) Last() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Run ticks immediately and then on every interval until ctx is cancelled or
// the window expires.
func (t *Tracker) Run(ctx context.Context) {
	if t.Tick().Expired {
		return
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.Tick().Expired {
				return
			}
		}
	}
}
