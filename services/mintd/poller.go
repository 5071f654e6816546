package mintd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"spatters/core/deadline"
	"spatters/core/session"
)

// Session is the slice of the session driver the poller needs.
type Session interface {
	Refresh(ctx context.Context) (session.State, error)
	Tick() session.State
}

// Poller keeps the session in step with the contract. It re-reads on a fixed
// cadence and runs a deadline tracker for every countdown on display so the
// view flips the moment a window closes, between polls.
type Poller struct {
	session  Session
	windows  session.Windows
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	kick chan struct{}

	mu       sync.Mutex
	trackers map[string]*trackedDeadline
}

type trackedDeadline struct {
	end     time.Time
	tracker *deadline.Tracker
	cancel  context.CancelFunc
}

// NewPoller constructs a poller for s.
func NewPoller(s Session, windows session.Windows, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		session:  s,
		windows:  windows,
		interval: interval,
		now:      time.Now,
		logger:   logger,
		kick:     make(chan struct{}, 1),
		trackers: make(map[string]*trackedDeadline),
	}
}

// Kick requests an immediate re-read.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	defer p.stopAll()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
		p.poll(ctx)
	}
}

func (p *Poller) poll(ctx context.Context) {
	st, err := p.session.Refresh(ctx)
	if err != nil {
		p.logger.Warn("contract poll failed", slog.Any("error", err))
		return
	}
	p.Observe(ctx, st)
}

// Observe reconciles the running trackers with the deadlines in st.
func (p *Poller) Observe(ctx context.Context, st session.State) {
	p.track(ctx, "selection", st.SelectionDeadline, p.windows.Selection)
	p.track(ctx, "settle", st.SettleDeadline, p.windows.Settle)
	p.track(ctx, "cooldown", st.CooldownDeadline, p.windows.Cooldown)
}

func (p *Poller) track(ctx context.Context, kind string, status *deadline.Status, length time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	current := p.trackers[kind]
	if status == nil || status.Expired {
		if current != nil {
			current.cancel()
			delete(p.trackers, kind)
		}
		return
	}
	if current != nil && current.end.Equal(status.End) {
		return
	}
	if current != nil {
		current.cancel()
	}
	if length <= 0 || status.End.Sub(p.now()) > length {
		length = status.End.Sub(p.now())
	}
	window := deadline.NewWindow(status.End.Add(-length), length)
	tracker := deadline.NewTracker(window,
		deadline.WithClock(p.now),
		deadline.OnTick(func(deadline.Status) { p.session.Tick() }),
		deadline.OnExpire(func() {
			p.logger.Info("deadline reached", slog.String("deadline", kind))
			p.Kick()
		}),
	)
	trackCtx, cancel := context.WithCancel(ctx)
	p.trackers[kind] = &trackedDeadline{end: status.End, tracker: tracker, cancel: cancel}
	go tracker.Run(trackCtx)
}

// Tracking reports the end of the tracked deadline of kind, if any.
func (p *Poller) Tracking(kind string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	current, ok := p.trackers[kind]
	if !ok {
		return time.Time{}, false
	}
	return current.end, true
}

func (p *Poller) stopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for kind, current := range p.trackers {
		current.cancel()
		delete(p.trackers, kind)
	}
}
