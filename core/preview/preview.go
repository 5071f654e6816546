package preview

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"spatters/core/types"
	"spatters/observability"
)

const (
	// SignalRenderReady is the message type posted by the renderer once a
	// preview has finished drawing.
	SignalRenderReady = "render-ready"
	// DefaultTimeout bounds how long a loaded preview may stay silent before
	// the next one is started anyway.
	DefaultTimeout = 30 * time.Second
)

var (
	// ErrUnknownSignal is returned for messages that are not render-ready.
	ErrUnknownSignal = errors.New("preview: unknown signal type")
	// ErrIndexOutOfRange is returned for indices outside the candidate set.
	ErrIndexOutOfRange = errors.New("preview: index out of range")
	// ErrNotLoaded is returned when a signal names a preview that was never
	// started.
	ErrNotLoaded = errors.New("preview: index not loaded")
	// ErrStopped is returned once the orchestrator has been stopped.
	ErrStopped = errors.New("preview: orchestrator stopped")
)

// RenderReady is the completion message posted by the renderer.
type RenderReady struct {
	Type   string  `json:"type"`
	Height float64 `json:"height"`
	Index  int     `json:"index"`
}

// Frame asks a loader to start rendering one candidate.
type Frame struct {
	Index   int           `json:"index"`
	Seed    types.Seed    `json:"seed"`
	Palette types.Palette `json:"palette"`
	URL     string        `json:"url"`
}

// Loader starts rendering a frame. It must not block on the render itself.
type Loader interface {
	Load(Frame)
}

// LoaderFunc adapts a function into a Loader.
type LoaderFunc func(Frame)

// Load implements Loader.
func (f LoaderFunc) Load(frame Frame) { f(frame) }

// Timer is the subset of *time.Timer the orchestrator needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ItemStatus reports one candidate's render progress.
type ItemStatus struct {
	Index      int     `json:"index"`
	Seed       string  `json:"seed"`
	Loaded     bool    `json:"loaded"`
	Finished   bool    `json:"finished"`
	Unresolved bool    `json:"unresolved"`
	Height     float64 `json:"height"`
}

// Status is a point-in-time copy of the orchestrator state.
type Status struct {
	Items    [types.CandidateCount]ItemStatus `json:"items"`
	Finished int                              `json:"finished"`
	Current  int                              `json:"current"`
}

type item struct {
	loaded     bool
	finished   bool
	unresolved bool
	height     float64
}

// Orchestrator loads the candidate previews strictly one at a time. A preview
// that never reports back is skipped after the timeout so a silent render
// cannot stall the rest.
type Orchestrator struct {
	seeds    [types.CandidateCount]types.Seed
	palette  types.Palette
	renderer string
	loader   Loader
	timeout  time.Duration
	after    AfterFunc
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.MintMetrics

	mu      sync.Mutex
	items   [types.CandidateCount]item
	current int
	timer   Timer
	started bool
	stopped bool
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithRenderer sets the renderer base URL used to build frame URLs.
func WithRenderer(base string) Option {
	return func(o *Orchestrator) { o.renderer = strings.TrimRight(strings.TrimSpace(base), "/") }
}

// WithLoader supplies the frame loader.
func WithLoader(l Loader) Option {
	return func(o *Orchestrator) { o.loader = l }
}

// WithTimeout overrides the per-preview timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithAfterFunc overrides the timer factory.
func WithAfterFunc(fn AfterFunc) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.after = fn
		}
	}
}

// WithClock overrides the time source used for cache busting.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics overrides the metrics registry. Passing nil disables metrics.
func WithMetrics(m *observability.MintMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New constructs an orchestrator for one candidate set. The zero palette
// renders with the collection defaults.
func New(seeds [types.CandidateCount]types.Seed, palette types.Palette, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		seeds:   seeds,
		palette: palette,
		timeout: DefaultTimeout,
		after:   realAfterFunc,
		now:     time.Now,
		logger:  slog.Default(),
		metrics: observability.Mint(),
		current: -1,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Seeds returns the candidate seeds being previewed.
func (o *Orchestrator) Seeds() [types.CandidateCount]types.Seed {
	return o.seeds
}

// Start loads the first preview. Subsequent calls are no-ops.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	frame := o.loadLocked(0)
	o.mu.Unlock()

	o.dispatch(frame)
	return nil
}

// Ready records a render-ready signal and advances to the next preview.
func (o *Orchestrator) Ready(sig RenderReady) error {
	if sig.Type != SignalRenderReady {
		return fmt.Errorf("%w: %q", ErrUnknownSignal, sig.Type)
	}
	if sig.Index < 0 || sig.Index >= types.CandidateCount {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, sig.Index)
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	it := &o.items[sig.Index]
	if !it.loaded {
		o.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotLoaded, sig.Index)
	}
	if sig.Height > 0 {
		it.height = sig.Height
	}
	if it.finished {
		// A late signal after a timeout only refreshes the layout height.
		it.unresolved = false
		o.mu.Unlock()
		return nil
	}
	it.finished = true
	if o.current == sig.Index && o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	frame := o.loadLocked(sig.Index + 1)
	o.mu.Unlock()

	o.metrics.RecordPreview("ready")
	o.dispatch(frame)
	return nil
}

func (o *Orchestrator) expire(index int) {
	o.mu.Lock()
	if o.stopped || o.current != index {
		o.mu.Unlock()
		return
	}
	it := &o.items[index]
	if it.finished {
		o.mu.Unlock()
		return
	}
	it.finished = true
	it.unresolved = true
	o.timer = nil
	frame := o.loadLocked(index + 1)
	o.mu.Unlock()

	o.logger.Warn("preview render timed out", slog.Int("index", index))
	o.metrics.RecordPreview("timeout")
	o.dispatch(frame)
}

// loadLocked marks index as loaded, arms its timeout and returns the frame to
// dispatch once the lock is released.
func (o *Orchestrator) loadLocked(index int) *Frame {
	if index >= types.CandidateCount || o.items[index].loaded {
		return nil
	}
	o.items[index].loaded = true
	o.current = index
	o.timer = o.after(o.timeout, func() { o.expire(index) })
	frame := Frame{
		Index:   index,
		Seed:    o.seeds[index],
		Palette: o.palette,
		URL:     o.frameURL(index),
	}
	return &frame
}

func (o *Orchestrator) dispatch(frame *Frame) {
	if frame == nil || o.loader == nil {
		return
	}
	o.loader.Load(*frame)
}

func (o *Orchestrator) frameURL(index int) string {
	q := url.Values{}
	q.Set("seed", o.seeds[index].Hex())
	q.Set("index", strconv.Itoa(index))
	q.Set("t", strconv.FormatInt(o.now().UnixMilli(), 10))
	if o.palette.IsCustom() {
		q.Set("palette", o.palette.Query())
	}
	return o.renderer + "/api/preview?" + q.Encode()
}

// Selectable reports whether index may be chosen. Selection only needs an
// index, so unfinished and unresolved previews are selectable too.
func (o *Orchestrator) Selectable(index int) bool {
	return index >= 0 && index < types.CandidateCount
}

// Status returns a copy of the render progress.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{Current: o.current}
	for i, it := range o.items {
		st.Items[i] = ItemStatus{
			Index:      i,
			Seed:       o.seeds[i].Hex(),
			Loaded:     it.loaded,
			Finished:   it.finished,
			Unresolved: it.unresolved,
			Height:     it.height,
		}
		if it.finished {
			st.Finished++
		}
	}
	return st
}

// Stop cancels the outstanding timeout. A stopped orchestrator ignores
// further signals.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = true
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}
