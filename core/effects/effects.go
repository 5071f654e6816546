package effects

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"spatters/core/consent"
	"spatters/observability"
	"spatters/observability/logging"
)

// Event names the generation the renderer pipeline should run.
type Event string

const (
	// EventMinted requests the first render of a new token.
	EventMinted Event = "token-minted"
	// EventMutated requests a re-render after an on-chain mutation.
	EventMutated Event = "token-mutated"
)

// Valid reports whether e is a known event.
func (e Event) Valid() bool {
	return e == EventMinted || e == EventMutated
}

// ErrMissingTxHash is returned when a completion lacks the confirming hash.
var ErrMissingTxHash = errors.New("effects: completion tx hash required")

// Completion describes a confirmed completion write.
type Completion struct {
	TxHash       common.Hash
	SupplyBefore uint64
	Wallet       common.Address
	Event        Event
	Consent      *consent.Data
	ConfirmedAt  time.Time
}

// TokenID is the identifier of the token minted by the completion. It is
// derived from the supply captured before the write was submitted and never
// from a post-confirmation recount.
func (c Completion) TokenID() uint64 {
	return c.SupplyBefore + 1
}

// GenerationTrigger asks the render pipeline to produce a token's artwork.
type GenerationTrigger interface {
	TriggerGeneration(ctx context.Context, tokenID uint64, event Event) error
}

// ConsentRecorder persists a consent record after payment has succeeded.
type ConsentRecorder interface {
	RecordConsent(ctx context.Context, record consent.Record) error
}

// Ledger remembers fired completions across restarts. Claim reports false
// when hash was already claimed.
type Ledger interface {
	Claim(hash common.Hash, tokenID uint64) (bool, error)
}

// TriggerFunc adapts a function into a GenerationTrigger.
type TriggerFunc func(ctx context.Context, tokenID uint64, event Event) error

// TriggerGeneration implements GenerationTrigger.
func (f TriggerFunc) TriggerGeneration(ctx context.Context, tokenID uint64, event Event) error {
	return f(ctx, tokenID, event)
}

// RecorderFunc adapts a function into a ConsentRecorder.
type RecorderFunc func(ctx context.Context, record consent.Record) error

// RecordConsent implements ConsentRecorder.
func (f RecorderFunc) RecordConsent(ctx context.Context, record consent.Record) error {
	return f(ctx, record)
}

// Coordinator fires the post-completion notifications at most once per
// confirming transaction.
type Coordinator struct {
	trigger  GenerationTrigger
	recorder ConsentRecorder
	logger   *slog.Logger
	metrics  *observability.MintMetrics
	ledger   Ledger
	timeout  time.Duration

	mu    sync.Mutex
	fired map[common.Hash]uint64
	wg    sync.WaitGroup
}

// Option customises the coordinator.
type Option func(*Coordinator)

// WithGenerationTrigger supplies the generation collaborator.
func WithGenerationTrigger(t GenerationTrigger) Option {
	return func(c *Coordinator) { c.trigger = t }
}

// WithConsentRecorder supplies the consent collaborator.
func WithConsentRecorder(r ConsentRecorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics overrides the metrics registry. Passing nil disables metrics.
func WithMetrics(m *observability.MintMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLedger persists the fired set so a restarted daemon does not notify
// twice for the same transaction.
func WithLedger(l Ledger) Option {
	return func(c *Coordinator) { c.ledger = l }
}

// WithTimeout bounds each notification call.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewCoordinator constructs a coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:  slog.Default(),
		metrics: observability.Mint(),
		timeout: 15 * time.Second,
		fired:   make(map[common.Hash]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fire launches the notifications for a confirmed completion. It returns false
// when the transaction has already been handled. Notification failures are
// logged and counted; they never surface to the caller.
func (c *Coordinator) Fire(ctx context.Context, done Completion) (bool, error) {
	if done.TxHash == (common.Hash{}) {
		return false, ErrMissingTxHash
	}
	if done.Event == "" {
		done.Event = EventMinted
	}

	c.mu.Lock()
	if _, ok := c.fired[done.TxHash]; ok {
		c.mu.Unlock()
		return false, nil
	}
	c.fired[done.TxHash] = done.TokenID()
	c.mu.Unlock()

	tokenID := done.TokenID()
	log := c.logger.With(
		slog.String("tx", done.TxHash.Hex()),
		slog.Uint64("token_id", tokenID),
		slog.String("wallet", logging.ShortAddress(done.Wallet.Hex())),
	)
	if c.ledger != nil {
		claimed, err := c.ledger.Claim(done.TxHash, tokenID)
		switch {
		case err != nil:
			log.Warn("effects ledger unavailable; firing from memory guard only", slog.Any("error", err))
		case !claimed:
			log.Info("completion already handled before restart")
			return false, nil
		}
	}
	log.Info("completion confirmed", slog.String("event", string(done.Event)))

	// Notifications outlive the request that confirmed the mint.
	base := context.WithoutCancel(ctx)

	if c.trigger != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			callCtx, cancel := context.WithTimeout(base, c.timeout)
			defer cancel()
			err := c.trigger.TriggerGeneration(callCtx, tokenID, done.Event)
			c.metrics.RecordNotification("generation", err)
			notifyMetrics().record(base, "generation", err)
			if err != nil {
				log.Warn("generation trigger failed", slog.Any("error", err))
			}
		}()
	}

	if c.recorder != nil && done.Consent != nil {
		record := consent.Record{
			Data:       *done.Consent,
			MintTxHash: done.TxHash.Hex(),
			TokenID:    tokenID,
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			callCtx, cancel := context.WithTimeout(base, c.timeout)
			defer cancel()
			err := c.recorder.RecordConsent(callCtx, record)
			c.metrics.RecordNotification("consent", err)
			notifyMetrics().record(base, "consent", err)
			if err != nil {
				log.Warn("consent record failed", slog.Any("error", err))
			}
		}()
	}
	return true, nil
}

// Fired reports the token id recorded for hash, if any.
func (c *Coordinator) Fired(hash common.Hash) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.fired[hash]
	return id, ok
}

// Wait blocks until outstanding notifications have finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

var (
	notifyOnce    sync.Once
	sharedNotifyM *notificationMetrics
)

// notificationMetrics exports notification outcomes through the OTLP meter
// next to the prometheus counters.
type notificationMetrics struct {
	sent metric.Int64Counter
}

func notifyMetrics() *notificationMetrics {
	notifyOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("spatters/effects")
		counter, err := meter.Int64Counter("spatters.mint.notifications",
			metric.WithDescription("Post-completion notifications by collaborator and outcome."))
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("spatters/effects")
			counter, _ = fallback.Int64Counter("spatters.mint.notifications")
		}
		sharedNotifyM = &notificationMetrics{sent: counter}
	})
	return sharedNotifyM
}

func (m *notificationMetrics) record(ctx context.Context, kind string, err error) {
	if m == nil || m.sent == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.sent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}
