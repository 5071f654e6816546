package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"spatters/chain"
	"spatters/core/consent"
	"spatters/core/effects"
	"spatters/core/preview"
	"spatters/core/types"
	"spatters/observability"
	"spatters/observability/logging"
)

var (
	// ErrActionNotAllowed is returned when a write does not match the action
	// derived from a fresh read.
	ErrActionNotAllowed = errors.New("session: action not allowed in current view")
	// ErrWriteInFlight is returned while another write awaits confirmation.
	ErrWriteInFlight = errors.New("session: write already in flight")
	// ErrInvalidChoice is returned for selections outside the candidate set.
	ErrInvalidChoice = errors.New("session: invalid candidate index")
	// ErrConsentWallet is returned when consent was signed by another wallet.
	ErrConsentWallet = errors.New("session: consent signed by a different wallet")
)

// Gateway is the contract access the session drives.
type Gateway interface {
	Snapshot(ctx context.Context) (types.Snapshot, error)
	Commit(ctx context.Context, variant types.Variant, palette types.Palette, value *big.Int) (common.Hash, error)
	Request(ctx context.Context, variant types.Variant) (common.Hash, error)
	Complete(ctx context.Context, variant types.Variant, index uint8) (common.Hash, error)
	OwnerMint(ctx context.Context, palette types.Palette, seed types.Seed) (common.Hash, error)
	WaitConfirmed(ctx context.Context, hash common.Hash) error
	Confirmed(ctx context.Context, hash common.Hash) (bool, error)
}

// PreviewFactory builds the orchestrator for a freshly revealed candidate set.
type PreviewFactory func(seeds [types.CandidateCount]types.Seed, palette types.Palette) *preview.Orchestrator

// State is the derived result plus the preview progress.
type State struct {
	Result
	Preview    *preview.Status `json:"preview,omitempty"`
	HasConsent bool            `json:"hasConsent"`
	// PriceUSD is the mint price in dollars, empty while no quote is known.
	PriceUSD string `json:"priceUsd,omitempty"`
}

// PriceQuote returns the latest ETH/USD rate. It must not block.
type PriceQuote func() (float64, bool)

// Session holds the local cache around the derived view: the local choice, the
// write in flight, pending consent and the preview orchestrator. It never
// decides the phase on its own; every state change re-derives from a read.
type Session struct {
	gateway  Gateway
	caller   common.Address
	variant  types.Variant
	windows  Windows
	now      func() time.Time
	effects  *effects.Coordinator
	previews PreviewFactory
	quote    PriceQuote
	logger   *slog.Logger
	metrics  *observability.MintMetrics

	writeMu sync.Mutex // serialises writes end to end

	mu          sync.Mutex
	choice      *int
	pending     Op
	consentData *consent.Data
	completion  *effects.Completion
	unconfirmed *effects.Completion // broadcast mint whose wait failed
	snapshot    types.Snapshot
	haveRead    bool
	orch        *preview.Orchestrator
	last        Result
	subs        map[int]func(State)
	nextSub     int
}

// Option customises the session.
type Option func(*Session)

// WithVariant selects the public or owner flow.
func WithVariant(v types.Variant) Option {
	return func(s *Session) { s.variant = v }
}

// WithWindows overrides the protocol durations.
func WithWindows(w Windows) Option {
	return func(s *Session) { s.windows = w.withDefaults() }
}

// WithClock overrides the local time source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEffects supplies the post-completion coordinator.
func WithEffects(c *effects.Coordinator) Option {
	return func(s *Session) { s.effects = c }
}

// WithPreviewFactory supplies the preview orchestrator constructor.
func WithPreviewFactory(f PreviewFactory) Option {
	return func(s *Session) { s.previews = f }
}

// WithPriceQuote supplies the ETH/USD rate used to show the price in dollars.
func WithPriceQuote(q PriceQuote) Option {
	return func(s *Session) { s.quote = q }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics overrides the metrics registry. Passing nil disables metrics.
func WithMetrics(m *observability.MintMetrics) Option {
	return func(s *Session) { s.metrics = m }
}

// New constructs a session for caller.
func New(gateway Gateway, caller common.Address, opts ...Option) *Session {
	s := &Session{
		gateway: gateway,
		caller:  caller,
		variant: types.VariantPublic,
		windows: DefaultWindows(),
		now:     time.Now,
		logger:  slog.Default(),
		metrics: observability.Mint(),
		subs:    make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.previews == nil {
		s.previews = func(seeds [types.CandidateCount]types.Seed, palette types.Palette) *preview.Orchestrator {
			return preview.New(seeds, palette)
		}
	}
	s.logger = s.logger.With(
		slog.String("wallet", logging.ShortAddress(caller.Hex())),
		slog.String("variant", s.variant.String()),
	)
	return s
}

// Caller returns the wallet the session acts for.
func (s *Session) Caller() common.Address { return s.caller }

// Variant returns the configured flow.
func (s *Session) Variant() types.Variant { return s.variant }

// Subscribe registers fn to receive every re-derived state.
func (s *Session) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Refresh reads the contract and re-derives the view.
func (s *Session) Refresh(ctx context.Context) (State, error) {
	s.settleUnconfirmed(ctx)
	snap, err := s.read(ctx)
	if err != nil {
		return s.State(), err
	}
	return s.apply(snap), nil
}

// Tick re-derives from the last read at the current time. Deadline expiry is
// noticed here between contract polls.
func (s *Session) Tick() State {
	s.mu.Lock()
	snap, ok := s.snapshot, s.haveRead
	s.mu.Unlock()
	if !ok {
		return s.State()
	}
	return s.apply(snap)
}

// State returns the most recent derived state without reading.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Commit pays for (or, for the owner, reserves) a mint slot.
func (s *Session) Commit(ctx context.Context, palette types.Palette) (State, error) {
	if err := palette.Validate(); err != nil {
		return s.State(), err
	}
	return s.write(ctx, OpCommit, ActionCommit, func(ctx context.Context, snap types.Snapshot) (common.Hash, error) {
		var value *big.Int
		if s.variant == types.VariantPublic {
			if snap.Price == nil {
				return common.Hash{}, errors.New("session: price unavailable")
			}
			value = new(big.Int).Set(snap.Price)
		}
		return s.gateway.Commit(ctx, s.variant, palette, value)
	}, func() {
		s.completion = nil
		s.choice = nil
	})
}

// Request reveals the three candidate seeds once the commit has settled.
func (s *Session) Request(ctx context.Context) (State, error) {
	return s.write(ctx, OpRequest, ActionRequest, func(ctx context.Context, _ types.Snapshot) (common.Hash, error) {
		return s.gateway.Request(ctx, s.variant)
	}, nil)
}

// Select records the local choice. It writes nothing to the contract.
func (s *Session) Select(ctx context.Context, index int) (State, error) {
	if index < 0 || index >= types.CandidateCount {
		return s.State(), fmt.Errorf("%w: %d", ErrInvalidChoice, index)
	}
	snap, err := s.read(ctx)
	if err != nil {
		return s.State(), err
	}

	s.mu.Lock()
	res := DeriveView(s.inputLocked(snap))
	if res.View != ViewCandidatesReady && res.View != ViewSelectionMade {
		s.mu.Unlock()
		s.apply(snap)
		return s.State(), fmt.Errorf("%w: select in %s", ErrActionNotAllowed, res.View)
	}
	if s.orch != nil && !s.orch.Selectable(index) {
		s.mu.Unlock()
		return s.State(), fmt.Errorf("%w: %d", ErrInvalidChoice, index)
	}
	choice := index
	s.choice = &choice
	s.mu.Unlock()

	return s.apply(snap), nil
}

// Complete mints the selected candidate.
func (s *Session) Complete(ctx context.Context) (State, error) {
	var index uint8
	return s.write(ctx, OpComplete, ActionComplete, func(ctx context.Context, _ types.Snapshot) (common.Hash, error) {
		s.mu.Lock()
		if !validChoice(s.choice) {
			s.mu.Unlock()
			return common.Hash{}, ErrInvalidChoice
		}
		index = uint8(*s.choice)
		s.mu.Unlock()
		return s.gateway.Complete(ctx, s.variant, index)
	}, nil)
}

// OwnerMint mints a chosen seed directly, bypassing the three-option flow.
func (s *Session) OwnerMint(ctx context.Context, seed types.Seed, palette types.Palette) (State, error) {
	if err := palette.Validate(); err != nil {
		return s.State(), err
	}
	if seed.IsZero() {
		return s.State(), types.ErrInvalidSeed
	}
	return s.write(ctx, OpDirectMint, ActionNone, func(ctx context.Context, _ types.Snapshot) (common.Hash, error) {
		return s.gateway.OwnerMint(ctx, palette, seed)
	}, nil)
}

// SetConsent holds the signed acknowledgment in memory. It is forwarded only
// after a completion confirms.
func (s *Session) SetConsent(data consent.Data) error {
	if err := data.Validate(); err != nil {
		return err
	}
	if !common.IsHexAddress(data.WalletAddress) || common.HexToAddress(data.WalletAddress) != s.caller {
		return ErrConsentWallet
	}
	if data.TermsVersion == "" {
		data.TermsVersion = consent.TermsVersion
	}
	if strings.TrimSpace(data.SignedAt) == "" {
		data.SignedAt = consent.ParseSignedAt(data.Message, s.now())
	}
	s.mu.Lock()
	s.consentData = &data
	s.mu.Unlock()
	return nil
}

// ConsentMessage renders the agreement the caller must sign.
func (s *Session) ConsentMessage() string {
	return consent.Message(s.caller, s.now())
}

// Reset clears the local view, choice, preview and consent. The contract slot
// is untouched and stays held until it expires.
func (s *Session) Reset() (State, error) {
	s.mu.Lock()
	if s.pending != OpNone {
		s.mu.Unlock()
		return s.State(), ErrWriteInFlight
	}
	s.choice = nil
	s.completion = nil
	s.consentData = nil
	if s.orch != nil {
		s.orch.Stop()
		s.orch = nil
	}
	snap, ok := s.snapshot, s.haveRead
	s.mu.Unlock()

	s.logger.Info("session reset")
	if !ok {
		return s.State(), nil
	}
	return s.apply(snap), nil
}

// PreviewReady routes a renderer signal to the active orchestrator.
func (s *Session) PreviewReady(sig preview.RenderReady) error {
	s.mu.Lock()
	orch := s.orch
	s.mu.Unlock()
	if orch == nil {
		return fmt.Errorf("%w: no candidates on display", preview.ErrNotLoaded)
	}
	if err := orch.Ready(sig); err != nil {
		return err
	}
	s.publish()
	return nil
}

// Close stops the preview orchestrator.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orch != nil {
		s.orch.Stop()
		s.orch = nil
	}
}

type submitFunc func(ctx context.Context, snap types.Snapshot) (common.Hash, error)

// write re-derives from a fresh read, refuses unless the derived action
// matches, submits, waits for confirmation and re-derives again. The contract
// stays the authority: a rejected write leaves the view as the next read
// finds it.
func (s *Session) write(ctx context.Context, op Op, want Action, submit submitFunc, onConfirmed func()) (State, error) {
	if !s.writeMu.TryLock() {
		return s.State(), ErrWriteInFlight
	}
	defer s.writeMu.Unlock()

	s.settleUnconfirmed(ctx)
	snap, err := s.read(ctx)
	if err != nil {
		return s.State(), err
	}

	s.mu.Lock()
	res := DeriveView(s.inputLocked(snap))
	s.mu.Unlock()
	if !allowed(op, want, res) {
		s.apply(snap)
		return s.State(), fmt.Errorf("%w: %s requires %s, view %s offers %s", ErrActionNotAllowed, op, want, res.View, res.Next)
	}

	// Freeze the supply before the write so the new token id never depends
	// on a post-confirmation recount.
	supplyBefore := snap.Supply.Total
	log := s.logger.With(slog.String("op", op.String()))

	s.mu.Lock()
	s.pending = op
	s.mu.Unlock()
	s.apply(snap)

	hash, err := submit(ctx, snap)
	broadcast := err == nil
	if broadcast {
		log = log.With(slog.String("tx", hash.Hex()))
		log.Info("write submitted")
		started := s.now()
		err = s.gateway.WaitConfirmed(ctx, hash)
		if err == nil {
			s.metrics.ObserveConfirmation(op.String(), s.now().Sub(started))
		}
	}
	s.metrics.RecordWrite(op.String(), err)

	if err != nil {
		s.mu.Lock()
		s.pending = OpNone
		// A mint that left the wallet may still confirm; keep what the
		// effects need so a later read can settle it.
		if broadcast && (op == OpComplete || op == OpDirectMint) && !errors.Is(err, chain.ErrReverted) {
			s.unconfirmed = &effects.Completion{
				TxHash:       hash,
				SupplyBefore: supplyBefore,
				Wallet:       s.caller,
				Event:        effects.EventMinted,
				Consent:      s.consentData,
			}
		}
		s.mu.Unlock()
		log.Warn("write failed", slog.Any("error", err))
		if fresh, readErr := s.read(ctx); readErr == nil {
			s.apply(fresh)
		} else {
			s.publish()
		}
		return s.State(), fmt.Errorf("session: %s: %w", op, err)
	}

	log.Info("write confirmed")
	s.mu.Lock()
	s.pending = OpNone
	if onConfirmed != nil {
		onConfirmed()
	}
	var done *effects.Completion
	if op == OpComplete || op == OpDirectMint {
		done = s.completeLocked(effects.Completion{
			TxHash:       hash,
			SupplyBefore: supplyBefore,
			Wallet:       s.caller,
			Event:        effects.EventMinted,
			Consent:      s.consentData,
		})
	}
	s.mu.Unlock()

	if done != nil {
		s.fire(ctx, log, *done)
	}

	if fresh, readErr := s.read(ctx); readErr == nil {
		return s.apply(fresh), nil
	}
	s.publish()
	return s.State(), nil
}

// completeLocked records a confirmed mint and releases the local choice,
// consent and preview. s.mu must be held.
func (s *Session) completeLocked(done effects.Completion) *effects.Completion {
	done.ConfirmedAt = s.now()
	s.completion = &done
	s.choice = nil
	s.consentData = nil
	if s.orch != nil {
		s.orch.Stop()
		s.orch = nil
	}
	return &done
}

func (s *Session) fire(ctx context.Context, log *slog.Logger, done effects.Completion) {
	if s.effects == nil {
		return
	}
	if _, err := s.effects.Fire(ctx, done); err != nil {
		log.Warn("post-completion effects skipped", slog.Any("error", err))
	}
}

// settleUnconfirmed checks the receipt of a mint whose confirmation wait
// failed. A confirmed receipt completes it and fires the post-completion
// effects; a reverted one is dropped; anything else is retried next time.
func (s *Session) settleUnconfirmed(ctx context.Context) {
	s.mu.Lock()
	pending := s.unconfirmed
	s.mu.Unlock()
	if pending == nil {
		return
	}
	log := s.logger.With(slog.String("tx", pending.TxHash.Hex()))
	ok, err := s.gateway.Confirmed(ctx, pending.TxHash)
	switch {
	case errors.Is(err, chain.ErrReverted):
		log.Warn("unconfirmed mint reverted")
		s.mu.Lock()
		s.unconfirmed = nil
		s.mu.Unlock()
		return
	case err != nil:
		log.Warn("unconfirmed mint lookup failed", slog.Any("error", err))
		return
	case !ok:
		return
	}

	s.mu.Lock()
	if s.unconfirmed == nil || s.unconfirmed.TxHash != pending.TxHash {
		s.mu.Unlock()
		return
	}
	s.unconfirmed = nil
	done := s.completeLocked(*pending)
	s.mu.Unlock()

	log.Info("unconfirmed mint confirmed on a later read")
	s.fire(ctx, log, *done)
}

func allowed(op Op, want Action, res Result) bool {
	if res.Busy {
		return false
	}
	if op == OpDirectMint {
		return res.DirectMint && (res.View == ViewIdle || res.View == ViewExpired || res.View == ViewCompleted)
	}
	return res.Next == want
}

func (s *Session) read(ctx context.Context) (types.Snapshot, error) {
	started := time.Now()
	snap, err := s.gateway.Snapshot(ctx)
	s.metrics.ObserveSnapshot(time.Since(started), err)
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("session: read contract: %w", err)
	}
	return snap, nil
}

// chainNow never runs behind the latest block time, since the contract
// measures every window against block timestamps.
func (s *Session) chainNow(snap types.Snapshot) time.Time {
	now := s.now()
	if snap.BlockTime.After(now) {
		return snap.BlockTime
	}
	return now
}

func (s *Session) inputLocked(snap types.Snapshot) Input {
	return Input{
		Snapshot:   snap,
		Caller:     s.caller,
		Variant:    s.variant,
		Now:        s.chainNow(snap),
		Windows:    s.windows,
		Choice:     s.choice,
		Pending:    s.pending,
		Completion: s.completion,
	}
}

// apply stores snap, re-derives, reconciles the local cache with the result
// and notifies subscribers.
func (s *Session) apply(snap types.Snapshot) State {
	var stale *preview.Orchestrator
	var fresh *preview.Orchestrator

	s.mu.Lock()
	s.snapshot = snap
	s.haveRead = true
	res := DeriveView(s.inputLocked(snap))
	if res.ClearChoice {
		s.choice = nil
	}
	switch res.View {
	case ViewAwaitingSettle, ViewCandidatesReady, ViewSelectionMade, ViewExpired:
		// The caller moved on to a new slot.
		s.completion = nil
	}
	switch res.View {
	case ViewCandidatesReady, ViewSelectionMade:
		var seeds [types.CandidateCount]types.Seed
		copy(seeds[:], res.Seeds)
		if s.orch == nil || s.orch.Seeds() != seeds {
			stale = s.orch
			var palette types.Palette
			if res.Palette != nil {
				palette = *res.Palette
			}
			s.orch = s.previews(seeds, palette)
			fresh = s.orch
		}
	case ViewCompletePending:
	default:
		stale = s.orch
		s.orch = nil
	}
	if s.last.View != res.View {
		s.logger.Info("session view changed",
			slog.String("from", s.last.View.String()),
			slog.String("view", res.View.String()),
			slog.String("next", res.Next.String()),
		)
	}
	s.last = res
	s.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}
	if fresh != nil {
		if err := fresh.Start(); err != nil {
			s.logger.Warn("preview start failed", slog.Any("error", err))
		}
	}
	s.metrics.SetView(res.View.String(), ViewNames())
	return s.publish()
}

func (s *Session) stateLocked() State {
	st := State{Result: s.last, HasConsent: s.consentData != nil}
	if s.orch != nil {
		status := s.orch.Status()
		st.Preview = &status
	}
	if s.quote != nil && st.Price != nil {
		if rate, ok := s.quote(); ok {
			st.PriceUSD = FormatUSD(st.Price, rate)
		}
	}
	return st
}

// FormatUSD renders wei at rate dollars per ether, rounded to the cent.
func FormatUSD(wei *big.Int, rate float64) string {
	if wei == nil || rate <= 0 {
		return ""
	}
	eth := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18))
	usd, _ := new(big.Float).Mul(eth, big.NewFloat(rate)).Float64()
	return fmt.Sprintf("$%.2f", usd)
}

func (s *Session) publish() State {
	s.mu.Lock()
	st := s.stateLocked()
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
	return st
}
