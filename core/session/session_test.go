package session

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"spatters/chain"
	"spatters/core/consent"
	"spatters/core/effects"
	"spatters/core/preview"
	"spatters/core/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type revertError struct{ reason string }

func (e revertError) Error() string { return "execution reverted: " + e.reason }

// fakeChain plays the contract: writes take effect only when confirmed.
type fakeChain struct {
	mu            sync.Mutex
	clock         *testClock
	from          common.Address
	state         types.Snapshot
	nonce         uint64
	queued        map[common.Hash]func(now time.Time)
	calls         map[string]int
	reject        map[string]error
	hold          chan struct{}
	beforeConfirm func(*types.Snapshot)
	// waitErr is returned by the next wait after the tx is mined, as when
	// the receipt lookup fails on a transaction that did land.
	waitErr  error
	mined    map[common.Hash]bool
	reverted map[common.Hash]bool
	lookupOK bool
}

func newFakeChain(clock *testClock, from common.Address) *fakeChain {
	return &fakeChain{
		clock:    clock,
		from:     from,
		state:    baseSnapshot(),
		queued:   make(map[common.Hash]func(time.Time)),
		calls:    make(map[string]int),
		reject:   make(map[string]error),
		mined:    make(map[common.Hash]bool),
		reverted: make(map[common.Hash]bool),
		lookupOK: true,
	}
}

func (f *fakeChain) Snapshot(context.Context) (types.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.state
	s.BlockTime = f.clock.Now()
	s.ReadAt = s.BlockTime
	return s, nil
}

func (f *fakeChain) submit(op string, check func(now time.Time) error, effect func(now time.Time)) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if err, ok := f.reject[op]; ok {
		delete(f.reject, op)
		return common.Hash{}, err
	}
	if err := check(f.clock.Now()); err != nil {
		return common.Hash{}, err
	}
	f.nonce++
	hash := common.BigToHash(new(big.Int).SetUint64(f.nonce))
	f.queued[hash] = effect
	return hash, nil
}

func (f *fakeChain) slotHeldByOther(now time.Time) bool {
	sel := f.state.Selection
	return sel.Active && sel.Requester != f.from && now.Before(sel.ExpiresAt)
}

func (f *fakeChain) Commit(_ context.Context, variant types.Variant, palette types.Palette, value *big.Int) (common.Hash, error) {
	return f.submit("commit", func(now time.Time) error {
		if f.slotHeldByOther(now) {
			return revertError{"mint selection in progress"}
		}
		if variant == types.VariantPublic && (value == nil || value.Cmp(f.state.Price) < 0) {
			return revertError{"insufficient payment"}
		}
		return nil
	}, func(now time.Time) {
		f.state.Commit = types.Commit{BlockNumber: 100, Timestamp: now, HasCustomPalette: palette.IsCustom(), IsOwnerMint: variant == types.VariantOwner}
		f.state.Selection = types.Selection{Active: true, Requester: f.from, ExpiresAt: now.Add(45 * time.Minute)}
		f.state.Request = types.CandidateSet{}
	})
}

func (f *fakeChain) Request(context.Context, types.Variant) (common.Hash, error) {
	return f.submit("request", func(now time.Time) error {
		c := f.state.Commit
		if !c.Exists() || f.state.Selection.Requester != f.from {
			return revertError{"no pending commit"}
		}
		if now.Before(c.Timestamp.Add(30 * time.Second)) {
			return revertError{"settle delay"}
		}
		return nil
	}, func(now time.Time) {
		f.state.Request = types.CandidateSet{Seeds: candidateSeeds(), Timestamp: now}
		f.state.Selection.ExpiresAt = now.Add(45 * time.Minute)
		f.state.Commit = types.Commit{}
	})
}

func (f *fakeChain) Complete(_ context.Context, _ types.Variant, index uint8) (common.Hash, error) {
	return f.submit("complete", func(now time.Time) error {
		r := f.state.Request
		if !r.HasSeeds() || r.Completed || f.state.Selection.Requester != f.from {
			return revertError{"no pending request"}
		}
		if !now.Before(f.state.Selection.ExpiresAt) {
			return revertError{"selection expired"}
		}
		if index > 2 {
			return revertError{"bad index"}
		}
		return nil
	}, func(now time.Time) {
		f.state.Request.Completed = true
		f.state.Selection = types.Selection{}
		f.state.Supply.Total++
		f.state.LastGlobalMint = now
	})
}

func (f *fakeChain) OwnerMint(context.Context, types.Palette, types.Seed) (common.Hash, error) {
	return f.submit("owner-mint", func(time.Time) error {
		if f.from != f.state.Owner {
			return revertError{"not owner"}
		}
		return nil
	}, func(time.Time) {
		f.state.Supply.Total++
	})
}

func (f *fakeChain) WaitConfirmed(ctx context.Context, hash common.Hash) error {
	f.mu.Lock()
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	effect, ok := f.queued[hash]
	if !ok {
		return fmt.Errorf("unknown tx %s", hash.Hex())
	}
	delete(f.queued, hash)
	if f.beforeConfirm != nil {
		f.beforeConfirm(&f.state)
	}
	if f.reverted[hash] {
		return fmt.Errorf("%w: %s", chain.ErrReverted, hash.Hex())
	}
	effect(f.clock.Now())
	f.mined[hash] = true
	if err := f.waitErr; err != nil {
		f.waitErr = nil
		return err
	}
	return nil
}

func (f *fakeChain) Confirmed(_ context.Context, hash common.Hash) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reverted[hash] {
		return false, fmt.Errorf("%w: %s", chain.ErrReverted, hash.Hex())
	}
	if !f.lookupOK {
		return false, errors.New("503 service unavailable")
	}
	return f.mined[hash], nil
}

func (f *fakeChain) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

func quietPreviews(seeds [types.CandidateCount]types.Seed, palette types.Palette) *preview.Orchestrator {
	return preview.New(seeds, palette,
		preview.WithAfterFunc(func(time.Duration, func()) preview.Timer { return noopTimer{} }),
		preview.WithMetrics(nil),
	)
}

type triggerLog struct {
	mu  sync.Mutex
	ids []uint64
}

func (l *triggerLog) TriggerGeneration(_ context.Context, tokenID uint64, _ effects.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, tokenID)
	return nil
}

func newTestSession(chain *fakeChain, clock *testClock, opts ...Option) *Session {
	base := []Option{
		WithClock(clock.Now),
		WithMetrics(nil),
		WithPreviewFactory(quietPreviews),
	}
	return New(chain, chain.from, append(base, opts...)...)
}

func TestFullPublicMintFlow(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: t0}
	chain := newFakeChain(clock, alice)
	triggers := &triggerLog{}
	coord := effects.NewCoordinator(effects.WithGenerationTrigger(triggers), effects.WithMetrics(nil))
	sess := newTestSession(chain, clock, WithEffects(coord))

	st, err := sess.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if st.View != ViewIdle || st.Next != ActionCommit {
		t.Fatalf("expected idle/commit, got %s/%s", st.View, st.Next)
	}

	if st, err = sess.Commit(ctx, types.Palette{}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if st.View != ViewAwaitingSettle || st.Next != ActionWaitSettle {
		t.Fatalf("expected awaiting settle, got %s/%s", st.View, st.Next)
	}
	if _, err := sess.Request(ctx); !errors.Is(err, ErrActionNotAllowed) {
		t.Fatalf("request before settle should be refused, got %v", err)
	}

	clock.Advance(30 * time.Second)
	if st, err = sess.Request(ctx); err != nil {
		t.Fatalf("request: %v", err)
	}
	if st.View != ViewCandidatesReady || len(st.Seeds) != types.CandidateCount {
		t.Fatalf("expected candidates, got %s with %d seeds", st.View, len(st.Seeds))
	}
	if st.Preview == nil || !st.Preview.Items[0].Loaded || st.Preview.Items[1].Loaded {
		t.Fatalf("expected only the first preview loading: %+v", st.Preview)
	}

	if st, err = sess.Select(ctx, 1); err != nil {
		t.Fatalf("select: %v", err)
	}
	if st.View != ViewSelectionMade || st.Choice == nil || *st.Choice != 1 {
		t.Fatalf("expected selection made, got %s", st.View)
	}

	if st, err = sess.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if st.View != ViewCompleted || st.TokenID != 42 {
		t.Fatalf("expected completed token 42, got %s %d", st.View, st.TokenID)
	}
	if st.Preview != nil {
		t.Fatalf("preview should be released after completion")
	}
	coord.Wait()
	if len(triggers.ids) != 1 || triggers.ids[0] != 42 {
		t.Fatalf("unexpected generation triggers %v", triggers.ids)
	}

	if st, err = sess.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if st.View != ViewIdle {
		t.Fatalf("expected idle after reset, got %s", st.View)
	}
	// The chain now enforces the public cooldown.
	if st.Gate != GateCooldown || st.Next != ActionNone {
		t.Fatalf("expected cooldown gate, got %q/%s", st.Gate, st.Next)
	}
}

func TestRequestRefusedUntilCommitConfirmed(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: t0}
	chain := newFakeChain(clock, alice)
	chain.hold = make(chan struct{})
	sess := newTestSession(chain, clock)
	otherTab := newTestSession(chain, clock)

	done := make(chan error, 1)
	go func() {
		_, err := sess.Commit(ctx, types.Palette{})
		done <- err
	}()

	waitFor(t, func() bool { return sess.State().View == ViewCommitPending })
	clock.Advance(time.Minute)

	if _, err := sess.Request(ctx); !errors.Is(err, ErrWriteInFlight) {
		t.Fatalf("expected ErrWriteInFlight while commit is unconfirmed, got %v", err)
	}
	if _, err := otherTab.Request(ctx); !errors.Is(err, ErrActionNotAllowed) {
		t.Fatalf("expected ErrActionNotAllowed before confirmation, got %v", err)
	}
	if chain.count("request") != 0 {
		t.Fatalf("request reached the contract before the commit confirmed")
	}

	close(chain.hold)
	if err := <-done; err != nil {
		t.Fatalf("commit: %v", err)
	}
	clock.Advance(30 * time.Second)
	st, err := otherTab.Request(ctx)
	if err != nil {
		t.Fatalf("request after confirmation: %v", err)
	}
	if st.View != ViewCandidatesReady {
		t.Fatalf("expected candidates, got %s", st.View)
	}
}

func TestSelectionExpiresAtWindowEnd(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: t0}
	chain := newFakeChain(clock, alice)
	chain.state = withCandidates(baseSnapshot(), alice, t0)
	sess := newTestSession(chain, clock)

	clock.Advance(2699 * time.Second)
	st, err := sess.Select(ctx, 0)
	if err != nil {
		t.Fatalf("select at t0+2699: %v", err)
	}
	if st.View != ViewSelectionMade {
		t.Fatalf("expected selection made, got %s", st.View)
	}

	clock.Advance(2 * time.Second)
	if st = sess.Tick(); st.View != ViewExpired || st.Choice != nil {
		t.Fatalf("expected expired with cleared choice, got %s %v", st.View, st.Choice)
	}
	if st.Preview != nil {
		t.Fatalf("expired session should drop its previews")
	}
	if _, err := sess.Complete(ctx); !errors.Is(err, ErrActionNotAllowed) {
		t.Fatalf("expected completion refused after expiry, got %v", err)
	}
	if chain.count("complete") != 0 {
		t.Fatalf("completion reached the contract after expiry")
	}
}

func TestTokenIDUsesSupplyBeforeWrite(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: t0}
	chain := newFakeChain(clock, alice)
	chain.state = withCandidates(baseSnapshot(), alice, t0)
	// Two completions from other clients confirm before ours does.
	chain.beforeConfirm = func(s *types.Snapshot) { s.Supply.Total += 2 }
	triggers := &triggerLog{}
	coord := effects.NewCoordinator(effects.WithGenerationTrigger(triggers), effects.WithMetrics(nil))
	sess := newTestSession(chain, clock, WithEffects(coord))

	if _, err := sess.Select(ctx, 2); err != nil {
		t.Fatalf("select: %v", err)
	}
	st, err := sess.Complete(ctx)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	coord.Wait()
	if st.TokenID != 42 {
		t.Fatalf("expected token 42, got %d", st.TokenID)
	}
	if st.Supply.Total != 44 {
		t.Fatalf("expected recount of 44, got %d", st.Supply.Total)
	}
	if len(triggers.ids) != 1 || triggers.ids[0] != 42 {
		t.Fatalf("unexpected triggers %v", triggers.ids)
	}
}

func TestBlockedByOtherRefusesWrites(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: t0}
	chain := newFakeChain(clock, alice)
	chain.state = withCandidates(baseSnapshot(), bob, t0.Add(-time.Minute))
	sess := newTestSession(chain, clock)

	st, err := sess.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if st.View != ViewBlockedByOther || st.BlockedBy == nil || *st.BlockedBy != bob {
		t.Fatalf("expected blocked by bob, got %s", st.View)
	}
	if _, err := sess.Commit(ctx, types.Palette{}); !errors.Is(err, ErrActionNotAllowed) {
		t.Fatalf("expected commit refused, got %v", err)
	}
	if chain.count("commit") != 0 {
		t.Fatalf("session should not submit while blocked")
	}

	// The contract rejects the write regardless of what the client believes.
	if _, err := chain.Commit(ctx, types.VariantPublic, types.Palette{}, big.NewInt(1e16)); err == nil {
		t.Fatalf("expected the contract to reject a conflicting commit")
	}
}

func TestRejectedWriteLeavesViewUnchanged(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: t0}
	chain := newFakeChain(clock, alice)
	chain.reject["commit"] = revertError{"paused"}
	sess := newTestSession(chain, clock)

	st, err := sess.Commit(ctx, types.Palette{})
	if err == nil {
		t.Fatalf("expected rejected commit")
	}
	var revert revertError
	if !errors.As(err, &revert) {
		t.Fatalf("expected the contract error to be wrapped, got %v", err)
	}
	if st.View != ViewIdle || st.Busy || st.Next != ActionCommit {
		t.Fatalf("expected idle and retryable, got %s busy=%v next=%s", st.View, st.Busy, st.Next)
	}
	if _, err := sess.Commit(ctx, types.Palette{}); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestReloadRestoresCandidates(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: t0.Add(5 * time.Minute)}
	chain := newFakeChain(clock, alice)
	chain.state = withCandidates(baseSnapshot(), alice, t0)

	first := newTestSession(chain, clock)
	if _, err := first.Select(ctx, 1); err != nil {
		t.Fatalf("select: %v", err)
	}
	st, err := first.Reset()
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if st.View != ViewCandidatesReady || st.Choice != nil {
		t.Fatalf("reset should keep the on-chain slot but drop the choice, got %s", st.View)
	}

	reloaded := newTestSession(chain, clock)
	st, err = reloaded.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if st.View != ViewCandidatesReady || len(st.Seeds) != types.CandidateCount {
		t.Fatalf("expected candidates restored, got %s", st.View)
	}
	if st.SelectionDeadline == nil || st.SelectionDeadline.Display != "40m 00s" {
		t.Fatalf("unexpected deadline %+v", st.SelectionDeadline)
	}
}

func TestCompletionSettledWhenReceiptLookupFails(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: t0.Add(time.Minute)}
	contract := newFakeChain(clock, alice)
	contract.state = withCandidates(baseSnapshot(), alice, t0)
	triggers := &triggerLog{}
	coord := effects.NewCoordinator(effects.WithGenerationTrigger(triggers), effects.WithMetrics(nil))
	sess := newTestSession(contract, clock, WithEffects(coord))

	if _, err := sess.Select(ctx, 1); err != nil {
		t.Fatalf("select: %v", err)
	}
	contract.waitErr = errors.New("chain: receipt: 503 service unavailable")
	if _, err := sess.Complete(ctx); err == nil {
		t.Fatalf("expected the failed wait to surface")
	}
	coord.Wait()
	if len(triggers.ids) != 0 {
		t.Fatalf("no trigger before the receipt is seen, got %v", triggers.ids)
	}

	contract.mu.Lock()
	contract.lookupOK = false
	contract.mu.Unlock()
	if _, err := sess.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	coord.Wait()
	if len(triggers.ids) != 0 {
		t.Fatalf("lookup failure must not fire, got %v", triggers.ids)
	}

	contract.mu.Lock()
	contract.lookupOK = true
	contract.mu.Unlock()
	st, err := sess.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if st.View != ViewCompleted || st.TokenID != 42 {
		t.Fatalf("expected completed token 42 from frozen supply, got %s %d", st.View, st.TokenID)
	}
	if _, err := sess.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	coord.Wait()
	if len(triggers.ids) != 1 || triggers.ids[0] != 42 {
		t.Fatalf("expected exactly one trigger for token 42, got %v", triggers.ids)
	}
}

func TestRevertedMintNotSettled(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: t0.Add(time.Minute)}
	contract := newFakeChain(clock, alice)
	contract.state = withCandidates(baseSnapshot(), alice, t0)
	triggers := &triggerLog{}
	coord := effects.NewCoordinator(effects.WithGenerationTrigger(triggers), effects.WithMetrics(nil))
	sess := newTestSession(contract, clock, WithEffects(coord))

	if _, err := sess.Select(ctx, 0); err != nil {
		t.Fatalf("select: %v", err)
	}
	contract.mu.Lock()
	contract.reverted[common.BigToHash(big.NewInt(1))] = true
	contract.mu.Unlock()
	if _, err := sess.Complete(ctx); !errors.Is(err, chain.ErrReverted) {
		t.Fatalf("expected ErrReverted, got %v", err)
	}
	st, err := sess.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	coord.Wait()
	if st.View == ViewCompleted || len(triggers.ids) != 0 {
		t.Fatalf("reverted mint must not complete, got %s triggers %v", st.View, triggers.ids)
	}
}

func TestOwnerDirectMint(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: t0}
	chain := newFakeChain(clock, bob)
	triggers := &triggerLog{}
	coord := effects.NewCoordinator(effects.WithGenerationTrigger(triggers), effects.WithMetrics(nil))
	owner := newTestSession(chain, clock, WithVariant(types.VariantOwner), WithEffects(coord))

	seed, err := types.SeedFromInteger("1763114204158")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	st, err := owner.OwnerMint(ctx, seed, types.DefaultPalette)
	if err != nil {
		t.Fatalf("owner mint: %v", err)
	}
	coord.Wait()
	if st.View != ViewCompleted || st.TokenID != 42 {
		t.Fatalf("expected completed token 42, got %s %d", st.View, st.TokenID)
	}

	stranger := newTestSession(newFakeChain(clock, alice), clock)
	if _, err := stranger.OwnerMint(ctx, seed, types.Palette{}); !errors.Is(err, ErrActionNotAllowed) {
		t.Fatalf("expected non-owner direct mint refused, got %v", err)
	}
}

func TestConsentForwardedOnlyAfterCompletion(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	wallet := crypto.PubkeyToAddress(key.PublicKey)
	clock := &testClock{now: t0.Add(time.Minute)}
	chain := newFakeChain(clock, wallet)
	chain.state = withCandidates(baseSnapshot(), wallet, t0)

	var mu sync.Mutex
	var records []consent.Record
	coord := effects.NewCoordinator(
		effects.WithConsentRecorder(effects.RecorderFunc(func(_ context.Context, rec consent.Record) error {
			mu.Lock()
			defer mu.Unlock()
			records = append(records, rec)
			return nil
		})),
		effects.WithMetrics(nil),
	)
	sess := newTestSession(chain, clock, WithEffects(coord))

	msg := sess.ConsentMessage()
	sig, err := consent.Sign(msg, keySigner{key})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	stranger := newTestSession(newFakeChain(clock, alice), clock)
	if err := stranger.SetConsent(consent.Data{WalletAddress: wallet.Hex(), Signature: sig, Message: msg}); !errors.Is(err, ErrConsentWallet) {
		t.Fatalf("expected ErrConsentWallet, got %v", err)
	}

	if err := sess.SetConsent(consent.Data{WalletAddress: wallet.Hex(), Signature: sig, Message: msg}); err != nil {
		t.Fatalf("set consent: %v", err)
	}
	if _, err := sess.Select(ctx, 0); err != nil {
		t.Fatalf("select: %v", err)
	}
	coord.Wait()
	mu.Lock()
	if len(records) != 0 {
		t.Fatalf("consent forwarded before completion")
	}
	mu.Unlock()

	if _, err := sess.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	coord.Wait()
	mu.Lock()
	defer mu.Unlock()
	if len(records) != 1 {
		t.Fatalf("expected one consent record, got %d", len(records))
	}
	if records[0].TokenID != 42 || records[0].MintTxHash == "" || records[0].TermsVersion != consent.TermsVersion {
		t.Fatalf("unexpected record %+v", records[0])
	}
	if st := sess.State(); st.HasConsent {
		t.Fatalf("consent should be consumed by the completion")
	}
}

type keySigner struct{ key *ecdsa.PrivateKey }

func (k keySigner) SignHash(hash []byte) ([]byte, error) { return crypto.Sign(hash, k.key) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestStateCarriesPriceInDollars(t *testing.T) {
	clock := &testClock{now: t0}
	contract := newFakeChain(clock, alice)
	sess := newTestSession(contract, clock, WithPriceQuote(func() (float64, bool) { return 3000, true }))
	st, err := sess.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if st.PriceUSD != "$30.00" {
		t.Fatalf("expected $30.00 for 0.01 ETH, got %q", st.PriceUSD)
	}

	unquoted := newTestSession(contract, clock, WithPriceQuote(func() (float64, bool) { return 0, false }))
	if st, _ := unquoted.Refresh(context.Background()); st.PriceUSD != "" {
		t.Fatalf("no quote should leave the dollar price empty, got %q", st.PriceUSD)
	}
}

func TestFormatUSD(t *testing.T) {
	cases := []struct {
		wei  *big.Int
		rate float64
		want string
	}{
		{big.NewInt(25e15), 3333.33, "$83.33"},
		{big.NewInt(1e18), 1850.5, "$1850.50"},
		{nil, 3000, ""},
		{big.NewInt(1e18), 0, ""},
	}
	for _, tc := range cases {
		if got := FormatUSD(tc.wei, tc.rate); got != tc.want {
			t.Fatalf("FormatUSD(%v, %v) = %q want %q", tc.wei, tc.rate, got, tc.want)
		}
	}
}
