package effects

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"spatters/core/consent"
)

type recordingCollaborators struct {
	mu       sync.Mutex
	triggers []uint64
	records  []consent.Record
	fail     bool
}

func (r *recordingCollaborators) TriggerGeneration(_ context.Context, tokenID uint64, _ Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, tokenID)
	if r.fail {
		return errors.New("rate limited")
	}
	return nil
}

func (r *recordingCollaborators) RecordConsent(_ context.Context, rec consent.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	if r.fail {
		return errors.New("storage down")
	}
	return nil
}

func newTestCoordinator(collab *recordingCollaborators) *Coordinator {
	return NewCoordinator(
		WithGenerationTrigger(collab),
		WithConsentRecorder(collab),
		WithMetrics(nil),
	)
}

func TestFireIsIdempotentPerTransaction(t *testing.T) {
	collab := &recordingCollaborators{}
	coord := newTestCoordinator(collab)
	done := Completion{
		TxHash:       common.HexToHash("0xabc"),
		SupplyBefore: 41,
		Consent:      &consent.Data{WalletAddress: "0x01", TermsVersion: consent.TermsVersion},
	}

	var fired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := coord.Fire(context.Background(), done)
			if err != nil {
				t.Errorf("fire: %v", err)
			}
			if ok {
				fired.Add(1)
			}
		}()
	}
	wg.Wait()
	coord.Wait()

	if fired.Load() != 1 {
		t.Fatalf("expected exactly one fire, got %d", fired.Load())
	}
	if len(collab.triggers) != 1 || len(collab.records) != 1 {
		t.Fatalf("expected one notification each, got %d triggers and %d records", len(collab.triggers), len(collab.records))
	}
}

func TestFireUsesFrozenSupply(t *testing.T) {
	collab := &recordingCollaborators{}
	coord := newTestCoordinator(collab)

	// Two other mints confirmed meanwhile; the id still derives from the
	// value captured before submission.
	done := Completion{TxHash: common.HexToHash("0x01"), SupplyBefore: 41}
	if _, err := coord.Fire(context.Background(), done); err != nil {
		t.Fatalf("fire: %v", err)
	}
	coord.Wait()

	if len(collab.triggers) != 1 || collab.triggers[0] != 42 {
		t.Fatalf("expected token 42, got %v", collab.triggers)
	}
	if id, ok := coord.Fired(done.TxHash); !ok || id != 42 {
		t.Fatalf("fired lookup returned %d %v", id, ok)
	}
}

func TestConsentOnlyForwardedWithConsentData(t *testing.T) {
	collab := &recordingCollaborators{}
	coord := newTestCoordinator(collab)

	if _, err := coord.Fire(context.Background(), Completion{TxHash: common.HexToHash("0x02"), SupplyBefore: 9}); err != nil {
		t.Fatalf("fire: %v", err)
	}
	coord.Wait()
	if len(collab.records) != 0 {
		t.Fatalf("consent recorded without data")
	}

	data := &consent.Data{WalletAddress: "0x02", Signature: "0xsig"}
	if _, err := coord.Fire(context.Background(), Completion{TxHash: common.HexToHash("0x03"), SupplyBefore: 10, Consent: data}); err != nil {
		t.Fatalf("fire: %v", err)
	}
	coord.Wait()
	if len(collab.records) != 1 {
		t.Fatalf("expected one consent record, got %d", len(collab.records))
	}
	rec := collab.records[0]
	if rec.TokenID != 11 || rec.MintTxHash != common.HexToHash("0x03").Hex() {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestFireRequiresTxHash(t *testing.T) {
	coord := newTestCoordinator(&recordingCollaborators{})
	if _, err := coord.Fire(context.Background(), Completion{SupplyBefore: 1}); !errors.Is(err, ErrMissingTxHash) {
		t.Fatalf("expected ErrMissingTxHash, got %v", err)
	}
}

func TestCollaboratorFailuresAreSwallowed(t *testing.T) {
	collab := &recordingCollaborators{fail: true}
	coord := newTestCoordinator(collab)
	ok, err := coord.Fire(context.Background(), Completion{
		TxHash:       common.HexToHash("0x04"),
		SupplyBefore: 3,
		Consent:      &consent.Data{WalletAddress: "0x04"},
	})
	coord.Wait()
	if !ok || err != nil {
		t.Fatalf("expected fire to succeed despite failures, got %v %v", ok, err)
	}
	if len(collab.triggers) != 1 || len(collab.records) != 1 {
		t.Fatalf("collaborators not attempted")
	}
}

func TestEventValid(t *testing.T) {
	if !EventMinted.Valid() || !EventMutated.Valid() || Event("token-burned").Valid() {
		t.Fatalf("unexpected event validity")
	}
}

type mapLedger struct {
	mu     sync.Mutex
	claims map[common.Hash]uint64
	err    error
}

func (l *mapLedger) Claim(hash common.Hash, tokenID uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if _, ok := l.claims[hash]; ok {
		return false, nil
	}
	l.claims[hash] = tokenID
	return true, nil
}

func TestLedgerSuppressesFireAfterRestart(t *testing.T) {
	ledger := &mapLedger{claims: make(map[common.Hash]uint64)}
	done := Completion{TxHash: common.HexToHash("0xbeef"), SupplyBefore: 9}

	first := &recordingCollaborators{}
	coord := NewCoordinator(WithGenerationTrigger(first), WithLedger(ledger), WithMetrics(nil))
	if ok, err := coord.Fire(context.Background(), done); err != nil || !ok {
		t.Fatalf("first fire: %v %v", ok, err)
	}
	coord.Wait()

	second := &recordingCollaborators{}
	restarted := NewCoordinator(WithGenerationTrigger(second), WithLedger(ledger), WithMetrics(nil))
	ok, err := restarted.Fire(context.Background(), done)
	if err != nil || ok {
		t.Fatalf("expected the restarted coordinator to skip, got %v %v", ok, err)
	}
	restarted.Wait()
	if len(first.triggers) != 1 || len(second.triggers) != 0 {
		t.Fatalf("unexpected triggers %v / %v", first.triggers, second.triggers)
	}
	if ledger.claims[done.TxHash] != 10 {
		t.Fatalf("ledger recorded token %d", ledger.claims[done.TxHash])
	}
}

func TestLedgerFailureStillFires(t *testing.T) {
	collab := &recordingCollaborators{}
	coord := NewCoordinator(WithGenerationTrigger(collab), WithLedger(&mapLedger{err: errors.New("disk full")}), WithMetrics(nil))
	if ok, err := coord.Fire(context.Background(), Completion{TxHash: common.HexToHash("0x02"), SupplyBefore: 1}); err != nil || !ok {
		t.Fatalf("fire: %v %v", ok, err)
	}
	coord.Wait()
	if len(collab.triggers) != 1 {
		t.Fatalf("expected trigger despite ledger failure, got %v", collab.triggers)
	}
}
