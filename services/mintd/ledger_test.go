package mintd

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestBoltLedgerClaimsOncePerTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "effects.db")
	hash := common.HexToHash("0x01")

	ledger, err := NewBoltLedger(path, nil)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	ok, err := ledger.Claim(hash, 42)
	if err != nil || !ok {
		t.Fatalf("first claim: %v %v", ok, err)
	}
	if ok, err = ledger.Claim(hash, 43); err != nil || ok {
		t.Fatalf("second claim should be refused: %v %v", ok, err)
	}
	if err := ledger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewBoltLedger(path, nil)
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}
	defer reopened.Close()
	if ok, err := reopened.Claim(hash, 42); err != nil || ok {
		t.Fatalf("claim after reopen should be refused: %v %v", ok, err)
	}
	tokenID, found, err := reopened.Lookup(hash)
	if err != nil || !found || tokenID != 42 {
		t.Fatalf("lookup returned %d %v %v", tokenID, found, err)
	}
	if _, found, _ := reopened.Lookup(common.HexToHash("0x02")); found {
		t.Fatalf("unexpected record for unknown hash")
	}
}
