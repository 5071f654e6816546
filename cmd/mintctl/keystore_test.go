package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"spatters/crypto"
)

func TestKeystoreImportRoundTrips(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	out := filepath.Join(t.TempDir(), "wallet", "mintd.json")
	t.Setenv("MINTD_PRIVATE_KEY", hexutil.Encode(key.Bytes()))
	t.Setenv("MINTD_KEYSTORE_PASSPHRASE", "correct horse")

	printed, err := run(t, "http://unused", "keystore", "import", "--out", out)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.HasPrefix(printed, key.Address().Hex()) {
		t.Fatalf("expected address in output, got %q", printed)
	}
	loaded, err := crypto.LoadFromKeystore(out, "correct horse")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if loaded.Address() != key.Address() {
		t.Fatalf("keystore holds %s, want %s", loaded.Address().Hex(), key.Address().Hex())
	}

	if _, err := run(t, "http://unused", "keystore", "new", "--out", out); err == nil || !strings.Contains(err.Error(), "--force") {
		t.Fatalf("expected overwrite to be refused, got %v", err)
	}
}

func TestKeystoreImportRequiresKey(t *testing.T) {
	t.Setenv("MINTD_PRIVATE_KEY", "")
	t.Setenv("MINTD_KEYSTORE_PASSPHRASE", "pw")
	_, err := run(t, "http://unused", "keystore", "import", "--out", filepath.Join(t.TempDir(), "k.json"))
	if err == nil || !strings.Contains(err.Error(), "MINTD_PRIVATE_KEY") {
		t.Fatalf("expected missing key error, got %v", err)
	}
}
