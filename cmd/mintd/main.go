package main

import (
	"log"
	"strings"

	"spatters/cmd/internal/passphrase"
	"spatters/crypto"
	"spatters/services/mintd"
)

func main() {
	if err := mintd.Main(loadWallet); err != nil {
		log.Fatalf("mintd: %v", err)
	}
}

// loadWallet unlocks the keystore when one is configured, prompting for the
// passphrase if neither a file nor an environment variable supplies it.
func loadWallet(cfg mintd.WalletConfig) (*crypto.PrivateKey, error) {
	path := strings.TrimSpace(cfg.Keystore)
	if path == "" {
		return mintd.EnvWallet(cfg)
	}
	source := passphrase.NewSource(cfg.PassphraseEnv).WithFile(cfg.PassphraseFile)
	return crypto.Unlock(path, source.Get)
}
