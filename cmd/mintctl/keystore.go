package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"spatters/cmd/internal/passphrase"
	"spatters/crypto"
)

// newKeystoreCmd manages the encrypted wallet file mintd unlocks at start.
func newKeystoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keystore",
		Short: "Create or import the mintd wallet keystore",
	}
	cmd.AddCommand(
		newKeystoreWriteCmd("new", "Generate a fresh wallet into a keystore file", false),
		newKeystoreWriteCmd("import", "Encrypt a hex private key into a keystore file", true),
	)
	return cmd
}

func newKeystoreWriteCmd(use, short string, importKey bool) *cobra.Command {
	var out, keyEnv, passEnv, passFile string
	var force bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(out) == "" {
				return errors.New("--out is required")
			}
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", out)
			}
			var (
				key *crypto.PrivateKey
				err error
			)
			if importKey {
				raw := strings.TrimSpace(os.Getenv(keyEnv))
				if raw == "" {
					return fmt.Errorf("%s is empty", keyEnv)
				}
				key, err = crypto.PrivateKeyFromHex(raw)
			} else {
				key, err = crypto.GeneratePrivateKey()
			}
			if err != nil {
				return err
			}
			secret, err := passphrase.NewSource(passEnv).WithFile(passFile).Get()
			if err != nil {
				return err
			}
			if err := crypto.SaveToKeystore(out, key, secret); err != nil {
				return fmt.Errorf("write keystore: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", key.Address().Hex(), out)
			return err
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "keystore file to write")
	cmd.Flags().StringVar(&passEnv, "passphrase-env", "MINTD_KEYSTORE_PASSPHRASE", "environment variable holding the passphrase")
	cmd.Flags().StringVar(&passFile, "passphrase-file", "", "file holding the passphrase")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing keystore")
	if importKey {
		cmd.Flags().StringVar(&keyEnv, "key-env", "MINTD_PRIVATE_KEY", "environment variable holding the hex private key")
	}
	return cmd
}
