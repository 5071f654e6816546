package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const defaultEndpoint = "http://127.0.0.1:7090"

type options struct {
	endpoint string
	token    string
	raw      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "mintctl",
		Short:        "Drive a mintd mint session from the terminal",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.endpoint, "endpoint", envOr("MINTCTL_ENDPOINT", defaultEndpoint), "mintd base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("MINTCTL_TOKEN"), "bearer token for mintd")
	root.PersistentFlags().BoolVar(&opts.raw, "json", false, "print the raw session JSON")

	root.AddCommand(
		newStatusCmd(opts),
		newActionCmd(opts, "refresh", "Re-read the contract", "/session/refresh"),
		newCommitCmd(opts),
		newActionCmd(opts, "request", "Reveal the three candidate seeds", "/session/request"),
		newSelectCmd(opts),
		newActionCmd(opts, "complete", "Mint the selected candidate", "/session/complete"),
		newOwnerMintCmd(opts),
		newActionCmd(opts, "reset", "Clear a completed session", "/session/reset"),
		newConsentCmd(opts),
		newWatchCmd(opts),
		newTokenCmd(),
		newKeystoreCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
