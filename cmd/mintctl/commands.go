package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"

	"spatters/core/deadline"
	"spatters/core/session"
	"spatters/gateway/middleware"
)

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the derived session view",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, raw, err := newClient(opts).state(cmd.Context(), http.MethodGet, "/session", nil)
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), opts, st, raw)
		},
	}
}

func newActionCmd(opts *options, use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return post(cmd, opts, path, nil)
		},
	}
}

func newCommitCmd(opts *options) *cobra.Command {
	var palette string
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit to a new mint, paying the current price",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return post(cmd, opts, "/session/commit", map[string]string{"palette": palette})
		},
	}
	cmd.Flags().StringVar(&palette, "palette", "", "six comma separated #rrggbb colours (owner sessions only)")
	return cmd
}

func newSelectCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "select <index>",
		Short: "Pick candidate 0, 1 or 2",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("index must be a number: %w", err)
			}
			return post(cmd, opts, "/session/select", map[string]int{"index": index})
		},
	}
}

func newOwnerMintCmd(opts *options) *cobra.Command {
	var seed, palette string
	cmd := &cobra.Command{
		Use:   "owner-mint",
		Short: "Mint a chosen seed directly from the owner wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(seed) == "" {
				return fmt.Errorf("--seed is required")
			}
			return post(cmd, opts, "/session/owner-mint", map[string]string{"seed": seed, "palette": palette})
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "seed as 0x hex or a decimal below 2^52")
	cmd.Flags().StringVar(&palette, "palette", "", "six comma separated #rrggbb colours")
	return cmd
}

func newConsentCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Read or sign the minting agreement",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "message",
		Short: "Print the agreement text for the session wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := newClient(opts).do(cmd.Context(), http.MethodGet, "/session/consent-message", nil)
			if err != nil {
				return err
			}
			var resp struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(raw, &resp); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "sign",
		Short: "Sign the agreement with the mintd wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return post(cmd, opts, "/session/consent/sign", nil)
		},
	})
	var signature, messageFile, signedAt string
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit a signature produced by an external wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			message, err := readMessage(cmd.InOrStdin(), messageFile)
			if err != nil {
				return err
			}
			return post(cmd, opts, "/session/consent", map[string]string{
				"signature": signature,
				"message":   message,
				"signedAt":  signedAt,
			})
		},
	}
	submit.Flags().StringVar(&signature, "signature", "", "0x personal_sign signature")
	submit.Flags().StringVar(&messageFile, "message-file", "-", "file holding the signed message, - for stdin")
	submit.Flags().StringVar(&signedAt, "signed-at", "", "RFC3339 signing time")
	_ = submit.MarkFlagRequired("signature")
	cmd.AddCommand(submit)
	return cmd
}

func newWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow session changes as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watch(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
}

func newTokenCmd() *cobra.Command {
	var secret, subject, issuer, audience string
	var scopes []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for mintd from its HMAC secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = strings.TrimSpace(envOr("MINTD_HMAC_SECRET", ""))
			}
			auth := middleware.NewAuthenticator(middleware.AuthConfig{
				Enabled:    true,
				HMACSecret: secret,
				Issuer:     issuer,
				Audience:   audience,
			}, nil)
			token, err := auth.IssueToken(subject, scopes, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC secret (defaults to $MINTD_HMAC_SECRET)")
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringVar(&issuer, "issuer", "mintd", "token issuer")
	cmd.Flags().StringVar(&audience, "audience", "", "token audience")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{middleware.ScopeRead, middleware.ScopeWrite}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func post(cmd *cobra.Command, opts *options, path string, payload interface{}) error {
	st, raw, err := newClient(opts).state(cmd.Context(), http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	return printState(cmd.OutOrStdout(), opts, st, raw)
}

func readMessage(stdin io.Reader, path string) (string, error) {
	if path == "" || path == "-" {
		raw, err := io.ReadAll(stdin)
		return string(raw), err
	}
	raw, err := os.ReadFile(path)
	return string(raw), err
}

func watch(ctx context.Context, out io.Writer, opts *options) error {
	endpoint := strings.TrimRight(opts.endpoint, "/") + "/session/stream"
	endpoint = "ws" + strings.TrimPrefix(endpoint, "http")
	dialOpts := &websocket.DialOptions{}
	if opts.token != "" {
		dialOpts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + opts.token}}
	}
	conn, _, err := websocket.Dial(ctx, endpoint, dialOpts)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var msg struct {
			Type    string          `json:"type"`
			State   json.RawMessage `json:"state"`
			Preview json.RawMessage `json:"preview"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode stream frame: %w", err)
		}
		switch msg.Type {
		case "state":
			var st session.State
			if err := json.Unmarshal(msg.State, &st); err != nil {
				return fmt.Errorf("decode state: %w", err)
			}
			if err := printState(out, opts, st, msg.State); err != nil {
				return err
			}
		default:
			if _, err := fmt.Fprintf(out, "%s %s\n", msg.Type, msg.Preview); err != nil {
				return err
			}
		}
	}
}

func printState(out io.Writer, opts *options, st session.State, raw []byte) error {
	if opts.raw {
		_, err := fmt.Fprintln(out, strings.TrimSpace(string(raw)))
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "view:     %s\n", st.View)
	fmt.Fprintf(&b, "next:     %s\n", st.Next)
	if st.Gate != "" {
		fmt.Fprintf(&b, "gate:     %s\n", st.Gate)
	}
	if st.Pending != session.OpNone {
		fmt.Fprintf(&b, "pending:  %s\n", st.Pending)
	}
	fmt.Fprintf(&b, "supply:   %d/%d\n", st.Supply.Total, st.Supply.Max)
	if st.Price != nil {
		fmt.Fprintf(&b, "price:    %s wei\n", st.Price)
	}
	writeDeadline(&b, "settle", st.SettleDeadline)
	writeDeadline(&b, "select", st.SelectionDeadline)
	writeDeadline(&b, "cooldown", st.CooldownDeadline)
	for i, seed := range st.Seeds {
		marker := " "
		if st.Choice != nil && *st.Choice == i {
			marker = "*"
		}
		fmt.Fprintf(&b, "seed %d %s %s\n", i, marker, seed)
	}
	if st.BlockedBy != nil {
		fmt.Fprintf(&b, "blocked:  %s\n", st.BlockedBy.Hex())
	}
	if st.TokenID != 0 {
		fmt.Fprintf(&b, "token:    #%d\n", st.TokenID)
	}
	if st.TxHash != nil {
		fmt.Fprintf(&b, "tx:       %s\n", st.TxHash.Hex())
	}
	fmt.Fprintf(&b, "consent:  %t\n", st.HasConsent)
	_, err := io.WriteString(out, b.String())
	return err
}

func writeDeadline(b *strings.Builder, label string, status *deadline.Status) {
	if status == nil {
		return
	}
	if status.Expired {
		fmt.Fprintf(b, "%-9s expired\n", label+":")
		return
	}
	fmt.Fprintf(b, "%-9s %s left\n", label+":", status.Display)
}
