package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"spatters/core/types"
)

var (
	// ErrNoSigner is returned when a write is attempted on a read-only client.
	ErrNoSigner = errors.New("chain: no signer configured")
	// ErrReverted is returned when a mined transaction has a failed status.
	ErrReverted = errors.New("chain: transaction reverted")
	// ErrPublicPalette is returned when a public commit carries a custom palette.
	ErrPublicPalette = errors.New("chain: custom palettes are reserved for owner mints")
)

// RejectedError reports a write the contract refused during gas estimation.
// Nothing was broadcast.
type RejectedError struct {
	Op     string
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("chain: %s rejected", e.Op)
	}
	return fmt.Sprintf("chain: %s rejected: %s", e.Op, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Commit submits commitMint or commitOwnerMint.
func (c *Client) Commit(ctx context.Context, variant types.Variant, palette types.Palette, value *big.Int) (common.Hash, error) {
	if err := palette.Validate(); err != nil {
		return common.Hash{}, err
	}
	if variant == types.VariantOwner {
		return c.transact(ctx, "commit", nil, "commitOwnerMint", paletteArg(palette))
	}
	if palette.IsCustom() {
		return common.Hash{}, ErrPublicPalette
	}
	return c.transact(ctx, "commit", value, "commitMint")
}

// Request submits requestMint or requestOwnerMint.
func (c *Client) Request(ctx context.Context, variant types.Variant) (common.Hash, error) {
	if variant == types.VariantOwner {
		return c.transact(ctx, "request", nil, "requestOwnerMint")
	}
	return c.transact(ctx, "request", nil, "requestMint")
}

// Complete submits completeMint or completeOwnerMint for the chosen index.
func (c *Client) Complete(ctx context.Context, variant types.Variant, index uint8) (common.Hash, error) {
	if int(index) >= types.CandidateCount {
		return common.Hash{}, fmt.Errorf("chain: seed choice %d out of range", index)
	}
	if variant == types.VariantOwner {
		return c.transact(ctx, "complete", nil, "completeOwnerMint", index)
	}
	return c.transact(ctx, "complete", nil, "completeMint", index)
}

// OwnerMint submits a single-transaction owner mint with an explicit seed.
func (c *Client) OwnerMint(ctx context.Context, palette types.Palette, seed types.Seed) (common.Hash, error) {
	if err := palette.Validate(); err != nil {
		return common.Hash{}, err
	}
	return c.transact(ctx, "owner-mint", nil, "ownerMint", paletteArg(palette), [32]byte(seed))
}

// paletteArg encodes the palette as the contract's string[6]. The zero palette
// is sent as six empty strings, which the contract treats as the default.
func paletteArg(p types.Palette) [types.PaletteSize]string {
	return [types.PaletteSize]string(p)
}

func (c *Client) transact(ctx context.Context, op string, value *big.Int, method string, args ...interface{}) (common.Hash, error) {
	ctx, span := c.tracer.Start(ctx, "chain."+op)
	defer span.End()
	span.SetAttributes(attribute.String("method", method))

	hash, err := c.send(ctx, op, value, method, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return common.Hash{}, err
	}
	span.SetAttributes(attribute.String("tx", hash.Hex()))
	return hash, nil
}

func (c *Client) send(ctx context.Context, op string, value *big.Int, method string, args ...interface{}) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, ErrNoSigner
	}
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	if value == nil {
		value = new(big.Int)
	}
	from := c.signer.Address()

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.address, Value: value, Data: data})
	if err != nil {
		return common.Hash{}, classify(op, err)
	}
	if c.gasHeadroom > 0 {
		gas += gas * c.gasHeadroom / 100
	}

	chainID, err := c.chainIDFor(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pending nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: suggest tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: fetch head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &c.address,
		Value:     value,
		Data:      data,
	})
	signed, err := c.signer.SignTx(tx, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign %s: %w", method, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, classify(op, err)
	}
	return signed.Hash(), nil
}

func (c *Client) chainIDFor(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}
	c.chainID = id
	return id, nil
}

// WaitConfirmed blocks until the transaction is mined with a successful status
// and buried under the configured number of confirmations. Receipt lookups
// that fail are retried; only a reverted receipt or the end of ctx stops the
// wait early.
func (c *Client) WaitConfirmed(ctx context.Context, hash common.Hash) error {
	ctx, span := c.tracer.Start(ctx, "chain.wait")
	defer span.End()
	span.SetAttributes(attribute.String("tx", hash.Hex()))

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		done, err := c.confirmed(ctx, hash)
		switch {
		case errors.Is(err, ErrReverted):
			span.RecordError(err)
			return err
		case err != nil:
			lastErr = err
			span.AddEvent("receipt lookup failed", trace.WithAttributes(attribute.String("error", err.Error())))
		case done:
			return nil
		}
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("chain: wait %s: %w (last lookup: %v)", hash.Hex(), ctx.Err(), lastErr)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Confirmed reports whether hash is mined successfully at the configured
// depth, without waiting.
func (c *Client) Confirmed(ctx context.Context, hash common.Hash) (bool, error) {
	return c.confirmed(ctx, hash)
}

func (c *Client) confirmed(ctx context.Context, hash common.Hash) (bool, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("chain: receipt %s: %w", hash.Hex(), err)
	}
	if receipt == nil {
		return false, nil
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return false, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
	}
	if c.confirmations <= 1 {
		return true, nil
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("chain: fetch head: %w", err)
	}
	if head == nil || head.Number == nil || receipt.BlockNumber == nil {
		return false, nil
	}
	if head.Number.Cmp(receipt.BlockNumber) < 0 {
		return false, nil
	}
	depth := new(big.Int).Sub(head.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	return depth.Cmp(new(big.Int).SetUint64(c.confirmations)) >= 0, nil
}

func classify(op string, err error) error {
	if reason, ok := revertReason(err); ok {
		return &RejectedError{Op: op, Reason: reason, Err: err}
	}
	return fmt.Errorf("chain: %s: %w", op, err)
}

func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(raw); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted"):
		return strings.TrimSpace(strings.TrimPrefix(err.Error(), "execution reverted:")), true
	case strings.Contains(msg, "insufficient funds"):
		return "insufficient funds", true
	}
	return "", false
}
