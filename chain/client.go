package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"spatters/core/types"
)

// Backend defines the subset of the Ethereum RPC used by the client.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Signer signs transactions for the session wallet.
type Signer interface {
	Address() common.Address
	SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// Dial initialises an Ethereum RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Client reads and writes the Spatters contract. Reads are never cached.
type Client struct {
	backend       Backend
	address       common.Address
	abi           abi.ABI
	signer        Signer
	confirmations uint64
	pollInterval  time.Duration
	gasHeadroom   uint64
	now           func() time.Time
	tracer        trace.Tracer

	chainMu sync.Mutex
	chainID *big.Int
}

// Option customises the client.
type Option func(*Client)

// WithSigner supplies the wallet used for writes.
func WithSigner(s Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithConfirmations sets how many blocks a receipt must be buried under
// before a write counts as confirmed. One means "included".
func WithConfirmations(n uint64) Option {
	return func(c *Client) {
		if n > 0 {
			c.confirmations = n
		}
	}
}

// WithPollInterval configures the receipt polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithGasHeadroom adds a percentage on top of the gas estimate.
func WithGasHeadroom(percent uint64) Option {
	return func(c *Client) { c.gasHeadroom = percent }
}

// WithClock overrides the time source used to stamp reads.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New binds the contract at address.
func New(backend Backend, address common.Address, opts ...Option) *Client {
	c := &Client{
		backend:       backend,
		address:       address,
		abi:           parsedABI,
		confirmations: 1,
		pollInterval:  2 * time.Second,
		gasHeadroom:   20,
		now:           time.Now,
		tracer:        otel.Tracer("spatters/chain"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address returns the bound contract address.
func (c *Client) Address() common.Address { return c.address }

// From returns the signer's address, or the zero address for read-only clients.
func (c *Client) From() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

func (c *Client) call(ctx context.Context, block *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &c.address, Data: data}
	if c.signer != nil {
		msg.From = c.signer.Address()
	}
	raw, err := c.backend.CallContract(ctx, msg, block)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return out, nil
}

// Snapshot reads every value the session depends on, pinned to the latest
// block so the values are mutually consistent. A failed read fails the whole
// snapshot.
func (c *Client) Snapshot(ctx context.Context) (types.Snapshot, error) {
	ctx, span := c.tracer.Start(ctx, "chain.snapshot")
	defer span.End()

	readAt := c.now()
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return types.Snapshot{}, fmt.Errorf("chain: fetch head: %w", err)
	}
	if head == nil || head.Number == nil {
		return types.Snapshot{}, errors.New("chain: head unavailable")
	}
	block := new(big.Int).Set(head.Number)
	span.SetAttributes(attribute.Int64("block", block.Int64()))

	var (
		snap                                types.Snapshot
		total, reserve, maxSupply           *big.Int
		commitOut, requestOut, selectionOut []interface{}
		priceOut, ownerOut, lastMintOut     []interface{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { priceOut, err = c.call(gctx, block, "getCurrentPrice"); return })
	g.Go(func() (err error) { total, err = c.callUint(gctx, block, "totalSupply"); return })
	g.Go(func() (err error) { reserve, err = c.callUint(gctx, block, "OWNER_RESERVE"); return })
	g.Go(func() (err error) { maxSupply, err = c.callUint(gctx, block, "MAX_SUPPLY"); return })
	g.Go(func() (err error) { ownerOut, err = c.call(gctx, block, "owner"); return })
	g.Go(func() (err error) { lastMintOut, err = c.call(gctx, block, "lastGlobalMintTime"); return })
	g.Go(func() (err error) { commitOut, err = c.call(gctx, block, "pendingCommit"); return })
	g.Go(func() (err error) { requestOut, err = c.call(gctx, block, "getPendingRequest"); return })
	g.Go(func() (err error) { selectionOut, err = c.call(gctx, block, "isMintSelectionInProgress"); return })
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return types.Snapshot{}, err
	}

	if snap.Price, err = asBig(priceOut, 0); err != nil {
		return types.Snapshot{}, err
	}
	if snap.Owner, err = asAddress(ownerOut, 0); err != nil {
		return types.Snapshot{}, err
	}
	lastMint, err := asBig(lastMintOut, 0)
	if err != nil {
		return types.Snapshot{}, err
	}
	if snap.Commit, err = decodeCommit(commitOut); err != nil {
		return types.Snapshot{}, err
	}
	if snap.Request, err = decodeRequest(requestOut); err != nil {
		return types.Snapshot{}, err
	}
	if snap.Selection, err = decodeSelection(selectionOut); err != nil {
		return types.Snapshot{}, err
	}
	snap.Supply = types.Supply{Total: total.Uint64(), OwnerReserve: reserve.Uint64(), Max: maxSupply.Uint64()}
	snap.LastGlobalMint = types.UnixTime(lastMint)
	snap.BlockTime = time.Unix(int64(head.Time), 0).UTC()
	snap.ReadAt = readAt

	if snap.Commit.HasCustomPalette || snap.Request.HasCustomPalette {
		if snap.PendingPalette, err = c.pendingPalette(ctx, block); err != nil {
			span.RecordError(err)
			return types.Snapshot{}, err
		}
	}
	return snap, nil
}

func (c *Client) callUint(ctx context.Context, block *big.Int, method string) (*big.Int, error) {
	out, err := c.call(ctx, block, method)
	if err != nil {
		return nil, err
	}
	return asBig(out, 0)
}

func (c *Client) pendingPalette(ctx context.Context, block *big.Int) (types.Palette, error) {
	var palette types.Palette
	g, gctx := errgroup.WithContext(ctx)
	for i := range palette {
		i := i
		g.Go(func() error {
			out, err := c.call(gctx, block, "pendingPalette", big.NewInt(int64(i)))
			if err != nil {
				return err
			}
			colour, ok := out[0].(string)
			if !ok {
				return fmt.Errorf("chain: pendingPalette(%d): unexpected %T", i, out[0])
			}
			palette[i] = colour
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.Palette{}, err
	}
	return palette, nil
}

func decodeCommit(out []interface{}) (types.Commit, error) {
	if len(out) != 4 {
		return types.Commit{}, fmt.Errorf("chain: pendingCommit: want 4 values, got %d", len(out))
	}
	block, err := asBig(out, 0)
	if err != nil {
		return types.Commit{}, err
	}
	ts, err := asBig(out, 1)
	if err != nil {
		return types.Commit{}, err
	}
	custom, ok1 := out[2].(bool)
	owner, ok2 := out[3].(bool)
	if !ok1 || !ok2 {
		return types.Commit{}, errors.New("chain: pendingCommit: unexpected flag types")
	}
	return types.Commit{
		BlockNumber:      block.Uint64(),
		Timestamp:        types.UnixTime(ts),
		HasCustomPalette: custom,
		IsOwnerMint:      owner,
	}, nil
}

func decodeRequest(out []interface{}) (types.CandidateSet, error) {
	if len(out) != 4 {
		return types.CandidateSet{}, fmt.Errorf("chain: getPendingRequest: want 4 values, got %d", len(out))
	}
	raw, ok := out[0].([types.CandidateCount][32]byte)
	if !ok {
		return types.CandidateSet{}, fmt.Errorf("chain: getPendingRequest: unexpected seeds %T", out[0])
	}
	ts, err := asBig(out, 1)
	if err != nil {
		return types.CandidateSet{}, err
	}
	completed, ok1 := out[2].(bool)
	custom, ok2 := out[3].(bool)
	if !ok1 || !ok2 {
		return types.CandidateSet{}, errors.New("chain: getPendingRequest: unexpected flag types")
	}
	set := types.CandidateSet{
		Timestamp:        types.UnixTime(ts),
		Completed:        completed,
		HasCustomPalette: custom,
	}
	for i, seed := range raw {
		set.Seeds[i] = types.Seed(seed)
	}
	return set, nil
}

func decodeSelection(out []interface{}) (types.Selection, error) {
	if len(out) != 3 {
		return types.Selection{}, fmt.Errorf("chain: isMintSelectionInProgress: want 3 values, got %d", len(out))
	}
	active, ok := out[0].(bool)
	if !ok {
		return types.Selection{}, errors.New("chain: isMintSelectionInProgress: unexpected active flag")
	}
	requester, err := asAddress(out, 1)
	if err != nil {
		return types.Selection{}, err
	}
	expires, err := asBig(out, 2)
	if err != nil {
		return types.Selection{}, err
	}
	return types.Selection{Active: active, Requester: requester, ExpiresAt: types.UnixTime(expires)}, nil
}

func asBig(out []interface{}, i int) (*big.Int, error) {
	if i >= len(out) {
		return nil, fmt.Errorf("chain: missing output %d", i)
	}
	v, ok := out[i].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("chain: output %d: unexpected %T", i, out[i])
	}
	return v, nil
}

func asAddress(out []interface{}, i int) (common.Address, error) {
	if i >= len(out) {
		return common.Address{}, fmt.Errorf("chain: missing output %d", i)
	}
	v, ok := out[i].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("chain: output %d: unexpected %T", i, out[i])
	}
	return v, nil
}
