package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"spatters/core/types"
	"spatters/crypto"
)

var contractAddr = common.HexToAddress("0x00000000000000000000000000000000005ea775")

type fakeBackend struct {
	mu        sync.Mutex
	outputs   map[string][]interface{}
	palette   types.Palette
	head      *gethtypes.Header
	callBlock []*big.Int
	estimate  error
	sent      []*gethtypes.Transaction
	receipts  map[common.Hash]*gethtypes.Receipt
	lookupErr []error
	lookups   int
	chainID   *big.Int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		outputs:  make(map[string][]interface{}),
		head:     &gethtypes.Header{Number: big.NewInt(100), Time: 1_700_000_000, BaseFee: big.NewInt(10)},
		receipts: make(map[common.Hash]*gethtypes.Receipt),
		chainID:  big.NewInt(11155111),
	}
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, block *big.Int) ([]byte, error) {
	method, err := parsedABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.callBlock = append(f.callBlock, block)
	f.mu.Unlock()
	if method.Name == "pendingPalette" {
		args, err := method.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		idx := args[0].(*big.Int).Int64()
		return method.Outputs.Pack(f.palette[idx])
	}
	values, ok := f.outputs[method.Name]
	if !ok {
		return nil, errors.New("unexpected call " + method.Name)
	}
	return method.Outputs.Pack(values...)
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimate != nil {
		return 0, f.estimate
	}
	return 100_000, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return gethtypes.CopyHeader(f.head), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if len(f.lookupErr) > 0 {
		err := f.lookupErr[0]
		f.lookupErr = f.lookupErr[1:]
		return nil, err
	}
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func (f *fakeBackend) seedIdle(owner common.Address) {
	f.outputs["getCurrentPrice"] = []interface{}{big.NewInt(1e16)}
	f.outputs["totalSupply"] = []interface{}{big.NewInt(41)}
	f.outputs["OWNER_RESERVE"] = []interface{}{big.NewInt(30)}
	f.outputs["MAX_SUPPLY"] = []interface{}{big.NewInt(999)}
	f.outputs["owner"] = []interface{}{owner}
	f.outputs["lastGlobalMintTime"] = []interface{}{big.NewInt(1_699_900_000)}
	f.outputs["pendingCommit"] = []interface{}{new(big.Int), new(big.Int), false, false}
	f.outputs["getPendingRequest"] = []interface{}{[3][32]byte{}, new(big.Int), false, false}
	f.outputs["isMintSelectionInProgress"] = []interface{}{false, common.Address{}, new(big.Int)}
}

func TestSnapshotDecodesContractState(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	requester := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	backend := newFakeBackend()
	backend.seedIdle(owner)
	seeds := [3][32]byte{{1}, {2}, {3}}
	backend.outputs["getPendingRequest"] = []interface{}{seeds, big.NewInt(1_700_000_000), false, true}
	backend.outputs["pendingCommit"] = []interface{}{big.NewInt(98), big.NewInt(1_699_999_970), true, false}
	backend.outputs["isMintSelectionInProgress"] = []interface{}{true, requester, big.NewInt(1_700_002_700)}
	backend.palette = types.Palette{"#000001", "#000002", "#000003", "#000004", "#000005", "#000006"}

	readAt := time.Unix(1_700_000_005, 0).UTC()
	client := New(backend, contractAddr, WithClock(func() time.Time { return readAt }))
	snap, err := client.Snapshot(context.Background())
	require.NoError(t, err)

	require.Equal(t, int64(1e16), snap.Price.Int64())
	require.Equal(t, types.Supply{Total: 41, OwnerReserve: 30, Max: 999}, snap.Supply)
	require.Equal(t, owner, snap.Owner)
	require.Equal(t, uint64(98), snap.Commit.BlockNumber)
	require.True(t, snap.Commit.HasCustomPalette)
	require.Equal(t, types.Seed{2}, snap.Request.Seeds[1])
	require.True(t, snap.Selection.HeldBy(requester))
	require.Equal(t, time.Unix(1_700_002_700, 0).UTC(), snap.Selection.ExpiresAt)
	require.Equal(t, backend.palette, snap.PendingPalette)
	require.Equal(t, time.Unix(1_700_000_000, 0).UTC(), snap.BlockTime)
	require.Equal(t, readAt, snap.ReadAt)

	for _, block := range backend.callBlock {
		require.Equal(t, int64(100), block.Int64(), "every read must be pinned to the head")
	}
}

func TestSnapshotSkipsPaletteWithoutCustomFlag(t *testing.T) {
	backend := newFakeBackend()
	backend.seedIdle(common.Address{})
	client := New(backend, contractAddr)
	snap, err := client.Snapshot(context.Background())
	require.NoError(t, err)
	require.False(t, snap.PendingPalette.IsCustom())
	require.Len(t, backend.callBlock, 9)
	require.True(t, snap.LastGlobalMint.Equal(time.Unix(1_699_900_000, 0)))
}

func TestSnapshotFailsWhenAnyReadFails(t *testing.T) {
	backend := newFakeBackend()
	backend.seedIdle(common.Address{})
	delete(backend.outputs, "MAX_SUPPLY")
	_, err := New(backend, contractAddr).Snapshot(context.Background())
	require.Error(t, err)
}

func TestWritesRequireSigner(t *testing.T) {
	_, err := New(newFakeBackend(), contractAddr).Request(context.Background(), types.VariantPublic)
	require.ErrorIs(t, err, ErrNoSigner)
}

func TestCommitBuildsSignedDynamicFeeTx(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	backend := newFakeBackend()
	client := New(backend, contractAddr, WithSigner(key), WithGasHeadroom(10))

	price := big.NewInt(1e16)
	hash, err := client.Commit(context.Background(), types.VariantPublic, types.Palette{}, price)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	require.Equal(t, hash, tx.Hash())
	require.Equal(t, uint8(gethtypes.DynamicFeeTxType), tx.Type())
	require.Equal(t, contractAddr, *tx.To())
	require.Equal(t, price, tx.Value())
	require.Equal(t, uint64(110_000), tx.Gas())
	require.Equal(t, big.NewInt(22), tx.GasFeeCap())
	require.Equal(t, parsedABI.Methods["commitMint"].ID, tx.Data()[:4])

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(backend.chainID), tx)
	require.NoError(t, err)
	require.Equal(t, key.Address(), sender)
}

func TestOwnerWritesUseOwnerMethods(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	backend := newFakeBackend()
	client := New(backend, contractAddr, WithSigner(key))
	ctx := context.Background()

	palette := types.Palette{"#000001", "#000002", "#000003", "#000004", "#000005", "#000006"}
	_, err = client.Commit(ctx, types.VariantOwner, palette, nil)
	require.NoError(t, err)
	_, err = client.Request(ctx, types.VariantOwner)
	require.NoError(t, err)
	_, err = client.Complete(ctx, types.VariantOwner, 2)
	require.NoError(t, err)
	_, err = client.OwnerMint(ctx, palette, types.Seed{9})
	require.NoError(t, err)

	want := []string{"commitOwnerMint", "requestOwnerMint", "completeOwnerMint", "ownerMint"}
	require.Len(t, backend.sent, len(want))
	for i, name := range want {
		require.Equal(t, parsedABI.Methods[name].ID, backend.sent[i].Data()[:4], name)
		require.Equal(t, uint64(i), backend.sent[i].Nonce())
	}

	args, err := parsedABI.Methods["completeOwnerMint"].Inputs.Unpack(backend.sent[2].Data()[4:])
	require.NoError(t, err)
	require.Equal(t, uint8(2), args[0])
}

func TestPublicCommitRejectsCustomPalette(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	backend := newFakeBackend()
	client := New(backend, contractAddr, WithSigner(key))
	palette := types.Palette{"#000001", "#000002", "#000003", "#000004", "#000005", "#000006"}
	_, err = client.Commit(context.Background(), types.VariantPublic, palette, big.NewInt(1))
	require.ErrorIs(t, err, ErrPublicPalette)
	require.Empty(t, backend.sent)
}

type revertError struct{ data string }

func (e revertError) Error() string          { return "execution reverted" }
func (e revertError) ErrorCode() int         { return 3 }
func (e revertError) ErrorData() interface{} { return e.data }

func TestEstimateRevertBecomesRejected(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	// Error(string) selector followed by the ABI encoded reason.
	reason, err := parsedABI.Methods["pendingPalette"].Outputs.Pack("Another mint is in progress")
	require.NoError(t, err)
	payload := append([]byte{0x08, 0xc3, 0x79, 0xa0}, reason...)

	backend := newFakeBackend()
	backend.estimate = revertError{data: hexutil.Encode(payload)}
	client := New(backend, contractAddr, WithSigner(key))

	_, err = client.Request(context.Background(), types.VariantPublic)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, "request", rejected.Op)
	require.Equal(t, "Another mint is in progress", rejected.Reason)
	require.Empty(t, backend.sent)
}

func TestPlainRevertMessageIsRejected(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	backend := newFakeBackend()
	backend.estimate = errors.New("execution reverted: Selection expired")
	_, err = New(backend, contractAddr, WithSigner(key)).Complete(context.Background(), types.VariantPublic, 0)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, "Selection expired", rejected.Reason)
}

func TestCompleteRejectsOutOfRangeIndex(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	_, err = New(newFakeBackend(), contractAddr, WithSigner(key)).Complete(context.Background(), types.VariantPublic, 3)
	require.Error(t, err)
}

func TestWaitConfirmedPollsUntilDepth(t *testing.T) {
	backend := newFakeBackend()
	hash := common.HexToHash("0x01")
	client := New(backend, contractAddr, WithConfirmations(3), WithPollInterval(time.Millisecond))

	go func() {
		time.Sleep(5 * time.Millisecond)
		backend.mu.Lock()
		backend.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(99)}
		backend.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		backend.mu.Lock()
		backend.head.Number = big.NewInt(101)
		backend.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.WaitConfirmed(ctx, hash))
	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Greater(t, backend.lookups, 1)
}

func TestWaitConfirmedReportsRevert(t *testing.T) {
	backend := newFakeBackend()
	hash := common.HexToHash("0x02")
	backend.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(100)}
	err := New(backend, contractAddr).WaitConfirmed(context.Background(), hash)
	require.ErrorIs(t, err, ErrReverted)
}

func TestWaitConfirmedRetriesFailedLookups(t *testing.T) {
	backend := newFakeBackend()
	hash := common.HexToHash("0x01")
	backend.lookupErr = []error{errors.New("503 service unavailable"), errors.New("connection reset")}
	backend.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, New(backend, contractAddr, WithPollInterval(time.Millisecond)).WaitConfirmed(ctx, hash))
	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Equal(t, 3, backend.lookups)
}

func TestWaitConfirmedReportsLastLookupErrorOnTimeout(t *testing.T) {
	backend := newFakeBackend()
	backend.lookupErr = []error{errors.New("503 service unavailable")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(backend, contractAddr, WithPollInterval(time.Millisecond)).WaitConfirmed(ctx, common.HexToHash("0x04"))
	require.ErrorIs(t, err, context.Canceled)
	require.Contains(t, err.Error(), "503 service unavailable")
}

func TestConfirmedDoesNotWait(t *testing.T) {
	backend := newFakeBackend()
	hash := common.HexToHash("0x05")
	client := New(backend, contractAddr)

	ok, err := client.Confirmed(context.Background(), hash)
	require.NoError(t, err)
	require.False(t, ok)

	backend.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}
	ok, err = client.Confirmed(context.Background(), hash)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWaitConfirmedHonoursContext(t *testing.T) {
	backend := newFakeBackend()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(backend, contractAddr, WithPollInterval(time.Millisecond)).WaitConfirmed(ctx, common.HexToHash("0x03"))
	require.ErrorIs(t, err, context.Canceled)
}
