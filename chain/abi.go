package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// spattersABI covers the contract surface the mint session touches.
const spattersABI = `[
  {"type":"function","name":"getCurrentPrice","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"OWNER_RESERVE","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"MAX_SUPPLY","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"lastGlobalMintTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"pendingCommit","stateMutability":"view","inputs":[],"outputs":[
    {"name":"commitBlock","type":"uint256"},
    {"name":"timestamp","type":"uint256"},
    {"name":"hasCustomPalette","type":"bool"},
    {"name":"isOwnerMint","type":"bool"}]},
  {"type":"function","name":"getPendingRequest","stateMutability":"view","inputs":[],"outputs":[
    {"name":"seeds","type":"bytes32[3]"},
    {"name":"timestamp","type":"uint256"},
    {"name":"completed","type":"bool"},
    {"name":"hasCustomPalette","type":"bool"}]},
  {"type":"function","name":"isMintSelectionInProgress","stateMutability":"view","inputs":[],"outputs":[
    {"name":"active","type":"bool"},
    {"name":"requester","type":"address"},
    {"name":"expiresAt","type":"uint256"}]},
  {"type":"function","name":"pendingPalette","stateMutability":"view","inputs":[{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"commitMint","stateMutability":"payable","inputs":[],"outputs":[]},
  {"type":"function","name":"commitOwnerMint","stateMutability":"nonpayable","inputs":[{"name":"customPalette","type":"string[6]"}],"outputs":[]},
  {"type":"function","name":"requestMint","stateMutability":"nonpayable","inputs":[],"outputs":[{"name":"","type":"bytes32[3]"}]},
  {"type":"function","name":"requestOwnerMint","stateMutability":"nonpayable","inputs":[],"outputs":[{"name":"","type":"bytes32[3]"}]},
  {"type":"function","name":"completeMint","stateMutability":"nonpayable","inputs":[{"name":"seedChoice","type":"uint8"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"completeOwnerMint","stateMutability":"nonpayable","inputs":[{"name":"seedChoice","type":"uint8"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"ownerMint","stateMutability":"nonpayable","inputs":[
    {"name":"customPalette","type":"string[6]"},
    {"name":"seed","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// ParsedABI returns the parsed contract ABI.
func ParsedABI() abi.ABI {
	return parsedABI
}

var parsedABI = mustParseABI(spattersABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("chain: invalid contract abi: " + err.Error())
	}
	return parsed
}
