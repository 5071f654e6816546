package types

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CandidateCount is the number of seeds offered per mint request.
const CandidateCount = 3

// Variant distinguishes the paid public flow from the owner's privileged flow.
type Variant int

const (
	// VariantPublic is the paid three-option mint open to any wallet.
	VariantPublic Variant = iota
	// VariantOwner is the contract owner's fee-free three-option mint.
	VariantOwner
)

func (v Variant) String() string {
	switch v {
	case VariantOwner:
		return "owner"
	default:
		return "public"
	}
}

// ParseVariant maps configuration strings onto a Variant.
func ParseVariant(raw string) (Variant, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "public":
		return VariantPublic, true
	case "owner":
		return VariantOwner, true
	default:
		return VariantPublic, false
	}
}

// Commit is the contract's single global pending-commit record (the mint
// authorisation paid for in step one).
type Commit struct {
	BlockNumber      uint64    `json:"blockNumber"`
	Timestamp        time.Time `json:"timestamp"`
	HasCustomPalette bool      `json:"hasCustomPalette"`
	IsOwnerMint      bool      `json:"isOwnerMint"`
}

// Exists reports whether the slot holds a commit.
func (c Commit) Exists() bool {
	return !c.Timestamp.IsZero()
}

// Matches reports whether the commit was made through the given variant.
func (c Commit) Matches(v Variant) bool {
	return c.IsOwnerMint == (v == VariantOwner)
}

// CandidateSet is the contract's single global pending request: three seeds
// revealed after the settle delay.
type CandidateSet struct {
	Seeds            [CandidateCount]Seed `json:"seeds"`
	Timestamp        time.Time            `json:"timestamp"`
	Completed        bool                 `json:"completed"`
	HasCustomPalette bool                 `json:"hasCustomPalette"`
}

// HasSeeds reports whether the request carries revealed seeds.
func (c CandidateSet) HasSeeds() bool {
	if c.Timestamp.IsZero() {
		return false
	}
	for _, s := range c.Seeds {
		if !s.IsZero() {
			return true
		}
	}
	return false
}

// Selection is the contract's "mint selection in progress" tuple.
type Selection struct {
	Active    bool           `json:"active"`
	Requester common.Address `json:"requester"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// HeldBy reports whether the selection slot belongs to addr.
func (s Selection) HeldBy(addr common.Address) bool {
	return s.Requester != (common.Address{}) && s.Requester == addr
}

// Supply holds the collection counters.
type Supply struct {
	Total        uint64 `json:"total"`
	OwnerReserve uint64 `json:"ownerReserve"`
	Max          uint64 `json:"max"`
}

// SoldOut reports whether the maximum supply has been minted.
func (s Supply) SoldOut() bool {
	return s.Max > 0 && s.Total >= s.Max
}

// PublicOpen reports whether the owner reserve has been minted so public
// minting may start.
func (s Supply) PublicOpen() bool {
	return s.Total >= s.OwnerReserve
}

// Snapshot is one fresh read of every contract value the session depends on.
type Snapshot struct {
	Price          *big.Int       `json:"price"`
	Supply         Supply         `json:"supply"`
	Commit         Commit         `json:"commit"`
	Request        CandidateSet   `json:"request"`
	Selection      Selection      `json:"selection"`
	Owner          common.Address `json:"owner"`
	LastGlobalMint time.Time      `json:"lastGlobalMint"`
	PendingPalette Palette        `json:"pendingPalette"`
	BlockTime      time.Time      `json:"blockTime"`
	ReadAt         time.Time      `json:"readAt"`
}

// UnixTime converts a contract timestamp into a time.Time, mapping zero to the
// zero time.
func UnixTime(seconds *big.Int) time.Time {
	if seconds == nil || seconds.Sign() <= 0 {
		return time.Time{}
	}
	return time.Unix(seconds.Int64(), 0).UTC()
}
