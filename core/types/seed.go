package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// SeedLength is the byte width of an on-chain seed (bytes32).
const SeedLength = 32

// rendererSeedBits is the number of leading bits the renderer reads from a
// seed (13 hex digits).
const rendererSeedBits = 52

// MaxSeedInteger is the largest integer seed that survives the renderer's
// 13 hex digit truncation unchanged.
const MaxSeedInteger = uint64(1)<<rendererSeedBits - 1

var (
	// ErrInvalidSeed is returned when a seed cannot be decoded.
	ErrInvalidSeed = errors.New("types: invalid seed")
	// ErrSeedOutOfRange is returned for integer seeds above MaxSeedInteger.
	ErrSeedOutOfRange = fmt.Errorf("types: seed must be between 0 and %d", MaxSeedInteger)
)

// Seed is a 32-byte pseudo-random value produced by the contract for a
// candidate artwork.
type Seed [SeedLength]byte

// IsZero reports whether every byte of the seed is zero. The contract returns
// zero seeds for an empty request slot.
func (s Seed) IsZero() bool {
	return s == Seed{}
}

// Hex returns the 0x-prefixed lowercase hex encoding of the seed.
func (s Seed) Hex() string {
	return hexutil.Encode(s[:])
}

func (s Seed) String() string { return s.Hex() }

// RendererInt returns the integer the renderer derives from the seed: the
// value of its first 13 hex digits.
func (s Seed) RendererInt() uint64 {
	v := new(uint256.Int).SetBytes32(s[:])
	return v.Rsh(v, 256-rendererSeedBits).Uint64()
}

// MarshalText encodes the seed as hex.
func (s Seed) MarshalText() ([]byte, error) {
	return []byte(s.Hex()), nil
}

// UnmarshalText decodes a 0x-prefixed 32-byte hex string.
func (s *Seed) UnmarshalText(text []byte) error {
	parsed, err := ParseSeed(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeed decodes a 0x-prefixed 32-byte hex string.
func ParseSeed(raw string) (Seed, error) {
	var seed Seed
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return seed, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if len(decoded) != SeedLength {
		return seed, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSeed, SeedLength, len(decoded))
	}
	copy(seed[:], decoded)
	return seed, nil
}

// SeedFromInteger converts a decimal integer seed into the bytes32 layout used
// by owner direct mints: the integer occupies the leading 52 bits so that
// RendererInt recovers it exactly.
func SeedFromInteger(decimal string) (Seed, error) {
	trimmed := strings.TrimSpace(decimal)
	if trimmed == "" {
		return Seed{}, fmt.Errorf("%w: empty", ErrInvalidSeed)
	}
	value, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return Seed{}, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if !value.IsUint64() || value.Uint64() > MaxSeedInteger {
		return Seed{}, ErrSeedOutOfRange
	}
	shifted := new(uint256.Int).Lsh(value, 256-rendererSeedBits)
	return Seed(shifted.Bytes32()), nil
}
