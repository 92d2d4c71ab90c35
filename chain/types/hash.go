package types

import (
	"fmt"

	"github.com/crytic/medusa-geth/common/hexutil"
)

// HashLength is the length in bytes of a block or storage hash.
const HashLength = 32

// Hash represents a 32-byte blake2 hash as used for block hashes and state/extrinsics roots.
type Hash [HashLength]byte

// BytesToHash converts the provided bytes into a Hash. If b is larger than HashLength, the leading bytes are cropped.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

// HexToHash decodes a 0x-prefixed hex string into a Hash.
func HexToHash(s string) (Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return Hash{}, err
	}
	if len(b) != HashLength {
		return Hash{}, fmt.Errorf("invalid hash length %d, expected %d", len(b), HashLength)
	}
	return BytesToHash(b), nil
}

// Bytes returns a copy of the hash as a byte slice.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashLength)
	copy(b, h[:])
	return b
}

// Hex returns the 0x-prefixed hex representation of the hash.
func (h Hash) Hex() string {
	return hexutil.Encode(h[:])
}

// String implements fmt.Stringer.
func (h Hash) String() string {
	return h.Hex()
}

// IsZero reports whether every byte of the hash is zero.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText encodes the hash as 0x-prefixed hex.
func (h Hash) MarshalText() ([]byte, error) {
	return hexutil.Bytes(h[:]).MarshalText()
}

// UnmarshalText decodes 0x-prefixed hex into the hash.
func (h *Hash) UnmarshalText(input []byte) error {
	var b hexutil.Bytes
	if err := b.UnmarshalText(input); err != nil {
		return err
	}
	if len(b) != HashLength {
		return fmt.Errorf("invalid hash length %d, expected %d", len(b), HashLength)
	}
	copy(h[:], b)
	return nil
}
