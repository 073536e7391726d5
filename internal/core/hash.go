package core

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the byte length of an object identifier.
const HashSize = 32

// HexHashLen is the length of the lowercase hex rendering of a Hash.
const HexHashLen = HashSize * 2

// Hash is a 256-bit object identifier. The zero value means "no object"
// and is never a valid address of stored bytes.
type Hash [HashSize]byte

// String renders the hash as 64 lowercase hex characters.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for log and UI output.
func (h Hash) Short() string {
	return h.String()[:8]
}

// IsZero reports whether h is the all-zero "no object" value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashBytes computes the object identifier of a byte sequence: BLAKE3 in
// its 256-bit form. Every identifier in the store is produced here.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// ParseHash parses a 64-character lowercase hex object identifier.
// Uppercase input is rejected: hashes have exactly one canonical rendering.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HexHashLen {
		return h, fmt.Errorf("%w: hash must be %d hex characters (got %d)", ErrInvalidIdentifier, HexHashLen, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	copy(h[:], b)
	if h.String() != s {
		return Hash{}, fmt.Errorf("%w: hash must be lowercase hex", ErrInvalidIdentifier)
	}
	return h, nil
}
