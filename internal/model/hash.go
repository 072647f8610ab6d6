// Package model defines the entries, links and value types shared by the
// validation engine and every zome-like service built on top of the store.
//
// Everything that ends up in the store is wrapped in an Entry envelope and
// addressed by the SHA3-256 digest of its canonical JSON encoding.
package model

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// HashLength is the byte length of a content address (256 bits).
const HashLength = 32

// Hash is a content address in the shared store.
type Hash [HashLength]byte

// HashBytes returns the SHA3-256 digest of data.
func HashBytes(data []byte) Hash {
	return sha3.Sum256(data)
}

// HashOf returns the digest of the canonical encoding of v.
func HashOf(v any) (Hash, error) {
	data, err := Canonical(v)
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(data), nil
}

// Canonical encodes v the same way on every peer. Hashed content never
// contains maps, so encoding/json's declaration-ordered output is stable.
func Canonical(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encoding: %w", err)
	}
	return data, nil
}

// Anchor returns a well-known base address for a global index, e.g. the
// list of all resource specifications.
func Anchor(name string) Hash {
	return HashBytes([]byte("anchor:" + name))
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	if len(b) != HashLength {
		return h, fmt.Errorf("parse hash: expected %d bytes, got %d", HashLength, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// String returns the lowercase hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 bytes in hex, for logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:8])
}

// IsZero reports whether h is the unset address.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Compare orders hashes bytewise. It is the total order used for every
// deterministic tie-break in the network.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// Less reports whether h sorts before other.
func (h Hash) Less(other Hash) bool {
	return h.Compare(other) < 0
}

// MarshalText encodes the hash as hex; the zero hash encodes as "".
func (h Hash) MarshalText() ([]byte, error) {
	if h.IsZero() {
		return []byte{}, nil
	}
	return []byte(h.String()), nil
}

// UnmarshalText decodes hex, accepting "" as the zero hash.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*h = Hash{}
		return nil
	}
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
