package dag

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/mosaicnetworks/murmur/src/crypto"
)

// Hash identifies a GraphNode.
type Hash [crypto.HashSize]byte

// ZeroHash is the zero value of Hash.
var ZeroHash Hash

// String returns the lowercase hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Less orders hashes lexicographically.
func (h Hash) Less(o Hash) bool {
	return bytes.Compare(h[:], o[:]) < 0
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses the output of Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("hash must be %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// SortHashes sorts hashes in place, lexicographically.
func SortHashes(hs []Hash) {
	sort.Slice(hs, func(i, j int) bool { return hs[i].Less(hs[j]) })
}

// FrontierKey returns a digest identifying an unordered set of hashes.
func FrontierKey(hs []Hash) Hash {
	sorted := make([]Hash, len(hs))
	copy(sorted, hs)
	SortHashes(sorted)

	parts := make([][]byte, len(sorted))
	for i := range sorted {
		parts[i] = sorted[i][:]
	}
	return Hash(crypto.Hash256(parts...))
}

// DeviceID identifies a physical device: the hex encoded compressed public key
// of its signing key.
type DeviceID string

// Short returns a prefix of the device id, for logs.
func (d DeviceID) Short() string {
	if len(d) > 10 {
		return string(d[:10])
	}
	return string(d)
}

// AuthorID identifies the logical author (a user) behind one or more devices.
type AuthorID string
