package crypto

import (
	"github.com/zeebo/blake3"
)

// HashSize is the size of every digest produced by this package.
const HashSize = 32

// Hash256 returns the BLAKE3-256 digest of the concatenation of data.
func Hash256(data ...[]byte) [HashSize]byte {
	h := blake3.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// KeyedHash returns the BLAKE3 keyed digest of the concatenation of data.
func KeyedHash(key [HashSize]byte, data ...[]byte) [HashSize]byte {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		// only fails on a key that is not 32 bytes long
		panic("crypto: keyed BLAKE3 initialization failed: " + err.Error())
	}
	for _, d := range data {
		h.Write(d)
	}
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveKey derives a 32-byte subkey from key material with BLAKE3 in key
// derivation mode. context must be a hardcoded, globally unique string.
func DeriveKey(context string, material []byte) [HashSize]byte {
	var out [HashSize]byte
	blake3.DeriveKey(context, material, out[:])
	return out
}
