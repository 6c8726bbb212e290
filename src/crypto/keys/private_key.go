package keys

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
)

// PrivateKeySize is the length of a raw secp256k1 scalar.
const PrivateKeySize = 32

// GenerateECDSAKey creates a new secp256k1 key.
func GenerateECDSAKey() (*ecdsa.PrivateKey, error) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, err
	}
	return priv.ToECDSA(), nil
}

// DumpPrivateKey exports the raw 32-byte scalar of a private key.
func DumpPrivateKey(priv *ecdsa.PrivateKey) []byte {
	if priv == nil {
		return nil
	}
	return (*btcec.PrivateKey)(priv).Serialize()
}

// ParsePrivateKey rebuilds a private key from the dump produced by
// DumpPrivateKey.
func ParsePrivateKey(d []byte) (*ecdsa.PrivateKey, error) {
	if len(d) != PrivateKeySize {
		return nil, fmt.Errorf("invalid length, need %d bytes, got %d", PrivateKeySize, len(d))
	}

	priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), d)
	if priv.D.Sign() <= 0 || priv.D.Cmp(btcec.S256().N) >= 0 {
		return nil, fmt.Errorf("invalid private key")
	}

	return priv.ToECDSA(), nil
}

// PrivateKeyHex returns the hex encoding of DumpPrivateKey.
func PrivateKeyHex(key *ecdsa.PrivateKey) string {
	return hex.EncodeToString(DumpPrivateKey(key))
}
