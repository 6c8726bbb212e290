package keys

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
)

// FromPublicKey returns the 33-byte compressed form of the public key.
func FromPublicKey(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return (*btcec.PublicKey)(pub).SerializeCompressed()
}

// ToPublicKey parses a compressed or uncompressed secp256k1 public key.
func ToPublicKey(pub []byte) (*ecdsa.PublicKey, error) {
	pk, err := btcec.ParsePubKey(pub, btcec.S256())
	if err != nil {
		return nil, err
	}
	return pk.ToECDSA(), nil
}

// DeviceID returns the device identifier of a public key: the lowercase hex
// encoding of its compressed form.
func DeviceID(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(FromPublicKey(pub))
}

// ParseDeviceID is the inverse of DeviceID.
func ParseDeviceID(id string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("device id: %w", err)
	}
	return ToPublicKey(raw)
}
