package keys

import (
	"crypto/ecdsa"
	"errors"

	"github.com/btcsuite/btcd/btcec"
)

// ErrBadSignature is returned by VerifyDevice when the signature does not
// match.
var ErrBadSignature = errors.New("bad signature")

// Sign returns the DER encoded signature of hash.
func Sign(priv *ecdsa.PrivateKey, hash []byte) ([]byte, error) {
	sig, err := (*btcec.PrivateKey)(priv).Sign(hash)
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// Verify checks a DER encoded signature of hash against pub.
func Verify(pub *ecdsa.PublicKey, hash []byte, sig []byte) bool {
	s, err := btcec.ParseDERSignature(sig, btcec.S256())
	if err != nil {
		return false
	}
	return s.Verify(hash, (*btcec.PublicKey)(pub))
}

// VerifyDevice checks a signature against the key named by a device id.
func VerifyDevice(device string, hash []byte, sig []byte) error {
	pub, err := ParseDeviceID(device)
	if err != nil {
		return err
	}
	if !Verify(pub, hash, sig) {
		return ErrBadSignature
	}
	return nil
}
