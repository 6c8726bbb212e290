package validate

import (
	"errors"

	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/dag"
)

var errBootstrapDistribution = errors.New("generation 0 is never distributed")

// InstallDistribution unwraps the secret carried by a key distribution with
// a variant of the previous generation and installs it as the variant of
// source. The variant is confirmed only when asked and when the unwrapping
// variant is confirmed too.
func InstallDistribution(keys *crypto.KeyRing, source dag.Hash, rank uint64, kd *dag.KeyDistribution, confirmed bool) error {
	if kd.Generation == 0 {
		return errBootstrapDistribution
	}
	prevs := keys.Variants(kd.Generation - 1)
	if len(prevs) == 0 {
		return crypto.ErrUnknownGeneration
	}
	var err error
	for _, prev := range prevs {
		if prev.Revoked {
			continue
		}
		var secret []byte
		if secret, err = prev.Unwrap(kd.Wrapped); err != nil {
			continue
		}
		return keys.Install(kd.Generation, secret, source, rank, confirmed && prev.Confirmed)
	}
	if err == nil {
		err = crypto.ErrUnknownGeneration
	}
	return err
}

// NewDistribution wraps secret as the generation following the newest one
// that can seal content.
func NewDistribution(keys *crypto.KeyRing, secret []byte) (*dag.KeyDistribution, error) {
	current, ok := keys.Latest()
	if !ok {
		return nil, crypto.ErrUnknownGeneration
	}
	wrapped, err := current.Wrap(secret)
	if err != nil {
		return nil, err
	}
	return &dag.KeyDistribution{
		Generation: current.Number + 1,
		Wrapped:    wrapped,
	}, nil
}
