package reconcile

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math/bits"

	"github.com/mosaicnetworks/murmur/src/crypto"
)

// MaxDifficulty bounds every proof of work, in leading zero bits.
const MaxDifficulty = 64

// ErrBadProof is returned for missing or invalid proofs of work.
var ErrBadProof = errors.New("invalid proof of work")

// NewSecret returns a random key for deriving challenges.
func NewSecret() ([crypto.HashSize]byte, error) {
	var s [crypto.HashSize]byte
	_, err := rand.Read(s[:])
	return s, err
}

// LeadingZeros counts the leading zero bits of digest.
func LeadingZeros(digest [crypto.HashSize]byte) int {
	n := 0
	for _, b := range digest {
		if b != 0 {
			return n + bits.LeadingZeros8(b)
		}
		n += 8
	}
	return n
}

func work(challenge []byte, nonce uint64) [crypto.HashSize]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return crypto.Hash256(challenge, buf[:])
}

// Verify reports whether nonce solves challenge at difficulty.
func Verify(challenge []byte, nonce uint64, difficulty uint8) bool {
	if difficulty == 0 {
		return true
	}
	return LeadingZeros(work(challenge, nonce)) >= int(difficulty)
}

// Solve searches for a nonce solving challenge at difficulty. It returns
// early with the context error when ctx is done.
func Solve(ctx context.Context, challenge []byte, difficulty uint8) (uint64, error) {
	if difficulty > MaxDifficulty {
		return 0, ErrBadProof
	}
	for nonce := uint64(0); ; nonce++ {
		if nonce&0xfff == 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
			}
		}
		if Verify(challenge, nonce, difficulty) {
			return nonce, nil
		}
	}
}
