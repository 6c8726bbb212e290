package promote

import (
	"fmt"

	"github.com/mosaicnetworks/murmur/src/dag"
	"github.com/mosaicnetworks/murmur/src/validate"
)

// State is the promotion state of an opaque node.
type State uint8

const (
	// Opaque nodes wait in the buffer.
	Opaque State = iota
	// Locked nodes are held by a promotion and exempt from eviction.
	Locked
	// TrialDecrypt nodes are being validated against candidate keys.
	TrialDecrypt
	// VerifiedIdentityPending nodes were decrypted with a key whose
	// distribution is not confirmed yet.
	VerifiedIdentityPending
	// VerifiedFull nodes are verified.
	VerifiedFull
	// StillOpaque nodes could not be promoted yet and went back to the
	// buffer.
	StillOpaque
	// Rejected nodes failed validation and left the buffer.
	Rejected
	// Quarantined nodes are future dated.
	Quarantined
	// Wiped nodes were decrypted with a key that was later revoked.
	Wiped
)

func (s State) String() string {
	switch s {
	case Opaque:
		return "Opaque"
	case Locked:
		return "Locked"
	case TrialDecrypt:
		return "TrialDecrypt"
	case VerifiedIdentityPending:
		return "VerifiedIdentityPending"
	case VerifiedFull:
		return "VerifiedFull"
	case StillOpaque:
		return "StillOpaque"
	case Rejected:
		return "Rejected"
	case Quarantined:
		return "Quarantined"
	case Wiped:
		return "Wiped"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Final reports whether the node left the buffer.
func (s State) Final() bool {
	switch s {
	case VerifiedIdentityPending, VerifiedFull, Rejected, Quarantined, Wiped:
		return true
	}
	return false
}

// Outcome is the result of one promotion attempt.
type Outcome struct {
	Hash   dag.Hash
	State  State
	Result validate.Result
}

// Batch is the result of a Trigger.
type Batch struct {
	Generation uint64
	Outcomes   []Outcome
	// Skipped is set when the generation was already fully processed.
	Skipped bool
}

// Promoted returns the hashes that left the buffer into the graph.
func (b Batch) Promoted() []dag.Hash {
	res := []dag.Hash{}
	for _, o := range b.Outcomes {
		if o.State == VerifiedFull || o.State == VerifiedIdentityPending || o.State == Quarantined {
			res = append(res, o.Hash)
		}
	}
	return res
}
