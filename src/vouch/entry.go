package vouch

import (
	"fmt"

	"github.com/mosaicnetworks/murmur/src/dag"
)

// Kind is the kind of vouch backing an entry.
type Kind uint8

const (
	// Unvouched entries lost their vouch. They are evicted first.
	Unvouched Kind = iota
	// Implicit vouch: a validly signed administrative node. Only anchored
	// ones are exempt from the voucher cap and from eviction.
	Implicit
	// Explicit vouch: advertised by an authorized device.
	Explicit
	// Structural vouch: a parent of a vouched node.
	Structural
)

func (k Kind) String() string {
	switch k {
	case Unvouched:
		return "Unvouched"
	case Implicit:
		return "Implicit"
	case Explicit:
		return "Explicit"
	case Structural:
		return "Structural"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Entry describes a buffered opaque node.
type Entry struct {
	Hash    dag.Hash
	Size    int64
	Rank    uint64
	Parents []dag.Hash
	// Admin is set for validly signed administrative nodes, including key
	// distributions.
	Admin bool
	// Signer is the device that signed an Admin entry.
	Signer dag.DeviceID
	// Grants is the subject of a buffered authorization.
	Grants dag.DeviceID
	// Anchored is set for Admin entries whose signer holds an authorization,
	// or is granted one by another anchored entry.
	Anchored bool

	Kind Kind
	// Voucher is the device charged for an Explicit entry, or for an Implicit
	// entry that is not anchored.
	Voucher dag.DeviceID
	// Hops from the nearest direct vouch or stored node.
	Hops int
	// SinceAnchor counts hops since the last administrative or stored node.
	SinceAnchor int

	Arrival uint64
	Segment uint64
	// Locked entries are held by an in-flight promotion.
	Locked bool
	// Redacted entries had their data collected. They still vouch for their
	// parents.
	Redacted bool
}

// Admission is the answer to Admit.
type Admission struct {
	Admitted bool
	Kind     Kind
	// Evicted lists the entries dropped to make room.
	Evicted []dag.Hash
	// Refusal explains why a node was not admitted.
	Refusal string
}
