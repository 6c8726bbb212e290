package trust

import (
	"github.com/mosaicnetworks/murmur/src/dag"
)

// Position is a causal position in the graph: the nodes in the past of the
// frontier (inclusive) and a point in consensus time, in unix milliseconds.
type Position struct {
	Frontier []dag.Hash
	At       int64
}

// Certificate is a delegation of permissions from an issuer to a subject
// device, derived from an Authorize node, or from the genesis node for the
// root identity.
type Certificate struct {
	// Node is the hash of the Authorize or genesis node.
	Node    dag.Hash
	Rank    uint64
	Parents []dag.Hash
	// Timestamp of the node, where the issuer's own permissions are
	// evaluated.
	Timestamp int64
	// Issuer is empty for the root certificate.
	Issuer  dag.DeviceID
	Subject dag.DeviceID
	Author  dag.AuthorID
	Claim   Permission
	// Expiry in unix milliseconds. Zero never expires.
	Expiry int64

	parentsKey dag.Hash
}

// IsRoot reports whether c is the root certificate.
func (c *Certificate) IsRoot() bool {
	return c.Issuer == ""
}

func (c *Certificate) expired(at int64) bool {
	return c.Expiry != 0 && c.Expiry <= at
}

// Revocation is derived from a Revoke node.
type Revocation struct {
	Node    dag.Hash
	Rank    uint64
	Revoker dag.DeviceID
	Target  dag.DeviceID
	// SeniorityRank and SeniorityNode identify the admin node that authorized
	// the revoker, as seen from the revocation. Lower is more senior.
	SeniorityRank uint64
	SeniorityNode dag.Hash
}

func (r *Revocation) moreSenior(o *Revocation) bool {
	if r.SeniorityRank != o.SeniorityRank {
		return r.SeniorityRank < o.SeniorityRank
	}
	if r.SeniorityNode != o.SeniorityNode {
		return r.SeniorityNode.Less(o.SeniorityNode)
	}
	if r.Rank != o.Rank {
		return r.Rank < o.Rank
	}
	return r.Node.Less(o.Node)
}

// Recommendation is the latest difficulty recommendation of a device.
type Recommendation struct {
	Node       dag.Hash
	Rank       uint64
	Device     dag.DeviceID
	Difficulty uint8
	Timestamp  int64
}

// Result is the outcome of an evaluation.
type Result struct {
	Permissions Permission
	// Expiry is the earliest expiry along the best path, in unix
	// milliseconds. Zero never expires.
	Expiry int64
}

// Allows reports whether the result holds every bit of p.
func (r Result) Allows(p Permission) bool {
	return r.Permissions.Has(p)
}

// merge unions a path into r: permissions are ORed and the latest expiry
// wins.
func (r *Result) merge(o Result) {
	if o.Permissions == PermNone {
		return
	}
	if r.Permissions == PermNone {
		r.Expiry = o.Expiry
	} else if r.Expiry != 0 && (o.Expiry == 0 || o.Expiry > r.Expiry) {
		r.Expiry = o.Expiry
	}
	r.Permissions |= o.Permissions
}

// earliest returns the earliest of two expiries, zero being never.
func earliest(a, b int64) int64 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}
