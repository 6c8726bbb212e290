package validate

import (
	"fmt"

	"github.com/mosaicnetworks/murmur/src/dag"
)

// Outcome is the verdict of a validation.
type Outcome uint8

const (
	// Accepted nodes are stored and displayed.
	Accepted Outcome = iota + 1
	// Quarantined nodes are stored but not displayed until the clock
	// catches up with their timestamp.
	Quarantined
	// Rejected nodes are dropped. Permanent reasons are remembered.
	Rejected
	// Deferred nodes cannot be validated yet, because their key material or
	// parents are missing.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "Accepted"
	case Quarantined:
		return "Quarantined"
	case Rejected:
		return "Rejected"
	case Deferred:
		return "Deferred"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// Reason is a typed reason code.
type Reason uint8

const (
	// ReasonNone accompanies Accepted outcomes.
	ReasonNone Reason = iota
	// ReasonHashMismatch: the recomputed hash differs from the claimed one.
	ReasonHashMismatch
	// ReasonBadAuthenticator: invalid signature or tag.
	ReasonBadAuthenticator
	// ReasonMalformedPayload: the payload does not decode or does not fit
	// the node kind.
	ReasonMalformedPayload
	// ReasonBadGenesis: a parentless node that is not a valid genesis, or a
	// genesis payload in a node with parents.
	ReasonBadGenesis
	// ReasonTooManyParents: the parent set exceeds the cap.
	ReasonTooManyParents
	// ReasonDuplicateParent: a parent is listed twice.
	ReasonDuplicateParent
	// ReasonCycle: a parent is the node itself or one of its descendants.
	ReasonCycle
	// ReasonBadRank: the rank is not 1 + the highest parent rank.
	ReasonBadRank
	// ReasonTimestampRegression: the timestamp is older than a parent's.
	ReasonTimestampRegression
	// ReasonChainIsolation: an administrative node has a content parent.
	ReasonChainIsolation
	// ReasonUnauthorized: the device lacks the permission needed for the
	// payload at the node's position.
	ReasonUnauthorized
	// ReasonFutureDated: the timestamp is too far ahead of network time.
	ReasonFutureDated
	// ReasonUndecryptable: no key material for the node.
	ReasonUndecryptable
	// ReasonMissingParents: some parents are not stored yet.
	ReasonMissingParents
)

var reasonNames = map[Reason]string{
	ReasonNone:                "None",
	ReasonHashMismatch:        "HashMismatch",
	ReasonBadAuthenticator:    "BadAuthenticator",
	ReasonMalformedPayload:    "MalformedPayload",
	ReasonBadGenesis:          "BadGenesis",
	ReasonTooManyParents:      "TooManyParents",
	ReasonDuplicateParent:     "DuplicateParent",
	ReasonCycle:               "Cycle",
	ReasonBadRank:             "BadRank",
	ReasonTimestampRegression: "TimestampRegression",
	ReasonChainIsolation:      "ChainIsolation",
	ReasonUnauthorized:        "Unauthorized",
	ReasonFutureDated:         "FutureDated",
	ReasonUndecryptable:       "Undecryptable",
	ReasonMissingParents:      "MissingParents",
}

func (r Reason) String() string {
	if n, ok := reasonNames[r]; ok {
		return n
	}
	return fmt.Sprintf("Reason(%d)", uint8(r))
}

// Permanent reports whether a node failing for this reason can never be
// accepted.
func (r Reason) Permanent() bool {
	switch r {
	case ReasonNone, ReasonFutureDated, ReasonUndecryptable, ReasonMissingParents:
		return false
	default:
		return true
	}
}

// Category groups reasons into the error taxonomy: Malformed, Unauthorized,
// FutureDated, Undecryptable and Missing.
func (r Reason) Category() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonChainIsolation, ReasonUnauthorized:
		return "Unauthorized"
	case ReasonFutureDated:
		return "FutureDated"
	case ReasonUndecryptable:
		return "Undecryptable"
	case ReasonMissingParents:
		return "Missing"
	default:
		return "Malformed"
	}
}

// Result is the typed outcome of a validation.
type Result struct {
	Outcome Outcome
	Reason  Reason
	Hash    dag.Hash
	// Status is the store status of Accepted and Quarantined nodes.
	Status dag.NodeStatus
	// Payload is the decoded payload, when it could be decoded.
	Payload *dag.Payload
	// Generation is the key generation that authenticated a content node.
	Generation uint64
	// Missing lists the unknown parents of a Deferred node.
	Missing []dag.Hash
	// Detail is a human readable explanation of a failure.
	Detail string
}

func (r Result) String() string {
	if r.Reason == ReasonNone {
		return fmt.Sprintf("%s(%s)", r.Outcome, r.Status)
	}
	if r.Detail != "" {
		return fmt.Sprintf("%s(%s: %s)", r.Outcome, r.Reason, r.Detail)
	}
	return fmt.Sprintf("%s(%s)", r.Outcome, r.Reason)
}

// Stored reports whether Commit stores the node.
func (r Result) Stored() bool {
	return r.Outcome == Accepted || r.Outcome == Quarantined
}

func reject(hash dag.Hash, reason Reason, format string, args ...interface{}) Result {
	return Result{
		Outcome: Rejected,
		Reason:  reason,
		Hash:    hash,
		Detail:  fmt.Sprintf(format, args...),
	}
}

func deferred(hash dag.Hash, reason Reason, missing []dag.Hash) Result {
	return Result{
		Outcome: Deferred,
		Reason:  reason,
		Hash:    hash,
		Missing: missing,
	}
}
