package dag

import "fmt"

// NodeStatus is the state of a node in the graph store.
type NodeStatus uint8

const (
	// StatusVerified nodes passed every validation step.
	StatusVerified NodeStatus = iota + 1
	// StatusQuarantined nodes are valid but dated too far in the future.
	// They are stored and not displayed, and only vouch for their parents.
	StatusQuarantined
	// StatusIdentityPending nodes were decrypted with key material whose
	// distribution chain is not yet confirmed. They are displayed with a
	// warning and never used to author new data or propagate trust.
	StatusIdentityPending
)

func (s NodeStatus) String() string {
	switch s {
	case StatusVerified:
		return "Verified"
	case StatusQuarantined:
		return "Quarantined"
	case StatusIdentityPending:
		return "IdentityPending"
	default:
		return fmt.Sprintf("NodeStatus(%d)", uint8(s))
	}
}

// Displayable reports whether nodes with this status take part in heads.
func (s NodeStatus) Displayable() bool {
	return s == StatusVerified || s == StatusIdentityPending
}

// ObjectStatus is the state of an entry in an ObjectStore.
type ObjectStatus uint8

const (
	// ObjectAvailable entries are plain stored objects.
	ObjectAvailable ObjectStatus = iota + 1
	// ObjectOpaque entries are vouched nodes that could not be verified yet.
	ObjectOpaque
	// ObjectPending entries are locked by an in-flight promotion.
	ObjectPending
)

func (s ObjectStatus) String() string {
	switch s {
	case ObjectAvailable:
		return "Available"
	case ObjectOpaque:
		return "Opaque"
	case ObjectPending:
		return "Pending"
	default:
		return fmt.Sprintf("ObjectStatus(%d)", uint8(s))
	}
}
