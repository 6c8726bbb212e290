package dag

// Store is the graph store. Every write reflects a validator decision and
// updates the heads, rank and children indices atomically with the node
// itself.
type Store interface {
	// PutNode stores a node with the given status. Its parents must already
	// be stored, except for the genesis node.
	PutNode(node *GraphNode, status NodeStatus) error
	GetNode(hash Hash) (*GraphNode, error)
	Has(hash Hash) bool
	Status(hash Hash) (NodeStatus, error)
	// SetStatus moves a stored node to another status, updating heads.
	SetStatus(hash Hash, status NodeStatus) error
	// Delete wipes a node. Only nodes without stored children can be
	// deleted.
	Delete(hash Hash) error

	// Heads returns the displayable nodes without displayable children,
	// sorted.
	Heads() []Hash
	Rank(hash Hash) (uint64, error)
	Kind(hash Hash) (Kind, error)
	Timestamp(hash Hash) (int64, error)
	Parents(hash Hash) ([]Hash, error)
	// Children returns the stored nodes that reference hash as a parent,
	// whether or not hash itself is stored.
	Children(hash Hash) []Hash
	// RankRange returns the hashes with min <= rank <= max, sorted by rank
	// then hash.
	RankRange(min, max uint64) []Hash
	// ByStatus returns the hashes currently in a status, sorted.
	ByStatus(status NodeStatus) []Hash
	MaxRank() uint64
	Count() int

	Close() error
}

// ObjectStore is a byte store keyed by hash with a status tag. It backs the
// opaque buffer of the vouch manager.
type ObjectStore interface {
	Put(hash Hash, data []byte, status ObjectStatus) error
	Get(hash Hash) ([]byte, ObjectStatus, error)
	SetStatus(hash Hash, status ObjectStatus) error
	Delete(hash Hash) error
	// List returns the hashes in a status, sorted.
	List(status ObjectStatus) ([]Hash, error)
	Close() error
}
