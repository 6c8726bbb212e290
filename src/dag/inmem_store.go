package dag

import (
	"sync"

	cm "github.com/mosaicnetworks/murmur/src/common"
)

// InmemStore implements the Store interface with maps. Nothing is persisted.
type InmemStore struct {
	sync.RWMutex
	idx    *index
	nodes  map[Hash]*GraphNode
	closed bool
}

// NewInmemStore ...
func NewInmemStore() *InmemStore {
	return &InmemStore{
		idx:   newIndex(),
		nodes: make(map[Hash]*GraphNode),
	}
}

// PutNode implements the Store interface.
func (s *InmemStore) PutNode(node *GraphNode, status NodeStatus) error {
	hash, err := node.Hash()
	if err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	if s.closed {
		return cm.NewStoreErr("Node", cm.Closed, hash.String())
	}
	if err := s.idx.check(node, hash); err != nil {
		return err
	}
	s.idx.add(node, hash, status)
	s.nodes[hash] = node
	return nil
}

// GetNode implements the Store interface.
func (s *InmemStore) GetNode(hash Hash) (*GraphNode, error) {
	s.RLock()
	defer s.RUnlock()
	n, ok := s.nodes[hash]
	if !ok {
		return nil, cm.NewStoreErr("Node", cm.KeyNotFound, hash.String())
	}
	return n, nil
}

// Has implements the Store interface.
func (s *InmemStore) Has(hash Hash) bool {
	s.RLock()
	defer s.RUnlock()
	_, ok := s.idx.meta[hash]
	return ok
}

// Status implements the Store interface.
func (s *InmemStore) Status(hash Hash) (NodeStatus, error) {
	s.RLock()
	defer s.RUnlock()
	m, err := s.idx.get(hash, "Status")
	if err != nil {
		return 0, err
	}
	return m.status, nil
}

// SetStatus implements the Store interface.
func (s *InmemStore) SetStatus(hash Hash, status NodeStatus) error {
	s.Lock()
	defer s.Unlock()
	return s.idx.setStatus(hash, status)
}

// Delete implements the Store interface.
func (s *InmemStore) Delete(hash Hash) error {
	s.Lock()
	defer s.Unlock()
	if err := s.idx.remove(hash); err != nil {
		return err
	}
	delete(s.nodes, hash)
	return nil
}

// Heads implements the Store interface.
func (s *InmemStore) Heads() []Hash {
	s.RLock()
	defer s.RUnlock()
	return s.idx.headList()
}

// Rank implements the Store interface.
func (s *InmemStore) Rank(hash Hash) (uint64, error) {
	s.RLock()
	defer s.RUnlock()
	m, err := s.idx.get(hash, "Rank")
	if err != nil {
		return 0, err
	}
	return m.rank, nil
}

// Kind implements the Store interface.
func (s *InmemStore) Kind(hash Hash) (Kind, error) {
	s.RLock()
	defer s.RUnlock()
	m, err := s.idx.get(hash, "Kind")
	if err != nil {
		return 0, err
	}
	return m.kind, nil
}

// Timestamp implements the Store interface.
func (s *InmemStore) Timestamp(hash Hash) (int64, error) {
	s.RLock()
	defer s.RUnlock()
	m, err := s.idx.get(hash, "Timestamp")
	if err != nil {
		return 0, err
	}
	return m.timestamp, nil
}

// Parents implements the Store interface.
func (s *InmemStore) Parents(hash Hash) ([]Hash, error) {
	s.RLock()
	defer s.RUnlock()
	m, err := s.idx.get(hash, "Parents")
	if err != nil {
		return nil, err
	}
	return m.parents, nil
}

// Children implements the Store interface.
func (s *InmemStore) Children(hash Hash) []Hash {
	s.RLock()
	defer s.RUnlock()
	return s.idx.childList(hash)
}

// RankRange implements the Store interface.
func (s *InmemStore) RankRange(min, max uint64) []Hash {
	s.RLock()
	defer s.RUnlock()
	return s.idx.rankRange(min, max)
}

// ByStatus implements the Store interface.
func (s *InmemStore) ByStatus(status NodeStatus) []Hash {
	s.RLock()
	defer s.RUnlock()
	return s.idx.byStatus(status)
}

// MaxRank implements the Store interface.
func (s *InmemStore) MaxRank() uint64 {
	s.RLock()
	defer s.RUnlock()
	return s.idx.maxRank
}

// Count implements the Store interface.
func (s *InmemStore) Count() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.idx.meta)
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	s.Lock()
	defer s.Unlock()
	s.closed = true
	return nil
}
