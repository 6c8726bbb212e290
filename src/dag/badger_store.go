package dag

import (
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger"
	lru "github.com/hashicorp/golang-lru"
	cm "github.com/mosaicnetworks/murmur/src/common"
	"github.com/sirupsen/logrus"
)

const (
	nodePrefix   = "node"
	statusPrefix = "status"
)

// BadgerStore implements the Store interface on top of a Badger database. The
// index (statuses, ranks, children, heads) lives in memory and is rebuilt from
// the database on load; node bodies are read through an LRU cache.
type BadgerStore struct {
	sync.RWMutex
	idx    *index
	cache  *lru.Cache
	db     *badger.DB
	path   string
	logger *logrus.Entry
}

// NewBadgerStore opens, or creates, a BadgerStore at path and rebuilds its
// index from the existing records.
func NewBadgerStore(cacheSize int, path string, logger *logrus.Entry) (*BadgerStore, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}

	handle, err := openBadger(path, logger)
	if err != nil {
		return nil, err
	}

	cache, err := lru.New(cacheSize)
	if err != nil {
		handle.Close()
		return nil, err
	}

	store := &BadgerStore{
		idx:    newIndex(),
		cache:  cache,
		db:     handle,
		path:   path,
		logger: logger,
	}

	if err := store.dbLoadIndex(); err != nil {
		handle.Close()
		return nil, err
	}

	return store, nil
}

func openBadger(path string, logger *logrus.Entry) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithLogger(logger.WithField("component", "badger"))
	return badger.Open(opts)
}

//==============================================================================
//Keys

func nodeKey(hash Hash) []byte {
	return []byte(fmt.Sprintf("%s_%s", nodePrefix, hash))
}

func statusKey(hash Hash) []byte {
	return []byte(fmt.Sprintf("%s_%s", statusPrefix, hash))
}

//==============================================================================
//Implement the Store interface

// PutNode implements the Store interface.
func (s *BadgerStore) PutNode(node *GraphNode, status NodeStatus) error {
	hash, err := node.Hash()
	if err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	if err := s.idx.check(node, hash); err != nil {
		return err
	}
	if err := s.dbPutNode(node, hash, status); err != nil {
		return err
	}
	s.idx.add(node, hash, status)
	s.cache.Add(hash, node)
	return nil
}

// GetNode implements the Store interface.
func (s *BadgerStore) GetNode(hash Hash) (*GraphNode, error) {
	if n, ok := s.cache.Get(hash); ok {
		return n.(*GraphNode), nil
	}
	node, err := s.dbGetNode(hash)
	if err != nil {
		return nil, mapError(err, "Node", hash.String())
	}
	s.cache.Add(hash, node)
	return node, nil
}

// Has implements the Store interface.
func (s *BadgerStore) Has(hash Hash) bool {
	s.RLock()
	defer s.RUnlock()
	_, ok := s.idx.meta[hash]
	return ok
}

// Status implements the Store interface.
func (s *BadgerStore) Status(hash Hash) (NodeStatus, error) {
	s.RLock()
	defer s.RUnlock()
	m, err := s.idx.get(hash, "Status")
	if err != nil {
		return 0, err
	}
	return m.status, nil
}

// SetStatus implements the Store interface.
func (s *BadgerStore) SetStatus(hash Hash, status NodeStatus) error {
	s.Lock()
	defer s.Unlock()

	if _, err := s.idx.get(hash, "Status"); err != nil {
		return err
	}
	if err := s.dbSetStatus(hash, status); err != nil {
		return err
	}
	return s.idx.setStatus(hash, status)
}

// Delete implements the Store interface.
func (s *BadgerStore) Delete(hash Hash) error {
	s.Lock()
	defer s.Unlock()

	if err := s.idx.remove(hash); err != nil {
		return err
	}
	s.cache.Remove(hash)
	return s.dbDelete(hash)
}

// Heads implements the Store interface.
func (s *BadgerStore) Heads() []Hash {
	s.RLock()
	defer s.RUnlock()
	return s.idx.headList()
}

// Rank implements the Store interface.
func (s *BadgerStore) Rank(hash Hash) (uint64, error) {
	s.RLock()
	defer s.RUnlock()
	m, err := s.idx.get(hash, "Rank")
	if err != nil {
		return 0, err
	}
	return m.rank, nil
}

// Kind implements the Store interface.
func (s *BadgerStore) Kind(hash Hash) (Kind, error) {
	s.RLock()
	defer s.RUnlock()
	m, err := s.idx.get(hash, "Kind")
	if err != nil {
		return 0, err
	}
	return m.kind, nil
}

// Timestamp implements the Store interface.
func (s *BadgerStore) Timestamp(hash Hash) (int64, error) {
	s.RLock()
	defer s.RUnlock()
	m, err := s.idx.get(hash, "Timestamp")
	if err != nil {
		return 0, err
	}
	return m.timestamp, nil
}

// Parents implements the Store interface.
func (s *BadgerStore) Parents(hash Hash) ([]Hash, error) {
	s.RLock()
	defer s.RUnlock()
	m, err := s.idx.get(hash, "Parents")
	if err != nil {
		return nil, err
	}
	return m.parents, nil
}

// Children implements the Store interface.
func (s *BadgerStore) Children(hash Hash) []Hash {
	s.RLock()
	defer s.RUnlock()
	return s.idx.childList(hash)
}

// RankRange implements the Store interface.
func (s *BadgerStore) RankRange(min, max uint64) []Hash {
	s.RLock()
	defer s.RUnlock()
	return s.idx.rankRange(min, max)
}

// ByStatus implements the Store interface.
func (s *BadgerStore) ByStatus(status NodeStatus) []Hash {
	s.RLock()
	defer s.RUnlock()
	return s.idx.byStatus(status)
}

// MaxRank implements the Store interface.
func (s *BadgerStore) MaxRank() uint64 {
	s.RLock()
	defer s.RUnlock()
	return s.idx.maxRank
}

// Count implements the Store interface.
func (s *BadgerStore) Count() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.idx.meta)
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// StorePath returns the directory of the database.
func (s *BadgerStore) StorePath() string {
	return s.path
}

//==============================================================================
//DB Methods

func (s *BadgerStore) dbPutNode(node *GraphNode, hash Hash, status NodeStatus) error {
	val, err := node.Marshal()
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		//insert [node_hash] => [node bytes]
		if err := txn.Set(nodeKey(hash), val); err != nil {
			return err
		}
		//insert [status_hash] => [status]
		return txn.Set(statusKey(hash), []byte{byte(status)})
	})
}

func (s *BadgerStore) dbGetNode(hash Hash) (*GraphNode, error) {
	var nodeBytes []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(hash))
		if err != nil {
			return err
		}
		nodeBytes, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	return UnmarshalNode(nodeBytes)
}

func (s *BadgerStore) dbSetStatus(hash Hash, status NodeStatus) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(statusKey(hash), []byte{byte(status)})
	})
}

func (s *BadgerStore) dbDelete(hash Hash) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(nodeKey(hash)); err != nil {
			return err
		}
		return txn.Delete(statusKey(hash))
	})
}

// dbLoadIndex replays every stored node into the in-memory index.
func (s *BadgerStore) dbLoadIndex() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(nodePrefix + "_")

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			node, err := UnmarshalNode(raw)
			if err != nil {
				return err
			}
			hash, err := node.Hash()
			if err != nil {
				return err
			}

			item, err := txn.Get(statusKey(hash))
			if err != nil {
				return fmt.Errorf("status of %s: %w", hash, err)
			}
			st, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(st) != 1 {
				return fmt.Errorf("corrupt status record for %s", hash)
			}

			s.idx.add(node, hash, NodeStatus(st[0]))
		}

		s.logger.WithField("nodes", len(s.idx.meta)).Debug("Loaded graph index")
		return nil
	})
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++

func isDBKeyNotFound(err error) bool {
	return err == badger.ErrKeyNotFound
}

func mapError(err error, name, key string) error {
	if err != nil {
		if isDBKeyNotFound(err) {
			return cm.NewStoreErr(name, cm.KeyNotFound, key)
		}
	}
	return err
}

// DB exposes the underlying database so that the object store and the
// registries can share it under their own key prefixes.
func (s *BadgerStore) DB() *badger.DB {
	return s.db
}
