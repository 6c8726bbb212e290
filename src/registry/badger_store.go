package registry

import (
	"fmt"

	"github.com/dgraph-io/badger"
	cm "github.com/mosaicnetworks/murmur/src/common"
)

const registryPrefix = "reg"

// BadgerStore implements Store in a Badger database, typically the one
// holding the graph.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore uses db without taking ownership of it.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func bucketPrefix(bucket string) []byte {
	return []byte(fmt.Sprintf("%s_%s_", registryPrefix, bucket))
}

func recordKey(bucket, key string) []byte {
	return []byte(fmt.Sprintf("%s_%s_%s", registryPrefix, bucket, key))
}

// Put implements Store.
func (s *BadgerStore) Put(bucket, key string, value interface{}) error {
	raw, err := Marshal(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(bucket, key), raw)
	})
}

// Get implements Store.
func (s *BadgerStore) Get(bucket, key string, value interface{}) error {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(bucket, key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return cm.NewStoreErr(bucket, cm.KeyNotFound, key)
	}
	if err != nil {
		return err
	}
	return Unmarshal(raw, value)
}

// Delete implements Store.
func (s *BadgerStore) Delete(bucket, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(bucket, key))
	})
}

// Iterate implements Store. Keys are returned without the bucket prefix.
func (s *BadgerStore) Iterate(bucket string, fn func(key string, raw []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := bucketPrefix(bucket)

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(k[len(prefix):]), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close implements Store. The database is closed by its owner.
func (s *BadgerStore) Close() error {
	return nil
}
