package dag

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger"
	cm "github.com/mosaicnetworks/murmur/src/common"
	"github.com/pierrec/lz4/v4"
)

// InmemObjectStore implements ObjectStore with a map.
type InmemObjectStore struct {
	sync.RWMutex
	objects map[Hash]object
}

type object struct {
	data   []byte
	status ObjectStatus
}

// NewInmemObjectStore ...
func NewInmemObjectStore() *InmemObjectStore {
	return &InmemObjectStore{
		objects: make(map[Hash]object),
	}
}

// Put implements ObjectStore.
func (s *InmemObjectStore) Put(hash Hash, data []byte, status ObjectStatus) error {
	s.Lock()
	defer s.Unlock()
	s.objects[hash] = object{append([]byte(nil), data...), status}
	return nil
}

// Get implements ObjectStore.
func (s *InmemObjectStore) Get(hash Hash) ([]byte, ObjectStatus, error) {
	s.RLock()
	defer s.RUnlock()
	o, ok := s.objects[hash]
	if !ok {
		return nil, 0, cm.NewStoreErr("Object", cm.KeyNotFound, hash.String())
	}
	return o.data, o.status, nil
}

// SetStatus implements ObjectStore.
func (s *InmemObjectStore) SetStatus(hash Hash, status ObjectStatus) error {
	s.Lock()
	defer s.Unlock()
	o, ok := s.objects[hash]
	if !ok {
		return cm.NewStoreErr("Object", cm.KeyNotFound, hash.String())
	}
	o.status = status
	s.objects[hash] = o
	return nil
}

// Delete implements ObjectStore.
func (s *InmemObjectStore) Delete(hash Hash) error {
	s.Lock()
	defer s.Unlock()
	delete(s.objects, hash)
	return nil
}

// List implements ObjectStore.
func (s *InmemObjectStore) List(status ObjectStatus) ([]Hash, error) {
	s.RLock()
	defer s.RUnlock()
	res := []Hash{}
	for h, o := range s.objects {
		if o.status == status {
			res = append(res, h)
		}
	}
	SortHashes(res)
	return res, nil
}

// Close implements ObjectStore.
func (s *InmemObjectStore) Close() error {
	return nil
}

//==============================================================================

const objectPrefix = "object"

const (
	encodingRaw byte = iota
	encodingLZ4
)

// BadgerObjectStore implements ObjectStore in a Badger database. Values are
// LZ4 block compressed when that makes them smaller. Records are laid out as
// [status][encoding][uvarint raw size][data].
type BadgerObjectStore struct {
	db *badger.DB
}

// NewBadgerObjectStore uses db, typically shared with a BadgerStore. Closing
// the object store does not close db.
func NewBadgerObjectStore(db *badger.DB) *BadgerObjectStore {
	return &BadgerObjectStore{db: db}
}

func objectKey(hash Hash) []byte {
	return []byte(fmt.Sprintf("%s_%s", objectPrefix, hash))
}

func encodeObject(data []byte, status ObjectStatus) []byte {
	header := make([]byte, 2+binary.MaxVarintLen64)
	header[0] = byte(status)
	header[1] = encodingRaw
	n := binary.PutUvarint(header[2:], uint64(len(data)))
	header = header[:2+n]

	body := data
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, dst, nil)
	if err == nil && written > 0 && written < len(data) {
		header[1] = encodingLZ4
		body = dst[:written]
	}

	return append(header, body...)
}

func decodeObject(record []byte) ([]byte, ObjectStatus, error) {
	if len(record) < 3 {
		return nil, 0, fmt.Errorf("object record too short")
	}
	status := ObjectStatus(record[0])
	size, n := binary.Uvarint(record[2:])
	if n <= 0 {
		return nil, 0, fmt.Errorf("corrupt object size")
	}
	body := record[2+n:]

	switch record[1] {
	case encodingRaw:
		return body, status, nil
	case encodingLZ4:
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint64(read) != size {
			return nil, 0, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return out, status, nil
	default:
		return nil, 0, fmt.Errorf("unknown object encoding %d", record[1])
	}
}

// Put implements ObjectStore.
func (s *BadgerObjectStore) Put(hash Hash, data []byte, status ObjectStatus) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(objectKey(hash), encodeObject(data, status))
	})
}

// Get implements ObjectStore.
func (s *BadgerObjectStore) Get(hash Hash) ([]byte, ObjectStatus, error) {
	var record []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(hash))
		if err != nil {
			return err
		}
		record, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, 0, mapError(err, "Object", hash.String())
	}
	return decodeObject(record)
}

// SetStatus implements ObjectStore.
func (s *BadgerObjectStore) SetStatus(hash Hash, status ObjectStatus) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(hash))
		if err != nil {
			return err
		}
		record, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(record) == 0 {
			return fmt.Errorf("empty object record")
		}
		record[0] = byte(status)
		return txn.Set(objectKey(hash), record)
	})
	return mapError(err, "Object", hash.String())
}

// Delete implements ObjectStore.
func (s *BadgerObjectStore) Delete(hash Hash) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(objectKey(hash))
	})
}

// List implements ObjectStore.
func (s *BadgerObjectStore) List(status ObjectStatus) ([]Hash, error) {
	res := []Hash{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(objectPrefix + "_")

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := string(item.KeyCopy(nil))
			h, err := ParseHash(k[len(prefix):])
			if err != nil {
				return err
			}
			var st ObjectStatus
			err = item.Value(func(v []byte) error {
				if len(v) == 0 {
					return fmt.Errorf("empty object record for %s", h)
				}
				st = ObjectStatus(v[0])
				return nil
			})
			if err != nil {
				return err
			}
			if st == status {
				res = append(res, h)
			}
		}
		return nil
	})
	return res, err
}

// Close implements ObjectStore. The shared database is closed by its owner.
func (s *BadgerObjectStore) Close() error {
	return nil
}
