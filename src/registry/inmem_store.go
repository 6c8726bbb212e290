package registry

import (
	"sort"
	"sync"

	cm "github.com/mosaicnetworks/murmur/src/common"
)

// InmemStore implements Store with maps.
type InmemStore struct {
	sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewInmemStore ...
func NewInmemStore() *InmemStore {
	return &InmemStore{
		buckets: make(map[string]map[string][]byte),
	}
}

// Put implements Store.
func (s *InmemStore) Put(bucket, key string, value interface{}) error {
	raw, err := Marshal(value)
	if err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		s.buckets[bucket] = b
	}
	b[key] = raw
	return nil
}

// Get implements Store.
func (s *InmemStore) Get(bucket, key string, value interface{}) error {
	s.RLock()
	raw, ok := s.buckets[bucket][key]
	s.RUnlock()
	if !ok {
		return cm.NewStoreErr(bucket, cm.KeyNotFound, key)
	}
	return Unmarshal(raw, value)
}

// Delete implements Store.
func (s *InmemStore) Delete(bucket, key string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.buckets[bucket], key)
	return nil
}

// Iterate implements Store.
func (s *InmemStore) Iterate(bucket string, fn func(key string, raw []byte) error) error {
	s.RLock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for k := range s.buckets[bucket] {
		keys = append(keys, k)
	}
	records := make(map[string][]byte, len(keys))
	for _, k := range keys {
		records[k] = s.buckets[bucket][k]
	}
	s.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, records[k]); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Store.
func (s *InmemStore) Close() error {
	return nil
}
