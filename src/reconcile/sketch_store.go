package reconcile

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/zstd"
	"github.com/mosaicnetworks/murmur/src/codec"
	"github.com/mosaicnetworks/murmur/src/dag"
)

type sketchKey struct {
	Range    Range
	Capacity int
}

// SketchStore caches built sketches, serialized and zstd compressed. It is
// disposable: a missing sketch is rebuilt by rescanning its range.
type SketchStore struct {
	seed  dag.Hash
	cache *lru.Cache

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewSketchStore ...
func NewSketchStore(seed dag.Hash, size int) (*SketchStore, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &SketchStore{
		seed:    seed,
		cache:   cache,
		encoder: enc,
		decoder: dec,
	}, nil
}

// Get returns the cached sketch of r at capacity.
func (s *SketchStore) Get(r Range, capacity int) (*Sketch, bool) {
	v, ok := s.cache.Get(sketchKey{r, capacity})
	if !ok {
		return nil, false
	}
	raw, err := s.decoder.DecodeAll(v.([]byte), nil)
	if err != nil {
		s.cache.Remove(sketchKey{r, capacity})
		return nil, false
	}
	var cells []Cell
	if err := codec.Unmarshal(raw, &cells); err != nil {
		s.cache.Remove(sketchKey{r, capacity})
		return nil, false
	}
	sk, err := FromCells(s.seed, capacity, cells)
	if err != nil {
		return nil, false
	}
	return sk, true
}

// Put caches sk for r.
func (s *SketchStore) Put(r Range, sk *Sketch) error {
	raw, err := codec.Marshal(sk.cells)
	if err != nil {
		return fmt.Errorf("encoding sketch %s: %w", r, err)
	}
	s.cache.Add(sketchKey{r, sk.Capacity()}, s.encoder.EncodeAll(raw, nil))
	return nil
}

// Invalidate drops every sketch whose range contains rank.
func (s *SketchStore) Invalidate(rank uint64) {
	for _, k := range s.cache.Keys() {
		if key, ok := k.(sketchKey); ok && key.Range.Contains(rank) {
			s.cache.Remove(k)
		}
	}
}

// Len returns the number of cached sketches.
func (s *SketchStore) Len() int {
	return s.cache.Len()
}

// Purge empties the store.
func (s *SketchStore) Purge() {
	s.cache.Purge()
}

// Close releases the codecs.
func (s *SketchStore) Close() {
	s.encoder.Close()
	s.decoder.Close()
}
