package reconcile

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/dag"
)

// Partitions is the number of cells an id maps to, one per partition.
const Partitions = 4

var (
	// ErrDecodeFailed is returned when a sketch difference cannot be fully
	// peeled.
	ErrDecodeFailed = errors.New("sketch decode failed")
	// ErrIncompatible is returned when subtracting sketches of different
	// shapes.
	ErrIncompatible = errors.New("incompatible sketches")
)

// Cell is one cell of a Sketch.
type Cell struct {
	_     struct{} `cbor:",toarray"`
	Count int32
	IDSum dag.Hash
	Check uint64
}

func (c *Cell) empty() bool {
	return c.Count == 0 && c.IDSum.IsZero() && c.Check == 0
}

func (c *Cell) toggle(id dag.Hash, check uint64, sign int32) {
	c.Count += sign
	for i := range c.IDSum {
		c.IDSum[i] ^= id[i]
	}
	c.Check ^= check
}

// hasher maps ids to cells. Its keys are derived from the conversation so
// that cell positions cannot be predicted across conversations.
type hasher struct {
	index [Partitions][crypto.HashSize]byte
	check [crypto.HashSize]byte
}

func newHasher(seed dag.Hash) *hasher {
	h := &hasher{}
	for p := 0; p < Partitions; p++ {
		h.index[p] = crypto.DeriveKey("murmur sketch index v1", append(seed[:], byte(p)))
	}
	h.check = crypto.DeriveKey("murmur sketch check v1", seed[:])
	return h
}

func (h *hasher) cell(p int, id dag.Hash, per int) int {
	sum := crypto.KeyedHash(h.index[p], id[:])
	return p*per + int(binary.BigEndian.Uint64(sum[:8])%uint64(per))
}

func (h *hasher) checksum(id dag.Hash) uint64 {
	sum := crypto.KeyedHash(h.check, id[:])
	return binary.BigEndian.Uint64(sum[:8])
}

// Sketch is an invertible Bloom lookup table over node hashes.
type Sketch struct {
	seed     dag.Hash
	capacity int
	per      int
	cells    []Cell
	hasher   *hasher
}

// NewSketch returns an empty sketch rated for capacity differences.
func NewSketch(seed dag.Hash, capacity int) *Sketch {
	if capacity < 1 {
		capacity = 1
	}
	return &Sketch{
		seed:     seed,
		capacity: capacity,
		per:      capacity,
		cells:    make([]Cell, Partitions*capacity),
		hasher:   newHasher(seed),
	}
}

// FromCells rebuilds a sketch received from a peer.
func FromCells(seed dag.Hash, capacity int, cells []Cell) (*Sketch, error) {
	s := NewSketch(seed, capacity)
	if len(cells) != len(s.cells) {
		return nil, fmt.Errorf("%w: %d cells for capacity %d", ErrIncompatible, len(cells), capacity)
	}
	copy(s.cells, cells)
	return s, nil
}

// Capacity returns the number of differences the sketch is rated for.
func (s *Sketch) Capacity() int {
	return s.capacity
}

// Cells returns a copy of the cells.
func (s *Sketch) Cells() []Cell {
	res := make([]Cell, len(s.cells))
	copy(res, s.cells)
	return res
}

// Insert adds id to the sketch.
func (s *Sketch) Insert(id dag.Hash) {
	s.apply(id, 1)
}

// Remove removes id from the sketch.
func (s *Sketch) Remove(id dag.Hash) {
	s.apply(id, -1)
}

func (s *Sketch) apply(id dag.Hash, sign int32) {
	check := s.hasher.checksum(id)
	for p := 0; p < Partitions; p++ {
		s.cells[s.hasher.cell(p, id, s.per)].toggle(id, check, sign)
	}
}

// Subtract returns s - o.
func (s *Sketch) Subtract(o *Sketch) (*Sketch, error) {
	if s.seed != o.seed || s.capacity != o.capacity || len(s.cells) != len(o.cells) {
		return nil, ErrIncompatible
	}
	res := NewSketch(s.seed, s.capacity)
	for i := range s.cells {
		a, b := &s.cells[i], &o.cells[i]
		c := &res.cells[i]
		c.Count = a.Count - b.Count
		for j := range c.IDSum {
			c.IDSum[j] = a.IDSum[j] ^ b.IDSum[j]
		}
		c.Check = a.Check ^ b.Check
	}
	return res, nil
}

// Difference is a decoded sketch difference. For a difference a - b, Local
// holds the ids only in a and Remote the ids only in b.
type Difference struct {
	Local  []dag.Hash
	Remote []dag.Hash
}

// Len returns the size of the symmetric difference.
func (d Difference) Len() int {
	return len(d.Local) + len(d.Remote)
}

// pure reports whether cell i holds exactly one id.
func (s *Sketch) pure(cells []Cell, i int) bool {
	c := &cells[i]
	if c.Count != 1 && c.Count != -1 {
		return false
	}
	if s.hasher.checksum(c.IDSum) != c.Check {
		return false
	}
	// the id must map back to this cell
	return s.hasher.cell(i/s.per, c.IDSum, s.per) == i
}

// Decode peels the sketch, which is normally a difference. It never runs
// more than maxIterations peeling steps. The sketch itself is not
// modified.
func (s *Sketch) Decode(maxIterations int) (Difference, error) {
	cells := s.Cells()
	seen := make(map[dag.Hash]bool)
	diff := Difference{}

	queue := make([]int, 0, len(cells))
	for i := range cells {
		if s.pure(cells, i) {
			queue = append(queue, i)
		}
	}

	steps := 0
	for len(queue) > 0 {
		i := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if !s.pure(cells, i) {
			continue
		}

		steps++
		if steps > maxIterations {
			return Difference{}, fmt.Errorf("%w: iteration bound %d exceeded", ErrDecodeFailed, maxIterations)
		}

		id, sign := cells[i].IDSum, cells[i].Count
		if seen[id] {
			return Difference{}, fmt.Errorf("%w: %s decoded twice", ErrDecodeFailed, id.Short())
		}
		seen[id] = true
		if sign > 0 {
			diff.Local = append(diff.Local, id)
		} else {
			diff.Remote = append(diff.Remote, id)
		}

		check := s.hasher.checksum(id)
		for p := 0; p < Partitions; p++ {
			j := s.hasher.cell(p, id, s.per)
			cells[j].toggle(id, check, -sign)
			if s.pure(cells, j) {
				queue = append(queue, j)
			}
		}
	}

	for i := range cells {
		if !cells[i].empty() {
			return Difference{}, fmt.Errorf("%w: residue in cell %d", ErrDecodeFailed, i)
		}
	}

	dag.SortHashes(diff.Local)
	dag.SortHashes(diff.Remote)
	return diff, nil
}
