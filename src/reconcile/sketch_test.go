package reconcile

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/dag"
)

var testSeed = dag.Hash(crypto.Hash256([]byte("conversation")))

func ids(prefix string, n int) []dag.Hash {
	res := make([]dag.Hash, n)
	for i := range res {
		res[i] = dag.Hash(crypto.Hash256([]byte(fmt.Sprintf("%s-%d", prefix, i))))
	}
	return res
}

func sorted(hs []dag.Hash) []dag.Hash {
	res := append([]dag.Hash{}, hs...)
	dag.SortHashes(res)
	return res
}

func build(capacity int, sets ...[]dag.Hash) *Sketch {
	sk := NewSketch(testSeed, capacity)
	for _, set := range sets {
		for _, h := range set {
			sk.Insert(h)
		}
	}
	return sk
}

func TestSketchRoundTrip(t *testing.T) {
	common := ids("common", 500)

	cases := []struct {
		name         string
		onlyA, onlyB int
		capacity     int
	}{
		{"identical", 0, 0, 40},
		{"one", 1, 0, 40},
		{"balanced", 10, 10, 40},
		{"one sided", 0, 30, 40},
		{"larger tier", 70, 80, 160},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			onlyA := ids(c.name+"-a", c.onlyA)
			onlyB := ids(c.name+"-b", c.onlyB)

			a := build(c.capacity, common, onlyA)
			b := build(c.capacity, common, onlyB)

			diff, err := a.Subtract(b)
			if err != nil {
				t.Fatal(err)
			}
			res, err := diff.Decode(1000)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(res.Local, sorted(onlyA)) && !(len(res.Local) == 0 && len(onlyA) == 0) {
				t.Fatalf("Local should be the ids only in a")
			}
			if !reflect.DeepEqual(res.Remote, sorted(onlyB)) && !(len(res.Remote) == 0 && len(onlyB) == 0) {
				t.Fatalf("Remote should be the ids only in b")
			}
		})
	}
}

// Two replicas differing by 35 hashes exchange a sketch of the 40 tier and
// converge on the union.
func TestSketchTier40Convergence(t *testing.T) {
	common := ids("shared", 200)
	onlyA := ids("alice", 20)
	onlyB := ids("bob", 15)

	tier, ok := SelectTier(DefaultTiers, 26)
	if !ok || DefaultTiers[tier] != 40 {
		t.Fatalf("26 differences should select the 40 tier")
	}

	setA := map[dag.Hash]bool{}
	setB := map[dag.Hash]bool{}
	for _, h := range append(append([]dag.Hash{}, common...), onlyA...) {
		setA[h] = true
	}
	for _, h := range append(append([]dag.Hash{}, common...), onlyB...) {
		setB[h] = true
	}

	a := build(40, common, onlyA)
	// b's sketch goes over the wire
	remote, err := FromCells(testSeed, 40, build(40, common, onlyB).Cells())
	if err != nil {
		t.Fatal(err)
	}

	diff, err := a.Subtract(remote)
	if err != nil {
		t.Fatal(err)
	}
	res, err := diff.Decode(2 * Partitions * 40)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.Len() != 35 {
		t.Fatalf("expected 35 differences, got %d", res.Len())
	}

	// a sends what b lacks and fetches what it lacks
	for _, h := range res.Local {
		if !setA[h] || setB[h] {
			t.Fatalf("false positive %s", h.Short())
		}
		setB[h] = true
	}
	for _, h := range res.Remote {
		if setA[h] || !setB[h] {
			t.Fatalf("false positive %s", h.Short())
		}
		setA[h] = true
	}

	if !reflect.DeepEqual(setA, setB) {
		t.Fatalf("replicas should converge")
	}
}

func TestSketchDecodeFailure(t *testing.T) {
	a := build(40, ids("a", 400))
	b := build(40, ids("b", 400))
	diff, err := a.Subtract(b)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := diff.Decode(1000); !errors.Is(err, ErrDecodeFailed) {
		t.Fatalf("overloaded sketch should fail to decode, got %v", err)
	}

	small := build(40, ids("x", 10))
	if _, err := small.Decode(3); !errors.Is(err, ErrDecodeFailed) {
		t.Fatalf("decode should stop at the iteration bound, got %v", err)
	}
	if res, err := small.Decode(100); err != nil || len(res.Local) != 10 {
		t.Fatalf("Decode should leave the sketch untouched: %v, %v", res, err)
	}

	// forged cell with a bad check value
	cells := build(40).Cells()
	cells[0].Count = 1
	cells[0].IDSum = ids("forged", 1)[0]
	forged, err := FromCells(testSeed, 40, cells)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := forged.Decode(100); !errors.Is(err, ErrDecodeFailed) {
		t.Fatalf("forged sketch should fail to decode, got %v", err)
	}
}

func TestSketchIncompatible(t *testing.T) {
	if _, err := build(40).Subtract(build(160)); !errors.Is(err, ErrIncompatible) {
		t.Fatalf("different capacities should be incompatible, got %v", err)
	}
	other := NewSketch(dag.Hash{1}, 40)
	if _, err := build(40).Subtract(other); !errors.Is(err, ErrIncompatible) {
		t.Fatalf("different seeds should be incompatible, got %v", err)
	}
	if _, err := FromCells(testSeed, 40, make([]Cell, 7)); !errors.Is(err, ErrIncompatible) {
		t.Fatalf("wrong cell count should be incompatible, got %v", err)
	}
}

func TestSketchRemove(t *testing.T) {
	sk := build(40, ids("a", 5))
	for _, h := range ids("a", 5) {
		sk.Remove(h)
	}
	res, err := sk.Decode(10)
	if err != nil || res.Len() != 0 {
		t.Fatalf("removing every id should leave an empty sketch: %v, %v", res, err)
	}
}
