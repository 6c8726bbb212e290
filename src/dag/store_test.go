package dag

import (
	"reflect"
	"testing"

	"github.com/mosaicnetworks/murmur/src/common"
)

func TestStorePutGet(t *testing.T) {
	for name, mk := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			s := mk()
			nodes := diamond(t, s)

			c := nodes["c"]
			got, err := s.GetNode(mustHash(t, c))
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got.Body, c.Body) {
				t.Fatalf("GetNode body should be %#v, not %#v", c.Body, got.Body)
			}

			if err := s.PutNode(c, StatusVerified); !common.IsStore(err, common.KeyAlreadyExists) {
				t.Fatalf("duplicate PutNode should fail with KeyAlreadyExists, got %v", err)
			}

			orphan := testNode("orphan", 1, testNode("unknown", 0))
			if err := s.PutNode(orphan, StatusVerified); !common.IsStore(err, common.UnknownParent) {
				t.Fatalf("orphan PutNode should fail with UnknownParent, got %v", err)
			}

			if _, err := s.GetNode(mustHash(t, orphan)); !common.IsStore(err, common.KeyNotFound) {
				t.Fatalf("GetNode of missing node should fail with KeyNotFound, got %v", err)
			}

			if s.Count() != 4 {
				t.Fatalf("Count should be 4, not %d", s.Count())
			}
			if s.MaxRank() != 2 {
				t.Fatalf("MaxRank should be 2, not %d", s.MaxRank())
			}
			if r, _ := s.Rank(mustHash(t, c)); r != 2 {
				t.Fatalf("rank of c should be 2, not %d", r)
			}
			if ts, _ := s.Timestamp(mustHash(t, nodes["b"])); ts != 5 {
				t.Fatalf("timestamp of b should be 5, not %d", ts)
			}
		})
	}
}

func TestStoreHeads(t *testing.T) {
	for name, mk := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			s := mk()
			nodes := diamond(t, s)

			if got := hashNames(t, nodes, s.Heads()); !reflect.DeepEqual(got, []string{"c"}) {
				t.Fatalf("heads should be [c], not %v", got)
			}

			// a quarantined child does not hide its parent
			d := testNode("d", 30, nodes["c"])
			nodes["d"] = d
			mustPut(t, s, d, StatusQuarantined)
			if got := hashNames(t, nodes, s.Heads()); !reflect.DeepEqual(got, []string{"c"}) {
				t.Fatalf("heads should still be [c], not %v", got)
			}

			if err := s.SetStatus(mustHash(t, d), StatusVerified); err != nil {
				t.Fatal(err)
			}
			if got := hashNames(t, nodes, s.Heads()); !reflect.DeepEqual(got, []string{"d"}) {
				t.Fatalf("heads should be [d], not %v", got)
			}

			if err := s.SetStatus(mustHash(t, d), StatusQuarantined); err != nil {
				t.Fatal(err)
			}
			if got := hashNames(t, nodes, s.Heads()); !reflect.DeepEqual(got, []string{"c"}) {
				t.Fatalf("heads should be [c] again, not %v", got)
			}

			if got := s.ByStatus(StatusQuarantined); !reflect.DeepEqual(got, []Hash{mustHash(t, d)}) {
				t.Fatalf("ByStatus(Quarantined) should be [d], not %v", hashNames(t, nodes, got))
			}
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for name, mk := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			s := mk()
			nodes := diamond(t, s)

			if err := s.Delete(mustHash(t, nodes["a"])); !common.IsStore(err, common.WrongStatus) {
				t.Fatalf("deleting a node with children should fail with WrongStatus, got %v", err)
			}

			if err := s.Delete(mustHash(t, nodes["c"])); err != nil {
				t.Fatal(err)
			}
			if s.Has(mustHash(t, nodes["c"])) {
				t.Fatal("c should be gone")
			}

			got := hashNames(t, nodes, s.Heads())
			if !reflect.DeepEqual(got, sortedNames(t, nodes, "a", "b")) {
				t.Fatalf("heads should be a and b, not %v", got)
			}
			if len(s.Children(mustHash(t, nodes["a"]))) != 0 {
				t.Fatal("a should have no children left")
			}
		})
	}
}

func TestStoreChildrenOfUnknownParent(t *testing.T) {
	s := NewInmemStore()
	nodes := diamond(t, s)

	children := s.Children(mustHash(t, nodes["g"]))
	if got := hashNames(t, nodes, children); !reflect.DeepEqual(got, sortedNames(t, nodes, "a", "b")) {
		t.Fatalf("children of g should be a and b, not %v", got)
	}
}

func TestStoreRankRange(t *testing.T) {
	for name, mk := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			s := mk()
			nodes := diamond(t, s)

			got := hashNames(t, nodes, s.RankRange(1, 1))
			if !reflect.DeepEqual(got, sortedNames(t, nodes, "a", "b")) {
				t.Fatalf("rank 1 should hold a and b, not %v", got)
			}

			all := s.RankRange(0, ^uint64(0))
			if len(all) != 4 {
				t.Fatalf("full range should hold 4 nodes, not %d", len(all))
			}
			if all[0] != mustHash(t, nodes["g"]) || all[3] != mustHash(t, nodes["c"]) {
				t.Fatalf("full range should be sorted by rank, got %v", hashNames(t, nodes, all))
			}
		})
	}
}

func TestBadgerStoreReload(t *testing.T) {
	dir := t.TempDir()
	logger := common.NewTestEntry(t, "badger")

	store, err := NewBadgerStore(10, dir, logger)
	if err != nil {
		t.Fatal(err)
	}
	nodes := diamond(t, store)
	d := testNode("d", 30, nodes["c"])
	nodes["d"] = d
	mustPut(t, store, d, StatusQuarantined)

	if store.StorePath() != dir {
		t.Fatalf("StorePath should be %s, not %s", dir, store.StorePath())
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewBadgerStore(10, dir, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer reloaded.Close()

	if reloaded.Count() != 5 {
		t.Fatalf("reloaded store should hold 5 nodes, not %d", reloaded.Count())
	}
	if got := hashNames(t, nodes, reloaded.Heads()); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("reloaded heads should be [c], not %v", got)
	}
	st, err := reloaded.Status(mustHash(t, d))
	if err != nil {
		t.Fatal(err)
	}
	if st != StatusQuarantined {
		t.Fatalf("d should be Quarantined, not %s", st)
	}
	got, err := reloaded.GetNode(mustHash(t, nodes["c"]))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Body, nodes["c"].Body) {
		t.Fatal("reloaded node differs")
	}
}

func sortedNames(t testing.TB, nodes map[string]*GraphNode, names ...string) []string {
	hs := []Hash{}
	for _, n := range names {
		hs = append(hs, mustHash(t, nodes[n]))
	}
	SortHashes(hs)
	return hashNames(t, nodes, hs)
}

func TestInmemStoreClosed(t *testing.T) {
	s := NewInmemStore()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	err := s.PutNode(testNode("genesis", 0), StatusVerified)
	if !common.IsStore(err, common.Closed) {
		t.Fatalf("PutNode after Close should fail with Closed, got %v", err)
	}
}
