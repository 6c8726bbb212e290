package dag

import (
	"fmt"
	"testing"

	"github.com/mosaicnetworks/murmur/src/common"
)

// testNode returns an unauthenticated content node. Stores never check
// authenticators so this is enough to exercise indices.
func testNode(name string, ts int64, parents ...*GraphNode) *GraphNode {
	body := NodeBody{
		Author:    "alice",
		Device:    DeviceID("dev-" + name),
		Timestamp: ts,
		Kind:      KindContent,
		Payload:   []byte(name),
	}
	for _, p := range parents {
		h, _ := p.Hash()
		body.Parents = append(body.Parents, h)
		if p.Body.Rank+1 > body.Rank {
			body.Rank = p.Body.Rank + 1
		}
	}
	return NewNode(body)
}

func mustHash(t testing.TB, n *GraphNode) Hash {
	h, err := n.Hash()
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func mustPut(t testing.TB, s Store, n *GraphNode, status NodeStatus) Hash {
	if err := s.PutNode(n, status); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	return mustHash(t, n)
}

// diamond builds g <- a, g <- b, (a, b) <- c and stores everything verified.
func diamond(t testing.TB, s Store) map[string]*GraphNode {
	g := testNode("g", 0)
	a := testNode("a", 10, g)
	b := testNode("b", 5, g)
	c := testNode("c", 20, a, b)
	for _, n := range []*GraphNode{g, a, b, c} {
		mustPut(t, s, n, StatusVerified)
	}
	return map[string]*GraphNode{"g": g, "a": a, "b": b, "c": c}
}

func newTestBadgerStore(t *testing.T) *BadgerStore {
	store, err := NewBadgerStore(100, t.TempDir(), common.NewTestEntry(t, "badger"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testStores(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"inmem":  func() Store { return NewInmemStore() },
		"badger": func() Store { return newTestBadgerStore(t) },
	}
}

func hashNames(t testing.TB, nodes map[string]*GraphNode, hs []Hash) []string {
	names := make(map[Hash]string)
	for name, n := range nodes {
		names[mustHash(t, n)] = name
	}
	res := []string{}
	for _, h := range hs {
		name, ok := names[h]
		if !ok {
			name = fmt.Sprintf("?%s", h.Short())
		}
		res = append(res, name)
	}
	return res
}
