package dag

import (
	"reflect"
	"testing"
)

func TestGraphIsAncestor(t *testing.T) {
	s := NewInmemStore()
	nodes := diamond(t, s)
	d := testNode("d", 15, nodes["b"])
	nodes["d"] = d
	mustPut(t, s, d, StatusVerified)

	g := NewGraph(s, 100)
	h := func(name string) Hash { return mustHash(t, nodes[name]) }

	cases := []struct {
		a, b string
		want bool
	}{
		{"g", "c", true},
		{"a", "c", true},
		{"b", "d", true},
		{"c", "c", true},
		{"c", "a", false},
		{"a", "d", false},
		{"d", "c", false},
		{"a", "b", false},
	}
	for _, c := range cases {
		if got := g.IsAncestor(h(c.a), h(c.b)); got != c.want {
			t.Errorf("IsAncestor(%s, %s) should be %v", c.a, c.b, c.want)
		}
		// second answer comes from the memo
		if got := g.IsAncestor(h(c.a), h(c.b)); got != c.want {
			t.Errorf("memoized IsAncestor(%s, %s) should be %v", c.a, c.b, c.want)
		}
	}

	if !g.Concurrent(h("a"), h("b")) {
		t.Error("a and b should be concurrent")
	}
	if !g.IsAncestorOfAny(h("a"), []Hash{h("d"), h("c")}) {
		t.Error("a should be an ancestor of the frontier {d, c}")
	}
	if g.IsAncestor(Hash{0xff}, h("c")) {
		t.Error("unknown nodes are never ancestors")
	}
}

func TestGraphForget(t *testing.T) {
	s := NewInmemStore()
	nodes := diamond(t, s)
	g := NewGraph(s, 100)

	a, c := mustHash(t, nodes["a"]), mustHash(t, nodes["c"])
	if !g.IsAncestor(a, c) {
		t.Fatal("a should be an ancestor of c")
	}
	if err := s.Delete(c); err != nil {
		t.Fatal(err)
	}
	g.Forget()
	if g.IsAncestor(a, c) {
		t.Fatal("a deleted node has no ancestors")
	}
}

func TestGraphCausalOrder(t *testing.T) {
	s := NewInmemStore()
	nodes := diamond(t, s)
	// e is concurrent with a and b but older than both
	e := testNode("e", 1, nodes["g"])
	nodes["e"] = e
	mustPut(t, s, e, StatusVerified)

	g := NewGraph(s, 100)

	all := []Hash{}
	for _, n := range []string{"c", "b", "e", "a", "g"} {
		all = append(all, mustHash(t, nodes[n]))
	}

	got := hashNames(t, nodes, g.CausalOrder(all))
	want := []string{"g", "e", "b", "a", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("causal order should be %v, not %v", want, got)
	}

	// any permutation of the input gives the same order
	reversed := make([]Hash, len(all))
	for i := range all {
		reversed[len(all)-1-i] = all[i]
	}
	if got2 := hashNames(t, nodes, g.CausalOrder(reversed)); !reflect.DeepEqual(got2, want) {
		t.Fatalf("causal order should not depend on input order, got %v", got2)
	}
}

func TestGraphAncestry(t *testing.T) {
	s := NewInmemStore()
	nodes := diamond(t, s)
	g := NewGraph(s, 100)

	gh := mustHash(t, nodes["g"])
	got := hashNames(t, nodes, g.Ancestry([]Hash{mustHash(t, nodes["c"])}, 0, func(h Hash) bool {
		return h == gh
	}))
	want := []string{"b", "a", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ancestry should be %v, not %v", want, got)
	}

	limited := g.Ancestry([]Hash{mustHash(t, nodes["c"])}, 2, nil)
	if len(limited) != 2 {
		t.Fatalf("ancestry should be limited to 2 nodes, got %d", len(limited))
	}
}
