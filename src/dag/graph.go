package dag

import (
	"container/heap"

	lru "github.com/hashicorp/golang-lru"
)

type ancestryKey struct {
	a, b Hash
}

// Graph answers structural queries over a Store. Ancestry answers are
// memoized: they never change for stored nodes, so the cache is only purged
// when a node is deleted.
type Graph struct {
	store    Store
	ancestry *lru.Cache
}

// NewGraph ...
func NewGraph(store Store, cacheSize int) *Graph {
	cache, err := lru.New(cacheSize)
	if err != nil {
		// only fails on a non-positive size
		cache, _ = lru.New(1)
	}
	return &Graph{
		store:    store,
		ancestry: cache,
	}
}

// Store returns the underlying store.
func (g *Graph) Store() Store {
	return g.store
}

// IsAncestor reports whether a is b or a causal ancestor of b. Both must be
// stored; unknown nodes are never ancestors.
func (g *Graph) IsAncestor(a, b Hash) bool {
	if a == b {
		return g.store.Has(a)
	}

	ra, err := g.store.Rank(a)
	if err != nil {
		return false
	}
	rb, err := g.store.Rank(b)
	if err != nil || rb <= ra {
		return false
	}

	key := ancestryKey{a, b}
	if v, ok := g.ancestry.Get(key); ok {
		return v.(bool)
	}

	res := g.search(a, ra, b)
	g.ancestry.Add(key, res)
	return res
}

// search walks parents from b, pruning every node whose rank cannot exceed
// the rank of a.
func (g *Graph) search(a Hash, ra uint64, b Hash) bool {
	visited := map[Hash]bool{b: true}
	stack := []Hash{b}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		parents, err := g.store.Parents(cur)
		if err != nil {
			continue
		}
		for _, p := range parents {
			if p == a {
				return true
			}
			if visited[p] {
				continue
			}
			visited[p] = true

			rp, err := g.store.Rank(p)
			if err != nil || rp <= ra {
				continue
			}
			if v, ok := g.ancestry.Peek(ancestryKey{a, p}); ok {
				if v.(bool) {
					return true
				}
				continue
			}
			stack = append(stack, p)
		}
	}
	return false
}

// IsAncestorOfAny reports whether a is in, or an ancestor of, the frontier.
func (g *Graph) IsAncestorOfAny(a Hash, frontier []Hash) bool {
	for _, f := range frontier {
		if g.IsAncestor(a, f) {
			return true
		}
	}
	return false
}

// Concurrent reports whether neither a nor b is an ancestor of the other.
func (g *Graph) Concurrent(a, b Hash) bool {
	return !g.IsAncestor(a, b) && !g.IsAncestor(b, a)
}

// Forget drops memoized ancestry answers. It must be called after a node is
// deleted from the store.
func (g *Graph) Forget() {
	g.ancestry.Purge()
}

// Ancestry returns up to limit stored nodes among roots and their ancestors,
// skipping the ones for which known returns true, in causal order. A limit of
// zero means no limit.
func (g *Graph) Ancestry(roots []Hash, limit int, known func(Hash) bool) []Hash {
	visited := make(map[Hash]bool)
	queue := []Hash{}
	for _, r := range roots {
		if !visited[r] && g.store.Has(r) {
			visited[r] = true
			queue = append(queue, r)
		}
	}

	collected := []Hash{}
	for len(queue) > 0 && (limit == 0 || len(collected) < limit) {
		cur := queue[0]
		queue = queue[1:]
		if known != nil && known(cur) {
			continue
		}
		collected = append(collected, cur)

		parents, _ := g.store.Parents(cur)
		for _, p := range parents {
			if !visited[p] && g.store.Has(p) {
				visited[p] = true
				queue = append(queue, p)
			}
		}
	}

	return g.CausalOrder(collected)
}

// CausalOrder linearizes hashes so that parents always come before children.
// Among nodes whose parents in the set are all emitted, the one with the
// lowest consensus timestamp comes first, then the lowest hash. Arrival order
// never matters.
func (g *Graph) CausalOrder(hashes []Hash) []Hash {
	in := make(map[Hash]bool, len(hashes))
	for _, h := range hashes {
		in[h] = true
	}

	waiting := make(map[Hash]int, len(hashes))
	children := make(map[Hash][]Hash)
	ready := &readyHeap{}

	for h := range in {
		parents, _ := g.store.Parents(h)
		n := 0
		for _, p := range parents {
			if in[p] {
				n++
				children[p] = append(children[p], h)
			}
		}
		waiting[h] = n
		if n == 0 {
			ts, _ := g.store.Timestamp(h)
			heap.Push(ready, readyItem{h, ts})
		}
	}

	res := make([]Hash, 0, len(in))
	for ready.Len() > 0 {
		it := heap.Pop(ready).(readyItem)
		res = append(res, it.hash)
		for _, c := range children[it.hash] {
			waiting[c]--
			if waiting[c] == 0 {
				ts, _ := g.store.Timestamp(c)
				heap.Push(ready, readyItem{c, ts})
			}
		}
	}
	return res
}

type readyItem struct {
	hash      Hash
	timestamp int64
}

type readyHeap []readyItem

func (r readyHeap) Len() int { return len(r) }
func (r readyHeap) Less(i, j int) bool {
	if r[i].timestamp != r[j].timestamp {
		return r[i].timestamp < r[j].timestamp
	}
	return r[i].hash.Less(r[j].hash)
}
func (r readyHeap) Swap(i, j int)       { r[i], r[j] = r[j], r[i] }
func (r *readyHeap) Push(x interface{}) { *r = append(*r, x.(readyItem)) }
func (r *readyHeap) Pop() interface{} {
	old := *r
	n := len(old)
	it := old[n-1]
	*r = old[:n-1]
	return it
}
