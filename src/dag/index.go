package dag

import (
	cm "github.com/mosaicnetworks/murmur/src/common"
)

type nodeMeta struct {
	rank      uint64
	kind      Kind
	status    NodeStatus
	timestamp int64
	parents   []Hash
}

// index holds the metadata both stores keep in memory: statuses, ranks,
// children and heads. It is not synchronized.
type index struct {
	meta     map[Hash]*nodeMeta
	children map[Hash][]Hash
	heads    map[Hash]struct{}
	byRank   map[uint64][]Hash
	maxRank  uint64
}

func newIndex() *index {
	return &index{
		meta:     make(map[Hash]*nodeMeta),
		children: make(map[Hash][]Hash),
		heads:    make(map[Hash]struct{}),
		byRank:   make(map[uint64][]Hash),
	}
}

func (ix *index) check(node *GraphNode, hash Hash) error {
	if _, ok := ix.meta[hash]; ok {
		return cm.NewStoreErr("Node", cm.KeyAlreadyExists, hash.String())
	}
	for _, p := range node.Body.Parents {
		if _, ok := ix.meta[p]; !ok {
			return cm.NewStoreErr("Node", cm.UnknownParent, p.String())
		}
	}
	return nil
}

func (ix *index) add(node *GraphNode, hash Hash, status NodeStatus) {
	m := &nodeMeta{
		rank:      node.Body.Rank,
		kind:      node.Body.Kind,
		status:    status,
		timestamp: node.Body.Timestamp,
		parents:   append([]Hash(nil), node.Body.Parents...),
	}
	ix.meta[hash] = m

	for _, p := range m.parents {
		ix.children[p] = append(ix.children[p], hash)
	}

	ix.byRank[m.rank] = append(ix.byRank[m.rank], hash)
	if m.rank > ix.maxRank {
		ix.maxRank = m.rank
	}

	if status.Displayable() {
		ix.display(hash, m)
	}
}

// display makes hash a head and its parents non-heads.
func (ix *index) display(hash Hash, m *nodeMeta) {
	if !ix.hasDisplayableChild(hash) {
		ix.heads[hash] = struct{}{}
	}
	for _, p := range m.parents {
		delete(ix.heads, p)
	}
}

// hide removes hash from heads and restores parents that are left without a
// displayable child.
func (ix *index) hide(hash Hash, m *nodeMeta) {
	delete(ix.heads, hash)
	for _, p := range m.parents {
		pm, ok := ix.meta[p]
		if !ok || !pm.status.Displayable() {
			continue
		}
		if !ix.hasDisplayableChild(p) {
			ix.heads[p] = struct{}{}
		}
	}
}

func (ix *index) hasDisplayableChild(hash Hash) bool {
	for _, c := range ix.children[hash] {
		if cmeta, ok := ix.meta[c]; ok && cmeta.status.Displayable() {
			return true
		}
	}
	return false
}

func (ix *index) setStatus(hash Hash, status NodeStatus) error {
	m, ok := ix.meta[hash]
	if !ok {
		return cm.NewStoreErr("Node", cm.KeyNotFound, hash.String())
	}
	was := m.status.Displayable()
	m.status = status
	switch {
	case !was && status.Displayable():
		ix.display(hash, m)
	case was && !status.Displayable():
		ix.hide(hash, m)
	}
	return nil
}

func (ix *index) remove(hash Hash) error {
	m, ok := ix.meta[hash]
	if !ok {
		return cm.NewStoreErr("Node", cm.KeyNotFound, hash.String())
	}
	for _, c := range ix.children[hash] {
		if _, stored := ix.meta[c]; stored {
			return cm.NewStoreErr("Node", cm.WrongStatus, hash.String())
		}
	}

	if m.status.Displayable() {
		ix.hide(hash, m)
	}
	delete(ix.heads, hash)
	delete(ix.meta, hash)

	for _, p := range m.parents {
		ix.children[p] = without(ix.children[p], hash)
		if len(ix.children[p]) == 0 {
			delete(ix.children, p)
		}
	}
	ix.byRank[m.rank] = without(ix.byRank[m.rank], hash)
	if len(ix.byRank[m.rank]) == 0 {
		delete(ix.byRank, m.rank)
	}
	return nil
}

func (ix *index) get(hash Hash, what string) (*nodeMeta, error) {
	m, ok := ix.meta[hash]
	if !ok {
		return nil, cm.NewStoreErr(what, cm.KeyNotFound, hash.String())
	}
	return m, nil
}

func (ix *index) headList() []Hash {
	res := make([]Hash, 0, len(ix.heads))
	for h := range ix.heads {
		res = append(res, h)
	}
	SortHashes(res)
	return res
}

func (ix *index) childList(hash Hash) []Hash {
	res := append([]Hash(nil), ix.children[hash]...)
	SortHashes(res)
	return res
}

func (ix *index) rankRange(min, max uint64) []Hash {
	if max > ix.maxRank {
		max = ix.maxRank
	}
	res := []Hash{}
	for r := min; r <= max; r++ {
		hs := append([]Hash(nil), ix.byRank[r]...)
		SortHashes(hs)
		res = append(res, hs...)
		if r == max {
			// guards against overflow when max is the largest uint64
			break
		}
	}
	return res
}

func (ix *index) byStatus(status NodeStatus) []Hash {
	res := []Hash{}
	for h, m := range ix.meta {
		if m.status == status {
			res = append(res, h)
		}
	}
	SortHashes(res)
	return res
}

func without(hs []Hash, h Hash) []Hash {
	for i := range hs {
		if hs[i] == h {
			return append(hs[:i:i], hs[i+1:]...)
		}
	}
	return hs
}
