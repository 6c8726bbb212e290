package node

import (
	"sort"
	"sync"

	"github.com/mosaicnetworks/murmur/src/dag"
)

type wanted struct {
	hash     dag.Hash
	rank     uint64
	attempts int
	// admin hashes come first within their window
	admin bool
}

// FetchQueue holds the hashes a conversation wants from its peers. Hashes in
// the hot window, within window ranks of the highest known rank, are always
// handed out before the cold ones.
type FetchQueue struct {
	sync.Mutex

	window      uint64
	maxAttempts int
	items       map[dag.Hash]*wanted
}

// NewFetchQueue ...
func NewFetchQueue(window uint64, maxAttempts int) *FetchQueue {
	return &FetchQueue{
		window:      window,
		maxAttempts: maxAttempts,
		items:       make(map[dag.Hash]*wanted),
	}
}

// Want adds a hash believed to be at rank. A hash already queued keeps the
// highest rank it was announced at.
func (q *FetchQueue) Want(hash dag.Hash, rank uint64, admin bool) {
	q.Lock()
	defer q.Unlock()
	if w, ok := q.items[hash]; ok {
		if rank > w.rank {
			w.rank = rank
		}
		w.admin = w.admin || admin
		return
	}
	q.items[hash] = &wanted{hash: hash, rank: rank, admin: admin}
}

// Done removes a hash that was stored or buffered.
func (q *FetchQueue) Done(hash dag.Hash) {
	q.Lock()
	defer q.Unlock()
	delete(q.items, hash)
}

// Hot reports whether rank falls in the hot window below top.
func (q *FetchQueue) Hot(rank, top uint64) bool {
	return rank+q.window >= top
}

// Next returns up to n hashes to request, hot ones first, and counts an
// attempt for each. Hashes that used up their attempts are dropped. The
// second result reports whether cold hashes were included.
func (q *FetchQueue) Next(n int, top uint64) ([]dag.Hash, bool) {
	q.Lock()
	defer q.Unlock()

	all := make([]*wanted, 0, len(q.items))
	for _, w := range q.items {
		all = append(all, w)
	}
	sort.Slice(all, func(i, j int) bool {
		hi, hj := q.Hot(all[i].rank, top), q.Hot(all[j].rank, top)
		if hi != hj {
			return hi
		}
		if all[i].admin != all[j].admin {
			return all[i].admin
		}
		if all[i].rank != all[j].rank {
			return all[i].rank > all[j].rank
		}
		return all[i].hash.Less(all[j].hash)
	})

	res := []dag.Hash{}
	deep := false
	for _, w := range all {
		if n > 0 && len(res) >= n {
			break
		}
		res = append(res, w.hash)
		if !q.Hot(w.rank, top) {
			deep = true
		}
		w.attempts++
		if q.maxAttempts > 0 && w.attempts >= q.maxAttempts {
			delete(q.items, w.hash)
		}
	}
	return res, deep
}

// Len ...
func (q *FetchQueue) Len() int {
	q.Lock()
	defer q.Unlock()
	return len(q.items)
}

// Has ...
func (q *FetchQueue) Has(hash dag.Hash) bool {
	q.Lock()
	defer q.Unlock()
	_, ok := q.items[hash]
	return ok
}
