package trust

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mosaicnetworks/murmur/src/dag"
	"github.com/sirupsen/logrus"
)

var (
	// ErrRootExists is returned when a second genesis node is indexed.
	ErrRootExists = errors.New("root identity already set")
	// ErrNotAdmin is returned when a content node is indexed.
	ErrNotAdmin = errors.New("not an administrative node")
)

type memoKey struct {
	device   dag.DeviceID
	frontier dag.Hash
	at       int64
}

type memoEntry struct {
	result Result
	path   []dag.DeviceID
}

// Evaluator indexes administrative nodes and answers permission queries. It
// is safe for concurrent use.
type Evaluator struct {
	mu sync.Mutex

	graph *dag.Graph

	root            *Certificate
	certs           map[dag.DeviceID][]*Certificate
	revocations     []*Revocation
	recommendations map[dag.DeviceID]*Recommendation
	anchors         []dag.Hash
	indexed         map[dag.Hash]bool

	memo *lru.Cache
	// onPath maps a device to the memo entries whose delegation path
	// crosses it.
	onPath map[dag.DeviceID]map[memoKey]struct{}

	logger *logrus.Entry
}

// NewEvaluator returns an empty Evaluator over graph. cacheSize bounds the
// number of memoized results.
func NewEvaluator(graph *dag.Graph, cacheSize int, logger *logrus.Entry) *Evaluator {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	e := &Evaluator{
		graph:           graph,
		certs:           make(map[dag.DeviceID][]*Certificate),
		recommendations: make(map[dag.DeviceID]*Recommendation),
		indexed:         make(map[dag.Hash]bool),
		onPath:          make(map[dag.DeviceID]map[memoKey]struct{}),
		logger:          logger,
	}

	if cacheSize <= 0 {
		cacheSize = 1
	}
	// only fails on a non-positive size
	e.memo, _ = lru.NewWithEvict(cacheSize, e.onEvict)

	return e
}

// onEvict runs under e.mu, from memo.Add and memo.Remove.
func (e *Evaluator) onEvict(key, value interface{}) {
	k := key.(memoKey)
	for _, d := range value.(*memoEntry).path {
		if keys, ok := e.onPath[d]; ok {
			delete(keys, k)
			if len(keys) == 0 {
				delete(e.onPath, d)
			}
		}
	}
}

// invalidate drops the memoized results whose path crosses device.
func (e *Evaluator) invalidate(device dag.DeviceID) {
	keys := make([]memoKey, 0, len(e.onPath[device]))
	for k := range e.onPath[device] {
		keys = append(keys, k)
	}
	for _, k := range keys {
		e.memo.Remove(k)
	}
}

// Purge drops every memoized result.
func (e *Evaluator) Purge() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.memo.Purge()
	e.onPath = make(map[dag.DeviceID]map[memoKey]struct{})
}

//==============================================================================
//Indexing

// Index records the trust material carried by a validated administrative
// node. Indexing the same node twice has no effect.
func (e *Evaluator) Index(node *dag.GraphNode) error {
	if !node.IsAdmin() {
		return ErrNotAdmin
	}
	hash, err := node.Hash()
	if err != nil {
		return err
	}
	payload, err := node.AdminPayload()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.indexed[hash] {
		return nil
	}

	if payload.Type == dag.PayloadControl {
		if err := e.indexControl(node, hash, payload.Control); err != nil {
			return err
		}
	}

	e.indexed[hash] = true
	return nil
}

func (e *Evaluator) indexControl(node *dag.GraphNode, hash dag.Hash, c *dag.Control) error {
	body := &node.Body

	switch c.Action {
	case dag.ActionGenesis:
		if e.root != nil {
			return ErrRootExists
		}
		cert := &Certificate{
			Node:      hash,
			Rank:      body.Rank,
			Timestamp: body.Timestamp,
			Subject:   body.Device,
			Author:    body.Author,
			Claim:     PermAll,
		}
		e.root = cert
		e.certs[cert.Subject] = append(e.certs[cert.Subject], cert)

		e.logger.WithField("root", cert.Subject.Short()).Debug("Indexed genesis")

	case dag.ActionAuthorize:
		cert := &Certificate{
			Node:       hash,
			Rank:       body.Rank,
			Parents:    append([]dag.Hash(nil), body.Parents...),
			Timestamp:  body.Timestamp,
			Issuer:     body.Device,
			Subject:    c.Subject,
			Author:     c.SubjectAuthor,
			Claim:      Permission(c.Permissions) & PermAll,
			Expiry:     c.Expiry,
			parentsKey: dag.FrontierKey(body.Parents),
		}
		e.certs[cert.Subject] = append(e.certs[cert.Subject], cert)

		e.logger.WithFields(logrus.Fields{
			"issuer":  cert.Issuer.Short(),
			"subject": cert.Subject.Short(),
			"claim":   cert.Claim,
			"rank":    cert.Rank,
		}).Debug("Indexed certificate")

	case dag.ActionRevoke:
		r := &Revocation{
			Node:    hash,
			Rank:    body.Rank,
			Revoker: body.Device,
			Target:  c.Subject,
		}
		r.SeniorityRank, r.SeniorityNode = e.seniority(r)
		e.revocations = append(e.revocations, r)
		e.invalidate(r.Target)

		e.logger.WithFields(logrus.Fields{
			"revoker": r.Revoker.Short(),
			"target":  r.Target.Short(),
			"rank":    r.Rank,
		}).Debug("Indexed revocation")

	case dag.ActionReAnchor:
		e.anchors = append(e.anchors, hash)

	case dag.ActionRecommendDifficulty:
		cur, ok := e.recommendations[body.Device]
		if ok && (cur.Rank > body.Rank || (cur.Rank == body.Rank && cur.Node.Less(hash))) {
			return nil
		}
		e.recommendations[body.Device] = &Recommendation{
			Node:       hash,
			Rank:       body.Rank,
			Device:     body.Device,
			Difficulty: c.Difficulty,
			Timestamp:  body.Timestamp,
		}

	default:
		return fmt.Errorf("unknown control action %s", c.Action)
	}

	return nil
}

// seniority returns the most senior admin node that authorized the revoker
// in the past of the revocation. The root is authorized by the genesis node,
// which outranks everything.
func (e *Evaluator) seniority(r *Revocation) (uint64, dag.Hash) {
	rank, node := r.Rank, r.Node
	found := false
	for _, c := range e.certs[r.Revoker] {
		if c.Node == r.Node || !e.graph.IsAncestor(c.Node, r.Node) {
			continue
		}
		if !found || c.Rank < rank || (c.Rank == rank && c.Node.Less(node)) {
			rank, node = c.Rank, c.Node
			found = true
		}
	}
	return rank, node
}

//==============================================================================
//Evaluation

// Evaluate returns the effective permissions of device at pos. The result
// is the union over every live delegation path to the root.
func (e *Evaluator) Evaluate(device dag.DeviceID, pos Position) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.root == nil {
		return Result{}
	}

	key := memoKey{device, dag.FrontierKey(pos.Frontier), pos.At}
	if v, ok := e.memo.Get(key); ok {
		return v.(*memoEntry).result
	}

	eff := e.effective(pos.Frontier)
	res, path := e.walk(key, pos.Frontier, eff)

	e.memo.Add(key, &memoEntry{result: res, path: path})
	for _, d := range path {
		keys, ok := e.onPath[d]
		if !ok {
			keys = make(map[memoKey]struct{})
			e.onPath[d] = keys
		}
		keys[key] = struct{}{}
	}

	return res
}

// effective returns the revocations in the past of frontier that take
// effect there, most senior first. A revocation is void when an effective
// revocation concurrent with it targets its revoker. The root identity
// cannot be revoked.
func (e *Evaluator) effective(frontier []dag.Hash) []*Revocation {
	visible := []*Revocation{}
	for _, r := range e.revocations {
		if r.Target == e.root.Subject {
			continue
		}
		if e.graph.IsAncestorOfAny(r.Node, frontier) {
			visible = append(visible, r)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		return visible[i].moreSenior(visible[j])
	})

	eff := make([]*Revocation, 0, len(visible))
	for _, r := range visible {
		void := false
		for _, w := range eff {
			if w.Target == r.Revoker && e.graph.Concurrent(w.Node, r.Node) {
				void = true
				break
			}
		}
		if !void {
			eff = append(eff, r)
		}
	}
	return eff
}

// killed reports whether an effective revocation of the subject or of the
// issuer lies outside the past of the certificate.
func (e *Evaluator) killed(c *Certificate, eff []*Revocation) bool {
	for _, r := range eff {
		if r.Target != c.Subject && (c.IsRoot() || r.Target != c.Issuer) {
			continue
		}
		if !e.graph.IsAncestor(r.Node, c.Node) {
			return true
		}
	}
	return false
}

// live returns the certificates of device visible from frontier that are
// neither expired at at nor killed.
func (e *Evaluator) live(device dag.DeviceID, frontier []dag.Hash, at int64, eff []*Revocation) []*Certificate {
	res := []*Certificate{}
	for _, c := range e.certs[device] {
		if c.expired(at) {
			continue
		}
		if !e.graph.IsAncestorOfAny(c.Node, frontier) {
			continue
		}
		if e.killed(c, eff) {
			continue
		}
		res = append(res, c)
	}
	return res
}

type frame struct {
	key   memoKey
	certs []*Certificate
	next  int
	acc   Result
}

// walk evaluates key with an explicit stack. Each certificate hop asks for
// its issuer's permissions at the certificate's parents, which always have a
// lower rank, so the walk terminates.
func (e *Evaluator) walk(key memoKey, frontier []dag.Hash, eff []*Revocation) (Result, []dag.DeviceID) {
	done := make(map[memoKey]Result)
	visited := make(map[dag.DeviceID]struct{})

	push := func(stack []*frame, k memoKey, frontier []dag.Hash) []*frame {
		visited[k.device] = struct{}{}
		return append(stack, &frame{
			key:   k,
			certs: e.live(k.device, frontier, k.at, eff),
		})
	}

	stack := push(nil, key, frontier)
	var res Result

	for len(stack) > 0 {
		top := stack[len(stack)-1]

		if top.next == len(top.certs) {
			done[top.key] = top.acc
			res = top.acc
			stack = stack[:len(stack)-1]
			continue
		}

		c := top.certs[top.next]
		if c.IsRoot() {
			top.acc.merge(Result{Permissions: c.Claim, Expiry: c.Expiry})
			top.next++
			continue
		}

		sub := memoKey{c.Issuer, c.parentsKey, c.Timestamp}
		issuer, ok := done[sub]
		if !ok {
			stack = push(stack, sub, c.Parents)
			continue
		}

		top.acc.merge(Result{
			Permissions: c.Claim & issuer.Permissions,
			Expiry:      earliest(c.Expiry, issuer.Expiry),
		})
		top.next++
	}

	path := make([]dag.DeviceID, 0, len(visited))
	for d := range visited {
		path = append(path, d)
	}
	return res, path
}

//==============================================================================
//Accessors

// Root returns a copy of the root certificate, or nil before genesis.
func (e *Evaluator) Root() *Certificate {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.root == nil {
		return nil
	}
	c := *e.root
	return &c
}

// Certificates returns copies of the certificates held by device.
func (e *Evaluator) Certificates(device dag.DeviceID) []Certificate {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := make([]Certificate, 0, len(e.certs[device]))
	for _, c := range e.certs[device] {
		res = append(res, *c)
	}
	return res
}

// Devices returns every device holding a certificate, sorted.
func (e *Evaluator) Devices() []dag.DeviceID {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := make([]dag.DeviceID, 0, len(e.certs))
	for d := range e.certs {
		res = append(res, d)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// Revocations returns copies of every indexed revocation, by rank then hash.
func (e *Evaluator) Revocations() []Revocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := make([]Revocation, 0, len(e.revocations))
	for _, r := range e.revocations {
		res = append(res, *r)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Rank != res[j].Rank {
			return res[i].Rank < res[j].Rank
		}
		return res[i].Node.Less(res[j].Node)
	})
	return res
}

// Recommendations returns the latest difficulty recommendation of every
// device, sorted by device.
func (e *Evaluator) Recommendations() []Recommendation {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := make([]Recommendation, 0, len(e.recommendations))
	for _, r := range e.recommendations {
		res = append(res, *r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Device < res[j].Device })
	return res
}

// Anchors returns the hashes of the indexed ReAnchor nodes.
func (e *Evaluator) Anchors() []dag.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]dag.Hash(nil), e.anchors...)
}

// Indexed reports whether an administrative node was indexed.
func (e *Evaluator) Indexed(hash dag.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.indexed[hash]
}
