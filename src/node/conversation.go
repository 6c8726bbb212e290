package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/mosaicnetworks/murmur/src/clock"
	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/dag"
	"github.com/mosaicnetworks/murmur/src/net"
	"github.com/mosaicnetworks/murmur/src/promote"
	"github.com/mosaicnetworks/murmur/src/reconcile"
	"github.com/mosaicnetworks/murmur/src/registry"
	"github.com/mosaicnetworks/murmur/src/trust"
	"github.com/mosaicnetworks/murmur/src/validate"
	"github.com/mosaicnetworks/murmur/src/vouch"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoGenesis is returned when authoring in a conversation whose genesis
	// is not known yet.
	ErrNoGenesis = errors.New("conversation has no genesis")
	// ErrNoDevice is returned when authoring without a device key.
	ErrNoDevice = errors.New("no device key")
	// ErrNoKey is returned when no confirmed key generation can seal content.
	ErrNoKey = errors.New("no confirmed key generation")
	// ErrNotAccepted is returned when a locally authored node is not
	// accepted by the validator.
	ErrNotAccepted = errors.New("authored node not accepted")
	// ErrJoinRequired is returned to peers asking for deep history before
	// completing the join proof of work.
	ErrJoinRequired = errors.New("join proof required")
	// ErrUnknownPurpose is returned for proof-of-work messages with an
	// unknown purpose.
	ErrUnknownPurpose = errors.New("unknown proof-of-work purpose")
)

// Stores groups the persistence collaborators of a conversation.
type Stores struct {
	Graph    dag.Store
	Objects  dag.ObjectStore
	Registry registry.Store
}

// InmemStores ...
func InmemStores() Stores {
	return Stores{
		Graph:    dag.NewInmemStore(),
		Objects:  dag.NewInmemObjectStore(),
		Registry: registry.NewInmemStore(),
	}
}

// BadgerStores opens, or creates, the stores of a conversation in one Badger
// database under path.
func BadgerStores(cacheSize int, path string, logger *logrus.Entry) (Stores, error) {
	graph, err := dag.NewBadgerStore(cacheSize, path, logger)
	if err != nil {
		return Stores{}, err
	}
	return Stores{
		Graph:    graph,
		Objects:  dag.NewBadgerObjectStore(graph.DB()),
		Registry: registry.NewBadgerStore(graph.DB()),
	}, nil
}

// Close closes the stores, the graph store last since it may own the
// database of the others.
func (s Stores) Close() error {
	if err := s.Objects.Close(); err != nil {
		return err
	}
	if err := s.Registry.Close(); err != nil {
		return err
	}
	return s.Graph.Close()
}

// Report sums up what became of a set of nodes.
type Report struct {
	Accepted    int
	Quarantined int
	Buffered    int
	Refused     int
	Rejected    int
	Duplicates  int
	// Admin lists the administrative nodes that entered the graph. They are
	// gossiped ahead of anything else.
	Admin []net.Tip
}

func (r *Report) merge(o Report) {
	r.Accepted += o.Accepted
	r.Quarantined += o.Quarantined
	r.Buffered += o.Buffered
	r.Refused += o.Refused
	r.Rejected += o.Rejected
	r.Duplicates += o.Duplicates
	r.Admin = append(r.Admin, o.Admin...)
}

// peerView is what a conversation remembers of a peer's last Announce.
type peerView struct {
	tips    []dag.Hash
	top     uint64
	content bool
	rounds  int
	// diff is the difference size the last sketch session with the peer
	// revealed, or implied by the tier it failed at.
	diff int
}

// Conversation holds the engine state of one conversation: its graph, trust
// index, opaque buffer, reconciliation state and promotion pipeline. Graph
// mutations are serialized by a write lock; serving peers only reads.
type Conversation struct {
	id   dag.Hash
	conf *Config

	// mu is also the lock of the promotion pipeline.
	mu sync.RWMutex

	stores    Stores
	graph     *dag.Graph
	trust     *trust.Evaluator
	keys      *crypto.KeyRing
	validator *validate.Validator
	buffer    *vouch.Manager
	recon     *reconcile.Engine
	pipeline  *promote.Pipeline
	fetch     *FetchQueue

	device *dag.Device
	clock  clock.Clock

	// adminHeads are the administrative nodes without administrative
	// children. Admin nodes are authored on top of them.
	adminHeads []dag.Hash

	peerLock sync.Mutex
	peers    map[string]*peerView
	joined   mapset.Set[string]

	// fresh is set when nodes entered the graph since a peer last had
	// nothing to exchange with us.
	fresh atomic.Bool

	logger *logrus.Entry
}

// NewConversation wires the engine of the conversation whose genesis hashes
// to id. keys must hold the bootstrap generation shared with the members.
// device may be nil for a relay that never authors.
func NewConversation(
	id dag.Hash,
	conf *Config,
	stores Stores,
	keys *crypto.KeyRing,
	device *dag.Device,
	clk clock.Clock,
) (*Conversation, error) {
	logger := conf.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	logger = logger.WithField("conversation", id.Short())

	graph := dag.NewGraph(stores.Graph, conf.CacheSize)
	ev := trust.NewEvaluator(graph, conf.CacheSize, logger)

	recon, err := reconcile.NewEngine(id, conf.Reconcile, stores.Graph, stores.Registry, clk, logger)
	if err != nil {
		return nil, err
	}

	c := &Conversation{
		id:     id,
		conf:   conf,
		stores: stores,
		graph:  graph,
		trust:  ev,
		keys:   keys,
		recon:  recon,
		fetch:  NewFetchQueue(conf.HotWindow, conf.MaxFetchAttempts),
		device: device,
		clock:  clk,
		peers:  make(map[string]*peerView),
		joined: mapset.NewSet[string](),
		logger: logger,
	}

	c.validator = validate.New(id, conf.Validate, stores.Graph, graph, ev, keys, clk, logger)
	reg := vouch.NewRegistry(stores.Registry, conf.Vouch.MaxVouchersPerHash, conf.VouchesPerDevice)
	c.buffer = vouch.NewManager(conf.Vouch, stores.Graph, stores.Objects, reg, c, logger)
	c.pipeline = promote.New(conf.Promote, &c.mu, c.buffer, c.validator, stores.Graph, keys, logger)

	return c, nil
}

// ID returns the hash of the genesis node.
func (c *Conversation) ID() dag.Hash {
	return c.id
}

// Load rebuilds the in-memory state from the stores: the trust index and
// the distributed key generations are replayed from the stored
// administrative nodes, the opaque buffer and the blacklist are reloaded,
// and interrupted promotions are completed.
func (c *Conversation) Load(ctx context.Context) error {
	c.mu.Lock()
	store := c.stores.Graph
	for _, h := range store.RankRange(0, store.MaxRank()) {
		node, err := store.GetNode(h)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		if c.device != nil && node.Body.Device == c.device.ID {
			c.device.SetSeq(node.Body.Seq)
		}
		status, err := store.Status(h)
		if err != nil || !node.IsAdmin() || status != dag.StatusVerified {
			continue
		}
		if err := c.trust.Index(node); err != nil {
			c.mu.Unlock()
			return err
		}
		if p, err := node.AdminPayload(); err == nil && p.Type == dag.PayloadKeyDistribution {
			if err := validate.InstallDistribution(c.keys, h, node.Body.Rank, p.KeyDistribution, true); err != nil {
				c.logger.WithError(err).WithField("generation", p.KeyDistribution.Generation).
					Warn("Cannot reinstall distributed key")
			}
		}
		c.advanceAdminHeads(h, node.Body.Parents)
	}
	c.mu.Unlock()

	if err := c.buffer.Load(); err != nil {
		return err
	}
	if err := c.recon.Load(); err != nil {
		return err
	}
	outs, err := c.pipeline.Recover(ctx)
	c.promoted(outs)
	if err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"nodes":       store.Count(),
		"admin_heads": len(c.adminHeads),
		"opaque":      len(c.buffer.Entries()),
	}).Debug("Loaded conversation")
	return nil
}

// Close releases the stores.
func (c *Conversation) Close() error {
	c.recon.Close()
	return c.stores.Close()
}

// position is the current heads at the current network time.
func (c *Conversation) position() trust.Position {
	return trust.Position{
		Frontier: c.stores.Graph.Heads(),
		At:       clock.Millis(c.clock.Now()),
	}
}

// Authorized implements vouch.Authorizer: a device may vouch while it holds
// any permission at the current heads. It takes no lock of its own.
func (c *Conversation) Authorized(device dag.DeviceID) bool {
	return c.trust.Evaluate(device, c.position()).Permissions != trust.PermNone
}

// Permissions returns the current permissions of device.
func (c *Conversation) Permissions(device dag.DeviceID) trust.Result {
	return c.trust.Evaluate(device, c.position())
}

func (c *Conversation) hot(rank, top uint64) bool {
	return c.fetch.Hot(rank, top)
}

func (c *Conversation) advanceAdminHeads(hash dag.Hash, parents []dag.Hash) {
	drop := make(map[dag.Hash]bool, len(parents)+1)
	for _, p := range parents {
		drop[p] = true
	}
	drop[hash] = true

	heads := make([]dag.Hash, 0, len(c.adminHeads)+1)
	for _, h := range c.adminHeads {
		if !drop[h] {
			heads = append(heads, h)
		}
	}
	heads = append(heads, hash)
	dag.SortHashes(heads)
	c.adminHeads = heads
}

//==============================================================================
//Ingestion

// Ingest validates nodes received from a peer, lowest rank first. Deferred
// nodes are offered to the opaque buffer and their missing parents are
// queued for fetching.
func (c *Conversation) Ingest(nodes []*dag.GraphNode) (Report, error) {
	sorted := make([]*dag.GraphNode, 0, len(nodes))
	for _, n := range nodes {
		if n != nil {
			sorted = append(sorted, n)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Body.Rank < sorted[j].Body.Rank
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	rep := Report{}
	for _, node := range sorted {
		if err := c.ingest(node, &rep); err != nil {
			return rep, err
		}
	}
	if rep.Accepted > 0 || rep.Buffered > 0 {
		c.pipeline.Admitted()
	}
	return rep, nil
}

func (c *Conversation) ingest(node *dag.GraphNode, rep *Report) error {
	hash, err := node.Hash()
	if err != nil {
		rep.Rejected++
		return nil
	}
	if c.stores.Graph.Has(hash) || c.buffer.Has(hash) {
		c.fetch.Done(hash)
		rep.Duplicates++
		return nil
	}

	res, err := c.validator.Validate(node, hash)
	if err != nil {
		return err
	}

	switch res.Outcome {
	case validate.Accepted:
		c.fetch.Done(hash)
		c.applied(node, hash, res.Payload, rep)
	case validate.Quarantined:
		c.fetch.Done(hash)
		c.recon.Invalidate(node.Body.Rank)
		rep.Quarantined++
	case validate.Deferred:
		c.wantParents(node)
		adm, err := c.buffer.Admit(node)
		if err != nil {
			return err
		}
		if !adm.Admitted {
			rep.Refused++
			c.logger.WithFields(logrus.Fields{
				"hash":    hash.Short(),
				"reason":  res.Reason,
				"refusal": adm.Refusal,
			}).Debug("Opaque node refused")
			return nil
		}
		c.fetch.Done(hash)
		rep.Buffered++
	default:
		c.fetch.Done(hash)
		rep.Rejected++
	}
	return nil
}

// wantParents queues the parents of node that are neither stored nor
// buffered.
func (c *Conversation) wantParents(node *dag.GraphNode) {
	var rank uint64
	if node.Body.Rank > 0 {
		rank = node.Body.Rank - 1
	}
	for _, p := range node.Body.Parents {
		if c.stores.Graph.Has(p) || c.buffer.Has(p) {
			continue
		}
		c.fetch.Want(p, rank, node.IsAdmin())
	}
}

// applied runs the side effects of a node that entered the graph as
// displayable. payload may be nil when it is not at hand.
func (c *Conversation) applied(node *dag.GraphNode, hash dag.Hash, payload *dag.Payload, rep *Report) {
	c.recon.Invalidate(node.Body.Rank)
	c.fresh.Store(true)
	rep.Accepted++

	if !node.IsAdmin() {
		if payload != nil && payload.Type == dag.PayloadRedaction {
			if _, err := c.buffer.Redact(payload.Redaction.Target); err != nil && !errors.Is(err, vouch.ErrLocked) {
				c.logger.WithError(err).Warn("Cannot collect redacted opaque node")
			}
		}
		return
	}

	c.advanceAdminHeads(hash, node.Body.Parents)
	rep.Admin = append(rep.Admin, net.Tip{Hash: hash, Rank: node.Body.Rank})

	if payload == nil {
		payload, _ = node.AdminPayload()
	}
	if payload != nil && payload.Type == dag.PayloadControl && payload.Control.Action == dag.ActionRevoke {
		if err := c.buffer.Revoke(payload.Control.Subject); err != nil {
			c.logger.WithError(err).Warn("Cannot purge vouches of revoked device")
		}
	}
}

// promoted applies the side effects of the nodes the pipeline moved into the
// graph. It must be called without holding the lock.
func (c *Conversation) promoted(outs []promote.Outcome) Report {
	rep := Report{}
	if len(outs) == 0 {
		return rep
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	wiped := false
	for _, o := range outs {
		switch o.State {
		case promote.VerifiedFull, promote.VerifiedIdentityPending:
			// finalized nodes only changed status
			if o.Result.Outcome != validate.Accepted {
				continue
			}
			node, err := c.stores.Graph.GetNode(o.Hash)
			if err != nil {
				continue
			}
			c.fetch.Done(o.Hash)
			c.applied(node, o.Hash, o.Result.Payload, &rep)
		case promote.Quarantined:
			c.fetch.Done(o.Hash)
			if rank, err := c.stores.Graph.Rank(o.Hash); err == nil {
				c.recon.Invalidate(rank)
			}
			rep.Quarantined++
		case promote.Rejected:
			rep.Rejected++
		case promote.Wiped:
			wiped = true
		}
	}
	if wiped {
		c.graph.Forget()
		c.recon.Purge()
	}
	return rep
}

// Maintain releases quarantined nodes whose time has come, runs a promotion
// batch for the current key generation and refreshes the proof-of-work
// difficulty from the recommendations of authorized devices.
func (c *Conversation) Maintain(ctx context.Context) (Report, error) {
	rep := Report{}

	c.mu.Lock()
	released, err := c.validator.ReleaseQuarantine()
	for _, h := range released {
		if node, gerr := c.stores.Graph.GetNode(h); gerr == nil {
			c.applied(node, h, nil, &rep)
		}
	}
	c.mu.Unlock()
	if err != nil {
		return rep, err
	}
	if len(released) > 0 {
		c.pipeline.Admitted()
	}

	batch, err := c.pipeline.Trigger(ctx, c.keys.Current())
	rep.merge(c.promoted(batch.Outcomes))
	if err != nil {
		return rep, err
	}
	if len(batch.Promoted()) > 0 {
		c.logger.WithFields(logrus.Fields{
			"generation": batch.Generation,
			"promoted":   len(batch.Promoted()),
		}).Debug("Promotion batch")
	}

	c.recon.UpdateDifficulty(c.votes())
	if err := c.recon.Blacklist().Prune(); err != nil {
		return rep, err
	}
	return rep, nil
}

// votes returns the difficulty recommendations of the devices allowed to
// recommend at the current heads. Administrators weigh double.
func (c *Conversation) votes() []reconcile.Vote {
	pos := c.position()
	votes := []reconcile.Vote{}
	for _, r := range c.trust.Recommendations() {
		res := c.trust.Evaluate(r.Device, pos)
		if !res.Allows(trust.PermRecommend) {
			continue
		}
		w := int64(1)
		if res.Allows(trust.PermAdmin) {
			w = 2
		}
		votes = append(votes, reconcile.Vote{Difficulty: r.Difficulty, Weight: w})
	}
	return votes
}

//==============================================================================
//Authoring

// authoringGeneration returns the newest confirmed generation. Provisional
// generations never seal new content.
func (c *Conversation) authoringGeneration() (crypto.Generation, bool) {
	return c.keys.Latest()
}

// parents caps candidates to the highest ranked ones, and returns them with
// the rank and the earliest valid timestamp of a child.
func (c *Conversation) parents(candidates []dag.Hash) ([]dag.Hash, uint64, int64, error) {
	store := c.stores.Graph
	if len(candidates) == 0 {
		return nil, 0, 0, ErrNoGenesis
	}

	ranks := make(map[dag.Hash]uint64, len(candidates))
	for _, h := range candidates {
		r, err := store.Rank(h)
		if err != nil {
			return nil, 0, 0, err
		}
		ranks[h] = r
	}
	parents := append([]dag.Hash(nil), candidates...)
	sort.Slice(parents, func(i, j int) bool {
		if ranks[parents[i]] != ranks[parents[j]] {
			return ranks[parents[i]] > ranks[parents[j]]
		}
		return parents[i].Less(parents[j])
	})
	if max := c.conf.Validate.MaxParents; max > 0 && len(parents) > max {
		parents = parents[:max]
	}

	rank, err := dag.NextRank(store, parents)
	if err != nil {
		return nil, 0, 0, err
	}
	ts := clock.Millis(c.clock.Now())
	for _, p := range parents {
		if pts, err := store.Timestamp(p); err == nil && pts > ts {
			ts = pts
		}
	}
	return parents, rank, ts, nil
}

// contentParents are the heads, minus the identity-pending ones.
func (c *Conversation) contentParents() []dag.Hash {
	res := []dag.Hash{}
	for _, h := range c.stores.Graph.Heads() {
		if s, err := c.stores.Graph.Status(h); err == nil && s == dag.StatusIdentityPending {
			continue
		}
		res = append(res, h)
	}
	if len(res) == 0 {
		return append(res, c.adminHeads...)
	}
	return res
}

// commit validates a locally authored node. It must be called with the
// write lock held.
func (c *Conversation) commit(node *dag.GraphNode) (net.Tip, Report, error) {
	rep := Report{}
	hash, err := node.Hash()
	if err != nil {
		return net.Tip{}, rep, err
	}
	res, err := c.validator.Validate(node, hash)
	if err != nil {
		return net.Tip{}, rep, err
	}
	if res.Outcome != validate.Accepted {
		return net.Tip{}, rep, fmt.Errorf("%w: %s", ErrNotAccepted, res)
	}
	c.applied(node, hash, res.Payload, &rep)
	c.pipeline.Admitted()
	return net.Tip{Hash: hash, Rank: node.Body.Rank}, rep, nil
}

// AuthorContent seals p under the newest confirmed key generation in a node
// on top of the current heads.
func (c *Conversation) AuthorContent(p *dag.Payload) (net.Tip, error) {
	if c.device == nil {
		return net.Tip{}, ErrNoDevice
	}
	if p.Type.Administrative() {
		return net.Tip{}, fmt.Errorf("%s payload in a content node", p.Type)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.authoringGeneration()
	if !ok {
		return net.Tip{}, ErrNoKey
	}
	parents, rank, ts, err := c.parents(c.contentParents())
	if err != nil {
		return net.Tip{}, err
	}
	node, err := c.device.Content(parents, rank, ts, g, p)
	if err != nil {
		return net.Tip{}, err
	}
	tip, _, err := c.commit(node)
	return tip, err
}

// AuthorAdmin signs p in an administrative node on top of the
// administrative heads.
func (c *Conversation) AuthorAdmin(p *dag.Payload) (net.Tip, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorAdmin(p)
}

func (c *Conversation) authorAdmin(p *dag.Payload) (net.Tip, error) {
	if c.device == nil {
		return net.Tip{}, ErrNoDevice
	}
	if !p.Type.Administrative() {
		return net.Tip{}, fmt.Errorf("%s payload in an administrative node", p.Type)
	}
	parents, rank, ts, err := c.parents(c.adminHeads)
	if err != nil {
		return net.Tip{}, err
	}
	node, err := c.device.Admin(parents, rank, ts, p)
	if err != nil {
		return net.Tip{}, err
	}
	tip, _, err := c.commit(node)
	return tip, err
}

// RotateKey distributes a fresh key generation, wrapped under the current
// one.
func (c *Conversation) RotateKey() (net.Tip, error) {
	secret, err := crypto.NewSecret()
	if err != nil {
		return net.Tip{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	kd, err := validate.NewDistribution(c.keys, secret)
	if err != nil {
		return net.Tip{}, err
	}
	return c.authorAdmin(&dag.Payload{Type: dag.PayloadKeyDistribution, KeyDistribution: kd})
}

//==============================================================================
//Announcements

// Announce describes the local heads, the earliest verified administrative
// node and whether content is available. It is signed, and so vouches for
// the tips, when the local device is authorized.
func (c *Conversation) Announce() (*net.Announce, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	store := c.stores.Graph
	heads := store.Heads()

	seen := make(map[dag.Hash]bool, len(heads)+len(c.adminHeads))
	tips := []net.Tip{}
	content := false
	for _, h := range append(append([]dag.Hash(nil), c.adminHeads...), heads...) {
		if seen[h] {
			continue
		}
		seen[h] = true
		rank, err := store.Rank(h)
		if err != nil {
			continue
		}
		if k, err := store.Kind(h); err == nil && k == dag.KindContent {
			content = true
		}
		if c.conf.SyncLimit > 0 && len(tips) >= c.conf.SyncLimit {
			continue
		}
		tips = append(tips, net.Tip{Hash: h, Rank: rank})
	}

	a := &net.Announce{
		Conversation: c.id,
		Tips:         tips,
		HasContent:   content,
	}
	if root := c.trust.Root(); root != nil {
		a.AdminAnchor = root.Node
	}
	if c.device != nil && c.Authorized(c.device.ID) {
		if err := a.Sign(c.device.Key()); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// HandleAnnounce records the tips of a peer and queues the unknown ones. A
// valid signature from an authorized device vouches for the tips and
// exempts the peer from the join proof. It returns the unknown tips.
func (c *Conversation) HandleAnnounce(from string, a *net.Announce) []dag.Hash {
	root := c.trust.Root()
	if root != nil && !a.AdminAnchor.IsZero() && a.AdminAnchor != root.Node {
		c.logger.WithFields(logrus.Fields{
			"peer":   from,
			"anchor": a.AdminAnchor.Short(),
		}).Warn("Announce with a foreign administrative anchor")
		return nil
	}

	hashes := make([]dag.Hash, 0, len(a.Tips))
	ranks := make(map[dag.Hash]uint64, len(a.Tips))
	var top uint64
	for _, t := range a.Tips {
		hashes = append(hashes, t.Hash)
		ranks[t.Hash] = t.Rank
		if t.Rank > top {
			top = t.Rank
		}
	}

	c.peerLock.Lock()
	v, ok := c.peers[from]
	if !ok {
		v = &peerView{}
		c.peers[from] = v
	}
	v.tips, v.top, v.content = hashes, top, a.HasContent
	c.peerLock.Unlock()

	if a.Device != "" {
		if err := a.Verify(); err != nil {
			c.logger.WithError(err).WithField("peer", from).Debug("Bad announce signature")
		} else if c.Authorized(a.Device) {
			c.recon.Join().Grant(from)
			for _, h := range hashes {
				if c.stores.Graph.Has(h) {
					continue
				}
				if _, err := c.buffer.Advertise(h, a.Device); err != nil {
					c.logger.WithError(err).Warn("Cannot record vouch")
				}
			}
		}
	}

	if root == nil && !c.stores.Graph.Has(c.id) && !c.buffer.Has(c.id) {
		c.fetch.Want(c.id, 0, true)
	}
	missing := c.recon.MissingHeads(hashes, c.buffer.Has)
	for _, h := range missing {
		c.fetch.Want(h, ranks[h], false)
	}
	return missing
}

// HandleAdminGossip queues a pushed administrative hash. It reports whether
// the hash is unknown.
func (c *Conversation) HandleAdminGossip(g *net.AdminGossip) bool {
	if c.stores.Graph.Has(g.Hash) || c.buffer.Has(g.Hash) {
		return false
	}
	c.fetch.Want(g.Hash, g.Rank, true)
	return true
}

// knownTo returns a predicate telling the nodes a peer announced it holds.
func (c *Conversation) knownTo(peer string) func(dag.Hash) bool {
	c.peerLock.Lock()
	var tips []dag.Hash
	if v, ok := c.peers[peer]; ok {
		tips = v.tips
	}
	c.peerLock.Unlock()
	if len(tips) == 0 {
		return nil
	}
	return func(h dag.Hash) bool {
		return c.graph.IsAncestorOfAny(h, tips)
	}
}

//==============================================================================
//Serving peers

// ServeFetch returns the requested nodes with their ancestry the peer lacks,
// up to SyncLimit nodes in causal order. Nodes below the hot window are
// only served to peers that completed the join proof, and buffered nodes
// are served as they are.
func (c *Conversation) ServeFetch(from string, req *net.FetchRequest) ([]*dag.GraphNode, error) {
	granted := c.recon.Join().Granted(from)
	if req.Deep && !granted {
		return nil, ErrJoinRequired
	}
	hashes := req.Hashes
	if c.conf.SyncLimit > 0 && len(hashes) > c.conf.SyncLimit {
		hashes = hashes[:c.conf.SyncLimit]
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	store := c.stores.Graph
	top := store.MaxRank()
	res := []*dag.GraphNode{}
	for _, h := range c.graph.Ancestry(hashes, c.conf.SyncLimit, c.knownTo(from)) {
		if !granted {
			if rank, err := store.Rank(h); err != nil || !c.hot(rank, top) {
				continue
			}
		}
		node, err := store.GetNode(h)
		if err != nil {
			return nil, err
		}
		res = append(res, node)
	}
	for _, h := range hashes {
		if store.Has(h) {
			continue
		}
		if node, err := c.buffer.Node(h); err == nil {
			res = append(res, node)
		}
	}
	return res, nil
}

// ServeSketch decodes a peer's sketch against the local nodes of the range.
// It answers with the nodes the peer lacks and the hashes it should push, or
// with a DecodeFailure.
func (c *Conversation) ServeSketch(ctx context.Context, from string, m *net.SketchExchange) (net.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	store := c.stores.Graph
	if !c.hot(m.Range.Min, store.MaxRank()) && !c.recon.Join().Granted(from) {
		return nil, ErrJoinRequired
	}

	diff, err := c.recon.Reconcile(ctx, reconcile.SketchRequest{
		Peer:  from,
		Range: m.Range,
		Tier:  m.Tier,
		Cells: m.Cells,
		Nonce: m.Solution,
	})
	if errors.Is(err, reconcile.ErrDecodeFailed) {
		return &net.DecodeFailure{Conversation: c.id, Range: m.Range, Tier: m.Tier}, nil
	}
	if err != nil {
		return nil, err
	}

	res := &net.SketchResult{Conversation: c.id, Range: m.Range}
	for _, h := range c.graph.CausalOrder(diff.Local) {
		if c.conf.SyncLimit > 0 && len(res.Nodes) >= c.conf.SyncLimit {
			break
		}
		node, err := store.GetNode(h)
		if err != nil {
			return nil, err
		}
		res.Nodes = append(res.Nodes, node)
	}
	for _, h := range diff.Remote {
		if !c.buffer.Has(h) {
			res.Want = append(res.Want, h)
		}
	}
	return res, nil
}

// ServeChallenge issues the proof-of-work challenge asked for.
func (c *Conversation) ServeChallenge(from string, m *net.PoWChallenge) (*net.PoWChallenge, error) {
	res := &net.PoWChallenge{Conversation: c.id, Purpose: m.Purpose}
	switch m.Purpose {
	case net.PurposeJoin:
		stage, challenge, difficulty := c.recon.Join().Challenge(from)
		res.Stage, res.Challenge, res.Difficulty = uint8(stage), challenge, difficulty
	case net.PurposeSketch:
		res.Range, res.Tier = m.Range, m.Tier
		res.Challenge, res.Difficulty = c.recon.SketchChallenge(from, m.Range, m.Tier)
	default:
		return nil, ErrUnknownPurpose
	}
	return res, nil
}

// ServeSolution checks a join solution and answers with the next stage.
func (c *Conversation) ServeSolution(from string, m *net.PoWSolution) (*net.PoWChallenge, error) {
	if m.Purpose != net.PurposeJoin {
		return nil, ErrUnknownPurpose
	}
	gate := c.recon.Join()
	if _, err := gate.Submit(from, reconcile.JoinStage(m.Stage), m.Challenge, m.Nonce); err != nil {
		return nil, err
	}
	stage, challenge, difficulty := gate.Challenge(from)
	if stage == reconcile.StageGranted {
		c.logger.WithField("peer", from).Debug("Peer completed join proof")
	}
	return &net.PoWChallenge{
		Conversation: c.id,
		Purpose:      net.PurposeJoin,
		Stage:        uint8(stage),
		Challenge:    challenge,
		Difficulty:   difficulty,
	}, nil
}

//==============================================================================
//Client side

// NextFetch returns the hashes to request from peer, hot ones first, and
// whether the request reaches into deep history.
func (c *Conversation) NextFetch(peer string) ([]dag.Hash, bool) {
	top := c.stores.Graph.MaxRank()
	c.peerLock.Lock()
	if v, ok := c.peers[peer]; ok && v.top > top {
		top = v.top
	}
	c.peerLock.Unlock()
	return c.fetch.Next(c.conf.SyncLimit, top)
}

// Busy reports whether the conversation has hashes to fetch or nodes that
// may not have reached every peer.
func (c *Conversation) Busy() bool {
	return c.fetch.Len() > 0 || c.fresh.Load()
}

// Quiet records a gossip round in which neither side had anything new.
func (c *Conversation) Quiet() {
	if c.fetch.Len() == 0 {
		c.fresh.Store(false)
	}
}

// Wanted returns the number of queued hashes.
func (c *Conversation) Wanted() int {
	return c.fetch.Len()
}

// Joined reports whether the join proof was completed with peer.
func (c *Conversation) Joined(peer string) bool {
	return c.joined.Contains(peer)
}

// SetJoined ...
func (c *Conversation) SetJoined(peer string) {
	c.joined.Add(peer)
}

// SketchDue counts a gossip round with peer and returns the range to
// reconcile by sketch when one is due: every SketchEvery rounds, when both
// sides hold content, over the last SketchSpan ranks they share.
func (c *Conversation) SketchDue(peer string) (reconcile.Range, bool) {
	if c.conf.SketchEvery <= 0 {
		return reconcile.Range{}, false
	}
	c.peerLock.Lock()
	v, ok := c.peers[peer]
	if !ok {
		c.peerLock.Unlock()
		return reconcile.Range{}, false
	}
	v.rounds++
	due := v.rounds%c.conf.SketchEvery == 0 && v.content
	top := v.top
	c.peerLock.Unlock()

	if !due {
		return reconcile.Range{}, false
	}
	if local := c.stores.Graph.MaxRank(); local < top {
		top = local
	}
	var min uint64
	if span := c.conf.SketchSpan; span > 0 && top+1 > span {
		min = top + 1 - span
	}
	return reconcile.NewRange(min, top), true
}

// SketchEstimate guesses how many nodes differ with peer over r: the
// difference of the last sketch session, or the rank distance between the
// two tops within r, whichever is larger.
func (c *Conversation) SketchEstimate(peer string, r reconcile.Range) int {
	local := c.stores.Graph.MaxRank()

	c.peerLock.Lock()
	defer c.peerLock.Unlock()
	v, ok := c.peers[peer]
	if !ok {
		return 0
	}

	gap := v.top - local
	if local > v.top {
		gap = local - v.top
	}
	if width := r.Max - r.Min + 1; width > 0 && gap > width {
		gap = width
	}
	if uint64(v.diff) > gap {
		return v.diff
	}
	return int(gap)
}

// SketchDone records the difference size a sketch session with peer ended
// on.
func (c *Conversation) SketchDone(peer string, diff int) {
	c.peerLock.Lock()
	defer c.peerLock.Unlock()
	if v, ok := c.peers[peer]; ok {
		v.diff = diff
	}
}

// SketchCells returns the cells of the local sketch of r at tier.
func (c *Conversation) SketchCells(r reconcile.Range, tier int) ([]reconcile.Cell, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sk, err := c.recon.Sketch(r, tier)
	if err != nil {
		return nil, err
	}
	return sk.Cells(), nil
}

// Tiers returns the sketch tier capacities.
func (c *Conversation) Tiers() []int {
	return c.recon.Tiers()
}

// RequiresProof reports whether a sketch at tier needs a proof of work.
func (c *Conversation) RequiresProof(tier int) bool {
	return c.recon.RequiresProof(tier)
}

// Nodes returns the stored nodes among hashes, in causal order.
func (c *Conversation) Nodes(hashes []dag.Hash) []*dag.GraphNode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := []*dag.GraphNode{}
	for _, h := range c.graph.CausalOrder(hashes) {
		if node, err := c.stores.Graph.GetNode(h); err == nil {
			res = append(res, node)
		}
	}
	return res
}

// Unknown returns the nodes of the hot window a peer lacks, judging by the
// tips it announced, up to SyncLimit. It returns nothing while some of those
// tips are unknown locally, since the difference cannot be told then.
func (c *Conversation) Unknown(peer string) []*dag.GraphNode {
	c.peerLock.Lock()
	var tips []dag.Hash
	if v, ok := c.peers[peer]; ok {
		tips = v.tips
	}
	c.peerLock.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()
	store := c.stores.Graph
	for _, t := range tips {
		if !store.Has(t) {
			return nil
		}
	}
	known := func(h dag.Hash) bool { return c.graph.IsAncestorOfAny(h, tips) }
	top := store.MaxRank()
	res := []*dag.GraphNode{}
	for _, h := range c.graph.Ancestry(store.Heads(), c.conf.SyncLimit, known) {
		if rank, err := store.Rank(h); err != nil || !c.hot(rank, top) {
			continue
		}
		if node, err := store.GetNode(h); err == nil {
			res = append(res, node)
		}
	}
	return res
}

//==============================================================================
//Accessors

// Heads returns the displayable heads.
func (c *Conversation) Heads() []dag.Hash {
	return c.stores.Graph.Heads()
}

// AdminHeads ...
func (c *Conversation) AdminHeads() []dag.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]dag.Hash(nil), c.adminHeads...)
}

// Has reports whether hash is stored.
func (c *Conversation) Has(hash dag.Hash) bool {
	return c.stores.Graph.Has(hash)
}

// Buffered reports whether hash waits in the opaque buffer.
func (c *Conversation) Buffered(hash dag.Hash) bool {
	return c.buffer.Has(hash)
}

// Payload returns the decoded payload of a stored node.
func (c *Conversation) Payload(hash dag.Hash) (*dag.Payload, error) {
	node, err := c.stores.Graph.GetNode(hash)
	if err != nil {
		return nil, err
	}
	if node.IsAdmin() {
		return node.AdminPayload()
	}
	g, ok := c.keys.Match(node.Body.KeyGeneration, hash[:], node.Authenticator)
	if !ok {
		return nil, crypto.ErrUnknownGeneration
	}
	return node.OpenContent(g)
}

// History returns the displayable nodes in causal order.
func (c *Conversation) History() []dag.Hash {
	store := c.stores.Graph
	hs := []dag.Hash{}
	for _, h := range store.RankRange(0, store.MaxRank()) {
		if s, err := store.Status(h); err == nil && s.Displayable() {
			hs = append(hs, h)
		}
	}
	return c.graph.CausalOrder(hs)
}

// Difficulty returns the current proof-of-work difficulty.
func (c *Conversation) Difficulty() uint8 {
	return c.recon.Difficulty().Current()
}

// Stats returns counters of every component.
func (c *Conversation) Stats() map[string]int64 {
	res := map[string]int64{
		"nodes":      int64(c.stores.Graph.Count()),
		"max_rank":   int64(c.stores.Graph.MaxRank()),
		"heads":      int64(len(c.stores.Graph.Heads())),
		"wanted":     int64(c.fetch.Len()),
		"difficulty": int64(c.Difficulty()),
		"keys":       int64(c.keys.Current()),
	}
	for k, v := range c.validator.Stats() {
		res[k] = int64(v)
	}
	for k, v := range c.buffer.Stats() {
		res["opaque_"+k] = v
	}
	return res
}
