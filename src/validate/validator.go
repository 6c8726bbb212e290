package validate

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mosaicnetworks/murmur/src/clock"
	cm "github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/dag"
	"github.com/mosaicnetworks/murmur/src/trust"
	"github.com/sirupsen/logrus"
)

// Config bounds what a node may look like.
type Config struct {
	// MaxParents caps the parent set.
	MaxParents int
	// MaxFutureDrift is how far ahead of network time a timestamp may be
	// before the node is quarantined.
	MaxFutureDrift time.Duration
	// RejectCacheSize bounds the number of remembered rejections.
	RejectCacheSize int
	// SeqCacheSize bounds the number of remembered device sequence numbers.
	SeqCacheSize int
}

// DefaultSeqCacheSize applies when Config.SeqCacheSize is not set.
const DefaultSeqCacheSize = 10000

type seqKey struct {
	device dag.DeviceID
	seq    uint64
}

// Validator validates the nodes of one conversation.
type Validator struct {
	conversation dag.Hash
	conf         Config

	store dag.Store
	graph *dag.Graph
	trust *trust.Evaluator
	keys  *crypto.KeyRing
	clock clock.Clock

	// commitLock serializes writers.
	commitLock sync.Mutex
	rejected   *lru.Cache
	// seqs maps a device sequence number to the node that used it.
	seqs *lru.Cache

	accepted      uint64
	quarantined   uint64
	rejections    uint64
	deferrals     uint64
	equivocations uint64

	logger *logrus.Entry
}

// New returns a Validator for the conversation identified by the hash of its
// genesis node. A zero conversation hash accepts any genesis, which is how a
// conversation is created.
func New(
	conversation dag.Hash,
	conf Config,
	store dag.Store,
	graph *dag.Graph,
	ev *trust.Evaluator,
	keys *crypto.KeyRing,
	clk clock.Clock,
	logger *logrus.Entry,
) *Validator {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	size := conf.RejectCacheSize
	if size <= 0 {
		size = 1
	}
	rejected, _ := lru.New(size)
	if conf.SeqCacheSize <= 0 {
		conf.SeqCacheSize = DefaultSeqCacheSize
	}
	seqs, _ := lru.New(conf.SeqCacheSize)

	return &Validator{
		conversation: conversation,
		conf:         conf,
		store:        store,
		graph:        graph,
		trust:        ev,
		keys:         keys,
		clock:        clk,
		rejected:     rejected,
		seqs:         seqs,
		logger:       logger,
	}
}

// Validate checks a node and commits the outcome.
func (v *Validator) Validate(node *dag.GraphNode, claimed dag.Hash) (Result, error) {
	res := v.Check(node, claimed)
	if err := v.Commit(node, res); err != nil {
		return res, err
	}
	return res, nil
}

// Check runs every validation step without side effects.
func (v *Validator) Check(node *dag.GraphNode, claimed dag.Hash) Result {
	// 1. content hash
	hash, err := node.Hash()
	if err != nil {
		return reject(claimed, ReasonMalformedPayload, "unencodable body: %v", err)
	}
	if hash != claimed {
		return reject(claimed, ReasonHashMismatch, "computed %s", hash.Short())
	}

	if res, ok := v.known(hash); ok {
		return res
	}

	// 2. authenticator and payload
	res := v.authenticate(node, hash)
	if res.Outcome != 0 {
		return res
	}

	if node.IsGenesis() {
		return v.checkGenesis(node, res)
	}
	if res.Payload.Type == dag.PayloadControl && res.Payload.Control.Action == dag.ActionGenesis {
		return reject(hash, ReasonBadGenesis, "genesis payload with parents")
	}

	// 3 and 4. parent set, chain isolation, cycles and rank
	parentTimes, failed := v.checkParents(node, hash)
	if failed.Outcome != 0 {
		return failed
	}

	// 5. trust at the node's own position
	required := trust.Required(res.Payload)
	if required != trust.PermNone {
		eval := v.trust.Evaluate(node.Body.Device, trust.Position{
			Frontier: node.Body.Parents,
			At:       node.Body.Timestamp,
		})
		if !eval.Allows(required) {
			r := reject(hash, ReasonUnauthorized, "%s holds %s, needs %s",
				node.Body.Device.Short(), eval.Permissions, required)
			r.Payload = res.Payload
			return r
		}
	}

	// 6. timestamp bounds
	for _, pt := range parentTimes {
		if node.Body.Timestamp < pt {
			return reject(hash, ReasonTimestampRegression, "timestamp %d before parent %d",
				node.Body.Timestamp, pt)
		}
	}
	return v.checkFuture(node, res)
}

// known returns the outcome of a node that was already stored or rejected.
func (v *Validator) known(hash dag.Hash) (Result, bool) {
	if status, err := v.store.Status(hash); err == nil {
		res := Result{Outcome: Accepted, Hash: hash, Status: status}
		if status == dag.StatusQuarantined {
			res.Outcome = Quarantined
			res.Reason = ReasonFutureDated
		}
		return res, true
	}
	if r, ok := v.rejected.Get(hash); ok {
		return r.(Result), true
	}
	return Result{}, false
}

// authenticate verifies the authenticator and decodes the payload. It
// returns a Result with a zero Outcome when the node passes.
func (v *Validator) authenticate(node *dag.GraphNode, hash dag.Hash) Result {
	if node.IsAdmin() {
		if err := node.VerifySignature(); err != nil {
			return reject(hash, ReasonBadAuthenticator, "%v", err)
		}
		payload, err := node.AdminPayload()
		if err != nil {
			return reject(hash, ReasonMalformedPayload, "%v", err)
		}
		if !payload.Type.Administrative() {
			return reject(hash, ReasonMalformedPayload, "%s payload in an administrative node", payload.Type)
		}
		return Result{Hash: hash, Status: dag.StatusVerified, Payload: payload}
	}

	if node.Body.Kind != dag.KindContent {
		return reject(hash, ReasonMalformedPayload, "unknown kind %s", node.Body.Kind)
	}

	hint := node.Body.KeyGeneration
	g, ok := v.keys.Match(hint, hash[:], node.Authenticator)
	if !ok {
		known, present := v.keys.Get(hint)
		switch {
		case present && known.Revoked:
			return reject(hash, ReasonUnauthorized, "key generation %d is revoked", hint)
		case present:
			return reject(hash, ReasonBadAuthenticator, "tag does not match generation %d", hint)
		default:
			return deferred(hash, ReasonUndecryptable, nil)
		}
	}

	payload, err := node.OpenContent(g)
	if err != nil {
		return reject(hash, ReasonMalformedPayload, "%v", err)
	}
	if payload.Type.Administrative() {
		return reject(hash, ReasonMalformedPayload, "%s payload in a content node", payload.Type)
	}

	status := dag.StatusVerified
	if !g.Confirmed {
		status = dag.StatusIdentityPending
	}
	return Result{Hash: hash, Status: status, Payload: payload, Generation: g.Number}
}

func (v *Validator) checkGenesis(node *dag.GraphNode, res Result) Result {
	hash := res.Hash
	p := res.Payload
	if !node.IsAdmin() || p.Type != dag.PayloadControl || p.Control.Action != dag.ActionGenesis {
		return reject(hash, ReasonBadGenesis, "parentless node is not a genesis")
	}
	if node.Body.Rank != 0 {
		return reject(hash, ReasonBadRank, "genesis rank %d", node.Body.Rank)
	}
	if !v.conversation.IsZero() && hash != v.conversation {
		return reject(hash, ReasonBadGenesis, "genesis of another conversation")
	}
	if root := v.trust.Root(); root != nil && root.Node != hash {
		return reject(hash, ReasonBadGenesis, "conversation already has a genesis")
	}
	return v.checkFuture(node, res)
}

// checkParents returns the timestamps of the parents.
func (v *Validator) checkParents(node *dag.GraphNode, hash dag.Hash) ([]int64, Result) {
	parents := node.Body.Parents

	if len(parents) > v.conf.MaxParents {
		return nil, reject(hash, ReasonTooManyParents, "%d parents, cap is %d", len(parents), v.conf.MaxParents)
	}

	seen := make(map[dag.Hash]bool, len(parents))
	missing := []dag.Hash{}
	for _, p := range parents {
		if p == hash {
			return nil, reject(hash, ReasonCycle, "self reference")
		}
		if seen[p] {
			return nil, reject(hash, ReasonDuplicateParent, "%s", p.Short())
		}
		seen[p] = true
		if !v.store.Has(p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return nil, deferred(hash, ReasonMissingParents, missing)
	}

	times := make([]int64, 0, len(parents))
	var maxRank uint64
	for i, p := range parents {
		kind, err := v.store.Kind(p)
		if err != nil {
			return nil, deferred(hash, ReasonMissingParents, []dag.Hash{p})
		}
		if node.IsAdmin() && kind != dag.KindAdmin {
			return nil, reject(hash, ReasonChainIsolation, "content parent %s", p.Short())
		}
		rank, _ := v.store.Rank(p)
		if i == 0 || rank > maxRank {
			maxRank = rank
		}
		ts, _ := v.store.Timestamp(p)
		times = append(times, ts)
	}

	// stored nodes that already reference this one are its descendants
	for _, c := range v.store.Children(hash) {
		if v.graph.IsAncestorOfAny(c, parents) {
			return nil, reject(hash, ReasonCycle, "parent descends from the node")
		}
	}

	if node.Body.Rank != maxRank+1 {
		return nil, reject(hash, ReasonBadRank, "rank %d, expected %d", node.Body.Rank, maxRank+1)
	}

	return times, Result{}
}

func (v *Validator) checkFuture(node *dag.GraphNode, res Result) Result {
	limit := clock.Millis(v.clock.Now().Add(v.conf.MaxFutureDrift))
	if node.Body.Timestamp > limit {
		res.Outcome = Quarantined
		res.Reason = ReasonFutureDated
		res.Detail = fmt.Sprintf("timestamp %d beyond %d", node.Body.Timestamp, limit)
		res.Status = dag.StatusQuarantined
		return res
	}
	res.Outcome = Accepted
	return res
}

//==============================================================================
//Commit

// Commit applies the outcome of Check. Accepted and Quarantined nodes are
// stored; accepted administrative nodes are indexed by the trust evaluator
// and accepted key distributions are installed in the key ring. Permanent
// rejections are remembered.
func (v *Validator) Commit(node *dag.GraphNode, res Result) error {
	v.commitLock.Lock()
	defer v.commitLock.Unlock()

	switch res.Outcome {
	case Accepted, Quarantined:
		if v.store.Has(res.Hash) {
			return nil
		}
		if err := v.store.PutNode(node, res.Status); err != nil {
			if cm.IsStore(err, cm.KeyAlreadyExists) {
				return nil
			}
			return err
		}
		v.noteSeq(node, res.Hash)
		if res.Outcome == Quarantined {
			atomic.AddUint64(&v.quarantined, 1)
			v.logger.WithField("hash", res.Hash.Short()).Debug("Quarantined node")
			return nil
		}
		atomic.AddUint64(&v.accepted, 1)
		return v.apply(node, res)

	case Rejected:
		atomic.AddUint64(&v.rejections, 1)
		if cacheable(res.Reason) {
			v.rejected.Add(res.Hash, res)
		}
		v.revokeDistribution(res)
		v.logger.WithFields(logrus.Fields{
			"hash":   res.Hash.Short(),
			"reason": res.Reason,
			"detail": res.Detail,
		}).Debug("Rejected node")

	case Deferred:
		atomic.AddUint64(&v.deferrals, 1)
	}
	return nil
}

// noteSeq remembers which node a device numbered with its sequence number.
// A second node under the same number is kept, since peers can receive the
// pair in either order, but it is logged and counted.
func (v *Validator) noteSeq(node *dag.GraphNode, hash dag.Hash) {
	key := seqKey{device: node.Body.Device, seq: node.Body.Seq}
	prev, ok := v.seqs.Get(key)
	if !ok {
		v.seqs.Add(key, hash)
		return
	}
	if first := prev.(dag.Hash); first != hash {
		atomic.AddUint64(&v.equivocations, 1)
		v.logger.WithFields(logrus.Fields{
			"device": node.Body.Device.Short(),
			"seq":    node.Body.Seq,
			"first":  first.Short(),
			"second": hash.Short(),
		}).Warn("Device reused a sequence number")
	}
}

// cacheable reports whether a rejection holds for every node with the same
// hash. The authenticator is not hashed, so a bad one says nothing about a
// correctly authenticated copy.
func cacheable(r Reason) bool {
	return r.Permanent() && r != ReasonHashMismatch && r != ReasonBadAuthenticator
}

// apply runs the side effects of an accepted node.
func (v *Validator) apply(node *dag.GraphNode, res Result) error {
	if !node.IsAdmin() {
		return nil
	}
	if err := v.trust.Index(node); err != nil {
		return err
	}
	if res.Payload != nil && res.Payload.Type == dag.PayloadKeyDistribution {
		if err := InstallDistribution(v.keys, res.Hash, node.Body.Rank, res.Payload.KeyDistribution, true); err != nil {
			v.logger.WithError(err).WithField("generation", res.Payload.KeyDistribution.Generation).
				Warn("Cannot install distributed key")
		}
	}
	return nil
}

// revokeDistribution revokes a generation provisionally installed from a
// key distribution that turned out unauthorized.
func (v *Validator) revokeDistribution(res Result) {
	if res.Reason != ReasonUnauthorized || res.Payload == nil ||
		res.Payload.Type != dag.PayloadKeyDistribution {
		return
	}
	n := res.Payload.KeyDistribution.Generation
	if err := v.keys.Revoke(n, res.Hash); err == nil {
		v.logger.WithField("generation", n).Warn("Revoked key generation distributed by an unauthorized device")
	}
}

// ReleaseQuarantine promotes the quarantined nodes whose timestamp is no
// longer ahead of network time, and returns their hashes.
func (v *Validator) ReleaseQuarantine() ([]dag.Hash, error) {
	v.commitLock.Lock()
	defer v.commitLock.Unlock()

	limit := clock.Millis(v.clock.Now().Add(v.conf.MaxFutureDrift))
	released := []dag.Hash{}

	for _, h := range v.graph.CausalOrder(v.store.ByStatus(dag.StatusQuarantined)) {
		ts, err := v.store.Timestamp(h)
		if err != nil || ts > limit {
			continue
		}
		node, err := v.store.GetNode(h)
		if err != nil {
			return released, err
		}

		res := v.authenticate(node, h)
		if res.Outcome != 0 {
			// the key material used at admission is gone
			continue
		}
		if err := v.store.SetStatus(h, res.Status); err != nil {
			return released, err
		}
		if err := v.apply(node, res); err != nil {
			return released, err
		}
		released = append(released, h)
	}

	if len(released) > 0 {
		v.logger.WithField("count", len(released)).Debug("Released quarantined nodes")
	}
	return released, nil
}

// Forget drops a remembered rejection.
func (v *Validator) Forget(hash dag.Hash) {
	v.rejected.Remove(hash)
}

// Stats returns outcome counters.
func (v *Validator) Stats() map[string]uint64 {
	return map[string]uint64{
		"accepted":    atomic.LoadUint64(&v.accepted),
		"quarantined": atomic.LoadUint64(&v.quarantined),
		"rejected":    atomic.LoadUint64(&v.rejections),
		"deferred":    atomic.LoadUint64(&v.deferrals),
		"equivocated": atomic.LoadUint64(&v.equivocations),
	}
}

// Settle re-authenticates an identity-pending node. The node is upgraded to
// Verified once its key generation is confirmed. It returns false when the
// generation was revoked and the node must be wiped.
func (v *Validator) Settle(hash dag.Hash) (dag.NodeStatus, bool, error) {
	v.commitLock.Lock()
	defer v.commitLock.Unlock()

	status, err := v.store.Status(hash)
	if err != nil {
		return 0, false, err
	}
	if status != dag.StatusIdentityPending {
		return status, true, nil
	}
	node, err := v.store.GetNode(hash)
	if err != nil {
		return 0, false, err
	}

	res := v.authenticate(node, hash)
	switch {
	case res.Outcome == Rejected && res.Reason == ReasonUnauthorized:
		return status, false, nil
	case res.Outcome == 0 && res.Status == dag.StatusVerified:
		if err := v.store.SetStatus(hash, dag.StatusVerified); err != nil {
			return status, true, err
		}
		return dag.StatusVerified, true, nil
	}
	return status, true, nil
}

// Wipe deletes a stored node whose key generation was revoked, and
// remembers it as rejected.
func (v *Validator) Wipe(hash dag.Hash) error {
	v.commitLock.Lock()
	defer v.commitLock.Unlock()

	if err := v.store.Delete(hash); err != nil {
		return err
	}
	v.rejected.Add(hash, reject(hash, ReasonUnauthorized, "key generation revoked"))
	v.logger.WithField("hash", hash.Short()).Debug("Wiped node")
	return nil
}
