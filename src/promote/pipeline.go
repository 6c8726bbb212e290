package promote

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/dag"
	"github.com/mosaicnetworks/murmur/src/validate"
	"github.com/mosaicnetworks/murmur/src/vouch"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Config ...
type Config struct {
	// BatchSize bounds the promotions of one Trigger. Zero is unbounded.
	BatchSize int
}

// Pipeline promotes the opaque nodes of one conversation.
type Pipeline struct {
	conf Config

	// locker is the write lock of the conversation, held while a node
	// moves from the buffer to the graph.
	locker    sync.Locker
	buffer    *vouch.Manager
	validator *validate.Validator
	store     dag.Store
	keys      *crypto.KeyRing

	group singleflight.Group

	mu         sync.Mutex
	admissions uint64
	// processed maps generations to the admission count at which they were
	// last fully processed.
	processed map[uint64]uint64

	// hook is called after each state change. Tests use it to simulate
	// crashes.
	hook func(State, dag.Hash) error

	logger *logrus.Entry
}

// New ...
func New(
	conf Config,
	locker sync.Locker,
	buffer *vouch.Manager,
	validator *validate.Validator,
	store dag.Store,
	keys *crypto.KeyRing,
	logger *logrus.Entry,
) *Pipeline {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Pipeline{
		conf:      conf,
		locker:    locker,
		buffer:    buffer,
		validator: validator,
		store:     store,
		keys:      keys,
		processed: make(map[uint64]uint64),
		logger:    logger,
	}
}

// Admitted records a change that may make buffered nodes promotable: a new
// admission, a new key generation or a newly verified node. Every
// generation is processed again by the next Trigger.
func (p *Pipeline) Admitted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.admissions++
}

func (p *Pipeline) step(s State, hash dag.Hash) error {
	if p.hook == nil {
		return nil
	}
	return p.hook(s, hash)
}

// ready reports whether node may enter the Locked state: its parents are
// stored and some key material is available.
func (p *Pipeline) ready(node *dag.GraphNode) bool {
	for _, parent := range node.Body.Parents {
		if !p.store.Has(parent) {
			return false
		}
	}
	if node.IsAdmin() {
		return true
	}
	return len(p.keys.Candidates(node.Body.KeyGeneration)) > 0
}

// Promote attempts to move one buffered node into the graph.
func (p *Pipeline) Promote(ctx context.Context, hash dag.Hash) (Outcome, error) {
	p.locker.Lock()
	defer p.locker.Unlock()
	return p.promote(ctx, hash)
}

func (p *Pipeline) promote(ctx context.Context, hash dag.Hash) (Outcome, error) {
	out := Outcome{Hash: hash, State: Opaque}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	node, err := p.buffer.Node(hash)
	if err != nil {
		return out, err
	}
	if !p.ready(node) {
		out.State = StillOpaque
		return out, nil
	}

	if err := p.buffer.Lock(hash); err != nil {
		return out, err
	}
	out.State = Locked
	if err := p.step(Locked, hash); err != nil {
		return out, err
	}

	out.State = TrialDecrypt
	res := p.validator.Check(node, hash)
	out.Result = res
	if err := p.step(TrialDecrypt, hash); err != nil {
		return out, err
	}

	switch res.Outcome {
	case validate.Deferred:
		out.State = StillOpaque
		return out, p.buffer.Unlock(hash)
	case validate.Accepted:
		out.State = VerifiedFull
		if res.Status == dag.StatusIdentityPending {
			out.State = VerifiedIdentityPending
		}
	case validate.Quarantined:
		out.State = Quarantined
	default:
		out.State = Rejected
	}

	if err := p.validator.Commit(node, res); err != nil {
		if uerr := p.buffer.Unlock(hash); uerr != nil {
			p.logger.WithError(uerr).Error("Cannot unlock opaque entry")
		}
		return out, err
	}
	// the promoted node is durable, the opaque copy can go
	if err := p.step(out.State, hash); err != nil {
		return out, err
	}
	if err := p.buffer.Remove(hash); err != nil {
		return out, err
	}

	p.logger.WithFields(logrus.Fields{
		"hash":  hash.Short(),
		"state": out.State,
	}).Debug("Promoted opaque node")

	return out, nil
}

// provision installs, unconfirmed, the key generations carried by buffered
// key distributions. Content decrypted with them is only ever
// identity-pending.
func (p *Pipeline) provision() int {
	installed := 0
	for {
		progress := false
		for _, e := range p.buffer.Entries() {
			if !e.Admin || e.Redacted {
				continue
			}
			node, err := p.buffer.Node(e.Hash)
			if err != nil {
				continue
			}
			payload, err := node.AdminPayload()
			if err != nil || payload.Type != dag.PayloadKeyDistribution || payload.KeyDistribution == nil {
				continue
			}
			kd := payload.KeyDistribution
			if p.keys.Has(kd.Generation, e.Hash) {
				continue
			}
			if err := validate.InstallDistribution(p.keys, e.Hash, node.Body.Rank, kd, false); err != nil {
				continue
			}
			p.logger.WithFields(logrus.Fields{
				"generation": kd.Generation,
				"source":     e.Hash.Short(),
			}).Debug("Provisionally installed key generation")
			installed++
			progress = true
		}
		if !progress {
			return installed
		}
	}
}

// Trigger runs a promotion batch for a key generation. Concurrent calls for
// the same generation share one batch, and a generation already fully
// processed since the last admission is skipped.
func (p *Pipeline) Trigger(ctx context.Context, generation uint64) (Batch, error) {
	p.mu.Lock()
	epoch := p.admissions
	done, ok := p.processed[generation]
	p.mu.Unlock()
	if ok && done == epoch {
		return Batch{Generation: generation, Skipped: true}, nil
	}

	v, err, _ := p.group.Do(strconv.FormatUint(generation, 10), func() (interface{}, error) {
		return p.run(ctx, generation, epoch)
	})
	if err != nil {
		return Batch{Generation: generation}, err
	}
	return v.(Batch), nil
}

func (p *Pipeline) run(ctx context.Context, generation uint64, epoch uint64) (Batch, error) {
	batch := Batch{Generation: generation}
	p.provision()

	complete := true
	for progress := true; progress; {
		progress = false
		for _, e := range p.buffer.Entries() {
			if e.Locked || e.Redacted {
				continue
			}
			if p.conf.BatchSize > 0 && len(batch.Outcomes) >= p.conf.BatchSize {
				complete = false
				break
			}
			out, err := p.Promote(ctx, e.Hash)
			if errors.Is(err, vouch.ErrUnknownEntry) {
				// evicted meanwhile
				continue
			}
			if err != nil {
				return batch, err
			}
			if out.State.Final() {
				batch.Outcomes = append(batch.Outcomes, out)
				progress = true
			}
		}
		if p.provision() > 0 {
			progress = true
		}
		if !complete {
			break
		}
	}

	settled, err := p.Finalize(ctx)
	batch.Outcomes = append(batch.Outcomes, settled...)
	if err != nil {
		return batch, err
	}

	if complete {
		p.mu.Lock()
		p.processed[generation] = epoch
		p.mu.Unlock()
	}
	return batch, nil
}

// Finalize settles identity-pending nodes: they become verified once their
// key generation is confirmed, and are wiped when it is revoked.
func (p *Pipeline) Finalize(ctx context.Context) ([]Outcome, error) {
	p.locker.Lock()
	defer p.locker.Unlock()

	pending := p.store.ByStatus(dag.StatusIdentityPending)
	ranks := make(map[dag.Hash]uint64, len(pending))
	for _, h := range pending {
		r, _ := p.store.Rank(h)
		ranks[h] = r
	}
	// descendants first, so that wiping never leaves a dangling child
	sort.Slice(pending, func(i, j int) bool {
		if ranks[pending[i]] != ranks[pending[j]] {
			return ranks[pending[i]] > ranks[pending[j]]
		}
		return pending[i].Less(pending[j])
	})

	res := []Outcome{}
	for _, h := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		status, keep, err := p.validator.Settle(h)
		if err != nil {
			return res, err
		}
		if !keep {
			if err := p.validator.Wipe(h); err != nil {
				p.logger.WithError(err).WithField("hash", h.Short()).Warn("Cannot wipe node")
				continue
			}
			res = append(res, Outcome{Hash: h, State: Wiped})
			continue
		}
		if status == dag.StatusVerified {
			res = append(res, Outcome{Hash: h, State: VerifiedFull})
		}
	}
	return res, nil
}

func (p *Pipeline) storedState(hash dag.Hash) State {
	status, err := p.store.Status(hash)
	if err != nil {
		return Opaque
	}
	switch status {
	case dag.StatusIdentityPending:
		return VerifiedIdentityPending
	case dag.StatusQuarantined:
		return Quarantined
	default:
		return VerifiedFull
	}
}

// Recover completes or retries the promotions interrupted by a crash. Nodes
// already durably stored leave the buffer; locked ones are retried.
func (p *Pipeline) Recover(ctx context.Context) ([]Outcome, error) {
	retry := make(map[dag.Hash]bool)
	for _, h := range p.buffer.Recovered() {
		retry[h] = true
	}

	res := []Outcome{}
	for _, e := range p.buffer.Entries() {
		if p.store.Has(e.Hash) {
			if err := p.buffer.Remove(e.Hash); err != nil {
				return res, err
			}
			res = append(res, Outcome{Hash: e.Hash, State: p.storedState(e.Hash)})
			continue
		}
		if e.Locked {
			if err := p.buffer.Unlock(e.Hash); err != nil {
				return res, err
			}
			retry[e.Hash] = true
		}
	}

	hashes := make([]dag.Hash, 0, len(retry))
	for h := range retry {
		hashes = append(hashes, h)
	}
	dag.SortHashes(hashes)

	for _, h := range hashes {
		out, err := p.Promote(ctx, h)
		if errors.Is(err, vouch.ErrUnknownEntry) {
			continue
		}
		if err != nil {
			return res, err
		}
		res = append(res, out)
	}

	p.Admitted()
	if len(res) > 0 {
		p.logger.WithField("count", len(res)).Info("Recovered interrupted promotions")
	}
	return res, nil
}
