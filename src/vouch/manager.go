package vouch

import (
	"errors"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/mosaicnetworks/murmur/src/dag"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownEntry is returned for hashes that are not buffered.
	ErrUnknownEntry = errors.New("unknown opaque entry")
	// ErrLocked is returned when a locked entry is locked again or
	// redacted.
	ErrLocked = errors.New("opaque entry is locked")
)

// Config holds the quotas of a Manager.
type Config struct {
	// Budget is the byte budget of the opaque buffer.
	Budget int64 `mapstructure:"budget"`
	// PerVoucherCap bounds the entries explicitly vouched by one device.
	PerVoucherCap int
	// HotWindow is the number of ranks below the highest verified rank that
	// are never evicted.
	HotWindow uint64
	// StructuralHopCap is the hard ceiling on structural hops.
	StructuralHopCap int
	// ReanchorInterval is the maximum number of structural hops without
	// crossing an administrative node.
	ReanchorInterval int
	// SegmentSize is the number of arrivals per eviction segment.
	SegmentSize int
	// MaxVouchersPerHash bounds the voucher set of a hash.
	MaxVouchersPerHash int
}

// Authorizer tells whether a device currently holds a verified
// authorization.
type Authorizer interface {
	Authorized(device dag.DeviceID) bool
}

// Manager buffers opaque nodes of one conversation under quota.
type Manager struct {
	mu sync.Mutex

	conf     Config
	store    dag.Store
	objects  dag.ObjectStore
	registry *Registry
	auth     Authorizer

	entries map[dag.Hash]*Entry
	// children maps a hash to the entries listing it as a parent.
	children    map[dag.Hash]mapset.Set[dag.Hash]
	outstanding map[dag.DeviceID]int
	// granted holds the subjects of anchored buffered authorizations.
	granted  mapset.Set[dag.DeviceID]
	used     int64
	arrivals uint64
	// recovered lists the entries found locked by Load.
	recovered []dag.Hash

	logger *logrus.Entry
}

// NewManager ...
func NewManager(
	conf Config,
	store dag.Store,
	objects dag.ObjectStore,
	reg *Registry,
	auth Authorizer,
	logger *logrus.Entry,
) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	if conf.SegmentSize <= 0 {
		conf.SegmentSize = 1
	}
	return &Manager{
		conf:        conf,
		store:       store,
		objects:     objects,
		registry:    reg,
		auth:        auth,
		entries:     make(map[dag.Hash]*Entry),
		children:    make(map[dag.Hash]mapset.Set[dag.Hash]),
		outstanding: make(map[dag.DeviceID]int),
		granted:     mapset.NewSet[dag.DeviceID](),
		logger:      logger,
	}
}

// Registry returns the voucher registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Load rebuilds the buffer from the object store and the registry. Entries
// left locked by a crash are unlocked.
func (m *Manager) Load() error {
	if err := m.registry.Load(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	hashes := []dag.Hash{}
	for _, st := range []dag.ObjectStatus{dag.ObjectOpaque, dag.ObjectPending} {
		hs, err := m.objects.List(st)
		if err != nil {
			return err
		}
		if st == dag.ObjectPending {
			for _, h := range hs {
				if err := m.objects.SetStatus(h, dag.ObjectOpaque); err != nil {
					return err
				}
			}
			m.recovered = append(m.recovered, hs...)
		}
		hashes = append(hashes, hs...)
	}

	loaded := []*Entry{}
	for _, h := range hashes {
		raw, _, err := m.objects.Get(h)
		if err != nil {
			return err
		}
		node, err := dag.UnmarshalNode(raw)
		if err != nil {
			m.logger.WithError(err).WithField("hash", h.Short()).Warn("Dropping corrupt opaque entry")
			m.objects.Delete(h)
			continue
		}
		loaded = append(loaded, newEntry(node, h, int64(len(raw))))
	}

	// arrival order is lost, replay by rank
	sort.Slice(loaded, func(i, j int) bool {
		if loaded[i].Rank != loaded[j].Rank {
			return loaded[i].Rank < loaded[j].Rank
		}
		return loaded[i].Hash.Less(loaded[j].Hash)
	})
	for _, e := range loaded {
		m.insert(e)
	}
	m.rederive()

	m.logger.WithFields(logrus.Fields{
		"entries": len(m.entries),
		"bytes":   m.used,
	}).Debug("Loaded opaque buffer")
	return nil
}

func newEntry(node *dag.GraphNode, hash dag.Hash, size int64) *Entry {
	e := &Entry{
		Hash:    hash,
		Size:    size,
		Rank:    node.Body.Rank,
		Parents: append([]dag.Hash(nil), node.Body.Parents...),
		Admin:   node.IsAdmin() && node.VerifySignature() == nil,
	}
	if !e.Admin {
		return e
	}
	e.Signer = node.Body.Device
	if p, err := node.AdminPayload(); err == nil && p.Type == dag.PayloadControl &&
		p.Control != nil && p.Control.Action == dag.ActionAuthorize {
		e.Grants = p.Control.Subject
	}
	return e
}

// insert indexes e as the newest arrival.
func (m *Manager) insert(e *Entry) {
	e.Arrival = m.arrivals
	e.Segment = m.arrivals / uint64(m.conf.SegmentSize)
	m.arrivals++

	m.entries[e.Hash] = e
	for _, p := range e.Parents {
		set, ok := m.children[p]
		if !ok {
			set = mapset.NewSet[dag.Hash]()
			m.children[p] = set
		}
		set.Add(e.Hash)
	}
	m.used += e.Size
}

// drop removes e from every index.
func (m *Manager) drop(e *Entry) {
	m.release(e)
	delete(m.entries, e.Hash)
	for _, p := range e.Parents {
		if set, ok := m.children[p]; ok {
			set.Remove(e.Hash)
			if set.Cardinality() == 0 {
				delete(m.children, p)
			}
		}
	}
	m.used -= e.Size
}

//==============================================================================
//Vouching

// release returns the voucher charge of an entry.
func (m *Manager) release(e *Entry) {
	if e.Voucher == "" {
		return
	}
	m.outstanding[e.Voucher]--
	if m.outstanding[e.Voucher] <= 0 {
		delete(m.outstanding, e.Voucher)
	}
}

// charge assigns the direct vouch of e, implicit or explicit, and charges
// its voucher.
func (m *Manager) charge(e *Entry) {
	m.release(e)
	e.Kind, e.Voucher, e.Hops, e.SinceAnchor = Unvouched, "", 0, 0

	e.Anchored = m.anchored(e)
	if e.Anchored {
		e.Kind = Implicit
		return
	}
	if e.Admin && m.outstanding[e.Signer] < m.conf.PerVoucherCap {
		e.Kind = Implicit
		e.Voucher = e.Signer
		m.outstanding[e.Signer]++
		return
	}
	for _, d := range m.registry.Vouchers(e.Hash) {
		if m.outstanding[d] < m.conf.PerVoucherCap {
			e.Kind = Explicit
			e.Voucher = d
			m.outstanding[d]++
			return
		}
	}
}

// anchored reports whether an admin entry is signed by an authorized device,
// or by the subject of an anchored buffered authorization.
func (m *Manager) anchored(e *Entry) bool {
	if !e.Admin {
		return false
	}
	if m.auth == nil || m.auth.Authorized(e.Signer) {
		return true
	}
	return m.granted.Contains(e.Signer)
}

// grant recomputes the subjects of anchored buffered authorizations, until
// no new subject appears.
func (m *Manager) grant(entries []*Entry) {
	m.granted = mapset.NewSet[dag.DeviceID]()
	for progress := true; progress; {
		progress = false
		for _, e := range entries {
			if e.Grants == "" || m.granted.Contains(e.Grants) || !m.anchored(e) {
				continue
			}
			m.granted.Add(e.Grants)
			progress = true
		}
	}
}

// anchor extends structural vouching to e from its buffered or stored
// children.
func (m *Manager) anchor(e *Entry) {
	if e.Kind == Implicit {
		return
	}
	hops, since, ok := m.structural(e.Hash)
	if !ok {
		return
	}
	switch e.Kind {
	case Explicit:
		e.SinceAnchor = since
	case Unvouched:
		e.Kind = Structural
		e.Hops = hops
		e.SinceAnchor = since
	}
}

// structural returns the shortest structural vouch of hash that respects
// both the hop cap and the re-anchor interval.
func (m *Manager) structural(hash dag.Hash) (int, int, bool) {
	best, bestSince := -1, 0
	consider := func(hops, since int) {
		if hops > m.conf.StructuralHopCap || since > m.conf.ReanchorInterval {
			return
		}
		if best < 0 || hops < best || (hops == best && since < bestSince) {
			best, bestSince = hops, since
		}
	}

	// stored children, verified or quarantined
	if len(m.store.Children(hash)) > 0 {
		consider(1, 1)
	}

	if set, ok := m.children[hash]; ok {
		for _, c := range set.ToSlice() {
			ce, ok := m.entries[c]
			if !ok || ce.Kind == Unvouched {
				continue
			}
			since := ce.SinceAnchor + 1
			if ce.Anchored {
				since = 1
			}
			consider(ce.Hops+1, since)
		}
	}

	return best, bestSince, best >= 0
}

// rederive recomputes every vouch. Voucher charges are replayed in arrival
// order, then structural vouches flow from children to parents.
func (m *Manager) rederive() {
	ordered := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		ordered = append(ordered, e)
	}

	m.outstanding = make(map[dag.DeviceID]int)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Arrival < ordered[j].Arrival
	})
	for _, e := range ordered {
		e.Kind, e.Voucher = Unvouched, ""
	}
	m.grant(ordered)
	for _, e := range ordered {
		m.charge(e)
	}

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Rank != ordered[j].Rank {
			return ordered[i].Rank > ordered[j].Rank
		}
		return ordered[i].Hash.Less(ordered[j].Hash)
	})
	for _, e := range ordered {
		m.anchor(e)
	}
}

// hasEntryParent reports whether some parent of e is buffered.
func (m *Manager) hasEntryParent(e *Entry) bool {
	for _, p := range e.Parents {
		if _, ok := m.entries[p]; ok {
			return true
		}
	}
	return false
}

// Advertise records an advertisement of hash by device. Only devices
// holding a verified authorization may vouch.
func (m *Manager) Advertise(hash dag.Hash, device dag.DeviceID) (bool, error) {
	if m.auth != nil && !m.auth.Authorized(device) {
		return false, nil
	}
	ok, err := m.registry.Add(hash, device)
	if err != nil || !ok {
		return ok, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, buffered := m.entries[hash]; buffered && e.Kind == Unvouched {
		m.rederive()
	}
	return true, nil
}

// Revoke purges every vouch attributable to device. The entries it vouched
// for, or signed without holding an authorization, may become unvouched and
// evicted first.
func (m *Manager) Revoke(device dag.DeviceID) error {
	affected, err := m.registry.PurgeDevice(device)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rederive()

	if len(affected) > 0 {
		m.logger.WithFields(logrus.Fields{
			"device": device.Short(),
			"hashes": len(affected),
		}).Debug("Purged vouches of revoked device")
	}
	return nil
}

//==============================================================================
//Admission and eviction

// Admit buffers a node that could not be verified. It is refused when
// nothing vouches for it or when room cannot be made.
func (m *Manager) Admit(node *dag.GraphNode) (Admission, error) {
	hash, err := node.Hash()
	if err != nil {
		return Admission{}, err
	}
	raw, err := node.Marshal()
	if err != nil {
		return Admission{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[hash]; ok {
		return Admission{Admitted: true, Kind: e.Kind}, nil
	}
	if m.store.Has(hash) {
		return Admission{Refusal: "already stored"}, nil
	}

	e := newEntry(node, hash, int64(len(raw)))
	m.charge(e)
	m.anchor(e)
	if e.Kind == Unvouched {
		return Admission{Refusal: "not vouched"}, nil
	}
	if e.Size > m.conf.Budget {
		m.release(e)
		return Admission{Refusal: "larger than budget"}, nil
	}

	evicted, ok := m.makeRoom(e.Size)
	if !ok {
		m.release(e)
		return Admission{Evicted: evicted, Refusal: "budget exhausted"}, nil
	}

	if err := m.objects.Put(hash, raw, dag.ObjectOpaque); err != nil {
		m.release(e)
		return Admission{Evicted: evicted}, err
	}
	m.insert(e)

	if m.hasEntryParent(e) || (e.Anchored && e.Grants != "" && !m.granted.Contains(e.Grants)) {
		m.rederive()
	}

	m.logger.WithFields(logrus.Fields{
		"hash": hash.Short(),
		"kind": e.Kind,
		"size": e.Size,
		"used": m.used,
	}).Debug("Admitted opaque node")

	return Admission{Admitted: true, Kind: e.Kind, Evicted: evicted}, nil
}

func (m *Manager) hot(e *Entry) bool {
	top := m.store.MaxRank()
	return e.Rank+m.conf.HotWindow >= top
}

// makeRoom evicts entries until need more bytes fit in the budget. It
// reports false, after evicting what it could, when that is impossible.
func (m *Manager) makeRoom(need int64) ([]dag.Hash, bool) {
	evicted := []dag.Hash{}
	restamped := make(map[dag.Hash]bool)

	for m.used+need > m.conf.Budget {
		victim := m.nextVictim(restamped)
		if victim == nil {
			return evicted, false
		}

		if victim.Anchored {
			// carried forward into the newest segment
			victim.Segment = m.arrivals / uint64(m.conf.SegmentSize)
			restamped[victim.Hash] = true
			continue
		}

		if err := m.objects.Delete(victim.Hash); err != nil {
			m.logger.WithError(err).WithField("hash", victim.Hash.Short()).Error("Cannot evict opaque entry")
			return evicted, false
		}
		m.drop(victim)
		evicted = append(evicted, victim.Hash)
	}

	if len(evicted) > 0 {
		m.logger.WithField("count", len(evicted)).Debug("Evicted opaque entries")
	}
	return evicted, true
}

// nextVictim returns the next entry to evict: unvouched first, then the
// oldest segment, then the oldest arrival.
func (m *Manager) nextVictim(skip map[dag.Hash]bool) *Entry {
	var best *Entry
	for _, e := range m.entries {
		if e.Locked || e.Size == 0 || skip[e.Hash] || m.hot(e) {
			continue
		}
		if best == nil || evictsBefore(e, best) {
			best = e
		}
	}
	return best
}

func evictsBefore(a, b *Entry) bool {
	au, bu := a.Kind == Unvouched, b.Kind == Unvouched
	if au != bu {
		return au
	}
	if a.Segment != b.Segment {
		return a.Segment < b.Segment
	}
	if a.Arrival != b.Arrival {
		return a.Arrival < b.Arrival
	}
	return a.Hash.Less(b.Hash)
}

//==============================================================================
//Promotion support

// Lock marks an entry as held by a promotion. Locked entries are never
// evicted and are persisted as Pending.
func (m *Manager) Lock(hash dag.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[hash]
	if !ok || e.Redacted {
		return ErrUnknownEntry
	}
	if e.Locked {
		return ErrLocked
	}
	if err := m.objects.SetStatus(hash, dag.ObjectPending); err != nil {
		return err
	}
	e.Locked = true
	return nil
}

// Unlock releases an entry that could not be promoted.
func (m *Manager) Unlock(hash dag.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[hash]
	if !ok {
		return ErrUnknownEntry
	}
	if !e.Locked {
		return nil
	}
	if err := m.objects.SetStatus(hash, dag.ObjectOpaque); err != nil {
		return err
	}
	e.Locked = false
	return nil
}

// Remove drops a promoted entry. It must only be called once the promoted
// node is durably stored.
func (m *Manager) Remove(hash dag.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[hash]
	if !ok {
		return nil
	}
	if err := m.objects.Delete(hash); err != nil {
		return err
	}
	m.drop(e)
	if err := m.registry.Forget(hash); err != nil {
		return err
	}
	if m.hasEntryParent(e) {
		m.rederive()
	}
	return nil
}

// Redact collects the data of a redacted entry. The entry keeps vouching for
// its parents.
func (m *Manager) Redact(hash dag.Hash) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[hash]
	if !ok || e.Redacted {
		return false, nil
	}
	if e.Locked {
		return false, ErrLocked
	}
	if err := m.objects.Delete(hash); err != nil {
		return false, err
	}
	m.used -= e.Size
	e.Size = 0
	e.Redacted = true
	return true, nil
}

// Recovered returns, and forgets, the entries that were locked by an
// interrupted promotion when the buffer was loaded.
func (m *Manager) Recovered() []dag.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := m.recovered
	m.recovered = nil
	return res
}

// Node returns the buffered node.
func (m *Manager) Node(hash dag.Hash) (*dag.GraphNode, error) {
	m.mu.Lock()
	e, ok := m.entries[hash]
	m.mu.Unlock()
	if !ok || e.Redacted {
		return nil, ErrUnknownEntry
	}

	raw, _, err := m.objects.Get(hash)
	if err != nil {
		return nil, err
	}
	return dag.UnmarshalNode(raw)
}

// Get returns a copy of an entry.
func (m *Manager) Get(hash dag.Hash) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[hash]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Has reports whether hash is buffered.
func (m *Manager) Has(hash dag.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[hash]
	return ok
}

// Entries returns copies of every entry, by rank then hash.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		res = append(res, *e)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Rank != res[j].Rank {
			return res[i].Rank < res[j].Rank
		}
		return res[i].Hash.Less(res[j].Hash)
	})
	return res
}

// Missing returns the parents of buffered entries that are neither stored
// nor buffered, sorted.
func (m *Manager) Missing() []dag.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := []dag.Hash{}
	for p := range m.children {
		if _, ok := m.entries[p]; ok || m.store.Has(p) {
			continue
		}
		res = append(res, p)
	}
	dag.SortHashes(res)
	return res
}

// Used returns the bytes held by the buffer.
func (m *Manager) Used() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Stats returns the number of entries per vouch kind, plus totals.
func (m *Manager) Stats() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := map[string]int64{
		"entries": int64(len(m.entries)),
		"bytes":   m.used,
		"budget":  m.conf.Budget,
	}
	for _, e := range m.entries {
		res[e.Kind.String()]++
	}
	return res
}
