package vouch

import (
	"fmt"
	"testing"

	"github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/crypto/keys"
	"github.com/mosaicnetworks/murmur/src/dag"
	"github.com/mosaicnetworks/murmur/src/registry"
)

type authSet map[dag.DeviceID]bool

func (a authSet) Authorized(device dag.DeviceID) bool {
	return a[device]
}

var testConf = Config{
	Budget:             1 << 20,
	PerVoucherCap:      100,
	HotWindow:          10,
	StructuralHopCap:   8,
	ReanchorInterval:   8,
	SegmentSize:        1,
	MaxVouchersPerHash: 4,
}

type harness struct {
	t       *testing.T
	store   *dag.InmemStore
	objects *dag.InmemObjectStore
	reg     registry.Store
	auth    authSet
	m       *Manager
	conf    Config
}

func newHarness(t *testing.T, conf Config) *harness {
	h := &harness{
		t:       t,
		store:   dag.NewInmemStore(),
		objects: dag.NewInmemObjectStore(),
		reg:     registry.NewInmemStore(),
		auth:    authSet{"alice": true, "bob": true},
		conf:    conf,
	}
	h.m = h.open()
	return h
}

func (h *harness) open() *Manager {
	return NewManager(
		h.conf,
		h.store,
		h.objects,
		NewRegistry(h.reg, h.conf.MaxVouchersPerHash, 1000),
		h.auth,
		common.NewTestEntry(h.t, "vouch"),
	)
}

// raise stores a verified node at rank so the hot window moves up.
func (h *harness) raise(rank uint64) {
	n := dag.NewNode(dag.NodeBody{Author: "root", Device: "root", Rank: rank, Payload: []byte("top")})
	if err := h.store.PutNode(n, dag.StatusVerified); err != nil {
		h.t.Fatal(err)
	}
}

func opaque(name string, rank uint64, parents ...dag.Hash) *dag.GraphNode {
	return dag.NewNode(dag.NodeBody{
		Parents:       parents,
		Author:        "alice",
		Device:        "dev-alice",
		Rank:          rank,
		Timestamp:     1,
		Kind:          dag.KindContent,
		KeyGeneration: 7,
		Payload:       []byte(fmt.Sprintf("%-16s", name)),
	})
}

// adminNode returns an admin node signed by a fresh device holding an
// authorization.
func (h *harness) adminNode(rank uint64, parents ...dag.Hash) *dag.GraphNode {
	d := h.device()
	h.auth[d.ID] = true
	return h.signed(d, dag.Control{Action: dag.ActionReAnchor}, rank, parents...)
}

func (h *harness) device() *dag.Device {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		h.t.Fatal(err)
	}
	return dag.NewDevice(key, "root")
}

func (h *harness) signed(d *dag.Device, c dag.Control, rank uint64, parents ...dag.Hash) *dag.GraphNode {
	n, err := d.Admin(parents, rank, 1, dag.ControlPayload(c))
	if err != nil {
		h.t.Fatal(err)
	}
	return n
}

func hashOf(t *testing.T, n *dag.GraphNode) dag.Hash {
	hash, err := n.Hash()
	if err != nil {
		t.Fatal(err)
	}
	return hash
}

func sizeOf(t *testing.T, n *dag.GraphNode) int64 {
	raw, err := n.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return int64(len(raw))
}

func (h *harness) admit(n *dag.GraphNode) Admission {
	a, err := h.m.Admit(n)
	if err != nil {
		h.t.Fatalf("Admit: %v", err)
	}
	if used := h.m.Used(); used > h.conf.Budget {
		h.t.Fatalf("used %d bytes over a budget of %d", used, h.conf.Budget)
	}
	return a
}

func (h *harness) vouch(n *dag.GraphNode, device dag.DeviceID) {
	ok, err := h.m.Advertise(hashOf(h.t, n), device)
	if err != nil || !ok {
		h.t.Fatalf("Advertise by %s = %v, %v", device, ok, err)
	}
}

//==============================================================================

func TestAdmitKinds(t *testing.T) {
	h := newHarness(t, testConf)

	head := opaque("head", 3)
	if a := h.admit(head); a.Admitted || a.Refusal == "" {
		t.Fatalf("unvouched node should be refused, got %+v", a)
	}

	if ok, _ := h.m.Advertise(hashOf(t, head), "mallory"); ok {
		t.Fatalf("unauthorized device should not vouch")
	}

	h.vouch(head, "alice")
	if a := h.admit(head); !a.Admitted || a.Kind != Explicit {
		t.Fatalf("advertised node should be explicitly vouched, got %+v", a)
	}

	parent := opaque("parent", 2)
	head2 := opaque("head2", 3, hashOf(t, parent))
	h.vouch(head2, "bob")
	h.admit(head2)
	if a := h.admit(parent); !a.Admitted || a.Kind != Structural {
		t.Fatalf("parent of a vouched node should be structurally vouched, got %+v", a)
	}
	e, _ := h.m.Get(hashOf(t, parent))
	if e.Hops != 1 || e.SinceAnchor != 1 {
		t.Fatalf("parent should be 1 hop away, got hops=%d since=%d", e.Hops, e.SinceAnchor)
	}

	admin := h.adminNode(4)
	if a := h.admit(admin); !a.Admitted || a.Kind != Implicit {
		t.Fatalf("signed admin node should be implicitly vouched, got %+v", a)
	}

	missing := h.m.Missing()
	if len(missing) != 0 {
		t.Fatalf("no parent should be missing, got %v", missing)
	}
}

func TestStructuralHopCap(t *testing.T) {
	conf := testConf
	conf.StructuralHopCap = 2
	h := newHarness(t, conf)

	p3 := opaque("p3", 1)
	p2 := opaque("p2", 2, hashOf(t, p3))
	p1 := opaque("p1", 3, hashOf(t, p2))
	head := opaque("head", 4, hashOf(t, p1))
	h.vouch(head, "alice")

	for _, n := range []*dag.GraphNode{head, p1, p2} {
		if a := h.admit(n); !a.Admitted {
			t.Fatalf("node within the hop cap should be admitted: %+v", a)
		}
	}
	if a := h.admit(p3); a.Admitted {
		t.Fatalf("node past the hop cap should be refused")
	}
}

func TestReanchorInterval(t *testing.T) {
	conf := testConf
	conf.ReanchorInterval = 2
	h := newHarness(t, conf)

	p3 := opaque("p3", 1)
	p2 := opaque("p2", 2, hashOf(t, p3))
	p1 := opaque("p1", 3, hashOf(t, p2))
	head := opaque("head", 4, hashOf(t, p1))
	h.vouch(head, "alice")

	h.admit(head)
	h.admit(p1)
	h.admit(p2)
	if a := h.admit(p3); a.Admitted {
		t.Fatalf("structural vouching should stop without a re-anchor")
	}

	// an admin node resets the interval
	q3 := opaque("q3", 1)
	anchor := h.adminNode(2, hashOf(t, q3))
	q1 := opaque("q1", 3, hashOf(t, anchor))
	top := opaque("top", 4, hashOf(t, q1))
	h.vouch(top, "bob")

	for _, n := range []*dag.GraphNode{top, q1, anchor, q3} {
		if a := h.admit(n); !a.Admitted {
			t.Fatalf("re-anchored chain should be admitted: %+v", a)
		}
	}
	e, _ := h.m.Get(hashOf(t, q3))
	if e.Kind != Structural || e.SinceAnchor != 1 || e.Hops != 1 {
		t.Fatalf("q3 should be 1 hop past the anchor, got %+v", e)
	}
}

func TestPerVoucherCap(t *testing.T) {
	conf := testConf
	conf.PerVoucherCap = 2
	h := newHarness(t, conf)

	nodes := []*dag.GraphNode{opaque("a", 1), opaque("b", 1), opaque("c", 1)}
	for _, n := range nodes {
		h.vouch(n, "alice")
	}
	h.admit(nodes[0])
	h.admit(nodes[1])
	if a := h.admit(nodes[2]); a.Admitted {
		t.Fatalf("alice should be over her outstanding cap")
	}

	h.vouch(nodes[2], "bob")
	if a := h.admit(nodes[2]); !a.Admitted {
		t.Fatalf("a second voucher should allow admission")
	}
	e, _ := h.m.Get(hashOf(t, nodes[2]))
	if e.Voucher != "bob" {
		t.Fatalf("bob should be charged, not %s", e.Voucher)
	}
}

func TestBudgetEvictsOldestFirst(t *testing.T) {
	nodes := []*dag.GraphNode{}
	for i := 0; i < 5; i++ {
		nodes = append(nodes, opaque(fmt.Sprintf("n%d", i), uint64(i+1)))
	}

	conf := testConf
	conf.Budget = 3 * sizeOf(t, nodes[0])
	h := newHarness(t, conf)
	h.raise(100)

	for i, n := range nodes {
		h.vouch(n, "alice")
		a := h.admit(n)
		if !a.Admitted {
			t.Fatalf("node %d should be admitted: %+v", i, a)
		}
		if i >= 3 {
			if len(a.Evicted) != 1 || a.Evicted[0] != hashOf(t, nodes[i-3]) {
				t.Fatalf("admitting node %d should evict node %d, got %v", i, i-3, a.Evicted)
			}
		}
	}
	if h.m.Used() != conf.Budget {
		t.Fatalf("buffer should be full, used %d", h.m.Used())
	}
	if h.m.Has(hashOf(t, nodes[0])) {
		t.Fatalf("oldest node should be gone")
	}
	if _, _, err := h.objects.Get(hashOf(t, nodes[0])); !common.IsStore(err, common.KeyNotFound) {
		t.Fatalf("evicted object should be deleted, got %v", err)
	}
}

func TestAdminNeverEvicted(t *testing.T) {
	h := newHarness(t, testConf)
	admin := h.adminNode(1)
	content := []*dag.GraphNode{opaque("c1", 2), opaque("c2", 3), opaque("c3", 4)}

	conf := testConf
	conf.Budget = sizeOf(t, admin) + sizeOf(t, content[0]) + 1
	h.conf = conf
	h.m = h.open()
	h.raise(100)

	h.admit(admin)
	for i, n := range content {
		h.vouch(n, "alice")
		a := h.admit(n)
		if !a.Admitted {
			t.Fatalf("content %d should be admitted: %+v", i, a)
		}
		if !h.m.Has(hashOf(t, admin)) {
			t.Fatalf("admin node evicted while admitting content %d", i)
		}
	}

	e, _ := h.m.Get(hashOf(t, admin))
	if e.Segment == 0 {
		t.Fatalf("admin node should have been carried into a newer segment")
	}

	// nothing left to evict but the admin node
	big := opaque("big-enough-to-need-everything", 5)
	conf.Budget = sizeOf(t, admin) + sizeOf(t, big) - 1
	h.conf = conf
	h.m = h.open()
	if err := h.m.Load(); err != nil {
		t.Fatal(err)
	}
	h.vouch(big, "bob")
	if a := h.admit(big); a.Admitted {
		t.Fatalf("admission should be refused when only the admin node remains")
	}
	if !h.m.Has(hashOf(t, admin)) {
		t.Fatalf("admin node lost after refusal")
	}
}

func TestHotWindowAndLocks(t *testing.T) {
	hot := opaque("hot", 95)
	cold := []*dag.GraphNode{opaque("c1", 5), opaque("c2", 6), opaque("c3", 7)}

	conf := testConf
	conf.Budget = sizeOf(t, hot) + 2*sizeOf(t, cold[0])
	h := newHarness(t, conf)
	h.raise(100)

	for _, n := range []*dag.GraphNode{hot, cold[0], cold[1]} {
		h.vouch(n, "alice")
		h.admit(n)
	}

	if err := h.m.Lock(hashOf(t, cold[0])); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Lock(hashOf(t, cold[0])); err != ErrLocked {
		t.Fatalf("double lock should fail with ErrLocked, got %v", err)
	}
	if _, st, _ := h.objects.Get(hashOf(t, cold[0])); st != dag.ObjectPending {
		t.Fatalf("locked entry should be persisted as pending, got %v", st)
	}

	h.vouch(cold[2], "alice")
	a := h.admit(cold[2])
	if !a.Admitted || len(a.Evicted) != 1 || a.Evicted[0] != hashOf(t, cold[1]) {
		t.Fatalf("only the unlocked cold entry may be evicted, got %+v", a)
	}

	if _, err := h.m.Redact(hashOf(t, cold[0])); err != ErrLocked {
		t.Fatalf("redacting a locked entry should fail, got %v", err)
	}

	// everything left is hot or locked
	if err := h.m.Lock(hashOf(t, cold[2])); err != nil {
		t.Fatal(err)
	}
	extra := opaque("c4", 8)
	h.vouch(extra, "alice")
	if a := h.admit(extra); a.Admitted {
		t.Fatalf("admission should be refused, got %+v", a)
	}

	if err := h.m.Unlock(hashOf(t, cold[0])); err != nil {
		t.Fatal(err)
	}
	if a := h.admit(extra); !a.Admitted || len(a.Evicted) != 1 || a.Evicted[0] != hashOf(t, cold[0]) {
		t.Fatalf("unlocked entry should be evicted, got %+v", a)
	}
	if !h.m.Has(hashOf(t, hot)) {
		t.Fatalf("hot entry should never be evicted")
	}
}

func TestRevokeMakesEntriesEvictable(t *testing.T) {
	nodes := []*dag.GraphNode{opaque("b1", 1), opaque("a1", 2), opaque("b2", 3)}

	conf := testConf
	conf.Budget = 2 * sizeOf(t, nodes[0])
	h := newHarness(t, conf)
	h.raise(100)

	h.vouch(nodes[0], "bob")
	h.vouch(nodes[1], "alice")
	h.admit(nodes[0])
	h.admit(nodes[1])

	delete(h.auth, "alice")
	if err := h.m.Revoke("alice"); err != nil {
		t.Fatal(err)
	}
	e, _ := h.m.Get(hashOf(t, nodes[1]))
	if e.Kind != Unvouched {
		t.Fatalf("revoked device's entry should be unvouched, got %v", e.Kind)
	}
	if got := h.m.Registry().Vouchers(hashOf(t, nodes[1])); len(got) != 0 {
		t.Fatalf("vouches of revoked device should be purged, got %v", got)
	}

	h.vouch(nodes[2], "bob")
	a := h.admit(nodes[2])
	if !a.Admitted || len(a.Evicted) != 1 || a.Evicted[0] != hashOf(t, nodes[1]) {
		t.Fatalf("unvouched entry should be evicted before older vouched ones, got %+v", a)
	}
}

func TestRemoveAndRedact(t *testing.T) {
	h := newHarness(t, testConf)

	parent := opaque("parent", 1)
	head := opaque("head", 2, hashOf(t, parent))
	h.vouch(head, "alice")
	h.admit(head)
	h.admit(parent)

	used := h.m.Used()
	ok, err := h.m.Redact(hashOf(t, head))
	if err != nil || !ok {
		t.Fatalf("Redact = %v, %v", ok, err)
	}
	if h.m.Used() != used-sizeOf(t, head) {
		t.Fatalf("redaction should release the bytes of the entry")
	}
	if _, err := h.m.Node(hashOf(t, head)); err != ErrUnknownEntry {
		t.Fatalf("redacted data should be gone, got %v", err)
	}
	if e, _ := h.m.Get(hashOf(t, parent)); e.Kind != Structural {
		t.Fatalf("redacted entry should still vouch for its parent, got %v", e.Kind)
	}

	if err := h.m.Remove(hashOf(t, head)); err != nil {
		t.Fatal(err)
	}
	if e, _ := h.m.Get(hashOf(t, parent)); e.Kind != Unvouched {
		t.Fatalf("parent should lose its structural vouch, got %v", e.Kind)
	}
}

func TestLoadRecoversBuffer(t *testing.T) {
	h := newHarness(t, testConf)

	parent := opaque("parent", 1)
	head := opaque("head", 2, hashOf(t, parent))
	h.vouch(head, "alice")
	h.admit(head)
	h.admit(parent)
	if err := h.m.Lock(hashOf(t, parent)); err != nil {
		t.Fatal(err)
	}
	used := h.m.Used()

	// crash with parent locked
	h.m = h.open()
	if err := h.m.Load(); err != nil {
		t.Fatal(err)
	}

	if h.m.Used() != used {
		t.Fatalf("reloaded buffer should hold %d bytes, not %d", used, h.m.Used())
	}
	e, ok := h.m.Get(hashOf(t, parent))
	if !ok || e.Locked || e.Kind != Structural {
		t.Fatalf("parent should be reloaded unlocked and structurally vouched, got %+v", e)
	}
	if got := h.m.Recovered(); len(got) != 1 || got[0] != hashOf(t, parent) {
		t.Fatalf("parent should be reported as recovered, got %v", got)
	}
	if _, st, _ := h.objects.Get(hashOf(t, parent)); st != dag.ObjectOpaque {
		t.Fatalf("pending object should be reset to opaque, got %v", st)
	}
	if e, _ := h.m.Get(hashOf(t, head)); e.Kind != Explicit || e.Voucher != "alice" {
		t.Fatalf("head should be explicitly vouched by alice, got %+v", e)
	}

	n, err := h.m.Node(hashOf(t, head))
	if err != nil {
		t.Fatal(err)
	}
	if hashOf(t, n) != hashOf(t, head) {
		t.Fatalf("reloaded node should hash identically")
	}
}

func TestUnanchoredAdminCharged(t *testing.T) {
	conf := testConf
	conf.PerVoucherCap = 3
	h := newHarness(t, conf)
	h.raise(100)

	// admin nodes from one device nobody authorized
	mallory := h.device()
	junk := []*dag.GraphNode{}
	for i := 0; i < 5; i++ {
		junk = append(junk, h.signed(mallory, dag.Control{Action: dag.ActionReAnchor}, uint64(i+1)))
	}
	for i, n := range junk {
		a := h.admit(n)
		if i < conf.PerVoucherCap {
			if !a.Admitted || a.Kind != Implicit {
				t.Fatalf("junk %d should be admitted under the signer's cap, got %+v", i, a)
			}
			e, _ := h.m.Get(hashOf(t, n))
			if e.Anchored || e.Voucher != mallory.ID {
				t.Fatalf("junk %d should be charged to its signer, got %+v", i, e)
			}
		} else if a.Admitted {
			t.Fatalf("junk %d should be over the signer's cap", i)
		}
	}

	// a budget full of junk still yields to vouched content
	content := opaque("vouched", 2)
	budget := int64(0)
	for _, n := range junk[:conf.PerVoucherCap] {
		budget += sizeOf(t, n)
	}
	conf.Budget = budget
	h.conf = conf
	h.m = h.open()
	if err := h.m.Load(); err != nil {
		t.Fatal(err)
	}
	h.vouch(content, "alice")
	a := h.admit(content)
	if !a.Admitted || len(a.Evicted) == 0 {
		t.Fatalf("vouched content should evict junk admin nodes, got %+v", a)
	}
	if a.Evicted[0] != hashOf(t, junk[0]) {
		t.Fatalf("the oldest junk node should go first, got %v", a.Evicted)
	}
}

func TestAuthorizationChainAnchors(t *testing.T) {
	h := newHarness(t, testConf)

	root := h.device()
	h.auth[root.ID] = true
	carol := h.device()
	dave := h.device()

	grant := h.signed(root, dag.Control{Action: dag.ActionAuthorize, Subject: carol.ID, SubjectAuthor: "carol"}, 1)
	byCarol := h.signed(carol, dag.Control{Action: dag.ActionReAnchor}, 2, hashOf(t, grant))
	byDave := h.signed(dave, dag.Control{Action: dag.ActionReAnchor}, 2)

	h.admit(byCarol)
	if e, _ := h.m.Get(hashOf(t, byCarol)); e.Anchored {
		t.Fatalf("carol is not authorized before the grant is buffered")
	}

	h.admit(grant)
	if e, _ := h.m.Get(hashOf(t, grant)); !e.Anchored || e.Grants != carol.ID {
		t.Fatalf("the grant should be anchored by root, got %+v", e)
	}
	if e, _ := h.m.Get(hashOf(t, byCarol)); !e.Anchored || e.Voucher != "" {
		t.Fatalf("carol's node should be anchored by the buffered grant, got %+v", e)
	}

	h.admit(byDave)
	if e, _ := h.m.Get(hashOf(t, byDave)); e.Anchored || e.Voucher != dave.ID {
		t.Fatalf("dave holds no grant, got %+v", e)
	}
}
