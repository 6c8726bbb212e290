package trust

import (
	"testing"

	"github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/dag"
)

const (
	root  dag.DeviceID = "root"
	alice dag.DeviceID = "alice"
	bob   dag.DeviceID = "bob"
	carol dag.DeviceID = "carol"
)

type harness struct {
	t     *testing.T
	store *dag.InmemStore
	graph *dag.Graph
	ev    *Evaluator
	ts    int64
}

func newHarness(t *testing.T) (*harness, dag.Hash) {
	store := dag.NewInmemStore()
	graph := dag.NewGraph(store, 1000)
	h := &harness{
		t:     t,
		store: store,
		graph: graph,
		ev:    NewEvaluator(graph, 100, common.NewTestEntry(t, "trust")),
		ts:    1000,
	}
	genesis := h.admin(root, dag.Control{Action: dag.ActionGenesis, Title: "test"})
	return h, genesis
}

func (h *harness) admin(device dag.DeviceID, c dag.Control, parents ...dag.Hash) dag.Hash {
	var rank uint64
	for i, p := range parents {
		r, err := h.store.Rank(p)
		if err != nil {
			h.t.Fatal(err)
		}
		if i == 0 || r+1 > rank {
			rank = r + 1
		}
	}

	h.ts++
	n := dag.NewNode(dag.NodeBody{
		Parents:   parents,
		Author:    dag.AuthorID(device),
		Device:    device,
		Rank:      rank,
		Timestamp: h.ts,
	})
	if err := n.SetAdminPayload(dag.ControlPayload(c)); err != nil {
		h.t.Fatal(err)
	}
	if err := h.store.PutNode(n, dag.StatusVerified); err != nil {
		h.t.Fatal(err)
	}
	if err := h.ev.Index(n); err != nil {
		h.t.Fatal(err)
	}
	hash, _ := n.Hash()
	return hash
}

func (h *harness) authorize(issuer, subject dag.DeviceID, perms Permission, parents ...dag.Hash) dag.Hash {
	return h.admin(issuer, dag.Control{
		Action:      dag.ActionAuthorize,
		Subject:     subject,
		Permissions: uint32(perms),
	}, parents...)
}

func (h *harness) revoke(revoker, target dag.DeviceID, parents ...dag.Hash) dag.Hash {
	return h.admin(revoker, dag.Control{Action: dag.ActionRevoke, Subject: target}, parents...)
}

func (h *harness) anchor(parents ...dag.Hash) dag.Hash {
	return h.admin(root, dag.Control{Action: dag.ActionReAnchor}, parents...)
}

func (h *harness) perms(device dag.DeviceID, frontier ...dag.Hash) Permission {
	return h.ev.Evaluate(device, Position{Frontier: frontier, At: h.ts + 1}).Permissions
}

func TestRootHoldsEverything(t *testing.T) {
	h, g := newHarness(t)

	if p := h.perms(root, g); p != PermAll {
		t.Fatalf("root should hold %s, not %s", PermAll, p)
	}
	if p := h.perms(alice, g); p != PermNone {
		t.Fatalf("alice should hold nothing, not %s", p)
	}
	if h.ev.Root() == nil || h.ev.Root().Subject != root {
		t.Fatal("root certificate should be set")
	}
}

func TestDelegationIntersects(t *testing.T) {
	h, g := newHarness(t)

	a := h.authorize(root, alice, PermSend|PermAdmin, g)
	b := h.authorize(alice, bob, PermAll, a)

	if p := h.perms(bob, b); p != PermSend|PermAdmin {
		t.Fatalf("bob should hold Send|Admin, not %s", p)
	}
	// the authorization is not visible before it was made
	if p := h.perms(bob, a); p != PermNone {
		t.Fatalf("bob should hold nothing at a, not %s", p)
	}
}

func TestMultiplePathsUnion(t *testing.T) {
	h, g := newHarness(t)

	a := h.authorize(root, alice, PermAdmin|PermSend|PermReact, g)
	b1 := h.authorize(root, bob, PermSend, a)
	b2 := h.authorize(alice, bob, PermReact, b1)

	if p := h.perms(bob, b2); p != PermSend|PermReact {
		t.Fatalf("bob should hold Send|React, not %s", p)
	}
}

func TestExpiry(t *testing.T) {
	h, g := newHarness(t)

	a := h.admin(root, dag.Control{
		Action:      dag.ActionAuthorize,
		Subject:     alice,
		Permissions: uint32(PermSend),
		Expiry:      5000,
	}, g)

	res := h.ev.Evaluate(alice, Position{Frontier: []dag.Hash{a}, At: 4999})
	if !res.Allows(PermSend) || res.Expiry != 5000 {
		t.Fatalf("alice should hold Send until 5000, got %s until %d", res.Permissions, res.Expiry)
	}
	res = h.ev.Evaluate(alice, Position{Frontier: []dag.Hash{a}, At: 5000})
	if res.Permissions != PermNone {
		t.Fatalf("alice's certificate should be expired, got %s", res.Permissions)
	}
}

// A device revoked at rank 100 cannot author a node whose parent has rank
// 105 and descends from the revocation, but may still author one whose
// parent has rank 99.
func TestRevocationIsCausal(t *testing.T) {
	h, g := newHarness(t)

	prev := h.authorize(root, alice, PermSend, g)
	var at99, at105 dag.Hash
	for rank := 2; rank <= 105; rank++ {
		if rank == 100 {
			prev = h.revoke(root, alice, prev)
		} else {
			prev = h.anchor(prev)
		}
		switch rank {
		case 99:
			at99 = prev
		case 105:
			at105 = prev
		}
	}

	if r, _ := h.store.Rank(at105); r != 105 {
		t.Fatalf("expected rank 105, got %d", r)
	}

	if p := h.perms(alice, at105); p != PermNone {
		t.Fatalf("alice should be revoked at rank 105, got %s", p)
	}
	if p := h.perms(alice, at99); p != PermSend {
		t.Fatalf("alice should hold Send at rank 99, got %s", p)
	}
}

func TestConcurrentRevocationDoesNotApply(t *testing.T) {
	h, g := newHarness(t)

	a := h.authorize(root, alice, PermSend, g)
	r := h.revoke(root, alice, a)
	branch := h.anchor(a)

	if p := h.perms(alice, branch); p != PermSend {
		t.Fatalf("alice should hold Send on a branch concurrent with the revocation, got %s", p)
	}
	merge := h.anchor(r, branch)
	if p := h.perms(alice, merge); p != PermNone {
		t.Fatalf("alice should be revoked once the branches merge, got %s", p)
	}
}

func TestTransitiveRevocation(t *testing.T) {
	h, g := newHarness(t)

	a := h.authorize(root, alice, PermAdmin|PermSend, g)
	b := h.authorize(alice, bob, PermSend, a)
	if p := h.perms(bob, b); p != PermSend {
		t.Fatalf("bob should hold Send, got %s", p)
	}

	r := h.revoke(root, alice, b)
	if p := h.perms(bob, r); p != PermNone {
		t.Fatalf("bob should lose Send when his issuer is revoked, got %s", p)
	}
	if p := h.perms(bob, b); p != PermSend {
		t.Fatalf("bob should still hold Send before the revocation, got %s", p)
	}
}

func TestHealing(t *testing.T) {
	h, g := newHarness(t)

	a := h.authorize(root, alice, PermSend, g)
	r := h.revoke(root, alice, a)
	if p := h.perms(alice, r); p != PermNone {
		t.Fatalf("alice should be revoked, got %s", p)
	}

	healed := h.authorize(root, alice, PermSend|PermReact, r)
	if p := h.perms(alice, healed); p != PermSend|PermReact {
		t.Fatalf("alice should be healed with Send|React, got %s", p)
	}
}

func TestSeniorityTieBreak(t *testing.T) {
	h, g := newHarness(t)

	// alice is authorized at rank 1, bob at rank 2
	a := h.authorize(root, alice, PermAdmin|PermSend, g)
	b := h.authorize(root, bob, PermAdmin|PermSend, a)

	ra := h.revoke(alice, bob, b)
	rb := h.revoke(bob, alice, b)
	merge := h.anchor(ra, rb)

	if p := h.perms(alice, merge); p != PermAdmin|PermSend {
		t.Fatalf("alice is senior and should keep her permissions, got %s", p)
	}
	if p := h.perms(bob, merge); p != PermNone {
		t.Fatalf("bob should be revoked, got %s", p)
	}

	// on their own branches each revocation applies
	if p := h.perms(alice, rb); p != PermNone {
		t.Fatalf("alice should be revoked on bob's branch, got %s", p)
	}
}

func TestSeniorityTieBreakEqualRank(t *testing.T) {
	h, g := newHarness(t)

	a := h.authorize(root, alice, PermAdmin, g)
	b := h.authorize(root, bob, PermAdmin, g)
	base := h.anchor(a, b)

	ra := h.revoke(alice, bob, base)
	rb := h.revoke(bob, alice, base)
	merge := h.anchor(ra, rb)

	winner, loser := alice, bob
	if b.Less(a) {
		winner, loser = bob, alice
	}

	if p := h.perms(winner, merge); p != PermAdmin {
		t.Fatalf("%s holds the lower authorization hash and should win, got %s", winner, p)
	}
	if p := h.perms(loser, merge); p != PermNone {
		t.Fatalf("%s should be revoked, got %s", loser, p)
	}
}

func TestRootCannotBeRevoked(t *testing.T) {
	h, g := newHarness(t)

	a := h.authorize(root, alice, PermAdmin, g)
	r := h.revoke(alice, root, a)

	if p := h.perms(root, r); p != PermAll {
		t.Fatalf("root should keep every permission, got %s", p)
	}
}

func TestMemoInvalidation(t *testing.T) {
	h, g := newHarness(t)

	a := h.authorize(root, alice, PermSend, g)
	pos := Position{Frontier: []dag.Hash{a}, At: 10000}

	if p := h.ev.Evaluate(alice, pos).Permissions; p != PermSend {
		t.Fatalf("alice should hold Send, got %s", p)
	}
	if len(h.ev.onPath[alice]) != 1 {
		t.Fatalf("the result should be memoized under alice")
	}

	h.revoke(root, alice, a)
	if len(h.ev.onPath[alice]) != 0 {
		t.Fatalf("the revocation should drop memoized results crossing alice")
	}
	// the position does not include the revocation
	if p := h.ev.Evaluate(alice, pos).Permissions; p != PermSend {
		t.Fatalf("alice should still hold Send at a, got %s", p)
	}
}

func TestIndexIdempotent(t *testing.T) {
	h, g := newHarness(t)
	h.authorize(root, alice, PermSend, g)

	genesis, err := h.store.GetNode(g)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.ev.Index(genesis); err != nil {
		t.Fatalf("indexing the genesis again should be a no-op, got %v", err)
	}
	if n := len(h.ev.Certificates(root)); n != 1 {
		t.Fatalf("root should hold 1 certificate, not %d", n)
	}
}

func TestRecommendations(t *testing.T) {
	h, g := newHarness(t)

	a := h.authorize(root, alice, PermRecommend, g)
	r1 := h.admin(alice, dag.Control{Action: dag.ActionRecommendDifficulty, Difficulty: 12}, a)
	h.admin(alice, dag.Control{Action: dag.ActionRecommendDifficulty, Difficulty: 14}, r1)

	recs := h.ev.Recommendations()
	if len(recs) != 1 || recs[0].Difficulty != 14 {
		t.Fatalf("the latest recommendation should win, got %+v", recs)
	}
}

func TestRequired(t *testing.T) {
	cases := []struct {
		payload *dag.Payload
		want    Permission
	}{
		{dag.TextPayload("hi"), PermSend},
		{&dag.Payload{Type: dag.PayloadReaction, Reaction: &dag.Reaction{Emoji: "+1"}}, PermReact},
		{&dag.Payload{Type: dag.PayloadRedaction, Redaction: &dag.Redaction{}}, PermRedact},
		{&dag.Payload{Type: dag.PayloadKeyDistribution, KeyDistribution: &dag.KeyDistribution{Generation: 1}}, PermDistributeKeys},
		{dag.ControlPayload(dag.Control{Action: dag.ActionRevoke}), PermAdmin},
		{dag.ControlPayload(dag.Control{Action: dag.ActionRecommendDifficulty}), PermRecommend},
		{dag.ControlPayload(dag.Control{Action: dag.ActionGenesis}), PermNone},
	}
	for _, c := range cases {
		if got := Required(c.payload); got != c.want {
			t.Errorf("Required(%s) should be %s, not %s", c.payload.Type, c.want, got)
		}
	}
}
