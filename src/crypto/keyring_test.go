package crypto

import (
	"bytes"
	"testing"
)

func newTestRing(t *testing.T) *KeyRing {
	secret, err := NewSecret()
	if err != nil {
		t.Fatal(err)
	}
	ring, err := NewKeyRing(secret)
	if err != nil {
		t.Fatal(err)
	}
	return ring
}

func TestSealOpen(t *testing.T) {
	ring := newTestRing(t)
	g, _ := ring.Get(0)

	ct, err := g.Seal([]byte("hello"), []byte("ad"))
	if err != nil {
		t.Fatal(err)
	}

	pt, err := g.Open(ct, []byte("ad"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, []byte("hello")) {
		t.Fatalf("expected hello, got %q", pt)
	}

	if _, err := g.Open(ct, []byte("other")); err != ErrOpen {
		t.Fatalf("expected ErrOpen with wrong ad, got %v", err)
	}
	if _, err := g.Open(ct[:10], nil); err != ErrOpen {
		t.Fatalf("expected ErrOpen on short input, got %v", err)
	}
}

func TestWrapAndInstall(t *testing.T) {
	ring := newTestRing(t)
	g0, _ := ring.Get(0)

	next, _ := NewSecret()
	wrapped, err := g0.Wrap(next)
	if err != nil {
		t.Fatal(err)
	}

	unwrapped, err := g0.Unwrap(wrapped)
	if err != nil {
		t.Fatal(err)
	}

	source := Hash256([]byte("kd"))
	if err := ring.Install(1, unwrapped, source, 3, false); err != nil {
		t.Fatal(err)
	}

	if ring.Current() != 1 {
		t.Fatalf("current should be 1, got %d", ring.Current())
	}

	g1, ok := ring.Get(1)
	if !ok || g1.Confirmed || g1.Source != source || g1.Rank != 3 {
		t.Fatalf("unexpected generation 1: %+v", g1)
	}

	if err := ring.Install(1, unwrapped, source, 3, true); err != nil {
		t.Fatal(err)
	}
	if g1, _ = ring.Get(1); !g1.Confirmed {
		t.Fatalf("generation 1 should be confirmed")
	}
}

func TestCandidatesAndMatch(t *testing.T) {
	ring := newTestRing(t)
	for n := uint64(1); n <= 3; n++ {
		s, _ := NewSecret()
		if err := ring.Install(n, s, [HashSize]byte{byte(n)}, n, true); err != nil {
			t.Fatal(err)
		}
	}

	got := []uint64{}
	for _, g := range ring.Candidates(0) {
		got = append(got, g.Number)
	}
	if len(got) != 3 || got[0] != 0 || got[1] != 3 || got[2] != 2 {
		t.Fatalf("unexpected candidates %v", got)
	}

	g2, _ := ring.Get(2)
	tag := g2.MAC([]byte("msg"))

	m, ok := ring.Match(7, []byte("msg"), tag)
	if !ok || m.Number != 2 {
		t.Fatalf("expected to match generation 2, got %v %v", m.Number, ok)
	}

	if err := ring.Revoke(2, [HashSize]byte{2}); err != nil {
		t.Fatal(err)
	}
	if _, ok := ring.Match(7, []byte("msg"), tag); ok {
		t.Fatalf("revoked generation should not match")
	}

	if err := ring.Confirm(42, [HashSize]byte{}); err != ErrUnknownGeneration {
		t.Fatalf("expected ErrUnknownGeneration, got %v", err)
	}
}

func TestConcurrentVariants(t *testing.T) {
	bootstrap, _ := NewSecret()
	a, _ := NewKeyRing(bootstrap)
	b, _ := NewKeyRing(bootstrap)

	s1, _ := NewSecret()
	s2, _ := NewSecret()
	d1 := [HashSize]byte{1}
	d2 := [HashSize]byte{2}

	// the same two distributions, received in opposite orders
	for _, step := range []struct {
		ring   *KeyRing
		secret []byte
		source [HashSize]byte
	}{
		{a, s1, d1}, {a, s2, d2},
		{b, s2, d2}, {b, s1, d1},
	} {
		if err := step.ring.Install(1, step.secret, step.source, 5, true); err != nil {
			t.Fatal(err)
		}
	}

	ga, _ := a.Get(1)
	gb, _ := b.Get(1)
	if ga.Source != d1 || gb.Source != d1 {
		t.Fatalf("both rings should prefer the lower source, got %x and %x", ga.Source[:1], gb.Source[:1])
	}
	if len(a.Variants(1)) != 2 || len(b.Variants(1)) != 2 {
		t.Fatalf("both variants should be kept")
	}

	for _, v := range b.Variants(1) {
		tag := v.MAC([]byte("msg"))
		m, ok := a.Match(1, []byte("msg"), tag)
		if !ok || m.Source != v.Source {
			t.Fatalf("a tag under variant %x should verify on the other ring", v.Source[:1])
		}
	}

	latest, ok := a.Latest()
	if !ok || latest.Number != 1 || latest.Source != d1 {
		t.Fatalf("latest should be variant 01 of generation 1, got %+v", latest)
	}
}

func TestProvisionalVariantNotConfirmedByOther(t *testing.T) {
	ring := newTestRing(t)

	forged, _ := NewSecret()
	legit, _ := NewSecret()
	bad := [HashSize]byte{9}
	good := [HashSize]byte{1}

	if err := ring.Install(1, forged, bad, 2, false); err != nil {
		t.Fatal(err)
	}
	if _, ok := ring.Latest(); !ok {
		t.Fatal("generation 0 should still seal content")
	}
	if l, _ := ring.Latest(); l.Number != 0 {
		t.Fatalf("a provisional generation should never seal content, got %d", l.Number)
	}

	if err := ring.Install(1, legit, good, 4, true); err != nil {
		t.Fatal(err)
	}

	g, _ := ring.Get(1)
	if !g.Confirmed || g.Source != good {
		t.Fatalf("the confirmed variant should be preferred, got %+v", g)
	}

	legitGen := Generation{}
	for _, v := range ring.Variants(1) {
		switch v.Source {
		case good:
			legitGen = v
		case bad:
			if v.Confirmed {
				t.Fatal("the forged variant should stay provisional")
			}
		}
	}
	tag := legitGen.MAC([]byte("msg"))
	if m, ok := ring.Match(1, []byte("msg"), tag); !ok || m.Source != good || !m.Confirmed {
		t.Fatalf("a tag under the legitimate secret should verify as confirmed")
	}

	if err := ring.Revoke(1, bad); err != nil {
		t.Fatal(err)
	}
	if g, _ := ring.Get(1); g.Revoked || g.Source != good {
		t.Fatalf("revoking the forged variant should leave the legitimate one, got %+v", g)
	}
}
