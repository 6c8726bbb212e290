package state

import (
	"sync/atomic"
	"testing"
)

func TestGoFuncLimit(t *testing.T) {
	var m Manager

	release := make(chan struct{})
	var ran int32

	for i := 0; i < WGLIMIT; i++ {
		if !m.GoFunc(func() {
			<-release
			atomic.AddInt32(&ran, 1)
		}) {
			t.Fatalf("GoFunc %d should launch", i)
		}
	}

	if m.GoFunc(func() {}) {
		t.Fatalf("GoFunc should refuse beyond WGLIMIT")
	}
	if m.Running() != WGLIMIT {
		t.Fatalf("Running should be %d, not %d", WGLIMIT, m.Running())
	}

	close(release)
	m.WaitRoutines()

	if ran != WGLIMIT {
		t.Fatalf("%d routines should have run, not %d", WGLIMIT, ran)
	}
	if m.Running() != 0 {
		t.Fatalf("Running should be 0, not %d", m.Running())
	}
	if !m.GoFunc(func() {}) {
		t.Fatalf("GoFunc should launch again")
	}
	m.WaitRoutines()
}

func TestStateString(t *testing.T) {
	var m Manager
	if m.GetState() != Gossiping {
		t.Fatalf("zero state should be Gossiping")
	}
	m.SetState(Suspended)
	if s := m.GetState().String(); s != "Suspended" {
		t.Fatalf("state should be Suspended, not %s", s)
	}
}
