package peers

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestJSONPeerSet(t *testing.T) {
	dir := t.TempDir()

	store := NewJSONPeerSet(dir)

	// Try a read, should get nothing
	peerSet, err := store.PeerSet()
	if err == nil {
		t.Fatalf("store.PeerSet() should generate an error")
	}
	if peerSet != nil {
		t.Fatalf("peerSet: %v", peerSet)
	}

	peers := []*Peer{}
	for i := 0; i < 3; i++ {
		peers = append(peers, NewPeer(fmt.Sprintf("addr%d", i), fmt.Sprintf("peer%d", i)))
	}

	newPeerSet := NewPeerSet(peers)
	newPeerSlice := newPeerSet.Peers

	if err := store.Write(newPeerSlice); err != nil {
		t.Fatalf("err: %v", err)
	}

	// Try a read, should find 3 peers
	peerSet, err = store.PeerSet()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if peerSet.Len() != 3 {
		t.Fatalf("peers: %v", peerSet.Peers)
	}

	for i, p := range peerSet.Peers {
		if *p != *newPeerSlice[i] {
			t.Fatalf("peers[%d] should be %v, not %v", i, newPeerSlice[i], p)
		}
	}
}

func TestJSONPeerSetCleansAddresses(t *testing.T) {
	dir := t.TempDir()
	raw := `[{"NetAddr":" 10.0.0.1:1337 "},{"NetAddr":"10.0.0.1:1337","Moniker":"dup"}]`
	if err := os.WriteFile(filepath.Join(dir, jsonPeerSetPath), []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	peerSet, err := NewJSONPeerSet(dir).PeerSet()
	if err != nil {
		t.Fatal(err)
	}
	if peerSet.Len() != 1 || peerSet.Peers[0].NetAddr != "10.0.0.1:1337" {
		t.Fatalf("expected one cleansed peer, got %v", peerSet.Addrs())
	}
}

func TestPeerSetCopyOnWrite(t *testing.T) {
	a := NewPeerSet([]*Peer{NewPeer("a", ""), NewPeer("b", "")})
	b := a.WithNewPeer(NewPeer("c", ""))
	c := b.WithRemovedPeer("a")

	if a.Len() != 2 || b.Len() != 3 || c.Len() != 2 {
		t.Fatalf("lengths should be 2, 3, 2, not %d, %d, %d", a.Len(), b.Len(), c.Len())
	}
	if _, ok := c.ByAddr["a"]; ok {
		t.Fatalf("a should have been removed")
	}
	if b.WithNewPeer(NewPeer("c", "again")) != b {
		t.Fatalf("adding a known address should return the same set")
	}
}
