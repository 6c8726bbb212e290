package peers

// PeerSet is an immutable set of Peers keyed by network address. Changes
// return a new PeerSet so that readers never need a lock.
type PeerSet struct {
	Peers  []*Peer          `json:"peers"`
	ByAddr map[string]*Peer `json:"-"`
}

// NewPeerSet creates a new PeerSet from a list of Peers. Later duplicates of
// an address are dropped.
func NewPeerSet(peers []*Peer) *PeerSet {
	peerSet := &PeerSet{
		ByAddr: make(map[string]*Peer),
	}

	for _, peer := range peers {
		if _, ok := peerSet.ByAddr[peer.NetAddr]; ok {
			continue
		}
		peerSet.ByAddr[peer.NetAddr] = peer
		peerSet.Peers = append(peerSet.Peers, peer)
	}

	return peerSet
}

// WithNewPeer returns a new PeerSet with a list of peers including the new one.
func (peerSet *PeerSet) WithNewPeer(peer *Peer) *PeerSet {
	if _, ok := peerSet.ByAddr[peer.NetAddr]; ok {
		return peerSet
	}
	peers := make([]*Peer, 0, len(peerSet.Peers)+1)
	peers = append(peers, peerSet.Peers...)
	return NewPeerSet(append(peers, peer))
}

// WithRemovedPeer returns a new PeerSet with a list of peers excluding the
// provided address.
func (peerSet *PeerSet) WithRemovedPeer(addr string) *PeerSet {
	_, peers := ExcludePeer(peerSet.Peers, addr)
	return NewPeerSet(peers)
}

// Addrs returns the network addresses in insertion order.
func (peerSet *PeerSet) Addrs() []string {
	res := make([]string, 0, len(peerSet.Peers))
	for _, peer := range peerSet.Peers {
		res = append(res, peer.NetAddr)
	}
	return res
}

// Len returns the number of peers.
func (peerSet *PeerSet) Len() int {
	return len(peerSet.Peers)
}
