package node

import (
	"math/rand"

	"github.com/mosaicnetworks/murmur/src/peers"
)

// MaxPeerBackoff bounds the number of selections an unreachable peer sits
// out.
const MaxPeerBackoff = 64

// PeerSelector chooses the peer of the next gossip round.
type PeerSelector interface {
	Peers() *peers.PeerSet
	UpdateLast(addr string, ok bool)
	Next() *peers.Peer
}

// RandomPeerSelector picks a random peer other than ourselves and, when it
// can, other than the last one. A peer whose round failed sits out a number
// of selections that doubles with each consecutive failure.
type RandomPeerSelector struct {
	peers           *peers.PeerSet
	self            string
	selectablePeers []*peers.Peer
	last            string

	failures map[string]uint
	backoff  map[string]int
}

// NewRandomPeerSelector ...
func NewRandomPeerSelector(peerSet *peers.PeerSet, self string) *RandomPeerSelector {
	_, selectablePeers := peers.ExcludePeer(peerSet.Peers, self)
	return &RandomPeerSelector{
		peers:           peerSet,
		self:            self,
		selectablePeers: selectablePeers,
		failures:        make(map[string]uint),
		backoff:         make(map[string]int),
	}
}

// Peers returns the full peer set, ourselves included.
func (ps *RandomPeerSelector) Peers() *peers.PeerSet {
	return ps.peers
}

// UpdateLast records the outcome of a round with addr.
func (ps *RandomPeerSelector) UpdateLast(addr string, ok bool) {
	ps.last = addr

	if ok {
		delete(ps.failures, addr)
		delete(ps.backoff, addr)
		return
	}

	ps.failures[addr]++
	wait := MaxPeerBackoff
	if f := ps.failures[addr]; f < 7 {
		wait = 1 << f
	}
	ps.backoff[addr] = wait
}

// Next returns the next peer, or nil when there is none. Peers backing off
// are only returned when nobody else is available.
func (ps *RandomPeerSelector) Next() *peers.Peer {
	if len(ps.selectablePeers) == 0 {
		return nil
	}

	ready := []*peers.Peer{}
	for _, p := range ps.selectablePeers {
		if ps.backoff[p.NetAddr] > 0 {
			ps.backoff[p.NetAddr]--
			continue
		}
		ready = append(ready, p)
	}
	if len(ready) == 0 {
		ready = ps.selectablePeers
	}

	if len(ready) > 1 {
		_, ready = peers.ExcludePeer(ready, ps.last)
	}

	return ready[rand.Intn(len(ready))]
}
