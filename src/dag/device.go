package dag

import (
	"crypto/ecdsa"
	"sync"

	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/crypto/keys"
)

// Device authors nodes for a local device key.
type Device struct {
	ID     DeviceID
	Author AuthorID

	key *ecdsa.PrivateKey

	mu  sync.Mutex
	seq uint64
}

// NewDevice ...
func NewDevice(key *ecdsa.PrivateKey, author AuthorID) *Device {
	return &Device{
		ID:     DeviceID(keys.DeviceID(&key.PublicKey)),
		Author: author,
		key:    key,
	}
}

// Key returns the signing key of the device.
func (d *Device) Key() *ecdsa.PrivateKey {
	return d.key
}

// SetSeq sets the last used sequence number, typically after a restart.
func (d *Device) SetSeq(seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq > d.seq {
		d.seq = seq
	}
}

func (d *Device) body(parents []Hash, rank uint64, timestamp int64) NodeBody {
	d.mu.Lock()
	d.seq++
	seq := d.seq
	d.mu.Unlock()

	return NodeBody{
		Parents:   append([]Hash(nil), parents...),
		Author:    d.Author,
		Device:    d.ID,
		Seq:       seq,
		Rank:      rank,
		Timestamp: timestamp,
	}
}

// Admin returns a signed administrative node.
func (d *Device) Admin(parents []Hash, rank uint64, timestamp int64, p *Payload) (*GraphNode, error) {
	n := NewNode(d.body(parents, rank, timestamp))
	if err := n.SetAdminPayload(p); err != nil {
		return nil, err
	}
	if err := n.Sign(d.key); err != nil {
		return nil, err
	}
	return n, nil
}

// Content returns a content node sealed and authenticated under g.
func (d *Device) Content(parents []Hash, rank uint64, timestamp int64, g crypto.Generation, p *Payload) (*GraphNode, error) {
	n := NewNode(d.body(parents, rank, timestamp))
	if err := n.SealContent(g, p); err != nil {
		return nil, err
	}
	if err := n.Authenticate(g); err != nil {
		return nil, err
	}
	return n, nil
}

// NextRank returns the rank of a node with the given stored parents.
func NextRank(s Store, parents []Hash) (uint64, error) {
	var rank uint64
	for i, p := range parents {
		r, err := s.Rank(p)
		if err != nil {
			return 0, err
		}
		if i == 0 || r+1 > rank {
			rank = r + 1
		}
	}
	return rank, nil
}
