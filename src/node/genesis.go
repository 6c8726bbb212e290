package node

import (
	"context"

	"github.com/mosaicnetworks/murmur/src/clock"
	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/dag"
	"github.com/mosaicnetworks/murmur/src/trust"
	"github.com/sirupsen/logrus"
)

// NewConversationGenesis returns the signed genesis node of a new
// conversation. Its author becomes the root identity.
func NewConversationGenesis(device *dag.Device, title string, timestamp int64) (*dag.GraphNode, error) {
	return device.Admin(nil, 0, timestamp, dag.ControlPayload(dag.Control{
		Action: dag.ActionGenesis,
		Title:  title,
	}))
}

// AuthorizePayload delegates perms to a device acting for author. An expiry of
// zero never expires.
func AuthorizePayload(device dag.DeviceID, author dag.AuthorID, perms trust.Permission, expiry int64) *dag.Payload {
	return dag.ControlPayload(dag.Control{
		Action:        dag.ActionAuthorize,
		Subject:       device,
		SubjectAuthor: author,
		Permissions:   uint32(perms),
		Expiry:        expiry,
	})
}

// RevokePayload revokes every delegation held by device.
func RevokePayload(device dag.DeviceID) *dag.Payload {
	return dag.ControlPayload(dag.Control{Action: dag.ActionRevoke, Subject: device})
}

// ReAnchorPayload ...
func ReAnchorPayload() *dag.Payload {
	return dag.ControlPayload(dag.Control{Action: dag.ActionReAnchor})
}

// DifficultyPayload recommends a proof-of-work difficulty, in leading zero
// bits.
func DifficultyPayload(difficulty uint8) *dag.Payload {
	return dag.ControlPayload(dag.Control{Action: dag.ActionRecommendDifficulty, Difficulty: difficulty})
}

// StartConversation creates a conversation rooted at device, whose author
// becomes the root identity. bootstrap is the generation 0 secret, shared
// with members out of band.
func StartConversation(
	ctx context.Context,
	conf *Config,
	title string,
	stores Stores,
	bootstrap []byte,
	device *dag.Device,
	clk clock.Clock,
) (*Conversation, error) {
	if device == nil {
		return nil, ErrNoDevice
	}
	keys, err := crypto.NewKeyRing(bootstrap)
	if err != nil {
		return nil, err
	}
	genesis, err := NewConversationGenesis(device, title, clock.Millis(clk.Now()))
	if err != nil {
		return nil, err
	}
	id, err := genesis.Hash()
	if err != nil {
		return nil, err
	}

	c, err := NewConversation(id, conf, stores, keys, device, clk)
	if err != nil {
		return nil, err
	}
	if err := c.Load(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	_, _, err = c.commit(genesis)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CreateConversation starts a conversation rooted at the local device and
// runs it.
func (n *Node) CreateConversation(ctx context.Context, title string, stores Stores, bootstrap []byte) (*Conversation, error) {
	c, err := StartConversation(ctx, n.conf, title, stores, bootstrap, n.device, n.clock)
	if err != nil {
		return nil, err
	}
	if err := n.addConversation(c); err != nil {
		return nil, err
	}
	n.logger.WithFields(logrus.Fields{
		"conversation": c.ID().Short(),
		"title":        title,
	}).Info("Created conversation")
	return c, nil
}

// OpenConversation runs a conversation known by the hash of its genesis. The
// stores may hold a previous session, or nothing: the genesis and the rest of
// the history are then fetched from peers.
func (n *Node) OpenConversation(ctx context.Context, id dag.Hash, stores Stores, keys *crypto.KeyRing) (*Conversation, error) {
	c, err := NewConversation(id, n.conf, stores, keys, n.device, n.clock)
	if err != nil {
		return nil, err
	}
	if err := c.Load(ctx); err != nil {
		return nil, err
	}
	if err := n.addConversation(c); err != nil {
		return nil, err
	}
	n.logger.WithFields(logrus.Fields{
		"conversation": id.Short(),
		"nodes":        stores.Graph.Count(),
	}).Info("Opened conversation")
	return c, nil
}
