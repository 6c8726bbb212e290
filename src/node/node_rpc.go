package node

import (
	"fmt"
	"time"

	"github.com/mosaicnetworks/murmur/src/dag"
	"github.com/mosaicnetworks/murmur/src/net"
	"github.com/sirupsen/logrus"
)

func conversationOf(m net.Message) (dag.Hash, bool) {
	switch cmd := m.(type) {
	case *net.Announce:
		return cmd.Conversation, true
	case *net.FetchRequest:
		return cmd.Conversation, true
	case *net.FetchResponse:
		return cmd.Conversation, true
	case *net.SketchExchange:
		return cmd.Conversation, true
	case *net.PoWChallenge:
		return cmd.Conversation, true
	case *net.PoWSolution:
		return cmd.Conversation, true
	case *net.AdminGossip:
		return cmd.Conversation, true
	default:
		return dag.ZeroHash, false
	}
}

func (n *Node) processRPC(rpc net.RPC) {
	id, ok := conversationOf(rpc.Command)
	if !ok {
		n.logger.WithField("cmd", rpc.Command).Error("Unexpected RPC command")
		rpc.Respond(nil, fmt.Errorf("unexpected command"))
		return
	}
	c, ok := n.Conversation(id)
	if !ok {
		rpc.Respond(nil, ErrUnknownConversation)
		return
	}

	switch cmd := rpc.Command.(type) {
	case *net.Announce:
		n.processAnnounce(rpc, c, cmd)
	case *net.FetchRequest:
		n.processFetchRequest(rpc, c, cmd)
	case *net.FetchResponse:
		n.processPush(rpc, c, cmd)
	case *net.SketchExchange:
		n.processSketchExchange(rpc, c, cmd)
	case *net.PoWChallenge:
		resp, err := c.ServeChallenge(rpc.From, cmd)
		rpc.Respond(resp, err)
	case *net.PoWSolution:
		resp, err := c.ServeSolution(rpc.From, cmd)
		rpc.Respond(resp, err)
	case *net.AdminGossip:
		n.processAdminGossip(rpc, c, cmd)
	}
}

func (n *Node) processAnnounce(rpc net.RPC, c *Conversation, cmd *net.Announce) {
	n.logger.WithFields(logrus.Fields{
		"from":         rpc.From,
		"conversation": c.ID().Short(),
		"tips":         len(cmd.Tips),
		"signed":       cmd.Device != "",
	}).Debug("process Announce")

	c.HandleAnnounce(rpc.From, cmd)

	resp, err := c.Announce()
	rpc.Respond(resp, err)
}

func (n *Node) processFetchRequest(rpc net.RPC, c *Conversation, cmd *net.FetchRequest) {
	start := time.Now()
	nodes, err := c.ServeFetch(rpc.From, cmd)
	elapsed := time.Since(start)

	n.logger.WithFields(logrus.Fields{
		"from":      rpc.From,
		"requested": len(cmd.Hashes),
		"deep":      cmd.Deep,
		"served":    len(nodes),
		"duration":  elapsed.Nanoseconds(),
	}).Debug("process FetchRequest")

	if err != nil {
		rpc.Respond(nil, err)
		return
	}
	rpc.Respond(&net.FetchResponse{Conversation: c.ID(), Nodes: nodes}, nil)
}

// processPush ingests nodes a peer pushed after comparing heads.
func (n *Node) processPush(rpc net.RPC, c *Conversation, cmd *net.FetchResponse) {
	rep, err := c.Ingest(cmd.Nodes)

	n.logger.WithFields(logrus.Fields{
		"from":     rpc.From,
		"nodes":    len(cmd.Nodes),
		"accepted": rep.Accepted,
		"buffered": rep.Buffered,
	}).Debug("process push")

	if len(rep.Admin) > 0 {
		except, _ := n.resolvePeer(rpc.From)
		n.broadcastAdmin(c, rep.Admin, except)
	}
	rpc.Respond(nil, err)
}

func (n *Node) processSketchExchange(rpc net.RPC, c *Conversation, cmd *net.SketchExchange) {
	start := time.Now()
	resp, err := c.ServeSketch(n.ctx, rpc.From, cmd)
	elapsed := time.Since(start)

	n.logger.WithFields(logrus.Fields{
		"from":     rpc.From,
		"range":    cmd.Range,
		"tier":     cmd.Tier,
		"duration": elapsed.Nanoseconds(),
	}).Debug("process SketchExchange")

	rpc.Respond(resp, err)
}

// processAdminGossip fetches a pushed administrative hash right away from
// the peer that announced it, when that peer can be resolved. Otherwise the
// hash waits for the next gossip round.
func (n *Node) processAdminGossip(rpc net.RPC, c *Conversation, cmd *net.AdminGossip) {
	rpc.Respond(nil, nil)

	if !c.HandleAdminGossip(cmd) {
		return
	}
	target, ok := n.resolvePeer(rpc.From)
	if !ok {
		return
	}
	n.logger.WithFields(logrus.Fields{
		"from": target,
		"hash": cmd.Hash.Short(),
	}).Debug("Fetching gossiped admin node")

	if _, err := n.fetch(target, c); err != nil {
		n.logger.WithError(err).WithField("peer", target).Debug("fetch()")
	}
	n.resetTimer()
}
