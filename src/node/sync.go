package node

import (
	"errors"
	"fmt"
	gonet "net"
	"sync/atomic"
	"time"

	"github.com/mosaicnetworks/murmur/src/net"
	"github.com/mosaicnetworks/murmur/src/peers"
	"github.com/mosaicnetworks/murmur/src/reconcile"
	"github.com/sirupsen/logrus"
)

var errJoinIncomplete = errors.New("join proof not granted")

func unexpected(req net.Message, resp net.Message) error {
	return fmt.Errorf("unexpected reply %T to %s", resp, req.Type())
}

// gossip synchronizes every conversation with peer.
func (n *Node) gossip(peer *peers.Peer) error {
	atomic.AddInt64(&n.syncRequests, 1)

	var firstErr error
	convs := n.Conversations()
	failed := 0
	for _, c := range convs {
		if err := n.syncConversation(peer.NetAddr, c); err != nil {
			c.logger.WithError(err).WithField("peer", peer.NetAddr).Debug("syncConversation()")
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		atomic.AddInt64(&n.syncErrors, 1)
	}

	// a peer that failed every conversation is treated as unreachable
	n.selectorLock.Lock()
	n.peerSelector.UpdateLast(peer.NetAddr, len(convs) == 0 || failed < len(convs))
	n.selectorLock.Unlock()

	n.logStats()

	return firstErr
}

// syncConversation runs one pull-push round on a conversation: heads are
// exchanged through Announces, the nodes the peer lacks are pushed, the
// wanted hashes are fetched, and every so often a rank range is reconciled
// by sketch.
func (n *Node) syncConversation(target string, c *Conversation) error {
	ours, err := c.Announce()
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := n.trans.Send(target, ours)
	elapsed := time.Since(start)
	n.logger.WithField("duration", elapsed.Nanoseconds()).Debug("requestAnnounce()")
	if err != nil {
		return err
	}
	theirs, ok := resp.(*net.Announce)
	if !ok {
		return unexpected(ours, resp)
	}
	missing := c.HandleAnnounce(target, theirs)

	// push
	pushed := 0
	if nodes := c.Unknown(target); len(nodes) > 0 {
		push := &net.FetchResponse{Conversation: c.ID(), Nodes: nodes}
		if _, err := n.trans.Send(target, push); err != nil {
			return err
		}
		pushed = len(nodes)
	}

	// pull
	fetched, err := n.fetch(target, c)
	if err != nil {
		return err
	}

	if r, due := c.SketchDue(target); due {
		if err := n.reconcile(target, c, r); err != nil {
			return err
		}
	}

	n.logger.WithFields(logrus.Fields{
		"conversation": c.ID().Short(),
		"peer":         target,
		"missing":      len(missing),
		"pushed":       pushed,
		"fetched":      fetched,
	}).Debug("Synced conversation")

	if len(missing) == 0 && pushed == 0 && fetched == 0 {
		c.Quiet()
	}
	return nil
}

// fetch requests the wanted hashes of c from target, hot ones first, until
// a round brings nothing new. It returns the number of nodes stored or
// buffered.
func (n *Node) fetch(target string, c *Conversation) (int, error) {
	total := 0
	for round := 0; round < n.conf.MaxFetchRounds; round++ {
		hashes, deep := c.NextFetch(target)
		if len(hashes) == 0 {
			break
		}
		if deep && !c.Joined(target) {
			if err := n.join(target, c); err != nil {
				return total, err
			}
		}

		req := &net.FetchRequest{Conversation: c.ID(), Hashes: hashes, Deep: deep}
		start := time.Now()
		resp, err := n.trans.Send(target, req)
		elapsed := time.Since(start)
		n.logger.WithField("duration", elapsed.Nanoseconds()).Debug("requestFetch()")
		if err != nil {
			return total, err
		}
		fr, ok := resp.(*net.FetchResponse)
		if !ok {
			return total, unexpected(req, resp)
		}

		rep, err := c.Ingest(fr.Nodes)
		if err != nil {
			return total, err
		}
		n.logger.WithFields(logrus.Fields{
			"requested":   len(hashes),
			"deep":        deep,
			"received":    len(fr.Nodes),
			"accepted":    rep.Accepted,
			"buffered":    rep.Buffered,
			"quarantined": rep.Quarantined,
			"refused":     rep.Refused,
			"rejected":    rep.Rejected,
		}).Debug("FetchResponse")

		if len(rep.Admin) > 0 {
			n.broadcastAdmin(c, rep.Admin, target)
		}
		progress := rep.Accepted + rep.Buffered + rep.Quarantined
		total += progress
		if progress == 0 {
			break
		}
	}
	return total, nil
}

// join completes the join proof of work with target, stage by stage.
func (n *Node) join(target string, c *Conversation) error {
	var req net.Message = &net.PoWChallenge{Conversation: c.ID(), Purpose: net.PurposeJoin}
	for i := 0; i <= int(reconcile.StageGranted); i++ {
		resp, err := n.trans.Send(target, req)
		if err != nil {
			return err
		}
		ch, ok := resp.(*net.PoWChallenge)
		if !ok {
			return unexpected(req, resp)
		}
		if reconcile.JoinStage(ch.Stage) == reconcile.StageGranted {
			c.SetJoined(target)
			n.logger.WithField("peer", target).Debug("Join proof granted")
			return nil
		}

		start := time.Now()
		nonce, err := reconcile.Solve(n.ctx, ch.Challenge, ch.Difficulty)
		if err != nil {
			return err
		}
		n.logger.WithFields(logrus.Fields{
			"stage":      reconcile.JoinStage(ch.Stage),
			"difficulty": ch.Difficulty,
			"duration":   time.Since(start).Nanoseconds(),
		}).Debug("Solved join challenge")

		req = &net.PoWSolution{
			Conversation: c.ID(),
			Purpose:      net.PurposeJoin,
			Stage:        ch.Stage,
			Challenge:    ch.Challenge,
			Nonce:        nonce,
		}
	}
	return errJoinIncomplete
}

// reconcile exchanges sketches of r with target, escalating tiers on decode
// failures. When the largest tier fails, the range is left to the heads
// comparison of the Announce exchange.
func (n *Node) reconcile(target string, c *Conversation, r reconcile.Range) error {
	sess := reconcile.NewSession(r, c.Tiers(), c.SketchEstimate(target, r))
	for !sess.Fallback() {
		tier := sess.Tier()
		cells, err := c.SketchCells(r, tier)
		if err != nil {
			return err
		}
		m := &net.SketchExchange{Conversation: c.ID(), Range: r, Tier: tier, Cells: cells}

		if c.RequiresProof(tier) {
			req := &net.PoWChallenge{Conversation: c.ID(), Purpose: net.PurposeSketch, Range: r, Tier: tier}
			resp, err := n.trans.Send(target, req)
			if err != nil {
				return err
			}
			ch, ok := resp.(*net.PoWChallenge)
			if !ok {
				return unexpected(req, resp)
			}
			if m.Solution, err = reconcile.Solve(n.ctx, ch.Challenge, ch.Difficulty); err != nil {
				return err
			}
		}

		resp, err := n.trans.Send(target, m)
		if err != nil {
			return err
		}
		switch res := resp.(type) {
		case *net.SketchResult:
			c.SketchDone(target, len(res.Nodes)+len(res.Want))
			return n.sketchResult(target, c, res)
		case *net.DecodeFailure:
			n.logger.WithFields(logrus.Fields{
				"peer":  target,
				"range": r,
				"tier":  tier,
			}).Debug("Sketch did not decode")
			if !sess.Failed() {
				// start the next session at the largest tier
				c.SketchDone(target, 2*sess.Capacity()/3)
				n.logger.WithField("range", r).Debug("Sketch reconciliation fell back to heads")
				return nil
			}
		default:
			return unexpected(m, resp)
		}
	}
	return nil
}

// sketchResult ingests the nodes a decoded sketch revealed and pushes the
// ones the peer lacks.
func (n *Node) sketchResult(target string, c *Conversation, res *net.SketchResult) error {
	rep, err := c.Ingest(res.Nodes)
	if err != nil {
		return err
	}
	if len(rep.Admin) > 0 {
		n.broadcastAdmin(c, rep.Admin, target)
	}
	if len(res.Want) == 0 {
		return nil
	}
	nodes := c.Nodes(res.Want)
	if len(nodes) == 0 {
		return nil
	}
	_, err = n.trans.Send(target, &net.FetchResponse{Conversation: c.ID(), Nodes: nodes})
	return err
}

// broadcastAdmin pushes the hashes of new administrative nodes to every peer
// but except.
func (n *Node) broadcastAdmin(c *Conversation, tips []net.Tip, except string) {
	targets := []string{}
	for _, p := range n.peerSelector.Peers().Peers {
		if p.NetAddr == except || p.NetAddr == n.trans.LocalAddr() {
			continue
		}
		targets = append(targets, p.NetAddr)
	}
	if len(targets) == 0 {
		return
	}
	n.GoFunc(func() {
		for _, target := range targets {
			for _, tip := range tips {
				g := &net.AdminGossip{Conversation: c.ID(), Hash: tip.Hash, Rank: tip.Rank}
				if _, err := n.trans.Send(target, g); err != nil {
					n.logger.WithError(err).WithField("peer", target).Debug("requestAdminGossip()")
					break
				}
			}
		}
	})
}

// resolvePeer maps the origin of a request to a peer address. Stream
// transports only know the remote host, which is matched against the host
// of every peer.
func (n *Node) resolvePeer(from string) (string, bool) {
	peerSet := n.peerSelector.Peers()
	if _, ok := peerSet.ByAddr[from]; ok {
		return from, true
	}
	for _, p := range peerSet.Peers {
		host, _, err := gonet.SplitHostPort(p.NetAddr)
		if err == nil && host == from && p.NetAddr != n.trans.LocalAddr() {
			return p.NetAddr, true
		}
	}
	return "", false
}
