package node

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mosaicnetworks/murmur/src/clock"
	"github.com/mosaicnetworks/murmur/src/dag"
	"github.com/mosaicnetworks/murmur/src/net"
	"github.com/mosaicnetworks/murmur/src/node/state"
	"github.com/mosaicnetworks/murmur/src/peers"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownConversation is returned for requests about a conversation
	// the node does not run.
	ErrUnknownConversation = errors.New("unknown conversation")
	// ErrConversationExists ...
	ErrConversationExists = errors.New("conversation already open")

	errBusy = errors.New("node busy")
)

// Node runs the conversations of one device and synchronizes them with a set
// of peers.
type Node struct {
	// The node's state and routine limiter
	state.Manager

	conf   *Config
	logger *logrus.Entry

	device *dag.Device
	clock  clock.Clock

	conversations map[dag.Hash]*Conversation
	convLock      sync.RWMutex

	trans net.Transport
	netCh <-chan net.RPC

	peerSelector PeerSelector
	selectorLock sync.Mutex

	controlTimer *ControlTimer
	timerLock    sync.Mutex

	ctx        context.Context
	cancel     context.CancelFunc
	shutdownCh chan struct{}

	start        time.Time
	syncRequests int64
	syncErrors   int64
	maintaining  int32
}

// NewNode is a factory method that returns a Node instance. device may be nil
// for a relay that stores and forwards without authoring.
func NewNode(conf *Config,
	device *dag.Device,
	peerSet *peers.PeerSet,
	trans net.Transport,
	clk clock.Clock,
) *Node {
	if clk == nil {
		clk = clock.NewSystem()
	}
	logger := conf.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	logger = logger.WithField("this_addr", trans.LocalAddr())
	if device != nil {
		logger = logger.WithField("device", device.ID.Short())
	}

	ctx, cancel := context.WithCancel(context.Background())

	node := Node{
		conf:          conf,
		logger:        logger,
		device:        device,
		clock:         clk,
		conversations: make(map[dag.Hash]*Conversation),
		trans:         trans,
		netCh:         trans.Consumer(),
		peerSelector:  NewRandomPeerSelector(peerSet, trans.LocalAddr()),
		controlTimer:  NewRandomControlTimer(),
		ctx:           ctx,
		cancel:        cancel,
		shutdownCh:    make(chan struct{}),
		start:         time.Now(),
	}

	return &node
}

// RunAsync calls Run as a separate thread
func (n *Node) RunAsync(gossip bool) {
	n.logger.WithField("gossip", gossip).Debug("runasync")

	go n.Run(gossip)
}

// Run invokes the main loop of the node
func (n *Node) Run(gossip bool) {
	// Accept connections from peers
	go n.trans.Listen()

	// The ControlTimer paces gossip: fast while there is something to
	// propagate, slow otherwise.
	go n.controlTimer.Run(n.conf.HeartbeatTimeout)

	// Serve peers regardless of the state of the node.
	go n.doBackgroundWork()

	for {
		s := n.GetState()

		n.logger.WithField("state", s.String()).Debug("Run loop")

		switch s {
		case state.Gossiping:
			n.gossipLoop(gossip)
		case state.Suspended:
			n.suspendedLoop()
		case state.Shutdown:
			return
		}
	}
}

// resetTimer rearms the heartbeat unless it is already set.
func (n *Node) resetTimer() {
	n.timerLock.Lock()
	defer n.timerLock.Unlock()

	if !n.controlTimer.Armed() {
		ts := n.conf.HeartbeatTimeout

		// Slow gossip if nothing interesting to say
		if !n.Busy() {
			ts = n.conf.SlowHeartbeatTimeout
		}

		n.controlTimer.Reset(ts, n.shutdownCh)
	}
}

func (n *Node) doBackgroundWork() {
	for {
		select {
		case rpc := <-n.netCh:
			launched := n.GoFunc(func() {
				n.processRPC(rpc)
				n.resetTimer()
			})
			if !launched {
				rpc.Respond(nil, errBusy)
			}
		case <-n.shutdownCh:
			return
		}
	}
}

// gossipLoop periodically synchronizes with a random peer and runs the
// maintenance of every conversation.
func (n *Node) gossipLoop(gossip bool) {
	n.logger.Debug("GOSSIPING")

	for {
		select {
		case <-n.controlTimer.Ticks():
			if gossip {
				n.selectorLock.Lock()
				peer := n.peerSelector.Next()
				n.selectorLock.Unlock()
				if peer != nil {
					n.GoFunc(func() { n.gossip(peer) })
				}
			}
			n.maintain()
			n.resetTimer()
		case <-n.shutdownCh:
			return
		}

		if n.GetState() != state.Gossiping {
			return
		}
	}
}

// suspendedLoop keeps maintaining conversations without initiating gossip.
func (n *Node) suspendedLoop() {
	n.logger.Debug("SUSPENDED")

	for {
		select {
		case <-n.controlTimer.Ticks():
			n.maintain()
			n.resetTimer()
		case <-n.shutdownCh:
			return
		}

		if n.GetState() != state.Suspended {
			return
		}
	}
}

// Suspend stops initiating gossip. The node keeps serving peers.
func (n *Node) Suspend() {
	if n.GetState() == state.Gossiping {
		n.SetState(state.Suspended)
	}
}

// Resume returns a suspended node to gossiping.
func (n *Node) Resume() {
	if n.GetState() == state.Suspended {
		n.SetState(state.Gossiping)
		n.resetTimer()
	}
}

// maintain runs the maintenance of every conversation in the background,
// unless a previous run is still going.
func (n *Node) maintain() {
	if !atomic.CompareAndSwapInt32(&n.maintaining, 0, 1) {
		return
	}
	launched := n.GoFunc(func() {
		defer atomic.StoreInt32(&n.maintaining, 0)
		for _, c := range n.Conversations() {
			rep, err := c.Maintain(n.ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					c.logger.WithError(err).Error("Maintain()")
				}
				continue
			}
			if len(rep.Admin) > 0 {
				n.broadcastAdmin(c, rep.Admin, "")
			}
		}
	})
	if !launched {
		atomic.StoreInt32(&n.maintaining, 0)
	}
}

// Busy reports whether any conversation has something to fetch or to
// propagate.
func (n *Node) Busy() bool {
	for _, c := range n.Conversations() {
		if c.Busy() {
			return true
		}
	}
	return false
}

// Shutdown shuts down the node
func (n *Node) Shutdown() {
	if n.GetState() != state.Shutdown {
		n.logger.Debug("Shutdown")

		// Exit any non-shutdown state immediately
		n.SetState(state.Shutdown)

		// Abort proofs of work and promotions in flight
		n.cancel()

		// Stop and wait for concurrent operations
		close(n.shutdownCh)

		n.WaitRoutines()

		n.controlTimer.Shutdown()

		// transport and stores should only be closed once all concurrent
		// operations are finished
		n.trans.Close()

		n.convLock.Lock()
		for id, c := range n.conversations {
			if err := c.Close(); err != nil {
				n.logger.WithError(err).WithField("conversation", id.Short()).Error("Closing conversation")
			}
		}
		n.conversations = make(map[dag.Hash]*Conversation)
		n.convLock.Unlock()
	}
}

//==============================================================================
//Conversations

func (n *Node) addConversation(c *Conversation) error {
	n.convLock.Lock()
	defer n.convLock.Unlock()
	if _, ok := n.conversations[c.ID()]; ok {
		return ErrConversationExists
	}
	n.conversations[c.ID()] = c
	return nil
}

// Conversation returns a conversation by the hash of its genesis.
func (n *Node) Conversation(id dag.Hash) (*Conversation, bool) {
	n.convLock.RLock()
	defer n.convLock.RUnlock()
	c, ok := n.conversations[id]
	return c, ok
}

// Conversations returns the open conversations, sorted by id.
func (n *Node) Conversations() []*Conversation {
	n.convLock.RLock()
	res := make([]*Conversation, 0, len(n.conversations))
	for _, c := range n.conversations {
		res = append(res, c)
	}
	n.convLock.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].ID().Less(res[j].ID()) })
	return res
}

func (n *Node) conversation(id dag.Hash) (*Conversation, error) {
	c, ok := n.Conversation(id)
	if !ok {
		return nil, ErrUnknownConversation
	}
	return c, nil
}

// AuthorContent posts p in a conversation. The new node reaches peers with
// the next gossip rounds.
func (n *Node) AuthorContent(id dag.Hash, p *dag.Payload) (net.Tip, error) {
	c, err := n.conversation(id)
	if err != nil {
		return net.Tip{}, err
	}
	tip, err := c.AuthorContent(p)
	if err != nil {
		return tip, err
	}
	n.resetTimer()
	return tip, nil
}

// AuthorAdmin posts an administrative payload in a conversation and pushes
// its hash to every peer.
func (n *Node) AuthorAdmin(id dag.Hash, p *dag.Payload) (net.Tip, error) {
	c, err := n.conversation(id)
	if err != nil {
		return net.Tip{}, err
	}
	tip, err := c.AuthorAdmin(p)
	if err != nil {
		return tip, err
	}
	n.broadcastAdmin(c, []net.Tip{tip}, "")
	return tip, nil
}

// RotateKey distributes a new key generation in a conversation.
func (n *Node) RotateKey(id dag.Hash) (net.Tip, error) {
	c, err := n.conversation(id)
	if err != nil {
		return net.Tip{}, err
	}
	tip, err := c.RotateKey()
	if err != nil {
		return tip, err
	}
	n.broadcastAdmin(c, []net.Tip{tip}, "")
	return tip, nil
}

//==============================================================================
//Stats

// GetStats returns stats
func (n *Node) GetStats() map[string]string {
	var nodes, wanted, opaque int64
	convs := n.Conversations()
	for _, c := range convs {
		s := c.Stats()
		nodes += s["nodes"]
		wanted += s["wanted"]
		opaque += s["opaque_entries"]
	}

	s := map[string]string{
		"conversations": strconv.Itoa(len(convs)),
		"nodes":         strconv.FormatInt(nodes, 10),
		"wanted":        strconv.FormatInt(wanted, 10),
		"opaque":        strconv.FormatInt(opaque, 10),
		"num_peers":     strconv.Itoa(n.peerSelector.Peers().Len()),
		"sync_rate":     strconv.FormatFloat(n.SyncRate(), 'f', 2, 64),
		"routines":      strconv.Itoa(n.Running()),
		"uptime":        time.Since(n.start).Truncate(time.Second).String(),
		"addr":          n.trans.AdvertiseAddr(),
		"state":         n.GetState().String(),
	}
	if n.device != nil {
		s["device"] = string(n.device.ID)
	}
	return s
}

func (n *Node) logStats() {
	stats := n.GetStats()

	n.logger.WithFields(logrus.Fields{
		"conversations": stats["conversations"],
		"nodes":         stats["nodes"],
		"wanted":        stats["wanted"],
		"opaque":        stats["opaque"],
		"num_peers":     stats["num_peers"],
		"sync_rate":     stats["sync_rate"],
		"state":         stats["state"],
	}).Debug("Stats")
}

// SyncRate returns the share of gossip rounds that completed without error.
func (n *Node) SyncRate() float64 {
	var syncErrorRate float64

	requests := atomic.LoadInt64(&n.syncRequests)
	if requests != 0 {
		syncErrorRate = float64(atomic.LoadInt64(&n.syncErrors)) / float64(requests)
	}

	return 1 - syncErrorRate
}

// Device returns the local device, nil for a relay.
func (n *Node) Device() *dag.Device {
	return n.device
}

// Addr returns the address peers reach us at.
func (n *Node) Addr() string {
	return n.trans.AdvertiseAddr()
}

// GetPeers returns the peers
func (n *Node) GetPeers() []*peers.Peer {
	return n.peerSelector.Peers().Peers
}
