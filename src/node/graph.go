package node

import (
	"github.com/mosaicnetworks/murmur/src/dag"
)

// HeadInfo describes a head of a conversation graph.
type HeadInfo struct {
	Hash   string
	Rank   uint64
	Kind   string
	Status string
}

// DeviceInfo describes the current permissions of a device.
type DeviceInfo struct {
	Device      string
	Permissions string
	Expiry      int64 `json:",omitempty"`
}

// OpaqueInfo describes a node waiting in the opaque buffer.
type OpaqueInfo struct {
	Hash     string
	Rank     uint64
	Size     int64
	Kind     string
	Admin    bool   `json:",omitempty"`
	Voucher  string `json:",omitempty"`
	Hops     int
	Locked   bool `json:",omitempty"`
	Redacted bool `json:",omitempty"`
}

// Infos is the object used by Graph to collect information about a
// conversation.
type Infos struct {
	ID         string
	Heads      []HeadInfo
	AdminHeads []string
	Devices    []DeviceInfo
	Opaque     []OpaqueInfo
	Stats      map[string]int64
}

// Graph is a struct containing a node which is used to collect information
// about its conversations in view of inspecting them.
type Graph struct {
	*Node
}

// NewGraph instantiates a Graph from a Node.
func NewGraph(n *Node) *Graph {
	return &Graph{
		Node: n,
	}
}

// GetConversations returns the ids of the open conversations.
func (g *Graph) GetConversations() []string {
	res := []string{}
	for _, c := range g.Node.Conversations() {
		res = append(res, c.ID().String())
	}
	return res
}

// GetHeads returns the displayable heads of a conversation.
func (g *Graph) GetHeads(c *Conversation) []HeadInfo {
	store := c.stores.Graph
	res := []HeadInfo{}
	for _, h := range c.Heads() {
		info := HeadInfo{Hash: h.String()}
		if rank, err := store.Rank(h); err == nil {
			info.Rank = rank
		}
		if kind, err := store.Kind(h); err == nil {
			info.Kind = kind.String()
		}
		if status, err := store.Status(h); err == nil {
			info.Status = status.String()
		}
		res = append(res, info)
	}
	return res
}

// GetDevices returns the devices holding a permission at the current heads.
func (g *Graph) GetDevices(c *Conversation) []DeviceInfo {
	res := []DeviceInfo{}
	for _, d := range c.trust.Devices() {
		r := c.Permissions(d)
		if r.Permissions == 0 {
			continue
		}
		res = append(res, DeviceInfo{
			Device:      string(d),
			Permissions: r.Permissions.String(),
			Expiry:      r.Expiry,
		})
	}
	return res
}

// GetOpaque returns the entries of the opaque buffer.
func (g *Graph) GetOpaque(c *Conversation) []OpaqueInfo {
	res := []OpaqueInfo{}
	for _, e := range c.buffer.Entries() {
		res = append(res, OpaqueInfo{
			Hash:     e.Hash.String(),
			Rank:     e.Rank,
			Size:     e.Size,
			Kind:     e.Kind.String(),
			Admin:    e.Admin,
			Voucher:  string(e.Voucher),
			Hops:     e.Hops,
			Locked:   e.Locked,
			Redacted: e.Redacted,
		})
	}
	return res
}

// GetInfos returns an Infos struct representing a conversation.
func (g *Graph) GetInfos(id dag.Hash) (Infos, error) {
	c, err := g.Node.conversation(id)
	if err != nil {
		return Infos{}, err
	}

	admin := []string{}
	for _, h := range c.AdminHeads() {
		admin = append(admin, h.String())
	}

	return Infos{
		ID:         id.String(),
		Heads:      g.GetHeads(c),
		AdminHeads: admin,
		Devices:    g.GetDevices(c),
		Opaque:     g.GetOpaque(c),
		Stats:      c.Stats(),
	}, nil
}
