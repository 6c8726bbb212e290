// Package peers defines the remote endpoints a node synchronizes with and
// implements functions to manage collections of them.
//
// A peer is identified by its network address and optionally a moniker which
// is a non-unique user-friendly name. Peers carry no authority: trust is
// decided per node by the conversation graph, never by who relayed it.
//
// Upon starting up, a node expects to find a peers.json file in its data
// directory, listing the peers it should attempt to connect to. Peers that
// contact us are added to the set at runtime.
package peers
