// Package node implements the reactive component of a murmur node.
//
// This is the part of murmur that controls the gossip routines and feeds the
// conversation graphs with what peers send. Node implements a state machine
// where the states are defined in the state package.
//
// Conversations
//
// A node runs any number of conversations, each identified by the hash of its
// genesis node. A Conversation wires the graph store, the trust evaluator,
// the validator, the opaque buffer, the reconciliation engine and the
// promotion pipeline of one conversation, and serializes graph mutations
// behind a single write lock. Serving peers only takes the read lock.
//
// Gossip
//
// Nodes gossip by repeatedly choosing a peer at random and running a
// pull-push round on every conversation. The round starts with an exchange
// of Announces, which carry the heads of each side and the earliest verified
// administrative node. Each side queues the heads it does not know, and the
// initiator pushes the recent nodes the peer lacks. Queued hashes are then
// fetched, those within the hot window of recent ranks first. Fetching below
// the hot window is deep-history fetching: the peer serves it only after a
// two-stage proof of work, unless a signed Announce showed that we are an
// authorized member.
//
// Every few rounds a range of recent ranks is also reconciled by exchanging
// invertible Bloom lookup table sketches. A sketch that does not decode is
// retried at the next, larger tier; large tiers cost a proof of work bound to
// the range, and a peer whose proven sketch still does not decode is
// blacklisted for that range. When the largest tier fails, the range is left
// to the heads comparison of the Announces.
//
// Administrative nodes are pushed by hash to every peer as soon as they enter
// the graph, so that membership changes and key rotations spread ahead of
// content.
//
// Opaque nodes
//
// Nodes that cannot be verified yet, because their parents are missing or
// because they were sealed with a key generation we do not hold, wait in the
// opaque buffer when something vouches for them. Every heartbeat runs the
// maintenance of each conversation: quarantined nodes whose timestamp has come
// are released, the promotion pipeline retries the buffer against the current
// key generation, and the proof-of-work difficulty follows the
// recommendations of authorized devices.
package node
