package net

// Transport carries gossip messages between nodes. Every conversation a node
// takes part in shares the node's transport; messages name their
// conversation.
type Transport interface {
	// Listen accepts inbound exchanges until Close is called.
	Listen()

	// Consumer delivers inbound requests. Each RPC must be answered with
	// Respond exactly once.
	Consumer() <-chan RPC

	// LocalAddr is the address the transport is bound to.
	LocalAddr() string

	// AdvertiseAddr is the address other peers should dial to reach us.
	AdvertiseAddr() string

	// Send delivers msg to target and waits for its reply, which is nil for
	// messages that have none.
	Send(target string, msg Message) (Message, error)

	// Close stops listening and releases pooled connections.
	Close() error
}
