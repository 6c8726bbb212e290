// Package dag implements the replicated conversation graph.
//
// A conversation's history is a directed acyclic graph of immutable
// GraphNodes. Each node is addressed by the BLAKE3 hash of the deterministic
// CBOR encoding of its body, references its parents by hash, and carries a
// rank equal to one plus the highest rank of its parents. Parent links are
// lookups by hash in a Store, never pointers, so the graph is an append-only
// hash-indexed table annotated with ranks.
//
// Nodes come in two kinds. Administrative nodes are signed with the device key
// of their author and only reference other administrative nodes; they carry
// membership and key-distribution actions in clear. Content nodes are
// encrypted and authenticated with the symmetric key of a key generation and
// may reference nodes of either kind.
//
// The package provides two Store implementations, InmemStore and BadgerStore,
// an ObjectStore for opaque bytes, and Graph, which answers ancestry queries
// and linearizes nodes in causal order.
package dag
