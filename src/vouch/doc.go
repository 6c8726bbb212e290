// Package vouch decides which unverifiable nodes may be buffered, and which
// ones are dropped when the buffer is full.
//
// A node that cannot be verified yet, because its key material or its
// parents are missing, is only kept if something vouches for it: its own
// signature for administrative nodes (implicit), an advertisement by an
// authorized device (explicit), or a vouched child listing it as a parent
// (structural). Structural vouching is bounded twice: a hard cap on hops from
// the nearest direct vouch, and a maximum number of hops without crossing an
// administrative node. Both are checked independently.
//
// The buffer holds at most Budget bytes. Eviction never touches the hot
// window near the highest verified rank or entries locked by a promotion.
// Unvouched entries go first, then the oldest segments. Administrative
// entries of an evicted segment are moved to the newest segment instead of
// being dropped.
package vouch
