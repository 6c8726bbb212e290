// Package trust evaluates the delegated permissions of devices at causal
// positions of a conversation graph.
//
// Permissions originate at the root identity, the device that authored the
// genesis node, and flow through Authorize nodes. Each delegation
// (Certificate) grants at most what its issuer held where the certificate was
// issued. A Revocation kills the certificates of its target, and the ones its
// target issued, for every position that has the revocation in its past,
// unless the certificate itself was issued after the revocation. Revocations
// that a position has not seen yet have no effect there, so concurrent
// branches keep their own view until they merge.
//
// When two revocations target each other's authors concurrently, only the one
// whose author holds the senior authorization takes effect: the one granted
// by the admin node with the lower rank, then the lower hash.
package trust
