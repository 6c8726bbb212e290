// Package validate admits or rejects single graph nodes.
//
// Check runs the validation steps in order: hash, authenticator, parent set,
// chain isolation, rank, trust at the node's own position and timestamp
// bounds. It never mutates anything. Commit applies a Check result to the
// store, the trust index and the key ring. Validate does both and is
// idempotent: a node already stored returns its stored outcome and a node
// already rejected returns the cached rejection.
package validate
