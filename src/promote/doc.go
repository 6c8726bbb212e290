// Package promote moves buffered opaque nodes into the graph once they can
// be verified.
//
// A node goes Opaque -> Locked -> TrialDecrypt and ends VerifiedFull,
// VerifiedIdentityPending or StillOpaque (or Rejected and Quarantined when
// validation says so). The opaque copy is only dropped after the promoted
// node is durably stored, so a crash at any point leaves the node either
// buffered or stored, never lost. Recover completes or retries interrupted
// promotions.
package promote
