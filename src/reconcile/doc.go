// Package reconcile computes the difference between the graphs of two
// replicas.
//
// Replicas first compare heads. When histories are large or disjoint they
// exchange invertible Bloom lookup tables (Sketch) covering a rank Range.
// Sketches come in fixed tiers. A failed decode escalates to the next tier,
// and exhausting the largest tier falls back to heads comparison for the
// range. Large tiers cost the requester a proof of work whose difficulty
// follows the recommendations of authorized devices. Peers whose sketches
// still fail to decode are blacklisted for the range.
package reconcile
