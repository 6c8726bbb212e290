package reconcile

import (
	"fmt"
)

// Range is an inclusive interval of ranks.
type Range struct {
	_   struct{} `cbor:",toarray"`
	Min uint64
	Max uint64
}

// NewRange ...
func NewRange(min, max uint64) Range {
	if max < min {
		min, max = max, min
	}
	return Range{Min: min, Max: max}
}

// Contains reports whether rank falls in the range.
func (r Range) Contains(rank uint64) bool {
	return rank >= r.Min && rank <= r.Max
}

// Key returns a stable string identifying the range.
func (r Range) Key() string {
	return fmt.Sprintf("%d_%d", r.Min, r.Max)
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.Min, r.Max)
}

// Split returns consecutive ranges of at most size ranks covering r.
func (r Range) Split(size uint64) []Range {
	if size == 0 {
		return []Range{r}
	}
	res := []Range{}
	for min := r.Min; ; min += size {
		max := min + size - 1
		if max >= r.Max || max < min {
			res = append(res, NewRange(min, r.Max))
			break
		}
		res = append(res, NewRange(min, max))
	}
	return res
}

//==============================================================================

// DefaultTiers are the capacities of the sketch tiers, in differences.
var DefaultTiers = []int{40, 160, 640, 2560}

// SelectTier returns the index of the smallest tier rated for at least 1.5
// times the estimated number of differences. It returns false when even the
// largest tier is too small.
func SelectTier(tiers []int, estimate int) (int, bool) {
	for i, c := range tiers {
		if 2*c >= 3*estimate {
			return i, true
		}
	}
	return len(tiers) - 1, false
}

// Session follows the reconciliation of one range with one peer, from the
// first tier to heads fallback.
type Session struct {
	Range Range

	tiers    []int
	tier     int
	fallback bool
}

// NewSession starts at the tier selected for estimate. A session whose
// estimate exceeds every tier falls back immediately.
func NewSession(r Range, tiers []int, estimate int) *Session {
	tier, ok := SelectTier(tiers, estimate)
	return &Session{
		Range:    r,
		tiers:    tiers,
		tier:     tier,
		fallback: !ok || len(tiers) == 0,
	}
}

// Tier returns the index of the current tier.
func (s *Session) Tier() int {
	return s.tier
}

// Capacity returns the capacity of the current tier.
func (s *Session) Capacity() int {
	return s.tiers[s.tier]
}

// Fallback reports whether the range must be synced by heads comparison.
func (s *Session) Fallback() bool {
	return s.fallback
}

// Failed records a decode failure at the current tier and escalates. It
// returns false once the largest tier failed.
func (s *Session) Failed() bool {
	if s.fallback {
		return false
	}
	if s.tier+1 >= len(s.tiers) {
		s.fallback = true
		return false
	}
	s.tier++
	return true
}
