package common

import (
	"sort"
)

// WeightedMedian returns the lower weighted median of values: the smallest
// value v such that the weights of all values <= v add up to at least half of
// the total weight. Values with a non-positive weight are ignored. It returns 0
// when there is nothing to weigh.
func WeightedMedian(values []int64, weights []int64) int64 {
	type pair struct {
		v, w int64
	}

	pairs := make([]pair, 0, len(values))
	var total int64
	for i, v := range values {
		if i >= len(weights) || weights[i] <= 0 {
			continue
		}
		pairs = append(pairs, pair{v, weights[i]})
		total += weights[i]
	}
	if total == 0 {
		return 0
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].v < pairs[j].v })

	var acc int64
	for _, p := range pairs {
		acc += p.w
		if 2*acc >= total {
			return p.v
		}
	}
	return pairs[len(pairs)-1].v
}
