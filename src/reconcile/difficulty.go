package reconcile

import (
	"sync"
	"time"

	"github.com/mosaicnetworks/murmur/src/clock"
	"github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/registry"
)

// Vote is the difficulty recommended by an authorized device.
type Vote struct {
	Difficulty uint8
	Weight     int64
}

const (
	difficultyBucket = "difficulty"
	difficultyKey    = "current"
)

type difficultyRecord struct {
	Current uint8
	Target  uint8
	// Updated is in unix milliseconds.
	Updated int64
}

// DifficultyController tracks the consensus proof-of-work difficulty. It
// follows the weighted median of the votes, starting from the initial
// difficulty, but moves by at most step per period. Its state survives
// restarts when a registry is given.
type DifficultyController struct {
	sync.Mutex

	current uint8
	target  uint8
	step    uint8
	period  time.Duration
	updated time.Time

	store registry.Store
	clk   clock.Clock
}

// NewDifficultyController ...
func NewDifficultyController(initial, step uint8, period time.Duration, store registry.Store, clk clock.Clock) *DifficultyController {
	return &DifficultyController{
		current: initial,
		target:  initial,
		step:    step,
		period:  period,
		store:   store,
		clk:     clk,
	}
}

// Load restores the persisted difficulty, if any.
func (d *DifficultyController) Load() error {
	if d.store == nil {
		return nil
	}
	d.Lock()
	defer d.Unlock()

	var rec difficultyRecord
	err := d.store.Get(difficultyBucket, difficultyKey, &rec)
	if common.IsStore(err, common.KeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	d.current, d.target = rec.Current, rec.Target
	if rec.Updated != 0 {
		d.updated = clock.FromMillis(rec.Updated)
	}
	return nil
}

// Current returns the difficulty in force.
func (d *DifficultyController) Current() uint8 {
	d.Lock()
	defer d.Unlock()
	return d.current
}

// Target returns the last weighted median of the votes.
func (d *DifficultyController) Target() uint8 {
	d.Lock()
	defer d.Unlock()
	return d.target
}

// Update folds a new vote set in and returns the difficulty in force.
func (d *DifficultyController) Update(votes []Vote) uint8 {
	d.Lock()
	defer d.Unlock()

	if len(votes) == 0 {
		return d.current
	}

	values := make([]int64, len(votes))
	weights := make([]int64, len(votes))
	for i, v := range votes {
		values[i] = int64(v.Difficulty)
		weights[i] = v.Weight
	}
	median := common.WeightedMedian(values, weights)
	if median > MaxDifficulty {
		median = MaxDifficulty
	}
	d.target = uint8(median)

	now := d.clk.Now()
	if (!d.updated.IsZero() && now.Sub(d.updated) < d.period) || d.current == d.target {
		return d.current
	}

	switch {
	case d.target > d.current:
		if d.target-d.current > d.step {
			d.current += d.step
		} else {
			d.current = d.target
		}
	default:
		if d.current-d.target > d.step {
			d.current -= d.step
		} else {
			d.current = d.target
		}
	}
	d.updated = now
	d.persist()
	return d.current
}

func (d *DifficultyController) persist() {
	if d.store == nil {
		return
	}
	rec := difficultyRecord{
		Current: d.current,
		Target:  d.target,
		Updated: clock.Millis(d.updated),
	}
	// best effort, Load falls back to the initial difficulty
	_ = d.store.Put(difficultyBucket, difficultyKey, rec)
}
