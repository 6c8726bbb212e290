package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mosaicnetworks/murmur/src/clock"
	"github.com/mosaicnetworks/murmur/src/registry"
	"github.com/sirupsen/logrus"
)

const blacklistBucket = "blacklist"

// BlacklistConfig ...
type BlacklistConfig struct {
	// Base is the duration of a first offense.
	Base time.Duration
	// Max caps the duration of repeat offenses.
	Max time.Duration
	// Window is the rolling window in which offenses are counted.
	Window time.Duration
}

type banRecord struct {
	// Offenses are unix milliseconds, oldest first.
	Offenses []int64
	Until    int64
}

// Blacklist bans peers from sketch reconciliation of specific ranges.
type Blacklist struct {
	sync.Mutex

	conf    BlacklistConfig
	store   registry.Store
	clk     clock.Clock
	records map[string]*banRecord

	logger *logrus.Entry
}

// NewBlacklist ...
func NewBlacklist(conf BlacklistConfig, store registry.Store, clk clock.Clock, logger *logrus.Entry) *Blacklist {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Blacklist{
		conf:    conf,
		store:   store,
		clk:     clk,
		records: make(map[string]*banRecord),
		logger:  logger,
	}
}

func banKey(peer string, r Range) string {
	return fmt.Sprintf("%s_%s", peer, r.Key())
}

// Load reads persisted bans.
func (b *Blacklist) Load() error {
	b.Lock()
	defer b.Unlock()

	return b.store.Iterate(blacklistBucket, func(key string, raw []byte) error {
		var rec banRecord
		if err := registry.Unmarshal(raw, &rec); err != nil {
			return err
		}
		b.records[key] = &rec
		return nil
	})
}

// Offend records an offense of peer on r and returns the duration of the
// resulting ban: Base doubled for every previous offense in the window,
// capped at Max.
func (b *Blacklist) Offend(peer string, r Range) (time.Duration, error) {
	b.Lock()
	defer b.Unlock()

	now := clock.Millis(b.clk.Now())
	key := banKey(peer, r)

	rec, ok := b.records[key]
	if !ok {
		rec = &banRecord{}
		b.records[key] = rec
	}

	horizon := now - b.conf.Window.Milliseconds()
	kept := rec.Offenses[:0]
	for _, o := range rec.Offenses {
		if o > horizon {
			kept = append(kept, o)
		}
	}
	rec.Offenses = append(kept, now)

	d := b.conf.Base
	for i := 1; i < len(rec.Offenses) && d < b.conf.Max; i++ {
		d *= 2
	}
	if b.conf.Max > 0 && d > b.conf.Max {
		d = b.conf.Max
	}
	rec.Until = now + d.Milliseconds()

	b.logger.WithFields(logrus.Fields{
		"peer":     peer,
		"range":    r,
		"offenses": len(rec.Offenses),
		"duration": d,
	}).Warn("Blacklisted peer for range")

	return d, b.store.Put(blacklistBucket, key, rec)
}

// Banned reports whether peer is currently banned on r.
func (b *Blacklist) Banned(peer string, r Range) bool {
	b.Lock()
	defer b.Unlock()
	rec, ok := b.records[banKey(peer, r)]
	if !ok {
		return false
	}
	return clock.Millis(b.clk.Now()) < rec.Until
}

// Until returns the end of the ban of peer on r, if any.
func (b *Blacklist) Until(peer string, r Range) (time.Time, bool) {
	b.Lock()
	defer b.Unlock()
	rec, ok := b.records[banKey(peer, r)]
	if !ok || clock.Millis(b.clk.Now()) >= rec.Until {
		return time.Time{}, false
	}
	return clock.FromMillis(rec.Until), true
}

// Prune forgets records whose ban expired and whose offenses left the
// window.
func (b *Blacklist) Prune() error {
	b.Lock()
	defer b.Unlock()

	now := clock.Millis(b.clk.Now())
	horizon := now - b.conf.Window.Milliseconds()
	for key, rec := range b.records {
		if now < rec.Until {
			continue
		}
		if n := len(rec.Offenses); n > 0 && rec.Offenses[n-1] > horizon {
			continue
		}
		delete(b.records, key)
		if err := b.store.Delete(blacklistBucket, key); err != nil {
			return err
		}
	}
	return nil
}

// Peers returns the peers with at least one active ban.
func (b *Blacklist) Peers() []string {
	b.Lock()
	defer b.Unlock()

	now := clock.Millis(b.clk.Now())
	seen := make(map[string]bool)
	res := []string{}
	for key, rec := range b.records {
		if now >= rec.Until {
			continue
		}
		// keys are peer_min_max
		parts := strings.Split(key, "_")
		peer := strings.Join(parts[:len(parts)-2], "_")
		if !seen[peer] {
			seen[peer] = true
			res = append(res, peer)
		}
	}
	sort.Strings(res)
	return res
}
