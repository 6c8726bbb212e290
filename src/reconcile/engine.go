package reconcile

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/mosaicnetworks/murmur/src/clock"
	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/dag"
	"github.com/mosaicnetworks/murmur/src/registry"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBlacklisted is returned for requests of a banned peer.
	ErrBlacklisted = errors.New("peer blacklisted for range")
	// ErrUnknownTier is returned for tiers outside the configured set.
	ErrUnknownTier = errors.New("unknown sketch tier")
)

const (
	// DefaultPoWTier is the first tier that requires a proof of work.
	DefaultPoWTier = 2
	// DefaultInitialDifficulty applies until recommendations are known.
	DefaultInitialDifficulty = 12
	// DefaultDifficultyStep is the largest move of the difficulty per
	// period.
	DefaultDifficultyStep = 1
	// DefaultDifficultyPeriod ...
	DefaultDifficultyPeriod = 24 * time.Hour
	// DefaultBaselineDifficulty is the first join stage.
	DefaultBaselineDifficulty = 16
	// DefaultBlacklistBase ...
	DefaultBlacklistBase = time.Minute
	// DefaultBlacklistMax ...
	DefaultBlacklistMax = 24 * time.Hour
	// DefaultBlacklistWindow ...
	DefaultBlacklistWindow = 7 * 24 * time.Hour
	// DefaultSketchCacheSize ...
	DefaultSketchCacheSize = 64
	// DefaultChallengeEpoch is the lifetime of a sketch challenge.
	DefaultChallengeEpoch = 10 * time.Minute
	// decodeFactor bounds decode iterations per cell.
	decodeFactor = 2
)

// Config ...
type Config struct {
	Tiers   []int
	PoWTier int
	// MaxDecodeIterations bounds a decode. Zero means twice the number of
	// cells of the tier.
	MaxDecodeIterations int

	InitialDifficulty  uint8         `mapstructure:"initial-difficulty"`
	DifficultyStep     uint8         `mapstructure:"difficulty-step"`
	DifficultyPeriod   time.Duration `mapstructure:"difficulty-period"`
	BaselineDifficulty uint8         `mapstructure:"baseline-difficulty"`

	Blacklist       BlacklistConfig
	SketchCacheSize int
	ChallengeEpoch  time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		Tiers:              DefaultTiers,
		PoWTier:            DefaultPoWTier,
		InitialDifficulty:  DefaultInitialDifficulty,
		DifficultyStep:     DefaultDifficultyStep,
		DifficultyPeriod:   DefaultDifficultyPeriod,
		BaselineDifficulty: DefaultBaselineDifficulty,
		Blacklist: BlacklistConfig{
			Base:   DefaultBlacklistBase,
			Max:    DefaultBlacklistMax,
			Window: DefaultBlacklistWindow,
		},
		SketchCacheSize: DefaultSketchCacheSize,
		ChallengeEpoch:  DefaultChallengeEpoch,
	}
}

// SketchRequest is a sketch received from a peer.
type SketchRequest struct {
	Peer  string
	Range Range
	Tier  int
	Cells []Cell
	// Nonce solves SketchChallenge for tiers that require a proof.
	Nonce uint64
}

// Engine reconciles the graph of one conversation with peers.
type Engine struct {
	conversation dag.Hash
	conf         Config
	store        dag.Store
	secret       [crypto.HashSize]byte

	difficulty *DifficultyController
	blacklist  *Blacklist
	sketches   *SketchStore
	join       *JoinGate

	clk    clock.Clock
	logger *logrus.Entry
}

// NewEngine ...
func NewEngine(
	conversation dag.Hash,
	conf Config,
	store dag.Store,
	reg registry.Store,
	clk clock.Clock,
	logger *logrus.Entry,
) (*Engine, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	if len(conf.Tiers) == 0 {
		conf.Tiers = DefaultTiers
	}
	if conf.ChallengeEpoch <= 0 {
		conf.ChallengeEpoch = DefaultChallengeEpoch
	}

	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}
	sketches, err := NewSketchStore(conversation, conf.SketchCacheSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		conversation: conversation,
		conf:         conf,
		store:        store,
		secret:       secret,
		difficulty:   NewDifficultyController(conf.InitialDifficulty, conf.DifficultyStep, conf.DifficultyPeriod, reg, clk),
		blacklist:    NewBlacklist(conf.Blacklist, reg, clk, logger),
		sketches:     sketches,
		clk:          clk,
		logger:       logger,
	}
	e.join = NewJoinGate(secret, conf.BaselineDifficulty, e.difficulty.Current)
	return e, nil
}

// Load restores the persisted blacklist and difficulty.
func (e *Engine) Load() error {
	if err := e.blacklist.Load(); err != nil {
		return err
	}
	return e.difficulty.Load()
}

// Close ...
func (e *Engine) Close() {
	e.sketches.Close()
}

// Tiers returns the configured tier capacities.
func (e *Engine) Tiers() []int {
	return e.conf.Tiers
}

// Difficulty ...
func (e *Engine) Difficulty() *DifficultyController {
	return e.difficulty
}

// Blacklist ...
func (e *Engine) Blacklist() *Blacklist {
	return e.blacklist
}

// Join returns the admission gate of new joiners.
func (e *Engine) Join() *JoinGate {
	return e.join
}

// MissingHeads returns the advertised heads that are not known locally.
func (e *Engine) MissingHeads(remote []dag.Hash, known func(dag.Hash) bool) []dag.Hash {
	res := []dag.Hash{}
	for _, h := range remote {
		if e.store.Has(h) || (known != nil && known(h)) {
			continue
		}
		res = append(res, h)
	}
	return res
}

// Sketch returns the sketch of the local nodes in r at tier.
func (e *Engine) Sketch(r Range, tier int) (*Sketch, error) {
	if tier < 0 || tier >= len(e.conf.Tiers) {
		return nil, ErrUnknownTier
	}
	capacity := e.conf.Tiers[tier]
	if sk, ok := e.sketches.Get(r, capacity); ok {
		return sk, nil
	}

	sk := NewSketch(e.conversation, capacity)
	for _, h := range e.store.RankRange(r.Min, r.Max) {
		sk.Insert(h)
	}
	if err := e.sketches.Put(r, sk); err != nil {
		return nil, err
	}
	return sk, nil
}

// Invalidate drops cached sketches covering rank. It is called whenever a
// node is stored or deleted.
func (e *Engine) Invalidate(rank uint64) {
	e.sketches.Invalidate(rank)
}

// Purge drops every cached sketch, for when wiped nodes left no rank to
// invalidate.
func (e *Engine) Purge() {
	e.sketches.Purge()
}

// RequiresProof reports whether tier costs a proof of work.
func (e *Engine) RequiresProof(tier int) bool {
	return tier >= e.conf.PoWTier
}

func (e *Engine) epoch() int64 {
	return e.clk.Now().UnixNano() / int64(e.conf.ChallengeEpoch)
}

func (e *Engine) sketchChallenge(peer string, r Range, tier int, epoch int64) []byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(tier))
	binary.BigEndian.PutUint64(buf[8:], uint64(epoch))
	sum := crypto.KeyedHash(e.secret, []byte("sketch"), e.conversation[:], []byte(peer), []byte(r.Key()), buf[:])
	return sum[:]
}

// SketchChallenge returns the challenge peer must solve, at the current
// difficulty, to send a sketch of r at tier.
func (e *Engine) SketchChallenge(peer string, r Range, tier int) ([]byte, uint8) {
	return e.sketchChallenge(peer, r, tier, e.epoch()), e.difficulty.Current()
}

// verifyProof accepts solutions of the current and previous epochs.
func (e *Engine) verifyProof(req SketchRequest) bool {
	d := e.difficulty.Current()
	now := e.epoch()
	for _, epoch := range []int64{now, now - 1} {
		if Verify(e.sketchChallenge(req.Peer, req.Range, req.Tier, epoch), req.Nonce, d) {
			return true
		}
	}
	return false
}

func (e *Engine) maxIterations(capacity int) int {
	if e.conf.MaxDecodeIterations > 0 {
		return e.conf.MaxDecodeIterations
	}
	return decodeFactor * Partitions * capacity
}

// Reconcile decodes the difference between the local nodes in a range and
// a peer's sketch. Local in the result lists what the peer lacks, Remote
// what it has that is missing here. A peer that sent a valid proof of work
// but an undecodable sketch is blacklisted for the range.
func (e *Engine) Reconcile(ctx context.Context, req SketchRequest) (Difference, error) {
	if e.blacklist.Banned(req.Peer, req.Range) {
		return Difference{}, ErrBlacklisted
	}
	if req.Tier < 0 || req.Tier >= len(e.conf.Tiers) {
		return Difference{}, ErrUnknownTier
	}

	proven := false
	if e.RequiresProof(req.Tier) {
		if !e.verifyProof(req) {
			return Difference{}, ErrBadProof
		}
		proven = true
	}

	if err := ctx.Err(); err != nil {
		return Difference{}, err
	}

	capacity := e.conf.Tiers[req.Tier]
	remote, err := FromCells(e.conversation, capacity, req.Cells)
	if err != nil {
		return Difference{}, e.failed(req, proven, err)
	}
	local, err := e.Sketch(req.Range, req.Tier)
	if err != nil {
		return Difference{}, err
	}
	diff, err := local.Subtract(remote)
	if err != nil {
		return Difference{}, e.failed(req, proven, err)
	}

	if err := ctx.Err(); err != nil {
		return Difference{}, err
	}

	res, err := diff.Decode(e.maxIterations(capacity))
	if err != nil {
		return Difference{}, e.failed(req, proven, err)
	}

	e.logger.WithFields(logrus.Fields{
		"peer":   req.Peer,
		"range":  req.Range,
		"tier":   req.Tier,
		"local":  len(res.Local),
		"remote": len(res.Remote),
	}).Debug("Decoded sketch")

	return res, nil
}

func (e *Engine) failed(req SketchRequest, proven bool, cause error) error {
	e.logger.WithFields(logrus.Fields{
		"peer":  req.Peer,
		"range": req.Range,
		"tier":  req.Tier,
	}).WithError(cause).Debug("Sketch reconciliation failed")

	if proven {
		if _, err := e.blacklist.Offend(req.Peer, req.Range); err != nil {
			return err
		}
	}
	if errors.Is(cause, ErrDecodeFailed) {
		return cause
	}
	return fmt.Errorf("%w: %v", ErrDecodeFailed, cause)
}

// UpdateDifficulty folds the recommendations of authorized devices in.
func (e *Engine) UpdateDifficulty(votes []Vote) uint8 {
	return e.difficulty.Update(votes)
}
