package node

import (
	"testing"
	"time"

	"github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/promote"
	"github.com/mosaicnetworks/murmur/src/reconcile"
	"github.com/mosaicnetworks/murmur/src/validate"
	"github.com/mosaicnetworks/murmur/src/vouch"
	"github.com/sirupsen/logrus"
)

// Config holds the parameters of a node and of the conversations it runs.
type Config struct {
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat"`
	SlowHeartbeatTimeout time.Duration `mapstructure:"slow-heartbeat"`
	CacheSize            int           `mapstructure:"cache-size"`
	SyncLimit            int           `mapstructure:"sync-limit"`

	// HotWindow is the number of ranks below the highest verified rank that
	// are fetched first and served without a join proof.
	HotWindow uint64 `mapstructure:"hot-window"`
	// MaxFetchRounds bounds the fetch requests of one gossip round.
	MaxFetchRounds int `mapstructure:"max-fetch-rounds"`
	// MaxFetchAttempts drops a wanted hash nobody served after that many
	// requests.
	MaxFetchAttempts int `mapstructure:"max-fetch-attempts"`
	// SketchSpan is the number of ranks covered by a sketch exchange.
	SketchSpan uint64 `mapstructure:"sketch-span"`
	// SketchEvery runs a sketch exchange every so many gossip rounds with a
	// peer that has content. Zero disables sketches.
	SketchEvery int `mapstructure:"sketch-every"`
	// VouchesPerDevice bounds the registry entries of one device.
	VouchesPerDevice int `mapstructure:"vouches-per-device"`

	Validate  validate.Config  `mapstructure:"validate"`
	Vouch     vouch.Config     `mapstructure:"vouch"`
	Reconcile reconcile.Config `mapstructure:"reconcile"`
	Promote   promote.Config   `mapstructure:"promote"`

	Logger *logrus.Entry
}

// Default values.
const (
	DefaultHeartbeatTimeout     = 10 * time.Millisecond
	DefaultSlowHeartbeatTimeout = 1000 * time.Millisecond
	DefaultCacheSize            = 5000
	DefaultSyncLimit            = 1000
	DefaultHotWindow            = 64
	DefaultMaxFetchRounds       = 8
	DefaultMaxFetchAttempts     = 5
	DefaultSketchSpan           = 256
	DefaultSketchEvery          = 10
	DefaultVouchesPerDevice     = 10000

	DefaultMaxParents      = 16
	DefaultMaxFutureDrift  = 5 * time.Minute
	DefaultRejectCacheSize = 10000

	DefaultBufferBudget       = 64 << 20
	DefaultPerVoucherCap      = 4096
	DefaultStructuralHopCap   = 512
	DefaultReanchorInterval   = 128
	DefaultSegmentSize        = 256
	DefaultMaxVouchersPerHash = 8
)

// DefaultConfig ...
func DefaultConfig() *Config {
	logger := logrus.New()
	logger.Level = logrus.DebugLevel

	return &Config{
		HeartbeatTimeout:     DefaultHeartbeatTimeout,
		SlowHeartbeatTimeout: DefaultSlowHeartbeatTimeout,
		CacheSize:            DefaultCacheSize,
		SyncLimit:            DefaultSyncLimit,
		HotWindow:            DefaultHotWindow,
		MaxFetchRounds:       DefaultMaxFetchRounds,
		MaxFetchAttempts:     DefaultMaxFetchAttempts,
		SketchSpan:           DefaultSketchSpan,
		SketchEvery:          DefaultSketchEvery,
		VouchesPerDevice:     DefaultVouchesPerDevice,
		Validate: validate.Config{
			MaxParents:      DefaultMaxParents,
			MaxFutureDrift:  DefaultMaxFutureDrift,
			RejectCacheSize: DefaultRejectCacheSize,
		},
		Vouch: vouch.Config{
			Budget:             DefaultBufferBudget,
			PerVoucherCap:      DefaultPerVoucherCap,
			HotWindow:          DefaultHotWindow,
			StructuralHopCap:   DefaultStructuralHopCap,
			ReanchorInterval:   DefaultReanchorInterval,
			SegmentSize:        DefaultSegmentSize,
			MaxVouchersPerHash: DefaultMaxVouchersPerHash,
		},
		Reconcile: reconcile.DefaultConfig(),
		Logger:    logrus.NewEntry(logger),
	}
}

// TestConfig returns a configuration with cheap proofs of work and logs
// routed to t.
func TestConfig(t testing.TB) *Config {
	config := DefaultConfig()
	config.SlowHeartbeatTimeout = 50 * time.Millisecond
	config.Reconcile.InitialDifficulty = 4
	config.Reconcile.BaselineDifficulty = 4
	config.Logger = common.NewTestEntry(t, "node")
	return config
}
