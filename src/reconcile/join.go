package reconcile

import (
	"bytes"
	"sync"

	"github.com/mosaicnetworks/murmur/src/crypto"
)

// JoinStage is a stage of the admission proof of work of a new joiner.
type JoinStage uint8

const (
	// StageBaseline costs a fixed difficulty.
	StageBaseline JoinStage = iota + 1
	// StageTopUp costs the current consensus difficulty.
	StageTopUp
	// StageGranted means deep-history fetch is allowed.
	StageGranted
)

func (s JoinStage) String() string {
	switch s {
	case StageBaseline:
		return "Baseline"
	case StageTopUp:
		return "TopUp"
	case StageGranted:
		return "Granted"
	default:
		return "Unknown"
	}
}

// JoinGate runs the two-stage admission proof of work of joiners before
// they are granted deep-history fetch. Challenges are derived from a local
// secret, so nothing is stored until a stage is solved.
type JoinGate struct {
	sync.Mutex

	secret     [crypto.HashSize]byte
	baseline   uint8
	difficulty func() uint8
	stages     map[string]JoinStage
}

// NewJoinGate ...
func NewJoinGate(secret [crypto.HashSize]byte, baseline uint8, difficulty func() uint8) *JoinGate {
	return &JoinGate{
		secret:     secret,
		baseline:   baseline,
		difficulty: difficulty,
		stages:     make(map[string]JoinStage),
	}
}

func (g *JoinGate) challenge(peer string, stage JoinStage) []byte {
	sum := crypto.KeyedHash(g.secret, []byte("join"), []byte(peer), []byte{byte(stage)})
	return sum[:]
}

// Stage returns the stage peer must solve next.
func (g *JoinGate) Stage(peer string) JoinStage {
	g.Lock()
	defer g.Unlock()
	if s, ok := g.stages[peer]; ok {
		return s
	}
	return StageBaseline
}

// Challenge returns the challenge and difficulty of the next stage of peer.
func (g *JoinGate) Challenge(peer string) (JoinStage, []byte, uint8) {
	stage := g.Stage(peer)
	switch stage {
	case StageBaseline:
		return stage, g.challenge(peer, stage), g.baseline
	case StageTopUp:
		return stage, g.challenge(peer, stage), g.difficulty()
	default:
		return stage, nil, 0
	}
}

// Submit checks the solution of peer for stage and advances it. It returns
// the next stage.
func (g *JoinGate) Submit(peer string, stage JoinStage, challenge []byte, nonce uint64) (JoinStage, error) {
	current, expected, difficulty := g.Challenge(peer)
	if current == StageGranted {
		return current, nil
	}
	if stage != current || !bytes.Equal(challenge, expected) {
		return current, ErrBadProof
	}
	if !Verify(challenge, nonce, difficulty) {
		return current, ErrBadProof
	}

	g.Lock()
	defer g.Unlock()
	if s, ok := g.stages[peer]; ok && s != current {
		return s, nil
	}
	next := current + 1
	g.stages[peer] = next
	return next, nil
}

// Granted reports whether peer completed both stages.
func (g *JoinGate) Granted(peer string) bool {
	return g.Stage(peer) == StageGranted
}

// Grant admits peer without proof, for known members.
func (g *JoinGate) Grant(peer string) {
	g.Lock()
	defer g.Unlock()
	g.stages[peer] = StageGranted
}

// Forget resets peer.
func (g *JoinGate) Forget(peer string) {
	g.Lock()
	defer g.Unlock()
	delete(g.stages, peer)
}
