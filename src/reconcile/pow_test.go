package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/mosaicnetworks/murmur/src/clock"
	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/registry"
)

func TestLeadingZeros(t *testing.T) {
	var d [crypto.HashSize]byte
	if LeadingZeros(d) != 256 {
		t.Fatalf("zero digest should have 256 leading zeros")
	}
	d[1] = 0x10
	if n := LeadingZeros(d); n != 11 {
		t.Fatalf("expected 11 leading zeros, got %d", n)
	}
	d[0] = 0x80
	if n := LeadingZeros(d); n != 0 {
		t.Fatalf("expected 0 leading zeros, got %d", n)
	}
}

func TestSolveVerify(t *testing.T) {
	challenge := []byte("challenge")
	nonce, err := Solve(context.Background(), challenge, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(challenge, nonce, 10) {
		t.Fatalf("solution should verify")
	}
	if !Verify(challenge, 12345, 0) {
		t.Fatalf("difficulty 0 should accept anything")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := Solve(ctx, challenge, MaxDifficulty); err != context.DeadlineExceeded {
		t.Fatalf("Solve should give up with the context, got %v", err)
	}
}

func TestDifficultyController(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	d := NewDifficultyController(12, 1, 24*time.Hour, nil, clk)

	if d.Update(nil) != 12 {
		t.Fatalf("no vote should keep the initial difficulty")
	}

	// admins weigh twice
	votes := []Vote{{Difficulty: 16, Weight: 2}, {Difficulty: 20, Weight: 1}, {Difficulty: 24, Weight: 1}}
	if got := d.Update(votes); got != 13 {
		t.Fatalf("first votes should move one step from the initial difficulty, got %d", got)
	}

	votes = []Vote{{Difficulty: 20, Weight: 2}, {Difficulty: 20, Weight: 1}}
	if got := d.Update(votes); got != 13 {
		t.Fatalf("difficulty should not move within a period, got %d", got)
	}
	if d.Target() != 20 {
		t.Fatalf("target should follow the votes, got %d", d.Target())
	}

	for day, want := range []uint8{14, 15, 16, 17, 18, 19, 20, 20} {
		clk.Advance(24 * time.Hour)
		if got := d.Update(votes); got != want {
			t.Fatalf("day %d: difficulty should be %d, got %d", day+1, want, got)
		}
	}

	clk.Advance(24 * time.Hour)
	if got := d.Update([]Vote{{Difficulty: 2, Weight: 1}}); got != 19 {
		t.Fatalf("difficulty should decrease by one step, got %d", got)
	}
}

func TestDifficultySurvivesRestart(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	reg := registry.NewInmemStore()
	votes := []Vote{{Difficulty: 30, Weight: 1}}

	d := NewDifficultyController(12, 1, 24*time.Hour, reg, clk)
	if got := d.Update(votes); got != 13 {
		t.Fatalf("difficulty should move one step, got %d", got)
	}

	clk.Advance(time.Hour)
	restarted := NewDifficultyController(12, 1, 24*time.Hour, reg, clk)
	if err := restarted.Load(); err != nil {
		t.Fatal(err)
	}
	if restarted.Current() != 13 || restarted.Target() != 30 {
		t.Fatalf("restart should restore 13 towards 30, got %d towards %d", restarted.Current(), restarted.Target())
	}
	if got := restarted.Update(votes); got != 13 {
		t.Fatalf("a restart should not allow a second move within the period, got %d", got)
	}

	clk.Advance(24 * time.Hour)
	if got := restarted.Update(votes); got != 14 {
		t.Fatalf("difficulty should move again after the period, got %d", got)
	}

	empty := NewDifficultyController(12, 1, 24*time.Hour, registry.NewInmemStore(), clk)
	if err := empty.Load(); err != nil || empty.Current() != 12 {
		t.Fatalf("an empty registry should keep the initial difficulty, got %d, %v", empty.Current(), err)
	}
}
