package reconcile

import (
	"reflect"
	"testing"
	"time"

	"github.com/mosaicnetworks/murmur/src/clock"
	"github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/registry"
)

var testBlacklistConf = BlacklistConfig{
	Base:   time.Minute,
	Max:    10 * time.Minute,
	Window: time.Hour,
}

func TestBlacklistEscalation(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	store := registry.NewInmemStore()
	b := NewBlacklist(testBlacklistConf, store, clk, common.NewTestEntry(t, "blacklist"))

	r := NewRange(0, 99)
	other := NewRange(100, 199)

	for i, want := range []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 10 * time.Minute} {
		d, err := b.Offend("peer_1", r)
		if err != nil {
			t.Fatal(err)
		}
		if d != want {
			t.Fatalf("offense %d should ban for %v, got %v", i+1, want, d)
		}
	}

	if !b.Banned("peer_1", r) {
		t.Fatalf("peer should be banned on the range")
	}
	if b.Banned("peer_1", other) {
		t.Fatalf("ban should be specific to the range")
	}
	if got := b.Peers(); !reflect.DeepEqual(got, []string{"peer_1"}) {
		t.Fatalf("Peers = %v", got)
	}

	reloaded := NewBlacklist(testBlacklistConf, store, clk, common.NewTestEntry(t, "blacklist"))
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	if !reloaded.Banned("peer_1", r) {
		t.Fatalf("ban should survive a reload")
	}

	clk.Advance(11 * time.Minute)
	if b.Banned("peer_1", r) {
		t.Fatalf("ban should expire")
	}

	// offenses leave the window
	clk.Advance(2 * time.Hour)
	if d, _ := b.Offend("peer_1", r); d != time.Minute {
		t.Fatalf("offense after the window should restart at the base, got %v", d)
	}

	clk.Advance(2 * time.Hour)
	if err := b.Prune(); err != nil {
		t.Fatal(err)
	}
	if len(b.records) != 0 {
		t.Fatalf("Prune should forget stale records")
	}
}
