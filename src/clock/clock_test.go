package clock

import (
	"testing"
	"time"
)

func TestManualNeverGoesBack(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewManual(start)

	c.Advance(time.Second)
	c.Advance(-time.Hour)
	c.Set(start)

	if got := c.Now(); !got.Equal(start.Add(time.Second)) {
		t.Fatalf("expected %v, got %v", start.Add(time.Second), got)
	}
}

func TestMillisRoundTrip(t *testing.T) {
	now := time.Unix(1600000000, 123000000)
	if got := FromMillis(Millis(now)); !got.Equal(now) {
		t.Fatalf("expected %v, got %v", now, got)
	}
}
