package node

import (
	"testing"
	"time"
)

func TestControlTimer(t *testing.T) {
	timerCh := make(chan time.Time)
	timer := NewControlTimer(func(time.Duration) <-chan time.Time { return timerCh })
	go timer.Run(0)
	defer timer.Shutdown()

	waitFor(t, time.Second, "the timer to arm", timer.Armed)

	timerCh <- time.Now()
	select {
	case <-timer.Ticks():
	case <-time.After(time.Second):
		t.Fatalf("timer should tick")
	}
	waitFor(t, time.Second, "the timer to disarm", func() bool { return !timer.Armed() })

	timer.Reset(time.Millisecond, nil)
	waitFor(t, time.Second, "Reset to arm the timer", timer.Armed)

	timerCh <- time.Now()
	select {
	case <-timer.Ticks():
	case <-time.After(time.Second):
		t.Fatalf("timer should tick after a reset")
	}
}
