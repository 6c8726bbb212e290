package node

import (
	"math/rand"
	"sync/atomic"
	"time"
)

type timerFactory func(time.Duration) <-chan time.Time

// ControlTimer paces gossip rounds. Once armed it ticks once, after the given
// duration plus some jitter, and stays idle until it is armed again.
type ControlTimer struct {
	timerFactory timerFactory
	tickCh       chan struct{}
	resetCh      chan time.Duration
	shutdownCh   chan struct{}
	armed        int32
}

// NewControlTimer ...
func NewControlTimer(timerFactory timerFactory) *ControlTimer {
	return &ControlTimer{
		timerFactory: timerFactory,
		tickCh:       make(chan struct{}),
		resetCh:      make(chan time.Duration),
		shutdownCh:   make(chan struct{}),
	}
}

// NewRandomControlTimer returns a timer that waits between min and 2*min.
// Jitter keeps nodes started together from gossiping in lockstep.
func NewRandomControlTimer() *ControlTimer {
	randomTimeout := func(min time.Duration) <-chan time.Time {
		if min == 0 {
			return nil
		}
		extra := (time.Duration(rand.Int63()) % min)
		return time.After(min + extra)
	}
	return NewControlTimer(randomTimeout)
}

// Run arms the timer with init and serves ticks and resets until Shutdown.
func (c *ControlTimer) Run(init time.Duration) {
	arm := func(t time.Duration) <-chan time.Time {
		atomic.StoreInt32(&c.armed, 1)
		return c.timerFactory(t)
	}

	timer := arm(init)
	for {
		select {
		case <-timer:
			select {
			case c.tickCh <- struct{}{}:
			case <-c.shutdownCh:
				atomic.StoreInt32(&c.armed, 0)
				return
			}
			atomic.StoreInt32(&c.armed, 0)
			timer = nil
		case t := <-c.resetCh:
			timer = arm(t)
		case <-c.shutdownCh:
			atomic.StoreInt32(&c.armed, 0)
			return
		}
	}
}

// Armed reports whether a tick is pending.
func (c *ControlTimer) Armed() bool {
	return atomic.LoadInt32(&c.armed) == 1
}

// Reset arms the timer with d. It gives up when abort is closed.
func (c *ControlTimer) Reset(d time.Duration, abort <-chan struct{}) {
	select {
	case c.resetCh <- d:
	case <-abort:
	case <-c.shutdownCh:
	}
}

// Ticks delivers one value per expiry.
func (c *ControlTimer) Ticks() <-chan struct{} {
	return c.tickCh
}

// Shutdown stops Run. It must be called once.
func (c *ControlTimer) Shutdown() {
	close(c.shutdownCh)
}
