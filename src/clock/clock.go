// Package clock exposes the consensus network time consumed by the engine.
//
// The engine never computes network time. It reads the current value from a
// Clock and relies on it never going backwards. Production code uses System;
// tests use Manual to move time deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current consensus network time.
type Clock interface {
	Now() time.Time
}

// System reads the local wall clock and never returns a value smaller than a
// previously returned one.
type System struct {
	mu   sync.Mutex
	last time.Time
}

// NewSystem returns a System clock.
func NewSystem() *System {
	return &System{}
}

// Now implements Clock.
func (s *System) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Before(s.last) {
		return s.last
	}
	s.last = now
	return now
}

// Manual is a Clock that only moves when told to.
type Manual struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManual returns a Manual clock set to start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now implements Clock.
func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (m *Manual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set moves the clock to t if t is not in the past.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	if t.After(m.now) {
		m.now = t
	}
	m.mu.Unlock()
}

// Millis converts a time to the unix-millisecond representation carried in
// graph nodes.
func Millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond))
}
