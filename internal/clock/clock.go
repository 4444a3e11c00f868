// Package clock provides the engine's time sources.
package clock

import (
	"sync"
	"time"
)

// System reads the wall clock in UTC and never goes backwards: a wall-clock
// step back holds the last reading until real time catches up. The zero
// value is ready to use; share one instance per engine.
type System struct {
	mu   sync.Mutex
	last time.Time
	wall func() time.Time
}

// NewSystem returns a System clock.
func NewSystem() *System {
	return &System{}
}

// Now returns the current UTC time, clamped to the highest reading so far.
func (s *System) Now() time.Time {
	wall := time.Now
	if s.wall != nil {
		wall = s.wall
	}
	t := wall().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Before(s.last) {
		return s.last
	}
	s.last = t
	return t
}

// Manual is a clock that only moves when told to. Advance and Set never move
// it backwards.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock reading start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current reading.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d. Negative values are ignored.
func (m *Manual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set moves the clock to t if t is not earlier than the current reading.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	if t.After(m.now) {
		m.now = t
	}
	m.mu.Unlock()
}
