// Package system provides the wall clock used in production and a manual
// clock for deterministic tests.
package system

import (
	"sync"
	"time"
)

// Clock implements crawler.Clock using the UTC wall clock.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a clock that only moves when told to. Each Now call can advance
// it by a fixed step so durations measured across calls are predictable.
type Manual struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewManual starts a manual clock at start, advancing step after every Now.
func NewManual(start time.Time, step time.Duration) *Manual {
	return &Manual{now: start.UTC(), step: step}
}

// Now returns the current reading and then advances by the step.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now
	m.now = m.now.Add(m.step)
	return now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
