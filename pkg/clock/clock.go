// Package clock provides the time sources the engine reads "now" from.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time as seen by an exchange.
type Clock interface {
	Now() time.Time
}

// System is the local wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Simulated is a manually driven clock for backtesting.
type Simulated struct {
	mu  sync.RWMutex
	now time.Time
}

// NewSimulated returns a clock frozen at start.
func NewSimulated(start time.Time) *Simulated {
	return &Simulated{now: start}
}

func (s *Simulated) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now
}

// Set moves the clock to t. Moving backwards is ignored.
func (s *Simulated) Set(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.now) {
		s.now = t
	}
}

// Advance moves the clock forward by d.
func (s *Simulated) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}
