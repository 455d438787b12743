package util

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// MonotonicClock wraps a Clock so successive Now calls strictly increase.
// Event timestamps for one order must be totally ordered even when two
// transitions land in the same clock tick.
type MonotonicClock struct {
	Clock
	mu   sync.Mutex
	last time.Time
}

func NewMonotonicClock(c Clock) *MonotonicClock {
	if c == nil {
		c = RealClock{}
	}
	return &MonotonicClock{Clock: c}
}

func (m *MonotonicClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Clock.Now()
	if !now.After(m.last) {
		now = m.last.Add(time.Microsecond)
	}
	m.last = now
	return now
}

// ManualClock is a Clock for tests; time only moves via Advance.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock { return &ManualClock{now: start} }

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
