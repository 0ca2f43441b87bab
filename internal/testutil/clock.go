package testutil

import (
	"sync"
	"time"
)

// Epoch is where every test clock starts: a Monday morning lab session.
var Epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// Clock is a manual time source for components that take a
// func() time.Time, such as the arbitrator's help timer and the history
// store. Time only moves when the test advances it.
type Clock struct {
	mu      sync.Mutex
	elapsed time.Duration
}

// NewClock returns a clock standing at Epoch.
func NewClock() *Clock {
	return &Clock{}
}

// Now is the clock's current time. Pass the method value where a
// func() time.Time is expected.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Epoch.Add(c.elapsed)
}

// Advance moves the clock forward and returns the new time. Negative
// durations are ignored so recorded timestamps never run backwards.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.elapsed += d
	}
	return Epoch.Add(c.elapsed)
}

// Elapsed reports how far the clock has moved since Epoch.
func (c *Clock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}
