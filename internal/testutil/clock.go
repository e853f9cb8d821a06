// Package testutil provides deterministic clocks and id generators for tests
// and scenario runs.
package testutil

import (
	"sync"
	"time"
)

// FakeClock is a manually advanced monotonic clock.
//
// It satisfies converge.Clock, so tests can push a convergence pass over its
// budget from inside a derive function by calling Advance.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu  sync.Mutex
	now time.Duration
}

// NewFakeClock creates a clock reading zero.
func NewFakeClock() *FakeClock {
	return &FakeClock{}
}

// Now returns the current reading.
func (c *FakeClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Negative d is ignored: the clock
// never goes backwards.
func (c *FakeClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// Reset sets the clock back to zero for test reuse.
func (c *FakeClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = 0
}

// AutoClock advances by a fixed step on every read. Useful to make every
// convergence step "take" a known amount of time.
type AutoClock struct {
	mu   sync.Mutex
	now  time.Duration
	step time.Duration
}

// NewAutoClock creates a clock that advances by step after each Now.
func NewAutoClock(step time.Duration) *AutoClock {
	return &AutoClock{step: step}
}

// Now returns the current reading, then advances the clock.
func (c *AutoClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now += c.step
	return now
}
