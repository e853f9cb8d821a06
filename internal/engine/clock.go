package engine

import (
	"sync/atomic"
	"time"
)

// Clock is a monotonic clock used to measure tick duration.
type Clock interface {
	Now() time.Duration
}

type systemClock struct {
	origin time.Time
}

func (c systemClock) Now() time.Duration { return time.Since(c.origin) }

// Counter is a monotonic sequence: tick numbers, transaction sequence
// numbers, operation sequence numbers.
//
// Thread-safety: Counter is safe for concurrent use (atomic operations).
type Counter struct {
	seq atomic.Int64
}

// NewCounter creates a counter whose first Next returns 1.
func NewCounter() *Counter {
	return &Counter{}
}

// NewCounterAt creates a counter positioned at start; Next returns start+1.
func NewCounterAt(start int64) *Counter {
	c := &Counter{}
	c.seq.Store(start)
	return c
}

// Next advances the counter and returns the new value.
func (c *Counter) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last value handed out (0 before the first Next).
func (c *Counter) Current() int64 {
	return c.seq.Load()
}
