package kernel

import (
	"sync/atomic"
	"time"
)

// A Clock provides the monotonic time used for sleep deadlines.
type Clock interface {
	// NowMonotonic returns a monotonic time value in nanoseconds.
	NowMonotonic() int64
}

// StdClock implements Clock with the time package. Its epoch is the moment
// it was created.
type StdClock struct {
	base time.Time
}

var _ Clock = (*StdClock)(nil)

// NewStdClock returns a clock whose zero is now.
func NewStdClock() *StdClock {
	return &StdClock{base: time.Now()}
}

// NowMonotonic implements Clock.NowMonotonic.
func (c *StdClock) NowMonotonic() int64 {
	return int64(time.Since(c.base))
}

// ManualClock is a Clock that only moves when told to. It is used to drive
// sleep deadlines deterministically together with explicit ticks.
type ManualClock struct {
	now atomic.Int64
}

var _ Clock = (*ManualClock)(nil)

// NowMonotonic implements Clock.NowMonotonic.
func (c *ManualClock) NowMonotonic() int64 {
	return c.now.Load()
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) int64 {
	return c.now.Add(int64(d))
}
