package connector

import (
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads wall time in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// NormalizeClock returns SystemClock when c is nil.
func NormalizeClock(c Clock) Clock {
	if c == nil {
		return SystemClock{}
	}
	return c
}

// NowMillis is a shortcut for c.Now().UnixMilli().
func NowMillis(c Clock) int64 {
	return NormalizeClock(c).Now().UnixMilli()
}

// ManualClock is a settable clock for deterministic tests and replays.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManualClock starts the clock at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

// NewManualClockMillis starts the clock at the given epoch millis.
func NewManualClockMillis(ms int64) *ManualClock {
	return NewManualClock(time.UnixMilli(ms))
}

func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// SetMillis moves the clock to the given epoch millis.
func (c *ManualClock) SetMillis(ms int64) {
	c.Set(time.UnixMilli(ms))
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// WaitStrategy supplies the delay before the next retry of an entity.
type WaitStrategy interface {
	WaitForMillis() int64
}

// FeedbackWaitStrategy is a WaitStrategy that adapts to outcomes, used
// by loops that back off on consecutive failures.
type FeedbackWaitStrategy interface {
	WaitStrategy
	Success()
	Failures(n int)
}
