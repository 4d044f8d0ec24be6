// Package ratelimit throttles log emission on hot paths (unknown topics,
// malformed payloads, failed client writes) while keeping an exact total.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Counter counts events and lets a log line through at most once per interval.
// It is safe for concurrent use.
type Counter struct {
	interval time.Duration
	lastLog  atomic.Int64
	total    atomic.Uint64
	now      func() time.Time
}

// NewCounter constructs a Counter. A zero or negative interval disables
// throttling so every event may be logged.
func NewCounter(interval time.Duration) *Counter {
	return &Counter{interval: interval, now: time.Now}
}

// Inc records one event and returns the running total plus whether the
// caller should log it.
func (c *Counter) Inc() (uint64, bool) {
	if c == nil {
		return 0, false
	}
	total := c.total.Add(1)
	if c.interval <= 0 {
		return total, true
	}
	now := c.now().UnixNano()
	last := c.lastLog.Load()
	if last != 0 && now-last < c.interval.Nanoseconds() {
		return total, false
	}
	return total, c.lastLog.CompareAndSwap(last, now)
}

// Total returns the number of events recorded so far.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}
