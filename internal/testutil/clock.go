// Package testutil holds deterministic stand-ins for time: a stepping wall
// clock, a recording retry sleeper and a manual toast scheduler. The
// scenario harness and package tests use them to make runs reproducible.
package testutil

import (
	"sync"
	"time"
)

// Epoch is the first instant a ManualClock reports.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// ManualClock is a wall clock that advances by a fixed step on every read.
//
// Passed as engine.WithNow(clock.Now), it gives operations and errors
// reproducible timestamps.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewManualClock creates a clock at Epoch that advances one second per read.
func NewManualClock() *ManualClock {
	return &ManualClock{now: Epoch, step: time.Second}
}

// Now returns the current instant, then advances the clock by one step.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the next instant Now would report, without advancing.
func (c *ManualClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reset returns the clock to Epoch.
func (c *ManualClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = Epoch
}
