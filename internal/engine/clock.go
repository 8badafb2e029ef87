package engine

import "sync/atomic"

// Clock hands out submission sequence numbers.
//
// Every operation is stamped with a strictly increasing seq at the moment it
// is submitted. Journal rows are ordered by seq, never by wall-clock time, so
// two operations submitted within the same millisecond still list in the
// order the user made them.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that continues after start. A controller
// resuming a journaled session uses the journal's highest seq.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
