// Package queue provides the concurrency substrate under the swarm
// scheduler: a monotonic id source, a bounded submission queue, and a
// fan-out event bus.
package queue

import (
	"fmt"
	"strconv"
	"sync/atomic"
)

// AtomicCounter is a process-wide monotonic id source. Ids are prefixed
// base-36 encodings of a strictly increasing counter, so they sort both
// lexically (within equal length) and numerically.
type AtomicCounter struct {
	prefix string
	n      atomic.Uint64
}

// NewAtomicCounter creates a counter whose ids carry the given prefix.
func NewAtomicCounter(prefix string) *AtomicCounter {
	return &AtomicCounter{prefix: prefix}
}

// Next returns a new unique id, e.g. "sub-1f".
func (c *AtomicCounter) Next() string {
	n := c.n.Add(1)
	return fmt.Sprintf("%s-%s", c.prefix, strconv.FormatUint(n, 36))
}

// Current peeks at the counter without incrementing it.
func (c *AtomicCounter) Current() uint64 {
	return c.n.Load()
}

// Reset sets the counter to the given value. This exists for tests and
// crash recovery only; it is never called mid-run.
func (c *AtomicCounter) Reset(value uint64) {
	c.n.Store(value)
}

// NumericValue parses the counter value out of an id produced by Next.
// Returns false if the id does not carry the counter's prefix.
func (c *AtomicCounter) NumericValue(id string) (uint64, bool) {
	want := c.prefix + "-"
	if len(id) <= len(want) || id[:len(want)] != want {
		return 0, false
	}
	n, err := strconv.ParseUint(id[len(want):], 36, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
