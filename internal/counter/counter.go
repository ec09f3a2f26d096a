// Package counter provides a tiny atomic counter.
package counter

import "sync/atomic"

// Counter is an atomic uint64 counter. The zero value is ready to use.
type Counter struct {
	value atomic.Uint64
}

// Store sets the counter to n.
func (c *Counter) Store(n uint64) { c.value.Store(n) }

// Load returns the current value.
func (c *Counter) Load() uint64 { return c.value.Load() }

// Dec decrements the counter.
func (c *Counter) Dec() { c.value.Add(^uint64(0)) }

// Inc increments the counter and returns the new value.
func (c *Counter) Inc() uint64 { return c.value.Add(1) }
