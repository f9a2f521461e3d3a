package crawler

import "sync/atomic"

// emissionCounter hands out sequence numbers up to an optional limit. A
// reservation either succeeds with the next number or fails without changing
// the count, so concurrent emitters can never exceed the limit.
type emissionCounter struct {
	limit uint64
	n     atomic.Uint64
}

func newEmissionCounter(limit int) *emissionCounter {
	c := &emissionCounter{}
	if limit > 0 {
		c.limit = uint64(limit)
	}
	return c
}

func (c *emissionCounter) reserve() (uint64, bool) {
	for {
		cur := c.n.Load()
		if c.limit > 0 && cur >= c.limit {
			return 0, false
		}
		if c.n.CompareAndSwap(cur, cur+1) {
			return cur + 1, true
		}
	}
}

// full reports whether every allowed number has been handed out.
func (c *emissionCounter) full() bool {
	return c.limit > 0 && c.n.Load() >= c.limit
}

func (c *emissionCounter) reserved() uint64 {
	return c.n.Load()
}
