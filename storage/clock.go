package storage

import (
	"sync/atomic"
	"time"
)

// clock stamps server timestamps with microsecond precision, the finest
// Edm.DateTime keeps. Successive readings strictly increase within one
// store process.
type clock struct {
	last atomic.Int64
	now  func() time.Time
}

func newClock() *clock { return &clock{now: time.Now} }

func (c *clock) Now() time.Time {
	for {
		now := c.now().UnixMicro()
		last := c.last.Load()
		if now <= last {
			now = last + 1
		}
		if c.last.CompareAndSwap(last, now) {
			return time.UnixMicro(now).UTC()
		}
	}
}
