package collab

import "time"

// roomClock issues the server timestamps of one room. Stamps are wall-clock
// milliseconds that never go backwards; events inside the same millisecond share a
// stamp. Guarded by the owning room's mutex.
type roomClock struct {
	last int64
}

func (c *roomClock) next(now time.Time) int64 {
	stamp := now.UnixMilli()
	if stamp < c.last {
		return c.last
	}
	c.last = stamp
	return stamp
}
