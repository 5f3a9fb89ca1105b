package frames

import "sync/atomic"

// Cursor tracks what one reader has seen of a Slot. Observe is called only by
// the owning loop; the counters may be read from any goroutine.
type Cursor struct {
	last     atomic.Uint64
	seen     atomic.Uint64
	missed   atomic.Uint64
	repeated atomic.Uint64
}

// CursorStats is a point-in-time copy of a Cursor's counters.
type CursorStats struct {
	Seen     uint64 `json:"seen"`
	Missed   uint64 `json:"missed"`
	Repeated uint64 `json:"repeated"`
	LastSeq  uint64 `json:"last_seq"`
}

// Observe records a snapshot and reports whether it is newer than the last
// one observed. Sequence gaps are counted as missed frames.
func (c *Cursor) Observe(f *Frame) bool {
	if f == nil {
		return false
	}
	last := c.last.Load()
	if f.Seq <= last {
		c.repeated.Add(1)
		return false
	}
	if last != 0 && f.Seq > last+1 {
		c.missed.Add(f.Seq - last - 1)
	}
	c.last.Store(f.Seq)
	c.seen.Add(1)
	return true
}

// Stats returns the current counters.
func (c *Cursor) Stats() CursorStats {
	return CursorStats{
		Seen:     c.seen.Load(),
		Missed:   c.missed.Load(),
		Repeated: c.repeated.Load(),
		LastSeq:  c.last.Load(),
	}
}
