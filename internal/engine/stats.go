package engine

import "sync/atomic"

// Counter tracks a current value, its peak and the cumulative increase.
type Counter struct {
	current atomic.Int64
	peak    atomic.Int64
	total   atomic.Int64
}

// Increase adds n to the counter.
func (c *Counter) Increase(n int64) {
	cur := c.current.Add(n)
	c.total.Add(n)
	for {
		p := c.peak.Load()
		if cur <= p || c.peak.CompareAndSwap(p, cur) {
			return
		}
	}
}

// Decrease subtracts n from the counter.
func (c *Counter) Decrease(n int64) {
	c.current.Add(-n)
}

// Snapshot returns the counter values.
func (c *Counter) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Current: c.current.Load(),
		Peak:    c.peak.Load(),
		Total:   c.total.Load(),
	}
}

// CounterSnapshot is a point-in-time copy of a Counter.
type CounterSnapshot struct {
	Current int64
	Peak    int64
	Total   int64
}

// Stats is the statistics sink. The engine only writes to it.
type Stats struct {
	Reserved  Counter // bytes reserved from the OS
	Committed Counter // bytes committed
	Arenas    Counter
	Pages     Counter
	Abandoned Counter // pages currently abandoned
	Heaps     Counter
	Malloc    Counter // bytes in live blocks of regular pages
	Huge      Counter // bytes in live huge and guarded blocks

	MallocCount     atomic.Int64
	FreeCount       atomic.Int64
	ThreadFreed     atomic.Int64 // blocks freed by a non-owner
	DelayedFreed    atomic.Int64 // blocks routed through a heap delayed list
	PagesExtended   atomic.Int64
	PagesRetired    atomic.Int64
	PagesReclaimed  atomic.Int64
	PagesFull       atomic.Int64 // moves into a full queue
	ArenaPurges     atomic.Int64
	PurgedBytes     atomic.Int64
	OSAllocs        atomic.Int64 // page allocations that fell back to the OS
	GuardedAllocs   atomic.Int64
	GenericSearches atomic.Int64

	reports [5]atomic.Int64
}

func reportIndex(c ErrorCode) int {
	switch c {
	case CodeDoubleFree:
		return 0
	case CodeOutOfMemory:
		return 1
	case CodeCorrupted:
		return 2
	case CodeInvalidFree:
		return 3
	default:
		return 4
	}
}

func (s *Stats) countReport(c ErrorCode) {
	s.reports[reportIndex(c)].Add(1)
}

// Reports returns how many reports with code were emitted.
func (s *Stats) Reports(c ErrorCode) int64 {
	return s.reports[reportIndex(c)].Load()
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Reserved  CounterSnapshot
	Committed CounterSnapshot
	Arenas    CounterSnapshot
	Pages     CounterSnapshot
	Abandoned CounterSnapshot
	Heaps     CounterSnapshot
	Malloc    CounterSnapshot
	Huge      CounterSnapshot

	MallocCount     int64
	FreeCount       int64
	ThreadFreed     int64
	DelayedFreed    int64
	PagesExtended   int64
	PagesRetired    int64
	PagesReclaimed  int64
	PagesFull       int64
	ArenaPurges     int64
	PurgedBytes     int64
	OSAllocs        int64
	GuardedAllocs   int64
	GenericSearches int64

	Reports map[ErrorCode]int64
}

// Snapshot copies s.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Reserved:        s.Reserved.Snapshot(),
		Committed:       s.Committed.Snapshot(),
		Arenas:          s.Arenas.Snapshot(),
		Pages:           s.Pages.Snapshot(),
		Abandoned:       s.Abandoned.Snapshot(),
		Heaps:           s.Heaps.Snapshot(),
		Malloc:          s.Malloc.Snapshot(),
		Huge:            s.Huge.Snapshot(),
		MallocCount:     s.MallocCount.Load(),
		FreeCount:       s.FreeCount.Load(),
		ThreadFreed:     s.ThreadFreed.Load(),
		DelayedFreed:    s.DelayedFreed.Load(),
		PagesExtended:   s.PagesExtended.Load(),
		PagesRetired:    s.PagesRetired.Load(),
		PagesReclaimed:  s.PagesReclaimed.Load(),
		PagesFull:       s.PagesFull.Load(),
		ArenaPurges:     s.ArenaPurges.Load(),
		PurgedBytes:     s.PurgedBytes.Load(),
		OSAllocs:        s.OSAllocs.Load(),
		GuardedAllocs:   s.GuardedAllocs.Load(),
		GenericSearches: s.GenericSearches.Load(),
		Reports:         make(map[ErrorCode]int64),
	}
	for _, c := range []ErrorCode{CodeDoubleFree, CodeOutOfMemory, CodeCorrupted, CodeInvalidFree, CodeOverflow} {
		if n := s.Reports(c); n > 0 {
			snap.Reports[c] = n
		}
	}
	return snap
}
