package gomalloc

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/hupe1980/gomalloc/internal/engine"
)

// CounterSnapshot holds the current, peak and cumulative value of a counter.
type CounterSnapshot = engine.CounterSnapshot

// Stats is a point-in-time view of the allocator. Counters are updated as
// blocks are allocated and freed; blocks freed by another goroutine count as
// freed immediately, before the owner collects them.
type Stats struct {
	engine.StatsSnapshot

	// MemoryUsage is the number of bytes currently mapped from the OS.
	MemoryUsage int64
	// MemoryPeak is the high-water mark of MemoryUsage.
	MemoryPeak int64
	// MemoryLimit is the configured limit, 0 if unlimited.
	MemoryLimit int64
	// SuppressedReports counts reports dropped by the log rate limiter.
	SuppressedReports int64

	ArenaInfos []ArenaInfo
}

// Live returns the bytes held by live blocks.
func (s Stats) Live() int64 {
	return s.Malloc.Current + s.Huge.Current
}

// String renders the statistics for humans.
func (s Stats) String() string {
	var sb strings.Builder

	row := func(name string, c CounterSnapshot) {
		fmt.Fprintf(&sb, "%-10s current=%-10s peak=%-10s total=%s\n", name,
			humanize.IBytes(uint64(max(c.Current, 0))),
			humanize.IBytes(uint64(max(c.Peak, 0))),
			humanize.IBytes(uint64(max(c.Total, 0))))
	}
	row("reserved", s.Reserved)
	row("committed", s.Committed)
	row("malloc", s.Malloc)
	row("huge", s.Huge)

	fmt.Fprintf(&sb, "%-10s current=%s peak=%s", "mapped",
		humanize.IBytes(uint64(max(s.MemoryUsage, 0))),
		humanize.IBytes(uint64(max(s.MemoryPeak, 0))))
	if s.MemoryLimit > 0 {
		fmt.Fprintf(&sb, " limit=%s", humanize.IBytes(uint64(s.MemoryLimit)))
	}
	sb.WriteByte('\n')

	fmt.Fprintf(&sb, "%-10s current=%s peak=%s abandoned=%s heaps=%s arenas=%s\n", "pages",
		humanize.Comma(s.Pages.Current), humanize.Comma(s.Pages.Peak),
		humanize.Comma(s.Abandoned.Current), humanize.Comma(s.Heaps.Current),
		humanize.Comma(s.Arenas.Current))
	fmt.Fprintf(&sb, "%-10s malloc=%s free=%s thread-freed=%s delayed=%s\n", "blocks",
		humanize.Comma(s.MallocCount), humanize.Comma(s.FreeCount),
		humanize.Comma(s.ThreadFreed), humanize.Comma(s.DelayedFreed))
	fmt.Fprintf(&sb, "%-10s extended=%s retired=%s reclaimed=%s full=%s os=%s guarded=%s\n", "paths",
		humanize.Comma(s.PagesExtended), humanize.Comma(s.PagesRetired),
		humanize.Comma(s.PagesReclaimed), humanize.Comma(s.PagesFull),
		humanize.Comma(s.OSAllocs), humanize.Comma(s.GuardedAllocs))
	fmt.Fprintf(&sb, "%-10s count=%s bytes=%s\n", "purges",
		humanize.Comma(s.ArenaPurges), humanize.IBytes(uint64(max(s.PurgedBytes, 0))))

	for _, c := range []ErrorCode{CodeDoubleFree, CodeOutOfMemory, CodeCorrupted, CodeInvalidFree, CodeOverflow} {
		if n := s.Reports[c]; n > 0 {
			fmt.Fprintf(&sb, "%-10s %s=%s\n", "reports", c, humanize.Comma(n))
		}
	}
	return sb.String()
}
