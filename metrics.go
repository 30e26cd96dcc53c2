package gomalloc

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems. For the
// allocator's own statistics see NewPrometheusCollector.
//
// Collectors are called on every allocation and must be cheap and safe for
// concurrent use.
type MetricsCollector interface {
	// RecordMalloc is called after each allocation. size is the requested
	// size, err is nil if successful.
	RecordMalloc(size int, err error)

	// RecordFree is called after each free.
	RecordFree(err error)

	// RecordCollect is called after each explicit collection.
	RecordCollect(force bool, duration time.Duration)

	// RecordHeap is called when a heap is created or closed.
	RecordHeap(opened bool)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordMalloc(int, error) {}
func (NoopMetricsCollector) RecordFree(error) {}
func (NoopMetricsCollector) RecordCollect(bool, time.Duration) {}
func (NoopMetricsCollector) RecordHeap(bool) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	MallocCount      atomic.Int64
	MallocErrors     atomic.Int64
	MallocBytes      atomic.Int64
	FreeCount        atomic.Int64
	FreeErrors       atomic.Int64
	CollectCount     atomic.Int64
	CollectForced    atomic.Int64
	CollectTotalNano atomic.Int64
	HeapsOpened      atomic.Int64
	HeapsClosed      atomic.Int64
}

// RecordMalloc implements MetricsCollector.
func (b *BasicMetricsCollector) RecordMalloc(size int, err error) {
	b.MallocCount.Add(1)
	if err != nil {
		b.MallocErrors.Add(1)
		return
	}
	b.MallocBytes.Add(int64(size))
}

// RecordFree implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFree(err error) {
	b.FreeCount.Add(1)
	if err != nil {
		b.FreeErrors.Add(1)
	}
}

// RecordCollect implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCollect(force bool, duration time.Duration) {
	b.CollectCount.Add(1)
	if force {
		b.CollectForced.Add(1)
	}
	b.CollectTotalNano.Add(duration.Nanoseconds())
}

// RecordHeap implements MetricsCollector.
func (b *BasicMetricsCollector) RecordHeap(opened bool) {
	if opened {
		b.HeapsOpened.Add(1)
	} else {
		b.HeapsClosed.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		MallocCount:     b.MallocCount.Load(),
		MallocErrors:    b.MallocErrors.Load(),
		MallocBytes:     b.MallocBytes.Load(),
		FreeCount:       b.FreeCount.Load(),
		FreeErrors:      b.FreeErrors.Load(),
		CollectCount:    b.CollectCount.Load(),
		CollectForced:   b.CollectForced.Load(),
		CollectAvgNanos: b.getAvgCollectNanos(),
		HeapsOpened:     b.HeapsOpened.Load(),
		HeapsClosed:     b.HeapsClosed.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgCollectNanos() int64 {
	count := b.CollectCount.Load()
	if count == 0 {
		return 0
	}
	return b.CollectTotalNano.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	MallocCount     int64
	MallocErrors    int64
	MallocBytes     int64
	FreeCount       int64
	FreeErrors      int64
	CollectCount    int64
	CollectForced   int64
	CollectAvgNanos int64
	HeapsOpened     int64
	HeapsClosed     int64
}
