// Package resource governs the allocator's process-wide budgets.
//
// The Controller manages three resources:
//
//   - Memory: bytes mapped from the OS (arenas and huge pages) against an
//     optional hard limit (non-blocking, fail-fast)
//   - Purge slots: how many goroutines may scan arenas for purge at once
//   - Reports: a token bucket that keeps a flood of integrity errors from
//     flooding the log
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                         Controller                          │
//	├─────────────────┬─────────────────┬─────────────────────────┤
//	│  Memory Limit   │  Purge Slots    │  Report Limiter         │
//	│  (fail-fast)    │  (sem)          │  (token bucket)         │
//	├─────────────────┼─────────────────┼─────────────────────────┤
//	│  AcquireMemory  │  TryAcquire-    │  AllowReport            │
//	│  ReleaseMemory  │  Background     │                         │
//	│  MemoryUsage    │  Release        │                         │
//	└─────────────────┴─────────────────┴─────────────────────────┘
//
// # Memory Management
//
// AcquireMemory is non-blocking and returns ErrMemoryLimitExceeded
// immediately; the allocator turns that into an out-of-memory result:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes: 1 << 30,
//	})
//
//	if err := rc.AcquireMemory(arenaSize); err != nil {
//	    // fall back or fail the allocation
//	}
//	defer rc.ReleaseMemory(arenaSize)
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully - they become no-ops.
package resource
