// Package engine implements the allocation core: arenas carved into pages,
// pages carved into blocks of one size class, and per-goroutine heaps that
// own pages and serve allocations from them.
//
// # Ownership
//
// Every live page has exactly one owner at a time, recorded as a thread id.
// Only the owning heap touches a page's local free lists, capacity and used
// count. Any other goroutine that frees a block pushes it onto the page's
// atomic thread-free list, which the owner drains on its slow path.
//
// A page's thread-free word packs the list head with a two-bit delay state:
//
//	NoDelay         push directly onto the page list
//	Delayed         page sits in its heap's full queue; hand the block to the
//	                heap's delayed list so the heap notices the page again
//	DelayedFreeing  a handoff or drain is in progress; retry
//	Never           page has no live heap; push, then try to claim the page
//
// # Lifecycle
//
// Pages move Fresh -> Active -> Full and back as blocks are used and freed.
// A fully free page is either retired for a bounded number of slow-path
// cycles or released to its arena. Closing a heap abandons its remaining
// pages: their thread id drops to zero and they are recorded in the arena's
// abandoned sets, where any other heap may reclaim them.
//
// # Memory
//
// Block memory lives outside the Go heap. Addresses are opaque uintptr
// handles; all reads and writes go through the owning page's []byte view.
package engine
