// Package gomalloc provides a concurrent, page-based memory allocator for
// off-heap byte buffers.
//
// Memory is reserved from the OS in large arenas and carved into pages of
// equally sized blocks. Each goroutine allocates through its own Heap
// without locks; blocks freed by other goroutines are returned to the
// owning page through an atomic list and picked up on the owner's next slow
// path. Pages of a closed heap are abandoned and reclaimed by other heaps.
//
// # Quick Start
//
//	alloc, err := gomalloc.New()
//	if err != nil {
//	    return err
//	}
//	defer alloc.Close()
//
//	heap, err := alloc.NewHeap()
//	if err != nil {
//	    return err
//	}
//	defer heap.Close()
//
//	buf, err := heap.Malloc(256)
//	if err != nil {
//	    return err
//	}
//	copy(buf, "hello")
//	_ = heap.Free(buf)
//
// # Blocks
//
// Allocations are []byte slices over memory the Go garbage collector does
// not see. The slice length is the requested size, its capacity the usable
// size of the block. A block must be freed exactly once, with the slice as
// returned, and must not be touched afterwards. Go pointers must not be
// stored in blocks.
//
// # Heaps and goroutines
//
// A Heap is owned by one goroutine at a time. Any goroutine may free any
// block, through its own heap or Allocator.Free. Heap.Close keeps live
// blocks valid; Heap.Destroy frees them.
//
// # Hardening
//
// Free lists are encoded with per-page keys, so corrupted or forged next
// pointers are detected instead of followed. WithSecure adds randomised
// block order and the double-free check, WithGuardedSampleRate places
// sampled allocations against a protected guard page, and
// WithAbortOnCorruption turns integrity reports into panics.
//
// # Configuration
//
// Options are passed to New, or read from the environment:
//
//	opts, err := gomalloc.OptionsFromEnv() // GOMALLOC_MEMORY_LIMIT=1GB ...
//	alloc, err := gomalloc.New(opts...)
//
// # Observability
//
// Allocator.Stats returns a snapshot of all counters; NewPrometheusCollector
// exports them. Structured logs are written through log/slog (see Logger).
package gomalloc
