package gomalloc

import (
	"context"

	"github.com/hupe1980/gomalloc/internal/engine"
	"github.com/hupe1980/gomalloc/internal/osmem"
)

// BlockInfo describes a live block visited by Heap.VisitBlocks.
type BlockInfo = engine.BlockInfo

// PageKind is the size class of the page holding a block.
type PageKind = engine.PageKind

const (
	PageSmall  = engine.PageSmall
	PageMedium = engine.PageMedium
	PageLarge  = engine.PageLarge
	PageHuge   = engine.PageHuge
)

// Heap allocates blocks for one owner goroutine.
//
// A Heap is not safe for concurrent use. Blocks may be freed through any
// heap or through Allocator.Free; blocks owned by another heap are returned
// to their owner without locks.
//
// Blocks are slices over memory outside the Go heap: their length is the
// requested size and their capacity the usable size. They must not be used
// after being freed and must be freed with the slice as returned (or a
// reslice starting at index 0).
type Heap struct {
	h      *engine.Heap
	a      *Allocator
	logger *Logger
}

// ID returns the heap's owner id.
func (h *Heap) ID() uint64 { return h.h.ThreadID() }

// Allocator returns the allocator the heap belongs to.
func (h *Heap) Allocator() *Allocator { return h.a }

// Malloc allocates size bytes. The contents are unspecified.
func (h *Heap) Malloc(size int) ([]byte, error) {
	b, err := h.h.Malloc(size)
	h.a.metrics.RecordMalloc(size, err)
	return b, err
}

// Zalloc allocates size zeroed bytes.
func (h *Heap) Zalloc(size int) ([]byte, error) {
	b, err := h.h.Zalloc(size)
	h.a.metrics.RecordMalloc(size, err)
	return b, err
}

// Calloc allocates count*size zeroed bytes. It fails with ErrOverflow when
// the product overflows.
func (h *Heap) Calloc(count, size int) ([]byte, error) {
	b, err := h.h.Calloc(count, size)
	h.a.metrics.RecordMalloc(len(b), err)
	return b, err
}

// MallocAligned allocates size bytes at an address that is a multiple of
// alignment, which must be a power of two.
func (h *Heap) MallocAligned(size, alignment int) ([]byte, error) {
	b, err := h.h.MallocAligned(size, alignment)
	h.a.metrics.RecordMalloc(size, err)
	return b, err
}

// Realloc resizes b to newSize bytes, preserving its contents up to the
// smaller of both sizes. The block is kept when newSize fits and uses at
// least half of it; otherwise it is moved and b must no longer be used.
// A nil b behaves like Malloc.
func (h *Heap) Realloc(b []byte, newSize int) ([]byte, error) {
	nb, err := h.h.Realloc(osmem.Addr(b), newSize)
	h.a.metrics.RecordMalloc(newSize, err)
	return nb, err
}

// Free releases b. Freeing nil is a no-op.
func (h *Heap) Free(b []byte) error {
	if cap(b) == 0 {
		return nil
	}
	err := h.h.Free(osmem.Addr(b))
	h.a.metrics.RecordFree(err)
	return err
}

// UsableSize returns the number of bytes usable in b's block, or 0 if b is
// not a live block.
func (h *Heap) UsableSize(b []byte) int {
	return h.h.UsableSize(osmem.Addr(b))
}

// Collect frees retired pages and processes pending cross-goroutine frees.
// With force set, all empty pages are released and freed arena ranges are
// purged.
func (h *Heap) Collect(force bool) {
	h.h.Collect(force)
}

// VisitBlocks calls fn for every live block of the heap until fn returns
// false.
func (h *Heap) VisitBlocks(fn func(BlockInfo) bool) {
	h.h.VisitBlocks(fn)
}

// NewChild creates a heap with the same owner that hands its pages back to
// h when closed.
func (h *Heap) NewChild() (*Heap, error) {
	c, err := h.h.NewChild()
	if err != nil {
		return nil, err
	}
	h.a.metrics.RecordHeap(true)
	return &Heap{h: c, a: h.a, logger: h.logger}, nil
}

// Close gives up the heap. Pages still holding live blocks are abandoned
// and reclaimed later by other heaps; the blocks stay valid.
func (h *Heap) Close() error {
	return h.finish(false)
}

// Destroy frees every block of the heap and releases its pages. Blocks of
// the heap must not be used afterwards.
func (h *Heap) Destroy() error {
	return h.finish(true)
}

func (h *Heap) finish(destroy bool) error {
	if h.h.Closed() {
		return nil
	}
	pages := h.h.PageCount()

	var err error
	if destroy {
		err = h.h.Destroy()
	} else {
		err = h.h.Close()
	}
	if err != nil {
		h.logger.LogError(context.Background(), "heap close", err)
		return err
	}
	h.a.metrics.RecordHeap(false)
	h.logger.LogHeapClose(context.Background(), h.ID(), pages, destroy)
	return nil
}
