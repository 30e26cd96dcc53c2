package engine

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync/atomic"

	"github.com/hupe1980/gomalloc/internal/freelist"
	"github.com/hupe1980/gomalloc/internal/osmem"
	"github.com/hupe1980/gomalloc/internal/random"
)

const (
	// Every this many slow-path calls a heap advances retirement and gives
	// the arenas a chance to purge.
	heartbeatInterval = 1000

	// Pages inspected when picking a candidate from a queue.
	maxCandidates = 4

	// Abandoned pages tried per fresh-page request.
	maxReclaimTries = 8

	maxAlignment = 1 << 30
)

// Heap is a per-goroutine allocation front end. It is not safe for
// concurrent use; frees of its blocks from other goroutines go through
// Engine.Free or another heap.
type Heap struct {
	e        *Engine
	threadID uint64
	tag      uint8
	arenaID  ArenaID
	numa     int
	backing  *Heap

	rand   *random.Ctx
	keys   freelist.Keys // delayed list links
	cookie uintptr       // delayed list terminator

	direct [pagesDirect]*Page
	queues [binCount]pageQueue

	delayed atomic.Uint64 // delayed free list head

	pageCount  int
	retiredMin int
	retiredMax int
	heartbeat  int
	noReclaim  bool
	closed     bool

	guardedRate  int
	guardedCount int
	guardedMin   uintptr
	guardedMax   uintptr

	log *slog.Logger
}

func newHeap(e *Engine, tid uint64, hc HeapConfig, rnd *random.Ctx) *Heap {
	h := &Heap{
		e:          e,
		threadID:   tid,
		tag:        hc.Tag,
		arenaID:    hc.Arena,
		numa:       e.cfg.NumaNode,
		rand:       rnd,
		keys:       freelist.Keys{rnd.Uint64(), rnd.Uint64()},
		cookie:     uintptr(rnd.Uint64()) | 1,
		noReclaim:  hc.NoReclaim || hc.Arena > 0,
		retiredMin: binCount,
		log:        e.log.With("heap", tid),
	}
	for i := range h.queues {
		h.queues[i].blockSize = binSizes[i]
	}
	if rate := e.cfg.GuardedSampleRate; rate > 0 {
		h.guardedRate = rate
		h.guardedCount = rnd.IntN(rate)
		h.guardedMin = uintptr(max(e.cfg.GuardedMinSize, 0))
		h.guardedMax = uintptr(e.cfg.GuardedMaxSize)
	}
	return h
}

// ThreadID returns the heap's owner id.
func (h *Heap) ThreadID() uint64 { return h.threadID }

// Tag returns the heap's tag.
func (h *Heap) Tag() uint8 { return h.tag }

// Engine returns the engine the heap allocates from.
func (h *Heap) Engine() *Engine { return h.e }

// PageCount returns the number of pages in the heap's queues.
func (h *Heap) PageCount() int { return h.pageCount }

// Closed reports whether the heap was closed or destroyed.
func (h *Heap) Closed() bool { return h.closed }

// NewChild creates a heap that shares h's owner and hands its pages back to
// h when closed.
func (h *Heap) NewChild() (*Heap, error) {
	if h.closed {
		return nil, ErrClosed
	}
	c := newHeap(h.e, h.threadID, HeapConfig{Arena: h.arenaID, Tag: h.tag, NoReclaim: h.noReclaim}, h.rand.Split())
	c.backing = h
	h.e.stats.Heaps.Increase(1)
	return c, nil
}

// Malloc allocates size bytes.
func (h *Heap) Malloc(size int) ([]byte, error) {
	return h.malloc(size, false)
}

// Zalloc allocates size zeroed bytes.
func (h *Heap) Zalloc(size int) ([]byte, error) {
	return h.malloc(size, true)
}

// Calloc allocates count*size zeroed bytes.
func (h *Heap) Calloc(count, size int) ([]byte, error) {
	if count < 0 || size < 0 {
		return nil, ErrInvalidArgument
	}
	hi, lo := bits.Mul64(uint64(count), uint64(size))
	if hi != 0 || lo > MaxAllocSize {
		h.e.report(CodeOverflow, 0, "allocation request is too large (%d * %d bytes)", count, size)
		return nil, fmt.Errorf("%w: %d * %d bytes", ErrOverflow, count, size)
	}
	return h.malloc(int(lo), true)
}

func (h *Heap) malloc(size int, zero bool) ([]byte, error) {
	if size < 0 {
		return nil, ErrInvalidArgument
	}
	if h.e.closed.Load() {
		return nil, ErrClosed
	}
	if h.guardedRate > 0 && h.useGuarded(uintptr(size)) {
		if b, ok := h.mallocGuarded(uintptr(size), zero); ok {
			return b, nil
		}
	}
	if size <= SmallSizeMax {
		if p := h.direct[wsizeOf(uintptr(size))]; p != nil && p.free != 0 {
			return h.take(p, uintptr(size), zero), nil
		}
	}
	p, err := h.mallocGeneric(uintptr(size), 0)
	if err != nil {
		return nil, err
	}
	return h.take(p, uintptr(size), zero), nil
}

// take pops a block from p, which must have one immediately available.
func (h *Heap) take(p *Page, size uintptr, zero bool) []byte {
	b := p.popFree()
	if zero {
		p.zeroBlock(b)
	}
	h.e.stats.MallocCount.Add(1)
	if p.singleton() {
		h.releaseSingleton(p)
	} else {
		h.e.stats.Malloc.Increase(int64(p.blockSize))
	}
	return p.slice(b, size)
}

// mallocGeneric finds a page with a free block for size, creating or
// reclaiming one as needed.
func (h *Heap) mallocGeneric(size, hugeAlign uintptr) (*Page, error) {
	if h.closed {
		return nil, ErrClosed
	}
	if size > MaxAllocSize {
		h.e.report(CodeOutOfMemory, 0, "allocation request is too large (%d bytes)", size)
		return nil, fmt.Errorf("%w: request of %d bytes", ErrOutOfMemory, size)
	}
	h.e.stats.GenericSearches.Add(1)
	if h.heartbeat++; h.heartbeat >= heartbeatInterval {
		h.heartbeat = 0
		h.collectRetired(false)
		h.e.tryPurge(false)
	}
	h.delayedFreePartial()

	p, err := h.findPage(size, hugeAlign)
	if err != nil {
		// Release what we can and try once more.
		h.Collect(true)
		if p, err = h.findPage(size, hugeAlign); err != nil {
			h.e.report(CodeOutOfMemory, 0, "unable to allocate %d bytes: %v", size, err)
			return nil, err
		}
	}
	return p, nil
}

func (h *Heap) findPage(size, hugeAlign uintptr) (*Page, error) {
	if size > LargeObjSizeMax || hugeAlign > 0 {
		return h.hugePage(size, hugeAlign)
	}
	q := &h.queues[BinOf(size)]
	if p := q.first; p != nil {
		p.collect(false)
		if p.immediateAvailable() {
			p.retireExpire = 0
			return p, nil
		}
	}
	return h.queueFindFree(q)
}

// queueFindFree searches q for a page with free blocks. Among the first
// candidates it prefers the most used page that is not nearly full.
func (h *Heap) queueFindFree(q *pageQueue) (*Page, error) {
	var candidate *Page
	limit := 0
	for p := q.first; p != nil; {
		next := p.next
		limit--
		p.collect(false)
		available := p.immediateAvailable()

		if !available && !p.expandable() {
			h.pageToFull(p, q)
		} else {
			switch {
			case candidate == nil:
				candidate = p
				limit = maxCandidates
			case candidate.allFree():
				h.pageFree(candidate, q)
				candidate = p
			case p.used >= candidate.used && !p.mostlyUsed() && !p.expandable():
				candidate = p
			}
			if available || limit <= 0 {
				break
			}
		}
		p = next
	}

	if candidate != nil {
		if !candidate.immediateAvailable() {
			h.extend(candidate)
		}
		if candidate.immediateAvailable() {
			h.queueMoveToFront(q, candidate)
			candidate.retireExpire = 0
			return candidate, nil
		}
	}

	h.collectRetired(false)
	return h.pageFresh(q)
}

func (h *Heap) extend(p *Page) {
	if n := p.extend(h.rand, h.e.cfg.Secure); n > 0 {
		h.e.stats.PagesExtended.Add(1)
	}
}

// pageFresh reclaims an abandoned page with free blocks for q or allocates
// a new one.
func (h *Heap) pageFresh(q *pageQueue) (*Page, error) {
	bin := BinOf(q.blockSize)
	if p := h.reclaim(q, bin); p != nil {
		return p, nil
	}
	p, err := h.e.allocPage(h, bin, q.blockSize, 0, 0)
	if err != nil {
		return nil, err
	}
	h.pageCount++
	h.queuePush(q, p)
	h.extend(p)
	return p, nil
}

// hugePage maps a singleton page for one block of size bytes.
func (h *Heap) hugePage(size, align uintptr) (*Page, error) {
	bs := alignUp(max(size, WordSize), uintptr(h.e.os.PageSize()))
	p, err := h.e.allocPage(h, BinHuge, bs, 0, align)
	if err != nil {
		return nil, err
	}
	p.extend(nil, false)
	return p, nil
}

// releaseSingleton detaches a huge or guarded page after its block was
// handed out. Such pages have no owner; the goroutine freeing the block
// releases the page.
func (h *Heap) releaseSingleton(p *Page) {
	h.e.stats.Huge.Increase(int64(p.blockSize))
	p.heap.Store(nil)
	p.xthreadFree.Store(tfMake(0, Never))
	p.threadID.Store(0)
}

// MallocAligned allocates size bytes at an address that is a multiple of
// alignment, which must be a power of two.
func (h *Heap) MallocAligned(size, alignment int) ([]byte, error) {
	if size < 0 || alignment <= 0 || alignment > maxAlignment || !osmem.IsPowerOfTwo(alignment) {
		return nil, fmt.Errorf("%w: size %d alignment %d", ErrInvalidArgument, size, alignment)
	}
	if alignment <= WordSize {
		return h.Malloc(size)
	}
	align := uintptr(alignment)
	if uintptr(size)+align-1 > LargeObjSizeMax || align > BlockSize {
		if h.e.closed.Load() {
			return nil, ErrClosed
		}
		p, err := h.mallocGeneric(uintptr(size), align)
		if err != nil {
			return nil, err
		}
		return h.take(p, uintptr(size), false), nil
	}

	// Blocks of a size that is a multiple of the alignment are aligned
	// already because pages start on arena block boundaries.
	if size > 0 && uintptr(size)%align == 0 && size <= SmallSizeMax {
		if bs := BinSize(BinOf(uintptr(size))); bs%align == 0 {
			return h.Malloc(size)
		}
	}

	over, err := h.Malloc(size + alignment - 1)
	if err != nil {
		return nil, err
	}
	addr := osmem.Addr(over)
	aligned := alignUp(addr, align)
	if aligned == addr {
		return over[:size], nil
	}
	p := h.e.pages.Lookup(addr)
	if p == nil {
		h.e.report(CodeCorrupted, addr, "aligned allocation from an unmapped page")
		return nil, ErrCorruptedFreeList
	}
	p.hasAligned = true
	return p.slice(aligned, uintptr(size)), nil
}

// Realloc resizes the block at addr, moving it when the new size does not
// fit or would waste more than half of the block.
func (h *Heap) Realloc(addr uintptr, newSize int) ([]byte, error) {
	if newSize < 0 {
		return nil, ErrInvalidArgument
	}
	if addr == 0 {
		return h.Malloc(newSize)
	}
	p := h.e.pages.Lookup(addr)
	if p == nil {
		h.e.report(CodeInvalidFree, addr, "realloc of pointer not owned by the allocator")
		return nil, ErrInvalidFree
	}
	if _, ok := p.blockOf(addr); !ok {
		h.e.report(CodeInvalidFree, addr, "realloc of pointer inside a block of size %d", p.blockSize)
		return nil, ErrInvalidFree
	}
	usable := p.usableSize(addr)
	if ns := uintptr(newSize); ns <= usable && ns >= usable/2 && ns > 0 {
		return p.slice(addr, ns), nil
	}
	nb, err := h.Malloc(newSize)
	if err != nil {
		return nil, err
	}
	copy(nb, p.slice(addr, usable))
	if err := h.Free(addr); err != nil {
		return nb, err
	}
	return nb, nil
}

// Free releases the block at addr. Blocks of other heaps are accepted.
func (h *Heap) Free(addr uintptr) error {
	if addr == 0 {
		return nil
	}
	return h.e.free(h, addr)
}

// UsableSize returns the usable bytes of the block at addr.
func (h *Heap) UsableSize(addr uintptr) int {
	return h.e.UsableSize(addr)
}

// freeLocal returns b to the local free list of p, which this goroutine owns.
func (h *Heap) freeLocal(p *Page, b uintptr) {
	p.setNext(b, p.localFree)
	p.localFree = b
	p.used--

	owner := p.heap.Load()
	if owner == nil {
		owner = h
	}
	switch {
	case p.used == 0:
		owner.pageRetire(p)
	case p.inFull:
		owner.pageUnfull(p)
	}
}

// pageRetire handles a page whose blocks are all free. The only page of a
// small or medium bin is kept for a few cycles to absorb allocation bursts.
func (h *Heap) pageRetire(p *Page) {
	p.hasAligned = false
	q := h.queueOf(p)
	if !p.inFull && p.blockSize <= MediumObjSizeMax && q.first == p && q.last == p {
		cycles := h.e.cfg.RetireCycles
		if p.blockSize > SmallObjSizeMax {
			cycles = max(1, cycles/4)
		}
		p.retireExpire = 1 + cycles
		h.retiredMin = min(h.retiredMin, p.bin)
		h.retiredMax = max(h.retiredMax, p.bin)
		h.e.stats.PagesRetired.Add(1)
		return
	}
	h.pageFree(p, q)
}

// collectRetired ages retired pages and releases expired ones.
func (h *Heap) collectRetired(force bool) {
	lo, hi := binCount, 0
	for bin := h.retiredMin; bin <= h.retiredMax && bin < BinHuge; bin++ {
		q := &h.queues[bin]
		p := q.first
		if p == nil || p.retireExpire == 0 {
			continue
		}
		if !p.allFree() {
			p.retireExpire = 0
			continue
		}
		p.retireExpire--
		if force || p.retireExpire == 0 {
			h.pageFree(p, q)
			continue
		}
		lo, hi = min(lo, bin), max(hi, bin)
	}
	h.retiredMin, h.retiredMax = lo, hi
}

// pageToFull moves p to the full queue. Frees from other goroutines then go
// through the heap's delayed list so the heap notices the page again.
func (h *Heap) pageToFull(p *Page, q *pageQueue) {
	if p.inFull {
		return
	}
	p.useDelayedFree(Delayed, false)
	h.queueEnqueueFrom(&h.queues[BinFull], q, p)
	h.e.stats.PagesFull.Add(1)
	// A free may have slipped in before the state changed.
	p.collect(false)
	if p.free != 0 || p.localFree != 0 {
		h.pageUnfull(p)
	}
}

// pageUnfull moves p from the full queue back to its bin.
func (h *Heap) pageUnfull(p *Page) {
	if !p.inFull {
		return
	}
	p.useDelayedFree(NoDelay, false)
	h.queueEnqueueFrom(&h.queues[p.bin], &h.queues[BinFull], p)
}

// pageFree removes p from q and releases it.
func (h *Heap) pageFree(p *Page, q *pageQueue) {
	h.queueRemove(q, p)
	p.inFull = false
	p.retireExpire = 0
	h.pageCount--
	h.e.releasePage(p)
}

// forEachPage calls fn for every page in the heap's queues. fn may remove
// the page it is given.
func (h *Heap) forEachPage(fn func(p *Page, q *pageQueue)) {
	for i := range h.queues {
		q := &h.queues[i]
		for p := q.first; p != nil; {
			next := p.next
			fn(p, q)
			p = next
		}
	}
}

// Collect releases fully free pages and processes pending frees. With force
// set, retired pages are released too and purging ignores its delay.
func (h *Heap) Collect(force bool) {
	if h.closed {
		return
	}
	h.delayedFreeAll()
	h.forEachPage(func(p *Page, q *pageQueue) {
		p.collect(force)
		switch {
		case p.allFree() && (force || p.retireExpire == 0):
			h.pageFree(p, q)
		case p.inFull && (p.free != 0 || p.localFree != 0):
			h.pageUnfull(p)
		}
	})
	h.collectRetired(force)
	h.e.Collect(force)
}

// Close gives up the heap. A child heap hands its pages to its backing heap;
// otherwise pages that still hold live blocks are abandoned for other heaps
// to reclaim.
func (h *Heap) Close() error {
	if h.closed {
		return nil
	}
	if h.e.closed.Load() {
		h.closed = true
		return nil
	}
	if b := h.backing; b != nil && !b.closed {
		b.absorb(h)
	} else {
		h.abandonAll()
	}
	h.finish()
	return nil
}

func (h *Heap) abandonAll() {
	// No handoff may target this heap once its pages are gone.
	h.forEachPage(func(p *Page, _ *pageQueue) {
		p.useDelayedFree(Never, false)
	})
	h.delayedFreeAll()

	abandoned := 0
	h.forEachPage(func(p *Page, q *pageQueue) {
		p.collect(true)
		if p.allFree() {
			h.pageFree(p, q)
			return
		}
		q.remove(p)
		p.inFull = false
		p.retireExpire = 0
		h.pageCount--
		h.e.abandon(p)
		abandoned++
		// Blocks freed between the collect and the abandon may have
		// emptied the page.
		if tfBlock(p.xthreadFree.Load()) != 0 {
			h.e.tryReleaseAbandoned(p)
		}
	})
	if abandoned > 0 {
		h.log.Debug("heap pages abandoned", "pages", abandoned)
	}
}

// absorb takes over all pages of from, which shares h's owner.
func (h *Heap) absorb(from *Heap) {
	from.delayedFreePartial()
	for i := range from.queues {
		q := &from.queues[i]
		for p := q.first; p != nil; {
			next := p.next
			q.remove(p)
			p.heap.Store(h)
			// Waits out in-flight handoffs so later ones see the new heap.
			if p.inFull {
				p.useDelayedFree(Delayed, false)
				h.queues[BinFull].pushBack(p)
			} else {
				p.useDelayedFree(NoDelay, false)
				h.queues[i].pushBack(p)
				h.updateDirect(&h.queues[i])
			}
			h.pageCount++
			p = next
		}
		from.updateDirect(q)
	}
	from.pageCount = 0
	from.delayedFreeAll()
}

// Destroy releases every page of the heap, including blocks still in use.
func (h *Heap) Destroy() error {
	if h.closed {
		return nil
	}
	if h.e.closed.Load() {
		h.closed = true
		return nil
	}
	h.forEachPage(func(p *Page, _ *pageQueue) {
		p.useDelayedFree(Never, true)
	})
	// Blocks on the delayed list were counted as freed already.
	for b := uintptr(h.delayed.Swap(0)); b != 0; {
		p := h.e.pages.Lookup(b)
		if p == nil {
			break
		}
		next := freelist.Decode(h.cookie, p.loadWord(b), h.keys)
		p.used--
		b = next
	}
	h.forEachPage(func(p *Page, q *pageQueue) {
		p.collect(true)
		if p.used > 0 {
			h.e.stats.Malloc.Decrease(int64(p.used) * int64(p.blockSize))
		}
		h.pageFree(p, q)
	})
	h.finish()
	return nil
}

func (h *Heap) finish() {
	clear(h.direct[:])
	h.retiredMin, h.retiredMax = binCount, 0
	h.closed = true
	h.e.stats.Heaps.Decrease(1)
}

// BlockInfo describes a live block.
type BlockInfo struct {
	Addr      uintptr
	BlockSize uintptr
	Kind      PageKind
}

// VisitBlocks calls fn for every live block in the heap's pages until fn
// returns false. Huge and guarded blocks have no owning heap and are not
// visited.
func (h *Heap) VisitBlocks(fn func(BlockInfo) bool) {
	if h.closed {
		return
	}
	for i := range h.queues {
		for p := h.queues[i].first; p != nil; p = p.next {
			if !h.visitPage(p, fn) {
				return
			}
		}
	}
}

func (h *Heap) visitPage(p *Page, fn func(BlockInfo) bool) bool {
	p.collect(true)
	if p.used == 0 {
		return true
	}
	free := make([]bool, p.capacity)
	for b, steps := p.free, 0; b != 0 && steps < p.capacity; steps++ {
		free[p.blockIndex(b)] = true
		b = p.nextBlock(b)
	}
	for i := 0; i < p.capacity; i++ {
		if free[i] {
			continue
		}
		info := BlockInfo{Addr: p.start + uintptr(i)*p.blockSize, BlockSize: p.blockSize, Kind: p.kind}
		if !fn(info) {
			return false
		}
	}
	return true
}

// useGuarded decides whether this allocation is sampled onto a guarded page.
func (h *Heap) useGuarded(size uintptr) bool {
	if size < h.guardedMin || size > h.guardedMax {
		return false
	}
	h.guardedCount++
	if h.guardedCount < h.guardedRate {
		return false
	}
	h.guardedCount = 0
	return true
}
