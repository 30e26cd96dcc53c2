package engine

import (
	"runtime"

	"github.com/hupe1980/gomalloc/internal/freelist"
)

// free releases addr on behalf of h, which may be nil for heap-less frees.
func (e *Engine) free(h *Heap, addr uintptr) error {
	if e.closed.Load() {
		return ErrClosed
	}
	p := e.pages.Lookup(addr)
	if p == nil {
		e.report(CodeInvalidFree, addr, "pointer does not point to a valid heap space")
		return ErrInvalidFree
	}
	b, ok := p.blockOf(addr)
	if !ok {
		e.report(CodeInvalidFree, addr, "pointer is not the start of a block of size %d", p.blockSize)
		return ErrInvalidFree
	}

	if h != nil && !h.closed && p.threadID.Load() == h.threadID {
		return h.freeOwned(p, b)
	}
	e.freeMT(p, b)
	return nil
}

// freeOwned frees b into a page owned by the calling goroutine.
func (h *Heap) freeOwned(p *Page, b uintptr) error {
	if b >= p.start+uintptr(p.capacity)*p.blockSize {
		h.e.report(CodeInvalidFree, b, "pointer is past the initialized blocks of page %#x", p.start)
		return ErrInvalidFree
	}
	if h.e.cfg.DoubleFreeCheck && p.isDoubleFree(b) {
		h.e.report(CodeDoubleFree, b, "double free detected of block %#x with size %d", b, p.blockSize)
		return ErrDoubleFree
	}
	h.e.stats.Malloc.Decrease(int64(p.blockSize))
	h.e.stats.FreeCount.Add(1)
	h.freeLocal(p, b)
	return nil
}

// freeMT pushes b onto the thread-free list of a page owned elsewhere.
func (e *Engine) freeMT(p *Page, b uintptr) {
	if p.singleton() {
		e.stats.Huge.Decrease(int64(p.blockSize))
	} else {
		e.stats.Malloc.Decrease(int64(p.blockSize))
	}
	e.stats.FreeCount.Add(1)
	e.stats.ThreadFreed.Add(1)

	for {
		tf := p.xthreadFree.Load()
		switch s := tfState(tf); s {
		case DelayedFreeing:
			runtime.Gosched()

		case Delayed:
			// Hand the block to the owning heap so it notices the full page.
			if !p.xthreadFree.CompareAndSwap(tf, tfMake(tfBlock(tf), DelayedFreeing)) {
				continue
			}
			if h := p.heap.Load(); h != nil {
				h.pushDelayed(p, b)
				e.stats.DelayedFreed.Add(1)
				p.endHandoff(0)
			} else {
				p.endHandoff(b)
			}
			return

		default:
			p.setNext(b, tfBlock(tf))
			if p.xthreadFree.CompareAndSwap(tf, tfMake(b, s)) {
				if s == Never {
					e.tryReleaseAbandoned(p)
				}
				return
			}
		}
	}
}

// endHandoff leaves DelayedFreeing for NoDelay, pushing b onto the page list
// if it is not zero. The caller holds DelayedFreeing.
func (p *Page) endHandoff(b uintptr) {
	tf := p.xthreadFree.Load()
	head := tfBlock(tf)
	if b != 0 {
		p.setNext(b, head)
		head = b
	}
	p.xthreadFree.Store(tfMake(head, NoDelay))
}

// pushDelayed adds b to the heap's delayed free list. Safe for concurrent use.
func (h *Heap) pushDelayed(p *Page, b uintptr) {
	for {
		head := h.delayed.Load()
		p.storeWord(b, freelist.Encode(h.cookie, uintptr(head), h.keys))
		if h.delayed.CompareAndSwap(head, uint64(b)) {
			return
		}
	}
}

// delayedFreePartial frees the blocks on the delayed list. Blocks whose page
// is mid-handoff are pushed back; it reports whether the list was emptied.
func (h *Heap) delayedFreePartial() bool {
	if h.delayed.Load() == 0 {
		return true
	}
	b := uintptr(h.delayed.Swap(0))
	done := true
	for b != 0 {
		p := h.e.pages.Lookup(b)
		if p == nil {
			h.e.report(CodeCorrupted, b, "delayed free list entry outside the heap")
			break
		}
		next := freelist.Decode(h.cookie, p.loadWord(b), h.keys)
		if next != 0 && h.e.pages.Lookup(next) == nil {
			h.e.report(CodeCorrupted, b, "corrupted delayed free list entry")
			next = 0
		}
		if !h.freeDelayedBlock(p, b) {
			done = false
			h.pushDelayed(p, b)
		}
		b = next
	}
	return done
}

// delayedFreeAll empties the delayed list.
func (h *Heap) delayedFreeAll() {
	for !h.delayedFreePartial() {
		runtime.Gosched()
	}
}

// freeDelayedBlock frees a block handed over through the delayed list.
func (h *Heap) freeDelayedBlock(p *Page, b uintptr) bool {
	// Re-arm the handoff before collecting so a block arriving meanwhile is
	// never left on the page list of a page nobody looks at.
	want := NoDelay
	if p.inFull {
		want = Delayed
	}
	if !p.tryUseDelayedFree(want, false) {
		return false
	}
	p.collect(false)
	h.freeLocal(p, b)
	return true
}
