package engine

import (
	"fmt"

	"github.com/hupe1980/gomalloc/internal/freelist"
	"github.com/hupe1980/gomalloc/internal/osmem"
)

// allocPage takes memory for a page of bin from the heap's arenas and
// registers it in the page-map. guard extra bytes follow the block area;
// align applies to huge pages only.
func (e *Engine) allocPage(h *Heap, bin int, blockSize, guard, align uintptr) (*Page, error) {
	kind := pageKindOf(blockSize)
	if bin == BinHuge {
		kind = PageHuge
	}
	area := blockSize
	if kind != PageHuge {
		area = uintptr(pageBlocks(blockSize)) * BlockSize
	}
	blocks := int((area + guard + BlockSize - 1) / BlockSize)

	region, memid, err := e.allocBlocks(blocks, align, h.arenaID, h.numa)
	if err != nil {
		return nil, err
	}

	p := &Page{
		eng:        e,
		start:      osmem.Addr(region),
		region:     region,
		blockSize:  blockSize,
		kind:       kind,
		bin:        bin,
		tag:        h.tag,
		memid:      memid,
		freeIsZero: memid.InitiallyZero,
		keys:       freelist.Keys{h.rand.Uint64(), h.rand.Uint64()},
		null:       uintptr(h.rand.Uint64()) | 1,
	}
	if kind == PageHuge {
		p.reserved = 1
	} else {
		p.reserved = int(area / blockSize)
	}
	p.data = region[:uintptr(p.reserved)*blockSize]
	p.threadID.Store(h.threadID)
	p.heap.Store(h)

	if err := e.pages.Register(p.start, blocks, p); err != nil {
		e.freeBlocks(region, memid)
		return nil, fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	if memid.Kind == osmem.MemOS {
		e.osMu.Lock()
		e.osPages[p] = struct{}{}
		e.osMu.Unlock()
	}
	e.stats.Pages.Increase(1)
	return p, nil
}

// releasePage unregisters p and returns its memory. The page must not hold
// live blocks.
func (e *Engine) releasePage(p *Page) {
	if p.released {
		return
	}
	p.released = true
	if e.closed.Load() {
		return
	}
	e.pages.Unregister(p.start, len(p.region)/BlockSize)
	if p.guarded {
		if err := e.os.Unprotect(p.region[len(p.data):]); err != nil {
			e.log.Warn("guard page unprotect failed", "page", p.start, "error", err)
		}
	}
	if p.memid.Kind == osmem.MemOS {
		e.osMu.Lock()
		delete(e.osPages, p)
		e.osMu.Unlock()
	}
	e.stats.Pages.Decrease(1)
	e.freeBlocks(p.region, p.memid)
}
