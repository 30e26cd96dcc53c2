package engine

// mallocGuarded places one block flush against a protected OS page, so that
// writing past its end faults. It reports false when the guarded page could
// not be set up; the caller then allocates normally.
func (h *Heap) mallocGuarded(size uintptr, zero bool) ([]byte, bool) {
	e := h.e
	osPage := uintptr(e.os.PageSize())
	bsize := alignUp(max(size, WordSize), 16)
	area := alignUp(bsize, osPage)

	p, err := e.allocPage(h, BinHuge, area, osPage, 0)
	if err != nil {
		h.log.Debug("guarded allocation failed", "size", size, "error", err)
		return nil, false
	}
	if err := e.os.Protect(p.region[area : area+osPage]); err != nil {
		h.log.Debug("guard page protect failed", "size", size, "error", err)
	} else {
		p.guarded = true
	}

	p.extend(nil, false)
	p.popFree()
	b := p.start + area - bsize
	if b != p.start {
		p.hasAligned = true
	}
	if zero {
		clear(p.data[b-p.start : area])
	}

	e.stats.GuardedAllocs.Add(1)
	e.stats.MallocCount.Add(1)
	h.releaseSingleton(p)
	return p.slice(b, size), true
}
