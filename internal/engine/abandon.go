package engine

import (
	"github.com/RoaringBitmap/roaring/v2"
)

// abandon gives up p. The thread id drops to zero and the page is recorded
// in its arena's abandoned set for its bin in one step under the set lock,
// so a claimer that wins the page always finds the entry present.
func (e *Engine) abandon(p *Page) {
	p.heap.Store(nil)
	e.addAbandoned(p)
	e.log.Debug("page abandoned", "page", p.start, "bin", p.bin, "used", p.used)
}

func (e *Engine) addAbandoned(p *Page) {
	added := false
	if a := e.arenaOf(p); a != nil {
		a.abandonedMu.Lock()
		p.threadID.Store(0)
		bm := a.abandoned[p.bin]
		if bm == nil {
			bm = roaring.New()
			a.abandoned[p.bin] = bm
		}
		added = bm.CheckedAdd(uint32(a.blockIndex(p.start)))
		a.abandonedMu.Unlock()
	} else {
		e.osMu.Lock()
		p.threadID.Store(0)
		set := e.osAbandoned[p.bin]
		if set == nil {
			set = make(map[*Page]struct{})
			e.osAbandoned[p.bin] = set
		}
		if _, ok := set[p]; !ok {
			set[p] = struct{}{}
			added = true
		}
		e.osMu.Unlock()
	}
	if added {
		e.abandonedCount.Add(1)
		e.stats.Abandoned.Increase(1)
	}
}

// removeAbandoned drops p from its abandoned set if it is still there.
func (e *Engine) removeAbandoned(p *Page) {
	removed := false
	if a := e.arenaOf(p); a != nil {
		a.abandonedMu.Lock()
		if bm := a.abandoned[p.bin]; bm != nil {
			removed = bm.CheckedRemove(uint32(a.blockIndex(p.start)))
		}
		a.abandonedMu.Unlock()
	} else {
		e.osMu.Lock()
		if _, ok := e.osAbandoned[p.bin][p]; ok {
			delete(e.osAbandoned[p.bin], p)
			removed = true
		}
		e.osMu.Unlock()
	}
	if removed {
		e.abandonedCount.Add(-1)
		e.stats.Abandoned.Decrease(1)
	}
}

// popAbandoned removes and returns one abandoned page of bin that a heap
// restricted to req may use.
func (e *Engine) popAbandoned(bin int, req ArenaID) *Page {
	var found *Page
	e.forEachArena(func(a *Arena) bool {
		if !a.suits(req, -1, false) {
			return true
		}
		a.abandonedMu.Lock()
		bm := a.abandoned[bin]
		if bm == nil || bm.IsEmpty() {
			a.abandonedMu.Unlock()
			return true
		}
		idx := bm.Minimum()
		bm.Remove(idx)
		a.abandonedMu.Unlock()

		e.abandonedCount.Add(-1)
		e.stats.Abandoned.Decrease(1)
		found = e.pages.Lookup(a.start + uintptr(idx)*BlockSize)
		return found == nil
	})
	if found != nil || req > 0 {
		return found
	}

	e.osMu.Lock()
	defer e.osMu.Unlock()
	for p := range e.osAbandoned[bin] {
		delete(e.osAbandoned[bin], p)
		e.abandonedCount.Add(-1)
		e.stats.Abandoned.Decrease(1)
		return p
	}
	return nil
}

// reclaim adopts abandoned pages of bin into q until one has room. Pages
// that turn out fully free are released, full ones go to the full queue.
func (h *Heap) reclaim(q *pageQueue, bin int) *Page {
	e := h.e
	if h.noReclaim || e.abandonedCount.Load() == 0 {
		return nil
	}
	for i := 0; i < maxReclaimTries; i++ {
		p := e.popAbandoned(bin, h.arenaID)
		if p == nil {
			return nil
		}
		if p.singleton() {
			continue
		}
		if !p.threadID.CompareAndSwap(0, h.threadID) {
			continue
		}
		if p.tag != h.tag {
			e.addAbandoned(p)
			continue
		}
		h.adopt(p, q)
		p.collect(false)
		if p.allFree() {
			h.pageFree(p, q)
			continue
		}
		if !p.immediateAvailable() {
			h.extend(p)
		}
		if p.immediateAvailable() {
			return p
		}
		h.pageToFull(p, q)
	}
	return nil
}

// adopt links a freshly claimed page into q.
func (h *Heap) adopt(p *Page, q *pageQueue) {
	p.heap.Store(h)
	p.useDelayedFree(NoDelay, true)
	p.inFull = false
	p.retireExpire = 0
	h.pageCount++
	h.queuePush(q, p)
	h.e.stats.PagesReclaimed.Add(1)
	h.log.Debug("page reclaimed", "page", p.start, "bin", p.bin, "used", p.used)
}

// tryReleaseAbandoned runs after a block was pushed onto a page without a
// live heap. The freeing goroutine briefly claims the page and releases it
// when no block is in use any more; otherwise it abandons it again.
func (e *Engine) tryReleaseAbandoned(p *Page) {
	if p.threadID.Load() != 0 || !p.threadID.CompareAndSwap(0, reclaimerID) {
		return
	}
	p.collect(false)
	if p.allFree() {
		e.removeAbandoned(p)
		e.releasePage(p)
		return
	}
	if p.singleton() {
		p.threadID.Store(0)
		return
	}
	e.addAbandoned(p)
}

// collectAbandoned releases abandoned pages that have become fully free.
func (e *Engine) collectAbandoned() {
	if e.abandonedCount.Load() == 0 {
		return
	}
	var candidates []*Page
	e.forEachArena(func(a *Arena) bool {
		a.abandonedMu.Lock()
		for _, bm := range a.abandoned {
			if bm == nil {
				continue
			}
			it := bm.Iterator()
			for it.HasNext() {
				if p := e.pages.Lookup(a.start + uintptr(it.Next())*BlockSize); p != nil {
					candidates = append(candidates, p)
				}
			}
		}
		a.abandonedMu.Unlock()
		return true
	})
	e.osMu.Lock()
	for _, set := range e.osAbandoned {
		for p := range set {
			candidates = append(candidates, p)
		}
	}
	e.osMu.Unlock()

	for _, p := range candidates {
		e.tryReleaseAbandoned(p)
	}
}
