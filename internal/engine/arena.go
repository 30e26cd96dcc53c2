package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/gomalloc/internal/bitmap"
	"github.com/hupe1980/gomalloc/internal/osmem"
)

// ArenaID identifies an arena. ArenaIDAny lets the engine choose; ArenaIDNone
// forces direct OS mappings.
type ArenaID int

const (
	ArenaIDAny  ArenaID = 0
	ArenaIDNone ArenaID = -1
)

const maxArenas = 256

// Arena is a reserved address range handed out in arena blocks.
type Arena struct {
	id         ArenaID
	data       []byte
	start      uintptr
	blockCount int
	memid      osmem.MemID
	exclusive  bool
	numaNode   int

	inUse     *bitmap.Bitmap
	committed *bitmap.Bitmap
	dirty     *bitmap.Bitmap // handed out since the last purge
	purge     *bitmap.Bitmap // free, waiting to be purged

	purgeExpire atomic.Int64 // unix nanos; 0 when nothing is scheduled

	abandonedMu sync.Mutex
	abandoned   [binCount]*roaring.Bitmap
}

// ArenaInfo describes an arena.
type ArenaInfo struct {
	ID        ArenaID
	Start     uintptr
	Blocks    int
	InUse     int
	Committed int
	Exclusive bool
	NumaNode  int
}

func newArena(id ArenaID, region []byte, memid osmem.MemID, exclusive bool, numa int) *Arena {
	n := len(region) / BlockSize
	a := &Arena{
		id:         id,
		data:       region,
		start:      osmem.Addr(region),
		blockCount: n,
		memid:      memid,
		exclusive:  exclusive,
		numaNode:   numa,
		inUse:      bitmap.New(n),
		committed:  bitmap.New(n),
		dirty:      bitmap.New(n),
		purge:      bitmap.New(n),
	}
	if memid.InitiallyCommitted {
		a.committed.SetRange(0, n)
	}
	if !memid.InitiallyZero {
		a.dirty.SetRange(0, n)
	}
	return a
}

// Info returns a description of a.
func (a *Arena) Info() ArenaInfo {
	return ArenaInfo{
		ID:        a.id,
		Start:     a.start,
		Blocks:    a.blockCount,
		InUse:     a.inUse.Count(),
		Committed: a.committed.Count(),
		Exclusive: a.exclusive,
		NumaNode:  a.numaNode,
	}
}

func (a *Arena) blocks(idx, n int) []byte {
	lo, hi := idx*BlockSize, (idx+n)*BlockSize
	return a.data[lo:hi:hi]
}

func (a *Arena) blockIndex(addr uintptr) int {
	return int((addr - a.start) / BlockSize)
}

func (a *Arena) suits(req ArenaID, numa int, strictNuma bool) bool {
	if req > 0 {
		return a.id == req
	}
	if a.exclusive {
		return false
	}
	if strictNuma && numa >= 0 && a.numaNode >= 0 {
		return a.numaNode == numa
	}
	return true
}

func (e *Engine) arenaAt(id ArenaID) *Arena {
	if id <= 0 || int(id) > maxArenas {
		return nil
	}
	return e.arenas[id-1].Load()
}

func (e *Engine) forEachArena(fn func(a *Arena) bool) {
	n := int(e.arenaCount.Load())
	for i := 0; i < n; i++ {
		if a := e.arenas[i].Load(); a != nil && !fn(a) {
			return
		}
	}
}

// arenaOf returns the arena a page's memory came from.
func (e *Engine) arenaOf(p *Page) *Arena {
	if p.memid.Kind != osmem.MemArena {
		return nil
	}
	return e.arenaAt(ArenaID(p.memid.ArenaIndex + 1))
}

// ReserveArena maps a new arena of at least size bytes.
func (e *Engine) ReserveArena(size int, exclusive bool, numa int) (ArenaID, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: arena size %d", ErrInvalidArgument, size)
	}
	if e.closed.Load() {
		return 0, ErrClosed
	}
	size = int(alignUp(uintptr(size), BlockSize))

	if err := e.rc.AcquireMemory(int64(size)); err != nil {
		return 0, fmt.Errorf("%w: reserving arena of %d bytes: %w", ErrOutOfMemory, size, err)
	}
	region, memid, err := e.os.Alloc(size, BlockSize, e.cfg.AllowLargePages, e.cfg.AllowLargePages)
	if err != nil {
		e.rc.ReleaseMemory(int64(size))
		return 0, fmt.Errorf("%w: reserving arena of %d bytes: %w", ErrOutOfMemory, size, err)
	}

	e.arenaMu.Lock()
	n := int(e.arenaCount.Load())
	if n >= e.cfg.ArenaLimit {
		e.arenaMu.Unlock()
		_ = e.os.Free(region, memid)
		e.rc.ReleaseMemory(int64(size))
		return 0, ErrArenaExhausted
	}
	id := ArenaID(n + 1)
	a := newArena(id, region, memid, exclusive, numa)
	e.arenas[n].Store(a)
	e.arenaCount.Store(int32(n + 1))
	e.arenaMu.Unlock()

	e.stats.Arenas.Increase(1)
	e.stats.Reserved.Increase(int64(size))
	if memid.InitiallyCommitted {
		e.stats.Committed.Increase(int64(size))
	}
	e.log.Info("arena reserved",
		"arena", int(id),
		"bytes", size,
		"blocks", a.blockCount,
		"exclusive", exclusive,
		"numa", numa,
	)
	return id, nil
}

// growArenas reserves one more shared arena. Concurrent callers share a
// single reservation.
func (e *Engine) growArenas(blocks int) error {
	_, err, _ := e.growth.Do("grow", func() (any, error) {
		reserve := e.cfg.ArenaReserve
		if n := int(e.arenaCount.Load()); n >= 8 && n <= 128 {
			reserve <<= min(n/8, 4)
		}
		reserve = max(reserve, blocks*BlockSize)
		_, err := e.ReserveArena(reserve, false, e.cfg.NumaNode)
		return nil, err
	})
	return err
}

// claim takes n blocks from a and commits them.
func (e *Engine) claim(a *Arena, n, align int) ([]byte, osmem.MemID, bool) {
	idx, ok := a.inUse.TryClaim(n, align)
	if !ok {
		return nil, osmem.MemID{}, false
	}
	a.purge.ClearRange(idx, n)
	region := a.blocks(idx, n)

	if !a.committed.IsRangeSet(idx, n) {
		newly := 0
		for i := idx; i < idx+n; i++ {
			if !a.committed.Test(i) {
				newly++
			}
		}
		if _, err := e.os.Commit(region); err != nil {
			a.inUse.Release(idx, n)
			e.log.Warn("arena commit failed", "arena", int(a.id), "block", idx, "count", n, "error", err)
			return nil, osmem.MemID{}, false
		}
		a.committed.SetRange(idx, n)
		e.stats.Committed.Increase(int64(newly) * BlockSize)
	}
	zero := a.dirty.IsRangeClear(idx, n)
	a.dirty.SetRange(idx, n)

	return region, osmem.ArenaMemID(int(a.id)-1, idx, n, true, zero, a.exclusive), true
}

func (e *Engine) claimFromArenas(n, align int, req ArenaID, numa int) ([]byte, osmem.MemID, bool) {
	if req > 0 {
		if a := e.arenaAt(req); a != nil {
			return e.claim(a, n, align)
		}
		return nil, osmem.MemID{}, false
	}
	for _, strict := range []bool{true, false} {
		var (
			region []byte
			id     osmem.MemID
			ok     bool
		)
		e.forEachArena(func(a *Arena) bool {
			if !a.suits(req, numa, strict) {
				return true
			}
			region, id, ok = e.claim(a, n, align)
			return !ok
		})
		if ok {
			return region, id, true
		}
		if numa < 0 {
			break
		}
	}
	return nil, osmem.MemID{}, false
}

// allocBlocks returns n contiguous arena blocks aligned to align bytes. It
// grows the arena set once and falls back to a direct OS mapping unless a
// specific arena was requested. Alignments above the block size are only
// served by the OS.
func (e *Engine) allocBlocks(n int, align uintptr, req ArenaID, numa int) ([]byte, osmem.MemID, error) {
	const alignBlocks = 1
	if align > BlockSize {
		if req > 0 {
			return nil, osmem.MemID{}, fmt.Errorf("%w: arena %d cannot honor alignment %d", ErrOutOfMemory, req, align)
		}
		return e.osAlloc(n, align)
	}
	if req != ArenaIDNone {
		if region, id, ok := e.claimFromArenas(n, alignBlocks, req, numa); ok {
			return region, id, nil
		}
		if req > 0 {
			return nil, osmem.MemID{}, fmt.Errorf("%w: arena %d cannot supply %d contiguous blocks", ErrOutOfMemory, req, n)
		}
		if n*BlockSize <= e.cfg.ArenaReserve/2 {
			err := e.growArenas(n)
			if err == nil {
				if region, id, ok := e.claimFromArenas(n, alignBlocks, req, numa); ok {
					return region, id, nil
				}
			} else if !errors.Is(err, ErrArenaExhausted) {
				e.log.Debug("arena growth failed", "error", err)
			}
		}
	}
	return e.osAlloc(n, align)
}

func (e *Engine) osAlloc(n int, align uintptr) ([]byte, osmem.MemID, error) {
	size := n * BlockSize
	if err := e.rc.AcquireMemory(int64(size)); err != nil {
		return nil, osmem.MemID{}, fmt.Errorf("%w: %d bytes: %w", ErrOutOfMemory, size, err)
	}
	region, id, err := e.os.Alloc(size, max(int(align), BlockSize), true, false)
	if err != nil {
		e.rc.ReleaseMemory(int64(size))
		return nil, osmem.MemID{}, fmt.Errorf("%w: %d bytes: %w", ErrOutOfMemory, size, err)
	}
	e.stats.OSAllocs.Add(1)
	e.stats.Reserved.Increase(int64(size))
	e.stats.Committed.Increase(int64(size))
	return region, id, nil
}

// freeBlocks returns memory obtained from allocBlocks.
func (e *Engine) freeBlocks(region []byte, id osmem.MemID) {
	switch id.Kind {
	case osmem.MemArena:
		a := e.arenaAt(ArenaID(id.ArenaIndex + 1))
		if a == nil {
			return
		}
		e.arenaFree(a, id.BlockIndex, id.BlockCount)
	case osmem.MemOS:
		size := len(region)
		if err := e.os.Free(region, id); err != nil {
			e.log.Warn("unmap failed", "bytes", size, "error", err)
		}
		e.rc.ReleaseMemory(int64(size))
		e.stats.Reserved.Decrease(int64(size))
		e.stats.Committed.Decrease(int64(size))
	}
}

// arenaFree releases blocks [idx, idx+n). Purging happens while the range is
// still claimed so no new page can see it decommitted.
func (e *Engine) arenaFree(a *Arena, idx, n int) {
	switch {
	case a.memid.IsPinned || e.cfg.PurgeDelay < 0:
	case e.cfg.PurgeDelay == 0:
		e.purgeRange(a, idx, n)
	default:
		a.purge.SetRange(idx, n)
		a.purgeExpire.CompareAndSwap(0, time.Now().Add(e.cfg.PurgeDelay).UnixNano())
	}
	a.inUse.Release(idx, n)
}

func (e *Engine) purgeRange(a *Arena, idx, n int) {
	region := a.blocks(idx, n)
	if e.cfg.PurgeDecommits {
		if err := e.os.Decommit(region); err != nil {
			e.log.Warn("decommit failed", "arena", int(a.id), "block", idx, "count", n, "error", err)
			return
		}
		a.committed.ClearRange(idx, n)
		e.stats.Committed.Decrease(int64(n) * BlockSize)
	} else if err := e.os.Purge(region); err != nil {
		e.log.Warn("purge failed", "arena", int(a.id), "block", idx, "count", n, "error", err)
		return
	}
	a.dirty.ClearRange(idx, n)
	e.stats.ArenaPurges.Add(1)
	e.stats.PurgedBytes.Add(int64(n) * BlockSize)
}

// tryPurge purges arenas whose purge delay expired. With force set it waits
// for a running purge to finish and then purges every pending range.
func (e *Engine) tryPurge(force bool) {
	if e.cfg.PurgeDelay <= 0 {
		return
	}
	if force {
		if err := e.rc.AcquireBackground(context.Background()); err != nil {
			return
		}
	} else if !e.rc.TryAcquireBackground() {
		return
	}
	defer e.rc.ReleaseBackground()

	now := time.Now().UnixNano()
	e.forEachArena(func(a *Arena) bool {
		exp := a.purgeExpire.Load()
		if exp == 0 || (!force && exp > now) {
			return true
		}
		if a.purgeExpire.CompareAndSwap(exp, 0) {
			e.purgeArena(a)
		}
		return true
	})
}

func (e *Engine) purgeArena(a *Arena) {
	for i := a.purge.NextSet(0); i >= 0 && i < a.blockCount; {
		n := 1
		for i+n < a.blockCount && a.purge.Test(i+n) {
			n++
		}
		if a.inUse.TryClaimAt(i, n) {
			e.purgeRange(a, i, n)
			a.purge.ClearRange(i, n)
			a.inUse.Release(i, n)
		} else {
			// Part of the run was reused; purge what is still free.
			for j := i; j < i+n; j++ {
				if a.purge.Test(j) && a.inUse.TryClaimAt(j, 1) {
					e.purgeRange(a, j, 1)
					a.purge.ClearRange(j, 1)
					a.inUse.Release(j, 1)
				}
			}
		}
		if i+n >= a.blockCount {
			break
		}
		i = a.purge.NextSet(i + n)
	}
}

// Arenas returns a description of every arena.
func (e *Engine) Arenas() []ArenaInfo {
	var out []ArenaInfo
	e.forEachArena(func(a *Arena) bool {
		out = append(out, a.Info())
		return true
	})
	return out
}
