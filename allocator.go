package gomalloc

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/gomalloc/internal/engine"
	"github.com/hupe1980/gomalloc/internal/osmem"
)

// ArenaID identifies an arena reserved by the allocator.
type ArenaID = engine.ArenaID

const (
	// ArenaIDAny lets the allocator pick any shared arena.
	ArenaIDAny = engine.ArenaIDAny
	// ArenaIDNone bypasses arenas; pages are mapped directly from the OS.
	ArenaIDNone = engine.ArenaIDNone
)

// ArenaInfo describes a reserved arena.
type ArenaInfo = engine.ArenaInfo

// Allocator is the process-scoped allocator service. It owns the arenas,
// the page map and the statistics; memory is allocated through heaps
// created with NewHeap.
//
// An Allocator is safe for concurrent use. Its heaps are not: each heap
// belongs to one goroutine at a time.
type Allocator struct {
	e       *engine.Engine
	logger  *Logger
	metrics MetricsCollector
}

// New creates an allocator.
//
// Example:
//
//	alloc, err := gomalloc.New(gomalloc.WithSecure(true))
//	if err != nil {
//	    return err
//	}
//	defer alloc.Close()
//
//	heap, _ := alloc.NewHeap()
//	defer heap.Close()
//
//	buf, _ := heap.Malloc(128)
//	defer heap.Free(buf)
func New(optFns ...Option) (*Allocator, error) {
	o := applyOptions(optFns)
	if err := validate(o.cfg); err != nil {
		return nil, err
	}
	o.cfg.Logger = o.logger.Logger

	return &Allocator{
		e:       engine.New(o.cfg),
		logger:  o.logger,
		metrics: o.metricsCollector,
	}, nil
}

func validate(cfg engine.Config) error {
	switch {
	case cfg.ArenaReserve < 0:
		return fmt.Errorf("%w: negative arena reserve %d", ErrInvalidArgument, cfg.ArenaReserve)
	case cfg.ArenaLimit < 0:
		return fmt.Errorf("%w: negative arena limit %d", ErrInvalidArgument, cfg.ArenaLimit)
	case cfg.MemoryLimit < 0:
		return fmt.Errorf("%w: negative memory limit %d", ErrInvalidArgument, cfg.MemoryLimit)
	case cfg.GuardedSampleRate < 0:
		return fmt.Errorf("%w: negative guarded sample rate %d", ErrInvalidArgument, cfg.GuardedSampleRate)
	case cfg.GuardedMinSize < 0 || (cfg.GuardedMaxSize > 0 && cfg.GuardedMinSize > cfg.GuardedMaxSize):
		return fmt.Errorf("%w: guarded size range [%d, %d]", ErrInvalidArgument, cfg.GuardedMinSize, cfg.GuardedMaxSize)
	case cfg.RetireCycles < 0:
		return fmt.Errorf("%w: negative retire cycles %d", ErrInvalidArgument, cfg.RetireCycles)
	case cfg.MaxErrorReports < 0 || cfg.ReportsPerSecond < 0:
		return fmt.Errorf("%w: negative report limit", ErrInvalidArgument)
	}
	return nil
}

// NewHeap creates a heap taking pages from any shared arena.
func (a *Allocator) NewHeap() (*Heap, error) {
	return a.newHeap(engine.HeapConfig{Arena: ArenaIDAny})
}

// NewHeapInArena creates a heap bound to arena id. Use ArenaIDNone for a
// heap that maps every page directly from the OS.
func (a *Allocator) NewHeapInArena(id ArenaID) (*Heap, error) {
	return a.newHeap(engine.HeapConfig{Arena: id})
}

// NewTaggedHeap creates a heap that only reclaims abandoned pages carrying
// the same tag. With noReclaim set, it never reclaims abandoned pages.
func (a *Allocator) NewTaggedHeap(tag uint8, noReclaim bool) (*Heap, error) {
	return a.newHeap(engine.HeapConfig{Arena: ArenaIDAny, Tag: tag, NoReclaim: noReclaim})
}

func (a *Allocator) newHeap(hc engine.HeapConfig) (*Heap, error) {
	h, err := a.e.NewHeap(hc)
	if err != nil {
		return nil, err
	}
	a.metrics.RecordHeap(true)

	logger := a.logger.WithHeap(h.ThreadID())
	if hc.Arena != ArenaIDAny {
		logger = logger.WithArena(hc.Arena)
	}
	return &Heap{h: h, a: a, logger: logger}, nil
}

// ReserveArena reserves an arena of at least size bytes. An exclusive arena
// only serves heaps created with NewHeapInArena for its id.
func (a *Allocator) ReserveArena(size int, exclusive bool) (ArenaID, error) {
	id, err := a.e.ReserveArena(size, exclusive, a.e.Config().NumaNode)
	a.logger.LogArenaReserve(context.Background(), id, size, exclusive, err)
	return id, err
}

// Arenas describes the reserved arenas.
func (a *Allocator) Arenas() []ArenaInfo {
	return a.e.Arenas()
}

// Free releases b, which may have been allocated by any heap of this
// allocator. b must start at the beginning of the block. Freeing nil is a
// no-op.
func (a *Allocator) Free(b []byte) error {
	if cap(b) == 0 {
		return nil
	}
	err := a.e.Free(osmem.Addr(b))
	a.metrics.RecordFree(err)
	return err
}

// UsableSize returns the number of bytes usable in b's block, or 0 if b is
// not a live block of this allocator.
func (a *Allocator) UsableSize(b []byte) int {
	return a.e.UsableSize(osmem.Addr(b))
}

// Collect releases abandoned pages whose blocks were all freed and purges
// freed arena ranges whose purge delay expired. With force set, every
// pending purge is performed.
func (a *Allocator) Collect(force bool) {
	start := time.Now()
	before := a.Stats()
	a.e.Collect(force)
	a.metrics.RecordCollect(force, time.Since(start))
	a.logger.LogCollect(context.Background(), force, before, a.Stats())
}

// Stats returns a snapshot of the allocator statistics.
func (a *Allocator) Stats() Stats {
	rc := a.e.Resources()
	return Stats{
		StatsSnapshot:     a.e.Stats().Snapshot(),
		MemoryUsage:       rc.MemoryUsage(),
		MemoryPeak:        rc.MemoryPeak(),
		MemoryLimit:       rc.MemoryLimit(),
		SuppressedReports: rc.SuppressedReports(),
		ArenaInfos:        a.e.Arenas(),
	}
}

// Logger returns the allocator's logger.
func (a *Allocator) Logger() *Logger {
	return a.logger
}

// Close unmaps all memory. Blocks and heaps of the allocator must not be
// used afterwards.
func (a *Allocator) Close() error {
	if a.e.Closed() {
		return nil
	}
	if err := a.e.Close(); err != nil {
		a.logger.LogError(context.Background(), "close", err)
		return err
	}
	a.logger.Debug("allocator closed")
	return nil
}
