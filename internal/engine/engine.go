package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/gomalloc/internal/osmem"
	"github.com/hupe1980/gomalloc/internal/pagemap"
	"github.com/hupe1980/gomalloc/internal/random"
	"github.com/hupe1980/gomalloc/internal/resource"
)

// Engine is the process-scoped allocator service: the page-map, the arenas,
// the abandoned-page sets and the statistics sink. Heaps are created from it.
type Engine struct {
	cfg   Config
	os    osmem.Provider
	log   *slog.Logger
	rc    *resource.Controller
	pages *pagemap.Map[Page]
	stats Stats

	arenas     [maxArenas]atomic.Pointer[Arena]
	arenaCount atomic.Int32
	arenaMu    sync.Mutex
	growth     singleflight.Group

	// Pages mapped directly from the OS, released on Close.
	osMu        sync.Mutex
	osPages     map[*Page]struct{}
	osAbandoned [binCount]map[*Page]struct{}

	abandonedCount atomic.Int64

	threadIDs atomic.Uint64
	randMu    sync.Mutex
	rand      *random.Ctx

	reportsLogged atomic.Int64
	closed        atomic.Bool
}

// New creates an engine.
func New(cfg Config) *Engine {
	cfg.normalize()
	return &Engine{
		cfg: cfg,
		os:  cfg.Provider,
		log: cfg.Logger,
		rc: resource.NewController(resource.Config{
			MemoryLimitBytes: cfg.MemoryLimit,
			ReportsPerSecond: cfg.ReportsPerSecond,
		}),
		pages:   pagemap.New[Page](BlockShift),
		osPages: make(map[*Page]struct{}),
		rand:    random.New(),
	}
}

// Config returns the normalized configuration.
func (e *Engine) Config() Config { return e.cfg }

// Stats returns the statistics sink.
func (e *Engine) Stats() *Stats { return &e.stats }

// Resources returns the resource controller.
func (e *Engine) Resources() *resource.Controller { return e.rc }

// Logger returns the engine's logger.
func (e *Engine) Logger() *slog.Logger { return e.log }

// Closed reports whether Close was called.
func (e *Engine) Closed() bool { return e.closed.Load() }

// PageOf returns the live page owning addr, or nil.
func (e *Engine) PageOf(addr uintptr) *Page {
	return e.pages.Lookup(addr)
}

// HeapConfig selects where a heap takes its memory from.
type HeapConfig struct {
	Arena     ArenaID
	Tag       uint8
	NoReclaim bool
}

// NewHeap creates a heap with a fresh thread id.
func (e *Engine) NewHeap(hc HeapConfig) (*Heap, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if hc.Arena > 0 && e.arenaAt(hc.Arena) == nil {
		return nil, fmt.Errorf("%w: unknown arena %d", ErrInvalidArgument, hc.Arena)
	}
	e.randMu.Lock()
	rnd := e.rand.Split()
	e.randMu.Unlock()

	h := newHeap(e, e.threadIDs.Add(1), hc, rnd)
	e.stats.Heaps.Increase(1)
	return h, nil
}

// Free releases the block at addr without an owning heap.
func (e *Engine) Free(addr uintptr) error {
	if addr == 0 {
		return nil
	}
	return e.free(nil, addr)
}

// UsableSize returns the usable bytes of the block at addr, or 0 when addr
// is not a live block.
func (e *Engine) UsableSize(addr uintptr) int {
	p := e.pages.Lookup(addr)
	if p == nil {
		return 0
	}
	if _, ok := p.blockOf(addr); !ok {
		return 0
	}
	return int(p.usableSize(addr))
}

// Collect purges freed arena memory and releases abandoned pages whose
// blocks have all been freed.
func (e *Engine) Collect(force bool) {
	if e.closed.Load() {
		return
	}
	e.collectAbandoned()
	e.tryPurge(force)
}

// Close unmaps all arenas and direct OS pages. Heaps must not be used
// afterwards.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error

	e.osMu.Lock()
	for p := range e.osPages {
		e.pages.Unregister(p.start, len(p.region)/BlockSize)
		p.released = true
		if err := e.os.Free(p.region, p.memid); err != nil {
			errs = append(errs, err)
		}
		e.rc.ReleaseMemory(int64(len(p.region)))
	}
	clear(e.osPages)
	e.osMu.Unlock()

	e.arenaMu.Lock()
	n := int(e.arenaCount.Load())
	for i := 0; i < n; i++ {
		a := e.arenas[i].Swap(nil)
		if a == nil {
			continue
		}
		e.pages.Unregister(a.start, a.blockCount)
		if err := e.os.Free(a.data, a.memid); err != nil {
			errs = append(errs, fmt.Errorf("arena %d: %w", a.id, err))
		}
		e.rc.ReleaseMemory(int64(len(a.data)))
		e.log.Info("arena released", "arena", int(a.id), "bytes", len(a.data))
	}
	e.arenaCount.Store(0)
	e.arenaMu.Unlock()

	return errors.Join(errs...)
}
