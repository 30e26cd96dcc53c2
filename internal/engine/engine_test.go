package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/gomalloc/internal/osmem"
)

func newTestEngine(t *testing.T, opts ...func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ArenaReserve = 8 << 20
	for _, opt := range opts {
		opt(&cfg)
	}
	e := New(cfg)
	t.Cleanup(func() {
		assert.NoError(t, e.Close())
	})
	return e
}

func newTestHeap(t *testing.T, e *Engine) *Heap {
	t.Helper()
	h, err := e.NewHeap(HeapConfig{})
	require.NoError(t, err)
	return h
}

func addrOf(b []byte) uintptr { return osmem.Addr(b) }

// reportLog collects reports for inspection.
type reportLog struct {
	mu      sync.Mutex
	reports []Report
}

func (l *reportLog) Report(r Report) {
	l.mu.Lock()
	l.reports = append(l.reports, r)
	l.mu.Unlock()
}

func (l *reportLog) count(code ErrorCode) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.reports {
		if r.Code == code {
			n++
		}
	}
	return n
}

func checkPageInvariants(t *testing.T, h *Heap) {
	t.Helper()
	h.forEachPage(func(p *Page, _ *pageQueue) {
		assert.LessOrEqual(t, p.used, p.capacity)
		assert.LessOrEqual(t, p.capacity, p.reserved)
		assert.GreaterOrEqual(t, p.used, 0)
	})
}

func TestEngine_NewHeap(t *testing.T) {
	e := newTestEngine(t)

	h1 := newTestHeap(t, e)
	h2 := newTestHeap(t, e)
	assert.NotEqual(t, h1.ThreadID(), h2.ThreadID())
	assert.NotZero(t, h1.ThreadID())
	assert.Equal(t, int64(2), e.Stats().Heaps.Snapshot().Current)

	_, err := e.NewHeap(HeapConfig{Arena: 42})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, h1.Close())
	require.NoError(t, h2.Close())
	assert.Equal(t, int64(0), e.Stats().Heaps.Snapshot().Current)
}

func TestEngine_Closed(t *testing.T) {
	e := New(DefaultConfig())
	h, err := e.NewHeap(HeapConfig{})
	require.NoError(t, err)
	b, err := h.Malloc(64)
	require.NoError(t, err)

	require.NoError(t, e.Close())
	assert.True(t, e.Closed())
	require.NoError(t, e.Close())

	_, err = h.Malloc(64)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Free(addrOf(b)), ErrClosed)
	_, err = e.NewHeap(HeapConfig{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, h.Close())
}

func TestEngine_FreeInvalid(t *testing.T) {
	rl := &reportLog{}
	e := newTestEngine(t, func(c *Config) { c.Reporter = rl })
	h := newTestHeap(t, e)

	assert.NoError(t, e.Free(0))

	outside := make([]byte, 64)
	assert.ErrorIs(t, e.Free(addrOf(outside)), ErrInvalidFree)

	b, err := h.Malloc(64)
	require.NoError(t, err)
	assert.ErrorIs(t, h.Free(addrOf(b)+8), ErrInvalidFree)
	assert.Equal(t, 2, rl.count(CodeInvalidFree))
	assert.Equal(t, int64(2), e.Stats().Reports(CodeInvalidFree))

	require.NoError(t, h.Free(addrOf(b)))
}

func TestEngine_UsableSize(t *testing.T) {
	e := newTestEngine(t)
	h := newTestHeap(t, e)

	b, err := h.Malloc(100)
	require.NoError(t, err)
	assert.Len(t, b, 100)
	assert.Equal(t, int(BinSize(BinOf(100))), e.UsableSize(addrOf(b)))
	assert.Equal(t, cap(b), h.UsableSize(addrOf(b)))
	assert.Zero(t, e.UsableSize(addrOf(b)+8))
	assert.Zero(t, e.UsableSize(0))
}

func TestEngine_AbortOnCorruption(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.AbortOnCorruption = true })
	h := newTestHeap(t, e)

	b, err := h.Malloc(32)
	require.NoError(t, err)
	require.NoError(t, h.Free(addrOf(b)))

	defer func() {
		r := recover()
		require.NotNil(t, r)
		re, ok := r.(*ReportError)
		require.True(t, ok)
		assert.Equal(t, CodeDoubleFree, re.Code)
		assert.ErrorIs(t, re, ErrDoubleFree)
	}()
	_ = h.Free(addrOf(b))
	t.Fatal("expected panic")
}

func TestEngine_Stress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	rl := &reportLog{}
	e := newTestEngine(t, func(c *Config) { c.Reporter = rl })

	type block struct {
		b   []byte
		tag byte
	}
	// Small, medium, large and huge pages.
	sizes := []int{16, 64, 512, 8192, 10000, 24, 100000, 600000, 40000}
	handoff := make(chan block, 256)

	// Only the head and tail of big blocks are touched.
	const edge = 512
	fill := func(b []byte, tag byte) {
		for i := 0; i < len(b); i++ {
			if i == edge && len(b) > 2*edge {
				i = len(b) - edge
			}
			b[i] = tag
		}
	}
	check := func(b []byte, tag byte) bool {
		for i, v := range b {
			if i >= edge && i < len(b)-edge {
				continue
			}
			if v != tag {
				return false
			}
		}
		return true
	}

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			h, err := e.NewHeap(HeapConfig{})
			if err != nil {
				return err
			}
			var live []block
			for i := 0; i < 20000; i++ {
				size := sizes[(i+w)%len(sizes)]
				b, err := h.Malloc(size)
				if err != nil {
					return err
				}
				tag := byte(w*31 + i)
				fill(b, tag)
				live = append(live, block{b, tag})

				switch {
				case i%7 == 0:
					select {
					case handoff <- live[len(live)-1]:
						live = live[:len(live)-1]
					default:
					}
				case i%3 == 0:
					select {
					case other := <-handoff:
						assert.True(t, check(other.b, other.tag), "foreign block overwritten")
						assert.NoError(t, h.Free(addrOf(other.b)))
					default:
					}
				}
				if len(live) > 64 {
					victim := live[0]
					live = live[1:]
					assert.True(t, check(victim.b, victim.tag), "block overwritten")
					assert.NoError(t, h.Free(addrOf(victim.b)))
				}
			}
			checkPageInvariants(t, h)
			// Keep half of the blocks alive past Close to exercise abandonment.
			for i, blk := range live {
				if i%2 == 0 {
					assert.NoError(t, h.Free(addrOf(blk.b)))
					continue
				}
				select {
				case handoff <- blk:
				default:
					assert.NoError(t, h.Free(addrOf(blk.b)))
				}
			}
			return h.Close()
		})
	}
	require.NoError(t, g.Wait())

	close(handoff)
	for blk := range handoff {
		assert.True(t, check(blk.b, blk.tag))
		require.NoError(t, e.Free(addrOf(blk.b)))
	}
	e.Collect(true)

	assert.Zero(t, rl.count(CodeCorrupted))
	assert.Zero(t, rl.count(CodeDoubleFree))
	assert.Zero(t, rl.count(CodeInvalidFree))
	snap := e.Stats().Snapshot()
	assert.Equal(t, int64(0), snap.Abandoned.Current)
	assert.Equal(t, int64(0), snap.Pages.Current)
	assert.Equal(t, int64(0), snap.Malloc.Current)
	assert.Equal(t, int64(0), snap.Huge.Current)
	assert.Equal(t, snap.MallocCount, snap.FreeCount)
}
