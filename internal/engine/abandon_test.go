package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbandon_Reclaim(t *testing.T) {
	e := newTestEngine(t)
	h1 := newTestHeap(t, e)

	var blocks []uintptr
	for i := 0; i < 3; i++ {
		b, err := h1.Malloc(64)
		require.NoError(t, err)
		blocks = append(blocks, addrOf(b))
	}
	p := e.PageOf(blocks[0])
	require.NotNil(t, p)
	require.NoError(t, h1.Close())

	assert.Equal(t, PageAbandoned, p.State())
	assert.Zero(t, p.ThreadID())
	assert.Nil(t, p.heap.Load())
	assert.Equal(t, int64(1), e.Stats().Abandoned.Snapshot().Current)

	h2 := newTestHeap(t, e)
	b, err := h2.Malloc(64)
	require.NoError(t, err)
	assert.Same(t, p, e.PageOf(addrOf(b)))
	assert.Equal(t, h2.ThreadID(), p.ThreadID())
	assert.Same(t, h2, p.heap.Load())
	assert.Equal(t, int64(0), e.Stats().Abandoned.Snapshot().Current)
	assert.Equal(t, int64(1), e.Stats().PagesReclaimed.Load())

	// The blocks of the old owner are now freed locally.
	for _, a := range blocks {
		require.NoError(t, h2.Free(a))
	}
	require.NoError(t, h2.Free(addrOf(b)))
	assert.Equal(t, 0, p.Used())
	assert.Equal(t, PageRetired, p.State())
	require.NoError(t, h2.Close())
}

func TestAbandon_ReleasedByLastFree(t *testing.T) {
	e := newTestEngine(t)
	h := newTestHeap(t, e)

	a, err := h.Malloc(128)
	require.NoError(t, err)
	b, err := h.Malloc(128)
	require.NoError(t, err)
	p := e.PageOf(addrOf(a))
	require.NoError(t, h.Close())
	assert.Equal(t, Never, p.DelayState())

	require.NoError(t, e.Free(addrOf(a)))
	assert.Equal(t, PageAbandoned, p.State())
	assert.Equal(t, 1, p.Used())

	require.NoError(t, e.Free(addrOf(b)))
	assert.Equal(t, PageReleased, p.State())
	assert.Nil(t, e.PageOf(addrOf(b)))

	snap := e.Stats().Snapshot()
	assert.Equal(t, int64(0), snap.Abandoned.Current)
	assert.Equal(t, int64(0), snap.Pages.Current)
	assert.Equal(t, int64(2), snap.ThreadFreed)
}

func TestAbandon_CollectReleasesPending(t *testing.T) {
	e := newTestEngine(t)
	h := newTestHeap(t, e)

	a, err := h.Malloc(256)
	require.NoError(t, err)
	p := e.PageOf(addrOf(a))
	require.NoError(t, h.Close())

	// While another goroutine inspects the page, the last free only queues
	// the block.
	p.threadID.Store(reclaimerID)
	require.NoError(t, e.Free(addrOf(a)))
	p.threadID.Store(0)
	assert.Equal(t, PageAbandoned, p.State())

	e.Collect(false)
	assert.Equal(t, PageReleased, p.State())
	assert.Equal(t, int64(0), e.Stats().Abandoned.Snapshot().Current)
}

func TestAbandon_TagMismatch(t *testing.T) {
	e := newTestEngine(t)

	h1, err := e.NewHeap(HeapConfig{Tag: 1})
	require.NoError(t, err)
	b, err := h1.Malloc(64)
	require.NoError(t, err)
	p := e.PageOf(addrOf(b))
	require.NoError(t, h1.Close())

	h2, err := e.NewHeap(HeapConfig{Tag: 2})
	require.NoError(t, err)
	other, err := h2.Malloc(64)
	require.NoError(t, err)
	assert.NotSame(t, p, e.PageOf(addrOf(other)))
	assert.Equal(t, PageAbandoned, p.State())
	assert.Equal(t, int64(1), e.Stats().Abandoned.Snapshot().Current)

	noReclaim, err := e.NewHeap(HeapConfig{Tag: 1, NoReclaim: true})
	require.NoError(t, err)
	fresh, err := noReclaim.Malloc(64)
	require.NoError(t, err)
	assert.NotSame(t, p, e.PageOf(addrOf(fresh)))

	h3, err := e.NewHeap(HeapConfig{Tag: 1})
	require.NoError(t, err)
	same, err := h3.Malloc(64)
	require.NoError(t, err)
	assert.Same(t, p, e.PageOf(addrOf(same)))
	assert.Equal(t, uint8(1), h3.Tag())

	for _, x := range []struct {
		h *Heap
		b []byte
	}{{h2, other}, {noReclaim, fresh}, {h3, same}, {h3, b}} {
		require.NoError(t, x.h.Free(addrOf(x.b)))
	}
	require.NoError(t, h2.Close())
	require.NoError(t, noReclaim.Close())
	require.NoError(t, h3.Close())
	assert.Equal(t, int64(0), e.Stats().Pages.Snapshot().Current)
}

func TestAbandon_FullPageHandoff(t *testing.T) {
	e := newTestEngine(t)
	owner := newTestHeap(t, e)
	freer := newTestHeap(t, e)

	const size = SmallObjSizeMax
	var blocks [][]byte
	for i := 0; i < 9; i++ {
		b, err := owner.Malloc(size)
		require.NoError(t, err)
		blocks = append(blocks, b)
	}
	p := e.PageOf(addrOf(blocks[0]))
	require.Equal(t, PageFull, p.State())

	// A foreign heap frees into the full page; the owner gets the block back
	// through its delayed list.
	require.NoError(t, freer.Free(addrOf(blocks[0])))
	assert.Equal(t, NoDelay, p.DelayState())
	assert.NotZero(t, owner.delayed.Load())

	b, err := owner.Malloc(size)
	require.NoError(t, err)
	assert.Zero(t, owner.delayed.Load())
	assert.Equal(t, PageActive, p.State())
	assert.Equal(t, p.Reserved()-1, p.Used())
	assert.Equal(t, int64(1), e.Stats().DelayedFreed.Load())
	blocks[0] = b

	for _, b := range blocks {
		require.NoError(t, owner.Free(addrOf(b)))
	}
	require.NoError(t, owner.Close())
	require.NoError(t, freer.Close())
}
