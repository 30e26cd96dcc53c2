package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinOf(t *testing.T) {
	t.Run("exact word sizes", func(t *testing.T) {
		for w := uintptr(1); w <= 8; w++ {
			assert.Equal(t, int(w), BinOf(w*WordSize))
		}
		assert.Equal(t, 1, BinOf(0))
		assert.Equal(t, 1, BinOf(1))
	})

	t.Run("monotonic", func(t *testing.T) {
		prev := 0
		for size := uintptr(1); size <= LargeObjSizeMax; size += 7 {
			bin := BinOf(size)
			require.GreaterOrEqual(t, bin, prev, "size %d", size)
			require.LessOrEqual(t, bin, binLargeMax)
			prev = bin
		}
	})

	t.Run("bin size covers request", func(t *testing.T) {
		for size := uintptr(1); size <= LargeObjSizeMax; size = size*5/4 + 1 {
			bs := BinSize(BinOf(size))
			assert.GreaterOrEqual(t, bs, size, "size %d", size)
			assert.Zero(t, bs%WordSize)
		}
	})

	t.Run("huge", func(t *testing.T) {
		assert.Equal(t, binLargeMax, BinOf(LargeObjSizeMax))
		assert.Equal(t, BinHuge, BinOf(LargeObjSizeMax+1))
		assert.Equal(t, BinHuge, BinOf(64<<20))
	})
}

func TestPageKindOf(t *testing.T) {
	assert.Equal(t, PageSmall, pageKindOf(SmallObjSizeMax))
	assert.Equal(t, PageMedium, pageKindOf(SmallObjSizeMax+8))
	assert.Equal(t, PageLarge, pageKindOf(MediumObjSizeMax+8))
	assert.Equal(t, PageHuge, pageKindOf(LargeObjSizeMax+8))

	assert.Equal(t, 1, pageBlocks(64))
	assert.Equal(t, 8, pageBlocks(MediumObjSizeMax))
	assert.Equal(t, 64, pageBlocks(LargeObjSizeMax))
	assert.Equal(t, 17, pageBlocks(16*BlockSize+1))

	assert.Equal(t, "medium", PageMedium.String())
}

func TestUpdateDirect(t *testing.T) {
	e := newTestEngine(t)
	h := newTestHeap(t, e)

	b, err := h.Malloc(72)
	require.NoError(t, err)
	p := e.PageOf(addrOf(b))
	require.NotNil(t, p)

	// Bin 9 serves 9 and 10 words.
	assert.Same(t, p, h.direct[9])
	assert.Same(t, p, h.direct[10])
	assert.Nil(t, h.direct[8])
	assert.Nil(t, h.direct[11])
}
