package pagemap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type page struct{ id int }

const shift = 16

func TestMap_RegisterLookup(t *testing.T) {
	m := New[page](shift)
	bs := m.BlockSize()

	p := &page{id: 1}
	start := uintptr(0x7f12_0000_0000)
	require.NoError(t, m.Register(start, 8, p))
	assert.Equal(t, 8, m.Len())

	t.Run("every byte of the page", func(t *testing.T) {
		for _, off := range []uintptr{0, 1, bs - 1, bs, 3*bs + 17, 8*bs - 1} {
			assert.Same(t, p, m.Lookup(start+off), "offset %d", off)
		}
	})

	t.Run("outside the page", func(t *testing.T) {
		assert.Nil(t, m.Lookup(start-1))
		assert.Nil(t, m.Lookup(start+8*bs))
		assert.Nil(t, m.Lookup(0))
		assert.Nil(t, m.Lookup(^uintptr(0)))
	})

	m.Unregister(start, 8)
	assert.Nil(t, m.Lookup(start))
	assert.Nil(t, m.Lookup(start+5*bs))
	assert.Equal(t, 0, m.Len())
}

func TestMap_CrossesLeafBoundary(t *testing.T) {
	m := New[page](shift)
	bs := m.BlockSize()

	// Start four blocks before a leaf boundary.
	start := uintptr(leafSize-4) * bs
	p := &page{id: 2}
	require.NoError(t, m.Register(start, 10, p))

	for i := uintptr(0); i < 10; i++ {
		assert.Same(t, p, m.Lookup(start+i*bs+5))
	}
}

func TestMap_AdjacentPages(t *testing.T) {
	m := New[page](shift)
	bs := m.BlockSize()
	start := uintptr(0x1000_0000)

	a, b := &page{id: 1}, &page{id: 2}
	require.NoError(t, m.Register(start, 2, a))
	require.NoError(t, m.Register(start+2*bs, 3, b))

	assert.Same(t, a, m.Lookup(start+bs))
	assert.Same(t, b, m.Lookup(start+2*bs))
	assert.Same(t, b, m.Lookup(start+5*bs-1))
}

func TestMap_EveryBlock(t *testing.T) {
	m := New[page](shift)
	bs := m.BlockSize()
	start := uintptr(0x2000_0000)

	for blocks := 1; blocks <= 8; blocks++ {
		p := &page{id: blocks}
		require.NoError(t, m.Register(start, blocks, p))
		require.Equal(t, blocks, m.Len())
		for i := 0; i < blocks; i++ {
			assert.Same(t, p, m.Lookup(start+uintptr(i)*bs), "block %d of %d", i, blocks)
			assert.Same(t, p, m.Lookup(start+uintptr(i+1)*bs-1), "block %d of %d", i, blocks)
		}
		assert.Nil(t, m.Lookup(start+uintptr(blocks)*bs))
		m.Unregister(start, blocks)
		require.Equal(t, 0, m.Len())
	}
}

func TestMap_Errors(t *testing.T) {
	m := New[page](shift)
	assert.ErrorIs(t, m.Register(0x1001, 1, &page{}), ErrUnaligned)
	assert.ErrorIs(t, m.Register(0x10000, 0, &page{}), ErrOutOfRange)
	assert.ErrorIs(t, m.Register(uintptr(1)<<AddressBits, 1, &page{}), ErrOutOfRange)
}

func TestMap_ConcurrentLookup(t *testing.T) {
	m := New[page](shift)
	bs := m.BlockSize()
	base := uintptr(0x4000_0000)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			start := base + uintptr(g)*16*bs
			p := &page{id: g}
			for i := 0; i < 200; i++ {
				assert.NoError(t, m.Register(start, 4, p))
				assert.Same(t, p, m.Lookup(start+3*bs))
				m.Unregister(start, 4)
				assert.Nil(t, m.Lookup(start))
			}
		}(g)
	}
	wg.Wait()
}
