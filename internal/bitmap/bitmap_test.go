package bitmap

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmap_Ranges(t *testing.T) {
	b := New(200)
	assert.Equal(t, 200, b.Len())

	assert.True(t, b.SetRange(60, 10))
	assert.True(t, b.IsRangeSet(60, 10))
	assert.True(t, b.Test(63))
	assert.True(t, b.Test(64))
	assert.False(t, b.Test(70))
	assert.Equal(t, 10, b.Count())

	assert.False(t, b.SetRange(65, 2), "bits were already set")
	assert.True(t, b.ClearRange(60, 10))
	assert.True(t, b.IsRangeClear(0, 200))
	assert.False(t, b.ClearRange(60, 10), "bits were already clear")

	t.Run("invalid ranges", func(t *testing.T) {
		assert.False(t, b.SetRange(-1, 2))
		assert.False(t, b.SetRange(199, 2))
		assert.False(t, b.IsRangeSet(0, 0))
		assert.False(t, b.Test(500))
	})
}

func TestBitmap_TryClaim(t *testing.T) {
	t.Run("contiguous", func(t *testing.T) {
		b := New(128)
		idx, ok := b.TryClaim(70, 1)
		require.True(t, ok)
		assert.Equal(t, 0, idx)
		idx, ok = b.TryClaim(58, 1)
		require.True(t, ok)
		assert.Equal(t, 70, idx)
		_, ok = b.TryClaim(1, 1)
		assert.False(t, ok)
	})

	t.Run("alignment", func(t *testing.T) {
		b := New(64)
		b.Set(0)
		idx, ok := b.TryClaim(4, 8)
		require.True(t, ok)
		assert.Equal(t, 8, idx)
	})

	t.Run("fragmented free space is not enough", func(t *testing.T) {
		// Exactly k free bits, but no k of them contiguous.
		const k = 4
		b := New(2 * k)
		for i := 0; i < 2*k; i += 2 {
			b.Set(i)
		}
		assert.Equal(t, k, 2*k-b.Count())
		_, ok := b.TryClaim(k, 1)
		assert.False(t, ok)
		assert.Equal(t, k, b.Count(), "failed claim must not leave bits behind")
	})

	t.Run("rollback across words", func(t *testing.T) {
		b := New(192)
		b.Set(130)
		assert.False(t, b.TryClaimAt(60, 80))
		assert.True(t, b.IsRangeClear(0, 130))
		assert.Equal(t, 1, b.Count())
	})
}

func TestBitmap_NextSet(t *testing.T) {
	b := New(300)
	assert.Equal(t, -1, b.NextSet(0))
	b.Set(5)
	b.Set(250)
	assert.Equal(t, 5, b.NextSet(0))
	assert.Equal(t, 250, b.NextSet(6))
	assert.Equal(t, -1, b.NextSet(251))
}

func TestBitmap_ConcurrentClaims(t *testing.T) {
	const (
		size    = 1024
		workers = 8
		run     = 3
	)
	b := New(size)
	owners := make([]atomic.Int32, size)

	var wg sync.WaitGroup
	var claimed atomic.Int64
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for {
				idx, ok := b.TryClaim(run, 1)
				if !ok {
					return
				}
				for i := idx; i < idx+run; i++ {
					assert.True(t, owners[i].CompareAndSwap(0, int32(g+1)), "bit %d claimed twice", i)
				}
				claimed.Add(run)
			}
		}(g)
	}
	wg.Wait()

	// Transient rollbacks may leave small holes, never overlaps.
	assert.Greater(t, claimed.Load(), int64(size/2))
	assert.Equal(t, int(claimed.Load()), b.Count())
}
