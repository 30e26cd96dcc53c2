package random

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCtx_Seeded(t *testing.T) {
	a, b := NewSeeded(42), NewSeeded(42)
	for i := 0; i < 16; i++ {
		assert.Equal(t, a.Uint64(), b.Uint64())
	}
}

func TestCtx_SplitDiverges(t *testing.T) {
	parent := NewSeeded(7)
	c1 := parent.Split()
	c2 := parent.Split()
	assert.NotEqual(t, c1.Uint64(), c2.Uint64())
}

func TestCtx_IntN(t *testing.T) {
	c := New()
	for i := 0; i < 1000; i++ {
		v := c.IntN(10)
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, 10)
	}
}

func TestShuffle(t *testing.T) {
	assert.NotZero(t, Shuffle(0))
	assert.NotEqual(t, Shuffle(1), Shuffle(2))
}
