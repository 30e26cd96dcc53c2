//go:build amd64 || arm64

package conv

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntToUint32(t *testing.T) {
	t.Run("valid zero", func(t *testing.T) {
		got, err := IntToUint32(0)
		require.NoError(t, err)
		assert.Equal(t, uint32(0), got)
	})

	t.Run("valid max", func(t *testing.T) {
		got, err := IntToUint32(math.MaxUint32)
		require.NoError(t, err)
		assert.Equal(t, uint32(math.MaxUint32), got)
	})

	t.Run("invalid negative", func(t *testing.T) {
		_, err := IntToUint32(-1)
		assert.Error(t, err)
	})

	t.Run("invalid too large", func(t *testing.T) {
		_, err := IntToUint32(math.MaxUint32 + 1)
		assert.Error(t, err)
	})
}

func TestIntToUint16(t *testing.T) {
	got, err := IntToUint16(513)
	require.NoError(t, err)
	assert.Equal(t, uint16(513), got)

	_, err = IntToUint16(1 << 16)
	assert.Error(t, err)
}

func TestNarrow(t *testing.T) {
	v, err := Narrow[int8](int64(-128))
	require.NoError(t, err)
	assert.Equal(t, int8(-128), v)

	_, err = Narrow[int8](int64(128))
	assert.Error(t, err)

	_, err = Narrow[uint64](int64(-1))
	assert.Error(t, err)

	_, err = Narrow[int64](uint64(math.MaxUint64))
	assert.Error(t, err)

	u, err := Narrow[uintptr](1 << 20)
	require.NoError(t, err)
	assert.Equal(t, uintptr(1<<20), u)
}
