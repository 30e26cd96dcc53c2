package freelist

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	start := uintptr(0x7f00_0000_0000)
	null := start + 1

	for i := 0; i < 1000; i++ {
		keys := Keys{rng.Uint64(), rng.Uint64()}
		p := start + uintptr(rng.IntN(4096))*16

		enc := Encode(null, p, keys)
		assert.Equal(t, p, Decode(null, enc, keys))
	}
}

func TestEncode_NoneUsesSentinel(t *testing.T) {
	keys := Keys{0x1234_5678_9abc_def1, 0x0fed_cba9_8765_4321}
	null := uintptr(0x1000_0001)

	enc := Encode(null, None, keys)
	assert.NotZero(t, enc)
	assert.Equal(t, None, Decode(null, enc, keys))

	// A zeroed word is not the terminator.
	assert.NotEqual(t, enc, uint64(0))
	assert.NotEqual(t, None, Decode(null, 0, keys))
}

func TestEncode_DiffersFromXor(t *testing.T) {
	keys := Keys{7, 0xdead_beef}
	p1, p2 := uintptr(0x10000), uintptr(0x10040)
	e1 := Encode(1, p1, keys)
	e2 := Encode(1, p2, keys)
	assert.NotEqual(t, uint64(p1^p2), e1^e2)
}

func TestDecodeChecked(t *testing.T) {
	keys := Keys{99, 12345}
	b := Bounds{Start: 0x20000, End: 0x20000 + 64*32, BlockSize: 64}
	null := b.Start + 1

	t.Run("in page", func(t *testing.T) {
		p, ok := DecodeChecked(null, Encode(null, b.Start+64*3, keys), keys, b)
		require.True(t, ok)
		assert.Equal(t, b.Start+64*3, p)
	})

	t.Run("end of list", func(t *testing.T) {
		p, ok := DecodeChecked(null, Encode(null, None, keys), keys, b)
		require.True(t, ok)
		assert.Equal(t, None, p)
	})

	t.Run("outside page", func(t *testing.T) {
		p, ok := DecodeChecked(null, Encode(null, b.End+64, keys), keys, b)
		assert.False(t, ok)
		assert.Equal(t, None, p)
	})

	t.Run("misaligned", func(t *testing.T) {
		_, ok := DecodeChecked(null, Encode(null, b.Start+8, keys), keys, b)
		assert.False(t, ok)
	})
}
