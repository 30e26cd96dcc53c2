// Package random supplies the per-heap random contexts used for free-list
// keys, secure free-list shuffling and allocation sampling.
//
// Contexts are ChaCha8 streams seeded from the OS entropy source. They are
// not shared between heaps: a heap splits its own context off the
// allocator's at creation, so no locking is needed on the allocation path.
package random

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
)

// Ctx is a random context. It is not safe for concurrent use.
type Ctx struct {
	src *rand.ChaCha8
}

// New returns a context seeded from the OS entropy source.
func New() *Ctx {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		// crypto/rand does not fail on supported platforms; a weak seed
		// still gives distinct keys per page.
		binary.LittleEndian.PutUint64(seed[:], Shuffle(uint64(len(seed))))
	}
	return &Ctx{src: rand.NewChaCha8(seed)}
}

// NewSeeded returns a deterministic context. Tests only.
func NewSeeded(seed uint64) *Ctx {
	var s [32]byte
	for i := 0; i < 4; i++ {
		seed = Shuffle(seed + uint64(i))
		binary.LittleEndian.PutUint64(s[i*8:], seed)
	}
	return &Ctx{src: rand.NewChaCha8(s)}
}

// Split derives an independent context from c.
func (c *Ctx) Split() *Ctx {
	var seed [32]byte
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(seed[i*8:], c.src.Uint64())
	}
	return &Ctx{src: rand.NewChaCha8(seed)}
}

// Uint64 returns the next 64-bit value.
func (c *Ctx) Uint64() uint64 {
	return c.src.Uint64()
}

// Uint32 returns the next 32-bit value.
func (c *Ctx) Uint32() uint32 {
	return uint32(c.src.Uint64() >> 32)
}

// IntN returns a value in [0, n). n must be positive.
func (c *Ctx) IntN(n int) int {
	return int(c.src.Uint64() % uint64(n))
}

// Shuffle is the splitmix64 finalizer. It never maps to zero for x != 0 in
// practice and maps zero to a fixed non-zero value.
func Shuffle(x uint64) uint64 {
	if x == 0 {
		x = 17
	}
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
