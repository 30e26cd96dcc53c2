package bitmap

import (
	"math/bits"
	"sync/atomic"
)

// Bitmap is a thread-safe bitmap of a fixed number of bits.
type Bitmap struct {
	words []atomic.Uint64
	size  int
}

// New creates a bitmap of size bits, all clear.
func New(size int) *Bitmap {
	if size < 0 {
		size = 0
	}
	return &Bitmap{
		words: make([]atomic.Uint64, (size+63)/64),
		size:  size,
	}
}

// Len returns the number of bits.
func (b *Bitmap) Len() int {
	return b.size
}

// span calls fn for every word covered by [idx, idx+n) with the mask of the
// covered bits. It stops early when fn returns false.
func (b *Bitmap) span(idx, n int, fn func(w int, mask uint64) bool) bool {
	for n > 0 {
		w := idx / 64
		off := idx % 64
		cnt := min(64-off, n)
		var mask uint64
		if cnt == 64 {
			mask = ^uint64(0)
		} else {
			mask = ((uint64(1) << cnt) - 1) << off
		}
		if !fn(w, mask) {
			return false
		}
		idx += cnt
		n -= cnt
	}
	return true
}

func (b *Bitmap) valid(idx, n int) bool {
	return idx >= 0 && n > 0 && idx+n <= b.size
}

// Set sets bit i.
func (b *Bitmap) Set(i int) {
	b.SetRange(i, 1)
}

// Test returns true if bit i is set.
func (b *Bitmap) Test(i int) bool {
	if i < 0 || i >= b.size {
		return false
	}
	return b.words[i/64].Load()&(uint64(1)<<(i%64)) != 0
}

// SetRange sets [idx, idx+n) and reports whether all bits were clear before.
func (b *Bitmap) SetRange(idx, n int) bool {
	if !b.valid(idx, n) {
		return false
	}
	allClear := true
	b.span(idx, n, func(w int, mask uint64) bool {
		if b.words[w].Or(mask)&mask != 0 {
			allClear = false
		}
		return true
	})
	return allClear
}

// ClearRange clears [idx, idx+n) and reports whether all bits were set before.
func (b *Bitmap) ClearRange(idx, n int) bool {
	if !b.valid(idx, n) {
		return false
	}
	allSet := true
	b.span(idx, n, func(w int, mask uint64) bool {
		if b.words[w].And(^mask)&mask != mask {
			allSet = false
		}
		return true
	})
	return allSet
}

// IsRangeSet reports whether every bit in [idx, idx+n) is set.
func (b *Bitmap) IsRangeSet(idx, n int) bool {
	if !b.valid(idx, n) {
		return false
	}
	return b.span(idx, n, func(w int, mask uint64) bool {
		return b.words[w].Load()&mask == mask
	})
}

// IsRangeClear reports whether every bit in [idx, idx+n) is clear.
func (b *Bitmap) IsRangeClear(idx, n int) bool {
	if !b.valid(idx, n) {
		return false
	}
	return b.span(idx, n, func(w int, mask uint64) bool {
		return b.words[w].Load()&mask == 0
	})
}

// lastSet returns the index of the last set bit in [idx, idx+n), or -1.
// The last one is the useful one for skipping ahead in TryClaim.
func (b *Bitmap) lastSet(idx, n int) int {
	found := -1
	b.span(idx, n, func(w int, mask uint64) bool {
		if v := b.words[w].Load() & mask; v != 0 {
			found = w*64 + 63 - bits.LeadingZeros64(v)
		}
		return true
	})
	return found
}

// TryClaimAt atomically sets [idx, idx+n) if every bit is clear.
// Words claimed before a conflict is found are rolled back.
func (b *Bitmap) TryClaimAt(idx, n int) bool {
	if !b.valid(idx, n) {
		return false
	}
	type claimed struct {
		w    int
		mask uint64
	}
	var done [4]claimed
	taken := done[:0]

	ok := b.span(idx, n, func(w int, mask uint64) bool {
		for {
			old := b.words[w].Load()
			if old&mask != 0 {
				return false
			}
			if b.words[w].CompareAndSwap(old, old|mask) {
				taken = append(taken, claimed{w, mask})
				return true
			}
		}
	})
	if !ok {
		for _, c := range taken {
			b.words[c.w].And(^c.mask)
		}
	}
	return ok
}

// TryClaim finds a run of n clear bits starting at a multiple of align and
// sets it. The search visits each candidate start at most once, so it is
// bounded by the bitmap size; it fails rather than waiting on contention.
func (b *Bitmap) TryClaim(n, align int) (int, bool) {
	if n <= 0 || n > b.size {
		return 0, false
	}
	if align <= 0 {
		align = 1
	}
	for start := 0; start+n <= b.size; {
		if j := b.lastSet(start, n); j >= 0 {
			start = alignUp(j+1, align)
			continue
		}
		if b.TryClaimAt(start, n) {
			return start, true
		}
		start += align
	}
	return 0, false
}

// Release clears a range previously claimed and reports whether it was fully set.
func (b *Bitmap) Release(idx, n int) bool {
	return b.ClearRange(idx, n)
}

// Count returns the number of set bits.
func (b *Bitmap) Count() int {
	count := 0
	for i := range b.words {
		count += bits.OnesCount64(b.words[i].Load())
	}
	return count
}

// NextSet returns the index of the first set bit at or after from, or -1.
func (b *Bitmap) NextSet(from int) int {
	if from < 0 {
		from = 0
	}
	for w := from / 64; w < len(b.words); w++ {
		v := b.words[w].Load()
		if w == from/64 {
			v &= ^uint64(0) << (from % 64)
		}
		if v != 0 {
			i := w*64 + bits.TrailingZeros64(v)
			if i >= b.size {
				return -1
			}
			return i
		}
	}
	return -1
}

func alignUp(x, align int) int {
	return (x + align - 1) / align * align
}
