package freelist

import (
	"math/bits"
)

// None is the decoded value of the end of a free list.
const None uintptr = 0

// Keys is the pair of per-page encoding keys.
type Keys [2]uint64

// Encode encodes next for storage in a free block. A next of None is encoded
// as null.
func Encode(null, next uintptr, keys Keys) uint64 {
	x := uint64(next)
	if next == None {
		x = uint64(null)
	}
	return bits.RotateLeft64(x^keys[1], rot(keys[0])) + keys[0]
}

// Decode is the inverse of Encode. The null sentinel decodes to None.
func Decode(null uintptr, word uint64, keys Keys) uintptr {
	p := uintptr(bits.RotateLeft64(word-keys[0], -rot(keys[0])) ^ keys[1])
	if p == null {
		return None
	}
	return p
}

func rot(k uint64) int {
	return int(k & 63)
}

// Bounds describes the block area of a page.
type Bounds struct {
	Start     uintptr
	End       uintptr
	BlockSize uintptr
}

// Contains reports whether p is the start of a block within b.
func (b Bounds) Contains(p uintptr) bool {
	if p < b.Start || p >= b.End || b.BlockSize == 0 {
		return false
	}
	return (p-b.Start)%b.BlockSize == 0
}

// DecodeChecked decodes word and verifies the result stays within b.
// It returns None and false when the decoded pointer is not a block of the
// page; the chain must not be followed in that case.
func DecodeChecked(null uintptr, word uint64, keys Keys, b Bounds) (uintptr, bool) {
	p := Decode(null, word, keys)
	if p == None {
		return None, true
	}
	if !b.Contains(p) {
		return None, false
	}
	return p, true
}
