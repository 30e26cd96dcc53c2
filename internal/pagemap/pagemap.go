package pagemap

import (
	"errors"
	"fmt"
	"sync/atomic"
)

const (
	// AddressBits is the size of the user address space covered by the map.
	AddressBits = 48

	leafBits = 16
	leafSize = 1 << leafBits
	leafMask = leafSize - 1
)

var (
	// ErrUnaligned is returned when a page start is not block aligned.
	ErrUnaligned = errors.New("pagemap: page start is not block aligned")
	// ErrOutOfRange is returned when a page lies outside the covered address space.
	ErrOutOfRange = errors.New("pagemap: address out of range")
)

type leaf[T any] struct {
	offsets [leafSize]atomic.Int32
	pages   [leafSize]atomic.Pointer[T]
}

// Map is a sparse address-to-page table. The zero value is not usable; use New.
type Map[T any] struct {
	shift   uint
	maxIdx  uintptr
	leaves  []atomic.Pointer[leaf[T]]
	entries atomic.Int64
}

// New creates a map for pages made of 1<<shift byte blocks.
func New[T any](shift uint) *Map[T] {
	if shift == 0 || shift >= AddressBits {
		panic(fmt.Sprintf("pagemap: invalid block shift %d", shift))
	}
	maxIdx := uintptr(1) << (AddressBits - shift)
	top := (maxIdx + leafSize - 1) >> leafBits
	return &Map[T]{
		shift:  shift,
		maxIdx: maxIdx,
		leaves: make([]atomic.Pointer[leaf[T]], top),
	}
}

// BlockSize returns the size in bytes of one map entry.
func (m *Map[T]) BlockSize() uintptr {
	return uintptr(1) << m.shift
}

// Len returns the number of blocks currently mapped.
func (m *Map[T]) Len() int {
	return int(m.entries.Load())
}

func (m *Map[T]) leafFor(idx uintptr, create bool) *leaf[T] {
	slot := &m.leaves[idx>>leafBits]
	if l := slot.Load(); l != nil || !create {
		return l
	}
	fresh := new(leaf[T])
	if slot.CompareAndSwap(nil, fresh) {
		return fresh
	}
	return slot.Load()
}

// Register maps the blocks [start, start+blocks<<shift) to page.
func (m *Map[T]) Register(start uintptr, blocks int, page *T) error {
	if start&(m.BlockSize()-1) != 0 {
		return ErrUnaligned
	}
	first := start >> m.shift
	if blocks <= 0 || first+uintptr(blocks) > m.maxIdx {
		return ErrOutOfRange
	}

	// The page pointer is published before any offset refers to it.
	m.leafFor(first, true).pages[first&leafMask].Store(page)
	for i := 0; i < blocks; i++ {
		idx := first + uintptr(i)
		m.leafFor(idx, true).offsets[idx&leafMask].Store(int32(i + 1))
	}
	m.entries.Add(int64(blocks))
	return nil
}

// Unregister removes every mapping in [start, start+blocks<<shift). The range
// may cover several pages or unmapped blocks.
func (m *Map[T]) Unregister(start uintptr, blocks int) {
	first := start >> m.shift
	if blocks <= 0 || first+uintptr(blocks) > m.maxIdx {
		return
	}
	removed := 0
	for i := 0; i < blocks; i++ {
		idx := first + uintptr(i)
		l := m.leafFor(idx, false)
		if l == nil {
			continue
		}
		if l.offsets[idx&leafMask].Swap(0) != 0 {
			removed++
		}
		l.pages[idx&leafMask].Store(nil)
	}
	m.entries.Add(-int64(removed))
}

// Lookup returns the page owning addr, or nil.
func (m *Map[T]) Lookup(addr uintptr) *T {
	idx := addr >> m.shift
	if idx >= m.maxIdx {
		return nil
	}
	l := m.leafFor(idx, false)
	if l == nil {
		return nil
	}
	ofs := l.offsets[idx&leafMask].Load()
	if ofs <= 0 {
		return nil
	}
	base := idx - uintptr(ofs-1)
	if base != idx {
		if l = m.leafFor(base, false); l == nil {
			return nil
		}
	}
	return l.pages[base&leafMask].Load()
}
