package osmem

import (
	"errors"
	"unsafe"
)

var (
	// ErrInvalidSize is returned for non-positive or unaligned sizes.
	ErrInvalidSize = errors.New("osmem: invalid size")
	// ErrInvalidAlignment is returned when an alignment is not a power of two.
	ErrInvalidAlignment = errors.New("osmem: invalid alignment")
	// ErrNotOwned is returned when a MemID does not describe an OS mapping.
	ErrNotOwned = errors.New("osmem: memory not obtained from the OS layer")
)

// MemKind tells how a memory region was obtained.
type MemKind uint8

const (
	// MemNone is an empty descriptor.
	MemNone MemKind = iota
	// MemStatic is memory that is never released.
	MemStatic
	// MemOS is a direct OS mapping, released with Provider.Free.
	MemOS
	// MemArena is a block range of an arena, released back to its bitmap.
	MemArena
)

func (k MemKind) String() string {
	switch k {
	case MemNone:
		return "none"
	case MemStatic:
		return "static"
	case MemOS:
		return "os"
	case MemArena:
		return "arena"
	default:
		return "unknown"
	}
}

// MemID describes a memory region and how to release it.
type MemID struct {
	Kind MemKind

	// OS mappings: the complete mapping as returned by the OS. The usable
	// region may be an aligned sub-slice of it.
	mapping []byte

	// Arena ranges.
	ArenaIndex int
	BlockIndex int
	BlockCount int
	Exclusive  bool

	InitiallyCommitted bool
	InitiallyZero      bool
	IsPinned           bool
}

// None returns an empty MemID.
func None() MemID {
	return MemID{Kind: MemNone}
}

// ArenaMemID returns a MemID for blocks [block, block+count) of arena idx.
func ArenaMemID(idx, block, count int, committed, zero, exclusive bool) MemID {
	return MemID{
		Kind:               MemArena,
		ArenaIndex:         idx,
		BlockIndex:         block,
		BlockCount:         count,
		Exclusive:          exclusive,
		InitiallyCommitted: committed,
		InitiallyZero:      zero,
	}
}

// MappingSize returns the size of the underlying OS mapping, or 0.
func (m MemID) MappingSize() int {
	return len(m.mapping)
}

// Provider is the OS virtual-memory contract the allocator consumes.
type Provider interface {
	// PageSize returns the OS page size.
	PageSize() int
	// Alloc maps size bytes aligned to alignment. With commit false the
	// memory is reserved but inaccessible until Commit.
	Alloc(size, alignment int, commit, allowLarge bool) ([]byte, MemID, error)
	// Free releases a region returned by Alloc.
	Free(region []byte, id MemID) error
	// Commit makes a reserved range accessible. It reports whether the
	// range is known to read as zero.
	Commit(b []byte) (bool, error)
	// Decommit returns the physical memory and makes the range inaccessible.
	Decommit(b []byte) error
	// Purge returns the physical memory but keeps the range accessible;
	// its contents read as zero afterwards.
	Purge(b []byte) error
	// Protect makes a committed range inaccessible (guard pages).
	Protect(b []byte) error
	// Unprotect reverses Protect.
	Unprotect(b []byte) error
}

// Addr returns the address of the first byte of b's backing array, or 0 when
// b has no capacity. Zero-length slices with capacity still have an address.
func Addr(b []byte) uintptr {
	if cap(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b))) //nolint:gosec // address is used as an opaque handle
}

// AlignUp rounds x up to a multiple of align, which must be a power of two.
func AlignUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}

// IsPowerOfTwo reports whether x is a power of two. Zero is not.
func IsPowerOfTwo(x int) bool {
	return x > 0 && x&(x-1) == 0
}

// alignedRegion returns the sub-slice of mapping of size bytes starting at the
// first multiple of alignment.
func alignedRegion(mapping []byte, size, alignment int) []byte {
	base := Addr(mapping)
	off := int(AlignUp(base, uintptr(alignment)) - base)
	return mapping[off : off+size : off+size]
}

func checkArgs(size, alignment int) error {
	if size <= 0 {
		return ErrInvalidSize
	}
	if !IsPowerOfTwo(alignment) {
		return ErrInvalidAlignment
	}
	return nil
}
