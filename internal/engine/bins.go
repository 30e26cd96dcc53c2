package engine

import "math/bits"

const (
	// WordSize is the size of a free-list link.
	WordSize = 8

	// BlockShift is the log2 of the arena block size. Page-map entries cover
	// one arena block each.
	BlockShift = 16
	// BlockSize is the arena block size.
	BlockSize = 1 << BlockShift

	// SmallPageSize, MediumPageSize and LargePageSize are the page sizes of
	// the three regular page kinds.
	SmallPageSize  = BlockSize
	MediumPageSize = 8 * SmallPageSize
	LargePageSize  = 8 * MediumPageSize

	// Largest object that is still served by a page of each kind. A page
	// holds at least eight blocks.
	SmallObjSizeMax  = SmallPageSize / 8
	MediumObjSizeMax = MediumPageSize / 8
	LargeObjSizeMax  = LargePageSize / 8

	// SmallSizeMax is the largest size served through the direct page table.
	SmallSizeMax  = SmallWSizeMax * WordSize
	SmallWSizeMax = 128

	// MaxAllocSize bounds a single request.
	MaxAllocSize = 1 << 40

	largeWSizeMax = LargeObjSizeMax / WordSize

	// Bin indices. Bin 0 is unused; BinHuge and BinFull are queues of their own.
	binLargeMax = 60
	BinHuge     = binLargeMax + 1
	BinFull     = BinHuge + 1
	binCount    = BinFull + 1

	pagesDirect = SmallWSizeMax + 1
)

// PageKind is the size class of a page.
type PageKind uint8

const (
	PageSmall PageKind = iota
	PageMedium
	PageLarge
	PageHuge
)

func (k PageKind) String() string {
	switch k {
	case PageSmall:
		return "small"
	case PageMedium:
		return "medium"
	case PageLarge:
		return "large"
	default:
		return "huge"
	}
}

// binSizes holds the block size served by each regular bin.
var binSizes = func() (s [binCount]uintptr) {
	for w := uintptr(1); w <= largeWSizeMax; w++ {
		s[binOfWSize(w)] = w * WordSize
	}
	s[BinHuge] = LargeObjSizeMax + 1
	s[BinFull] = LargeObjSizeMax + 2
	return s
}()

// wsizeOf rounds size up to whole words.
func wsizeOf(size uintptr) uintptr {
	return (size + WordSize - 1) / WordSize
}

func binOfWSize(wsize uintptr) int {
	if wsize <= 1 {
		return 1
	}
	if wsize <= 8 {
		return int(wsize)
	}
	if wsize > largeWSizeMax {
		return BinHuge
	}
	// Four sub-bins per power of two.
	w := wsize - 1
	b := bits.Len64(uint64(w)) - 1
	return (b << 2) + int((w>>(b-2))&3) - 3
}

// BinOf returns the bin serving objects of size bytes.
func BinOf(size uintptr) int {
	return binOfWSize(wsizeOf(size))
}

// BinSize returns the block size of bin.
func BinSize(bin int) uintptr {
	return binSizes[bin]
}

// pageKindOf returns the page kind used for blocks of blockSize.
func pageKindOf(blockSize uintptr) PageKind {
	switch {
	case blockSize <= SmallObjSizeMax:
		return PageSmall
	case blockSize <= MediumObjSizeMax:
		return PageMedium
	case blockSize <= LargeObjSizeMax:
		return PageLarge
	default:
		return PageHuge
	}
}

// pageBlocks returns the number of arena blocks a page for blockSize spans.
func pageBlocks(blockSize uintptr) int {
	switch pageKindOf(blockSize) {
	case PageSmall:
		return SmallPageSize / BlockSize
	case PageMedium:
		return MediumPageSize / BlockSize
	case PageLarge:
		return LargePageSize / BlockSize
	default:
		return int((blockSize + BlockSize - 1) / BlockSize)
	}
}

func alignUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}
