package engine

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"

	"github.com/hupe1980/gomalloc/internal/freelist"
	"github.com/hupe1980/gomalloc/internal/osmem"
	"github.com/hupe1980/gomalloc/internal/random"
)

// DelayState is the two-bit tag stored with a page's thread-free list head.
type DelayState uint64

const (
	NoDelay DelayState = iota
	Delayed
	DelayedFreeing
	Never
)

func (s DelayState) String() string {
	switch s {
	case NoDelay:
		return "no-delay"
	case Delayed:
		return "delayed"
	case DelayedFreeing:
		return "delayed-freeing"
	default:
		return "never"
	}
}

const tfStateMask = 3

func tfMake(block uintptr, s DelayState) uint64 { return uint64(block) | uint64(s) }
func tfBlock(tf uint64) uintptr                { return uintptr(tf &^ tfStateMask) }
func tfState(tf uint64) DelayState             { return DelayState(tf & tfStateMask) }

// PageState is the observable lifecycle state of a page.
type PageState uint8

const (
	PageFresh PageState = iota
	PageActive
	PageFull
	PageAbandoned
	PageRetired
	PageReleased
)

func (s PageState) String() string {
	switch s {
	case PageFresh:
		return "fresh"
	case PageActive:
		return "active"
	case PageFull:
		return "full"
	case PageAbandoned:
		return "abandoned"
	case PageRetired:
		return "retired"
	default:
		return "released"
	}
}

const (
	// Capacity is extended by at most this many bytes of blocks at a time.
	maxExtendSize = 4 * 1024
	minExtend     = 4

	// reclaimerID marks a page temporarily claimed by a non-owner that is
	// checking whether an abandoned page can be released.
	reclaimerID = ^uint64(0)
)

// Page is a slab of equally sized blocks.
//
// The owner fields (free lists, capacity, used, queue links) are only touched
// by the goroutine whose heap owns the page. xthreadFree, threadID and heap
// are shared.
type Page struct {
	eng *Engine

	start     uintptr
	region    []byte // complete memory, including a guard page
	data      []byte // block area
	blockSize uintptr
	reserved  int
	capacity  int
	used      int
	free      uintptr
	localFree uintptr
	keys      freelist.Keys
	null      uintptr

	freeIsZero   bool
	inFull       bool
	hasAligned   bool
	guarded      bool
	released     bool
	retireExpire int

	kind PageKind
	bin  int
	tag  uint8

	xthreadFree atomic.Uint64
	threadID    atomic.Uint64
	heap        atomic.Pointer[Heap]

	next, prev *Page

	memid osmem.MemID
}

// BlockSize returns the size of the page's blocks.
func (p *Page) BlockSize() uintptr { return p.blockSize }

// Reserved returns the number of blocks the page can hold.
func (p *Page) Reserved() int { return p.reserved }

// Capacity returns the number of initialized blocks.
func (p *Page) Capacity() int { return p.capacity }

// Used returns the number of blocks not on a local free list.
func (p *Page) Used() int { return p.used }

// Kind returns the page kind.
func (p *Page) Kind() PageKind { return p.kind }

// Start returns the address of the first block.
func (p *Page) Start() uintptr { return p.start }

// MemID returns the descriptor of the page's memory.
func (p *Page) MemID() osmem.MemID { return p.memid }

// ThreadID returns the id of the owning heap's goroutine, or 0 if abandoned.
func (p *Page) ThreadID() uint64 { return p.threadID.Load() }

// DelayState returns the current delay state of the thread-free list.
func (p *Page) DelayState() DelayState { return tfState(p.xthreadFree.Load()) }

// State returns the lifecycle state. Only meaningful to the owner. A page is
// full once every reserved block is in use, before the owner moves it to the
// full queue.
func (p *Page) State() PageState {
	switch {
	case p.released:
		return PageReleased
	case p.threadID.Load() == 0 && !p.singleton():
		return PageAbandoned
	case p.retireExpire > 0:
		return PageRetired
	case p.capacity == 0:
		return PageFresh
	case p.inFull || p.used == p.reserved:
		return PageFull
	default:
		return PageActive
	}
}

// singleton reports whether the page holds exactly one huge or guarded block.
func (p *Page) singleton() bool {
	return p.kind == PageHuge
}

func (p *Page) loadWord(b uintptr) uint64 {
	return binary.LittleEndian.Uint64(p.data[b-p.start:])
}

func (p *Page) storeWord(b uintptr, v uint64) {
	binary.LittleEndian.PutUint64(p.data[b-p.start:], v)
}

func (p *Page) bounds() freelist.Bounds {
	return freelist.Bounds{
		Start:     p.start,
		End:       p.start + uintptr(p.capacity)*p.blockSize,
		BlockSize: p.blockSize,
	}
}

func (p *Page) setNext(b, next uintptr) {
	p.storeWord(b, freelist.Encode(p.null, next, p.keys))
}

// nextBlock decodes the link stored in free block b. A link that leaves the
// page is reported and the chain ends at b.
func (p *Page) nextBlock(b uintptr) uintptr {
	word := p.loadWord(b)
	next, ok := freelist.DecodeChecked(p.null, word, p.keys, p.bounds())
	if !ok {
		p.eng.report(CodeCorrupted, b, "corrupted free list entry of size %d: value %#x", p.blockSize, word)
		return freelist.None
	}
	return next
}

// blockIndex returns the index of the block containing addr.
func (p *Page) blockIndex(addr uintptr) int {
	return int((addr - p.start) / p.blockSize)
}

func (p *Page) blockStart(addr uintptr) uintptr {
	return p.start + uintptr(p.blockIndex(addr))*p.blockSize
}

// blockOf maps a user address to its block. Without aligned allocations in
// the page the address must be a block start.
func (p *Page) blockOf(addr uintptr) (uintptr, bool) {
	if addr < p.start || addr >= p.start+uintptr(p.reserved)*p.blockSize {
		return 0, false
	}
	b := p.blockStart(addr)
	if b != addr && !p.hasAligned {
		return 0, false
	}
	return b, true
}

// usableSize returns the bytes available from addr to the end of its block.
func (p *Page) usableSize(addr uintptr) uintptr {
	return p.blockStart(addr) + p.blockSize - addr
}

// slice returns the view of size bytes at addr; its capacity reaches the end
// of the block.
func (p *Page) slice(addr, size uintptr) []byte {
	off := addr - p.start
	end := p.blockStart(addr) + p.blockSize - p.start
	return p.data[off : off+size : end]
}

// popFree takes the first block of the free list. The caller ensures the list
// is not empty.
func (p *Page) popFree() uintptr {
	b := p.free
	p.free = p.nextBlock(b)
	p.used++
	return b
}

// zeroBlock clears block b, or only its link word when the rest of the block
// is known to be zero.
func (p *Page) zeroBlock(b uintptr) {
	if p.freeIsZero {
		p.storeWord(b, 0)
		return
	}
	off := b - p.start
	clear(p.data[off : off+p.blockSize])
}

// extend initializes more blocks of the reserved area into the free list.
func (p *Page) extend(rnd *random.Ctx, secure bool) int {
	if p.free != 0 || p.capacity >= p.reserved {
		return 0
	}
	n := p.reserved - p.capacity
	limit := max(minExtend, int(maxExtendSize/p.blockSize))
	n = min(n, limit)

	if secure && n > 2 && rnd != nil {
		p.extendShuffled(rnd, p.capacity, n)
	} else {
		p.extendSequential(p.capacity, n)
	}
	p.capacity += n
	return n
}

func (p *Page) extendSequential(first, n int) {
	bs := p.blockSize
	start := p.start + uintptr(first)*bs
	b := start
	for i := 0; i < n-1; i++ {
		p.setNext(b, b+bs)
		b += bs
	}
	p.setNext(b, freelist.None)
	p.free = start
}

func (p *Page) extendShuffled(rnd *random.Ctx, first, n int) {
	order := make([]int, n)
	for i := range order {
		order[i] = first + i
	}
	for i := n - 1; i > 0; i-- {
		j := rnd.IntN(i + 1)
		order[i], order[j] = order[j], order[i]
	}
	bs := p.blockSize
	for i := 0; i < n-1; i++ {
		p.setNext(p.start+uintptr(order[i])*bs, p.start+uintptr(order[i+1])*bs)
	}
	p.setNext(p.start+uintptr(order[n-1])*bs, freelist.None)
	p.free = p.start + uintptr(order[0])*bs
}

// beginDrain takes the thread-free list exclusively by moving the page to
// DelayedFreeing. It returns the list head and the state endDrain restores.
func (p *Page) beginDrain() (uintptr, DelayState, bool) {
	for {
		tf := p.xthreadFree.Load()
		if tfBlock(tf) == 0 {
			return 0, 0, false
		}
		s := tfState(tf)
		if s == DelayedFreeing {
			runtime.Gosched()
			continue
		}
		if p.xthreadFree.CompareAndSwap(tf, tfMake(0, DelayedFreeing)) {
			return tfBlock(tf), s, true
		}
	}
}

// endDrain releases the exclusive hold. Nobody else writes xthreadFree while
// it reads DelayedFreeing.
func (p *Page) endDrain(prev DelayState) {
	p.xthreadFree.Store(tfMake(0, prev))
}

// drainThreadFree moves the thread-free list onto the local free list.
func (p *Page) drainThreadFree() int {
	head, prev, ok := p.beginDrain()
	if !ok {
		return 0
	}

	count := 1
	tail := head
	for {
		next := p.nextBlock(tail)
		if next == 0 {
			break
		}
		if count >= p.capacity {
			p.eng.report(CodeDoubleFree, tail, "cycle in thread-free list of page %#x", p.start)
			break
		}
		tail = next
		count++
	}
	p.setNext(tail, p.localFree)
	p.localFree = head
	p.used -= count
	if p.used < 0 {
		p.eng.report(CodeDoubleFree, head, "page %#x freed more blocks than it handed out", p.start)
		p.used = 0
	}
	p.endDrain(prev)
	return count
}

// collect gathers blocks freed by other goroutines and, when the free list
// is exhausted or force is set, moves the local free list into it.
func (p *Page) collect(force bool) {
	if force || tfBlock(p.xthreadFree.Load()) != 0 {
		p.drainThreadFree()
	}
	if p.localFree == 0 {
		return
	}
	if p.free == 0 {
		p.free = p.localFree
		p.localFree = 0
		p.freeIsZero = false
		return
	}
	if !force {
		return
	}
	tail := p.localFree
	for n, steps := p.nextBlock(tail), 0; n != 0 && steps < p.capacity; n, steps = p.nextBlock(n), steps+1 {
		tail = n
	}
	p.setNext(tail, p.free)
	p.free = p.localFree
	p.localFree = 0
	p.freeIsZero = false
}

// immediateAvailable reports whether popFree can be called.
func (p *Page) immediateAvailable() bool { return p.free != 0 }

func (p *Page) expandable() bool { return p.capacity < p.reserved }

// mostlyUsed reports whether at most an eighth of the page is free.
func (p *Page) mostlyUsed() bool {
	return p.reserved-p.used <= p.reserved/8
}

func (p *Page) allFree() bool { return p.used == 0 }

// listContains walks a free list looking for b.
func (p *Page) listContains(head, b uintptr) bool {
	bounds := p.bounds()
	for n, steps := head, 0; n != 0 && steps <= p.capacity; steps++ {
		if n == b {
			return true
		}
		next, ok := freelist.DecodeChecked(p.null, p.loadWord(n), p.keys, bounds)
		if !ok {
			return false
		}
		n = next
	}
	return false
}

// isDoubleFree checks whether b is already free. Only blocks whose first
// word decodes to a plausible link are searched for.
func (p *Page) isDoubleFree(b uintptr) bool {
	next := freelist.Decode(p.null, p.loadWord(b), p.keys)
	if next != 0 && !p.bounds().Contains(next) {
		return false
	}
	return p.listContains(p.free, b) ||
		p.listContains(p.localFree, b) ||
		p.listContains(tfBlock(p.xthreadFree.Load()), b)
}

// tryUseDelayedFree sets the delay state. It fails while a handoff holds
// DelayedFreeing. Never is kept unless override is set.
func (p *Page) tryUseDelayedFree(s DelayState, override bool) bool {
	for {
		tf := p.xthreadFree.Load()
		cur := tfState(tf)
		if cur == DelayedFreeing {
			return false
		}
		if cur == s || (cur == Never && !override) {
			return true
		}
		if p.xthreadFree.CompareAndSwap(tf, tfMake(tfBlock(tf), s)) {
			return true
		}
	}
}

// useDelayedFree is tryUseDelayedFree, waiting out concurrent handoffs.
func (p *Page) useDelayedFree(s DelayState, override bool) {
	for !p.tryUseDelayedFree(s, override) {
		runtime.Gosched()
	}
}
