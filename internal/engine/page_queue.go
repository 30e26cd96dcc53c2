package engine

// pageQueue is an intrusive doubly linked list of pages of one bin.
type pageQueue struct {
	first     *Page
	last      *Page
	blockSize uintptr
	count     int
}

func (q *pageQueue) empty() bool { return q.first == nil }

func (q *pageQueue) pushFront(p *Page) {
	p.prev = nil
	p.next = q.first
	if q.first != nil {
		q.first.prev = p
	} else {
		q.last = p
	}
	q.first = p
	q.count++
}

func (q *pageQueue) pushBack(p *Page) {
	p.next = nil
	p.prev = q.last
	if q.last != nil {
		q.last.next = p
	} else {
		q.first = p
	}
	q.last = p
	q.count++
}

func (q *pageQueue) remove(p *Page) {
	if p.prev != nil {
		p.prev.next = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	}
	if p == q.last {
		q.last = p.prev
	}
	if p == q.first {
		q.first = p.next
	}
	p.next, p.prev = nil, nil
	q.count--
}

func (q *pageQueue) contains(p *Page) bool {
	for it := q.first; it != nil; it = it.next {
		if it == p {
			return true
		}
	}
	return false
}

// queueOf returns the queue p currently sits in.
func (h *Heap) queueOf(p *Page) *pageQueue {
	if p.inFull {
		return &h.queues[BinFull]
	}
	return &h.queues[p.bin]
}

// updateDirect points the direct-table entries served by q at its first page.
func (h *Heap) updateDirect(q *pageQueue) {
	if q.blockSize > SmallSizeMax {
		return
	}
	idx := wsizeOf(q.blockSize)
	if h.direct[idx] == q.first {
		return
	}
	var start uintptr
	if idx > 1 {
		bin := binOfWSize(idx)
		start = wsizeOf(binSizes[bin-1]) + 1
	}
	for i := start; i <= idx; i++ {
		h.direct[i] = q.first
	}
}

func (h *Heap) queuePush(q *pageQueue, p *Page) {
	q.pushFront(p)
	h.updateDirect(q)
}

func (h *Heap) queueRemove(q *pageQueue, p *Page) {
	q.remove(p)
	h.updateDirect(q)
}

func (h *Heap) queueMoveToFront(q *pageQueue, p *Page) {
	if q.first == p {
		return
	}
	q.remove(p)
	q.pushFront(p)
	h.updateDirect(q)
}

// queueEnqueueFrom moves p from one queue to the back of another.
func (h *Heap) queueEnqueueFrom(to, from *pageQueue, p *Page) {
	from.remove(p)
	h.updateDirect(from)
	to.pushBack(p)
	p.inFull = to == &h.queues[BinFull]
	h.updateDirect(to)
}
