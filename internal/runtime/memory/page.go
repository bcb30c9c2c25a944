package memory

import "unsafe"

// freeObject overlays the first word of a free small object; the free lists
// are intrusive singly-linked stacks threaded through the objects themselves.
type freeObject struct {
	next *freeObject
}

const freeObjectSize = unsafe.Sizeof(freeObject{})

type pageListLink struct {
	prev pageIdx
	next pageIdx
}

// page describes one page of a shard's region. The descriptor array lives at
// the start of the region; index 0 is part of the reserved prefix, so 0 works
// as the nil link in pageList.
type page struct {
	free         bool
	offsetInSpan uint8
	nrSmallAlloc uint16
	// spanSize is the span length in pages, valid at the head and tail pages
	// of a span only.
	spanSize uint32
	link     pageListLink
	// pool is set while the span backs a small pool.
	pool     *smallPool
	freelist *freeObject
}

// pageList is a doubly-linked list of span head pages, linked by page index
// so the descriptors stay position-independent.
type pageList struct {
	front pageIdx
	back  pageIdx
}

func (l *pageList) empty() bool {
	return l.front == 0
}

func (l *pageList) frontPage(ary []page) *page {
	return &ary[l.front]
}

func (l *pageList) erase(ary []page, span *page) {
	if span.link.next != 0 {
		ary[span.link.next].link.prev = span.link.prev
	} else {
		l.back = span.link.prev
	}
	if span.link.prev != 0 {
		ary[span.link.prev].link.next = span.link.next
	} else {
		l.front = span.link.next
	}
}

func (l *pageList) pushFront(ary []page, span *page) {
	idx := pageIdx((uintptr(unsafe.Pointer(span)) - uintptr(unsafe.Pointer(&ary[0]))) / unsafe.Sizeof(page{}))
	if l.front != 0 {
		ary[l.front].link.prev = idx
	} else {
		l.back = idx
	}
	span.link.next = l.front
	span.link.prev = 0
	l.front = idx
}

func (l *pageList) popFront(ary []page) {
	next := ary[l.front].link.next
	if next != 0 {
		ary[next].link.prev = 0
	} else {
		l.back = 0
	}
	l.front = next
}
