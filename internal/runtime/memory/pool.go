package memory

import (
	"math/bits"
	"unsafe"
)

// Size classes are spaced geometrically with idxFracBits fractional bits:
// four classes per power of two. Classes above 16 bytes are rounded to a
// multiple of 16 so returned pointers satisfy the largest natural alignment.
const idxFracBits = 2

func log2floor(v uintptr) uint {
	return uint(bits.Len(uint(v))) - 1
}

func idxToSize(idx uint) uintptr {
	s := ((uintptr(1<<idxFracBits) | uintptr(idx&(1<<idxFracBits-1))) << (idx >> idxFracBits)) >> idxFracBits
	if s > 16 {
		s = alignUp(s, 16)
	}
	return s
}

func sizeToIdx(size uintptr) uint {
	l2 := log2floor(size)
	return (l2<<idxFracBits - (1<<idxFracBits - 1)) + uint((size-1)>>(l2-idxFracBits))
}

var nrSmallPools = sizeToIdx(4*PageSize) + 1

// maxSmallAllocation is the largest size served by the small pools; anything
// bigger goes straight to the buddy layer.
var maxSmallAllocation = idxToSize(nrSmallPools - 1)

type spanSizes struct {
	preferred uint8
	fallback  uint8
}

// smallPool is a slab allocator for one size class, backed by buddy spans.
type smallPool struct {
	shard      *Shard
	objectSize uintptr
	spanSizes  spanSizes

	free      *freeObject
	freeCount uintptr
	minFree   uintptr
	maxFree   uintptr

	pagesInUse uint32
	spanList   pageList
}

func (p *smallPool) init(s *Shard, objectSize uintptr) {
	p.shard = s
	p.objectSize = objectSize

	spanSize := uintptr(1)
	spanBytes := func() uintptr { return spanSize * PageSize }
	waste := func() float64 { return float64(spanBytes()%p.objectSize) / float64(spanBytes()) }
	for objectSize > spanBytes() {
		spanSize++
	}
	p.spanSizes.fallback = uint8(spanSize)

	// Prefer a span size keeping internal fragmentation under 5% while
	// fitting at least 4 objects; otherwise take the least wasteful of the
	// candidates up to 32 pages.
	minWaste := 2.0
	minWasteSpanSize := uintptr(0)
	for spanSize = 1; spanSize <= 32; spanSize *= 2 {
		if spanBytes()/objectSize >= 4 {
			if w := waste(); w < minWaste {
				minWaste = w
				minWasteSpanSize = spanSize
				if w < 0.05 {
					break
				}
			}
		}
	}
	if minWasteSpanSize != 0 {
		p.spanSizes.preferred = uint8(minWasteSpanSize)
	} else {
		p.spanSizes.preferred = p.spanSizes.fallback
	}

	spanSize = uintptr(p.spanSizes.preferred)
	p.maxFree = max(100, spanBytes()*2/p.objectSize)
	p.minFree = p.maxFree / 2
}

func (p *smallPool) allocate() unsafe.Pointer {
	if p.free == nil {
		p.addMoreObjects()
	}
	if p.free == nil {
		return nil
	}
	obj := p.free
	p.free = obj.next
	p.freeCount--
	return unsafe.Pointer(obj)
}

func (p *smallPool) deallocate(object unsafe.Pointer) {
	o := (*freeObject)(object)
	o.next = p.free
	p.free = o
	p.freeCount++
	if p.freeCount >= p.maxFree {
		p.trimFreeList()
	}
}

// addMoreObjects refills the pool free list up to the midpoint watermark,
// first from partially-used spans, then by carving fresh buddy spans.
func (p *smallPool) addMoreObjects() {
	s := p.shard
	goal := (p.minFree + p.maxFree) / 2
	for !p.spanList.empty() && p.freeCount < goal {
		span := p.spanList.frontPage(s.pages)
		p.spanList.popFront(s.pages)
		for span.freelist != nil {
			obj := span.freelist
			span.freelist = obj.next
			obj.next = p.free
			p.free = obj
			p.freeCount++
			span.nrSmallAlloc++
		}
	}
	for p.freeCount < goal {
		spanSize := uint32(p.spanSizes.preferred)
		data := s.allocateLarge(spanSize)
		if data == nil {
			spanSize = uint32(p.spanSizes.fallback)
			data = s.allocateLarge(spanSize)
			if data == nil {
				return
			}
		}
		span := s.toPage(data)
		spanSize = span.spanSize
		p.pagesInUse += spanSize
		head := s.pageIndex(data)
		for i := uint32(0); i < spanSize; i++ {
			s.pages[head+pageIdx(i)].offsetInSpan = uint8(i)
			s.pages[head+pageIdx(i)].pool = p
		}
		span.nrSmallAlloc = 0
		span.freelist = nil
		for offset := uintptr(0); offset <= uintptr(spanSize)*PageSize-p.objectSize; offset += p.objectSize {
			h := (*freeObject)(unsafe.Pointer(uintptr(data) + offset))
			h.next = p.free
			p.free = h
			p.freeCount++
			span.nrSmallAlloc++
		}
	}
}

// trimFreeList pushes surplus objects back to their spans; a span whose
// in-use count reaches zero is returned to the buddy layer.
func (p *smallPool) trimFreeList() {
	s := p.shard
	goal := (p.minFree + p.maxFree) / 2
	for p.free != nil && p.freeCount > goal {
		obj := p.free
		p.free = obj.next
		p.freeCount--
		span := s.toPage(unsafe.Pointer(obj))
		spanIdx := s.pageIndex(unsafe.Pointer(obj)) - pageIdx(span.offsetInSpan)
		span = &s.pages[spanIdx]
		if span.freelist == nil {
			span.link = pageListLink{}
			p.spanList.pushFront(s.pages, span)
		}
		obj.next = span.freelist
		span.freelist = obj
		span.nrSmallAlloc--
		if span.nrSmallAlloc == 0 {
			p.pagesInUse -= span.spanSize
			p.spanList.erase(s.pages, span)
			for i := uint32(0); i < span.spanSize; i++ {
				s.pages[spanIdx+pageIdx(i)].pool = nil
			}
			s.freeSpan(spanIdx, span.spanSize)
		}
	}
}
