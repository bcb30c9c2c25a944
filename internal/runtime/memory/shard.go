package memory

import (
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	loggingpkg "github.com/drblury/shardflow/internal/runtime/logging"
)

// ReclaimScope tells the allocator when a reclaimer may run: sync reclaimers
// run inline on the allocation path, async ones run from a scheduled task.
type ReclaimScope int

const (
	ReclaimAsync ReclaimScope = iota
	ReclaimSync
)

// ReclaimResult reports whether a reclaimer released anything.
type ReclaimResult int

const (
	ReclaimedNothing ReclaimResult = iota
	ReclaimedSomething
)

// Reclaimer releases memory back to the allocator when free pages run low.
// The request is the number of bytes the allocator would like back.
type Reclaimer struct {
	Scope   ReclaimScope
	Reclaim func(bytes uintptr) ReclaimResult
}

type crossFreeItem struct {
	next *crossFreeItem
}

// Statistics is a point-in-time counter snapshot for one shard.
type Statistics struct {
	Allocs          uint64 `json:"allocs"`
	Frees           uint64 `json:"frees"`
	CrossShardFrees uint64 `json:"cross_shard_frees"`
	Reclaims        uint64 `json:"reclaims"`
	LargeAllocs     uint64 `json:"large_allocs"`
	ForeignFrees    uint64 `json:"foreign_frees"`
	TotalMemory     uint64 `json:"total_memory"`
	FreeMemory      uint64 `json:"free_memory"`
}

const nrSpanLists = 32

// Shard is the per-shard allocator state. All methods except the cross-shard
// free push run only on the owning shard's thread.
type Shard struct {
	id     int
	memory uintptr
	pages  []page

	nrPages             uint32
	nrFreePages         uint32
	minFreePages        uint32
	currentMinFreePages uint32

	largeAllocWarnThreshold uintptr

	// expectedShardBits is regionBase + (id << shardIDShift), precomputed so
	// the local-free fast path is one mask and compare.
	expectedShardBits uintptr

	freeSpans  [nrSpanLists]pageList
	smallPools []smallPool

	xcpuFreelist atomic.Pointer[crossFreeItem]

	reclaimHook func(func())
	reclaimers  []*Reclaimer

	stats Statistics

	log loggingpkg.ServiceLogger
}

const bootstrapSize = 32 << 20

// NewShard claims the next shard id from the process-wide generator and
// initializes that shard's allocator. Must be called once per shard thread
// before any allocation.
func NewShard(log loggingpkg.ServiceLogger) (*Shard, error) {
	return NewShardWithID(int(shardIDGen.Add(1))-1, log)
}

// NewShardWithID initializes the allocator for a specific shard id, which
// must be unused. The boot layer uses this so allocator ids line up with
// reactor ids regardless of thread start order.
func NewShardWithID(id int, log loggingpkg.ServiceLogger) (*Shard, error) {
	if log == nil {
		log = loggingpkg.Nop()
	}
	if id < 0 || id >= MaxShards {
		return nil, fmt.Errorf("shard id %d exceeds the %d encodable in region addresses", id, MaxShards)
	}
	if liveShards[id].Load() {
		return nil, fmt.Errorf("shard id %d is already live", id)
	}
	base := regionStart() + uintptr(id)<<shardIDShift
	if err := commit(base, bootstrapSize); err != nil {
		return nil, fmt.Errorf("commit bootstrap region for shard %d: %w", id, err)
	}
	s := &Shard{
		id:                      id,
		memory:                  base,
		minFreePages:            20000000 / PageSize,
		largeAllocWarnThreshold: math.MaxUint64 / 2,
		expectedShardBits:       regionStart() + uintptr(id)<<shardIDShift,
		log:                     log,
	}
	s.nrPages = bootstrapSize / PageSize
	// The descriptor array lives at the start of the region; one past-the-end
	// sentinel page spares the merge path a boundary check.
	s.pages = unsafe.Slice((*page)(unsafe.Pointer(base)), s.nrPages+1)
	reserved := uint32(alignUp(unsafe.Sizeof(page{})*uintptr(s.nrPages+1), PageSize) / PageSize)
	reserved = 1 << log2ceil(reserved)
	for i := pageIdx(0); i < pageIdx(reserved); i++ {
		s.pages[i].free = false
	}
	s.pages[s.nrPages].free = false
	s.smallPools = make([]smallPool, nrSmallPools)
	for i := range s.smallPools {
		s.smallPools[i].init(s, idxToSize(uint(i)))
	}
	s.freeSpanUnaligned(reserved, s.nrPages-reserved)
	allShards[id] = s
	liveShards[id].Store(true)
	return s, nil
}

// ID returns the shard id encoded into this shard's addresses.
func (s *Shard) ID() int { return s.id }

// Close marks the shard dead; cross-shard frees targeting it are leaked from
// then on rather than pushed at a stale ring.
func (s *Shard) Close() {
	liveShards[s.id].Store(false)
}

func commit(base uintptr, size uintptr) error {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(base), size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED)
	if err != nil {
		return err
	}
	b := unsafe.Slice((*byte)(p), size)
	_ = unix.Madvise(b, unix.MADV_HUGEPAGE)
	return nil
}

func (s *Shard) mem() uintptr { return s.memory }

func (s *Shard) toPage(p unsafe.Pointer) *page {
	return &s.pages[(uintptr(p)-s.mem())/PageSize]
}

func (s *Shard) pageIndex(p unsafe.Pointer) pageIdx {
	return pageIdx((uintptr(p) - s.mem()) / PageSize)
}

// indexOf returns the smallest free-list index whose spans are >= pages.
func indexOf(pages uint32) uint {
	if pages == 1 {
		return 0
	}
	return uint(bits.Len32(pages - 1))
}

func log2ceil(v uint32) uint {
	if v <= 1 {
		return 0
	}
	return uint(bits.Len32(v - 1))
}

func (s *Shard) link(list *pageList, span *page) {
	list.pushFront(s.pages, span)
}

func (s *Shard) unlink(list *pageList, span *page) {
	list.erase(s.pages, span)
}

func (s *Shard) freeSpanNoMerge(spanStart pageIdx, nrPages uint32) {
	s.nrFreePages += nrPages
	span := &s.pages[spanStart]
	spanEnd := &s.pages[spanStart+pageIdx(nrPages)-1]
	span.free, spanEnd.free = true, true
	span.spanSize, spanEnd.spanSize = nrPages, nrPages
	s.link(&s.freeSpans[indexOf(nrPages)], span)
}

// growSpan tries to merge the span with its buddy (located by XOR on the
// span start). Reports whether the span doubled.
func (s *Shard) growSpan(spanStart *pageIdx, nrPages *uint32, idx uint) bool {
	start, n := *spanStart, *nrPages
	var probe pageIdx
	if (start>>idx)&1 == 0 {
		probe = start + pageIdx(n) // first page of upper buddy
	} else {
		probe = start - 1 // last page of lower buddy
	}
	if !s.pages[probe].free || s.pages[probe].spanSize != n {
		return false
	}
	s.unlink(&s.freeSpans[idx], &s.pages[start^pageIdx(n)])
	s.nrFreePages -= n // freeSpanNoMerge restores
	*spanStart = start &^ pageIdx(n)
	*nrPages = n * 2
	return true
}

func (s *Shard) freeSpan(spanStart pageIdx, nrPages uint32) {
	idx := indexOf(nrPages)
	for s.growSpan(&spanStart, &nrPages, idx) {
		idx++
	}
	s.freeSpanNoMerge(spanStart, nrPages)
}

// freeSpanUnaligned breaks an arbitrary page run into naturally aligned
// power-of-two spans. Used at startup and when the region grows.
func (s *Shard) freeSpanUnaligned(spanStart pageIdx, nrPages uint32) {
	for nrPages > 0 {
		startBits := uint(32)
		if spanStart != 0 {
			startBits = uint(bits.TrailingZeros32(spanStart))
		}
		sizeBits := uint(bits.TrailingZeros32(nrPages))
		now := uint32(1) << min(startBits, sizeBits)
		s.freeSpan(spanStart, now)
		spanStart += pageIdx(now)
		nrPages -= now
	}
}

func (s *Shard) findAndUnlinkSpan(nPages uint32) *page {
	idx := indexOf(nPages)
	if nPages >= 2<<idx {
		return nil
	}
	for idx < nrSpanLists && s.freeSpans[idx].empty() {
		idx++
	}
	if idx == nrSpanLists {
		return nil
	}
	list := &s.freeSpans[idx]
	span := list.frontPage(s.pages)
	s.unlink(list, span)
	return span
}

func (s *Shard) findAndUnlinkSpanReclaiming(nPages uint32) *page {
	for {
		if span := s.findAndUnlinkSpan(nPages); span != nil {
			return span
		}
		if s.runReclaimers(ReclaimSync, uintptr(nPages)) == ReclaimedNothing {
			return nil
		}
	}
}

func (s *Shard) maybeReclaim() {
	if s.nrFreePages < s.currentMinFreePages {
		s.DrainCrossShardFrees()
		if s.nrFreePages < s.currentMinFreePages {
			s.runReclaimers(ReclaimSync, uintptr(s.currentMinFreePages-s.nrFreePages))
		}
		if s.nrFreePages < s.currentMinFreePages {
			s.scheduleReclaim()
		}
	}
}

// allocateLargeAndTrim takes the smallest suitable span, splits surplus
// halves back onto the free lists, and returns the naturally aligned head.
func (s *Shard) allocateLargeAndTrim(nPages uint32) unsafe.Pointer {
	// Skip the reclaimers for requests no span could ever satisfy.
	if s.nrPages != 0 && nPages >= s.nrPages {
		return nil
	}
	span := s.findAndUnlinkSpanReclaiming(nPages)
	if span == nil {
		return nil
	}
	spanSize := span.spanSize
	spanIdx := pageIdx((uintptr(unsafe.Pointer(span)) - uintptr(unsafe.Pointer(&s.pages[0]))) / unsafe.Sizeof(page{}))
	s.nrFreePages -= spanSize
	for spanSize >= nPages*2 {
		spanSize /= 2
		s.freeSpanNoMerge(spanIdx+pageIdx(spanSize), spanSize)
	}
	spanEnd := &s.pages[spanIdx+pageIdx(spanSize)-1]
	span.free, spanEnd.free = false, false
	span.spanSize, spanEnd.spanSize = spanSize, spanSize
	span.pool = nil
	s.maybeReclaim()
	return unsafe.Pointer(s.mem() + uintptr(spanIdx)*PageSize)
}

func (s *Shard) warnLargeAllocation(size uintptr) {
	s.stats.LargeAllocs++
	s.log.Info("oversized allocation; this is non-fatal but may cause latency or fragmentation", loggingpkg.LogFields{
		"shard": s.id,
		"bytes": size,
	})
	// Golden-ratio growth keeps repeat warnings rare without silencing them.
	s.largeAllocWarnThreshold = uintptr(float64(s.largeAllocWarnThreshold) * 1.618)
}

func (s *Shard) checkLargeAllocation(size uintptr) {
	if size > s.largeAllocWarnThreshold {
		s.warnLargeAllocation(size)
	}
}

func (s *Shard) allocateLarge(nPages uint32) unsafe.Pointer {
	s.checkLargeAllocation(uintptr(nPages) * PageSize)
	return s.allocateLargeAndTrim(nPages)
}

func (s *Shard) freeLarge(ptr unsafe.Pointer) {
	idx := s.pageIndex(ptr)
	s.freeSpan(idx, s.pages[idx].spanSize)
}

func (s *Shard) allocateSmall(size uintptr) unsafe.Pointer {
	idx := sizeToIdx(size)
	pool := &s.smallPools[idx]
	return pool.allocate()
}

func (s *Shard) freeLocal(ptr unsafe.Pointer) {
	// Pool spans carry the pool pointer on every page, so the object's own
	// page descriptor routes the free; large frees always point at a head.
	span := s.toPage(ptr)
	if span.pool != nil {
		span.pool.deallocate(ptr)
	} else {
		s.freeLarge(ptr)
	}
}

// freeCrossShard pushes ptr onto the owning shard's lock-free free list. Runs
// on any shard (or alien) thread.
func freeCrossShard(owner int, ptr unsafe.Pointer) {
	if !liveShards[owner].Load() {
		// Owner is gone; leak rather than corrupt a stale list.
		return
	}
	p := (*crossFreeItem)(ptr)
	list := &allShards[owner].xcpuFreelist
	for {
		old := list.Load()
		p.next = old
		if list.CompareAndSwap(old, p) {
			break
		}
	}
}

// DrainCrossShardFrees frees every object other shards returned since the
// last drain. Reports whether anything was drained.
func (s *Shard) DrainCrossShardFrees() bool {
	if s.xcpuFreelist.Load() == nil {
		return false
	}
	p := s.xcpuFreelist.Swap(nil)
	for p != nil {
		n := p.next
		s.stats.Frees++
		s.freeLocal(unsafe.Pointer(p))
		p = n
	}
	return true
}

func (s *Shard) runReclaimers(scope ReclaimScope, nPages uintptr) ReclaimResult {
	target := max(uintptr(s.nrFreePages)+nPages, uintptr(s.minFreePages))
	result := ReclaimedNothing
	for uintptr(s.nrFreePages) < target {
		madeProgress := false
		s.stats.Reclaims++
		for _, r := range s.reclaimers {
			if r.Scope >= scope {
				if r.Reclaim((target-uintptr(s.nrFreePages))*PageSize) == ReclaimedSomething {
					madeProgress = true
				}
			}
		}
		if !madeProgress {
			return result
		}
		result = ReclaimedSomething
	}
	return result
}

func (s *Shard) scheduleReclaim() {
	if s.reclaimHook == nil {
		return
	}
	s.currentMinFreePages = 0
	s.reclaimHook(func() {
		if s.nrFreePages < s.minFreePages {
			s.runReclaimers(ReclaimAsync, uintptr(s.minFreePages-s.nrFreePages))
		}
		s.currentMinFreePages = s.minFreePages
	})
}

// SetReclaimHook installs the scheduler used to run async reclaimers; the
// reactor passes a closure that queues the thunk as a normal task.
func (s *Shard) SetReclaimHook(hook func(func())) {
	s.reclaimHook = hook
	s.currentMinFreePages = s.minFreePages
}

// AddReclaimer registers r. Reclaimers run in registration order.
func (s *Shard) AddReclaimer(r *Reclaimer) {
	s.reclaimers = append(s.reclaimers, r)
}

// RemoveReclaimer unregisters r.
func (s *Shard) RemoveReclaimer(r *Reclaimer) {
	for i, x := range s.reclaimers {
		if x == r {
			s.reclaimers = append(s.reclaimers[:i], s.reclaimers[i+1:]...)
			return
		}
	}
}

// SetMinFreePages adjusts the low-watermark that triggers reclaim.
func (s *Shard) SetMinFreePages(pages uint32) {
	s.minFreePages = pages
	s.maybeReclaim()
}

// SetLargeAllocationWarningThreshold arms the oversized-allocation warning.
func (s *Shard) SetLargeAllocationWarningThreshold(bytes uintptr) {
	s.largeAllocWarnThreshold = bytes
}

// Stats returns the shard's counters plus current memory totals.
func (s *Shard) Stats() Statistics {
	st := s.stats
	st.TotalMemory = uint64(s.nrPages) * PageSize
	st.FreeMemory = uint64(s.nrFreePages) * PageSize
	return st
}

// FreePages returns the current number of free pages.
func (s *Shard) FreePages() uint32 { return s.nrFreePages }
