package memory

import (
	"os"
	"sync/atomic"
	"unsafe"

	errspkg "github.com/drblury/shardflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/shardflow/internal/runtime/logging"
)

// AllocFailureKind mirrors the dump-memory-diagnostics-on-alloc-failure-kind
// option: dump never, only for critical (non-recoverable) failures, or always.
type AllocFailureKind int32

const (
	AllocFailureNone AllocFailureKind = iota
	AllocFailureCritical
	AllocFailureAll
)

var (
	abortOnAllocFailure atomic.Bool
	dumpOnAllocFailure  atomic.Int32
)

// EnableAbortOnAllocationFailure makes allocation failure fatal process-wide.
func EnableAbortOnAllocationFailure() {
	abortOnAllocFailure.Store(true)
}

// SetDumpDiagnosticsOnAllocFailureKind selects when allocation failures dump
// the memory diagnostics table.
func SetDumpDiagnosticsOnAllocFailureKind(kind AllocFailureKind) {
	dumpOnAllocFailure.Store(int32(kind))
}

// Allocate returns size bytes of shard-local memory, or nil when the request
// cannot be satisfied even after reclaim. Small-path objects lie at multiples
// of their class size from a page-aligned span start, so they are aligned to
// the largest power of two dividing the class size; buddy-path pointers are
// page-aligned.
func (s *Shard) Allocate(size uintptr) unsafe.Pointer {
	if size < freeObjectSize {
		size = freeObjectSize
	}
	var ptr unsafe.Pointer
	if size <= maxSmallAllocation {
		s.stats.Allocs++
		ptr = s.allocateSmall(size)
	} else {
		ptr = s.allocateLargePath(size)
	}
	if ptr == nil {
		s.onAllocationFailure(size)
	}
	return ptr
}

// AllocateAligned returns size bytes aligned to align (a power of two).
// Alignments above the page size are satisfied by the buddy path, whose spans
// are naturally aligned; small-path alignments round the size up to the next
// power of two, which the size-class table preserves.
func (s *Shard) AllocateAligned(align, size uintptr) unsafe.Pointer {
	if align > PageSize {
		nPages := uint32((max(size, align) + PageSize - 1) >> pageBits)
		nPages = 1 << log2ceil(nPages)
		s.stats.Allocs++
		ptr := s.allocateLarge(nPages)
		if ptr == nil {
			s.onAllocationFailure(size)
		}
		return ptr
	}
	if size < align {
		size = align
	}
	if size&(size-1) != 0 {
		size = uintptr(1) << (log2floor(size) + 1)
	}
	return s.Allocate(size)
}

func (s *Shard) allocateLargePath(size uintptr) unsafe.Pointer {
	nPages := uint32((size + PageSize - 1) >> pageBits)
	if uintptr(nPages)<<pageBits < size {
		return nil // size computation overflowed
	}
	s.stats.Allocs++
	return s.allocateLarge(nPages)
}

// Alloc wraps Allocate with the configured failure policy: translate nil into
// ErrAllocationFailed, optionally dumping diagnostics, optionally aborting.
func (s *Shard) Alloc(size uintptr) (unsafe.Pointer, error) {
	ptr := s.Allocate(size)
	if ptr == nil {
		return nil, errspkg.ErrAllocationFailed
	}
	return ptr, nil
}

func (s *Shard) onAllocationFailure(size uintptr) {
	kind := AllocFailureKind(dumpOnAllocFailure.Load())
	abort := abortOnAllocFailure.Load()
	if kind == AllocFailureAll || (kind == AllocFailureCritical && abort) {
		s.DumpDiagnostics()
	}
	if abort {
		// A plain panic would be swallowed at the task boundary; the option
		// asks for the process to die.
		s.log.Error("aborting on allocation failure", errspkg.ErrAllocationFailed, loggingpkg.LogFields{
			"shard": s.id,
			"bytes": size,
		})
		os.Exit(2)
	}
}

// Free returns ptr to its owner. Pointers owned by this shard free locally;
// pointers owned by a peer are pushed onto the peer's cross-shard free list;
// pointers outside the managed region belong to the Go allocator and are only
// counted.
func (s *Shard) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	if uintptr(ptr)&shardBitsMask == s.expectedShardBits {
		s.stats.Frees++
		s.freeLocal(ptr)
		return
	}
	if !IsRuntimeMemory(ptr) {
		s.stats.ForeignFrees++
		return
	}
	s.stats.CrossShardFrees++
	freeCrossShard(OwnerOf(ptr), ptr)
}

// FreeAlien frees a runtime pointer from a thread that is not a shard.
// Out-of-region pointers are accounted in the alien stats table and left to
// the Go allocator.
func FreeAlien(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	if !IsRuntimeMemory(ptr) {
		alienStatAdd(alienForeignFrees, 1)
		return
	}
	alienStatAdd(alienCrossFrees, 1)
	freeCrossShard(OwnerOf(ptr), ptr)
}

// ObjectSize reports the usable size of an allocation made by any shard.
// Large allocations always point at their span head, where spanSize is valid.
func ObjectSize(ptr unsafe.Pointer) uintptr {
	owner := allShards[OwnerOf(ptr)]
	span := owner.toPage(ptr)
	if span.pool != nil {
		return span.pool.objectSize
	}
	return uintptr(span.spanSize) * PageSize
}
