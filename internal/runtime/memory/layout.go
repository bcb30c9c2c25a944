package memory

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The runtime owns one large virtual reservation carved into per-shard
// sub-regions. A pointer's owning shard is recovered from its address bits:
// bits [shardIDShift..shardIDShift+8) hold the shard id relative to the
// region base. The reservation is PROT_NONE; shards commit pages lazily.
const (
	pageBits = 12
	// PageSize is the allocation granule of the buddy layer.
	PageSize = 1 << pageBits

	shardIDShift = 38
	// MaxShards bounds the shard id encodable in the address bits.
	MaxShards = 256

	// memBaseAlloc spans MaxShards sub-regions of 2^shardIDShift bytes each.
	memBaseAlloc = uintptr(MaxShards) << shardIDShift

	hugePageSize = 2 << 20
)

// shardBitsMask isolates the region base and shard id bits of an address; a
// pointer is shard-local exactly when its masked value equals the shard's
// precomputed expected bits.
const shardBitsMask = ^(uintptr(1)<<shardIDShift - 1)

type pageIdx = uint32

var (
	regionOnce sync.Once
	regionBase uintptr

	shardIDGen atomic.Uint32

	liveShards [MaxShards]atomic.Bool
	allShards  [MaxShards]*Shard
)

// regionStart reserves the region on first use and returns its base address.
// The reservation is oversized by one sub-region and trimmed so the base
// lands on a sub-region boundary, which keeps the shard-local fast-path
// compare a single mask.
func regionStart() uintptr {
	regionOnce.Do(func() {
		const slack = uintptr(1) << shardIDShift
		p, err := unix.MmapPtr(-1, 0, nil, memBaseAlloc+slack,
			unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
		if err != nil {
			panic("shardflow: cannot reserve memory region: " + err.Error())
		}
		raw := uintptr(p)
		base := alignUp(raw, slack)
		if base > raw {
			_ = unix.MunmapPtr(unsafe.Pointer(raw), base-raw)
		}
		if end := raw + memBaseAlloc + slack; end > base+memBaseAlloc {
			_ = unix.MunmapPtr(unsafe.Pointer(base+memBaseAlloc), end-(base+memBaseAlloc))
		}
		regionBase = base
	})
	return regionBase
}

// IsRuntimeMemory reports whether ptr lies inside the managed region.
func IsRuntimeMemory(ptr unsafe.Pointer) bool {
	base := regionStart()
	return uintptr(ptr) >= base && uintptr(ptr) < base+memBaseAlloc
}

// OwnerOf returns the shard id owning ptr: a single shift of the
// region-relative address. Only meaningful for pointers inside the managed
// region.
func OwnerOf(ptr unsafe.Pointer) int {
	return int((uintptr(ptr) - regionStart()) >> shardIDShift)
}

// ShardBase returns the base address of a shard's sub-region; NUMA binding
// uses it to name the range without reaching into allocator internals.
func ShardBase(id int) uintptr {
	return regionStart() + uintptr(id)<<shardIDShift
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uintptr) uintptr {
	return v &^ (align - 1)
}

func isPageAligned(size uintptr) bool {
	return size&(PageSize-1) == 0
}
