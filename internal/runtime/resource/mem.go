package resource

import (
	"github.com/KimMachineGun/automemlimit/memlimit"
	sysmemory "github.com/pbnjay/memory"
)

// defaultOSReserve is left to the OS when no explicit reserve is configured.
const defaultOSReserve = 512 << 20

// DiscoverMemory returns the total bytes the runtime should manage. An
// explicit amount wins; otherwise physical memory is capped by any cgroup
// limit and the reserve is subtracted.
func DiscoverMemory(explicit, reserve uint64) uint64 {
	if explicit != 0 {
		return explicit
	}
	total := sysmemory.TotalMemory()
	if limit, err := memlimit.FromCgroup(); err == nil && limit > 0 && limit < total {
		total = limit
	}
	if reserve == 0 {
		reserve = defaultOSReserve
	}
	if reserve >= total {
		return total / 2
	}
	return total - reserve
}

// Layout divides total across n shards. Shard 0's share is scaled by
// multiplier (1 = equal); the remainder is split evenly.
func Layout(total uint64, n int, multiplier float64) []uint64 {
	if n <= 0 {
		return nil
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	// weight of shard 0 is multiplier, everyone else 1
	denom := multiplier + float64(n-1)
	out := make([]uint64, n)
	out[0] = uint64(float64(total) * multiplier / denom)
	rest := total - out[0]
	for i := 1; i < n; i++ {
		out[i] = rest / uint64(n-1)
	}
	return out
}
