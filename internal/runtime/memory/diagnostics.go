package memory

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	loggingpkg "github.com/drblury/shardflow/internal/runtime/logging"
)

// PoolDiagnostics describes one small pool's usage.
type PoolDiagnostics struct {
	ObjectSize    uintptr `json:"object_size"`
	SpanBytes     uintptr `json:"span_bytes"`
	ObjectsInUse  uint64  `json:"objects_in_use"`
	MemoryBytes   uint64  `json:"memory_bytes"`
	UnusedBytes   uint64  `json:"unused_bytes"`
	WastedPercent uint64  `json:"wasted_percent"`
}

// SpanDiagnostics is one row of the span-size histogram.
type SpanDiagnostics struct {
	Index     uint   `json:"index"`
	SpanBytes uint64 `json:"span_bytes"`
	FreeBytes uint64 `json:"free_bytes"`
	UsedBytes uint64 `json:"used_bytes"`
	Spans     uint32 `json:"spans"`
}

// Diagnostics is a full snapshot of a shard's memory state.
type Diagnostics struct {
	Shard       int               `json:"shard"`
	UsedMemory  uint64            `json:"used_memory"`
	FreeMemory  uint64            `json:"free_memory"`
	TotalMemory uint64            `json:"total_memory"`
	Pools       []PoolDiagnostics `json:"pools"`
	Spans       []SpanDiagnostics `json:"spans"`
	Stats       Statistics        `json:"stats"`
}

// Diagnostics collects the per-pool table and the span histogram.
func (s *Shard) Diagnostics() Diagnostics {
	d := Diagnostics{
		Shard:       s.id,
		FreeMemory:  uint64(s.nrFreePages) * PageSize,
		TotalMemory: uint64(s.nrPages) * PageSize,
		Stats:       s.Stats(),
	}
	d.UsedMemory = d.TotalMemory - d.FreeMemory

	for i := range s.smallPools {
		sp := &s.smallPools[i]
		if sp.objectSize < freeObjectSize {
			continue
		}
		// Free objects live in two places: the pool's own freelist, and the
		// per-span freelists filled when the pool list is trimmed. Walk the
		// span list for the second category.
		var spanFreelistObjs uint64
		for front := sp.spanList.front; front != 0; front = s.pages[front].link.next {
			span := &s.pages[front]
			capacity := uint64(span.spanSize) * PageSize / uint64(sp.objectSize)
			spanFreelistObjs += capacity - uint64(span.nrSmallAlloc)
		}
		freeObjs := uint64(sp.freeCount) + spanFreelistObjs
		memoryBytes := uint64(sp.pagesInUse) * PageSize
		inUse := memoryBytes/uint64(sp.objectSize) - freeObjs
		unused := freeObjs * uint64(sp.objectSize)
		wasted := uint64(0)
		if memoryBytes != 0 {
			wasted = unused * 100 / memoryBytes
		}
		d.Pools = append(d.Pools, PoolDiagnostics{
			ObjectSize:    sp.objectSize,
			SpanBytes:     uintptr(sp.spanSizes.preferred) * PageSize,
			ObjectsInUse:  inUse,
			MemoryBytes:   memoryBytes,
			UnusedBytes:   unused,
			WastedPercent: wasted,
		})
	}

	var histogram [nrSpanLists]uint32
	for i := uint32(0); i < s.nrPages; {
		spanSize := s.pages[i].spanSize
		if spanSize == 0 {
			i++
			continue
		}
		histogram[log2ceil(spanSize)]++
		i += spanSize
	}
	for i := uint(0); i < nrSpanLists; i++ {
		var freePages uint32
		for front := s.freeSpans[i].front; front != 0; front = s.pages[front].link.next {
			freePages += s.pages[front].spanSize
		}
		totalSpans := histogram[i]
		totalPages := uint64(totalSpans) << i
		d.Spans = append(d.Spans, SpanDiagnostics{
			Index:     i,
			SpanBytes: (uint64(1) << i) * PageSize,
			FreeBytes: uint64(freePages) * PageSize,
			UsedBytes: (totalPages - uint64(freePages)) * PageSize,
			Spans:     totalSpans,
		})
	}
	return d
}

// String renders the diagnostics in the tabular log form.
func (d Diagnostics) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dumping shard memory diagnostics\n")
	fmt.Fprintf(&b, "Used memory:  %s\n", hrSize(d.UsedMemory))
	fmt.Fprintf(&b, "Free memory:  %s\n", hrSize(d.FreeMemory))
	fmt.Fprintf(&b, "Total memory: %s\n\n", hrSize(d.TotalMemory))
	fmt.Fprintf(&b, "Small pools:\n")
	fmt.Fprintf(&b, "objsz\tspansz\tusedobj\tmemory\tunused\twst%%\n")
	for _, p := range d.Pools {
		fmt.Fprintf(&b, "%d\t%s\t%s\t%s\t%s\t%d\n",
			p.ObjectSize, hrSize(uint64(p.SpanBytes)), hrNumber(p.ObjectsInUse),
			hrSize(p.MemoryBytes), hrSize(p.UnusedBytes), p.WastedPercent)
	}
	fmt.Fprintf(&b, "Page spans:\n")
	fmt.Fprintf(&b, "index\tsize\tfree\tused\tspans\n")
	for _, sp := range d.Spans {
		fmt.Fprintf(&b, "%d\t%s\t%s\t%s\t%s\n",
			sp.Index, hrSize(sp.SpanBytes), hrSize(sp.FreeBytes), hrSize(sp.UsedBytes), hrNumber(uint64(sp.Spans)))
	}
	return b.String()
}

// JSON renders the diagnostics machine-readably.
func (d Diagnostics) JSON() ([]byte, error) {
	return sonic.Marshal(d)
}

// DumpDiagnostics logs the table and its JSON form at error level.
func (s *Shard) DumpDiagnostics() {
	d := s.Diagnostics()
	fields := loggingpkg.LogFields{"shard": s.id}
	if js, err := d.JSON(); err == nil {
		fields["diagnostics"] = string(js)
	}
	s.log.Error(d.String(), nil, fields)
}

func hrSize(v uint64) string {
	return humanReadable(v, 1024, 8192, [5]byte{'B', 'K', 'M', 'G', 'T'})
}

func hrNumber(v uint64) string {
	return humanReadable(v, 1000, 10000, [5]byte{0, 'k', 'm', 'b', 't'})
}

// humanReadable scales v by step until it drops below precision, rounding on
// the final remainder; lossless divisions keep going below precision.
func humanReadable(value, step, precision uint64, suffixes [5]byte) string {
	if value == 0 {
		if suffixes[0] == 0 {
			return "0"
		}
		return fmt.Sprintf("0%c", suffixes[0])
	}
	result := value
	remainder := uint64(0)
	i := 0
	for (remainder == 0 && result >= step) || result >= precision {
		if i == len(suffixes)-1 {
			break
		}
		remainder = result % step
		result /= step
		i++
	}
	if remainder >= step/2 {
		result++
	}
	if suffixes[i] == 0 {
		return fmt.Sprintf("%d", result)
	}
	return fmt.Sprintf("%d%c", result, suffixes[i])
}
