package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParseCPUSet parses a Linux-style CPU list ("0-3,7,9-10") into a sorted,
// deduplicated slice of CPU ids.
func ParseCPUSet(spec string) ([]int, error) {
	seen := map[int]bool{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty element in cpu list %q", spec)
		}
		lo, hi, ok := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil || first < 0 {
			return nil, fmt.Errorf("bad cpu id %q", lo)
		}
		last := first
		if ok {
			last, err = strconv.Atoi(hi)
			if err != nil || last < first {
				return nil, fmt.Errorf("bad cpu range %q", part)
			}
		}
		for cpu := first; cpu <= last; cpu++ {
			seen[cpu] = true
		}
	}
	out := make([]int, 0, len(seen))
	for cpu := range seen {
		out = append(out, cpu)
	}
	sort.Ints(out)
	return out, nil
}

// FormatCPUSet renders ids back into the compact list form. Inverse of
// ParseCPUSet for sorted input.
func FormatCPUSet(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(ids); {
		j := i
		for j+1 < len(ids) && ids[j+1] == ids[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if j == i {
			fmt.Fprintf(&b, "%d", ids[i])
		} else {
			fmt.Fprintf(&b, "%d-%d", ids[i], ids[j])
		}
		i = j + 1
	}
	return b.String()
}
