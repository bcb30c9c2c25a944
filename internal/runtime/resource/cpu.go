// Package resource discovers what the process may actually use — CPUs after
// affinity and cgroup restrictions, memory after cgroup limits and the OS
// reserve — and computes the per-shard layout from it.
package resource

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"

	configpkg "github.com/drblury/shardflow/internal/runtime/config"
)

// cgroup v2 and v1 locations of the effective cpuset.
var cpusetPaths = []string{
	"/sys/fs/cgroup/cpuset.cpus.effective",
	"/sys/fs/cgroup/cpuset/cpuset.effective_cpus",
	"/sys/fs/cgroup/cpuset/cpuset.cpus",
}

// DiscoverCPUs enumerates usable CPU ids: the process affinity mask,
// intersected with the cgroup cpuset, intersected with the configured
// restriction (empty means no restriction).
func DiscoverCPUs(cpuset string) ([]int, error) {
	cpus := affinityCPUs()
	if cg := cgroupCPUs(); cg != nil {
		cpus = intersect(cpus, cg)
	}
	if cpuset != "" {
		want, err := configpkg.ParseCPUSet(cpuset)
		if err != nil {
			return nil, err
		}
		cpus = intersect(cpus, want)
		if len(cpus) == 0 {
			return nil, fmt.Errorf("cpuset %q does not intersect the usable CPUs", cpuset)
		}
	}
	if len(cpus) == 0 {
		return nil, fmt.Errorf("no usable CPUs")
	}
	return cpus, nil
}

func affinityCPUs() []int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		out := make([]int, runtime.NumCPU())
		for i := range out {
			out[i] = i
		}
		return out
	}
	var out []int
	for i := 0; i < len(set)*64; i++ {
		if set.IsSet(i) {
			out = append(out, i)
		}
	}
	return out
}

func cgroupCPUs() []int {
	for _, path := range cpusetPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		spec := strings.TrimSpace(string(data))
		if spec == "" {
			continue
		}
		cpus, err := configpkg.ParseCPUSet(spec)
		if err != nil {
			continue
		}
		return cpus
	}
	return nil
}

func intersect(a, b []int) []int {
	in := make(map[int]bool, len(b))
	for _, x := range b {
		in[x] = true
	}
	var out []int
	for _, x := range a {
		if in[x] {
			out = append(out, x)
		}
	}
	return out
}

// PinThread binds the calling OS thread to cpu. The caller must have locked
// the goroutine to its thread first.
func PinThread(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
