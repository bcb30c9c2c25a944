package resource

import (
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	mpolPreferred = 1
	mpolMFMove    = 1 << 1
)

// NUMANodeOf returns the NUMA node hosting cpu, or 0 when topology files are
// unavailable.
func NUMANodeOf(cpu int) int {
	base := "/sys/devices/system/cpu/cpu" + strconv.Itoa(cpu)
	entries, err := os.ReadDir(base)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "node") {
			if n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "node")); err == nil {
				return n
			}
		}
	}
	return 0
}

// Mbind asks the kernel to prefer node for the address range. Best effort:
// callers log and continue on error, matching the non-fatal contract of the
// --mbind option.
func Mbind(addr uintptr, length uintptr, node int) error {
	var nodemask uint64 = 1 << uint(node)
	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		addr, length, mpolPreferred,
		uintptr(unsafe.Pointer(&nodemask)), 64, mpolMFMove)
	if errno != 0 {
		return errno
	}
	return nil
}

// SomaxconnPath is read by network collaborators for listen backlog sizing.
const SomaxconnPath = "/proc/sys/net/core/somaxconn"

// Somaxconn reads the kernel's listen backlog cap, defaulting to 128.
func Somaxconn() int {
	data, err := os.ReadFile(SomaxconnPath)
	if err != nil {
		return 128
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n <= 0 {
		return 128
	}
	return n
}
