package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	errspkg "github.com/drblury/shardflow/internal/runtime/errors"
)

// DumpKind selects which allocation failures trigger a memory diagnostics dump.
type DumpKind string

const (
	DumpNone     DumpKind = "none"
	DumpCritical DumpKind = "critical"
	DumpAll      DumpKind = "all"
)

// Config groups every tunable of the runtime. Field names follow the CLI
// contract: the collaborator that parses flags fills this struct and hands it
// to shardflow.New. Zero values fall back to library defaults via
// ResolveDefaults, except for the pointer fields whose absence must be
// distinguishable from an explicit value (explicit wins, then Overprovisioned,
// then the library default).
type Config struct {
	// SMP is the number of shards. 0 means one shard per usable CPU.
	SMP int `yaml:"smp"`

	// CPUSet restricts shards to the listed CPUs, e.g. "0-3,7". Empty means
	// all CPUs allowed by the process affinity mask and cgroup cpuset.
	CPUSet string `yaml:"cpuset"`

	// Memory is the total memory to manage across shards, in bytes. 0 means
	// all available memory minus ReserveMemory.
	Memory uint64 `yaml:"memory"`
	// ReserveMemory is left to the OS when Memory is auto-sized.
	ReserveMemory uint64 `yaml:"reserve-memory"`
	// Hugepages optionally points at a hugetlbfs mount backing the region.
	Hugepages string `yaml:"hugepages"`

	// Shard0MemoryMultiplier grows shard 0's memory share. 1 means equal.
	Shard0MemoryMultiplier float64 `yaml:"shard0-memory-multiplier"`

	// ThreadAffinity pins each shard thread to its CPU.
	ThreadAffinity bool `yaml:"thread-affinity"`
	// Mbind asks for NUMA-local placement of each shard's region.
	Mbind bool `yaml:"mbind"`

	// TaskQuotaMs is the wall-clock budget one task queue may hold the shard
	// before the preemption flag is raised.
	TaskQuotaMs float64 `yaml:"task-quota-ms"`
	// MaxTaskBacklog is the backlog above which preemption is deferred in
	// favour of draining the running queue.
	MaxTaskBacklog int `yaml:"max-task-backlog"`
	// IdlePollTimeUs is how long an idle reactor keeps polling before it
	// arms wakeups and sleeps. Nil means unset.
	IdlePollTimeUs *int `yaml:"idle-poll-time-us"`
	// PollMode spins instead of sleeping when idle.
	PollMode bool `yaml:"poll-mode"`
	// Overprovisioned tunes defaults for machines shared with other loads.
	Overprovisioned bool `yaml:"overprovisioned"`

	// BlockedReactorNotifyMs is the stall detector threshold.
	BlockedReactorNotifyMs int `yaml:"blocked-reactor-notify-ms"`
	// BlockedReactorReportsPerMinute rate-limits stall backtrace dumps.
	BlockedReactorReportsPerMinute int `yaml:"blocked-reactor-reports-per-minute"`

	// I/O engine tuning. The reactor only validates and records these; the
	// I/O collaborator reads them through the getters.
	PollAIO           *bool `yaml:"poll-aio"`
	LinuxAIONowait    bool  `yaml:"linux-aio-nowait"`
	AIOFsync          bool  `yaml:"aio-fsync"`
	ForceAIOSyscalls  bool  `yaml:"force-aio-syscalls"`
	RelaxedDMA        bool  `yaml:"relaxed-dma"`
	UnsafeBypassFsync bool  `yaml:"unsafe-bypass-fsync"`

	// AbortOnBadAlloc aborts the process instead of surfacing
	// ErrAllocationFailed.
	AbortOnBadAlloc bool `yaml:"abort-on-bad-alloc"`
	// DumpMemoryDiagnosticsOnAllocFailureKind selects when the allocator
	// prints its diagnostics table.
	DumpMemoryDiagnosticsOnAllocFailureKind DumpKind `yaml:"dump-memory-diagnostics-on-alloc-failure-kind"`
}

// Library defaults. Explicit values win, then Overprovisioned, then these.
const (
	DefaultTaskQuotaMs        = 0.5
	DefaultMaxTaskBacklog     = 1000
	DefaultIdlePollTimeUs     = 200
	DefaultStallNotifyMs      = 2000
	DefaultStallReportsPerMin = 5
)

// TaskQuota returns the task quota as a duration.
func (c *Config) TaskQuota() time.Duration {
	return time.Duration(c.TaskQuotaMs * float64(time.Millisecond))
}

// StallThreshold returns the blocked-reactor threshold as a duration.
func (c *Config) StallThreshold() time.Duration {
	return time.Duration(c.BlockedReactorNotifyMs) * time.Millisecond
}

// IdlePollTime returns the resolved idle polling window.
func (c *Config) IdlePollTime() time.Duration {
	if c.IdlePollTimeUs == nil {
		if c.Overprovisioned {
			return 0
		}
		return DefaultIdlePollTimeUs * time.Microsecond
	}
	return time.Duration(*c.IdlePollTimeUs) * time.Microsecond
}

// AIOPolling reports the resolved poll-aio setting.
func (c *Config) AIOPolling() bool {
	if c.PollAIO == nil {
		return !c.Overprovisioned
	}
	return *c.PollAIO
}

// ResolveDefaults fills unset fields in place. Precedence for the fields
// Overprovisioned influences: an explicit value wins, then the
// Overprovisioned derivation, then the library default.
func (c *Config) ResolveDefaults() {
	if c.SMP == 0 {
		c.SMP = runtime.NumCPU()
	}
	if c.TaskQuotaMs == 0 {
		c.TaskQuotaMs = DefaultTaskQuotaMs
	}
	if c.MaxTaskBacklog == 0 {
		c.MaxTaskBacklog = DefaultMaxTaskBacklog
	}
	if c.BlockedReactorNotifyMs == 0 {
		c.BlockedReactorNotifyMs = DefaultStallNotifyMs
	}
	if c.BlockedReactorReportsPerMinute == 0 {
		c.BlockedReactorReportsPerMinute = DefaultStallReportsPerMin
	}
	if c.Shard0MemoryMultiplier == 0 {
		c.Shard0MemoryMultiplier = 1
	}
	if c.IdlePollTimeUs == nil {
		v := DefaultIdlePollTimeUs
		if c.Overprovisioned {
			v = 0
		}
		c.IdlePollTimeUs = &v
	}
	if c.PollAIO == nil {
		v := !c.Overprovisioned
		c.PollAIO = &v
	}
	if c.DumpMemoryDiagnosticsOnAllocFailureKind == "" {
		c.DumpMemoryDiagnosticsOnAllocFailureKind = DumpNone
	}
}

// ValidateConfig checks c and returns a ConfigValidationError listing every
// problem found. It does not mutate c; call ResolveDefaults first if the
// zero-value fallbacks are wanted.
func ValidateConfig(c *Config) error {
	if c == nil {
		return &errspkg.ConfigValidationError{Problems: []string{"config is nil"}}
	}
	var problems []string
	if c.SMP < 0 {
		problems = append(problems, fmt.Sprintf("smp must be >= 0, got %d", c.SMP))
	}
	if c.TaskQuotaMs < 0 {
		problems = append(problems, fmt.Sprintf("task-quota-ms must be >= 0, got %g", c.TaskQuotaMs))
	}
	if c.MaxTaskBacklog < 0 {
		problems = append(problems, fmt.Sprintf("max-task-backlog must be >= 0, got %d", c.MaxTaskBacklog))
	}
	if c.IdlePollTimeUs != nil && *c.IdlePollTimeUs < 0 {
		problems = append(problems, fmt.Sprintf("idle-poll-time-us must be >= 0, got %d", *c.IdlePollTimeUs))
	}
	if c.BlockedReactorNotifyMs < 0 {
		problems = append(problems, fmt.Sprintf("blocked-reactor-notify-ms must be >= 0, got %d", c.BlockedReactorNotifyMs))
	}
	if c.BlockedReactorReportsPerMinute < 0 {
		problems = append(problems, fmt.Sprintf("blocked-reactor-reports-per-minute must be >= 0, got %d", c.BlockedReactorReportsPerMinute))
	}
	if c.Shard0MemoryMultiplier < 0 {
		problems = append(problems, fmt.Sprintf("shard0-memory-multiplier must be >= 0, got %g", c.Shard0MemoryMultiplier))
	}
	if c.Memory != 0 && c.ReserveMemory >= c.Memory {
		problems = append(problems, "reserve-memory must be smaller than memory")
	}
	switch c.DumpMemoryDiagnosticsOnAllocFailureKind {
	case "", DumpNone, DumpCritical, DumpAll:
	default:
		problems = append(problems, fmt.Sprintf("dump-memory-diagnostics-on-alloc-failure-kind must be none, critical, or all, got %q", c.DumpMemoryDiagnosticsOnAllocFailureKind))
	}
	if c.CPUSet != "" {
		if _, err := ParseCPUSet(c.CPUSet); err != nil {
			problems = append(problems, fmt.Sprintf("cpuset: %v", err))
		}
	}
	if len(problems) > 0 {
		return &errspkg.ConfigValidationError{Problems: problems}
	}
	return nil
}

func (c Config) String() string {
	// Type alias avoids infinite recursion when printing.
	type configAlias Config
	var b strings.Builder
	fmt.Fprintf(&b, "%+v", configAlias(c))
	return b.String()
}
