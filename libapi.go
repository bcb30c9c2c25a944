package shardflow

import (
	"time"

	runtimepkg "github.com/drblury/shardflow/internal/runtime"
	configpkg "github.com/drblury/shardflow/internal/runtime/config"
	errspkg "github.com/drblury/shardflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/shardflow/internal/runtime/logging"
	memorypkg "github.com/drblury/shardflow/internal/runtime/memory"
	shardqpkg "github.com/drblury/shardflow/internal/runtime/shardq"
	stallpkg "github.com/drblury/shardflow/internal/runtime/stall"
	timerpkg "github.com/drblury/shardflow/internal/runtime/timer"
)

type (
	Config              = configpkg.Config
	DumpKind            = configpkg.DumpKind
	Tunables            = configpkg.Tunables
	Runtime             = runtimepkg.Runtime
	RuntimeDependencies = runtimepkg.RuntimeDependencies
	Reactor             = runtimepkg.Reactor
	TaskQueue           = runtimepkg.TaskQueue
	Task                = runtimepkg.Task
	IdleHandler         = runtimepkg.IdleHandler
	SubmitOptions       = runtimepkg.SubmitOptions

	Future[T any]  = runtimepkg.Future[T]
	Promise[T any] = runtimepkg.Promise[T]

	TaskContext = runtimepkg.TaskContext
	TaskHooks   = runtimepkg.TaskHooks

	AlienBridge   = runtimepkg.AlienBridge
	BridgeHandler = runtimepkg.BridgeHandler

	ResourceUsage = runtimepkg.ResourceUsage
	Metrics       = runtimepkg.Metrics

	Timer     = timerpkg.Timer
	TimerKind = timerpkg.Kind

	ServiceGroup = shardqpkg.ServiceGroup
	WorkItem     = shardqpkg.WorkItem

	MemoryShard       = memorypkg.Shard
	MemoryStatistics  = memorypkg.Statistics
	MemoryDiagnostics = memorypkg.Diagnostics
	Reclaimer         = memorypkg.Reclaimer

	StallReport = stallpkg.Report

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
)

const (
	SteadyTimer = timerpkg.Steady
	LowresTimer = timerpkg.Lowres
	ManualTimer = timerpkg.Manual

	MainQueueID = runtimepkg.MainQueueID

	PartitionKeyMetadata = runtimepkg.PartitionKeyMetadata

	DumpNone     = configpkg.DumpNone
	DumpCritical = configpkg.DumpCritical
	DumpAll      = configpkg.DumpAll
)

var (
	New            = runtimepkg.New
	TryNew         = runtimepkg.TryNew
	NewTask        = runtimepkg.NewTask
	NewMetrics     = runtimepkg.NewMetrics
	LoggingHooks   = runtimepkg.LoggingHooks
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.Load
	ParseCPUSet    = configpkg.ParseCPUSet

	NewServiceGroup     = shardqpkg.NewServiceGroup
	DefaultServiceGroup = shardqpkg.DefaultServiceGroup

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	ErrAllocationFailed  = errspkg.ErrAllocationFailed
	ErrQueueTimeout      = errspkg.ErrQueueTimeout
	ErrConnectionAborted = errspkg.ErrConnectionAborted
	ErrIO                = errspkg.ErrIO
	ErrReceiverDown      = errspkg.ErrReceiverDown
	ErrAllRequestsFailed = errspkg.ErrAllRequestsFailed
	ErrRuntime           = errspkg.ErrRuntime
	ErrBadConfig         = errspkg.ErrBadConfig
)

// NewPromise creates a promise/future pair whose continuations run on queue
// queueID of reactor r.
func NewPromise[T any](r *Reactor, queueID int) (*Promise[T], Future[T]) {
	return runtimepkg.NewPromise[T](r, queueID)
}

// DefaultConfig returns a Config with every default resolved, sized to the
// machine.
func DefaultConfig() *Config {
	c := &Config{}
	c.ResolveDefaults()
	return c
}

// WithDeadline builds SubmitOptions bounding admission by d from now.
func WithDeadline(d time.Duration) SubmitOptions {
	return SubmitOptions{Deadline: time.Now().Add(d)}
}
