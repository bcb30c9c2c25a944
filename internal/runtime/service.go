package runtime

import (
	"context"
	"fmt"
	runtimestd "runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/automaxprocs/maxprocs"

	configpkg "github.com/drblury/shardflow/internal/runtime/config"
	errspkg "github.com/drblury/shardflow/internal/runtime/errors"
	"github.com/drblury/shardflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/shardflow/internal/runtime/logging"
	"github.com/drblury/shardflow/internal/runtime/memory"
	"github.com/drblury/shardflow/internal/runtime/resource"
	"github.com/drblury/shardflow/internal/runtime/shardq"
	"github.com/drblury/shardflow/internal/runtime/stall"
)

// RuntimeDependencies holds the optional collaborators the Runtime can use.
// Leave fields nil/zero to take the defaults.
type RuntimeDependencies struct {
	// Hooks observe task execution on every shard.
	Hooks TaskHooks
	// IdleHandler runs when a shard finds no work.
	IdleHandler IdleHandler
	// MetricsRegisterer receives the runtime collectors; nil uses the
	// Prometheus default registerer.
	MetricsRegisterer prometheus.Registerer
	// DisableMemory skips installing the shard allocator. Meant for tests
	// exercising scheduling only.
	DisableMemory bool
	// ConfigWatchPath, when set, hot-reloads the stall detector tunables
	// from this YAML file.
	ConfigWatchPath string
}

// Runtime hosts N shards, one pinned OS thread each, and the queue grid
// connecting them.
type Runtime struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	bootID string

	cpus      []int
	reactors  []*Reactor
	detectors []*stall.Detector
	grid      *shardq.Grid
	aliens    *shardq.AlienQueues
	metrics   *Metrics
	watcher   *configpkg.Watcher
	resources *resourceTracker

	deps RuntimeDependencies

	started  atomic.Bool
	stopOnce sync.Once
	loopsWG  sync.WaitGroup
	ready    chan struct{}
}

// New builds a Runtime and panics on invalid configuration, mirroring the
// fail-fast constructor convention; use TryNew to handle errors.
func New(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps RuntimeDependencies) *Runtime {
	rt, err := TryNew(conf, log, deps)
	if err != nil {
		panic(err)
	}
	return rt
}

// TryNew validates the configuration and prepares a Runtime. No threads are
// spawned until Start.
func TryNew(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps RuntimeDependencies) (*Runtime, error) {
	if conf == nil {
		conf = &configpkg.Config{}
	}
	if log == nil {
		log = loggingpkg.Nop()
	}
	conf.ResolveDefaults()
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}

	// Respect cgroup CPU quotas before sizing the shard count.
	_, _ = maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.Debug(fmt.Sprintf(format, args...), nil)
	}))

	cpus, err := resource.DiscoverCPUs(conf.CPUSet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrBadConfig, err)
	}
	n := conf.SMP
	if n > len(cpus) {
		n = len(cpus)
	}
	if n < 1 {
		n = 1
	}
	if n > memory.MaxShards {
		return nil, fmt.Errorf("%w: %d shards exceed the addressable maximum %d", errspkg.ErrBadConfig, n, memory.MaxShards)
	}

	rt := &Runtime{
		Conf:      conf,
		Logger:    log,
		bootID:    ids.CreateULID(),
		cpus:      cpus[:n],
		reactors:  make([]*Reactor, n),
		detectors: make([]*stall.Detector, n),
		metrics:   NewMetrics(deps.MetricsRegisterer),
		resources: newResourceTracker(),
		deps:      deps,
		ready:     make(chan struct{}),
	}
	if err := rt.metrics.Register(); err != nil {
		return nil, err
	}

	switch conf.DumpMemoryDiagnosticsOnAllocFailureKind {
	case configpkg.DumpCritical:
		memory.SetDumpDiagnosticsOnAllocFailureKind(memory.AllocFailureCritical)
	case configpkg.DumpAll:
		memory.SetDumpDiagnosticsOnAllocFailureKind(memory.AllocFailureAll)
	default:
		memory.SetDumpDiagnosticsOnAllocFailureKind(memory.AllocFailureNone)
	}
	if conf.AbortOnBadAlloc {
		memory.EnableAbortOnAllocationFailure()
	}

	log.Info("runtime configured", loggingpkg.LogFields{
		"boot_id": rt.bootID,
		"shards":  n,
		"cpus":    configpkg.FormatCPUSet(rt.cpus),
	})
	return rt, nil
}

// Shards returns the shard count.
func (rt *Runtime) Shards() int { return len(rt.reactors) }

// BootID returns the ULID stamped on this boot.
func (rt *Runtime) BootID() string { return rt.bootID }

// ResourceUsage samples coarse process-level CPU and memory usage.
func (rt *Runtime) ResourceUsage() ResourceUsage { return rt.resources.Snapshot() }

// Reactor returns shard i's reactor; valid after Start signalled readiness.
func (rt *Runtime) Reactor(i int) *Reactor { return rt.reactors[i] }

// Ready returns a channel closed once every shard loop is running.
func (rt *Runtime) Ready() <-chan struct{} { return rt.ready }

// Start spawns the shard threads, installs allocators, builds the queue
// grid, and runs every reactor loop until ctx is cancelled or Stop is
// called. It returns after all loops drained.
func (rt *Runtime) Start(ctx context.Context) error {
	if !rt.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: runtime already started", errspkg.ErrBadConfig)
	}
	n := len(rt.reactors)

	memTotal := resource.DiscoverMemory(rt.Conf.Memory, rt.Conf.ReserveMemory)
	layout := resource.Layout(memTotal, n, rt.Conf.Shard0MemoryMultiplier)

	// Wakeups go through each reactor's eventfd; the grid calls this from
	// producing shards when a push lands on a sleeper.
	wake := func(shard int) {
		if r := rt.reactors[shard]; r != nil {
			r.wake()
		}
	}
	rt.grid = shardq.NewGrid(n, shardq.DefaultCapacity, wake)
	rt.aliens = shardq.NewAlienQueues(n, wake)

	bootErrs := make([]error, n)
	var registered sync.WaitGroup // barrier: all reactors constructed
	registered.Add(n)
	start := make(chan struct{}) // barrier: all shards may enter their loop

	rt.loopsWG.Add(n)
	for i := 0; i < n; i++ {
		go rt.shardMain(i, layout[i], &registered, start, bootErrs)
	}

	registered.Wait()
	for i, err := range bootErrs {
		if err != nil {
			// Halt the shards that did boot before releasing the barrier so
			// their loops exit immediately.
			for _, r := range rt.reactors {
				if r != nil {
					r.stopped.Store(true)
				}
			}
			close(start)
			rt.loopsWG.Wait()
			return fmt.Errorf("shard %d failed to boot: %w", i, err)
		}
	}
	rt.startWatcher()
	close(start)
	close(rt.ready)
	rt.Logger.Info("all shards running", loggingpkg.LogFields{"boot_id": rt.bootID})

	stopper := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			rt.Stop()
		case <-stopper:
		}
	}()
	rt.loopsWG.Wait()
	close(stopper)
	rt.teardown()
	return nil
}

// shardMain is the body of one shard thread: pin, install the allocator,
// build the reactor, wait for the boot barriers, run the loop.
func (rt *Runtime) shardMain(i int, memShare uint64, registered *sync.WaitGroup, start <-chan struct{}, bootErrs []error) {
	defer rt.loopsWG.Done()
	runtimestd.LockOSThread()
	defer runtimestd.UnlockOSThread()

	cpu := rt.cpus[i]
	if rt.Conf.ThreadAffinity {
		if err := resource.PinThread(cpu); err != nil {
			rt.Logger.Info("cannot pin shard thread; continuing unpinned", loggingpkg.LogFields{
				"shard": i, "cpu": cpu, "error": err.Error(),
			})
		}
	}

	var mem *memory.Shard
	var err error
	if !rt.deps.DisableMemory {
		mem, err = memory.NewShardWithID(i, rt.Logger)
		if err == nil {
			share := min(memShare, uint64(1)<<38)
			if resizeErr := mem.Resize(uintptr(share)); resizeErr != nil {
				rt.Logger.Info("shard memory resize failed; continuing with bootstrap map", loggingpkg.LogFields{
					"shard": i, "error": resizeErr.Error(),
				})
			}
			if rt.Conf.Mbind {
				rt.bindNUMA(i, cpu, uintptr(share))
			}
		}
	}
	if err == nil {
		var r *Reactor
		r, err = newReactor(i, rt.Conf, rt.Logger, mem)
		if err == nil {
			r.metrics = rt.metrics
			r.grid = rt.grid
			r.aliens = rt.aliens
			r.hooks = rt.deps.Hooks
			r.idle = rt.deps.IdleHandler
			rt.reactors[i] = r
		}
	}
	bootErrs[i] = err
	registered.Done()
	<-start
	if err != nil {
		return
	}

	r := rt.reactors[i]
	rt.registerPollers(r)
	r.detector = stall.New(i, rt.Conf.StallThreshold(), rt.Conf.BlockedReactorReportsPerMinute, rt.Logger, func(rep stall.Report) {
		rt.metrics.stalls.WithLabelValues(shardLabel(rep.Shard)).Inc()
	})
	rt.detectors[i] = r.detector
	defer r.detector.Close()
	if mem != nil {
		defer mem.Close()
	}
	r.Run()
}

func (rt *Runtime) bindNUMA(shard, cpu int, length uintptr) {
	node := resource.NUMANodeOf(cpu)
	base := memory.ShardBase(shard)
	if err := resource.Mbind(base, length, node); err != nil {
		rt.Logger.Info("unable to mbind shard memory; performance may suffer", loggingpkg.LogFields{
			"shard": shard, "node": node, "error": err.Error(),
		})
	}
}

// Stop initiates shutdown: shard 0 runs its exit tasks first, then asks every
// other shard to run its own and halt, and halts without waiting for them.
// Callable from any thread; only the first call acts.
func (rt *Runtime) Stop() {
	rt.stopOnce.Do(func() {
		r0 := rt.reactors[0]
		if r0 == nil {
			return
		}
		// Shard 0 runs its exit tasks first, on its own thread, then tells
		// the rest to do the same.
		stop := func() {
			r0.runExitTasks()
			for i := 1; i < len(rt.reactors); i++ {
				if r := rt.reactors[i]; r != nil {
					r.requestStop()
				}
			}
			r0.stopped.Store(true)
		}
		if rt.aliens == nil || !rt.aliens.Submit(0, stop) {
			r0.requestStop()
			for i := 1; i < len(rt.reactors); i++ {
				if r := rt.reactors[i]; r != nil {
					r.requestStop()
				}
			}
		}
	})
}

func (rt *Runtime) teardown() {
	if rt.watcher != nil {
		rt.watcher.Close()
	}
	rt.Logger.Info("runtime stopped", loggingpkg.LogFields{"boot_id": rt.bootID})
}

// startWatcher wires config hot-reload for the stall detector tunables.
func (rt *Runtime) startWatcher() {
	if rt.deps.ConfigWatchPath == "" {
		return
	}
	w, err := configpkg.NewWatcher(rt.deps.ConfigWatchPath, configpkg.Tunables{
		BlockedReactorNotifyMs:         rt.Conf.BlockedReactorNotifyMs,
		BlockedReactorReportsPerMinute: rt.Conf.BlockedReactorReportsPerMinute,
	})
	if err != nil {
		rt.Logger.Info("config watcher unavailable", loggingpkg.LogFields{"error": err.Error()})
		return
	}
	w.OnChange(func(_, next configpkg.Tunables) {
		for _, d := range rt.detectors {
			if d != nil {
				d.SetThreshold(time.Duration(next.BlockedReactorNotifyMs) * time.Millisecond)
				d.SetReportsPerMinute(next.BlockedReactorReportsPerMinute)
			}
		}
		rt.Logger.Info("stall detector tunables reloaded", loggingpkg.LogFields{
			"notify_ms":   next.BlockedReactorNotifyMs,
			"reports_min": next.BlockedReactorReportsPerMinute,
		})
	})
	rt.watcher = w
}

// SubmitAlien queues fn onto a shard from a non-shard thread and returns a
// future the alien may Wait on.
func (rt *Runtime) SubmitAlien(shard int, fn func() (any, error)) (Future[any], error) {
	r := rt.reactors[shard]
	if r == nil {
		return Future[any]{}, errspkg.ErrReceiverDown
	}
	promise, future := NewPromise[any](r, MainQueueID)
	ok := rt.aliens.Submit(shard, func() {
		v, err := fn()
		promise.Resolve(v, err)
	})
	if !ok {
		promise.Resolve(nil, errspkg.ErrQueueTimeout)
	}
	return future, nil
}
