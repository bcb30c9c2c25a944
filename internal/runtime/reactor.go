package runtime

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	configpkg "github.com/drblury/shardflow/internal/runtime/config"
	errspkg "github.com/drblury/shardflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/shardflow/internal/runtime/logging"
	"github.com/drblury/shardflow/internal/runtime/memory"
	"github.com/drblury/shardflow/internal/runtime/shardq"
	"github.com/drblury/shardflow/internal/runtime/stall"
	"github.com/drblury/shardflow/internal/runtime/timer"
)

// MainQueueID is the default scheduling group present on every shard.
const MainQueueID = 0

// IdleHandler runs when pure-poll finds nothing; returning true means it
// generated more work and the reactor must keep polling.
type IdleHandler func() bool

// Reactor is one shard's cooperative scheduler and event loop. Everything on
// it is shard-local except the fields the queue grid and wakeup path touch.
type Reactor struct {
	shard int
	cfg   *configpkg.Config
	log   loggingpkg.ServiceLogger

	sched scheduler

	grid   *shardq.Grid
	aliens *shardq.AlienQueues
	mem    *memory.Shard

	steadyWheel timer.Wheel
	lowresWheel timer.Wheel
	manualWheel timer.Wheel
	lowresClock timer.LowresClock
	manualClock timer.ManualClock

	pollers []Poller

	needPreempt   atomic.Bool
	stopped       atomic.Bool
	stopRequested atomic.Bool

	wakeFD int

	detector *stall.Detector
	idle     IdleHandler
	metrics  *Metrics

	hooks TaskHooks

	traceCtx context.Context

	atExit []func()

	tasksProcessed uint64
	pollRounds     uint64
	sleeps         uint64

	io   *ioEngine
	pool *syscallPool
}

// newReactor wires a reactor for one shard. Pollers and the stall detector
// are attached by the runtime during boot.
func newReactor(shard int, cfg *configpkg.Config, log loggingpkg.ServiceLogger, mem *memory.Shard) (*Reactor, error) {
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd for shard %d: %w", shard, err)
	}
	r := &Reactor{
		shard:    shard,
		cfg:      cfg,
		log:      log.With(loggingpkg.LogFields{"shard": shard}),
		wakeFD:   wakeFD,
		mem:      mem,
		traceCtx: context.Background(),
	}
	r.sched.newQueue("main", 1000)
	if mem != nil {
		mem.SetReclaimHook(func(fn func()) {
			r.AddTask(NewTask(fn))
		})
	}
	r.io, err = newIOEngine()
	if err != nil {
		unix.Close(wakeFD)
		return nil, err
	}
	r.pool = newSyscallPool(r)
	return r, nil
}

// Shard returns the reactor's shard id.
func (r *Reactor) Shard() int { return r.shard }

// Memory returns the shard's allocator, nil when the runtime booted without
// managed memory.
func (r *Reactor) Memory() *memory.Shard { return r.mem }

// NewQueue creates a task queue with the given weight and returns it.
func (r *Reactor) NewQueue(name string, shares uint32) *TaskQueue {
	return r.sched.newQueue(name, shares)
}

// Queue returns the queue with id, or nil.
func (r *Reactor) Queue(id int) *TaskQueue {
	if id < 0 || id >= len(r.sched.queues) {
		return nil
	}
	return r.sched.queues[id]
}

// AddTask schedules t on the main queue. Owning shard thread only.
func (r *Reactor) AddTask(t Task) {
	r.AddTaskTo(MainQueueID, t)
}

// AddTaskTo schedules t on queue id. Owning shard thread only.
func (r *Reactor) AddTaskTo(id int, t Task) {
	q := r.sched.queues[id]
	q.tasks.push(t)
	r.sched.activate(q, timer.SteadyNow())
}

// AddHighPriorityTask schedules t ahead of everything queued on main, for
// work that must not wait behind the local backlog.
func (r *Reactor) AddHighPriorityTask(t Task) {
	q := r.sched.queues[MainQueueID]
	q.tasks.pushFront(t)
	r.sched.activate(q, timer.SteadyNow())
}

// AtExit registers fn to run during shutdown. Exit tasks run in reverse
// insertion order.
func (r *Reactor) AtExit(fn func()) {
	r.atExit = append(r.atExit, fn)
}

// SetIdleHandler installs the pluggable idle CPU handler.
func (r *Reactor) SetIdleHandler(h IdleHandler) {
	r.idle = h
}

// RegisterPoller appends p to the per-round poll sequence.
func (r *Reactor) RegisterPoller(p Poller) {
	r.pollers = append(r.pollers, p)
}

// NeedPreempt reports whether the current task should yield soon. Long
// task bodies may consult it cooperatively.
func (r *Reactor) NeedPreempt() bool {
	return r.needPreempt.Load()
}

// wake signals the shard's eventfd. Runs on any thread.
func (r *Reactor) wake() {
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(r.wakeFD, one[:])
}

func (r *Reactor) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(r.wakeFD, buf[:])
}

// Run executes the shard loop until Stop. Must run on the shard's locked
// thread.
func (r *Reactor) Run() {
	quotaDone := make(chan struct{})
	go r.quotaTimer(quotaDone)
	defer close(quotaDone)

	idleStart := time.Time{}
	for !r.stopped.Load() {
		if r.stopRequested.CompareAndSwap(true, false) {
			r.runExitTasks()
			r.stopped.Store(true)
			break
		}
		if r.detector != nil {
			r.detector.MarkTaskRun()
		}
		r.expireSteadyTimers()

		ranTasks := r.runSomeTasks()

		worked := false
		r.pollRounds++
		for _, p := range r.pollers {
			if p.Poll() {
				worked = true
			}
		}
		if ranTasks || worked || r.sched.hasRunnable() {
			idleStart = time.Time{}
			continue
		}

		// Nothing found: consult the idle handler, then hold an idle-poll
		// window before arming wakeups; poll mode never sleeps.
		if r.idle != nil && r.idle() {
			continue
		}
		if r.cfg.PollMode {
			continue
		}
		if idleStart.IsZero() {
			idleStart = time.Now()
		}
		if time.Since(idleStart) < r.cfg.IdlePollTime() {
			continue
		}
		if r.trySleep() {
			idleStart = time.Time{}
		}
	}

	r.pool.close()
	r.io.close()
	unix.Close(r.wakeFD)
}

// quotaTimer raises the preemption flag every task quota while the loop
// runs; the scheduler lowers it when it switches queues.
func (r *Reactor) quotaTimer(done chan struct{}) {
	quota := r.cfg.TaskQuota()
	if quota <= 0 {
		quota = time.Duration(configpkg.DefaultTaskQuotaMs * float64(time.Millisecond))
	}
	t := time.NewTicker(quota)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			r.needPreempt.Store(true)
		}
	}
}

// runSomeTasks drains the minimum-vruntime queue until it empties or the
// quota flag fires with a tolerable backlog. Draining wins over switching
// when the backlog exceeds max-task-backlog.
func (r *Reactor) runSomeTasks() bool {
	q := r.sched.pop()
	if q == nil {
		return false
	}
	r.needPreempt.Store(false)
	start := timer.SteadyNow()
	if q.becameRunnable != 0 {
		w := time.Duration(start - q.becameRunnable)
		q.waitTime += w
		if w > q.starveTime {
			q.starveTime = w
		}
		q.becameRunnable = 0
	}
	for {
		t := q.tasks.pop()
		if t == nil {
			break
		}
		r.runTask(q, t)
		if r.needPreempt.Load() {
			if q.tasks.len() <= r.cfg.MaxTaskBacklog {
				break
			}
			r.needPreempt.Store(false)
		}
	}
	end := timer.SteadyNow()
	r.sched.account(q, time.Duration(end-start))
	if !q.tasks.empty() {
		r.sched.activate(q, end)
	}
	if r.metrics != nil {
		r.metrics.observeQueue(r.shard, q)
	}
	return true
}

// runTask executes one task, converting panics into logged runtime errors;
// the task is discarded either way.
func (r *Reactor) runTask(q *TaskQueue, t Task) {
	ctx := TaskContext{Shard: r.shard, Queue: q.name}
	if r.hooks.OnTaskStart != nil || r.hooks.OnTaskDone != nil || r.hooks.OnTaskError != nil {
		ctx.StartedAt = time.Now()
	}
	defer func() {
		r.tasksProcessed++
		if r.detector != nil {
			r.detector.TaskProcessed()
		}
		ctx.Duration = time.Since(ctx.StartedAt)
		if rec := recover(); rec != nil {
			err := fmt.Errorf("%w: %v", errspkg.ErrRuntime, rec)
			r.log.Error("task failed", err, nil)
			if r.metrics != nil {
				r.metrics.taskFailures.WithLabelValues(shardLabel(r.shard)).Inc()
			}
			if r.hooks.OnTaskError != nil {
				r.hooks.OnTaskError(ctx, err)
			}
			return
		}
		if r.hooks.OnTaskDone != nil {
			r.hooks.OnTaskDone(ctx)
		}
	}()
	if r.hooks.OnTaskStart != nil {
		r.hooks.OnTaskStart(ctx)
	}
	t.RunAndDispose()
}

// trySleep walks the pollers arming interrupt delivery; any refusal rolls
// back the already-armed ones and aborts the sleep. Reports whether the
// reactor actually slept.
func (r *Reactor) trySleep() bool {
	for i, p := range r.pollers {
		if !p.TryEnterInterruptMode() {
			for j := 0; j < i; j++ {
				r.pollers[j].ExitInterruptMode()
			}
			return false
		}
	}
	if r.sched.hasRunnable() {
		for _, p := range r.pollers {
			p.ExitInterruptMode()
		}
		return false
	}
	r.sleeps++
	if r.detector != nil {
		r.detector.Sleep()
	}
	r.sleepUntilWoken()
	if r.detector != nil {
		r.detector.Wake()
	}
	for _, p := range r.pollers {
		p.ExitInterruptMode()
	}
	return true
}

// sleepUntilWoken blocks on the wakeup eventfd and the I/O readiness fd,
// bounded by the next armed timer.
func (r *Reactor) sleepUntilWoken() {
	timeout := r.sleepTimeout()
	fds := []unix.PollFd{
		{Fd: int32(r.wakeFD), Events: unix.POLLIN},
	}
	if r.io != nil && r.io.epfd >= 0 {
		fds = append(fds, unix.PollFd{Fd: int32(r.io.epfd), Events: unix.POLLIN})
	}
	for {
		_, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		break
	}
	r.drainWake()
}

// sleepTimeout converts the earliest armed deadline into poll's millisecond
// timeout; -1 blocks indefinitely.
func (r *Reactor) sleepTimeout() int {
	now := timer.SteadyNow()
	best := int64(-1)
	if dl, ok := r.steadyWheel.Next(); ok {
		best = int64(dl - now)
	}
	if !r.lowresWheel.Empty() {
		d := int64(timer.Granularity)
		if best < 0 || d < best {
			best = d
		}
	}
	if best < 0 {
		return -1
	}
	ms := best / int64(time.Millisecond)
	if ms < 1 {
		return 1
	}
	if ms > int64(int(^uint(0)>>1)) {
		return -1
	}
	return int(ms)
}

// requestStop asks the shard to run its exit tasks and halt. Callable from
// any thread; the loop acts on the flag at its next iteration.
func (r *Reactor) requestStop() {
	r.stopRequested.Store(true)
	r.wake()
}

func (r *Reactor) runExitTasks() {
	for i := len(r.atExit) - 1; i >= 0; i-- {
		fn := r.atExit[i]
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("exit task failed", fmt.Errorf("%w: %v", errspkg.ErrRuntime, rec), nil)
				}
			}()
			fn()
		}()
	}
	r.atExit = nil
}

func shardLabel(shard int) string {
	return fmt.Sprintf("%d", shard)
}
