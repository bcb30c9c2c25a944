// Package stall implements the per-shard watchdog. A sibling goroutine
// observes the shard's task-run mark through atomics and sleeps on a timer,
// which keeps the reactor thread free of signal handling.
package stall

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/drblury/shardflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/shardflow/internal/runtime/logging"
)

// Report is one detected stall.
type Report struct {
	ID       string
	Shard    int
	Duration time.Duration
	Tasks    uint64
}

// Detector watches one shard. The reactor bumps the tasks-processed counter
// and the mark timestamp; the watchdog goroutine fires at threshold×backoff
// past the mark and reports when no task completed in between.
type Detector struct {
	shard int
	log   loggingpkg.ServiceLogger

	threshold        atomic.Int64 // nanoseconds
	reportsPerMinute atomic.Int64

	tasksProcessed atomic.Uint64
	mark           atomic.Int64 // unix nanos of last task-run window start
	markedTasks    atomic.Uint64
	asleep         atomic.Bool

	backoff atomic.Int64 // current backoff factor, >= 1

	stalls     atomic.Uint64
	suppressed atomic.Uint64

	// rate limit window
	windowStart atomic.Int64
	windowCount atomic.Int64

	onStall func(Report)

	kick chan struct{}
	done chan struct{}
}

// New starts a detector for shard. onStall, if non-nil, observes every
// recorded stall (used by tests and metrics).
func New(shard int, threshold time.Duration, reportsPerMinute int, log loggingpkg.ServiceLogger, onStall func(Report)) *Detector {
	if log == nil {
		log = loggingpkg.Nop()
	}
	d := &Detector{
		shard:   shard,
		log:     log,
		onStall: onStall,
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	d.threshold.Store(int64(threshold))
	d.reportsPerMinute.Store(int64(reportsPerMinute))
	d.backoff.Store(1)
	now := time.Now().UnixNano()
	d.mark.Store(now)
	d.windowStart.Store(now)
	go d.watch()
	return d
}

// MarkTaskRun notes the start of a task-running window. Called by the
// reactor before it runs a batch of tasks.
func (d *Detector) MarkTaskRun() {
	d.mark.Store(time.Now().UnixNano())
	d.markedTasks.Store(d.tasksProcessed.Load())
	d.backoff.Store(1)
	d.maybeFlushSuppressed()
}

// TaskProcessed counts one completed task.
func (d *Detector) TaskProcessed() {
	d.tasksProcessed.Add(1)
}

// Sleep disarms the watchdog while the reactor sleeps.
func (d *Detector) Sleep() {
	d.asleep.Store(true)
}

// Wake rearms the watchdog.
func (d *Detector) Wake() {
	d.asleep.Store(false)
	d.MarkTaskRun()
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// SetThreshold adjusts the stall threshold at runtime (config hot-reload).
func (d *Detector) SetThreshold(t time.Duration) {
	d.threshold.Store(int64(t))
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// SetReportsPerMinute adjusts the backtrace rate limit at runtime.
func (d *Detector) SetReportsPerMinute(n int) {
	d.reportsPerMinute.Store(int64(n))
}

// Stalls returns the number of recorded stalls.
func (d *Detector) Stalls() uint64 {
	return d.stalls.Load()
}

// Close stops the watchdog goroutine.
func (d *Detector) Close() {
	close(d.done)
}

func (d *Detector) watch() {
	for {
		threshold := time.Duration(d.threshold.Load())
		wait := threshold * time.Duration(d.backoff.Load())
		elapsed := time.Duration(time.Now().UnixNano() - d.mark.Load())
		if remaining := wait - elapsed; remaining > 0 {
			wait = remaining
		} else {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-d.done:
			timer.Stop()
			return
		case <-d.kick:
			timer.Stop()
			continue
		case <-timer.C:
		}
		if d.asleep.Load() {
			// Disarmed: wait for the wake kick instead of spinning on the
			// short re-arm path.
			select {
			case <-d.done:
				return
			case <-d.kick:
			}
			continue
		}
		elapsed = time.Duration(time.Now().UnixNano() - d.mark.Load())
		if elapsed < threshold*time.Duration(d.backoff.Load()) {
			continue
		}
		if d.tasksProcessed.Load() != d.markedTasks.Load() {
			// Progress happened; refresh the mark and re-arm at threshold.
			d.mark.Store(time.Now().UnixNano())
			d.markedTasks.Store(d.tasksProcessed.Load())
			d.backoff.Store(1)
			continue
		}
		d.recordStall(elapsed)
		// Double the backoff so a long single stall produces a geometric,
		// not linear, report series.
		d.backoff.Store(d.backoff.Load() * 2)
	}
}

func (d *Detector) recordStall(elapsed time.Duration) {
	d.stalls.Add(1)
	r := Report{
		ID:       ids.CreateULID(),
		Shard:    d.shard,
		Duration: elapsed,
		Tasks:    d.tasksProcessed.Load(),
	}
	if d.onStall != nil {
		d.onStall(r)
	}
	if !d.allowReport() {
		d.suppressed.Add(1)
		return
	}
	buf := make([]byte, 64<<10)
	n := runtime.Stack(buf, true)
	d.log.Error("reactor stalled", nil, loggingpkg.LogFields{
		"report_id": r.ID,
		"shard":     d.shard,
		"ms":        elapsed.Milliseconds(),
		"backtrace": string(buf[:n]),
	})
}

// allowReport enforces the per-minute backtrace budget.
func (d *Detector) allowReport() bool {
	now := time.Now().UnixNano()
	start := d.windowStart.Load()
	if now-start > int64(time.Minute) {
		if d.windowStart.CompareAndSwap(start, now) {
			d.windowCount.Store(0)
		}
	}
	return d.windowCount.Add(1) <= d.reportsPerMinute.Load()
}

// maybeFlushSuppressed logs the suppressed-report count at most once a
// minute, from the reactor's task-run path.
func (d *Detector) maybeFlushSuppressed() {
	n := d.suppressed.Load()
	if n == 0 {
		return
	}
	now := time.Now().UnixNano()
	start := d.windowStart.Load()
	if now-start <= int64(time.Minute) {
		return
	}
	if d.suppressed.CompareAndSwap(n, 0) {
		d.log.Info("suppressed stall backtraces", loggingpkg.LogFields{
			"shard": d.shard,
			"count": n,
		})
	}
}
