package runtime

import (
	"time"

	"github.com/drblury/shardflow/internal/runtime/timer"
)

// NewTimer creates a timer owned by this shard whose callback is dispatched
// to queueID when it fires.
func (r *Reactor) NewTimer(queueID int, callback func()) *timer.Timer {
	return &timer.Timer{Callback: callback, GroupID: queueID}
}

// ArmTimer arms t on the wheel for kind, firing after delay and then every
// period (zero period means one-shot). Rearming an armed timer moves it.
func (r *Reactor) ArmTimer(t *timer.Timer, kind timer.Kind, delay, period time.Duration) {
	w, now := r.wheel(kind)
	w.Remove(t)
	w.Insert(t, now+timer.Instant(delay), period)
}

// ArmTimerAt arms t for an absolute instant on its wheel's clock.
func (r *Reactor) ArmTimerAt(t *timer.Timer, kind timer.Kind, at timer.Instant, period time.Duration) {
	w, _ := r.wheel(kind)
	w.Remove(t)
	w.Insert(t, at, period)
}

// CancelTimer removes t from its wheel; the callback will not fire.
// Race-free because timers are owned by the shard that armed them.
func (r *Reactor) CancelTimer(t *timer.Timer, kind timer.Kind) {
	w, _ := r.wheel(kind)
	w.Remove(t)
}

func (r *Reactor) wheel(kind timer.Kind) (*timer.Wheel, timer.Instant) {
	switch kind {
	case timer.Lowres:
		return &r.lowresWheel, r.lowresClock.Now()
	case timer.Manual:
		return &r.manualWheel, r.manualClock.Now()
	default:
		return &r.steadyWheel, timer.SteadyNow()
	}
}

// expireSteadyTimers fires due high resolution timers. Runs every loop
// iteration; while sleeping the poll timeout stands in for the OS timer.
func (r *Reactor) expireSteadyTimers() {
	if r.steadyWheel.Empty() {
		return
	}
	r.dispatchExpired(r.steadyWheel.Expire(timer.SteadyNow()))
}

// lowresTick refreshes the coarse clock at its granularity and expires the
// lowres wheel. Called from the lowres poller.
func (r *Reactor) lowresTick() bool {
	now := timer.SteadyNow()
	if now-r.lowresClock.Now() < timer.Instant(timer.Granularity) {
		return false
	}
	published := r.lowresClock.Update()
	if r.lowresWheel.Empty() {
		return false
	}
	fired := r.lowresWheel.Expire(published)
	r.dispatchExpired(fired)
	return len(fired) > 0
}

// AdvanceManualClock moves the manual clock and fires what became due.
// Deterministic tests drive the runtime through this.
func (r *Reactor) AdvanceManualClock(d time.Duration) {
	now := r.manualClock.Advance(d)
	r.dispatchExpired(r.manualWheel.Expire(now))
}

// dispatchExpired queues each fired callback as a task on the timer's own
// scheduling group, preserving the wheel's insertion order for equal
// deadlines. Callback panics are logged and swallowed by the task boundary.
func (r *Reactor) dispatchExpired(fired []*timer.Timer) {
	for _, t := range fired {
		cb := t.Callback
		if cb == nil {
			continue
		}
		qid := t.GroupID
		if qid < 0 || qid >= len(r.sched.queues) {
			qid = MainQueueID
		}
		r.AddTaskTo(qid, NewTask(cb))
	}
}
