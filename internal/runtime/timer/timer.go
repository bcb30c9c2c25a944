// Package timer implements the per-shard timer wheels: a steady high
// resolution wheel armed against the OS timer, a low resolution wheel driven
// by the reactor's periodic tick, and a manual wheel advanced explicitly by
// the caller (used heavily in tests).
package timer

import "time"

// Instant is a point on a wheel's clock, in nanoseconds since the clock's
// epoch. Steady and lowres clocks share the process start as epoch; manual
// clocks start at zero.
type Instant = int64

// Kind selects which wheel a timer belongs to.
type Kind int

const (
	Steady Kind = iota
	Lowres
	Manual
)

// Timer is one timer record. Timers are owned by the shard that armed them;
// all fields are shard-local, which is what makes cancellation race-free.
type Timer struct {
	deadline Instant
	period   time.Duration

	armed   bool
	queued  bool
	expired bool

	// Callback runs on expiry under the timer's scheduling group.
	Callback func()
	// GroupID is the task queue the callback is dispatched to.
	GroupID int

	seq       uint64
	heapIndex int
}

// Deadline returns the currently armed deadline.
func (t *Timer) Deadline() Instant { return t.deadline }

// Period returns the rearm period, zero for one-shot timers.
func (t *Timer) Period() time.Duration { return t.period }

// Armed reports whether the timer is waiting to fire.
func (t *Timer) Armed() bool { return t.armed }

// Queued reports whether the timer currently sits in a wheel.
func (t *Timer) Queued() bool { return t.queued }

// Expired reports whether the timer has fired since it was last armed.
func (t *Timer) Expired() bool { return t.expired }
