package timer

import (
	"container/heap"
	"time"
)

// Wheel is an ordered set of timer records keyed by (deadline, insertion
// sequence). The sequence tie-break is what guarantees that callbacks of
// timers sharing a deadline fire in insertion order within one Expire pass.
type Wheel struct {
	h   timerHeap
	seq uint64
}

// Insert queues t at deadline and reports whether t became the new earliest
// timer, in which case the reactor rearm its underlying OS timer.
func (w *Wheel) Insert(t *Timer, deadline Instant, period time.Duration) bool {
	t.deadline = deadline
	t.period = period
	t.armed = true
	t.queued = true
	t.expired = false
	w.seq++
	t.seq = w.seq
	heap.Push(&w.h, t)
	return w.h.items[0] == t
}

// Remove takes t out of the wheel. No-op if t is not queued.
func (w *Wheel) Remove(t *Timer) {
	if !t.queued {
		return
	}
	heap.Remove(&w.h, t.heapIndex)
	t.queued = false
	t.armed = false
}

// Next returns the earliest deadline and true, or false when empty.
func (w *Wheel) Next() (Instant, bool) {
	if len(w.h.items) == 0 {
		return 0, false
	}
	return w.h.items[0].deadline, true
}

// Empty reports whether the wheel holds no timers.
func (w *Wheel) Empty() bool { return len(w.h.items) == 0 }

// Len returns the number of queued timers.
func (w *Wheel) Len() int { return len(w.h.items) }

// Expire pops every record with deadline <= now in one pass, in
// (deadline, insertion) order. Each popped timer is marked expired and
// disarmed; periodic timers stay armed and are re-inserted at now+period.
func (w *Wheel) Expire(now Instant) []*Timer {
	var fired []*Timer
	for len(w.h.items) > 0 && w.h.items[0].deadline <= now {
		t := heap.Pop(&w.h).(*Timer)
		t.queued = false
		t.expired = true
		t.armed = false
		fired = append(fired, t)
		if t.period > 0 {
			w.Insert(t, now+Instant(t.period), t.period)
			t.expired = true
		}
	}
	return fired
}

type timerHeap struct {
	items []*Timer
}

func (h *timerHeap) Len() int { return len(h.items) }

func (h *timerHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.seq < b.seq
}

func (h *timerHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].heapIndex = i
	h.items[j].heapIndex = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.heapIndex = len(h.items)
	h.items = append(h.items, t)
}

func (h *timerHeap) Pop() any {
	old := h.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	t.heapIndex = -1
	return t
}
