package runtime

import (
	"time"

	"github.com/drblury/shardflow/internal/runtime/timer"
)

// vruntimeShift scales the inverse-share factor: inv = 2^32/shares, and a
// slice of duration d advances vruntime by (d * inv) >> 32, so doubling the
// share halves the drift.
const vruntimeShift = 32

// TaskQueue is one weighted scheduling group on a shard. All fields are
// shard-local.
type TaskQueue struct {
	id     int
	name   string
	shares uint32
	inv    uint64 // 2^32 / shares

	vruntime uint64
	// accumulated totals for metrics
	runtime    time.Duration
	waitTime   time.Duration
	starveTime time.Duration

	tasks  taskFIFO
	active bool

	// becameRunnable is when the queue last turned active, for starvation
	// accounting.
	becameRunnable timer.Instant
}

// Shares returns the queue's scheduling weight.
func (q *TaskQueue) Shares() uint32 { return q.shares }

// Name returns the queue's diagnostic name.
func (q *TaskQueue) Name() string { return q.name }

// ID returns the queue id within its shard.
func (q *TaskQueue) ID() int { return q.id }

// Backlog returns the number of queued tasks.
func (q *TaskQueue) Backlog() int { return q.tasks.len() }

// Runtime returns the accumulated real run time.
func (q *TaskQueue) Runtime() time.Duration { return q.runtime }

// SetShares adjusts the weight; the minimum share is 1.
func (q *TaskQueue) SetShares(shares uint32) {
	if shares < 1 {
		shares = 1
	}
	q.shares = shares
	q.inv = (uint64(1) << vruntimeShift) / uint64(shares)
}

// scheduler is the weighted-fair picker over a shard's task queues.
type scheduler struct {
	queues []*TaskQueue
	// activeQueues is kept approximately sorted by vruntime; the head is the
	// next queue to run.
	activeQueues []*TaskQueue
	// lastVruntime is the vruntime of the most recently scheduled queue;
	// queues activating after idling are lifted to it so they cannot cash in
	// credit accumulated while empty.
	lastVruntime uint64
}

func (s *scheduler) newQueue(name string, shares uint32) *TaskQueue {
	q := &TaskQueue{
		id:   len(s.queues),
		name: name,
	}
	q.SetShares(shares)
	s.queues = append(s.queues, q)
	return q
}

// activate inserts q into the active list with a linear probe from the back,
// which keeps the list approximately sorted without a full sort per wakeup.
func (s *scheduler) activate(q *TaskQueue, now timer.Instant) {
	if q.active {
		return
	}
	q.active = true
	q.becameRunnable = now
	if q.vruntime < s.lastVruntime {
		q.vruntime = s.lastVruntime
	}
	i := len(s.activeQueues)
	s.activeQueues = append(s.activeQueues, q)
	for i > 0 && s.activeQueues[i-1].vruntime > q.vruntime {
		s.activeQueues[i] = s.activeQueues[i-1]
		i--
	}
	s.activeQueues[i] = q
}

// pop removes and returns the active queue with minimum vruntime; ties keep
// insertion order because activate inserts after equal elements.
func (s *scheduler) pop() *TaskQueue {
	if len(s.activeQueues) == 0 {
		return nil
	}
	q := s.activeQueues[0]
	copy(s.activeQueues, s.activeQueues[1:])
	s.activeQueues[len(s.activeQueues)-1] = nil
	s.activeQueues = s.activeQueues[:len(s.activeQueues)-1]
	q.active = false
	s.lastVruntime = q.vruntime
	return q
}

// account charges q for a real slice of duration d.
func (s *scheduler) account(q *TaskQueue, d time.Duration) {
	if d < 0 {
		d = 0
	}
	q.runtime += d
	q.vruntime += (uint64(d) * q.inv) >> vruntimeShift
}

func (s *scheduler) hasRunnable() bool {
	return len(s.activeQueues) > 0
}
