package shardq

import (
	"sync/atomic"

	"github.com/drblury/shardflow/internal/runtime/memory"
)

// AlienQueues carries work submitted by threads that are not shards. Unlike
// the shard grid there are many producers per destination, so each
// destination gets a multi-producer channel rather than an SPSC ring; alien
// submissions are rare enough that channel overhead does not matter, and the
// sharded atomic stats table in the memory package keeps their accounting
// off the shard-local counters.
type AlienQueues struct {
	queues []chan func()
	wake   func(shard int)

	sleeping []atomic.Bool
}

// AlienCapacity bounds queued alien work per shard.
const AlienCapacity = 1024

// NewAlienQueues builds one inbound alien queue per shard.
func NewAlienQueues(n int, wake func(shard int)) *AlienQueues {
	q := &AlienQueues{
		queues:   make([]chan func(), n),
		wake:     wake,
		sleeping: make([]atomic.Bool, n),
	}
	for i := range q.queues {
		q.queues[i] = make(chan func(), AlienCapacity)
	}
	return q
}

// Submit queues fn for shard. Reports false when the destination's queue is
// full; the caller retries or fails upward.
func (q *AlienQueues) Submit(shard int, fn func()) bool {
	memory.CountAlienAlloc()
	select {
	case q.queues[shard] <- fn:
	default:
		return false
	}
	if q.sleeping[shard].Load() && q.sleeping[shard].CompareAndSwap(true, false) {
		if q.wake != nil {
			q.wake(shard)
		}
	}
	return true
}

// Drain runs all currently queued alien work for shard. Returns the count.
func (q *AlienQueues) Drain(shard int, run func(func())) int {
	handled := 0
	for {
		select {
		case fn := <-q.queues[shard]:
			run(fn)
			handled++
		default:
			return handled
		}
	}
}

// HasInbound reports whether alien work is queued for shard.
func (q *AlienQueues) HasInbound(shard int) bool {
	return len(q.queues[shard]) > 0
}

// EnterSleep marks shard as sleeping for alien producers.
func (q *AlienQueues) EnterSleep(shard int) {
	q.sleeping[shard].Store(true)
}

// ExitSleep clears the flag.
func (q *AlienQueues) ExitSleep(shard int) {
	q.sleeping[shard].Store(false)
}
