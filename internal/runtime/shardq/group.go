package shardq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	errspkg "github.com/drblury/shardflow/internal/runtime/errors"
)

// ServiceGroup throttles one class of cross-shard messages: admission
// acquires a unit from a bounded semaphore before the message is staged, and
// completion returns it. A submission that cannot get a unit before its
// deadline fails with ErrQueueTimeout without being delivered.
type ServiceGroup struct {
	id  uint64
	sem *semaphore.Weighted
}

// DefaultGroupCapacity bounds in-flight messages per group when the caller
// does not choose one.
const DefaultGroupCapacity = 1000

var (
	groupIDGen atomic.Uint64

	defaultGroupOnce sync.Once
	defaultGroup     *ServiceGroup
)

// NewServiceGroup creates a group admitting up to capacity in-flight
// messages.
func NewServiceGroup(capacity int64) *ServiceGroup {
	if capacity <= 0 {
		capacity = DefaultGroupCapacity
	}
	return &ServiceGroup{
		id:  groupIDGen.Add(1),
		sem: semaphore.NewWeighted(capacity),
	}
}

// DefaultServiceGroup returns the process-wide group used when a submission
// does not name one.
func DefaultServiceGroup() *ServiceGroup {
	defaultGroupOnce.Do(func() {
		defaultGroup = NewServiceGroup(DefaultGroupCapacity)
	})
	return defaultGroup
}

// ID returns the group's process-unique id.
func (g *ServiceGroup) ID() uint64 { return g.id }

// Admit acquires one unit, waiting until the deadline at most. A zero
// deadline means wait forever.
func (g *ServiceGroup) Admit(deadline time.Time) error {
	ctx := context.Background()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return errspkg.ErrQueueTimeout
	}
	return nil
}

// TryAdmit acquires one unit without waiting.
func (g *ServiceGroup) TryAdmit() bool {
	return g.sem.TryAcquire(1)
}

// Release returns one unit after the message's completion ran.
func (g *ServiceGroup) Release() {
	g.sem.Release(1)
}
