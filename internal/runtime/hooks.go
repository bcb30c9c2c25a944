package runtime

import (
	"time"

	loggingpkg "github.com/drblury/shardflow/internal/runtime/logging"
)

// TaskContext describes one task execution to hooks.
type TaskContext struct {
	// Shard is the shard the task ran on.
	Shard int
	// Queue is the name of the scheduling group.
	Queue string
	// StartedAt is when the task began running.
	StartedAt time.Time
	// Duration is how long the task ran (set in OnTaskDone and OnTaskError).
	Duration time.Duration
}

// TaskHooks defines callbacks around task execution. All hooks are optional;
// nil hooks are simply not called. Hooks run on the shard thread and must be
// cheap.
type TaskHooks struct {
	// OnTaskStart is called before a task body runs.
	OnTaskStart func(ctx TaskContext)

	// OnTaskDone is called after a task completed without panicking.
	OnTaskDone func(ctx TaskContext)

	// OnTaskError is called when a task body panicked; the recovered error
	// is passed as the second argument.
	OnTaskError func(ctx TaskContext, err error)
}

// Merge combines two TaskHooks; other's hooks run after h's.
func (h TaskHooks) Merge(other TaskHooks) TaskHooks {
	return TaskHooks{
		OnTaskStart: chainHooks(h.OnTaskStart, other.OnTaskStart),
		OnTaskDone:  chainHooks(h.OnTaskDone, other.OnTaskDone),
		OnTaskError: chainErrorHooks(h.OnTaskError, other.OnTaskError),
	}
}

func chainHooks(a, b func(TaskContext)) func(TaskContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx TaskContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(TaskContext, error)) func(TaskContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx TaskContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// SetTaskHooks installs hooks on this reactor. Call before Run.
func (r *Reactor) SetTaskHooks(h TaskHooks) {
	r.hooks = h
}

// LoggingHooks traces every task at trace level. Meant for debugging small
// workloads; on a hot shard this is the first thing to turn off.
func LoggingHooks(log loggingpkg.ServiceLogger) TaskHooks {
	return TaskHooks{
		OnTaskStart: func(ctx TaskContext) {
			log.Trace("task start", loggingpkg.LogFields{"shard": ctx.Shard, "queue": ctx.Queue})
		},
		OnTaskDone: func(ctx TaskContext) {
			log.Trace("task done", loggingpkg.LogFields{
				"shard":    ctx.Shard,
				"queue":    ctx.Queue,
				"duration": ctx.Duration.String(),
			})
		},
		OnTaskError: func(ctx TaskContext, err error) {
			log.Error("task error", err, loggingpkg.LogFields{"shard": ctx.Shard, "queue": ctx.Queue})
		},
	}
}
