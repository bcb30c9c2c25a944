package runtime

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/shardflow/internal/runtime/errors"
	"github.com/drblury/shardflow/internal/runtime/shardq"
)

var tracer = otel.Tracer("github.com/drblury/shardflow")

// SubmitOptions tunes one cross-shard submission.
type SubmitOptions struct {
	// Group classifies the message for admission; nil uses the default
	// group's quota.
	Group *shardq.ServiceGroup
	// Deadline bounds admission; zero waits forever. A submission that
	// cannot be admitted in time fails with ErrQueueTimeout and is never
	// delivered.
	Deadline time.Time
}

// asyncWorkItem carries a function to the destination shard and its result
// back to the source. Process runs on dst, Complete on src.
type asyncWorkItem struct {
	fn    func() (any, error)
	value any
	err   error

	promise *Promise[any]
	group   *shardq.ServiceGroup
	span    trace.Span
}

func (w *asyncWorkItem) Process() {
	defer func() {
		if rec := recover(); rec != nil {
			w.err = errspkg.ErrRuntime
		}
	}()
	w.value, w.err = w.fn()
}

func (w *asyncWorkItem) Complete() {
	if w.group != nil {
		w.group.Release()
	}
	if w.span != nil {
		w.span.End()
	}
	w.promise.Resolve(w.value, w.err)
}

// SubmitTo runs fn on the destination shard and resolves the returned future
// on this shard with fn's result. Messages to one destination are delivered
// in submission order; ordering across destinations is not guaranteed.
func (rt *Runtime) SubmitTo(src, dst int, fn func() (any, error)) Future[any] {
	return rt.SubmitToWith(src, dst, SubmitOptions{}, fn)
}

// SubmitToWith is SubmitTo with an admission group and deadline.
func (rt *Runtime) SubmitToWith(src, dst int, opts SubmitOptions, fn func() (any, error)) Future[any] {
	r := rt.reactors[src]
	promise, future := NewPromise[any](r, MainQueueID)
	if dst < 0 || dst >= len(rt.reactors) || rt.reactors[dst] == nil {
		promise.Resolve(nil, errspkg.ErrReceiverDown)
		return future
	}
	if dst == src {
		r.AddTask(NewTask(func() {
			item := &asyncWorkItem{fn: fn, promise: promise}
			item.Process()
			item.Complete()
		}))
		return future
	}
	group := opts.Group
	if group == nil {
		group = shardq.DefaultServiceGroup()
	}
	send := func() {
		_, span := tracer.Start(r.traceCtx, "shardflow.submit",
			trace.WithAttributes(
				attribute.Int("shardflow.src", src),
				attribute.Int("shardflow.dst", dst),
				attribute.Int64("shardflow.group", int64(group.ID())),
			))
		item := &asyncWorkItem{fn: fn, promise: promise, group: group, span: span}
		// Staged only: the batch threshold or the flush poller pushes it
		// into the ring within the current loop iteration.
		rt.grid.Stage(src, dst, item)
		if rt.metrics != nil {
			rt.metrics.smpSent.WithLabelValues(shardLabel(src)).Inc()
		}
	}
	if group.TryAdmit() {
		send()
		return future
	}
	// The group is at capacity: wait for a unit off the reactor thread and
	// finish the submission from the shard once admitted.
	r.SubmitBlocking(func() (any, error) {
		return nil, group.Admit(opts.Deadline)
	}).Then(func(_ any, err error) {
		if err != nil {
			if rt.metrics != nil {
				rt.metrics.smpTimeouts.WithLabelValues(shardLabel(src)).Inc()
			}
			promise.Resolve(nil, err)
			return
		}
		send()
	})
	return future
}

// SubmitToAll fans fn out to every shard and resolves once all replies are
// in; if every attempt failed the future resolves with ErrAllRequestsFailed.
func (rt *Runtime) SubmitToAll(src int, fn func(shard int) (any, error)) Future[[]any] {
	r := rt.reactors[src]
	promise, future := NewPromise[[]any](r, MainQueueID)
	n := len(rt.reactors)
	results := make([]any, n)
	failures := 0
	remaining := n
	for dst := 0; dst < n; dst++ {
		dst := dst
		rt.SubmitTo(src, dst, func() (any, error) { return fn(dst) }).Then(func(v any, err error) {
			if err != nil {
				failures++
			} else {
				results[dst] = v
			}
			remaining--
			if remaining == 0 {
				if failures == n {
					promise.Resolve(nil, errspkg.ErrAllRequestsFailed)
				} else {
					promise.Resolve(results, nil)
				}
			}
		})
	}
	return future
}
