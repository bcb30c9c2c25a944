package runtime

import "fmt"

// registerPollers attaches the per-round poll sequence in its fixed order:
// cross-shard queues (shard grid then alien set), I/O completion reap,
// outbound batch flush, cross-shard free-list drain, low resolution timers,
// syscall pool completions. The second I/O reap right after the flush
// catches completions the flush itself made ready.
func (rt *Runtime) registerPollers(r *Reactor) {
	shard := r.shard

	// 1. Cross-shard inbound: grid messages run inline in the poller so a
	// deep local backlog cannot starve remote callers and batch order is
	// preserved; alien work runs as normal tasks on the main queue.
	runInline := func(fn func()) {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("cross-shard item failed", fmt.Errorf("%v", rec), nil)
			}
		}()
		fn()
	}
	runMain := func(fn func()) { r.AddTask(NewTask(fn)) }
	r.RegisterPoller(&pollFns{
		poll: func() bool {
			n := rt.grid.Drain(shard, runInline)
			n += rt.aliens.Drain(shard, runMain)
			if n > 0 && rt.metrics != nil {
				rt.metrics.smpCompleted.WithLabelValues(shardLabel(shard)).Add(float64(n))
			}
			return n > 0
		},
		purePoll: func() bool {
			return rt.grid.HasInbound(shard) || rt.aliens.HasInbound(shard)
		},
		tryEnter: func() bool {
			rt.grid.EnterSleep(shard)
			rt.aliens.EnterSleep(shard)
			// Close the push-before-flag window: re-check after publishing
			// the flag; refuse the sleep when something arrived meanwhile.
			if rt.grid.HasInbound(shard) || rt.aliens.HasInbound(shard) {
				rt.grid.ExitSleep(shard)
				rt.aliens.ExitSleep(shard)
				return false
			}
			return true
		},
		exitMode: func() {
			rt.grid.ExitSleep(shard)
			rt.aliens.ExitSleep(shard)
		},
	})

	// 2. I/O completion reap.
	r.RegisterPoller(&pollFns{
		poll:     func() bool { return r.io.reap() },
		purePoll: r.io.purePoll,
	})

	// 3. Outbound batch flush: push everything still staged toward peers.
	// The shard refuses to sleep while anything is still staged, so a full
	// peer ring cannot strand an outbound message across a sleep.
	r.RegisterPoller(&pollFns{
		poll:     func() bool { return rt.grid.Flush(shard) > 0 },
		purePoll: func() bool { return rt.grid.HasStaged(shard) },
		tryEnter: func() bool {
			rt.grid.Flush(shard)
			return !rt.grid.HasStaged(shard)
		},
	})

	// 4. Second I/O reap pass.
	r.RegisterPoller(&pollFns{
		poll:     func() bool { return r.io.reap() },
		purePoll: r.io.purePoll,
	})

	// 5. Cross-shard memory free-list drain.
	if r.mem != nil {
		r.RegisterPoller(&pollFns{
			poll:     func() bool { return r.mem.DrainCrossShardFrees() },
			purePoll: func() bool { return false },
		})
	}

	// 6. Low resolution timer expiry.
	r.RegisterPoller(&pollFns{
		poll:     func() bool { return r.lowresTick() },
		purePoll: func() bool { return false },
		tryEnter: func() bool { return true },
	})

	// 7. Syscall thread-pool completions.
	r.RegisterPoller(&pollFns{
		poll:     func() bool { return r.pool.drain() },
		purePoll: func() bool { return r.pool.pending() },
		tryEnter: func() bool { return !r.pool.pending() },
	})

	// Shard-level metric refresh rides the poll loop, thinned so the label
	// lookups stay off the hot path.
	rounds := 0
	r.RegisterPoller(&pollFns{
		poll: func() bool {
			rounds++
			if rounds&1023 == 0 {
				rt.metrics.observeShard(r)
			}
			return false
		},
		purePoll: func() bool { return false },
	})
}
