package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/shardflow/internal/runtime/config"
	errspkg "github.com/drblury/shardflow/internal/runtime/errors"
	"github.com/drblury/shardflow/internal/runtime/timer"
)

// bootRuntime starts a runtime for a test and tears it down afterwards.
func bootRuntime(t *testing.T, cfg *configpkg.Config, deps RuntimeDependencies) *Runtime {
	t.Helper()
	if deps.MetricsRegisterer == nil {
		deps.MetricsRegisterer = prometheus.NewRegistry()
	}
	rt, err := TryNew(cfg, nil, deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	select {
	case <-rt.Ready():
	case err := <-done:
		t.Fatalf("runtime exited before ready: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime never became ready")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("runtime did not stop")
		}
	})
	return rt
}

// onShard runs fn on the shard's thread and waits for it to finish.
func onShard(t *testing.T, rt *Runtime, shard int, fn func(r *Reactor)) {
	t.Helper()
	fut, err := rt.SubmitAlien(shard, func() (any, error) {
		fn(rt.reactors[shard])
		return nil, nil
	})
	require.NoError(t, err)
	_, err = fut.Wait()
	require.NoError(t, err)
}

func TestPingPongBetweenShards(t *testing.T) {
	rt := bootRuntime(t, &configpkg.Config{SMP: 2}, RuntimeDependencies{DisableMemory: true})

	result := make(chan any, 1)
	onShard(t, rt, 0, func(r *Reactor) {
		rt.SubmitTo(0, 1, func() (any, error) {
			return 2, nil
		}).Then(func(v any, err error) {
			require.NoError(t, err)
			result <- v
		})
	})

	select {
	case v := <-result:
		assert.Equal(t, 2, v)
	case <-time.After(5 * time.Second):
		t.Fatal("ping-pong never completed")
	}

	// The pair queue must drain back to empty. Probe from the owning shards
	// so the staging fifos are only ever read on their threads.
	assert.Eventually(t, func() bool {
		pending := 0
		onShard(t, rt, 0, func(*Reactor) { pending += rt.grid.PendingFor(0, 1) })
		onShard(t, rt, 1, func(*Reactor) { pending += rt.grid.PendingFor(1, 0) })
		return pending == 0
	}, 2*time.Second, 10*time.Millisecond, "queue length must return to 0")

	for _, d := range rt.detectors {
		assert.Zero(t, d.Stalls(), "no stalls expected during ping-pong")
	}
}

func TestSubmitOrderingPerPair(t *testing.T) {
	rt := bootRuntime(t, &configpkg.Config{SMP: 2}, RuntimeDependencies{DisableMemory: true})

	const n = 200
	var mu []int
	done := make(chan struct{})
	onShard(t, rt, 0, func(r *Reactor) {
		for i := 0; i < n; i++ {
			i := i
			rt.SubmitTo(0, 1, func() (any, error) { return i, nil }).Then(func(v any, err error) {
				mu = append(mu, v.(int)) // continuations run on shard 0 only
				if len(mu) == n {
					close(done)
				}
			})
		}
	})

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("submissions never completed")
	}
	for i, v := range mu {
		require.Equal(t, i, v, "completion order must match submission order")
	}
}

func TestSubmitToUnknownShardFails(t *testing.T) {
	rt := bootRuntime(t, &configpkg.Config{SMP: 1}, RuntimeDependencies{DisableMemory: true})
	res := make(chan error, 1)
	onShard(t, rt, 0, func(r *Reactor) {
		rt.SubmitTo(0, 7, func() (any, error) { return nil, nil }).Then(func(_ any, err error) {
			res <- err
		})
	})
	select {
	case err := <-res:
		assert.ErrorIs(t, err, errspkg.ErrReceiverDown)
	case <-time.After(5 * time.Second):
		t.Fatal("no resolution")
	}
}

func TestTaskPanicIsContainedAndLogged(t *testing.T) {
	rt := bootRuntime(t, &configpkg.Config{SMP: 1}, RuntimeDependencies{DisableMemory: true})

	var after atomic.Bool
	onShard(t, rt, 0, func(r *Reactor) {
		r.AddTask(NewTask(func() { panic("boom") }))
		r.AddTask(NewTask(func() { after.Store(true) }))
	})
	assert.Eventually(t, func() bool { return after.Load() }, 5*time.Second, 5*time.Millisecond,
		"the shard must keep running after a task panic")
}

func TestTimerSameDeadlineInsertionOrder(t *testing.T) {
	rt := bootRuntime(t, &configpkg.Config{SMP: 1}, RuntimeDependencies{DisableMemory: true})

	const n = 1000
	var order []int
	fired := make(chan struct{})
	onShard(t, rt, 0, func(r *Reactor) {
		for i := 0; i < n; i++ {
			i := i
			tm := r.NewTimer(MainQueueID, func() {
				order = append(order, i)
				if len(order) == n {
					close(fired)
				}
			})
			r.ArmTimerAt(tm, timer.Manual, 100, 0)
		}
	})
	onShard(t, rt, 0, func(r *Reactor) {
		r.AdvanceManualClock(time.Duration(200))
	})

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timers never fired")
	}
	for i, v := range order {
		require.Equal(t, i, v, "same-deadline callbacks must fire in insertion order")
	}
}

func TestSteadyTimerFiresThroughSleep(t *testing.T) {
	rt := bootRuntime(t, &configpkg.Config{SMP: 1}, RuntimeDependencies{DisableMemory: true})

	var fired atomic.Bool
	onShard(t, rt, 0, func(r *Reactor) {
		tm := r.NewTimer(MainQueueID, func() { fired.Store(true) })
		r.ArmTimer(tm, timer.Steady, 30*time.Millisecond, 0)
	})
	assert.Eventually(t, func() bool { return fired.Load() }, 5*time.Second, 5*time.Millisecond,
		"a steady timer must fire even if the shard sleeps meanwhile")
}

func TestTimerCancelBeforeFire(t *testing.T) {
	rt := bootRuntime(t, &configpkg.Config{SMP: 1}, RuntimeDependencies{DisableMemory: true})

	var fired atomic.Bool
	onShard(t, rt, 0, func(r *Reactor) {
		tm := r.NewTimer(MainQueueID, func() { fired.Store(true) })
		r.ArmTimer(tm, timer.Steady, 50*time.Millisecond, 0)
		r.CancelTimer(tm, timer.Steady)
	})
	time.Sleep(150 * time.Millisecond)
	assert.False(t, fired.Load(), "a cancelled timer must not fire")
}

func TestPeriodicTimerFiresKTimes(t *testing.T) {
	rt := bootRuntime(t, &configpkg.Config{SMP: 1}, RuntimeDependencies{DisableMemory: true})

	const k = 7
	period := 10 * time.Millisecond
	var fires atomic.Int64
	onShard(t, rt, 0, func(r *Reactor) {
		tm := r.NewTimer(MainQueueID, func() { fires.Add(1) })
		r.ArmTimer(tm, timer.Manual, period, period)
	})
	for i := 0; i < k; i++ {
		onShard(t, rt, 0, func(r *Reactor) {
			r.AdvanceManualClock(period)
		})
	}
	assert.Eventually(t, func() bool { return fires.Load() == k }, 5*time.Second, 5*time.Millisecond,
		"periodic timer advanced k periods must fire k times, got %d", fires.Load())
}

func TestExitTasksRunInReverseOrder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rt, err := TryNew(&configpkg.Config{SMP: 1}, nil, RuntimeDependencies{
		DisableMemory:     true,
		MetricsRegisterer: reg,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- rt.Start(context.Background()) }()
	<-rt.Ready()

	var order []string
	onShard(t, rt, 0, func(r *Reactor) {
		r.AtExit(func() { order = append(order, "first") })
		r.AtExit(func() { order = append(order, "second") })
	})

	rt.Stop()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
	assert.Equal(t, []string{"second", "first"}, order, "exit tasks run in reverse insertion order")
}

func TestSubmitAlien(t *testing.T) {
	rt := bootRuntime(t, &configpkg.Config{SMP: 1}, RuntimeDependencies{DisableMemory: true})
	fut, err := rt.SubmitAlien(0, func() (any, error) { return "hello", nil })
	require.NoError(t, err)
	v, err := fut.Wait()
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestStallDetectionEndToEnd(t *testing.T) {
	rt := bootRuntime(t, &configpkg.Config{
		SMP:                    1,
		BlockedReactorNotifyMs: 30,
	}, RuntimeDependencies{DisableMemory: true})

	_, err := rt.SubmitAlien(0, func() (any, error) {
		deadline := time.Now().Add(90 * time.Millisecond) // 3x threshold
		for time.Now().Before(deadline) {
		}
		return nil, nil
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return rt.detectors[0].Stalls() >= 1
	}, 5*time.Second, 10*time.Millisecond, "busy-looping 3x the threshold must record a stall")
}

func TestCrossShardFreeThroughPollLoop(t *testing.T) {
	rt := bootRuntime(t, &configpkg.Config{
		SMP:    2,
		Memory: 256 << 20,
	}, RuntimeDependencies{})

	var before uint32
	var ptr uintptr
	onShard(t, rt, 0, func(r *Reactor) {
		before = r.Memory().FreePages()
		p := r.Memory().Allocate(1 << 20)
		require.NotNil(t, p)
		ptr = uintptr(p)
	})

	crossed := make(chan uint64, 1)
	onShard(t, rt, 0, func(r *Reactor) {
		rt.SubmitTo(0, 1, func() (any, error) {
			// Shard 1 frees shard 0's pointer; it lands on the cross-shard
			// free list for shard 0's poller to drain.
			mem1 := rt.reactors[1].Memory()
			st := mem1.Stats().CrossShardFrees
			mem1.Free(pointerOf(ptr))
			return mem1.Stats().CrossShardFrees - st, nil
		}).Then(func(v any, err error) {
			require.NoError(t, err)
			crossed <- v.(uint64)
		})
	})

	select {
	case n := <-crossed:
		assert.Equal(t, uint64(1), n, "shard 1's cross-shard-free counter must increment by one")
	case <-time.After(5 * time.Second):
		t.Fatal("cross-shard free never completed")
	}

	assert.Eventually(t, func() bool {
		var free uint32
		onShard(t, rt, 0, func(r *Reactor) { free = r.Memory().FreePages() })
		return free == before
	}, 5*time.Second, 10*time.Millisecond, "shard 0's free pages must return to the pre-allocation value")
}

func TestRuntimeRejectsBadConfig(t *testing.T) {
	_, err := TryNew(&configpkg.Config{SMP: -1}, nil, RuntimeDependencies{
		MetricsRegisterer: prometheus.NewRegistry(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrBadConfig)
}

func TestResourceUsageSnapshot(t *testing.T) {
	rt := bootRuntime(t, &configpkg.Config{SMP: 1}, RuntimeDependencies{DisableMemory: true})
	u := rt.ResourceUsage()
	assert.Positive(t, u.Goroutines)
	assert.Positive(t, u.MemoryBytes)
}

func pointerOf(p uintptr) unsafe.Pointer {
	return unsafe.Pointer(p) //nolint:govet // the region is not Go-managed memory
}
