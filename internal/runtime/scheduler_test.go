package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskFIFOOrder(t *testing.T) {
	var f taskFIFO
	var got []int
	for i := 0; i < 200; i++ {
		i := i
		f.push(NewTask(func() { got = append(got, i) }))
	}
	for !f.empty() {
		f.pop().RunAndDispose()
	}
	require.Len(t, got, 200)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestTaskFIFOPushFront(t *testing.T) {
	var f taskFIFO
	var got []int
	f.push(NewTask(func() { got = append(got, 1) }))
	f.pushFront(NewTask(func() { got = append(got, 0) }))
	for !f.empty() {
		f.pop().RunAndDispose()
	}
	assert.Equal(t, []int{0, 1}, got)
}

func TestSchedulerPicksMinVruntime(t *testing.T) {
	var s scheduler
	a := s.newQueue("a", 100)
	b := s.newQueue("b", 100)
	a.vruntime = 50
	b.vruntime = 10
	s.activate(a, 0)
	s.activate(b, 0)
	assert.Same(t, b, s.pop(), "the queue with minimum vruntime runs first")
	assert.Same(t, a, s.pop())
	assert.Nil(t, s.pop())
}

func TestSchedulerActivationLiftsVruntime(t *testing.T) {
	var s scheduler
	busy := s.newQueue("busy", 100)
	idler := s.newQueue("idler", 100)

	s.activate(busy, 0)
	s.pop()
	s.account(busy, 100*time.Millisecond)
	s.activate(busy, 0)
	s.pop()

	// The idler was inactive the whole time; activating it must not let it
	// cash in the credit it never earned.
	s.activate(idler, 0)
	assert.GreaterOrEqual(t, idler.vruntime, s.lastVruntime,
		"activation lifts vruntime to at least the last scheduled value")
}

func TestSchedulerSharesWeighting(t *testing.T) {
	var s scheduler
	low := s.newQueue("low", 100)
	high := s.newQueue("high", 200)

	// Saturate both queues and count 1ms slices for a simulated second.
	slices := map[*TaskQueue]int{}
	s.activate(low, 0)
	s.activate(high, 0)
	for i := 0; i < 1000; i++ {
		q := s.pop()
		require.NotNil(t, q)
		slices[q]++
		s.account(q, time.Millisecond)
		s.activate(q, 0)
	}

	ratio := float64(slices[high]) / float64(slices[low])
	assert.InDelta(t, 2.0, ratio, 0.2, "a 2x share must get ~2x the CPU (got %d:%d)", slices[high], slices[low])
}

func TestSchedulerBoundedFairness(t *testing.T) {
	var s scheduler
	a := s.newQueue("a", 100)
	b := s.newQueue("b", 300)
	s.activate(a, 0)
	s.activate(b, 0)
	for i := 0; i < 5000; i++ {
		q := s.pop()
		require.NotNil(t, q)
		s.account(q, 100*time.Microsecond)
		s.activate(q, 0)
		// Normalized progress of active queues must stay within two slices'
		// worth of vruntime of each other at every point of the schedule.
		diff := int64(a.vruntime) - int64(b.vruntime)
		if diff < 0 {
			diff = -diff
		}
		maxSlice := int64((uint64(100*time.Microsecond) * a.inv) >> vruntimeShift)
		require.LessOrEqual(t, diff, 2*maxSlice,
			"vruntime divergence exceeds the fairness bound")
	}
}

func TestSetSharesFloorsAtOne(t *testing.T) {
	var s scheduler
	q := s.newQueue("q", 5)
	q.SetShares(0)
	assert.Equal(t, uint32(1), q.Shares())
	assert.Equal(t, uint64(1)<<32, q.inv)
}
