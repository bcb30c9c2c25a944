package stall

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reportSink struct {
	mu      sync.Mutex
	reports []Report
}

func (s *reportSink) add(r Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

func (s *reportSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func TestDetectsStallWhenNoProgress(t *testing.T) {
	sink := &reportSink{}
	threshold := 20 * time.Millisecond
	d := New(0, threshold, 100, nil, sink.add)
	defer d.Close()

	d.MarkTaskRun()
	// Simulate a busy-looping task: no TaskProcessed, no new mark.
	time.Sleep(3 * threshold)
	require.GreaterOrEqual(t, sink.count(), 1, "a 3x-threshold stall must be recorded")
	assert.GreaterOrEqual(t, d.Stalls(), uint64(1))
}

func TestNoReportsWhileProgressing(t *testing.T) {
	sink := &reportSink{}
	threshold := 30 * time.Millisecond
	d := New(0, threshold, 100, nil, sink.add)
	defer d.Close()

	deadline := time.Now().Add(6 * threshold)
	for time.Now().Before(deadline) {
		d.MarkTaskRun()
		d.TaskProcessed()
		time.Sleep(threshold / 6)
	}
	assert.Zero(t, sink.count(), "steady progress must not trigger the watchdog")
}

func TestBackoffSpacesRepeatReports(t *testing.T) {
	sink := &reportSink{}
	threshold := 15 * time.Millisecond
	d := New(0, threshold, 100, nil, sink.add)
	defer d.Close()

	d.MarkTaskRun()
	time.Sleep(8 * threshold)
	n := sink.count()
	require.GreaterOrEqual(t, n, 1)
	// With doubling backoff, 8x threshold yields at most ~3 reports
	// (1x, 2x, 4x); without backoff it would be ~7.
	assert.LessOrEqual(t, n, 4, "backoff must thin out repeat reports")
}

func TestRecoveryAfterStallStopsReports(t *testing.T) {
	sink := &reportSink{}
	threshold := 20 * time.Millisecond
	d := New(0, threshold, 100, nil, sink.add)
	defer d.Close()

	d.MarkTaskRun()
	time.Sleep(2 * threshold)
	require.GreaterOrEqual(t, sink.count(), 1)

	// Normal operation resumes.
	for i := 0; i < 10; i++ {
		d.MarkTaskRun()
		d.TaskProcessed()
		time.Sleep(threshold / 4)
	}
	settled := sink.count()
	time.Sleep(2 * threshold / 3)
	d.MarkTaskRun()
	d.TaskProcessed()
	assert.Equal(t, settled, sink.count(), "no further reports until another stall")
}

func TestSleepDisarms(t *testing.T) {
	sink := &reportSink{}
	threshold := 15 * time.Millisecond
	d := New(0, threshold, 100, nil, sink.add)
	defer d.Close()

	d.MarkTaskRun()
	d.Sleep()
	time.Sleep(4 * threshold)
	assert.Zero(t, sink.count(), "a sleeping reactor is not stalled")

	d.Wake()
	time.Sleep(2 * threshold)
	assert.GreaterOrEqual(t, sink.count(), 1, "the watchdog must rearm on wake")
}

func TestThresholdHotReload(t *testing.T) {
	d := New(0, time.Hour, 100, nil, nil)
	defer d.Close()
	d.SetThreshold(10 * time.Millisecond)
	d.SetReportsPerMinute(1)
	d.MarkTaskRun()
	time.Sleep(50 * time.Millisecond)
	assert.GreaterOrEqual(t, d.Stalls(), uint64(1))
}
