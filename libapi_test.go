package shardflow

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, ValidateConfig(c))
	assert.GreaterOrEqual(t, c.SMP, 1)
}

func TestFacadeEndToEnd(t *testing.T) {
	rt, err := TryNew(&Config{SMP: 2}, nil, RuntimeDependencies{
		DisableMemory:     true,
		MetricsRegisterer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	select {
	case <-rt.Ready():
	case <-time.After(10 * time.Second):
		t.Fatal("runtime never became ready")
	}

	result := make(chan any, 1)
	_, err = rt.SubmitAlien(0, func() (any, error) {
		rt.SubmitTo(0, 1, func() (any, error) { return "pong", nil }).Then(func(v any, err error) {
			require.NoError(t, err)
			result <- v
		})
		return nil, nil
	})
	require.NoError(t, err)

	select {
	case v := <-result:
		assert.Equal(t, "pong", v)
	case <-time.After(5 * time.Second):
		t.Fatal("no pong")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestWithDeadline(t *testing.T) {
	opts := WithDeadline(time.Second)
	assert.False(t, opts.Deadline.IsZero())
	assert.WithinDuration(t, time.Now().Add(time.Second), opts.Deadline, 100*time.Millisecond)
}

func TestErrorsAreReExported(t *testing.T) {
	for _, err := range []error{
		ErrAllocationFailed, ErrQueueTimeout, ErrConnectionAborted, ErrIO,
		ErrReceiverDown, ErrAllRequestsFailed, ErrRuntime, ErrBadConfig,
	} {
		assert.Error(t, err)
	}
}
