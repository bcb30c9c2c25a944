package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	// ErrAllocationFailed reports that the shard allocator could not satisfy a
	// request even after draining cross-shard frees and running reclaimers.
	ErrAllocationFailed = sterrors.New("shardflow: allocation failed")

	// ErrQueueTimeout reports that cross-shard admission was not granted
	// before the submission deadline.
	ErrQueueTimeout = sterrors.New("shardflow: cross-shard queue admission timed out")

	// ErrConnectionAborted reports that a reader or writer observed a local
	// shutdown on its handle.
	ErrConnectionAborted = sterrors.New("shardflow: connection aborted")

	// ErrIO reports a negative completion code returned by the kernel.
	ErrIO = sterrors.New("shardflow: i/o error")

	// ErrReceiverDown reports that the destination shard of a message no
	// longer exists.
	ErrReceiverDown = sterrors.New("shardflow: request receiver is down")

	// ErrAllRequestsFailed reports that every attempt of a fan-out submission
	// failed.
	ErrAllRequestsFailed = sterrors.New("shardflow: all requests failed")

	// ErrRuntime wraps uncaught failures during task execution.
	ErrRuntime = sterrors.New("shardflow: runtime error")

	// ErrBadConfig reports boot-time configuration rejection.
	ErrBadConfig = sterrors.New("shardflow: bad configuration")

	ErrRuntimeRequired = sterrors.New("shardflow: runtime is required")
	ErrTaskRequired    = sterrors.New("shardflow: task function is required")
	ErrShardRequired   = sterrors.New("shardflow: shard handle is required")
	ErrQueueRequired   = sterrors.New("shardflow: task queue is required")
	ErrStopped         = sterrors.New("shardflow: runtime is stopped")
)

// ConfigValidationError carries the individual findings of ValidateConfig so
// callers can report all problems at once instead of fixing them one by one.
type ConfigValidationError struct {
	Problems []string
}

func (e *ConfigValidationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("shardflow: invalid configuration: %s", e.Problems[0])
	}
	return fmt.Sprintf("shardflow: invalid configuration (%d problems): %v", len(e.Problems), e.Problems)
}

// Unwrap lets errors.Is(err, ErrBadConfig) match validation failures.
func (e *ConfigValidationError) Unwrap() error { return ErrBadConfig }
