package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrAllocationFailed", ErrAllocationFailed, "shardflow: allocation failed"},
		{"ErrQueueTimeout", ErrQueueTimeout, "shardflow: cross-shard queue admission timed out"},
		{"ErrConnectionAborted", ErrConnectionAborted, "shardflow: connection aborted"},
		{"ErrIO", ErrIO, "shardflow: i/o error"},
		{"ErrReceiverDown", ErrReceiverDown, "shardflow: request receiver is down"},
		{"ErrAllRequestsFailed", ErrAllRequestsFailed, "shardflow: all requests failed"},
		{"ErrRuntime", ErrRuntime, "shardflow: runtime error"},
		{"ErrBadConfig", ErrBadConfig, "shardflow: bad configuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("got %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestSentinelErrorsAreDistinct(t *testing.T) {
	all := []error{
		ErrAllocationFailed, ErrQueueTimeout, ErrConnectionAborted, ErrIO,
		ErrReceiverDown, ErrAllRequestsFailed, ErrRuntime, ErrBadConfig,
	}
	for i, a := range all {
		for j, b := range all {
			if i != j && errors.Is(a, b) {
				t.Errorf("%v must not match %v", a, b)
			}
		}
	}
}

func TestWrappedSentinelMatches(t *testing.T) {
	err := fmt.Errorf("%w: pool exhausted", ErrAllocationFailed)
	if !errors.Is(err, ErrAllocationFailed) {
		t.Error("wrapped sentinel must still match")
	}
}

func TestConfigValidationError(t *testing.T) {
	one := &ConfigValidationError{Problems: []string{"smp must be >= 0"}}
	if got := one.Error(); got != "shardflow: invalid configuration: smp must be >= 0" {
		t.Errorf("single-problem message: %q", got)
	}

	many := &ConfigValidationError{Problems: []string{"a", "b"}}
	if got := many.Error(); got != "shardflow: invalid configuration (2 problems): [a b]" {
		t.Errorf("multi-problem message: %q", got)
	}

	if !errors.Is(many, ErrBadConfig) {
		t.Error("validation errors must unwrap to ErrBadConfig")
	}
}
