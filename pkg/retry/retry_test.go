package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errFatal = errors.New("fatal")

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), isTransient, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), isTransient, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAtFatalErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), isTransient, func(context.Context) error {
		calls++
		return errFatal
	})
	require.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls, "non-retryable errors must not be retried")
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), isTransient, func(context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestDoNilPredicateDisablesRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), nil, func(context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Minute}, isTransient, func(context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "cancellation must preempt the backoff sleep")
}
