package retrypolicy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/process-engine/domain/definition"
	"github.com/trinity-platform/process-engine/internal/enginerr"
	"github.com/trinity-platform/process-engine/internal/retrypolicy"
)

func TestRun_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	result, err, attempts := retrypolicy.Run(context.Background(), nil, func(ctx context.Context, n int) (any, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestRun_RetriesRetriableErrorsUntilSuccess(t *testing.T) {
	policy := &definition.RetryPolicy{MaxAttempts: 3, Backoff: definition.BackoffFixed, InitialDelay: time.Millisecond}
	calls := 0
	_, err, attempts := retrypolicy.Run(context.Background(), policy, func(ctx context.Context, n int) (any, error) {
		calls++
		if n < 3 {
			return nil, enginerr.New(enginerr.KindTransient, "flaky")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestRun_StopsEarlyOnNonRetriableError(t *testing.T) {
	policy := &definition.RetryPolicy{MaxAttempts: 5, Backoff: definition.BackoffFixed, InitialDelay: time.Millisecond}
	calls := 0
	_, err, attempts := retrypolicy.Run(context.Background(), policy, func(ctx context.Context, n int) (any, error) {
		calls++
		return nil, enginerr.New(enginerr.KindPermanent, "nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "a permanent error must not be retried")
	assert.Equal(t, 1, calls)
}

func TestRun_ExhaustsMaxAttempts(t *testing.T) {
	policy := &definition.RetryPolicy{MaxAttempts: 2, Backoff: definition.BackoffFixed, InitialDelay: time.Millisecond}
	calls := 0
	_, err, attempts := retrypolicy.Run(context.Background(), policy, func(ctx context.Context, n int) (any, error) {
		calls++
		return nil, enginerr.New(enginerr.KindTransient, "flaky")
	})
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, calls)
}

func TestRun_ContextCancellationDuringBackoff(t *testing.T) {
	policy := &definition.RetryPolicy{MaxAttempts: 5, Backoff: definition.BackoffFixed, InitialDelay: 50 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err, attempts := retrypolicy.Run(ctx, policy, func(ctx context.Context, n int) (any, error) {
		return nil, enginerr.New(enginerr.KindTransient, "flaky")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "cancellation during the backoff wait stops further attempts")
}
