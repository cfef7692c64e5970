// Package retrypolicy executes a step's retry policy (max_attempts,
// fixed/exponential backoff, initial_delay) using cenkalti/backoff, and
// classifies errors as retriable or not via the shared enginerr.Kind table.
package retrypolicy

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/trinity-platform/process-engine/domain/definition"
	"github.com/trinity-platform/process-engine/internal/enginerr"
)

// Attempt is invoked once per try. It returns the attempt's result and an
// error; the error's enginerr.Kind decides whether Run retries.
type Attempt func(ctx context.Context, attemptNum int) (any, error)

// Run executes attempt up to policy.MaxAttempts times (or once, if policy is
// nil), stopping early on the first success or on a non-retriable error. It
// returns the last result/error pair and the final attempt number.
func Run(ctx context.Context, policy *definition.RetryPolicy, attempt Attempt) (result any, err error, attemptNum int) {
	maxAttempts := 1
	var b backoff.BackOff = &backoff.StopBackOff{}
	if policy != nil {
		if policy.MaxAttempts > 0 {
			maxAttempts = policy.MaxAttempts
		}
		b = newBackoff(policy)
	}

	for attemptNum = 1; attemptNum <= maxAttempts; attemptNum++ {
		result, err = attempt(ctx, attemptNum)
		if err == nil {
			return result, nil, attemptNum
		}
		if !enginerr.KindOf(err).Retriable() {
			return result, err, attemptNum
		}
		if attemptNum == maxAttempts {
			return result, err, attemptNum
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return result, err, attemptNum
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return result, ctx.Err(), attemptNum
		}
	}
	return result, err, attemptNum
}

// MaxAttempts returns the number of attempts Run will make for policy,
// matching Run's own nil/zero-value defaulting.
func MaxAttempts(policy *definition.RetryPolicy) int {
	if policy == nil || policy.MaxAttempts <= 0 {
		return 1
	}
	return policy.MaxAttempts
}

func newBackoff(policy *definition.RetryPolicy) backoff.BackOff {
	initial := policy.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}

	switch policy.Backoff {
	case definition.BackoffExponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = initial
		eb.MaxElapsedTime = 0 // bounded externally by MaxAttempts, not elapsed time
		return eb
	default: // fixed, including the zero value
		return backoff.NewConstantBackOff(initial)
	}
}
