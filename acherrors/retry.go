package acherrors

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the retry combinator used by storage-facing
// components: a fixed attempt count with a constant interval between
// attempts.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultRetryPolicy is deliberately conservative: three attempts is enough
// to ride out a connection blip without masking a down database.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Interval: 200 * time.Millisecond}
}

// Retry runs op, retrying on errors classified Retryable by this package, up
// to policy.MaxAttempts, waiting policy.Interval between attempts. Any
// non-retryable error (or the final retryable failure) is returned
// immediately; callers are expected to have wrapped it as a StorageFault
// by the time it reaches them, or to do so themselves if op does not.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	wrapped := func() (T, error) {
		v, err := op(ctx)
		if err != nil && !Retryable(err) {
			// Non-retryable: stop the backoff loop immediately instead of
			// burning through MaxAttempts on an error that will never clear.
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(backoff.NewConstantBackOff(policy.Interval)),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
	)
}
