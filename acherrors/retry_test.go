package acherrors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	policy := RetryPolicy{MaxAttempts: 5, Interval: time.Millisecond}

	got, err := Retry(context.Background(), policy, func(context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, New(KindTransientStorageError, "test", errors.New("deadlock"))
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, attempts)
}

func TestRetry_StopsImmediatelyOnNonTransientError(t *testing.T) {
	attempts := 0
	policy := RetryPolicy{MaxAttempts: 5, Interval: time.Millisecond}

	_, err := Retry(context.Background(), policy, func(context.Context) (int, error) {
		attempts++
		return 0, New(KindValidationError, "test", errors.New("bad input"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, Is(err, KindValidationError))
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	policy := RetryPolicy{MaxAttempts: 3, Interval: time.Millisecond}

	_, err := Retry(context.Background(), policy, func(context.Context) (int, error) {
		attempts++
		return 0, New(KindTransientStorageError, "test", errors.New("still down"))
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}
