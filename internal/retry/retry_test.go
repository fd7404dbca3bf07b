package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastConfig keeps tests quick.
var fastConfig = Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig, func(attempt int) (bool, error) {
		calls++
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig, func(attempt int) (bool, error) {
		calls++
		assert.Equal(t, calls-1, attempt)
		if calls < 3 {
			return true, errors.New("qty held")
		}
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnUnretryableError(t *testing.T) {
	calls := 0
	fatal := errors.New("order rejected")
	err := Do(context.Background(), fastConfig, func(attempt int) (bool, error) {
		calls++
		return false, fatal
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig, func(attempt int) (bool, error) {
		calls++
		return true, errors.New("still held")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls, "one initial attempt plus three retries")
	assert.Contains(t, err.Error(), "giving up after 4 attempts")
}

func TestDo_HonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Config{MaxRetries: 5, InitialBackoff: time.Hour}, func(attempt int) (bool, error) {
		calls++
		cancel()
		return true, errors.New("transient")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "cancellation during backoff must stop the loop")
}
