package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct defaults", func(t *testing.T) {
		eb := NewExponentialBackoff(
			100*time.Millisecond,
			5*time.Second,
			2.0,
			3,
		)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxAttempts)
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max attempts", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("zero max attempts retries forever", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 0)

		shouldRetry, _ := eb.ShouldRetry(1000, errors.New("test"))
		assert.True(t, shouldRetry)
	})

	t.Run("NextDelay calculates exponential backoff", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{10, 10 * time.Second}, // capped
		}

		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
		}
	})

	t.Run("NextDelay with jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(1*time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 20; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("non-retryable errors stop immediately", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 0)

		shouldRetry, _ := eb.ShouldRetry(0, RetryableError{Err: errors.New("bad config"), Retryable: false})
		assert.False(t, shouldRetry)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after failures", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, 5*time.Millisecond, 2.0, 5)
		calls := 0

		err := Retry(context.Background(), eb, func(attempt int) error {
			assert.Equal(t, calls, attempt)
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns last error when exhausted", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, 5*time.Millisecond, 2.0, 2)
		calls := 0

		err := Retry(context.Background(), eb, func(int) error {
			calls++
			return errors.New("always")
		})

		assert.EqualError(t, err, "always")
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on context cancellation", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Hour, time.Hour, 2.0, 0)
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- Retry(ctx, eb, func(int) error { return errors.New("down") })
		}()

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("retry did not observe cancellation")
		}
	})

	t.Run("RetryableError unwraps", func(t *testing.T) {
		base := errors.New("base")
		err := RetryableError{Err: base, Retryable: true}
		assert.ErrorIs(t, err, base)
		assert.True(t, err.IsRetryable())
	})
}
