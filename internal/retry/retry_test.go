package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/whale-tracker/internal/errors"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		Retryable:    apperrors.IsRetryable,
	}
}

func TestWithExponentialBackoff(t *testing.T) {
	tests := []struct {
		name         string
		failures     int
		failWith     error
		maxAttempts  int
		wantSuccess  bool
		wantAttempts int
	}{
		{"first try", 0, nil, 3, true, 1},
		{"succeeds on third", 2, apperrors.NewTimeoutError("sink"), 3, true, 3},
		{"exhausts attempts", 5, apperrors.NewSinkError("webhook", 502, nil), 3, false, 3},
		{"stops on malformed", 5, apperrors.NewMalformedError("payload", "bad"), 3, false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			result := WithExponentialBackoff(context.Background(), fastConfig(tt.maxAttempts), func(ctx context.Context, attempt int) error {
				calls++
				assert.Equal(t, calls, attempt)
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})

			assert.Equal(t, tt.wantSuccess, result.Success)
			assert.Equal(t, tt.wantAttempts, result.Attempts)
			assert.Equal(t, tt.wantAttempts, calls)
			if !tt.wantSuccess {
				assert.Error(t, result.Err())
			}
		})
	}
}

func TestWithExponentialBackoffCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		return stderrors.New("down")
	})

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.LastError, context.Canceled)
	assert.Equal(t, 1, result.Attempts)
}

func TestCalculateDelay(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: time.Second, MaxDelay: 60 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, calculateDelay(cfg, 1))
	assert.Equal(t, 2*time.Second, calculateDelay(cfg, 2))
	assert.Equal(t, 16*time.Second, calculateDelay(cfg, 5))
	assert.Equal(t, 60*time.Second, calculateDelay(cfg, 10))
}

func TestBackoffFullJitterStaysUnderCeiling(t *testing.T) {
	b := NewBackoff(time.Second, 60*time.Second)
	var ceilings []int64
	b.jitter = func(n int64) int64 {
		ceilings = append(ceilings, n-1)
		return n - 1
	}

	for i := 0; i < 10; i++ {
		d := b.Next()
		assert.LessOrEqual(t, d, 60*time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}

	require.Len(t, ceilings, 10)
	assert.Equal(t, int64(time.Second), ceilings[0])
	assert.Equal(t, int64(2*time.Second), ceilings[1])
	assert.Equal(t, int64(60*time.Second), ceilings[9])
	assert.Equal(t, 10, b.Attempt())

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	b.Next()
	assert.Equal(t, int64(time.Second), ceilings[10])
}

func TestBackoffRandomJitterBounds(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 80*time.Millisecond)
	for i := 0; i < 50; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 80*time.Millisecond)
	}
}

func TestBackoffWaitHonoursContext(t *testing.T) {
	b := NewBackoff(time.Hour, time.Hour)
	b.jitter = func(n int64) int64 { return n - 1 }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, b.Wait(ctx), context.Canceled)
}
