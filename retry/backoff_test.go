package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

func fastPolicy(attempts int) *Policy {
	return &Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	r := New(fastPolicy(3), nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	r := New(fastPolicy(3), nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return types.NewError(types.ErrBackendUnavailable, "connection refused").WithRetryable(true)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	r := New(fastPolicy(5), nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return types.NewError(types.ErrStaleWrite, "version behind")
	})
	require.Error(t, err)
	assert.True(t, types.IsStaleWrite(err))
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	r := New(fastPolicy(3), nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return types.NewError(types.ErrTimeout, "deadline exceeded").WithRetryable(true)
	})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTimeout))
	assert.Equal(t, 3, calls)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	r := New(&Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, func() error {
			calls++
			return types.NewError(types.ErrBackendUnavailable, "down").WithRetryable(true)
		})
	}()
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrCancelled))
		assert.Equal(t, 1, calls)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("retry loop did not observe cancellation")
	}
}

func TestDoWithResult(t *testing.T) {
	r := New(fastPolicy(3), nil)

	calls := 0
	got, err := DoWithResult(context.Background(), r, func() (string, error) {
		calls++
		if calls == 1 {
			return "", types.NewError(types.ErrBackendUnavailable, "down").WithRetryable(true)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, calls)
}

func TestDelayGrowsAndCaps(t *testing.T) {
	r := New(&Policy{
		MaxAttempts: 10,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    40 * time.Millisecond,
		Multiplier:  2.0,
	}, nil)

	assert.Equal(t, 10*time.Millisecond, r.delayFor(2))
	assert.Equal(t, 20*time.Millisecond, r.delayFor(3))
	assert.Equal(t, 40*time.Millisecond, r.delayFor(4))
	assert.Equal(t, 40*time.Millisecond, r.delayFor(9))
}

func TestOnRetryCallback(t *testing.T) {
	policy := fastPolicy(3)
	var attempts []int
	policy.OnRetry = func(attempt int, _ error, _ time.Duration) {
		attempts = append(attempts, attempt)
	}
	r := New(policy, nil)

	_ = r.Do(context.Background(), func() error {
		return types.NewError(types.ErrBackendUnavailable, "down").WithRetryable(true)
	})
	assert.Equal(t, []int{2, 3}, attempts)
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.EngineConfig{
		RetryMaxAttempts: 7,
		RetryBaseDelay:   50 * time.Millisecond,
		RetryMaxDelay:    2 * time.Second,
	})
	assert.Equal(t, 7, p.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 2*time.Second, p.MaxDelay)

	defaults := PolicyFromConfig(config.EngineConfig{})
	assert.Equal(t, 3, defaults.MaxAttempts)
}
