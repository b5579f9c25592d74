package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/wsharness/src/clock"
)

var errTransient = errors.New("transient error")
var errPermanent = errors.New("permanent error")

func isTransient(err error) bool {
	return errors.Is(err, errTransient)
}

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), fastConfig(3), isTransient, nil, func(int) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesOnTransientError(t *testing.T) {
	var attempts []int
	result, err := Do(context.Background(), fastConfig(3), isTransient, nil, func(attempt int) (int, error) {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return 0, errTransient
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, result)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestDo_FailsImmediatelyOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastConfig(3), isTransient, nil, func(int) (int, error) {
		calls++
		return 0, errPermanent
	})
	assert.ErrorIs(t, err, errPermanent)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsBudget(t *testing.T) {
	calls := 0
	err := DoVoid(context.Background(), fastConfig(2), Always, nil, func(int) error {
		calls++
		return errTransient
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestDo_BackoffGrowsAndCaps(t *testing.T) {
	var waits []time.Duration
	cfg := Config{
		MaxRetries:     4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     3 * time.Millisecond,
		BackoffFactor:  2.0,
	}
	_ = DoVoid(context.Background(), cfg, Always, func(_ int, _ error, backoff time.Duration) {
		waits = append(waits, backoff)
	}, func(int) error { return errTransient })

	assert.Equal(t, []time.Duration{
		time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond, 3 * time.Millisecond,
	}, waits)
}

func TestDo_UsesInjectedClock(t *testing.T) {
	fake := clock.NewFake(time.Time{})
	cfg := Config{
		MaxRetries:     1,
		InitialBackoff: time.Hour,
		MaxBackoff:     time.Hour,
		Clock:          fake,
	}

	done := make(chan error, 1)
	calls := 0
	go func() {
		done <- DoVoid(context.Background(), cfg, Always, nil, func(attempt int) error {
			calls++
			if attempt == 1 {
				return errTransient
			}
			return nil
		})
	}()

	require.True(t, fake.BlockUntil(1, time.Second))
	fake.Advance(time.Hour)

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	case <-time.After(time.Second):
		t.Fatal("retry did not resume after the clock advanced")
	}
}

func TestDo_BackoffFirstWaitsBeforeFirstAttempt(t *testing.T) {
	fake := clock.NewFake(time.Time{})
	cfg := Config{InitialBackoff: time.Minute, BackoffFirst: true, Clock: fake}

	done := make(chan error, 1)
	go func() {
		done <- DoVoid(context.Background(), cfg, Always, nil, func(int) error { return nil })
	}()

	require.True(t, fake.BlockUntil(1, time.Second))
	select {
	case <-done:
		t.Fatal("first attempt ran before the initial backoff")
	default:
	}
	fake.Advance(time.Minute)
	require.NoError(t, <-done)
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 5, InitialBackoff: time.Hour}

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := DoVoid(ctx, cfg, Always, nil, func(int) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
