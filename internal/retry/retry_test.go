package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, func(int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessOnRetry(t *testing.T) {
	var attempts []int
	err := Do(context.Background(), fast, func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return errors.New("gateway timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestDo_Exhausted(t *testing.T) {
	sentinel := errors.New("unavailable")
	calls := 0
	err := Do(context.Background(), fast, func(int) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	sentinel := errors.New("account closed")
	calls := 0
	err := Do(context.Background(), fast, func(int) error {
		calls++
		return Permanent(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, BaseDelay: time.Hour}

	calls := 0
	err := Do(ctx, p, func(int) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
	assert.False(t, IsPermanent(errors.New("x")))
}

func TestJittered_Bounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		got := jittered(100 * time.Millisecond)
		assert.GreaterOrEqual(t, got, 75*time.Millisecond)
		assert.LessOrEqual(t, got, 125*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), jittered(0))
}
