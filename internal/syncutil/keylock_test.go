package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_MutualExclusion(t *testing.T) {
	l := NewKeyLock()
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "esc_1")
			require.NoError(t, err)
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
	assert.Equal(t, 0, l.Len(), "idle keys are dropped")
}

func TestKeyLock_ContextCancelled(t *testing.T) {
	l := NewKeyLock()
	unlock, err := l.Lock(context.Background(), "esc_1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "esc_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, l.Len())
}

func TestKeyLock_DistinctKeysIndependent(t *testing.T) {
	l := NewKeyLock()
	unlockA, err := l.Lock(context.Background(), "esc_a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	unlockB, err := l.Lock(ctx, "esc_b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyLock_UnlockIdempotent(t *testing.T) {
	l := NewKeyLock()
	unlock, err := l.Lock(context.Background(), "esc_1")
	require.NoError(t, err)
	unlock()
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	again, err := l.Lock(ctx, "esc_1")
	require.NoError(t, err)
	again()
}

func TestKeyLock_WaiterProceedsAfterUnlock(t *testing.T) {
	l := NewKeyLock()
	unlock, err := l.Lock(context.Background(), "esc_1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(context.Background(), "esc_1")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired lock while held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired lock")
	}
}
