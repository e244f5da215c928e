package webhooks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rentescrow/internal/logging"
)

func eventStores(t *testing.T) map[string]EventStore {
	t.Helper()
	bolt, err := OpenBoltEventStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })
	return map[string]EventStore{
		"memory": NewMemoryEventStore(),
		"bolt":   bolt,
	}
}

func TestEventStores_ClaimLifecycle(t *testing.T) {
	for name, store := range eventStores(t) {
		t.Run(name, func(t *testing.T) {
			runClaimLifecycle(t, store)
		})
	}
}

func runClaimLifecycle(t *testing.T, store EventStore) {
	ctx := context.Background()
	ttl := time.Minute

	got, err := store.Claim(ctx, "evt_1", "capture_succeeded", testNow, ttl)
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, got)

	got, err = store.Claim(ctx, "evt_1", "capture_succeeded", testNow.Add(time.Second), ttl)
	require.NoError(t, err)
	assert.Equal(t, ClaimInProgress, got)

	got, err = store.Claim(ctx, "evt_1", "capture_succeeded", testNow.Add(2*ttl), ttl)
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, got, "stale claim is taken over")

	require.NoError(t, store.Complete(ctx, "evt_1", testNow))
	got, err = store.Claim(ctx, "evt_1", "capture_succeeded", testNow.Add(time.Hour), ttl)
	require.NoError(t, err)
	assert.Equal(t, ClaimDuplicate, got)

	// Release never undoes a completed event.
	require.NoError(t, store.Release(ctx, "evt_1"))
	got, err = store.Claim(ctx, "evt_1", "capture_succeeded", testNow, ttl)
	require.NoError(t, err)
	assert.Equal(t, ClaimDuplicate, got)

	got, err = store.Claim(ctx, "evt_2", "transfer_succeeded", testNow, ttl)
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, got)
	require.NoError(t, store.Release(ctx, "evt_2"))
	got, err = store.Claim(ctx, "evt_2", "transfer_succeeded", testNow, ttl)
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, got, "released event can be claimed again")

	n, err := store.PruneCompleted(ctx, testNow.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	got, err = store.Claim(ctx, "evt_1", "capture_succeeded", testNow, ttl)
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, got)
}

func TestBoltEventStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	store, err := OpenBoltEventStore(path)
	require.NoError(t, err)
	_, err = store.Claim(ctx, "evt_1", "capture_succeeded", testNow, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "evt_1", testNow))
	require.NoError(t, store.Close())

	store, err = OpenBoltEventStore(path)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Claim(ctx, "evt_1", "capture_succeeded", testNow, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ClaimDuplicate, got)
}

func TestPruner(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()
	require.NoError(t, store.Complete(ctx, "evt_old", testNow.Add(-40*24*time.Hour)))
	require.NoError(t, store.Complete(ctx, "evt_new", testNow))

	p := NewPruner(store, logging.Discard())
	p.now = func() time.Time { return testNow }
	assert.Equal(t, int64(1), p.Prune(ctx))
	assert.Equal(t, 1, store.Len())
}
