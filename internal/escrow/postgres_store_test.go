//go:build integration

package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rentescrow/internal/logging"
	"github.com/mbd888/rentescrow/internal/pagination"
	"github.com/mbd888/rentescrow/internal/testutil"
)

func newPGHarness(t *testing.T) (*harness, *PostgresStore) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	store := NewPostgresStore(db)
	clock := newTestClock()
	notifier := &recordingNotifier{}
	svc := NewService(store, DefaultPolicy()).
		WithClock(clock.Now).
		WithNotifier(notifier).
		WithLogger(logging.Discard())
	return &harness{svc: svc, clock: clock, notifier: notifier}, store
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	h, store := newPGHarness(t)
	ctx := context.Background()

	e := h.hold(t, "100.00")
	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.RentalID, got.RentalID)
	assert.True(t, got.Amount.Equal(dec("100.00")))
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, timelineKinds(e), timelineKinds(got))

	byRental, err := store.GetByRental(ctx, e.RentalID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, byRental.ID)

	byRef, err := store.GetByGatewayRef(ctx, e.CaptureRef)
	require.NoError(t, err)
	assert.Equal(t, e.ID, byRef.ID)

	dup := e.Clone()
	dup.ID = "esc_ffffffffffffffffffffffff"
	assert.ErrorIs(t, store.Create(ctx, dup), ErrDuplicateEntry)

	_, err = store.Get(ctx, "esc_000000000000000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_UpdateCompareAndSet(t *testing.T) {
	h, store := newPGHarness(t)
	ctx := context.Background()
	e := h.hold(t, "100.00")

	a, _ := store.Get(ctx, e.ID)
	b, _ := store.Get(ctx, e.ID)

	a.Status = StatusDisputed
	require.NoError(t, store.Update(ctx, a, a.Version))
	assert.Equal(t, int64(2), a.Version)

	b.Status = StatusReleased
	assert.ErrorIs(t, store.Update(ctx, b, b.Version), ErrConflict)

	ghost := e.Clone()
	ghost.ID = "esc_000000000000000000000000"
	assert.ErrorIs(t, store.Update(ctx, ghost, 1), ErrNotFound)
}

func TestPostgresStore_ExactlyOnceAcrossProcesses(t *testing.T) {
	h, store := newPGHarness(t)
	ctx := context.Background()
	e := h.hold(t, "100.00")
	h.confirmBoth(t, e.ID)

	// Separate services do not share a lock, so only the version check serialises them.
	const nodes = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < nodes; i++ {
		svc := NewService(store, DefaultPolicy()).WithClock(h.clock.Now).WithLogger(logging.Discard())
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Release(ctx, e.ID, ReleaseRequest{Actor: adminID, Note: "release from another node"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			// Losers either saw the release or ran out of conflict retries.
			if !assert.ErrorIs(t, err, ErrAlreadyReleased) {
				assert.ErrorIs(t, err, ErrConflict)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	final, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countKind(final, "released"))
}

func TestPostgresStore_Queries(t *testing.T) {
	h, store := newPGHarness(t)
	ctx := context.Background()

	held := h.hold(t, "25.00")
	released := h.hold(t, "100.00")
	h.confirmBoth(t, released.ID)
	_, err := h.svc.Release(ctx, released.ID, ReleaseRequest{Actor: adminID, Note: "both parties confirmed"})
	require.NoError(t, err)
	split := h.dispute(t, "100.00")
	_, err = h.svc.ResolveDispute(ctx, split.ID, ResolveRequest{
		AdminID: adminID, Outcome: OutcomeSplit, Resolution: goodResolution,
		RefundAmount: decPtr("40.00"), ReleaseAmount: decPtr("60.00"),
	})
	require.NoError(t, err)

	refs, err := store.ListLegs(ctx, LegPending, 10)
	require.NoError(t, err)
	assert.Len(t, refs, 3)

	total, err := store.SumHeld(ctx, "USD")
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("25.00")), total.String())

	currencies, err := store.ListHeldCurrencies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"USD"}, currencies)

	earnings, err := store.OwnerEarnings(ctx, ownerID)
	require.NoError(t, err)
	require.Len(t, earnings, 1)
	assert.True(t, earnings[0].Amount.Equal(dec("144.00")), earnings[0].Amount.String()) // 90 + 54
	assert.Equal(t, 2, earnings[0].Entries)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusHeld: 1, StatusReleased: 1, StatusRefunded: 1}, counts)

	outcomes, err := store.CountByOutcome(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Outcome]int{OutcomeSplit: 1}, outcomes)

	parties, err := store.ListByParty(ctx, renterID, 10)
	require.NoError(t, err)
	assert.Len(t, parties, 3)
	last := parties[1]
	older, err := store.ListByParty(ctx, renterID, 10,
		WithCursor(&pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}))
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, parties[2].ID, older[0].ID)

	h.clock.Advance(4 * 24 * time.Hour)
	due, err := store.ListDueForRelease(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, held.ID, due[0].ID)

	unsynced, err := store.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, unsynced, 3)
	require.NoError(t, store.MarkRentalSynced(ctx, held.ID, StatusHeld))
	unsynced, err = store.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, unsynced, 2)
}
