package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rentescrow/internal/pagination"
)

func newStoredEntry(id, rental string, status Status, created time.Time) *Entry {
	return &Entry{
		ID:        id,
		RentalID:  rental,
		PayerID:   renterID,
		PayeeID:   ownerID,
		Amount:    dec("100.00"),
		Currency:  "USD",
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	e := newStoredEntry("esc_a", "rnt_a", StatusHeld, epoch)
	require.NoError(t, s.Create(ctx, e))
	assert.Equal(t, int64(1), e.Version)

	got, err := s.Get(ctx, "esc_a")
	require.NoError(t, err)
	assert.Equal(t, "rnt_a", got.RentalID)

	byRental, err := s.GetByRental(ctx, "rnt_a")
	require.NoError(t, err)
	assert.Equal(t, "esc_a", byRental.ID)

	err = s.Create(ctx, newStoredEntry("esc_b", "rnt_a", StatusHeld, epoch))
	assert.ErrorIs(t, err, ErrDuplicateEntry)

	_, err = s.Get(ctx, "esc_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newStoredEntry("esc_a", "rnt_a", StatusHeld, epoch)))

	got, err := s.Get(ctx, "esc_a")
	require.NoError(t, err)
	got.Status = StatusReleased
	got.Timeline = append(got.Timeline, TimelineEvent{Kind: "tampered"})

	again, err := s.Get(ctx, "esc_a")
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, again.Status)
	assert.Empty(t, again.Timeline)
}

func TestMemoryStore_UpdateCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newStoredEntry("esc_a", "rnt_a", StatusHeld, epoch)))

	a, _ := s.Get(ctx, "esc_a")
	b, _ := s.Get(ctx, "esc_a")

	a.Status = StatusReleased
	require.NoError(t, s.Update(ctx, a, 1))
	assert.Equal(t, int64(2), a.Version)

	b.Status = StatusDisputed
	assert.ErrorIs(t, s.Update(ctx, b, 1), ErrConflict)

	got, _ := s.Get(ctx, "esc_a")
	assert.Equal(t, StatusReleased, got.Status)

	missing := newStoredEntry("esc_x", "rnt_x", StatusHeld, epoch)
	assert.ErrorIs(t, s.Update(ctx, missing, 1), ErrNotFound)
}

func TestMemoryStore_ListDueForRelease(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	past := epoch.Add(-time.Hour)
	future := epoch.Add(time.Hour)

	due := newStoredEntry("esc_due", "r1", StatusHeld, epoch)
	due.AutoRelease = AutoRelease{Enabled: true, ScheduledAt: &past}
	notYet := newStoredEntry("esc_later", "r2", StatusHeld, epoch)
	notYet.AutoRelease = AutoRelease{Enabled: true, ScheduledAt: &future}
	disabled := newStoredEntry("esc_off", "r3", StatusHeld, epoch)
	disabled.AutoRelease = AutoRelease{Enabled: false, ScheduledAt: &past}
	disputed := newStoredEntry("esc_disp", "r4", StatusDisputed, epoch)
	disputed.AutoRelease = AutoRelease{Enabled: true, ScheduledAt: &past}
	disputed.Dispute = &Dispute{Open: true}
	released := newStoredEntry("esc_done", "r5", StatusReleased, epoch)
	released.AutoRelease = AutoRelease{Enabled: true, ScheduledAt: &past}

	for _, e := range []*Entry{due, notYet, disabled, disputed, released} {
		require.NoError(t, s.Create(ctx, e))
	}

	got, err := s.ListDueForRelease(ctx, epoch, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "esc_due", got[0].ID)
}

func TestMemoryStore_ListLegs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	split := newStoredEntry("esc_split", "r1", StatusRefunded, epoch)
	split.Payout = &Payout{Leg: Leg{Amount: dec("54"), Status: LegPending}}
	split.Refund = &Refund{Leg: Leg{Amount: dec("40"), Status: LegPending}}
	paid := newStoredEntry("esc_paid", "r2", StatusReleased, epoch.Add(time.Minute))
	paid.Payout = &Payout{Leg: Leg{Amount: dec("90"), Status: LegCompleted}}
	require.NoError(t, s.Create(ctx, split))
	require.NoError(t, s.Create(ctx, paid))

	refs, err := s.ListLegs(ctx, LegPending, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []LegRef{
		{EntryID: "esc_split", Kind: LegKindPayout},
		{EntryID: "esc_split", Kind: LegKindRefund},
	}, refs)

	refs, err = s.ListLegs(ctx, LegPending, 1)
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestMemoryStore_RentalSync(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	e := newStoredEntry("esc_a", "rnt_a", StatusHeld, epoch)
	require.NoError(t, s.Create(ctx, e))

	unsynced, err := s.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)

	require.NoError(t, s.MarkRentalSynced(ctx, "esc_a", StatusHeld))
	unsynced, err = s.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	// A later status change makes it unsynced again, and Update keeps the marker.
	got, _ := s.Get(ctx, "esc_a")
	got.Status = StatusReleased
	got.RentalSyncedStatus = ""
	require.NoError(t, s.Update(ctx, got, got.Version))
	assert.Equal(t, StatusHeld, got.RentalSyncedStatus)

	unsynced, err = s.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, unsynced, 1)

	assert.ErrorIs(t, s.MarkRentalSynced(ctx, "esc_missing", StatusHeld), ErrNotFound)
}

func TestMemoryStore_GetByGatewayRef(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	e := newStoredEntry("esc_a", "rnt_a", StatusReleased, epoch)
	e.CaptureRef = "ch_1"
	e.Payout = &Payout{Leg: Leg{TransactionRef: "tr_1"}}
	require.NoError(t, s.Create(ctx, e))

	for _, ref := range []string{"ch_1", "tr_1"} {
		got, err := s.GetByGatewayRef(ctx, ref)
		require.NoError(t, err, ref)
		assert.Equal(t, "esc_a", got.ID)
	}
	_, err := s.GetByGatewayRef(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetByGatewayRef(ctx, "tr_other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListByPartyCursor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	// Two entries share a timestamp; id breaks the tie.
	require.NoError(t, s.Create(ctx, newStoredEntry("esc_a", "rnt_a", StatusHeld, epoch)))
	require.NoError(t, s.Create(ctx, newStoredEntry("esc_b", "rnt_b", StatusHeld, epoch)))
	require.NoError(t, s.Create(ctx, newStoredEntry("esc_c", "rnt_c", StatusHeld, epoch.Add(time.Hour))))

	first, err := s.ListByParty(ctx, renterID, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "esc_c", first[0].ID)
	assert.Equal(t, "esc_b", first[1].ID)

	rest, err := s.ListByParty(ctx, renterID, 2, WithCursor(&pagination.Cursor{CreatedAt: epoch, ID: "esc_b"}))
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "esc_a", rest[0].ID)
}
