package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rentescrow/internal/logging"
)

type fakeSyncer struct {
	mu     sync.Mutex
	synced map[string]Status
	fail   bool
}

func (f *fakeSyncer) SyncStatus(_ context.Context, rentalID string, status Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("rental module unavailable")
	}
	if f.synced == nil {
		f.synced = map[string]Status{}
	}
	f.synced[rentalID] = status
	return nil
}

func TestTimer_SweepAutoReleasesWithoutConfirmations(t *testing.T) {
	h := newHarness(t)
	gw := &fakeGateway{}
	timer := NewTimer(h.svc, h.store, newDispatcher(h, gw), logging.Discard())

	due := h.hold(t, "100.00")
	h.clock.Advance(time.Hour)
	notDue := h.hold(t, "50.00")
	disputed := h.dispute(t, "70.00")

	h.clock.Advance(3*24*time.Hour - 30*time.Minute)
	timer.Sweep(context.Background())

	got, err := h.svc.Get(context.Background(), due.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.Equal(t, LegCompleted, got.Payout.Status, "sweep dispatches the payout it queued")

	got, _ = h.svc.Get(context.Background(), notDue.ID)
	assert.Equal(t, StatusHeld, got.Status)

	got, _ = h.svc.Get(context.Background(), disputed.ID)
	assert.Equal(t, StatusDisputed, got.Status)

	assert.Equal(t, 1, gw.callCount())
}

func TestTimer_ReconcilesRentalStatus(t *testing.T) {
	h := newHarness(t)
	syncer := &fakeSyncer{fail: true}
	timer := NewTimer(h.svc, h.store, nil, logging.Discard()).WithRentalSyncer(syncer)
	e := h.hold(t, "100.00")

	timer.Sweep(context.Background())
	unsynced, err := h.store.ListUnsynced(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, unsynced, 1, "failed pushes are retried next sweep")

	syncer.fail = false
	timer.Sweep(context.Background())
	assert.Equal(t, StatusHeld, syncer.synced[e.RentalID])
	unsynced, err = h.store.ListUnsynced(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	h.confirmBoth(t, e.ID)
	_, err = h.svc.Release(context.Background(), e.ID, ReleaseRequest{Actor: adminID, Note: "both parties confirmed"})
	require.NoError(t, err)
	timer.Sweep(context.Background())
	assert.Equal(t, StatusReleased, syncer.synced[e.RentalID])
}

// panickyStore blows up on the first list call.
type panickyStore struct {
	*MemoryStore
}

func (panickyStore) ListDueForRelease(context.Context, time.Time, int) ([]*Entry, error) {
	panic("boom")
}

func TestTimer_RecoversFromPanic(t *testing.T) {
	h := newHarness(t)
	timer := NewTimer(h.svc, panickyStore{h.store}, nil, logging.Discard())
	assert.NotPanics(t, func() { timer.Sweep(context.Background()) })
}

func TestTimer_StartStop(t *testing.T) {
	h := newHarness(t)
	timer := NewTimer(h.svc, h.store, nil, logging.Discard()).WithInterval(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	require.Eventually(t, timer.Running, time.Second, time.Millisecond)
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
