package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rentescrow/internal/idgen"
	"github.com/mbd888/rentescrow/internal/logging"
)

const (
	renterID = "usr_renter"
	ownerID  = "usr_owner"
	adminID  = "usr_admin"

	goodNote       = "returned the drill in good shape"
	goodResolution = "photos show damage to the casing, partial refund"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: epoch} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingNotifier captures published events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	svc      *Service
	store    *MemoryStore
	clock    *testClock
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := NewMemoryStore()
	clock := newTestClock()
	notifier := &recordingNotifier{}
	svc := NewService(store, DefaultPolicy()).
		WithClock(clock.Now).
		WithNotifier(notifier).
		WithLogger(logging.Discard())
	return &harness{svc: svc, store: store, clock: clock, notifier: notifier}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func captureReq(amount string) CaptureRequest {
	return CaptureRequest{
		RentalID:   "rnt_" + idgen.New(),
		PayerID:    renterID,
		PayeeID:    ownerID,
		Amount:     dec(amount),
		Currency:   "USD",
		CaptureRef: "ch_" + idgen.New()[:8],
	}
}

// hold creates a held entry for amount.
func (h *harness) hold(t *testing.T, amount string) *Entry {
	t.Helper()
	e, err := h.svc.CreateHeld(context.Background(), captureReq(amount))
	require.NoError(t, err)
	return e
}

func (h *harness) confirmBoth(t *testing.T, id string) *Entry {
	t.Helper()
	ctx := context.Background()
	_, err := h.svc.ConfirmByParty(ctx, id, renterID, PartyRenter, goodNote)
	require.NoError(t, err)
	e, err := h.svc.ConfirmByParty(ctx, id, ownerID, PartyOwner, goodNote)
	require.NoError(t, err)
	return e
}

func (h *harness) dispute(t *testing.T, amount string) *Entry {
	t.Helper()
	e := h.hold(t, amount)
	e, err := h.svc.OpenDispute(context.Background(), e.ID, renterID, "the drill arrived with a cracked casing")
	require.NoError(t, err)
	return e
}

func timelineKinds(e *Entry) []string {
	out := make([]string, len(e.Timeline))
	for i, ev := range e.Timeline {
		out[i] = ev.Kind
	}
	return out
}

func countKind(e *Entry, kind string) int {
	n := 0
	for _, ev := range e.Timeline {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
