package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RentalSyncer pushes an entry's status back to the rental module.
type RentalSyncer interface {
	SyncStatus(ctx context.Context, rentalID string, status Status) error
}

// Timer runs the periodic settlement sweep: auto-release, payout dispatch,
// stalled-leg recovery and rental reconciliation.
type Timer struct {
	service    *Service
	store      Store
	dispatcher *PayoutDispatcher
	syncer     RentalSyncer
	interval   time.Duration
	batchSize  int
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates a new settlement timer. dispatcher may be nil, in which
// case legs are left for another process to drain.
func NewTimer(service *Service, store Store, dispatcher *PayoutDispatcher, logger *slog.Logger) *Timer {
	return &Timer{
		service:    service,
		store:      store,
		dispatcher: dispatcher,
		interval:   time.Minute,
		batchSize:  100,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// WithInterval sets the sweep period.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// WithRentalSyncer enables rental-module reconciliation.
func (t *Timer) WithRentalSyncer(s RentalSyncer) *Timer {
	t.syncer = s
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// Sweep runs one pass synchronously.
func (t *Timer) Sweep(ctx context.Context) {
	t.safeSweep(ctx)
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()

	t.releaseExpired(ctx)
	if t.dispatcher != nil {
		if n, err := t.dispatcher.RequeueStalled(ctx, t.batchSize); err != nil {
			t.logger.Warn("failed to requeue stalled legs", "error", err)
		} else if n > 0 {
			t.logger.Info("requeued stalled legs", "count", n)
		}
		if _, err := t.dispatcher.DispatchPending(ctx, t.batchSize); err != nil {
			t.logger.Warn("failed to dispatch pending legs", "error", err)
		}
	}
	if t.syncer != nil {
		t.reconcileRentals(ctx)
	}
}

func (t *Timer) releaseExpired(ctx context.Context) {
	due, err := t.store.ListDueForRelease(ctx, t.service.now(), t.batchSize)
	if err != nil {
		t.logger.Warn("failed to list entries due for release", "error", err)
		return
	}

	for _, e := range due {
		released, err := t.service.AutoRelease(ctx, e.ID)
		if err != nil {
			// Lost a race with a manual release or a dispute; nothing to do.
			if errors.Is(err, ErrInvalidTransition) {
				t.logger.Debug("skipped auto-release", "entry_id", e.ID, "reason", err)
				continue
			}
			t.logger.Warn("failed to auto-release escrow", "entry_id", e.ID, "error", err)
			continue
		}
		t.logger.Info("auto-released escrow",
			"entry_id", released.ID,
			"rental_id", released.RentalID,
			"payee_id", released.PayeeID,
			"amount", released.Amount.String(),
		)
	}
}

// reconcileRentals pushes statuses the rental module has not acknowledged yet.
func (t *Timer) reconcileRentals(ctx context.Context) {
	entries, err := t.store.ListUnsynced(ctx, t.batchSize)
	if err != nil {
		t.logger.Warn("failed to list unsynced entries", "error", err)
		return
	}
	for _, e := range entries {
		if err := t.syncer.SyncStatus(ctx, e.RentalID, e.Status); err != nil {
			t.logger.Warn("rental status sync failed",
				"entry_id", e.ID, "rental_id", e.RentalID, "status", e.Status, "error", err)
			continue
		}
		if err := t.store.MarkRentalSynced(ctx, e.ID, e.Status); err != nil {
			t.logger.Warn("failed to record rental sync", "entry_id", e.ID, "error", err)
		}
	}
}
