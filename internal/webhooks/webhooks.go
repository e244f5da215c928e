// Package webhooks receives payment gateway callbacks and turns them into
// escrow ledger transitions.
//
// Delivery is at-least-once, so every event is claimed by its gateway event
// ID before the ledger is touched. A claim is completed after the ledger
// accepts (or permanently rejects) the event and released when processing
// failed transiently, letting the gateway's redelivery try again.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/rentescrow/internal/escrow"
	"github.com/mbd888/rentescrow/internal/gateway"
	"github.com/mbd888/rentescrow/internal/logging"
	"github.com/mbd888/rentescrow/internal/metrics"
	"github.com/mbd888/rentescrow/internal/traces"
)

// ErrInProgress is returned when another worker holds the claim for an event.
var ErrInProgress = errors.New("webhooks: event is being processed")

// ClaimResult is the outcome of EventStore.Claim.
type ClaimResult int

const (
	ClaimAcquired   ClaimResult = iota // caller owns the event
	ClaimDuplicate                     // already processed
	ClaimInProgress                    // another worker holds a live claim
)

// DefaultClaimTTL is how long a processing claim blocks redelivery before it
// is considered abandoned.
const DefaultClaimTTL = 5 * time.Minute

// DefaultTransferGrace is how long a transfer confirmation that matches no
// payout leg keeps being retried. The dispatcher records the transfer ref
// right after the gateway call, so a later miss is a transfer made elsewhere.
const DefaultTransferGrace = time.Hour

// EventStore records which gateway events have been processed.
type EventStore interface {
	// Claim takes ownership of eventID. A processing claim older than ttl
	// may be taken over.
	Claim(ctx context.Context, eventID, eventType string, now time.Time, ttl time.Duration) (ClaimResult, error)
	// Complete marks a claimed event done; later claims return ClaimDuplicate.
	Complete(ctx context.Context, eventID string, now time.Time) error
	// Release drops a processing claim so the event can be retried.
	Release(ctx context.Context, eventID string) error
	// PruneCompleted forgets done events completed before the cutoff.
	PruneCompleted(ctx context.Context, before time.Time) (int64, error)
}

// Ledger is the slice of the escrow service the adapter drives.
type Ledger interface {
	CreateHeld(ctx context.Context, req escrow.CaptureRequest) (*escrow.Entry, error)
	MarkCaptureFailed(ctx context.Context, rentalID, reason string) (*escrow.Entry, error)
	ApplyTransferSucceeded(ctx context.Context, transferRef string) (*escrow.Entry, error)
	GetByRental(ctx context.Context, rentalID string) (*escrow.Entry, error)
}

// Outcome describes what happened to a delivered event.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	// OutcomeRejected means the ledger refused the event for good. The claim
	// is completed so the gateway stops redelivering; the event is logged for
	// an administrator.
	OutcomeRejected Outcome = "rejected"
)

// Adapter deduplicates gateway events and applies them to the ledger.
type Adapter struct {
	ledger   Ledger
	events   EventStore
	claimTTL time.Duration
	grace    time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewAdapter creates an adapter.
func NewAdapter(ledger Ledger, events EventStore, logger *slog.Logger) *Adapter {
	return &Adapter{
		ledger:   ledger,
		events:   events,
		claimTTL: DefaultClaimTTL,
		grace:    DefaultTransferGrace,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClaimTTL overrides DefaultClaimTTL.
func (a *Adapter) WithClaimTTL(ttl time.Duration) *Adapter {
	if ttl > 0 {
		a.claimTTL = ttl
	}
	return a
}

// WithTransferGrace overrides DefaultTransferGrace.
func (a *Adapter) WithTransferGrace(d time.Duration) *Adapter {
	if d > 0 {
		a.grace = d
	}
	return a
}

// WithClock overrides time.Now (tests).
func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	a.now = now
	return a
}

// Handle processes one verified event. A returned error means the event was
// not applied and should be redelivered.
func (a *Adapter) Handle(ctx context.Context, ev *gateway.Event) (outcome Outcome, err error) {
	ctx, span := traces.StartSpan(ctx, "webhooks.Handle", traces.EventType(string(ev.Type)))
	defer func() {
		traces.End(span, err)
		label := string(outcome)
		if err != nil {
			label = "error"
		}
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), label).Inc()
	}()

	log := a.log(ctx).With("event_id", ev.ID, "event_type", ev.Type)

	claim, err := a.events.Claim(ctx, ev.ID, string(ev.Type), a.now(), a.claimTTL)
	if err != nil {
		return "", fmt.Errorf("claim event: %w", err)
	}
	switch claim {
	case ClaimDuplicate:
		log.Debug("duplicate gateway event")
		return OutcomeDuplicate, nil
	case ClaimInProgress:
		return "", ErrInProgress
	}

	outcome, err = a.apply(ctx, ev, log)
	if err != nil {
		if rerr := a.events.Release(ctx, ev.ID); rerr != nil {
			log.Error("failed to release event claim", "error", rerr)
		}
		log.Warn("gateway event not applied, awaiting redelivery", "error", err)
		return "", err
	}

	if cerr := a.events.Complete(ctx, ev.ID, a.now()); cerr != nil {
		// The ledger already changed; a redelivery is absorbed by its own idempotency.
		log.Error("failed to complete event claim", "error", cerr)
	}
	return outcome, nil
}

func (a *Adapter) apply(ctx context.Context, ev *gateway.Event, log *slog.Logger) (Outcome, error) {
	switch ev.Type {
	case gateway.EventCaptureSucceeded:
		return a.captureSucceeded(ctx, ev, log)

	case gateway.EventCaptureFailed:
		e, err := a.ledger.MarkCaptureFailed(ctx, ev.RentalID, ev.FailureReason)
		switch {
		case errors.Is(err, escrow.ErrNotFound):
			log.Info("capture failed for rental with no escrow entry", "rental_id", ev.RentalID)
			return OutcomeIgnored, nil
		case err != nil:
			return a.rejectOrRetry(err, ev, log)
		}
		log.Info("capture failure applied", "entry_id", e.ID, "rental_id", ev.RentalID)
		return OutcomeProcessed, nil

	case gateway.EventTransferSucceeded:
		// ErrNotFound is retried: the dispatcher may not have stored the
		// reference yet when the gateway's callback overtakes it.
		e, err := a.ledger.ApplyTransferSucceeded(ctx, ev.Reference)
		if errors.Is(err, escrow.ErrNotFound) && !ev.OccurredAt.IsZero() && a.now().Sub(ev.OccurredAt) > a.grace {
			log.Warn("transfer matches no payout or refund leg, ignoring", "transfer_ref", ev.Reference)
			return OutcomeIgnored, nil
		}
		if err != nil {
			return a.rejectOrRetry(err, ev, log)
		}
		log.Info("transfer confirmation applied", "entry_id", e.ID, "transfer_ref", ev.Reference)
		return OutcomeProcessed, nil
	}

	log.Debug("ignoring gateway event", "provider_type", ev.ProviderType)
	return OutcomeIgnored, nil
}

func (a *Adapter) captureSucceeded(ctx context.Context, ev *gateway.Event, log *slog.Logger) (Outcome, error) {
	e, err := a.ledger.CreateHeld(ctx, escrow.CaptureRequest{
		RentalID:      ev.RentalID,
		PayerID:       ev.PayerID,
		PayeeID:       ev.PayeeID,
		Amount:        ev.Amount,
		Currency:      ev.Currency,
		FeePercentage: ev.FeePercentage,
		CaptureRef:    ev.Reference,
	})
	if errors.Is(err, escrow.ErrDuplicateEntry) {
		// Same capture redelivered under a new event ID.
		if existing, gerr := a.ledger.GetByRental(ctx, ev.RentalID); gerr == nil && existing.CaptureRef == ev.Reference {
			log.Info("capture already recorded", "entry_id", existing.ID, "rental_id", ev.RentalID)
			return OutcomeDuplicate, nil
		}
	}
	if err != nil {
		return a.rejectOrRetry(err, ev, log)
	}
	log.Info("capture recorded, funds held", "entry_id", e.ID, "rental_id", ev.RentalID, "amount", e.Amount.String())
	return OutcomeProcessed, nil
}

// rejectOrRetry turns permanent ledger refusals into OutcomeRejected and
// returns everything else for redelivery.
func (a *Adapter) rejectOrRetry(err error, ev *gateway.Event, log *slog.Logger) (Outcome, error) {
	if isPermanent(err) {
		log.Error("gateway event rejected by ledger, needs admin review",
			"rental_id", ev.RentalID,
			"reference", ev.Reference,
			"amount", ev.Amount.String(),
			"error", err,
		)
		return OutcomeRejected, nil
	}
	return "", err
}

func isPermanent(err error) bool {
	for _, target := range []error{
		escrow.ErrInvalidTransition,
		escrow.ErrDuplicateEntry,
		escrow.ErrInsufficientDetail,
		escrow.ErrInvalidAmount,
		escrow.ErrUnauthorized,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (a *Adapter) log(ctx context.Context) *slog.Logger {
	l := a.logger
	if id := logging.RequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	return l
}
