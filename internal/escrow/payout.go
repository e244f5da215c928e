package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/rentescrow/internal/circuitbreaker"
	"github.com/mbd888/rentescrow/internal/metrics"
	"github.com/mbd888/rentescrow/internal/retry"
	"github.com/mbd888/rentescrow/internal/traces"
)

// TransferRequest moves money out of custody to one party.
type TransferRequest struct {
	EntryID        string
	Kind           LegKind
	RecipientID    string
	CaptureRef     string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

// PaymentGateway performs the out-of-band transfers. Transient failures must
// wrap ErrGatewayUnavailable; anything else is treated as permanent.
type PaymentGateway interface {
	Transfer(ctx context.Context, req TransferRequest) (transactionRef string, err error)
	Refund(ctx context.Context, req TransferRequest) (transactionRef string, err error)
}

// Capturer settles a previously authorized payment. The resulting funds
// arrive through the capture_succeeded webhook, never from this call.
type Capturer interface {
	Capture(ctx context.Context, req CaptureFundsRequest) (captureRef string, err error)
}

// CaptureFundsRequest asks the gateway to capture an authorization.
type CaptureFundsRequest struct {
	EntryID          string
	AuthorizationRef string
	Amount           decimal.Decimal
	Currency         string
	IdempotencyKey   string
}

// IdempotencyKey is stable per leg so a re-dispatched leg never pays twice.
// An admin retry bumps retries, giving the gateway a fresh key instead of
// its cached failure for the old one.
func IdempotencyKey(entryID string, kind LegKind, retries int) string {
	key := entryID + ":" + string(kind)
	if retries > 0 {
		key += ":r" + strconv.Itoa(retries)
	}
	return key
}

// PayoutDispatcher drains pending payout and refund legs to the gateway.
type PayoutDispatcher struct {
	service    *Service
	store      Store
	gateway    PaymentGateway
	breaker    *circuitbreaker.Breaker
	policy     retry.Policy
	stallAfter time.Duration
	logger     *slog.Logger
}

// NewPayoutDispatcher creates a dispatcher with the default retry policy.
func NewPayoutDispatcher(service *Service, store Store, gateway PaymentGateway, logger *slog.Logger) *PayoutDispatcher {
	return &PayoutDispatcher{
		service:    service,
		store:      store,
		gateway:    gateway,
		breaker:    circuitbreaker.New(5, 30*time.Second),
		policy:     retry.DefaultPolicy,
		stallAfter: 10 * time.Minute,
		logger:     logger,
	}
}

func (d *PayoutDispatcher) WithRetryPolicy(p retry.Policy) *PayoutDispatcher {
	d.policy = p
	return d
}

func (d *PayoutDispatcher) WithBreaker(b *circuitbreaker.Breaker) *PayoutDispatcher {
	d.breaker = b
	return d
}

// WithStallTimeout sets how long a leg may sit in processing before it is requeued.
func (d *PayoutDispatcher) WithStallTimeout(t time.Duration) *PayoutDispatcher {
	d.stallAfter = t
	return d
}

// Breaker exposes the gateway circuit for health checks.
func (d *PayoutDispatcher) Breaker() *circuitbreaker.Breaker { return d.breaker }

// DispatchPending sends up to limit pending legs and returns how many completed.
func (d *PayoutDispatcher) DispatchPending(ctx context.Context, limit int) (int, error) {
	refs, err := d.store.ListLegs(ctx, LegPending, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending legs: %w", err)
	}
	done := 0
	for _, ref := range refs {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := d.Dispatch(ctx, ref); err == nil {
			done++
		}
	}
	return done, nil
}

// Dispatch claims one leg and transfers it. A leg another worker already
// claimed is skipped with ErrInvalidTransition.
func (d *PayoutDispatcher) Dispatch(ctx context.Context, ref LegRef) (err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Dispatch", traces.EntryID(ref.EntryID))
	defer func() { traces.End(span, err) }()

	e, err := d.service.claimLeg(ctx, ref)
	if err != nil {
		return err
	}
	leg := e.Leg(ref.Kind)

	req := TransferRequest{
		EntryID:        e.ID,
		Kind:           ref.Kind,
		CaptureRef:     e.CaptureRef,
		Amount:         leg.Amount,
		Currency:       e.Currency,
		IdempotencyKey: IdempotencyKey(e.ID, ref.Kind, leg.Retries),
	}
	call := d.gateway.Transfer
	req.RecipientID = e.PayeeID
	if ref.Kind == LegKindRefund {
		call = d.gateway.Refund
		req.RecipientID = e.PayerID
	}

	attempts := 0
	var txRef string
	err = retry.Do(ctx, d.policy, func(attempt int) error {
		attempts = attempt
		callErr := d.breaker.Do(string(ref.Kind), isTransient, func() error {
			var err error
			txRef, err = call(ctx, req)
			return err
		})
		switch {
		case callErr == nil:
			return nil
		case errors.Is(callErr, circuitbreaker.ErrOpen), isTransient(callErr):
			d.logger.Warn("gateway transfer attempt failed",
				"entry_id", e.ID, "kind", ref.Kind, "attempt", attempt, "error", callErr)
			return callErr
		default:
			return retry.Permanent(callErr)
		}
	})

	if err != nil && ctx.Err() != nil {
		// Shutdown mid-flight: the leg stays processing and is requeued once stalled.
		return ctx.Err()
	}

	if err != nil {
		if _, ferr := d.service.applyLegResult(ctx, e.ID, ref.Kind, false, err.Error(), attempts); ferr != nil {
			d.logger.Error("failed to record transfer failure", "entry_id", e.ID, "kind", ref.Kind, "error", ferr)
		}
		d.logger.Error("transfer failed, queued for admin review",
			"entry_id", e.ID,
			"kind", ref.Kind,
			"amount", leg.Amount.String(),
			"attempts", attempts,
			"error", err,
		)
		return err
	}

	if _, err = d.service.applyLegResult(ctx, e.ID, ref.Kind, true, txRef, attempts); err != nil {
		// The gateway moved the money; the idempotency key makes the requeue safe.
		d.logger.Error("transfer succeeded but result not recorded",
			"entry_id", e.ID, "kind", ref.Kind, "transaction_ref", txRef, "error", err)
		return err
	}
	d.logger.Info("transfer completed", "entry_id", e.ID, "kind", ref.Kind, "transaction_ref", txRef, "amount", leg.Amount.String())
	return nil
}

// RequeueStalled returns legs stuck in processing longer than the stall
// timeout to pending.
func (d *PayoutDispatcher) RequeueStalled(ctx context.Context, limit int) (int, error) {
	refs, err := d.store.ListLegs(ctx, LegProcessing, limit)
	if err != nil {
		return 0, fmt.Errorf("list processing legs: %w", err)
	}
	n := 0
	for _, ref := range refs {
		ok, err := d.service.requeueLeg(ctx, ref, d.stallAfter)
		if err != nil {
			d.logger.Warn("failed to requeue stalled leg", "entry_id", ref.EntryID, "kind", ref.Kind, "error", err)
			continue
		}
		if ok {
			metrics.PayoutsTotal.WithLabelValues(string(ref.Kind), "requeued").Inc()
			n++
		}
	}
	return n, nil
}

func isTransient(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}

// claimLeg moves a pending leg to processing.
func (s *Service) claimLeg(ctx context.Context, ref LegRef) (*Entry, error) {
	return s.mutate(ctx, ref.EntryID, func(e *Entry, now time.Time) error {
		l := e.Leg(ref.Kind)
		if l == nil || l.Status != LegPending {
			return fmt.Errorf("%w: %s not pending", ErrInvalidTransition, ref.Kind)
		}
		l.Status = LegProcessing
		l.DispatchedAt = &now
		return nil
	})
}

// requeueLeg moves a processing leg dispatched before now-stallAfter back to pending.
func (s *Service) requeueLeg(ctx context.Context, ref LegRef, stallAfter time.Duration) (bool, error) {
	requeued := false
	_, err := s.mutate(ctx, ref.EntryID, func(e *Entry, now time.Time) error {
		l := e.Leg(ref.Kind)
		if l == nil || l.Status != LegProcessing {
			return errUnchanged
		}
		if l.DispatchedAt != nil && now.Sub(*l.DispatchedAt) < stallAfter {
			return errUnchanged
		}
		l.Status = LegPending
		e.appendTimeline(string(ref.Kind)+"_requeued", SystemActor, "", now)
		requeued = true
		return nil
	})
	return requeued, err
}
