package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/rentescrow/internal/fees"
	"github.com/mbd888/rentescrow/internal/idgen"
	"github.com/mbd888/rentescrow/internal/logging"
	"github.com/mbd888/rentescrow/internal/metrics"
	"github.com/mbd888/rentescrow/internal/syncutil"
	"github.com/mbd888/rentescrow/internal/traces"
	"github.com/mbd888/rentescrow/internal/validation"
)

// maxConflictRetries bounds re-reads after another writer bumped the version.
const maxConflictRetries = 3

// errUnchanged lets a mutation report an idempotent no-op.
var errUnchanged = errors.New("unchanged")

// Policy holds the settlement defaults applied at capture.
type Policy struct {
	FeePercentage      decimal.Decimal
	AutoReleaseEnabled bool
	AutoReleaseDays    int
}

// DefaultPolicy is 10% fee with a 3 day auto-release window.
func DefaultPolicy() Policy {
	return Policy{
		FeePercentage:      fees.DefaultPercentage,
		AutoReleaseEnabled: true,
		AutoReleaseDays:    3,
	}
}

// CaptureRequest carries what the rental module and gateway know at capture.
type CaptureRequest struct {
	RentalID      string           `json:"rentalId"`
	PayerID       string           `json:"payerId"`
	PayeeID       string           `json:"payeeId"`
	Amount        decimal.Decimal  `json:"amount"`
	Currency      string           `json:"currency"`
	FeePercentage *decimal.Decimal `json:"feePercentage,omitempty"` // nil uses the policy default
	CaptureRef    string           `json:"captureRef,omitempty"`
}

// ReleaseRequest is an administrator release. Override skips the
// dual-confirmation gate and records admin verification instead.
type ReleaseRequest struct {
	Actor    string
	Note     string
	Override bool
}

// Service implements the escrow state machine. Every mutation runs under a
// per-entry lock and commits with a version compare-and-set.
type Service struct {
	store    Store
	policy   Policy
	locks    *syncutil.KeyLock
	notifier Notifier
	capturer Capturer
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, policy Policy) *Service {
	if policy.AutoReleaseDays <= 0 {
		policy.AutoReleaseDays = DefaultPolicy().AutoReleaseDays
	}
	return &Service{
		store:  store,
		policy: policy,
		locks:  syncutil.NewKeyLock(),
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithNotifier sets the status-change notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithCapturer sets the gateway used by RequestCapture.
func (s *Service) WithCapturer(c Capturer) *Service {
	s.capturer = c
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides time.Now (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Policy returns the service's settlement defaults.
func (s *Service) Policy() Policy { return s.policy }

// Initiate records a pending entry when checkout starts.
func (s *Service) Initiate(ctx context.Context, req CaptureRequest) (*Entry, error) {
	e, err := s.newEntry(req, StatusPending)
	if err != nil {
		return nil, err
	}
	e.appendTimeline("initiated", SystemActor, "", e.CreatedAt)

	unlock, err := s.locks.Lock(ctx, "rental:"+req.RentalID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.store.GetByRental(ctx, req.RentalID); err == nil {
		return nil, ErrDuplicateEntry
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}

	s.log(ctx).Info("escrow initiated", "entry_id", e.ID, "rental_id", e.RentalID, "amount", e.Amount.String(), "currency", e.Currency)
	s.publish(ctx, e, "escrow.initiated", SystemActor)
	return e, nil
}

// CreateHeld records a confirmed capture. A pending entry for the rental is
// promoted to held; with no entry one is created held. Any other existing
// entry fails with ErrDuplicateEntry.
func (s *Service) CreateHeld(ctx context.Context, req CaptureRequest) (*Entry, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateHeld", traces.RentalID(req.RentalID))
	var err error
	defer func() { traces.End(span, err) }()

	fresh, err := s.newEntry(req, StatusHeld)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, "rental:"+req.RentalID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.store.GetByRental(ctx, req.RentalID)
	switch {
	case errors.Is(err, ErrNotFound):
		err = nil
		now := fresh.CreatedAt
		fresh.appendTimeline("captured", SystemActor, req.CaptureRef, now)
		fresh.appendTimeline("held", SystemActor, "", now)
		s.scheduleAutoRelease(fresh, now)
		if err = s.store.Create(ctx, fresh); err != nil {
			return nil, err
		}
		metrics.EscrowTransitionsTotal.WithLabelValues("none", string(StatusHeld)).Inc()
		s.log(ctx).Info("escrow held", "entry_id", fresh.ID, "rental_id", fresh.RentalID, "amount", fresh.Amount.String())
		s.publish(ctx, fresh, "escrow.held", SystemActor)
		return fresh, nil
	case err != nil:
		return nil, err
	case existing.Status != StatusPending:
		err = ErrDuplicateEntry
		return nil, err
	}

	var e *Entry
	e, err = s.mutate(ctx, existing.ID, func(e *Entry, now time.Time) error {
		if e.Status != StatusPending {
			return ErrDuplicateEntry
		}
		if !e.Amount.Equal(req.Amount) || e.Currency != strings.ToUpper(req.Currency) {
			return fmt.Errorf("%w: captured %s %s, expected %s %s", ErrInvalidAmount,
				req.Amount, req.Currency, e.Amount, e.Currency)
		}
		if req.CaptureRef != "" {
			e.CaptureRef = req.CaptureRef
		}
		e.Status = StatusHeld
		e.appendTimeline("captured", SystemActor, e.CaptureRef, now)
		e.appendTimeline("held", SystemActor, "", now)
		s.scheduleAutoRelease(e, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx).Info("escrow held", "entry_id", e.ID, "rental_id", e.RentalID, "amount", e.Amount.String())
	s.publish(ctx, e, "escrow.held", SystemActor)
	return e, nil
}

// RequestCapture asks the gateway to capture the authorization on a pending
// entry. The entry stays pending; it becomes held only when the gateway
// confirms the capture.
func (s *Service) RequestCapture(ctx context.Context, id, actor string) (*Entry, error) {
	if s.capturer == nil {
		return nil, fmt.Errorf("%w: no capture gateway configured", ErrGatewayUnavailable)
	}
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPending {
		return nil, fmt.Errorf("%w: capture requires pending, entry is %s", ErrInvalidTransition, e.Status)
	}
	if e.CaptureRef == "" {
		return nil, fmt.Errorf("%w: no authorization reference on entry", ErrInvalidTransition)
	}

	ref, err := s.capturer.Capture(ctx, CaptureFundsRequest{
		EntryID:          e.ID,
		AuthorizationRef: e.CaptureRef,
		Amount:           e.Amount,
		Currency:         e.Currency,
		IdempotencyKey:   e.ID + ":capture",
	})
	if err != nil {
		s.log(ctx).Warn("capture request failed", "entry_id", e.ID, "error", err)
		return nil, err
	}

	return s.mutate(ctx, id, func(e *Entry, now time.Time) error {
		if e.Status != StatusPending || e.hasTimeline("capture_requested") {
			return errUnchanged
		}
		e.appendTimeline("capture_requested", actor, ref, now)
		return nil
	})
}

// MarkCaptureFailed cancels a pending entry. Already-cancelled entries are
// returned unchanged.
func (s *Service) MarkCaptureFailed(ctx context.Context, rentalID, reason string) (*Entry, error) {
	existing, err := s.store.GetByRental(ctx, rentalID)
	if err != nil {
		return nil, err
	}

	changed := false
	e, err := s.mutate(ctx, existing.ID, func(e *Entry, now time.Time) error {
		if e.Status == StatusCancelled {
			return errUnchanged
		}
		if e.Status != StatusPending {
			return ErrInvalidTransition
		}
		e.Status = StatusCancelled
		e.appendTimeline("cancelled", SystemActor, reason, now)
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.log(ctx).Warn("escrow capture failed", "entry_id", e.ID, "rental_id", rentalID, "reason", reason)
		s.publish(ctx, e, "escrow.cancelled", SystemActor)
	}
	return e, nil
}

// Release moves a held entry to released and queues the owner payout.
// A concurrent loser observes ErrAlreadyReleased.
func (s *Service) Release(ctx context.Context, id string, req ReleaseRequest) (*Entry, error) {
	if validation.NoteLength(req.Note) < MinNoteLength {
		return nil, ErrInvalidNote
	}
	e, err := s.mutate(ctx, id, func(e *Entry, now time.Time) error {
		if err := s.releasable(e); err != nil {
			return err
		}
		if !BothConfirmed(e) {
			if !req.Override {
				return ErrNotConfirmed
			}
			e.Confirmations.AdminVerified = true
			e.Confirmations.AdminVerifiedAt = &now
			e.Confirmations.AdminBy = req.Actor
			e.Confirmations.AdminNote = strings.TrimSpace(req.Note)
			e.appendTimeline("admin_verified", req.Actor, req.Note, now)
		}
		return s.release(e, req.Actor, strings.TrimSpace(req.Note), now)
	})
	if err != nil {
		return nil, err
	}
	s.afterRelease(ctx, e, req.Actor)
	return e, nil
}

// AutoRelease is the scheduler's release path. It skips the confirmation gate
// but requires the auto-release window to have elapsed.
func (s *Service) AutoRelease(ctx context.Context, id string) (*Entry, error) {
	e, err := s.mutate(ctx, id, func(e *Entry, now time.Time) error {
		if err := s.releasable(e); err != nil {
			return err
		}
		if !e.AutoRelease.Enabled || e.AutoRelease.ScheduledAt == nil || e.AutoRelease.ScheduledAt.After(now) {
			return ErrWindowNotElapsed
		}
		return s.release(e, SystemActor, AutoReleaseNote, now)
	})
	if err != nil {
		return nil, err
	}
	metrics.EscrowAutoReleasedTotal.Inc()
	s.afterRelease(ctx, e, SystemActor)
	return e, nil
}

func (s *Service) releasable(e *Entry) error {
	switch {
	case e.Status == StatusReleased:
		return ErrAlreadyReleased
	case e.Status == StatusDisputed || e.DisputeOpen():
		return ErrDisputeOpen
	}
	return checkTransition(e.Status, StatusReleased)
}

// release applies the normal-path settlement: payout = amount - fee.
func (s *Service) release(e *Entry, actor, note string, now time.Time) error {
	b, err := fees.Compute(e.Amount, e.Fee.Percentage, e.Currency)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	e.Fee.Amount = b.Fee
	e.Fee.DeductedAt = &now
	e.Status = StatusReleased
	e.appendTimeline("released", actor, note, now)
	e.Payout = newPayout(e, b, now)
	return nil
}

// newPayout builds the owner leg for b. When the fee takes the whole
// release there is nothing to transfer, so the leg is born completed and
// never reaches the gateway.
func newPayout(e *Entry, b fees.Breakdown, now time.Time) *Payout {
	p := &Payout{
		Leg:         Leg{Amount: b.Net, Status: LegPending},
		GrossAmount: b.Gross,
		FeeAmount:   b.Fee,
	}
	if !b.Net.IsPositive() {
		p.Status = LegCompleted
		p.PaidAt = &now
		e.appendTimeline(string(LegKindPayout)+"_completed", SystemActor, "nothing to transfer", now)
	}
	return p
}

func (s *Service) afterRelease(ctx context.Context, e *Entry, actor string) {
	metrics.EscrowHeldDuration.Observe(s.now().Sub(e.CreatedAt).Seconds())
	s.log(ctx).Info("escrow released",
		"entry_id", e.ID,
		"actor", actor,
		"payee_id", e.PayeeID,
		"payout", e.Payout.Amount.String(),
		"fee", e.Fee.Amount.String(),
	)
	s.publish(ctx, e, "escrow.released", actor)
}

// ApplyPayoutResult records the outcome of a payout or refund transfer.
// It never changes the entry status. A repeated success is a no-op.
func (s *Service) ApplyPayoutResult(ctx context.Context, id string, kind LegKind, success bool, detail string) (*Entry, error) {
	return s.applyLegResult(ctx, id, kind, success, detail, 0)
}

// ApplyTransferSucceeded completes whichever leg carries transferRef.
func (s *Service) ApplyTransferSucceeded(ctx context.Context, transferRef string) (*Entry, error) {
	e, err := s.store.GetByGatewayRef(ctx, transferRef)
	if err != nil {
		return nil, err
	}
	for _, kind := range []LegKind{LegKindPayout, LegKindRefund} {
		if l := e.Leg(kind); l != nil && l.TransactionRef == transferRef {
			return s.ApplyPayoutResult(ctx, e.ID, kind, true, transferRef)
		}
	}
	return nil, ErrNotFound
}

func (s *Service) applyLegResult(ctx context.Context, id string, kind LegKind, success bool, detail string, attempts int) (*Entry, error) {
	changed := false
	e, err := s.mutate(ctx, id, func(e *Entry, now time.Time) error {
		l := e.Leg(kind)
		if l == nil {
			return fmt.Errorf("%w: entry has no %s", ErrInvalidTransition, kind)
		}
		l.Attempts += attempts
		if success {
			if l.Status == LegCompleted {
				return errUnchanged
			}
			l.Status = LegCompleted
			l.PaidAt = &now
			l.FailureReason = ""
			if detail != "" {
				l.TransactionRef = detail
			}
			e.appendTimeline(string(kind)+"_completed", SystemActor, l.TransactionRef, now)
		} else {
			if l.Status == LegCompleted {
				return fmt.Errorf("%w: %s already completed", ErrInvalidTransition, kind)
			}
			if l.Status == LegFailed && attempts == 0 {
				return errUnchanged
			}
			l.Status = LegFailed
			l.FailureReason = detail
			e.appendTimeline(string(kind)+"_failed", SystemActor, detail, now)
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		result := "completed"
		if !success {
			result = "failed"
		}
		metrics.PayoutsTotal.WithLabelValues(string(kind), result).Inc()
		s.publish(ctx, e, "escrow."+string(kind)+"_"+result, SystemActor)
	}
	return e, nil
}

// RejectRelease records an administrator's refusal to release. Status is unchanged.
func (s *Service) RejectRelease(ctx context.Context, id, adminID, reason string) (*Entry, error) {
	if validation.NoteLength(reason) < MinResolutionLength {
		return nil, fmt.Errorf("%w: reason must be at least %d characters", ErrInsufficientDetail, MinResolutionLength)
	}
	e, err := s.mutate(ctx, id, func(e *Entry, now time.Time) error {
		if e.Status != StatusHeld {
			return ErrInvalidTransition
		}
		note := strings.TrimSpace(reason)
		e.Notes = append(e.Notes, AuditNote{Kind: "release_rejected", By: adminID, At: now, Note: note})
		e.appendTimeline("release_rejected", adminID, note, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx).Info("escrow release rejected", "entry_id", id, "admin_id", adminID)
	return e, nil
}

// RetryPayout puts failed payout/refund legs back in the dispatch queue.
func (s *Service) RetryPayout(ctx context.Context, id, adminID string) (*Entry, error) {
	e, err := s.mutate(ctx, id, func(e *Entry, now time.Time) error {
		retried := 0
		for _, kind := range []LegKind{LegKindPayout, LegKindRefund} {
			if l := e.Leg(kind); l != nil && l.Status == LegFailed {
				l.Status = LegPending
				l.Attempts = 0
				l.Retries++
				l.FailureReason = ""
				e.appendTimeline(string(kind)+"_retried", adminID, "", now)
				retried++
			}
		}
		if retried == 0 {
			return ErrLegNotRetryable
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx).Info("payout requeued by admin", "entry_id", id, "admin_id", adminID)
	return e, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Entry, error) {
	return s.store.Get(ctx, id)
}

// GetByRental is the rental module's read-back.
func (s *Service) GetByRental(ctx context.Context, rentalID string) (*Entry, error) {
	return s.store.GetByRental(ctx, rentalID)
}

// GetByGatewayRef finds an entry by capture, payout or refund reference.
func (s *Service) GetByGatewayRef(ctx context.Context, ref string) (*Entry, error) {
	return s.store.GetByGatewayRef(ctx, ref)
}

// ListByParty returns entries where partyID is payer or payee, newest first.
func (s *Service) ListByParty(ctx context.Context, partyID string, limit int, opts ...ListOption) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, partyID, limit, opts...)
}

// mutate loads the entry under its lock, applies fn and commits with a
// version check. On ErrConflict the entry is re-read and fn re-applied so
// the caller sees the typed precondition error instead of a lost write.
// fn returning errUnchanged makes the call an idempotent no-op.
func (s *Service) mutate(ctx context.Context, id string, fn func(e *Entry, now time.Time) error) (*Entry, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		e, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		from := e.Status
		version := e.Version

		now := s.now()
		if err := fn(e, now); err != nil {
			if errors.Is(err, errUnchanged) {
				return e, nil
			}
			return nil, err
		}
		e.UpdatedAt = now

		err = s.store.Update(ctx, e, version)
		if err == nil {
			if from != e.Status {
				metrics.EscrowTransitionsTotal.WithLabelValues(string(from), string(e.Status)).Inc()
			}
			return e, nil
		}
		if !errors.Is(err, ErrConflict) || attempt >= maxConflictRetries {
			return nil, err
		}
		metrics.EscrowConflictsTotal.Inc()
	}
}

func (s *Service) newEntry(req CaptureRequest, status Status) (*Entry, error) {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if errs := validation.Validate(
		validation.Required("rentalId", req.RentalID),
		validation.Required("payerId", req.PayerID),
		validation.Required("payeeId", req.PayeeID),
		validation.PartyID("payerId", req.PayerID),
		validation.PartyID("payeeId", req.PayeeID),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInsufficientDetail, errs.Error())
	}
	if req.PayerID == req.PayeeID {
		return nil, fmt.Errorf("%w: payer and payee must differ", ErrUnauthorized)
	}
	if !validation.IsValidCurrency(req.Currency) {
		return nil, ErrCurrencyUnsupported
	}
	if errs := validation.Validate(validation.Amount("amount", req.Amount, req.Currency)); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, errs.Error())
	}

	pct := s.policy.FeePercentage
	if req.FeePercentage != nil {
		pct = *req.FeePercentage
	}
	fee, err := fees.Fee(req.Amount, pct, req.Currency)
	if err != nil {
		return nil, ErrInvalidFeePercent
	}

	now := s.now()
	return &Entry{
		ID:          idgen.WithPrefix("esc_"),
		RentalID:    req.RentalID,
		PayerID:     req.PayerID,
		PayeeID:     req.PayeeID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Status:      status,
		Fee:         Fee{Percentage: pct, Amount: fee},
		AutoRelease: AutoRelease{Enabled: s.policy.AutoReleaseEnabled, WindowDays: s.policy.AutoReleaseDays},
		CaptureRef:  req.CaptureRef,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *Service) scheduleAutoRelease(e *Entry, now time.Time) {
	if !e.AutoRelease.Enabled {
		e.AutoRelease.ScheduledAt = nil
		return
	}
	at := now.AddDate(0, 0, e.AutoRelease.WindowDays)
	e.AutoRelease.ScheduledAt = &at
}

func (s *Service) publish(ctx context.Context, e *Entry, typ, actor string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, Event{
		Type:      typ,
		EntryID:   e.ID,
		RentalID:  e.RentalID,
		Status:    e.Status,
		Actor:     actor,
		Timestamp: s.now(),
	})
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	l := s.logger
	if id := logging.RequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	return l
}
