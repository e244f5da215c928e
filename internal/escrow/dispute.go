package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/rentescrow/internal/fees"
	"github.com/mbd888/rentescrow/internal/validation"
)

// ResolveRequest is an administrator's dispute decision. Amounts are
// required for partial_refund and split and ignored otherwise.
type ResolveRequest struct {
	AdminID       string           `json:"-"`
	Outcome       Outcome          `json:"outcome"`
	Resolution    string           `json:"resolution"`
	RefundAmount  *decimal.Decimal `json:"refundAmount,omitempty"`
	ReleaseAmount *decimal.Decimal `json:"releaseAmount,omitempty"`
}

// OpenDispute freezes a held entry. Only the renter or owner may open one.
func (s *Service) OpenDispute(ctx context.Context, id, openedBy, reason string) (*Entry, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	if validation.NoteLength(reason) < MinNoteLength {
		return nil, ErrInvalidNote
	}
	reason = strings.TrimSpace(reason)

	e, err := s.mutate(ctx, id, func(e *Entry, now time.Time) error {
		if _, ok := e.PartyOf(openedBy); !ok {
			return ErrUnauthorized
		}
		if err := checkTransition(e.Status, StatusDisputed); err != nil {
			return err
		}
		e.Dispute = &Dispute{
			Open:             true,
			OpenedBy:         openedBy,
			OpenedAt:         now,
			Reason:           reason,
			ResolutionStatus: ResolutionOpen,
		}
		e.Status = StatusDisputed
		e.appendTimeline("disputed", openedBy, reason, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx).Warn("escrow disputed", "entry_id", e.ID, "opened_by", openedBy)
	s.publish(ctx, e, "escrow.disputed", openedBy)
	return e, nil
}

// MarkUnderReview records that an administrator picked up the dispute.
func (s *Service) MarkUnderReview(ctx context.Context, id, adminID string) (*Entry, error) {
	return s.mutate(ctx, id, func(e *Entry, now time.Time) error {
		if e.Status != StatusDisputed || !e.DisputeOpen() {
			return ErrInvalidTransition
		}
		if e.Dispute.ResolutionStatus == ResolutionUnderReview {
			return errUnchanged
		}
		e.Dispute.ResolutionStatus = ResolutionUnderReview
		e.Dispute.ReviewedBy = adminID
		e.Dispute.ReviewedAt = &now
		e.appendTimeline("dispute_under_review", adminID, "", now)
		return nil
	})
}

// ResolveDispute settles a disputed entry. Release-only outcomes end
// released; anything with a refund ends refunded, and a true split also
// carries an owner payout leg.
func (s *Service) ResolveDispute(ctx context.Context, id string, req ResolveRequest) (*Entry, error) {
	if validation.NoteLength(req.Resolution) < MinResolutionLength {
		return nil, ErrResolutionTooShort
	}
	if !req.Outcome.Valid() {
		return nil, ErrUnknownOutcome
	}
	resolution := strings.TrimSpace(req.Resolution)

	e, err := s.mutate(ctx, id, func(e *Entry, now time.Time) error {
		if e.Status != StatusDisputed || e.Dispute == nil {
			return ErrInvalidTransition
		}
		refund, release, err := disputeAmounts(e, req)
		if err != nil {
			return err
		}
		split, err := fees.Split(e.Amount, refund, release, e.Fee.Percentage, e.Currency)
		if errors.Is(err, fees.ErrSplitMismatch) {
			return ErrAmountMismatch
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}

		d := e.Dispute
		d.Open = false
		d.ResolutionStatus = ResolutionResolved
		d.Outcome = req.Outcome
		d.RefundAmount = split.Refund
		d.ReleaseAmount = split.Release.Gross
		d.ResolvedBy = req.AdminID
		d.ResolvedAt = &now
		d.ResolutionNote = resolution
		e.appendTimeline("dispute_resolved", req.AdminID, string(req.Outcome), now)

		if split.Refund.IsPositive() {
			e.Refund = &Refund{Leg: Leg{Amount: split.Refund, Status: LegPending}}
			e.Status = StatusRefunded
			e.appendTimeline("refunded", req.AdminID, resolution, now)
		} else {
			e.Status = StatusReleased
			e.appendTimeline("released", req.AdminID, resolution, now)
		}
		// Fee keeps the full-amount quote; the fee charged on a partial
		// release lives on Payout.FeeAmount only.
		if split.Release.Gross.IsPositive() {
			e.Payout = newPayout(e, split.Release, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log(ctx).Info("escrow dispute resolved",
		"entry_id", e.ID,
		"admin_id", req.AdminID,
		"outcome", req.Outcome,
		"refund", e.Dispute.RefundAmount.String(),
		"release", e.Dispute.ReleaseAmount.String(),
		"status", e.Status,
	)
	s.publish(ctx, e, "escrow.dispute_resolved", req.AdminID)
	return e, nil
}

// disputeAmounts derives (refund, release) for the outcome.
func disputeAmounts(e *Entry, req ResolveRequest) (decimal.Decimal, decimal.Decimal, error) {
	switch req.Outcome {
	case OutcomeReleaseToOwner:
		return decimal.Zero, e.Amount, nil
	case OutcomeRefundToRenter:
		return e.Amount, decimal.Zero, nil
	}
	if req.RefundAmount == nil || req.ReleaseAmount == nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s requires refundAmount and releaseAmount", ErrInvalidAmount, req.Outcome)
	}
	refund, release := *req.RefundAmount, *req.ReleaseAmount
	if refund.IsNegative() || release.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: amounts must not be negative", ErrInvalidAmount)
	}
	if !fees.HasValidPrecision(refund, e.Currency) || !fees.HasValidPrecision(release, e.Currency) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: amounts exceed %s precision", ErrInvalidAmount, e.Currency)
	}
	return refund, release, nil
}

// CancelDispute returns a disputed entry to held without moving funds.
// Confirmations are reset and the auto-release window restarts.
func (s *Service) CancelDispute(ctx context.Context, id, adminID, note string) (*Entry, error) {
	if validation.NoteLength(note) < MinNoteLength {
		return nil, ErrInvalidNote
	}
	note = strings.TrimSpace(note)

	e, err := s.mutate(ctx, id, func(e *Entry, now time.Time) error {
		if e.Status != StatusDisputed || !e.DisputeOpen() {
			return ErrInvalidTransition
		}
		if err := checkTransition(e.Status, StatusHeld); err != nil {
			return err
		}
		d := e.Dispute
		d.Open = false
		d.ResolutionStatus = ResolutionCancelled
		d.ResolvedBy = adminID
		d.ResolvedAt = &now
		d.ResolutionNote = note

		e.Confirmations = Confirmations{}
		e.Status = StatusHeld
		s.scheduleAutoRelease(e, now)
		e.appendTimeline("dispute_cancelled", adminID, note, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx).Info("escrow dispute cancelled", "entry_id", e.ID, "admin_id", adminID)
	s.publish(ctx, e, "escrow.dispute_cancelled", adminID)
	return e, nil
}
