// Package escrow custodies rental payments from capture to settlement.
//
// Flow:
//  1. Gateway confirms capture → entry is held
//  2. Renter and owner each confirm completion
//  3. Admin (or the scheduler once the window elapses) releases → payout leg queued
//  4. Either party may dispute while held → admin resolves to release, refund or split
//  5. The payout dispatcher moves pending legs to the gateway out of band
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/rentescrow/internal/pagination"
)

var (
	ErrNotFound           = errors.New("escrow entry not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInsufficientDetail = errors.New("insufficient detail")
	ErrAmountMismatch     = errors.New("refund and release amounts must sum to the escrowed amount")
	ErrDuplicateEntry     = errors.New("rental already has an escrow entry")
	ErrUnauthorized       = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrConflict is returned by stores when the entry's version moved since it was read.
	ErrConflict = errors.New("escrow entry modified concurrently")
)

// Refinements. Each matches its parent with errors.Is.
var (
	ErrAlreadyReleased     = fmt.Errorf("%w: entry already released", ErrInvalidTransition)
	ErrNotConfirmed        = fmt.Errorf("%w: both parties must confirm before release", ErrInvalidTransition)
	ErrDisputeOpen         = fmt.Errorf("%w: entry is under dispute", ErrInvalidTransition)
	ErrWindowNotElapsed    = fmt.Errorf("%w: auto-release window has not elapsed", ErrInvalidTransition)
	ErrLegNotRetryable     = fmt.Errorf("%w: no failed payout or refund to retry", ErrInvalidTransition)
	ErrInvalidNote         = fmt.Errorf("%w: note must be at least %d characters", ErrInsufficientDetail, MinNoteLength)
	ErrResolutionTooShort  = fmt.Errorf("%w: resolution must be at least %d characters", ErrInsufficientDetail, MinResolutionLength)
	ErrReasonRequired      = fmt.Errorf("%w: reason is required", ErrInsufficientDetail)
	ErrUnknownOutcome      = errors.New("unknown dispute outcome")
	ErrInvalidParty        = errors.New("party must be renter or owner")
	ErrInvalidFeePercent   = fmt.Errorf("%w: fee percentage must be between 0 and 100", ErrInvalidAmount)
	ErrCurrencyUnsupported = fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidAmount)
)

const (
	MinNoteLength       = 10
	MinResolutionLength = 20

	// SystemActor is recorded for transitions made by the scheduler or webhooks.
	SystemActor = "system"

	AutoReleaseNote = "auto-released after window"
)

// Status is the single authoritative state of an entry.
type Status string

const (
	StatusPending   Status = "pending"   // checkout started, capture not confirmed
	StatusHeld      Status = "held"      // funds captured, awaiting settlement
	StatusReleased  Status = "released"  // owner payout queued
	StatusDisputed  Status = "disputed"  // frozen pending admin decision
	StatusRefunded  Status = "refunded"  // renter refund queued (also split outcomes)
	StatusCancelled Status = "cancelled" // capture never completed
)

// IsTerminal reports whether no further status transitions are accepted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Party identifies which side of the rental is acting.
type Party string

const (
	PartyRenter Party = "renter"
	PartyOwner  Party = "owner"
)

// Confirmations records completion acknowledgements. Flags are only ever
// cleared by dispute cancellation.
type Confirmations struct {
	RenterConfirmed   bool       `json:"renterConfirmed"`
	RenterConfirmedAt *time.Time `json:"renterConfirmedAt,omitempty"`
	RenterNote        string     `json:"renterNote,omitempty"`
	OwnerConfirmed    bool       `json:"ownerConfirmed"`
	OwnerConfirmedAt  *time.Time `json:"ownerConfirmedAt,omitempty"`
	OwnerNote         string     `json:"ownerNote,omitempty"`
	AdminVerified     bool       `json:"adminVerified"`
	AdminVerifiedAt   *time.Time `json:"adminVerifiedAt,omitempty"`
	AdminBy           string     `json:"adminBy,omitempty"`
	AdminNote         string     `json:"adminNote,omitempty"`
}

// ResolutionStatus tracks a dispute's progress.
type ResolutionStatus string

const (
	ResolutionOpen        ResolutionStatus = "open"
	ResolutionUnderReview ResolutionStatus = "under_review"
	ResolutionResolved    ResolutionStatus = "resolved"
	ResolutionCancelled   ResolutionStatus = "cancelled"
)

// Outcome is the administrator's decision on a dispute.
type Outcome string

const (
	OutcomeReleaseToOwner Outcome = "release_to_owner"
	OutcomeRefundToRenter Outcome = "refund_to_renter"
	OutcomePartialRefund  Outcome = "partial_refund"
	OutcomeSplit          Outcome = "split"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeReleaseToOwner, OutcomeRefundToRenter, OutcomePartialRefund, OutcomeSplit:
		return true
	}
	return false
}

// Dispute is present once a party has disputed the entry. Amounts are set
// together with Outcome and always sum to the entry amount.
type Dispute struct {
	Open             bool             `json:"open"`
	OpenedBy         string           `json:"openedBy"`
	OpenedAt         time.Time        `json:"openedAt"`
	Reason           string           `json:"reason"`
	ResolutionStatus ResolutionStatus `json:"resolutionStatus"`
	ReviewedBy       string           `json:"reviewedBy,omitempty"`
	ReviewedAt       *time.Time       `json:"reviewedAt,omitempty"`
	Outcome          Outcome          `json:"outcome,omitempty"`
	RefundAmount     decimal.Decimal  `json:"refundAmount"`
	ReleaseAmount    decimal.Decimal  `json:"releaseAmount"`
	ResolvedBy       string           `json:"resolvedBy,omitempty"`
	ResolvedAt       *time.Time       `json:"resolvedAt,omitempty"`
	ResolutionNote   string           `json:"resolutionNote,omitempty"`
}

// Fee is the platform commission on the full entry amount. DeductedAt is
// set only by a normal release; a dispute resolution charges the fee on the
// released portion, recorded as Payout.FeeAmount.
type Fee struct {
	Percentage decimal.Decimal `json:"percentage"`
	Amount     decimal.Decimal `json:"amount"`
	DeductedAt *time.Time      `json:"deductedAt,omitempty"`
}

// LegStatus tracks an out-of-band money movement.
type LegStatus string

const (
	LegPending    LegStatus = "pending"
	LegProcessing LegStatus = "processing"
	LegCompleted  LegStatus = "completed"
	LegFailed     LegStatus = "failed"
)

// Leg is one transfer the gateway must perform.
type Leg struct {
	Amount         decimal.Decimal `json:"amount"`
	Status         LegStatus       `json:"status"`
	TransactionRef string          `json:"transactionRef,omitempty"`
	Attempts       int             `json:"attempts"`
	Retries        int             `json:"retries,omitempty"` // admin requeues; part of the idempotency key
	DispatchedAt   *time.Time      `json:"dispatchedAt,omitempty"`
	PaidAt         *time.Time      `json:"paidAt,omitempty"`
	FailureReason  string          `json:"failureReason,omitempty"`
}

// Payout is the owner-facing leg. Amount = GrossAmount - FeeAmount, and
// FeeAmount is the fee actually withheld.
type Payout struct {
	Leg
	GrossAmount decimal.Decimal `json:"grossAmount"`
	FeeAmount   decimal.Decimal `json:"feeAmount"`
}

// Refund is the renter-facing leg.
type Refund struct {
	Leg
}

// LegKind names a leg for dispatch and idempotency keys.
type LegKind string

const (
	LegKindPayout LegKind = "payout"
	LegKindRefund LegKind = "refund"
)

// AutoRelease is the timeout policy snapshot taken at capture.
type AutoRelease struct {
	Enabled     bool       `json:"enabled"`
	WindowDays  int        `json:"windowDays"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

// TimelineEvent is one append-only history record.
type TimelineEvent struct {
	Kind  string    `json:"kind"`
	At    time.Time `json:"at"`
	Actor string    `json:"actor,omitempty"`
	Note  string    `json:"note,omitempty"`
}

// AuditNote is an administrator remark that does not change status.
type AuditNote struct {
	Kind string    `json:"kind"`
	By   string    `json:"by"`
	At   time.Time `json:"at"`
	Note string    `json:"note"`
}

// Entry custodies one rental's payment.
type Entry struct {
	ID                 string          `json:"id"`
	RentalID           string          `json:"rentalId"`
	PayerID            string          `json:"payerId"`
	PayeeID            string          `json:"payeeId"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	Status             Status          `json:"status"`
	Confirmations      Confirmations   `json:"confirmations"`
	Dispute            *Dispute        `json:"dispute,omitempty"`
	Fee                Fee             `json:"fee"`
	Payout             *Payout         `json:"payout,omitempty"`
	Refund             *Refund         `json:"refund,omitempty"`
	AutoRelease        AutoRelease     `json:"autoRelease"`
	Timeline           []TimelineEvent `json:"timeline"`
	Notes              []AuditNote     `json:"notes,omitempty"`
	CaptureRef         string          `json:"captureRef,omitempty"`
	RentalSyncedStatus Status          `json:"rentalSyncedStatus,omitempty"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// DisputeOpen reports whether a dispute is currently freezing the entry.
func (e *Entry) DisputeOpen() bool {
	return e.Dispute != nil && e.Dispute.Open
}

// PartyOf returns the role actorID plays on the entry.
func (e *Entry) PartyOf(actorID string) (Party, bool) {
	switch actorID {
	case e.PayerID:
		return PartyRenter, true
	case e.PayeeID:
		return PartyOwner, true
	}
	return "", false
}

// Leg returns the payout or refund leg, or nil if absent.
func (e *Entry) Leg(kind LegKind) *Leg {
	switch kind {
	case LegKindPayout:
		if e.Payout != nil {
			return &e.Payout.Leg
		}
	case LegKindRefund:
		if e.Refund != nil {
			return &e.Refund.Leg
		}
	}
	return nil
}

func (e *Entry) appendTimeline(kind, actor, note string, at time.Time) {
	e.Timeline = append(e.Timeline, TimelineEvent{Kind: kind, At: at, Actor: actor, Note: note})
}

func (e *Entry) hasTimeline(kind string) bool {
	for _, ev := range e.Timeline {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	cp := *e
	cp.Confirmations = e.Confirmations
	cp.Confirmations.RenterConfirmedAt = cloneTime(e.Confirmations.RenterConfirmedAt)
	cp.Confirmations.OwnerConfirmedAt = cloneTime(e.Confirmations.OwnerConfirmedAt)
	cp.Confirmations.AdminVerifiedAt = cloneTime(e.Confirmations.AdminVerifiedAt)
	if e.Dispute != nil {
		d := *e.Dispute
		d.ReviewedAt = cloneTime(e.Dispute.ReviewedAt)
		d.ResolvedAt = cloneTime(e.Dispute.ResolvedAt)
		cp.Dispute = &d
	}
	cp.Fee.DeductedAt = cloneTime(e.Fee.DeductedAt)
	if e.Payout != nil {
		p := *e.Payout
		p.Leg = e.Payout.Leg.clone()
		cp.Payout = &p
	}
	if e.Refund != nil {
		r := Refund{Leg: e.Refund.Leg.clone()}
		cp.Refund = &r
	}
	cp.AutoRelease.ScheduledAt = cloneTime(e.AutoRelease.ScheduledAt)
	cp.Timeline = append([]TimelineEvent(nil), e.Timeline...)
	cp.Notes = append([]AuditNote(nil), e.Notes...)
	return &cp
}

func (l Leg) clone() Leg {
	l.DispatchedAt = cloneTime(l.DispatchedAt)
	l.PaidAt = cloneTime(l.PaidAt)
	return l
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// LegRef addresses one leg of one entry.
type LegRef struct {
	EntryID string
	Kind    LegKind
}

// Earnings is an owner's lifetime payout total in one currency.
type Earnings struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Entries  int             `json:"entries"`
}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor continues a newest-first listing after the cursor position.
func WithCursor(c *pagination.Cursor) ListOption {
	return func(o *listOpts) {
		o.cursor = c
	}
}

// after reports whether e sorts after the cursor in newest-first order.
func (o listOpts) after(e *Entry) bool {
	if o.cursor == nil {
		return true
	}
	if c := e.CreatedAt.Compare(o.cursor.CreatedAt); c != 0 {
		return c < 0
	}
	return e.ID < o.cursor.ID
}

// Store persists escrow entries.
//
// Update is a compare-and-set: it succeeds only when the stored version equals
// expectedVersion, then stores e with Version = expectedVersion+1. Otherwise it
// returns ErrConflict and leaves the stored entry untouched.
type Store interface {
	Create(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	GetByRental(ctx context.Context, rentalID string) (*Entry, error)
	GetByGatewayRef(ctx context.Context, ref string) (*Entry, error)
	Update(ctx context.Context, e *Entry, expectedVersion int64) error
	MarkRentalSynced(ctx context.Context, id string, status Status) error

	ListByParty(ctx context.Context, partyID string, limit int, opts ...ListOption) ([]*Entry, error)
	ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]*Entry, error)
	ListPendingRelease(ctx context.Context, limit int) ([]*Entry, error)
	ListLegs(ctx context.Context, status LegStatus, limit int) ([]LegRef, error)
	ListUnsynced(ctx context.Context, limit int) ([]*Entry, error)

	SumHeld(ctx context.Context, currency string) (decimal.Decimal, error)
	ListHeldCurrencies(ctx context.Context) ([]string, error)
	OwnerEarnings(ctx context.Context, payeeID string) ([]Earnings, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// CountByOutcome counts resolved disputes by outcome.
	CountByOutcome(ctx context.Context) (map[Outcome]int, error)
}

// Event is published on every committed status or leg change.
type Event struct {
	Type      string    `json:"type"`
	EntryID   string    `json:"entryId"`
	RentalID  string    `json:"rentalId"`
	Status    Status    `json:"status"`
	Actor     string    `json:"actor,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier receives events fire-and-forget. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}
