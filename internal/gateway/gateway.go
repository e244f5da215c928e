// Package gateway talks to the external payment processor: moving money out
// of custody (transfers to owners, refunds to renters) and authenticating the
// processor's webhook callbacks.
//
// Two implementations exist. Stripe is used in production; Sandbox is an
// in-process stand-in with HMAC-signed webhooks for development and tests.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/rentescrow/internal/fees"
)

var (
	// ErrSignatureInvalid is returned when a webhook payload fails
	// authentication. The event must be dropped.
	ErrSignatureInvalid = errors.New("gateway: webhook signature invalid")

	// ErrUnavailable marks transient failures (network, 5xx, rate limits).
	// Callers may retry; every other error is permanent.
	ErrUnavailable = errors.New("gateway: unavailable")

	// ErrMalformedEvent is returned for authenticated payloads that cannot
	// be decoded into an Event.
	ErrMalformedEvent = errors.New("gateway: malformed event")

	// ErrUnknownRecipient is returned when no payout account is on file for
	// a recipient.
	ErrUnknownRecipient = errors.New("gateway: no payout account for recipient")
)

// EventType is the normalized kind of an inbound gateway event.
type EventType string

const (
	EventCaptureSucceeded  EventType = "capture_succeeded"
	EventCaptureFailed     EventType = "capture_failed"
	EventTransferSucceeded EventType = "transfer_succeeded"
	// EventIgnored is any provider event the ledger does not act on.
	EventIgnored EventType = "ignored"
)

// Event is a verified webhook event translated into ledger terms.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`

	RentalID      string           `json:"rentalId,omitempty"`
	PayerID       string           `json:"payerId,omitempty"`
	PayeeID       string           `json:"payeeId,omitempty"`
	Amount        decimal.Decimal  `json:"amount"`
	Currency      string           `json:"currency,omitempty"`
	FeePercentage *decimal.Decimal `json:"feePercentage,omitempty"`

	// Reference is the capture reference for capture events and the
	// transfer reference for transfer events.
	Reference     string    `json:"reference,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`

	// ProviderType is the provider's own event name, kept for logging.
	ProviderType string `json:"providerType,omitempty"`
}

// CaptureRequest settles an earlier card or wallet authorization.
type CaptureRequest struct {
	AuthorizationRef string
	Amount           decimal.Decimal
	Currency         string
	IdempotencyKey   string
}

// TransferRequest moves funds to an owner.
type TransferRequest struct {
	RecipientID    string
	Amount         decimal.Decimal
	Currency       string
	CaptureRef     string // source capture the funds came from
	IdempotencyKey string
	Description    string
}

// RefundRequest returns funds to the renter against the original capture.
type RefundRequest struct {
	CaptureRef     string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	Reason         string
}

// Gateway is the provider-neutral payment processor client.
type Gateway interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// Capture settles an authorization. Success is confirmed asynchronously
	// by an EventCaptureSucceeded webhook.
	Capture(ctx context.Context, req CaptureRequest) (ref string, err error)
	Transfer(ctx context.Context, req TransferRequest) (ref string, err error)
	Refund(ctx context.Context, req RefundRequest) (ref string, err error)
	// SignatureHeader is the HTTP header carrying the webhook signature.
	SignatureHeader() string
	// ParseWebhook authenticates payload and decodes it.
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

// ToMinorUnits converts amount to the integer minor units the processor
// bills in (cents for USD, yen for JPY).
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(fees.MinorUnits(currency)).Round(0).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(units int64, currency string) decimal.Decimal {
	return decimal.New(units, -fees.MinorUnits(currency))
}
