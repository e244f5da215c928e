package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Metadata keys the checkout flow attaches to the payment intent.
const (
	MetaRentalID      = "rental_id"
	MetaPayerID       = "payer_id"
	MetaPayeeID       = "payee_id"
	MetaFeePercentage = "fee_percentage"
	MetaEscrowKey     = "escrow_idempotency_key"
)

// DefaultWebhookTolerance bounds the age of a signed webhook timestamp.
const DefaultWebhookTolerance = 5 * time.Minute

// AccountResolver maps a ledger party to the processor's payout account.
type AccountResolver interface {
	PayoutAccount(ctx context.Context, recipientID string) (string, error)
}

// StaticAccounts resolves from a fixed table. Recipient IDs that already are
// connected-account IDs ("acct_...") pass through unchanged.
type StaticAccounts map[string]string

func (s StaticAccounts) PayoutAccount(_ context.Context, recipientID string) (string, error) {
	if acct, ok := s[recipientID]; ok && acct != "" {
		return acct, nil
	}
	if strings.HasPrefix(recipientID, "acct_") {
		return recipientID, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownRecipient, recipientID)
}

// StripeConfig configures the Stripe gateway.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Accounts      AccountResolver

	// Optional overrides, mostly for tests.
	BaseURL          string
	HTTPClient       *http.Client
	WebhookTolerance time.Duration
}

// Stripe moves escrowed funds with Stripe Connect transfers and refunds.
type Stripe struct {
	api       *client.API
	secret    string
	accounts  AccountResolver
	tolerance time.Duration
}

var _ Gateway = (*Stripe)(nil)

// NewStripe creates a Stripe gateway. Retries are left to the caller, so the
// SDK's own network retries are disabled.
func NewStripe(cfg StripeConfig) *Stripe {
	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		EnableTelemetry:   stripe.Bool(false),
	}
	if cfg.HTTPClient != nil {
		backendCfg.HTTPClient = cfg.HTTPClient
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	accounts := cfg.Accounts
	if accounts == nil {
		accounts = StaticAccounts{}
	}
	tolerance := cfg.WebhookTolerance
	if tolerance == 0 {
		tolerance = DefaultWebhookTolerance
	}

	return &Stripe{
		api:       client.New(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend}),
		secret:    cfg.WebhookSecret,
		accounts:  accounts,
		tolerance: tolerance,
	}
}

func (s *Stripe) Name() string { return "stripe" }

func (s *Stripe) SignatureHeader() string { return "Stripe-Signature" }

// Capture captures a manual-capture payment intent.
func (s *Stripe) Capture(ctx context.Context, req CaptureRequest) (string, error) {
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(ToMinorUnits(req.Amount, req.Currency)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := s.api.PaymentIntents.Capture(req.AuthorizationRef, params)
	if err != nil {
		return "", classifyStripeError("capture", err)
	}
	return pi.ID, nil
}

// Transfer pays an owner's connected account, linked to the source charge so
// the funds are drawn from that capture.
func (s *Stripe) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	dest, err := s.accounts.PayoutAccount(ctx, req.RecipientID)
	if err != nil {
		return "", err
	}
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(ToMinorUnits(req.Amount, req.Currency)),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(dest),
	}
	if strings.HasPrefix(req.CaptureRef, "ch_") {
		params.SourceTransaction = stripe.String(req.CaptureRef)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(MetaEscrowKey, req.IdempotencyKey)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return "", classifyStripeError("transfer", err)
	}
	return tr.ID, nil
}

// Refund returns funds against the original payment intent or charge.
func (s *Stripe) Refund(ctx context.Context, req RefundRequest) (string, error) {
	params := &stripe.RefundParams{
		Amount: stripe.Int64(ToMinorUnits(req.Amount, req.Currency)),
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	switch {
	case strings.HasPrefix(req.CaptureRef, "pi_"):
		params.PaymentIntent = stripe.String(req.CaptureRef)
	case strings.HasPrefix(req.CaptureRef, "ch_"):
		params.Charge = stripe.String(req.CaptureRef)
	default:
		return "", fmt.Errorf("gateway: cannot refund unrecognised capture reference %q", req.CaptureRef)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(MetaEscrowKey, req.IdempotencyKey)
	if req.Reason != "" {
		params.AddMetadata("escrow_reason", req.Reason)
	}

	rf, err := s.api.Refunds.New(params)
	if err != nil {
		return "", classifyStripeError("refund", err)
	}
	return rf.ID, nil
}

// ParseWebhook verifies the Stripe-Signature header and maps the event.
func (s *Stripe) ParseWebhook(payload []byte, signature string) (*Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, s.secret, webhook.ConstructEventOptions{
		Tolerance:                s.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if evt.Data == nil {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedEvent)
	}

	out := &Event{
		ID:           evt.ID,
		Type:         EventIgnored,
		ProviderType: string(evt.Type),
		OccurredAt:   time.Unix(evt.Created, 0).UTC(),
	}

	switch evt.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		// Payments taken by other products on the account carry no rental.
		if pi.Metadata[MetaRentalID] == "" {
			out.Reference = pi.ID
			return out, nil
		}
		if err := fillCapture(out, &pi); err != nil {
			return nil, err
		}
		if evt.Type == "payment_intent.succeeded" {
			out.Type = EventCaptureSucceeded
		} else {
			out.Type = EventCaptureFailed
			out.FailureReason = "payment failed"
			if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
				out.FailureReason = pi.LastPaymentError.Msg
			}
		}
	case "transfer.created":
		var tr stripe.Transfer
		if err := json.Unmarshal(evt.Data.Raw, &tr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		out.Reference = tr.ID
		if tr.Metadata[MetaEscrowKey] == "" {
			break
		}
		out.Type = EventTransferSucceeded
		out.Currency = strings.ToUpper(string(tr.Currency))
		out.Amount = FromMinorUnits(tr.Amount, out.Currency)
	}
	return out, nil
}

func fillCapture(out *Event, pi *stripe.PaymentIntent) error {
	out.Reference = pi.ID
	out.Currency = strings.ToUpper(string(pi.Currency))
	units := pi.AmountReceived
	if units == 0 {
		units = pi.Amount
	}
	out.Amount = FromMinorUnits(units, out.Currency)
	out.RentalID = pi.Metadata[MetaRentalID]
	out.PayerID = pi.Metadata[MetaPayerID]
	out.PayeeID = pi.Metadata[MetaPayeeID]
	if raw := pi.Metadata[MetaFeePercentage]; raw != "" {
		pct, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, MetaFeePercentage, err)
		}
		out.FeePercentage = &pct
	}
	return nil
}

// classifyStripeError wraps transient failures with ErrUnavailable.
func classifyStripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: stripe %s: %s", ErrUnavailable, op, se.Msg)
		}
		return fmt.Errorf("stripe %s: %s (%s)", op, se.Msg, se.Code)
	}
	// Anything that never produced an API response is a network problem.
	return fmt.Errorf("%w: stripe %s: %v", ErrUnavailable, op, err)
}
