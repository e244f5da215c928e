package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/rentescrow/internal/escrow"
	"github.com/mbd888/rentescrow/internal/gateway"
)

// paymentGateway adapts a gateway.Gateway to the escrow package's payout and
// capture interfaces.
type paymentGateway struct {
	gw gateway.Gateway
}

var (
	_ escrow.PaymentGateway = (*paymentGateway)(nil)
	_ escrow.Capturer       = (*paymentGateway)(nil)
)

func (p *paymentGateway) Transfer(ctx context.Context, req escrow.TransferRequest) (string, error) {
	ref, err := p.gw.Transfer(ctx, gateway.TransferRequest{
		RecipientID:    req.RecipientID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		CaptureRef:     req.CaptureRef,
		IdempotencyKey: req.IdempotencyKey,
		Description:    fmt.Sprintf("Rental escrow %s %s", req.EntryID, req.Kind),
	})
	return ref, translateGatewayErr(err)
}

func (p *paymentGateway) Refund(ctx context.Context, req escrow.TransferRequest) (string, error) {
	ref, err := p.gw.Refund(ctx, gateway.RefundRequest{
		CaptureRef:     req.CaptureRef,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
		Reason:         "escrow " + req.EntryID,
	})
	return ref, translateGatewayErr(err)
}

func (p *paymentGateway) Capture(ctx context.Context, req escrow.CaptureFundsRequest) (string, error) {
	ref, err := p.gw.Capture(ctx, gateway.CaptureRequest{
		AuthorizationRef: req.AuthorizationRef,
		Amount:           req.Amount,
		Currency:         req.Currency,
		IdempotencyKey:   req.IdempotencyKey,
	})
	return ref, translateGatewayErr(err)
}

// translateGatewayErr marks transient provider failures so the dispatcher retries them.
func translateGatewayErr(err error) error {
	if err != nil && errors.Is(err, gateway.ErrUnavailable) {
		return fmt.Errorf("%w: %w", escrow.ErrGatewayUnavailable, err)
	}
	return err
}
