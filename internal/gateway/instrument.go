package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/rentescrow/internal/metrics"
	"github.com/mbd888/rentescrow/internal/traces"
)

// Instrumented wraps a Gateway with metrics and tracing. Per-call timeouts
// are applied here so no implementation can hang the payout dispatcher.
type Instrumented struct {
	Gateway
	timeout time.Duration
}

// Instrument wraps g. timeout <= 0 disables the per-call deadline.
func Instrument(g Gateway, timeout time.Duration) *Instrumented {
	return &Instrumented{Gateway: g, timeout: timeout}
}

func (i *Instrumented) Capture(ctx context.Context, req CaptureRequest) (string, error) {
	return i.observe(ctx, "capture", func(ctx context.Context) (string, error) {
		return i.Gateway.Capture(ctx, req)
	})
}

func (i *Instrumented) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	return i.observe(ctx, "transfer", func(ctx context.Context) (string, error) {
		return i.Gateway.Transfer(ctx, req)
	})
}

func (i *Instrumented) Refund(ctx context.Context, req RefundRequest) (string, error) {
	return i.observe(ctx, "refund", func(ctx context.Context) (string, error) {
		return i.Gateway.Refund(ctx, req)
	})
}

func (i *Instrumented) observe(ctx context.Context, op string, call func(context.Context) (string, error)) (ref string, err error) {
	ctx, span := traces.StartSpan(ctx, "gateway."+op)
	defer func() { traces.End(span, err) }()

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	start := time.Now()
	ref, err = call(ctx)
	metrics.GatewayCallDuration.WithLabelValues(i.Name(), op).Observe(time.Since(start).Seconds())

	outcome := "success"
	switch {
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		outcome = "unavailable"
		if !errors.Is(err, ErrUnavailable) {
			err = errors.Join(ErrUnavailable, err)
		}
	case err != nil:
		outcome = "rejected"
	}
	metrics.GatewayCallsTotal.WithLabelValues(i.Name(), op, outcome).Inc()
	return ref, err
}
