// Package notify delivers escrow status changes to the notification module
// and pushes entry status back to the rental module.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/rentescrow/internal/escrow"
	"github.com/mbd888/rentescrow/internal/idgen"
	"github.com/mbd888/rentescrow/internal/logging"
	"github.com/mbd888/rentescrow/internal/metrics"
	"github.com/mbd888/rentescrow/internal/retry"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Escrow-Event"
	HeaderDelivery  = "X-Escrow-Delivery"
	HeaderTimestamp = "X-Escrow-Timestamp"
	HeaderSignature = "X-Escrow-Signature"
)

// DefaultMaxInFlight bounds concurrent deliveries. Events beyond it are dropped.
const DefaultMaxInFlight = 64

// Emitter posts escrow events to a single notification endpoint. Notify
// never blocks the caller: delivery runs in a goroutine and failures are
// logged and counted, never returned.
type Emitter struct {
	url      string
	secret   string
	client   *http.Client
	policy   retry.Policy
	logger   *slog.Logger
	now      func() time.Time
	inflight chan struct{}

	mu     sync.Mutex // guards closed and wg.Add against Wait
	closed bool
	wg     sync.WaitGroup
}

var _ escrow.Notifier = (*Emitter)(nil)

// NewEmitter creates an emitter for url. Payloads are signed when secret is set.
func NewEmitter(url, secret string, logger *slog.Logger) *Emitter {
	return &Emitter{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
		},
		logger:   logger,
		now:      time.Now,
		inflight: make(chan struct{}, DefaultMaxInFlight),
	}
}

// WithHTTPClient replaces the default client.
func (e *Emitter) WithHTTPClient(c *http.Client) *Emitter {
	e.client = c
	return e
}

// WithRetryPolicy replaces the delivery retry policy.
func (e *Emitter) WithRetryPolicy(p retry.Policy) *Emitter {
	e.policy = p
	return e
}

// Notify schedules delivery of ev.
func (e *Emitter) Notify(ctx context.Context, ev escrow.Event) {
	if e == nil || e.url == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		e.logger.Warn("notification dropped, emitter is shutting down",
			"event", ev.Type, "entry_id", ev.EntryID)
		return
	}
	select {
	case e.inflight <- struct{}{}:
	default:
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		e.logger.Warn("notification dropped, too many in flight",
			"event", ev.Type, "entry_id", ev.EntryID)
		return
	}

	// The request that triggered the change may finish before delivery does.
	ctx = context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer func() {
			<-e.inflight
			e.wg.Done()
		}()
		e.deliver(ctx, ev)
	}()
}

// Wait blocks until in-flight deliveries finish or ctx is done. Notify
// drops events once Wait has been called.
func (e *Emitter) Wait(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) deliver(ctx context.Context, ev escrow.Event) {
	log := e.logger.With("event", ev.Type, "entry_id", ev.EntryID, "status", ev.Status)
	if id := logging.RequestID(ctx); id != "" {
		log = log.With("request_id", id)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		log.Error("failed to marshal notification", "error", err)
		return
	}

	deliveryID := idgen.WithPrefix("dlv_")
	err = retry.Do(ctx, e.policy, func(attempt int) error {
		return e.send(ctx, ev.Type, deliveryID, payload)
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		log.Warn("notification delivery failed", "delivery_id", deliveryID, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
	log.Debug("notification delivered", "delivery_id", deliveryID)
}

func (e *Emitter) send(ctx context.Context, eventType, deliveryID string, payload []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	ts := strconv.FormatInt(e.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, eventType)
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderTimestamp, ts)
	if e.secret != "" {
		req.Header.Set(HeaderSignature, Sign(e.secret, ts, payload))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<payload>".
func Sign(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret, timestamp string, payload []byte, signature string) bool {
	expected := Sign(secret, timestamp, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// LogNotifier only logs events. Used when no notification endpoint is set.
type LogNotifier struct {
	logger *slog.Logger
}

var _ escrow.Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, ev escrow.Event) {
	metrics.NotificationsTotal.WithLabelValues("logged").Inc()
	n.logger.Info("escrow event",
		"event", ev.Type,
		"entry_id", ev.EntryID,
		"rental_id", ev.RentalID,
		"status", ev.Status,
		"request_id", logging.RequestID(ctx),
	)
}
