package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/rentescrow/internal/idgen"
)

// SandboxSignatureHeader carries "t=<unix>,v1=<hex hmac>" for sandbox webhooks.
const SandboxSignatureHeader = "X-Gateway-Signature"

// Movement is one transfer or refund the sandbox accepted.
type Movement struct {
	Ref            string
	Kind           string // "capture", "transfer" or "refund"
	RecipientID    string
	CaptureRef     string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	At             time.Time
}

// Sandbox is an in-process gateway. Transfers and refunds succeed immediately
// and are idempotent by key; webhooks are JSON Events signed with HMAC-SHA256.
type Sandbox struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time

	mu        sync.Mutex
	byKey     map[string]*Movement
	movements []*Movement
	failNext  int
}

var _ Gateway = (*Sandbox)(nil)

// NewSandbox creates a sandbox gateway that signs with secret.
func NewSandbox(secret string) *Sandbox {
	return &Sandbox{
		secret:    []byte(secret),
		tolerance: DefaultWebhookTolerance,
		now:       time.Now,
		byKey:     make(map[string]*Movement),
	}
}

// WithClock overrides the clock used for signature timestamps.
func (s *Sandbox) WithClock(now func() time.Time) *Sandbox {
	s.now = now
	return s
}

func (s *Sandbox) Name() string { return "sandbox" }

func (s *Sandbox) SignatureHeader() string { return SandboxSignatureHeader }

// FailNext makes the next n money movements fail with ErrUnavailable.
func (s *Sandbox) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// Movements returns a copy of everything accepted so far.
func (s *Sandbox) Movements() []Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Movement, len(s.movements))
	for i, m := range s.movements {
		out[i] = *m
	}
	return out
}

// Capture accepts any authorization and returns it as the capture reference.
func (s *Sandbox) Capture(ctx context.Context, req CaptureRequest) (string, error) {
	if req.AuthorizationRef == "" {
		return "", fmt.Errorf("gateway: capture requires an authorization reference")
	}
	return s.move(ctx, Movement{
		Ref:            req.AuthorizationRef,
		Kind:           "capture",
		CaptureRef:     req.AuthorizationRef,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
	})
}

func (s *Sandbox) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	return s.move(ctx, Movement{
		Kind:           "transfer",
		RecipientID:    req.RecipientID,
		CaptureRef:     req.CaptureRef,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
	})
}

func (s *Sandbox) Refund(ctx context.Context, req RefundRequest) (string, error) {
	if req.CaptureRef == "" {
		return "", fmt.Errorf("gateway: refund requires a capture reference")
	}
	return s.move(ctx, Movement{
		Kind:           "refund",
		CaptureRef:     req.CaptureRef,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
	})
}

func (s *Sandbox) move(ctx context.Context, m Movement) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !m.Amount.IsPositive() {
		return "", fmt.Errorf("gateway: %s amount must be positive", m.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.IdempotencyKey != "" {
		if prev, ok := s.byKey[m.IdempotencyKey]; ok {
			return prev.Ref, nil
		}
	}
	if s.failNext > 0 {
		s.failNext--
		return "", fmt.Errorf("%w: sandbox %s injected failure", ErrUnavailable, m.Kind)
	}

	switch {
	case m.Ref != "":
	case m.Kind == "refund":
		m.Ref = idgen.WithPrefix("sbx_re_")
	default:
		m.Ref = idgen.WithPrefix("sbx_tr_")
	}
	m.At = s.now()
	stored := m
	s.movements = append(s.movements, &stored)
	if m.IdempotencyKey != "" {
		s.byKey[m.IdempotencyKey] = &stored
	}
	return m.Ref, nil
}

// Sign produces the signature header value for payload at the given time.
func (s *Sandbox) Sign(payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + s.mac(ts, payload)
}

// SignEvent marshals ev and signs it with the current clock.
func (s *Sandbox) SignEvent(ev Event) (payload []byte, signature string, err error) {
	payload, err = json.Marshal(ev)
	if err != nil {
		return nil, "", err
	}
	return payload, s.Sign(payload, s.now()), nil
}

func (s *Sandbox) mac(ts string, payload []byte) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ParseWebhook verifies the signature and timestamp and decodes the Event.
func (s *Sandbox) ParseWebhook(payload []byte, signature string) (*Event, error) {
	ts, sig, ok := parseSignatureHeader(signature)
	if !ok {
		return nil, fmt.Errorf("%w: malformed header", ErrSignatureInvalid)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrSignatureInvalid)
	}
	age := s.now().Sub(time.Unix(unix, 0))
	if age > s.tolerance || age < -s.tolerance {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}
	expected := s.mac(ts, payload)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return nil, ErrSignatureInvalid
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	switch ev.Type {
	case EventCaptureSucceeded, EventCaptureFailed:
		if ev.RentalID == "" {
			return nil, fmt.Errorf("%w: missing rentalId", ErrMalformedEvent)
		}
	case EventTransferSucceeded:
		if ev.Reference == "" {
			return nil, fmt.Errorf("%w: missing reference", ErrMalformedEvent)
		}
	default:
		ev.ProviderType = string(ev.Type)
		ev.Type = EventIgnored
	}
	ev.Currency = strings.ToUpper(ev.Currency)
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Unix(unix, 0).UTC()
	}
	return &ev, nil
}

func parseSignatureHeader(h string) (ts, sig string, ok bool) {
	for _, part := range strings.Split(h, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	return ts, sig, ts != "" && sig != ""
}
