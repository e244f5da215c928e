package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"
)

const testWebhookSecret = "whsec_test"

type stripeCall struct {
	path           string
	idempotencyKey string
	form           map[string]string
}

// fakeStripe answers the subset of the Stripe API the gateway calls.
func fakeStripe(t *testing.T, status int, body string) (*Stripe, *[]stripeCall) {
	t.Helper()
	var calls []stripeCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form := make(map[string]string)
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		calls = append(calls, stripeCall{path: r.URL.Path, idempotencyKey: r.Header.Get("Idempotency-Key"), form: form})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	gw := NewStripe(StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: testWebhookSecret,
		BaseURL:       srv.URL,
		HTTPClient:    srv.Client(),
		Accounts:      StaticAccounts{"usr_owner": "acct_owner"},
	})
	return gw, &calls
}

func TestStripe_Transfer(t *testing.T) {
	gw, calls := fakeStripe(t, http.StatusOK, `{"id":"tr_123","object":"transfer"}`)

	ref, err := gw.Transfer(context.Background(), TransferRequest{
		RecipientID:    "usr_owner",
		Amount:         decimal.RequireFromString("90.00"),
		Currency:       "USD",
		CaptureRef:     "ch_abc",
		IdempotencyKey: "esc_1:payout",
	})
	require.NoError(t, err)
	assert.Equal(t, "tr_123", ref)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/v1/transfers", call.path)
	assert.Equal(t, "esc_1:payout", call.idempotencyKey)
	assert.Equal(t, "9000", call.form["amount"])
	assert.Equal(t, "usd", call.form["currency"])
	assert.Equal(t, "acct_owner", call.form["destination"])
	assert.Equal(t, "ch_abc", call.form["source_transaction"])
}

func TestStripe_Capture(t *testing.T) {
	gw, calls := fakeStripe(t, http.StatusOK, `{"id":"pi_auth","object":"payment_intent","status":"succeeded"}`)

	ref, err := gw.Capture(context.Background(), CaptureRequest{
		AuthorizationRef: "pi_auth",
		Amount:           decimal.RequireFromString("100.00"),
		Currency:         "USD",
		IdempotencyKey:   "esc_1:capture",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_auth", ref)
	call := (*calls)[0]
	assert.Equal(t, "/v1/payment_intents/pi_auth/capture", call.path)
	assert.Equal(t, "10000", call.form["amount_to_capture"])
}

func TestStripe_TransferUnknownRecipient(t *testing.T) {
	gw, calls := fakeStripe(t, http.StatusOK, `{}`)
	_, err := gw.Transfer(context.Background(), TransferRequest{RecipientID: "usr_nobody", Amount: decimal.NewFromInt(1), Currency: "USD"})
	assert.ErrorIs(t, err, ErrUnknownRecipient)
	assert.Empty(t, *calls)
}

func TestStripe_Refund(t *testing.T) {
	gw, calls := fakeStripe(t, http.StatusOK, `{"id":"re_123","object":"refund"}`)

	ref, err := gw.Refund(context.Background(), RefundRequest{
		CaptureRef:     "pi_abc",
		Amount:         decimal.RequireFromString("40.00"),
		Currency:       "USD",
		IdempotencyKey: "esc_1:refund",
	})
	require.NoError(t, err)
	assert.Equal(t, "re_123", ref)

	call := (*calls)[0]
	assert.Equal(t, "/v1/refunds", call.path)
	assert.Equal(t, "pi_abc", call.form["payment_intent"])
	assert.Equal(t, "4000", call.form["amount"])
	assert.Equal(t, "esc_1:refund", call.idempotencyKey)
}

func TestStripe_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"invalid request", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"error":{"type":"invalid_request_error","message":"nope"}}`
			gw, _ := fakeStripe(t, tt.status, body)
			_, err := gw.Refund(context.Background(), RefundRequest{
				CaptureRef: "ch_abc", Amount: decimal.NewFromInt(1), Currency: "USD", IdempotencyKey: "k",
			})
			require.Error(t, err)
			assert.Equal(t, tt.transient, errors.Is(err, ErrUnavailable), err.Error())
		})
	}
}

func signedStripeEvent(t *testing.T, id, typ, object string) ([]byte, string) {
	t.Helper()
	payload := []byte(fmt.Sprintf(
		`{"id":%q,"object":"event","type":%q,"created":%d,"api_version":"2020-08-27","data":{"object":%s}}`,
		id, typ, time.Now().Unix(), object))
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload,
		Secret:  testWebhookSecret,
	})
	return payload, signed.Header
}

func TestStripe_ParseCaptureSucceeded(t *testing.T) {
	gw, _ := fakeStripe(t, http.StatusOK, `{}`)
	payload, sig := signedStripeEvent(t, "evt_1", "payment_intent.succeeded", `{
		"id":"pi_123","object":"payment_intent","amount":10000,"amount_received":10000,"currency":"usd",
		"metadata":{"rental_id":"rnt_1","payer_id":"usr_renter","payee_id":"usr_owner","fee_percentage":"12.5"}}`)

	ev, err := gw.ParseWebhook(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, EventCaptureSucceeded, ev.Type)
	assert.Equal(t, "pi_123", ev.Reference)
	assert.Equal(t, "rnt_1", ev.RentalID)
	assert.Equal(t, "USD", ev.Currency)
	assert.True(t, ev.Amount.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, ev.FeePercentage)
	assert.Equal(t, "12.5", ev.FeePercentage.String())
}

func TestStripe_ParseCaptureFailed(t *testing.T) {
	gw, _ := fakeStripe(t, http.StatusOK, `{}`)
	payload, sig := signedStripeEvent(t, "evt_2", "payment_intent.payment_failed", `{
		"id":"pi_123","object":"payment_intent","amount":10000,"currency":"usd",
		"last_payment_error":{"message":"card declined"},
		"metadata":{"rental_id":"rnt_1"}}`)

	ev, err := gw.ParseWebhook(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, EventCaptureFailed, ev.Type)
	assert.Equal(t, "card declined", ev.FailureReason)
}

func TestStripe_ParseTransferAndIgnored(t *testing.T) {
	gw, _ := fakeStripe(t, http.StatusOK, `{}`)

	payload, sig := signedStripeEvent(t, "evt_3", "transfer.created", `{"id":"tr_9","object":"transfer","amount":9000,"currency":"usd",
		"metadata":{"escrow_idempotency_key":"esc_1:payout"}}`)
	ev, err := gw.ParseWebhook(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, EventTransferSucceeded, ev.Type)
	assert.Equal(t, "tr_9", ev.Reference)

	payload, sig = signedStripeEvent(t, "evt_4", "customer.created", `{"id":"cus_1","object":"customer"}`)
	ev, err = gw.ParseWebhook(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, EventIgnored, ev.Type)
	assert.Equal(t, "customer.created", ev.ProviderType)
}

func TestStripe_ParseRejectsBadSignature(t *testing.T) {
	gw, _ := fakeStripe(t, http.StatusOK, `{}`)
	payload, _ := signedStripeEvent(t, "evt_5", "transfer.created", `{"id":"tr_9","object":"transfer"}`)

	_, err := gw.ParseWebhook(payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestStripe_ForeignObjectsAreIgnored(t *testing.T) {
	gw, _ := fakeStripe(t, http.StatusOK, `{}`)

	tests := []struct {
		name   string
		typ    string
		object string
		ref    string
	}{
		{"payment without rental", "payment_intent.succeeded",
			`{"id":"pi_1","object":"payment_intent","amount":100,"currency":"usd"}`, "pi_1"},
		{"failed payment without rental", "payment_intent.payment_failed",
			`{"id":"pi_2","object":"payment_intent","amount":100,"currency":"usd","metadata":{"order":"o_1"}}`, "pi_2"},
		{"transfer made elsewhere", "transfer.created",
			`{"id":"tr_not_ours","object":"transfer","amount":500,"currency":"usd"}`, "tr_not_ours"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, sig := signedStripeEvent(t, fmt.Sprintf("evt_f%d", i), tt.typ, tt.object)
			ev, err := gw.ParseWebhook(payload, sig)
			require.NoError(t, err)
			assert.Equal(t, EventIgnored, ev.Type)
			assert.Equal(t, tt.typ, ev.ProviderType)
			assert.Equal(t, tt.ref, ev.Reference)
		})
	}
}

func TestStripe_CaptureWithBadFeeIsMalformed(t *testing.T) {
	gw, _ := fakeStripe(t, http.StatusOK, `{}`)
	payload, sig := signedStripeEvent(t, "evt_6", "payment_intent.succeeded",
		`{"id":"pi_1","object":"payment_intent","amount":100,"currency":"usd","metadata":{"rental_id":"rnt_1","fee_percentage":"ten"}}`)

	_, err := gw.ParseWebhook(payload, sig)
	assert.ErrorIs(t, err, ErrMalformedEvent)
}
