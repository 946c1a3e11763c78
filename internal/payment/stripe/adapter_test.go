package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabulahq/tabula/internal/payment/domain"
)

const testSecret = "whsec_test"

func signedHeader(t *testing.T, payload []byte, at time.Time) http.Header {
	t.Helper()

	timestamp := at.Unix()
	mac := hmac.New(sha256.New, []byte(testSecret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)

	header := http.Header{}
	header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil))))
	return header
}

func testAdapter(at time.Time) *Adapter {
	adapter := New(testSecret, 5*time.Minute)
	adapter.now = func() time.Time { return at }
	return adapter
}

func TestParseEvent_PaymentSucceeded(t *testing.T) {
	now := time.Now()
	payload := []byte(`{
		"id": "evt_123",
		"type": "invoice.payment_succeeded",
		"data": {"object": {"id": "in_1", "customer": "cus_9", "subscription": "sub_7", "amount_paid": 2999}}
	}`)

	event, err := testAdapter(now).ParseEvent(payload, signedHeader(t, payload, now))
	require.NoError(t, err)

	assert.Equal(t, "evt_123", event.ID)
	assert.Equal(t, domain.EventPaymentSucceeded, event.Type)
	assert.Equal(t, "cus_9", event.ProviderCustomerID)
	assert.Equal(t, "sub_7", event.ProviderSubscriptionID)
	assert.InDelta(t, 29.99, event.Amount, 1e-9)
}

func TestParseEvent_SubscriptionUpdated(t *testing.T) {
	now := time.Now()
	periodEnd := now.Add(30 * 24 * time.Hour).Unix()
	payload := []byte(fmt.Sprintf(`{
		"id": "evt_456",
		"type": "customer.subscription.updated",
		"data": {"object": {"id": "sub_7", "customer": "cus_9", "status": "past_due", "current_period_end": %d}}
	}`, periodEnd))

	event, err := testAdapter(now).ParseEvent(payload, signedHeader(t, payload, now))
	require.NoError(t, err)

	assert.Equal(t, domain.EventSubscriptionUpdated, event.Type)
	assert.Equal(t, "sub_7", event.ProviderSubscriptionID)
	assert.Equal(t, "past_due", event.Status)
	assert.Equal(t, time.Unix(periodEnd, 0).UTC(), event.CurrentPeriodEnd)
}

func TestParseEvent_SubscriptionDeleted(t *testing.T) {
	now := time.Now()
	payload := []byte(`{
		"id": "evt_789",
		"type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_7", "customer": "cus_9"}}
	}`)

	event, err := testAdapter(now).ParseEvent(payload, signedHeader(t, payload, now))
	require.NoError(t, err)
	assert.Equal(t, domain.EventSubscriptionDeleted, event.Type)
}

func TestParseEvent_UnhandledTypeIgnored(t *testing.T) {
	now := time.Now()
	payload := []byte(`{"id": "evt_x", "type": "charge.refunded", "data": {"object": {}}}`)

	_, err := testAdapter(now).ParseEvent(payload, signedHeader(t, payload, now))
	assert.ErrorIs(t, err, domain.ErrEventIgnored)
}

func TestParseEvent_RejectsBadSignature(t *testing.T) {
	now := time.Now()
	payload := []byte(`{"id": "evt_x", "type": "invoice.payment_succeeded", "data": {"object": {}}}`)

	header := http.Header{}
	header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=deadbeef", now.Unix()))

	_, err := testAdapter(now).ParseEvent(payload, header)
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestParseEvent_RejectsMissingSignature(t *testing.T) {
	now := time.Now()
	payload := []byte(`{"id": "evt_x", "type": "invoice.payment_succeeded", "data": {"object": {}}}`)

	_, err := testAdapter(now).ParseEvent(payload, http.Header{})
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestParseEvent_RejectsStaleTimestamp(t *testing.T) {
	now := time.Now()
	payload := []byte(`{"id": "evt_x", "type": "invoice.payment_succeeded", "data": {"object": {}}}`)
	header := signedHeader(t, payload, now.Add(-10*time.Minute))

	_, err := testAdapter(now).ParseEvent(payload, header)
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestParseEvent_TamperedPayloadRejected(t *testing.T) {
	now := time.Now()
	payload := []byte(`{"id": "evt_x", "type": "invoice.payment_succeeded", "data": {"object": {"amount_paid": 100}}}`)
	header := signedHeader(t, payload, now)

	tampered := []byte(`{"id": "evt_x", "type": "invoice.payment_succeeded", "data": {"object": {"amount_paid": 100000}}}`)
	_, err := testAdapter(now).ParseEvent(tampered, header)
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestParseEvent_MalformedJSON(t *testing.T) {
	now := time.Now()
	payload := []byte(`{not json`)

	_, err := testAdapter(now).ParseEvent(payload, signedHeader(t, payload, now))
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}

func TestVerifySignature_NoSecretSkipsCheck(t *testing.T) {
	adapter := New("", 0)
	payload := []byte(`{"id": "evt_x", "type": "customer.subscription.deleted", "data": {"object": {"id": "sub_1"}}}`)

	event, err := adapter.ParseEvent(payload, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, domain.EventSubscriptionDeleted, event.Type)
}
