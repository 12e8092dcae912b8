package payment

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpass/ticketd/internal/domain"
)

var webhookSecret = []byte("whsec_test")

func TestVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	v := NewWebhookVerifier(webhookSecret, 5*time.Minute,
		WithVerifierClock(func() time.Time { return now }))

	body := []byte(`{"id":"evt_1","type":"payment.succeeded","data":{"payment_ref":"pi_1"}}`)
	sig := v.Sign(now, body)

	assert.NoError(t, v.Verify(sig, body))
}

func TestVerifyTamperedBody(t *testing.T) {
	now := time.Now()
	v := NewWebhookVerifier(webhookSecret, 5*time.Minute)

	body := []byte(`{"id":"evt_1"}`)
	sig := v.Sign(now, body)

	assert.ErrorIs(t, v.Verify(sig, []byte(`{"id":"evt_2"}`)), ErrBadSignature)
}

func TestVerifyWrongSecret(t *testing.T) {
	now := time.Now()
	signer := NewWebhookVerifier([]byte("other"), 5*time.Minute)
	v := NewWebhookVerifier(webhookSecret, 5*time.Minute)

	body := []byte(`{}`)
	assert.ErrorIs(t, v.Verify(signer.Sign(now, body), body), ErrBadSignature)
}

func TestVerifyGarbageHeader(t *testing.T) {
	v := NewWebhookVerifier(webhookSecret, 5*time.Minute)

	for _, h := range []string{"", "t=abc,v1=00", "v1=00", "t=123", "t=123,v1=zz"} {
		assert.ErrorIs(t, v.Verify(h, []byte(`{}`)), ErrBadSignature, "header %q", h)
	}
}

func TestVerifyStaleTimestamp(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	v := NewWebhookVerifier(webhookSecret, 5*time.Minute,
		WithVerifierClock(func() time.Time { return now }))

	body := []byte(`{}`)

	sig := v.Sign(now.Add(-6*time.Minute), body)
	assert.ErrorIs(t, v.Verify(sig, body), ErrStaleTimestamp)

	// future timestamps beyond tolerance are rejected too
	sig = v.Sign(now.Add(6*time.Minute), body)
	assert.ErrorIs(t, v.Verify(sig, body), ErrStaleTimestamp)

	sig = v.Sign(now.Add(-4*time.Minute), body)
	assert.NoError(t, v.Verify(sig, body))
}

func TestNormalizeKinds(t *testing.T) {
	cases := map[string]domain.PaymentEventKind{
		"payment.succeeded":        domain.PaymentSucceeded,
		"payment_intent.succeeded": domain.PaymentSucceeded,
		"charge.complete":          domain.PaymentSucceeded,
		"payment.failed":           domain.PaymentFailed,
		"charge.failed":            domain.PaymentFailed,
		"payment.refunded":         domain.PaymentRefunded,
		"refund.succeeded":         domain.PaymentRefunded,
	}

	received := time.Now().UTC()
	for typ, want := range cases {
		body := fmt.Appendf(nil,
			`{"id":"evt_9","type":%q,"data":{"payment_ref":"pi_9"}}`, typ)

		ev, err := Normalize(body, received)
		require.NoError(t, err, "type %s", typ)
		assert.Equal(t, want, ev.Kind)
		assert.Equal(t, "evt_9", ev.ExternalID)
		assert.Equal(t, "pi_9", ev.PaymentRef)
		assert.Equal(t, received, ev.ReceivedAt)
	}
}

func TestNormalizeUnknownKind(t *testing.T) {
	body := []byte(`{"id":"evt_9","type":"customer.created","data":{"payment_ref":"pi_9"}}`)
	_, err := Normalize(body, time.Now())
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestNormalizeMalformed(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"type":"payment.succeeded","data":{"payment_ref":"pi_9"}}`,
		`{"id":"evt_9","type":"payment.succeeded","data":{}}`,
	} {
		_, err := Normalize([]byte(body), time.Now())
		assert.ErrorIs(t, err, ErrMalformed, "body %s", body)
	}
}
