// Package payment is the boundary to the external payment provider. It
// verifies inbound notifications, normalizes them into domain payment events
// and creates payment intents. It never decides booking state itself.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openpass/ticketd/internal/domain"
)

var (
	ErrBadSignature   = errors.New("webhook signature mismatch")
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")
	ErrMalformed      = errors.New("webhook payload malformed")
	ErrUnknownKind    = errors.New("unknown payment event kind")
)

// WebhookVerifier checks the provider's message signature before the payload
// is trusted. The signature header has the form "t=<unix>,v1=<hex>", where
// v1 = HMAC-SHA256(secret, "<unix>.<body>"). The timestamp bound rejects
// replayed captures of old deliveries.
type WebhookVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

type VerifierOption func(*WebhookVerifier)

func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *WebhookVerifier) { v.now = now }
}

func NewWebhookVerifier(secret []byte, tolerance time.Duration, opts ...VerifierOption) *WebhookVerifier {
	v := &WebhookVerifier{
		secret:    secret,
		tolerance: tolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify fails closed: any parse problem is treated as a bad signature, not
// ignored.
func (v *WebhookVerifier) Verify(sigHeader string, body []byte) error {
	var ts int64
	var got []byte

	for _, part := range strings.Split(sigHeader, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return ErrBadSignature
			}
			ts = n
		case "v1":
			b, err := hex.DecodeString(val)
			if err != nil {
				return ErrBadSignature
			}
			got = b
		}
	}

	if ts == 0 || got == nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)

	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age > v.tolerance || age < -v.tolerance {
		return ErrStaleTimestamp
	}

	return nil
}

// Sign produces the signature header for a body, used by tests and by the
// provider simulator.
func (v *WebhookVerifier) Sign(ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

type providerEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		PaymentRef string `json:"payment_ref"`
	} `json:"data"`
}

// kindByType maps provider status strings onto the closed kind set. Unknown
// types are rejected at this boundary instead of propagating as ad hoc
// strings.
var kindByType = map[string]domain.PaymentEventKind{
	"payment.succeeded":        domain.PaymentSucceeded,
	"payment_intent.succeeded": domain.PaymentSucceeded,
	"charge.complete":          domain.PaymentSucceeded,
	"payment.failed":           domain.PaymentFailed,
	"payment_intent.failed":    domain.PaymentFailed,
	"charge.failed":            domain.PaymentFailed,
	"payment.refunded":         domain.PaymentRefunded,
	"charge.refunded":          domain.PaymentRefunded,
	"refund.succeeded":         domain.PaymentRefunded,
}

// Normalize decodes a verified provider payload into a domain PaymentEvent.
//
// Returns:
//   - error: payment.ErrMalformed if required fields are missing,
//     payment.ErrUnknownKind for event types outside the closed kind set.
func Normalize(body []byte, receivedAt time.Time) (*domain.PaymentEvent, error) {
	var pe providerEvent
	if err := json.Unmarshal(body, &pe); err != nil {
		return nil, ErrMalformed
	}

	if pe.ID == "" || pe.Data.PaymentRef == "" {
		return nil, ErrMalformed
	}

	kind, ok := kindByType[pe.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, pe.Type)
	}

	return &domain.PaymentEvent{
		ExternalID: pe.ID,
		Kind:       kind,
		PaymentRef: pe.Data.PaymentRef,
		ReceivedAt: receivedAt,
	}, nil
}
