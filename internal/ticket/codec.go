// Package ticket issues and verifies signed ticket tokens for confirmed
// bookings. A token binds every payload field under an HMAC so a captured
// token cannot be replayed for a different booking, user, event or quantity.
package ticket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openpass/ticketd/internal/domain"
)

var (
	ErrInvalidState = errors.New("booking is not confirmed")
	ErrMalformed    = errors.New("token is malformed")
	ErrBadSignature = errors.New("token signature mismatch")
	ErrExpired      = errors.New("token is expired")
)

const DefaultValidity = 24 * time.Hour

// Payload is the signed content of a ticket token.
type Payload struct {
	BookingID uuid.UUID `json:"booking_id"`
	UserID    int64     `json:"user_id"`
	EventID   int64     `json:"event_id"`
	Quantity  int       `json:"quantity"`
	IssuedAt  int64     `json:"issued_at"`
}

type Codec struct {
	key      []byte
	validity time.Duration
	now      func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithValidity overrides the default 24h token validity window.
func WithValidity(d time.Duration) Option {
	return func(c *Codec) { c.validity = d }
}

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

func NewCodec(key []byte, opts ...Option) *Codec {
	c := &Codec{
		key:      key,
		validity: DefaultValidity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue builds a signed token for a confirmed (or completed) booking.
//
// Returns:
//   - string: the token, base64url(payload) + "." + base64url(signature).
//   - error: ticket.ErrInvalidState if the booking has not been confirmed.
func (c *Codec) Issue(b *domain.Booking) (string, error) {
	if b.Status != domain.BookingConfirmed && b.Status != domain.BookingCompleted {
		return "", ErrInvalidState
	}

	p := Payload{
		BookingID: b.ID,
		UserID:    b.UserID,
		EventID:   b.EventID,
		Quantity:  b.Quantity,
		IssuedAt:  c.now().Unix(),
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(raw) +
		"." +
		base64.RawURLEncoding.EncodeToString(c.sign(raw)), nil
}

// Verify checks the token signature and validity window and returns the
// embedded payload. It is pure: the booking store is never consulted, callers
// cross-check the decoded fields against the persisted booking.
//
// Returns:
//   - *Payload: the decoded payload on success.
//   - error: ticket.ErrMalformed, ticket.ErrBadSignature or ticket.ErrExpired.
func (c *Codec) Verify(token string) (*Payload, error) {
	rawPart, sigPart, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrMalformed
	}

	raw, err := base64.RawURLEncoding.DecodeString(rawPart)
	if err != nil {
		return nil, ErrMalformed
	}

	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return nil, ErrMalformed
	}

	if !hmac.Equal(sig, c.sign(raw)) {
		return nil, ErrBadSignature
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ErrMalformed
	}

	issued := time.Unix(p.IssuedAt, 0)
	if c.now().Sub(issued) > c.validity {
		return nil, ErrExpired
	}

	return &p, nil
}

func (c *Codec) sign(raw []byte) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(raw)
	return mac.Sum(nil)
}
