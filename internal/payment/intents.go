package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Intent is the provider's answer to an intent creation: an opaque reference
// used to correlate later notifications, and a secret the client hands to the
// provider's checkout widget.
type Intent struct {
	Ref          string `json:"ref"`
	ClientSecret string `json:"client_secret"`
}

// IntentCreator creates a payment intent for a booking.
type IntentCreator interface {
	CreateIntent(ctx context.Context, amountCents int, currency string, bookingID uuid.UUID) (*Intent, error)
}

// HTTPIntentClient talks to the provider's intent endpoint with bearer auth.
type HTTPIntentClient struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPIntentClient(url, apiKey string) *HTTPIntentClient {
	return &HTTPIntentClient{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type createIntentRequest struct {
	AmountCents int    `json:"amount_cents"`
	Currency    string `json:"currency"`
	BookingID   string `json:"booking_id"`
}

func (c *HTTPIntentClient) CreateIntent(
	ctx context.Context,
	amountCents int,
	currency string,
	bookingID uuid.UUID,
) (*Intent, error) {
	const op = "payment.HTTPIntentClient.CreateIntent"

	body, err := json.Marshal(createIntentRequest{
		AmountCents: amountCents,
		Currency:    currency,
		BookingID:   bookingID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%s: provider returned %d", op, resp.StatusCode)
	}

	var intent Intent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	if intent.Ref == "" {
		return nil, fmt.Errorf("%s: provider returned empty ref", op)
	}

	return &intent, nil
}
