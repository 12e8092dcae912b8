package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIntent(t *testing.T) {
	bookingID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))

		var req createIntentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 2500, req.AmountCents)
		assert.Equal(t, "usd", req.Currency)
		assert.Equal(t, bookingID.String(), req.BookingID)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Intent{Ref: "pi_123", ClientSecret: "pi_123_secret"})
	}))
	defer srv.Close()

	c := NewHTTPIntentClient(srv.URL, "sk_test")

	intent, err := c.CreateIntent(context.Background(), 2500, "usd", bookingID)
	require.NoError(t, err)
	assert.Equal(t, "pi_123", intent.Ref)
	assert.Equal(t, "pi_123_secret", intent.ClientSecret)
}

func TestCreateIntentProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPIntentClient(srv.URL, "sk_test")

	_, err := c.CreateIntent(context.Background(), 100, "usd", uuid.New())
	assert.Error(t, err)
}

func TestCreateIntentEmptyRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Intent{})
	}))
	defer srv.Close()

	c := NewHTTPIntentClient(srv.URL, "sk_test")

	_, err := c.CreateIntent(context.Background(), 100, "usd", uuid.New())
	assert.Error(t, err)
}
