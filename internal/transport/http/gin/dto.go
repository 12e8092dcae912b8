package httpgin

import "time"

type CreateBookingRequest struct {
	EventID  int64 `json:"event_id" binding:"required"`
	Quantity int   `json:"quantity" binding:"required,gt=0"`
}

type CreateBookingResponse struct {
	BookingID     string    `json:"booking_id"`
	PaymentSecret string    `json:"payment_secret,omitempty"`
	TotalCents    int       `json:"total_cents"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type RedeemRequest struct {
	Token string `json:"token" binding:"required"`
}

type RedeemResponse struct {
	CheckInID     string    `json:"check_in_id"`
	BookingID     string    `json:"booking_id"`
	UnitsRedeemed int       `json:"units_redeemed"`
	CheckedInAt   time.Time `json:"checked_in_at"`
}

type BookingResponse struct {
	BookingID     string    `json:"booking_id"`
	EventID       int64     `json:"event_id"`
	Quantity      int       `json:"quantity"`
	TotalCents    int       `json:"total_cents"`
	Status        string    `json:"status"`
	UnitsRedeemed int       `json:"units_redeemed"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
}

type TicketResponse struct {
	Token string `json:"token"`
}

type CreateEventRequest struct {
	VenueID    int64  `json:"venue_id" binding:"required"`
	Title      string `json:"title" binding:"required"`
	Capacity   int    `json:"capacity" binding:"required,gte=0"`
	PriceCents int    `json:"price_cents" binding:"gte=0"`
	StartsAt   string `json:"starts_at" binding:"required"`
	EndsAt     string `json:"ends_at" binding:"required"`
}

type CreateEventResponse struct {
	EventID int64 `json:"event_id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
