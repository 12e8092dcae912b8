package domain

import (
	"time"

	"github.com/google/uuid"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
	BookingRefunded  BookingStatus = "refunded"
)

// transitions is the full forward-only lifecycle of a booking.
// cancelled, completed and refunded are terminal.
var transitions = map[BookingStatus][]BookingStatus{
	BookingPending:   {BookingConfirmed, BookingCancelled},
	BookingConfirmed: {BookingCompleted, BookingRefunded, BookingCancelled},
}

// CanTransition reports whether a booking may move from s to next.
func (s BookingStatus) CanTransition(next BookingStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s BookingStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

type PaymentEventKind string

const (
	PaymentSucceeded PaymentEventKind = "succeeded"
	PaymentFailed    PaymentEventKind = "failed"
	PaymentRefunded  PaymentEventKind = "refunded"
)

type RedemptionMode string

const (
	// RedeemPerBooking consumes the whole booking quantity on a single scan.
	RedeemPerBooking RedemptionMode = "per-booking"
	// RedeemPerUnit consumes one unit per scan; the same token is presented
	// once per attendee.
	RedeemPerUnit RedemptionMode = "per-unit"
)

type Event struct {
	ID             int64
	VenueID        int64
	Title          string
	Capacity       int
	AvailableUnits int
	PriceCents     int
	Starts         time.Time
	Ends           time.Time
	Active         bool
}

type Booking struct {
	ID            uuid.UUID
	UserID        int64
	EventID       int64
	Quantity      int
	TotalCents    int
	Status        BookingStatus
	PaymentRef    *string
	TicketToken   *string
	UnitsRedeemed int
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// PaymentEvent is a normalized payment-provider notification. ExternalID is
// the provider's unique event id and is the deduplication key.
type PaymentEvent struct {
	ExternalID string
	Kind       PaymentEventKind
	PaymentRef string
	ReceivedAt time.Time
}

type CheckIn struct {
	ID          uuid.UUID
	BookingID   uuid.UUID
	Units       int
	CheckedInBy int64
	CheckedInAt time.Time
}

// EventAvailability is the public view of an event's remaining inventory.
type EventAvailability struct {
	Capacity  int `json:"capacity"`
	Available int `json:"available"`
	Reserved  int `json:"reserved"`
}
