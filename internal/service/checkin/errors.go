package checkin

import "errors"

var (
	ErrBookingNotFound = errors.New("booking not found")
	// ErrAlreadyRedeemed is a legitimate double scan, reported separately
	// from signature failures so staff can explain it to the attendee.
	ErrAlreadyRedeemed = errors.New("booking already fully redeemed")
	ErrNotConfirmed    = errors.New("booking never reached confirmed")
	// ErrTokenMismatch means the token verified but its fields disagree with
	// the persisted booking. That should not happen with a well-behaved
	// issuer and is logged for fraud monitoring.
	ErrTokenMismatch = errors.New("token does not match booking record")
)
