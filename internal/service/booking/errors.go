package booking

import "errors"

var (
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrEventNotFound         = errors.New("event not found")
	ErrBookingNotFound       = errors.New("booking not found")
	ErrNotOwner              = errors.New("booking belongs to another user")
	ErrInvalidTransition     = errors.New("operation not valid for current booking status")
	ErrIntentFailed          = errors.New("payment intent creation failed")
)
