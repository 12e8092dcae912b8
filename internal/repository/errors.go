package repository

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrOverRelease           = errors.New("release exceeds reserved units")
	ErrDuplicateEvent        = errors.New("payment event already processed")
	ErrRedeemExhausted       = errors.New("no units left to redeem")
)
