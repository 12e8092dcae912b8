package admin

import "errors"

var (
	ErrEventConflict = errors.New("conflict creating event")
	ErrEventNotFound = errors.New("event not found")
	ErrInvalidEvent  = errors.New("invalid event definition")
)
