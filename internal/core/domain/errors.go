package domain

import "errors"

// Checkout outcomes surfaced to callers of the coordinator.
var (
	ErrOutOfStock      = errors.New("out of stock")
	ErrPricing         = errors.New("pricing failed")
	ErrPersistence     = errors.New("persistence failed")
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Storage-level conditions.
var (
	ErrReservationClosed = errors.New("reservation is no longer open")
	ErrLockTimeout       = errors.New("lock wait timeout")
	ErrDuplicate         = errors.New("duplicate record")
	ErrInvalidQuote      = errors.New("invalid quote")
)
