package goaffiliate

import "errors"

var (
	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrCodeNotFound is returned when a referral code does not exist
	ErrCodeNotFound = errors.New("referral code not found")

	// ErrCodeNotOwned is returned when a referral code belongs to another affiliate
	ErrCodeNotOwned = errors.New("referral code belongs to another affiliate")

	// ErrInvalidCode is returned for referral codes missing required fields
	ErrInvalidCode = errors.New("invalid referral code")

	// ErrInvalidEvent is returned for events missing a user, type or timestamp
	ErrInvalidEvent = errors.New("invalid event")

	// ErrNegativeRate is returned for commission rules with a negative rate
	ErrNegativeRate = errors.New("commission rate must not be negative")

	// ErrDuplicateRule is returned when a code defines two rules for the same event
	ErrDuplicateRule = errors.New("duplicate commission rule")

	// ErrMixedCurrency is returned when a code's rules use more than one currency
	ErrMixedCurrency = errors.New("commission rules mix currencies")

	// ErrInvalidRange is returned when a date range ends before it starts
	ErrInvalidRange = errors.New("invalid date range")

	// ErrCircuitOpen is returned when the storage circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
)
