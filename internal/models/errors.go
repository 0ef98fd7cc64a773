package models

import "errors"

// Sentinel errors shared by services and handlers.
// The handler layer maps these to HTTP status codes.
var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrLoginInProgress     = errors.New("login already in progress for this account")
	ErrLoginNotStarted     = errors.New("login has not been started for this account")
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	ErrEmailTaken          = errors.New("email already registered")
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrUnknownBroker       = errors.New("unknown broker")
)

// ValidationError represents a malformed request that was rejected
// before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
