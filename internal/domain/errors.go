package domain

import (
	"errors"
	"strings"
)

var (
	// ErrValidation marks malformed input rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidUsername is returned when a pattern cannot be derived.
	ErrInvalidUsername = errors.New("username must be at least 7 characters long")
	// ErrDuplicateUsername is returned when the username is already taken.
	ErrDuplicateUsername = errors.New("username already exists")
	// ErrDuplicateRegistration is returned for a repeated username+email pair.
	ErrDuplicateRegistration = errors.New("username is already registered with this email address")
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrStorage wraps persistence failures. Callers surface it as a 500.
	ErrStorage = errors.New("storage error")
	// ErrChannelDisabled is returned by a channel whose provider is not configured.
	ErrChannelDisabled = errors.New("notification channel disabled")
)

// ValidationError carries per-field messages for the client.
type ValidationError struct {
	Message string
	Details []string
}

// NewValidationError builds a ValidationError from a summary and details.
func NewValidationError(message string, details ...string) *ValidationError {
	return &ValidationError{Message: message, Details: details}
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Details, "; ")
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
