package coordinator

import (
	"errors"
	"fmt"
)

// ErrNotFound reports a missing raffle or donation.
var ErrNotFound = errors.New("not found")

// ValidationError rejects malformed input before any write happens.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ConflictError is a definitive business-rule rejection, such as a sold-out
// raffle. Retrying the identical request cannot succeed.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

func invalid(field string, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func conflict(reason string) error {
	return &ConflictError{Reason: reason}
}
