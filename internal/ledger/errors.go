package ledger

import (
	"errors"
	"fmt"

	"fieldbook/internal/store"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	// ErrUnavailable covers an unreachable store and exhausted write contention.
	ErrUnavailable = store.ErrUnavailable
)

// ValidationError describes malformed input. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func isValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func isUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
