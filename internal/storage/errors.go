package storage

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Backends wrap these so callers can branch with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrConflict          = errors.New("conflicting concurrent write")
	ErrInvalid           = errors.New("invalid entity")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrMediumUnavailable = errors.New("storage medium unavailable")
	ErrTimeout           = errors.New("storage timeout")
)

// Kind returns a short label for the error kind, or "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, ErrDuplicateKey):
		return "duplicate_key"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrMediumUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

// Unavailable wraps a medium failure as ErrMediumUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrMediumUnavailable, err)
}

// deadline converts context deadline errors into ErrTimeout.
func deadline(err error) error {
	if err == nil || errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
