package domain

import "errors"

var (
	ErrValidation   = errors.New("validation error")
	ErrStorage      = errors.New("storage error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrDuplicate    = errors.New("duplicate")
	ErrConflict     = errors.New("conflict")
)

// Reason maps an error to the wire reason carried by send-error and error signals.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrStorage):
		return "storage_error"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal_error"
	}
}
