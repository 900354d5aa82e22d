package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthenticated     = fmt.Errorf("not authenticated")
	ErrForbidden           = fmt.Errorf("access denied")
	ErrNotFound            = fmt.Errorf("not found")
	ErrRateLimited         = fmt.Errorf("rate limit exceeded")
	ErrValidation          = fmt.Errorf("invalid input")
	ErrUnavailable         = fmt.Errorf("temporarily unavailable")
	ErrConstraintViolation = fmt.Errorf("constraint violation")
	ErrWorkerPanic         = fmt.Errorf("worker panic")
)

// MapToHTTPStatus translates the error taxonomy into HTTP status codes.
// Wrapped errors are unwrapped via errors.Is, so services can annotate
// failures with %w without breaking the mapping.
func MapToHTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrConstraintViolation):
		return http.StatusConflict
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
