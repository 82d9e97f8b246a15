// Package autherr defines the error taxonomy shared by the auth and
// security services. Failures are modeled as sentinel errors matched with
// errors.Is; handlers map them to HTTP statuses in one place.
package autherr

import (
	"errors"
	"net/http"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenUsed          = errors.New("token already used")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrProvider           = errors.New("provider error")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrSuspiciousBlocked  = errors.New("blocked for suspicious activity")
)

// HTTPStatus maps a taxonomy error to its response status. Unknown errors
// map to 500 so no storage or stack detail leaks to the caller.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrTokenUsed):
		return http.StatusGone
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrSuspiciousBlocked):
		return http.StatusForbidden
	case errors.Is(err, ErrProvider):
		return http.StatusBadGateway
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the stable, user-visible message for a taxonomy error.
func Message(err error) string {
	for _, sentinel := range []error{
		ErrInvalidInput, ErrTokenExpired, ErrTokenUsed, ErrRateLimited,
		ErrUnauthorized, ErrForbidden, ErrProvider, ErrStorageUnavailable,
		ErrSuspiciousBlocked,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal server error"
}
