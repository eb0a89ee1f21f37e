// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// ErrUnavailable reports a dependency failure; the request was not served.
var ErrUnavailable = errors.New("service unavailable")

// StatusFor maps a domain error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, shared.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, shared.ErrPolicyViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	switch status {
	case http.StatusBadRequest:
		Problem(w, status, "Validation Failed", err.Error())
	case http.StatusUnauthorized:
		Problem(w, status, "Unauthorized", shared.UserSafeMessage(err))
	case http.StatusForbidden:
		Problem(w, status, "Forbidden", "action not permitted")
	case http.StatusNotFound:
		Problem(w, status, "Not Found", shared.UserSafeMessage(err))
	case http.StatusConflict:
		Problem(w, status, "Conflict", err.Error())
	case http.StatusUnprocessableEntity:
		Problem(w, status, "Policy Violation", err.Error())
	case http.StatusServiceUnavailable:
		Problem(w, status, "Service Unavailable", "")
	default:
		Problem(w, status, "Internal Error", "")
	}
}
