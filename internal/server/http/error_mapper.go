package http

import (
	"errors"
	"net/http"

	"strato/internal/domain/edge"
)

// mapDomainError translates a domain/service error into an HTTP status code
// and a user-facing message. Returns (0, "") for unrecognized errors, letting
// the caller fall back to 500.
func mapDomainError(err error) (status int, message string) {
	if err == nil {
		return 0, ""
	}

	switch {
	case errors.Is(err, edge.ErrValidation):
		return http.StatusBadRequest, err.Error()

	case errors.Is(err, edge.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid access token"

	case errors.Is(err, edge.ErrRegistrationTokenInvalid),
		errors.Is(err, edge.ErrRegistrationTokenExpired):
		return http.StatusUnauthorized, err.Error()

	case errors.Is(err, edge.ErrRegistrationTokenUsed):
		return http.StatusConflict, err.Error()

	case errors.Is(err, edge.ErrRuntimeNotFound),
		errors.Is(err, edge.ErrTaskNotFound):
		return http.StatusNotFound, err.Error()

	case errors.Is(err, edge.ErrTaskLeaseInvalid):
		return http.StatusConflict, err.Error()

	case errors.Is(err, edge.ErrNoEligibleRuntime):
		return http.StatusBadRequest, err.Error()

	default:
		return 0, ""
	}
}

// writeMappedError writes an error response using domain error mapping, with
// a 500 fallback for everything unmapped.
func writeMappedError(w http.ResponseWriter, err error) {
	if status, msg := mapDomainError(err); status != 0 {
		writeError(w, status, msg)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}
