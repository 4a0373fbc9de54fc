package main

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Error taxonomy. Handlers wrap these so transport code can map any
// failure to a status without inspecting component internals.
var (
	ErrValidation    = errors.New("invalid input")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrExpired       = errors.New("expired")
	ErrUpstream      = errors.New("upstream unavailable")
	ErrIntegrity     = errors.New("integrity violation")
	ErrLoginFailed   = errors.New("login failed")
	ErrScopeMismatch = errors.New("scope mismatch")
)

// APIError represents a structured API error response.
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// writeTaxonomyError maps a component error onto its HTTP surface.
// Upstream failures deliberately surface as not-found: the caller cannot
// distinguish a missing account from a degraded verifier.
func writeTaxonomyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, ErrScopeMismatch):
		writeError(w, http.StatusExpectationFailed, "SCOPE_MISMATCH", err.Error())
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, ErrExpired):
		writeError(w, http.StatusGone, "EXPIRED", err.Error())
	case errors.Is(err, ErrLoginFailed):
		writeError(w, http.StatusForbidden, "LOGIN_FAILED", err.Error())
	case errors.Is(err, ErrUpstream), errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "not found")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}
