package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lilistrocel/sensehub-sub001/internal/automation"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeRunInProgress    = "RUN_IN_PROGRESS"
	ErrCodeDisabled         = "AUTOMATION_DISABLED"
	ErrCodeUnavailable      = "SERVICE_UNAVAILABLE"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	ErrCodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	ErrCodeRouteNotFound    = "ROUTE_NOT_FOUND"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps an automation error to its HTTP response.
// Unknown errors become a 500 carrying fallback, never the raw error text.
func writeDomainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, automation.ErrAutomationNotFound):
		writeNotFound(w, "automation not found")
	case errors.Is(err, automation.ErrRunNotFound):
		writeNotFound(w, "run not found")
	case errors.Is(err, automation.ErrAutomationExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, automation.ErrInvalidAutomation), errors.Is(err, automation.ErrScheduleParse):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, automation.ErrRunInProgress):
		writeError(w, http.StatusConflict, ErrCodeRunInProgress, "automation already has a run in progress")
	case errors.Is(err, automation.ErrAutomationDisabled):
		writeError(w, http.StatusConflict, ErrCodeDisabled, "automation is disabled")
	case errors.Is(err, automation.ErrEngineNotRunning):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "automation engine is not running")
	default:
		writeInternalError(w, fallback)
	}
}
