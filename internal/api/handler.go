// Package api provides HTTP handlers for the chat relay.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashureev/streamchat/internal/domain"
)

// Error codes reported in the X-Stream-Error trailer and WebSocket error frames.
const (
	CodeNotFound           = "not_found"
	CodeValidation         = "validation_error"
	CodeUpstreamFailure    = "upstream_failure"
	CodePersistenceFailure = "persistence_failure"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorCode classifies err into one of the error codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, domain.ErrValidation):
		return CodeValidation
	case errors.Is(err, domain.ErrUpstream):
		return CodeUpstreamFailure
	default:
		return CodePersistenceFailure
	}
}

// WriteDomainError maps err onto an HTTP status and JSON body.
func WriteDomainError(w http.ResponseWriter, err error) {
	switch ErrorCode(err) {
	case CodeNotFound:
		Error(w, http.StatusNotFound, "chat not found")
	case CodeValidation:
		Error(w, http.StatusBadRequest, err.Error())
	case CodeUpstreamFailure:
		Error(w, http.StatusInternalServerError, "upstream failure")
	default:
		Error(w, http.StatusInternalServerError, "persistence failure")
	}
}
