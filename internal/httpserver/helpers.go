package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rx3lixir/callcore/internal/calls"
	"github.com/rx3lixir/callcore/internal/hub"
	"github.com/rx3lixir/callcore/pkg/jwt"
)

// APIError represents the structure of error responses
type APIError struct {
	Error string `json:"error"`
}

// respondJSON sends a JSON response with the given status code
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			s.log.Error("Failed to encode JSON response", "error", err)
		}
	}
}

// respondError sends an error response with appropriate status code
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, APIError{Error: message})
}

// handleError maps domain errors to HTTP responses in one place.
func (s *Server) handleError(w http.ResponseWriter, err error) {
	var validationErr *ValidationErr
	if errors.As(err, &validationErr) {
		s.respondError(w, http.StatusBadRequest, validationErr.Error())
		return
	}

	var notFoundErr *NotFoundErr
	if errors.As(err, &notFoundErr) {
		s.respondError(w, http.StatusNotFound, notFoundErr.Error())
		return
	}

	var unauthorizedErr *UnauthorizedErr
	if errors.As(err, &unauthorizedErr) {
		s.respondError(w, http.StatusUnauthorized, unauthorizedErr.Error())
		return
	}

	switch {
	case errors.Is(err, jwt.ErrInvalidToken):
		s.respondError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, calls.ErrInvalidParticipants):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, calls.ErrCallInProgress),
		errors.Is(err, calls.ErrInvalidStateTransition),
		errors.Is(err, hub.ErrNotConnected):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, calls.ErrCallNotFound), errors.Is(err, calls.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, calls.ErrClosed):
		s.respondError(w, http.StatusServiceUnavailable, "Service is shutting down")
	case errors.Is(err, calls.ErrTransport):
		s.log.Error("Signal delivery failed", "error", err)
		s.respondError(w, http.StatusBadGateway, "Failed to reach the other participant")
	default:
		s.log.Error("Internal server error", "error", err)
		s.respondError(w, http.StatusInternalServerError, "An unexpected error occurred")
	}
}

type ValidationErr struct {
	Message string
}

func (e *ValidationErr) Error() string {
	return e.Message
}

func NewValidationError(message string) error {
	return &ValidationErr{
		Message: message,
	}
}

type NotFoundErr struct {
	Message string
}

func (e *NotFoundErr) Error() string {
	return e.Message
}

func NewNotFoundError(message string) error {
	return &NotFoundErr{
		Message: message,
	}
}

type UnauthorizedErr struct {
	Message string
}

func (e *UnauthorizedErr) Error() string {
	return e.Message
}

func NewUnauthorizedError(message string) error {
	return &UnauthorizedErr{
		Message: message,
	}
}
