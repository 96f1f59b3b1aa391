package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxSignalPayload = 64 << 10

func validateInitiateCallRequest(req *InitiateCallRequest) error {
	if req.CalleeID == uuid.Nil {
		return NewValidationError("callee_id is required")
	}

	if len(req.ThreadID) > 128 {
		return NewValidationError("thread_id must be at most 128 characters long")
	}

	return validatePayload("offer", req.Offer)
}

func validatePayload(field string, payload json.RawMessage) error {
	if len(payload) == 0 || string(payload) == "null" {
		return NewValidationError(field + " is required")
	}

	if len(payload) > maxSignalPayload {
		return NewValidationError(field + " is too large")
	}

	if !json.Valid(payload) {
		return NewValidationError(field + " must be valid JSON")
	}

	return nil
}

// pathUUID parses a uuid route parameter.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, NewValidationError("Invalid " + name + " format")
	}
	return id, nil
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 2*maxSignalPayload)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return NewValidationError("Invalid JSON format")
	}
	return nil
}
