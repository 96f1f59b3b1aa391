package httpserver

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rx3lixir/callcore/internal/calls"
	"github.com/rx3lixir/callcore/internal/signaling"
)

type InitiateCallRequest struct {
	CalleeID uuid.UUID       `json:"callee_id"`
	ThreadID string          `json:"thread_id"`
	Offer    json.RawMessage `json:"offer"`
}

type AcceptCallRequest struct {
	Answer json.RawMessage `json:"answer"`
}

type CandidateRequest struct {
	Candidate json.RawMessage `json:"candidate"`
}

type CallResponse struct {
	calls.CallSession
	Incoming *signaling.IncomingCallView `json:"incoming,omitempty"`
}

type PresenceResponse struct {
	UserID    uuid.UUID `json:"user_id"`
	Reachable bool      `json:"reachable"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
