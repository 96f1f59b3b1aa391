package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rx3lixir/callcore/internal/calls"
)

// callContext resolves the caller's controller and the {id} route parameter.
func (s *Server) callContext(r *http.Request) (CallController, uuid.UUID, error) {
	callID, err := pathUUID(r, "id")
	if err != nil {
		return nil, uuid.Nil, err
	}

	ctrl, err := s.controller(userIDFromContext(r.Context()))
	if err != nil {
		return nil, uuid.Nil, err
	}
	return ctrl, callID, nil
}

func (s *Server) HandleInitiateCall(w http.ResponseWriter, r *http.Request) {
	req := new(InitiateCallRequest)
	if err := decodeJSON(w, r, req); err != nil {
		s.handleError(w, err)
		return
	}

	if err := validateInitiateCallRequest(req); err != nil {
		s.handleError(w, err)
		return
	}

	userID := userIDFromContext(r.Context())
	ctrl, err := s.controller(userID)
	if err != nil {
		s.handleError(w, err)
		return
	}

	session, err := ctrl.Initiate(r.Context(), req.CalleeID, req.ThreadID, req.Offer)
	if err != nil {
		s.log.Warn("Call initiation failed", "caller_id", userID, "callee_id", req.CalleeID, "error", err)
		s.handleError(w, err)
		return
	}

	s.log.Info("Call initiated", "call_id", session.ID, "caller_id", userID, "callee_id", req.CalleeID)
	s.respondJSON(w, http.StatusCreated, CallResponse{CallSession: session})
}

func (s *Server) HandleGetCall(w http.ResponseWriter, r *http.Request) {
	callID, err := pathUUID(r, "id")
	if err != nil {
		s.handleError(w, err)
		return
	}
	userID := userIDFromContext(r.Context())

	if ctrl, err := s.controller(userID); err == nil {
		if session, ok := ctrl.Session(callID); ok {
			resp := CallResponse{CallSession: session}
			if view, ok := ctrl.IncomingCall(callID); ok {
				resp.Incoming = &view
			}
			s.respondJSON(w, http.StatusOK, resp)
			return
		}
	}

	session, err := s.storedCall(r.Context(), userID, callID)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, CallResponse{CallSession: *session})
}

// storedCall loads a call record the user took part in.
func (s *Server) storedCall(ctx context.Context, userID, callID uuid.UUID) (*calls.CallSession, error) {
	if s.records == nil {
		return nil, NewNotFoundError("Call not found")
	}

	session, err := s.records.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			return nil, NewNotFoundError("Call not found")
		}
		return nil, err
	}

	if session.CallerID != userID && session.CalleeID != userID {
		return nil, NewNotFoundError("Call not found")
	}
	return session, nil
}

func (s *Server) HandleAcceptCall(w http.ResponseWriter, r *http.Request) {
	ctrl, callID, err := s.callContext(r)
	if err != nil {
		s.handleError(w, err)
		return
	}

	req := new(AcceptCallRequest)
	if err := decodeJSON(w, r, req); err != nil {
		s.handleError(w, err)
		return
	}
	if err := validatePayload("answer", req.Answer); err != nil {
		s.handleError(w, err)
		return
	}

	if err := ctrl.Accept(r.Context(), callID, req.Answer); err != nil {
		s.handleError(w, err)
		return
	}
	s.respondSession(w, ctrl, callID)
}

func (s *Server) HandleDeclineCall(w http.ResponseWriter, r *http.Request) {
	ctrl, callID, err := s.callContext(r)
	if err != nil {
		s.handleError(w, err)
		return
	}

	if err := ctrl.Decline(r.Context(), callID); err != nil {
		s.handleError(w, err)
		return
	}
	s.respondSession(w, ctrl, callID)
}

func (s *Server) HandleEndCall(w http.ResponseWriter, r *http.Request) {
	ctrl, callID, err := s.callContext(r)
	if err != nil {
		s.handleError(w, err)
		return
	}

	if err := ctrl.End(r.Context(), callID); err != nil {
		s.handleError(w, err)
		return
	}
	s.respondSession(w, ctrl, callID)
}

func (s *Server) HandleCallConnected(w http.ResponseWriter, r *http.Request) {
	ctrl, callID, err := s.callContext(r)
	if err != nil {
		s.handleError(w, err)
		return
	}

	if err := ctrl.Connected(callID); err != nil {
		s.handleError(w, err)
		return
	}
	s.respondSession(w, ctrl, callID)
}

func (s *Server) HandleSendCandidate(w http.ResponseWriter, r *http.Request) {
	ctrl, callID, err := s.callContext(r)
	if err != nil {
		s.handleError(w, err)
		return
	}

	req := new(CandidateRequest)
	if err := decodeJSON(w, r, req); err != nil {
		s.handleError(w, err)
		return
	}
	if err := validatePayload("candidate", req.Candidate); err != nil {
		s.handleError(w, err)
		return
	}

	if err := ctrl.SendCandidate(r.Context(), callID, req.Candidate); err != nil {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondSession writes the call's state after a local action. Terminal
// calls leave the live core, so a missing session is reported as 204.
func (s *Server) respondSession(w http.ResponseWriter, ctrl CallController, callID uuid.UUID) {
	session, ok := ctrl.Session(callID)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.respondJSON(w, http.StatusOK, CallResponse{CallSession: session})
}

func (s *Server) HandleGetPresence(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUUID(r, "userID")
	if err != nil {
		s.handleError(w, err)
		return
	}
	if s.presence == nil {
		s.handleError(w, NewNotFoundError("Presence is not available"))
		return
	}

	reachable, err := s.presence.IsReachable(r.Context(), userID)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, PresenceResponse{UserID: userID, Reachable: reachable})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK

	if len(s.health) > 0 {
		resp.Checks = make(map[string]string, len(s.health))
		for name, check := range s.health {
			if err := check(r.Context()); err != nil {
				s.log.Warn("Health check failed", "check", name, "error", err)
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	s.respondJSON(w, status, resp)
}
