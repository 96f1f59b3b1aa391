package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/rx3lixir/callcore/internal/calls"
	"github.com/rx3lixir/callcore/internal/hub"
	"github.com/rx3lixir/callcore/internal/signaling"
	"github.com/rx3lixir/callcore/pkg/jwt"
)

// CallController is the per-user call API. *signaling.Core implements it.
type CallController interface {
	Initiate(ctx context.Context, calleeID uuid.UUID, threadID string, offer json.RawMessage) (calls.CallSession, error)
	Accept(ctx context.Context, callID uuid.UUID, answer json.RawMessage) error
	Decline(ctx context.Context, callID uuid.UUID) error
	End(ctx context.Context, callID uuid.UUID) error
	Connected(callID uuid.UUID) error
	SendCandidate(ctx context.Context, callID uuid.UUID, candidate json.RawMessage) error
	Session(callID uuid.UUID) (calls.CallSession, bool)
	IncomingCall(callID uuid.UUID) (signaling.IncomingCallView, bool)
}

// EventStream is one attached client's feed of frames.
type EventStream interface {
	Frames() <-chan hub.Frame
	Close()
}

type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

type PresenceChecker interface {
	IsReachable(ctx context.Context, userID uuid.UUID) (bool, error)
}

// CallRecords serves calls the live core no longer holds.
type CallRecords interface {
	GetCall(ctx context.Context, id uuid.UUID) (*calls.CallSession, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Hub      *hub.Hub
	Tokens   TokenValidator
	Presence PresenceChecker
	Records  CallRecords
	Metrics  http.Handler
	Health   map[string]HealthCheck
}

type Server struct {
	log        *log.Logger
	httpServer *http.Server

	tokens   TokenValidator
	presence PresenceChecker
	records  CallRecords
	metrics  http.Handler
	health   map[string]HealthCheck

	controller func(userID uuid.UUID) (CallController, error)
	attach     func(ctx context.Context, userID uuid.UUID) (EventStream, error)

	pingInterval time.Duration
}

func New(addr string, deps Deps, log *log.Logger) *Server {
	s := &Server{
		log:          log,
		tokens:       deps.Tokens,
		presence:     deps.Presence,
		records:      deps.Records,
		metrics:      deps.Metrics,
		health:       deps.Health,
		pingInterval: 30 * time.Second,
	}

	if h := deps.Hub; h != nil {
		s.controller = func(userID uuid.UUID) (CallController, error) {
			core, err := h.Core(userID)
			if err != nil {
				return nil, err
			}
			return core, nil
		}
		s.attach = func(ctx context.Context, userID uuid.UUID) (EventStream, error) {
			conn, err := h.Attach(ctx, userID)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
