// Package signaling owns the per-user call state machine. It reconciles
// inbound signal messages against local state, drives the record store and
// signal dispatcher, and reports lifecycle events to a presentation listener.
package signaling

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/rx3lixir/callcore/internal/calls"
)

// RecordStore persists call sessions. Create must be atomic with respect to
// the one-open-call-per-pair rule and report calls.ErrConflict when it is
// violated. UpdateCallStatus reports calls.ErrNotFound when the record is
// missing or already terminal, and GetCall when it is missing.
type RecordStore interface {
	CreateCall(ctx context.Context, session *calls.CallSession) error
	UpdateCallStatus(ctx context.Context, callID uuid.UUID, status calls.Status, endedAt *time.Time) error
	GetCall(ctx context.Context, callID uuid.UUID) (*calls.CallSession, error)
}

// Dispatcher delivers one signal message to its recipient.
type Dispatcher interface {
	Send(ctx context.Context, msg calls.SignalMessage) error
}

// IdentityResolver looks up who is calling.
type IdentityResolver interface {
	ResolveProfile(ctx context.Context, userID uuid.UUID) (calls.Profile, error)
	SignMediaURL(ctx context.Context, photoRef string, ttl time.Duration) (string, error)
}

// Listener receives lifecycle events. It is called with the call's lock
// held, so it must not block and must not call back into the core.
type Listener interface {
	OnCallEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnCallEvent(ev Event) { f(ev) }

// Negotiator receives the remote half of media negotiation. Same locking
// rules as Listener apply.
type Negotiator interface {
	OnRemoteAnswer(callID uuid.UUID, payload json.RawMessage)
	OnRemoteCandidate(callID uuid.UUID, payload json.RawMessage)
}

// EventType names a lifecycle transition reported to the presentation layer.
type EventType string

const (
	EventIncomingCall  EventType = "incoming_call"
	EventCallAccepted  EventType = "call_accepted"
	EventCallDeclined  EventType = "call_declined"
	EventCallEnded     EventType = "call_ended"
	EventCallTimedOut  EventType = "call_timed_out"
	EventCallFailed    EventType = "call_failed"
	EventCallConnected EventType = "call_connected"
)

// Event is one lifecycle transition of one call.
type Event struct {
	Type     EventType         `json:"type"`
	CallID   uuid.UUID         `json:"call_id"`
	Session  calls.CallSession `json:"session"`
	Reason   string            `json:"reason,omitempty"`
	Error    string            `json:"error,omitempty"`
	Incoming *IncomingCallView `json:"incoming,omitempty"`
	At       time.Time         `json:"at"`
}

// IncomingCallView is what the callee's UI shows while a call rings. It is
// never persisted.
type IncomingCallView struct {
	CallID         uuid.UUID       `json:"call_id"`
	CallerID       uuid.UUID       `json:"caller_id"`
	CallerName     string          `json:"caller_name"`
	CallerPhotoURL *string         `json:"caller_photo_url"`
	PhotoExpiresAt *time.Time      `json:"photo_expires_at,omitempty"`
	OfferPayload   json.RawMessage `json:"offer_payload,omitempty"`
	ThreadID       string          `json:"thread_id,omitempty"`
	Media          []string        `json:"media,omitempty"`
}

// Config tunes timers and caches. Zero values fall back to defaults.
type Config struct {
	// RingTimeout bounds how long a callee has to respond.
	RingTimeout time.Duration
	// DialGrace is added to RingTimeout for the caller's own dial timer.
	DialGrace time.Duration
	// EnrichTimeout bounds identity resolution before an incoming call is
	// surfaced anonymously.
	EnrichTimeout time.Duration
	// MediaURLTTL is the lifetime requested for signed photo URLs.
	MediaURLTTL time.Duration
	// RetryBackoff is the pause before the single dispatch retry.
	RetryBackoff time.Duration
	// EffectTimeout bounds store and dispatch calls made outside a caller's context.
	EffectTimeout time.Duration

	SeenCacheSize     int
	FinishedCacheSize int
	PendingCallLimit  int
	PendingPerCall    int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	out := c
	if out.RingTimeout <= 0 {
		out.RingTimeout = 45 * time.Second
	}
	if out.DialGrace <= 0 {
		out.DialGrace = 15 * time.Second
	}
	if out.EnrichTimeout <= 0 {
		out.EnrichTimeout = 5 * time.Second
	}
	if out.MediaURLTTL <= 0 {
		out.MediaURLTTL = 300 * time.Second
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = 500 * time.Millisecond
	}
	if out.EffectTimeout <= 0 {
		out.EffectTimeout = 10 * time.Second
	}
	if out.SeenCacheSize <= 0 {
		out.SeenCacheSize = 4096
	}
	if out.FinishedCacheSize <= 0 {
		out.FinishedCacheSize = 512
	}
	if out.PendingCallLimit <= 0 {
		out.PendingCallLimit = 64
	}
	if out.PendingPerCall <= 0 {
		out.PendingPerCall = 32
	}
	return out
}

// Deps are the collaborators of a Core. Store, Dispatcher and Identity are
// required; the rest may be nil.
type Deps struct {
	Store      RecordStore
	Dispatcher Dispatcher
	Identity   IdentityResolver
	Listener   Listener
	Negotiator Negotiator
	Clock      clock.Clock
	Logger     *log.Logger
}
