package calls

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of one call attempt.
type Status string

const (
	StatusDialing  Status = "dialing"
	StatusRinging  Status = "ringing"
	StatusAccepted Status = "accepted"
	StatusActive   Status = "active"
	StatusDeclined Status = "declined"
	StatusEnded    Status = "ended"
	StatusTimedOut Status = "timed_out"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeclined, StatusEnded, StatusTimedOut, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDialing, StatusRinging, StatusAccepted, StatusActive,
		StatusDeclined, StatusEnded, StatusTimedOut, StatusFailed:
		return true
	}
	return false
}

// OpenStatuses lists the non-terminal statuses.
var OpenStatuses = []Status{StatusDialing, StatusRinging, StatusAccepted, StatusActive}

// CallSession is the authoritative record of one call attempt.
//
// The caller creates it; either participant moves it forward. Once Status is
// terminal the record never changes again.
type CallSession struct {
	ID        uuid.UUID  `json:"call_id"`
	CallerID  uuid.UUID  `json:"caller_id"`
	CalleeID  uuid.UUID  `json:"callee_id"`
	ThreadID  string     `json:"thread_id,omitempty"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Peer returns the other participant from the point of view of userID.
func (c *CallSession) Peer(userID uuid.UUID) uuid.UUID {
	if c.CallerID == userID {
		return c.CalleeID
	}
	return c.CallerID
}

// SignalType is the kind of a signaling message.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalIceCandidate SignalType = "ice_candidate"
	SignalEndCall      SignalType = "end_call"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalIceCandidate, SignalEndCall:
		return true
	}
	return false
}

// End reasons carried by end_call messages.
const (
	ReasonHangup      = "hangup"
	ReasonCanceled    = "canceled"
	ReasonDeclined    = "declined"
	ReasonBusy        = "busy"
	ReasonTimeout     = "timeout"
	ReasonFailed      = "failed"
	ReasonUnavailable = "unavailable"
)

// SignalMessage is one append-only unit of call negotiation addressed to a
// single user. Payload is an opaque JSON document (session description or
// connectivity candidate).
type SignalMessage struct {
	ID         uuid.UUID       `json:"id"`
	CallID     uuid.UUID       `json:"call_id"`
	FromUserID uuid.UUID       `json:"from_user_id"`
	ToUserID   uuid.UUID       `json:"to_user_id"`
	Type       SignalType      `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	ThreadID   string          `json:"thread_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Profile is the public identity of a user as seen by a peer.
type Profile struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	PhotoRef    *string   `json:"photo_ref,omitempty"`
}
