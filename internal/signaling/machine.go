package signaling

import "github.com/rx3lixir/callcore/internal/calls"

// trigger is anything that can move a call between states.
type trigger string

const (
	trigInitiate     trigger = "initiate"
	trigOffer        trigger = "remote_offer"
	trigAccept       trigger = "accept"
	trigDecline      trigger = "decline"
	trigRingTimeout  trigger = "ring_timeout"
	trigDialTimeout  trigger = "dial_timeout"
	trigRemoteAnswer trigger = "remote_answer"
	trigRemoteEnd    trigger = "remote_end"
	trigLocalEnd     trigger = "local_end"
	trigConnected    trigger = "connected"
	trigFailure      trigger = "failure"
)

// none is the pseudo-state of a call the core has not seen yet.
const none calls.Status = ""

var transitions = map[calls.Status]map[trigger]calls.Status{
	none: {
		trigInitiate: calls.StatusDialing,
		trigOffer:    calls.StatusRinging,
	},
	calls.StatusDialing: {
		trigRemoteAnswer: calls.StatusAccepted,
		trigDialTimeout:  calls.StatusTimedOut,
		trigRemoteEnd:    calls.StatusEnded,
		trigLocalEnd:     calls.StatusEnded,
		trigFailure:      calls.StatusFailed,
	},
	calls.StatusRinging: {
		trigAccept:      calls.StatusAccepted,
		trigDecline:     calls.StatusDeclined,
		trigRingTimeout: calls.StatusTimedOut,
		trigRemoteEnd:   calls.StatusEnded,
		trigLocalEnd:    calls.StatusEnded,
		trigFailure:     calls.StatusFailed,
	},
	calls.StatusAccepted: {
		trigConnected: calls.StatusActive,
		trigRemoteEnd: calls.StatusEnded,
		trigLocalEnd:  calls.StatusEnded,
		trigFailure:   calls.StatusFailed,
	},
	calls.StatusActive: {
		trigRemoteEnd: calls.StatusEnded,
		trigLocalEnd:  calls.StatusEnded,
		trigFailure:   calls.StatusFailed,
	},
}

// next returns the state reached from `from` on t. Terminal states have no
// outgoing edges.
func next(from calls.Status, t trigger) (calls.Status, bool) {
	to, ok := transitions[from][t]
	return to, ok
}

// eventFor maps a target state to the lifecycle event reported for it.
func eventFor(to calls.Status) (EventType, bool) {
	switch to {
	case calls.StatusRinging:
		return EventIncomingCall, true
	case calls.StatusAccepted:
		return EventCallAccepted, true
	case calls.StatusActive:
		return EventCallConnected, true
	case calls.StatusDeclined:
		return EventCallDeclined, true
	case calls.StatusEnded:
		return EventCallEnded, true
	case calls.StatusTimedOut:
		return EventCallTimedOut, true
	case calls.StatusFailed:
		return EventCallFailed, true
	}
	return "", false
}
