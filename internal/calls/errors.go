package calls

import "errors"

var (
	// ErrInvalidParticipants is returned when a call would connect a user to themselves.
	ErrInvalidParticipants = errors.New("invalid participants")
	// ErrCallInProgress is returned when a non-terminal call already exists.
	ErrCallInProgress = errors.New("call in progress")
	// ErrInvalidStateTransition is returned for a local action the call's state does not allow.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrCallNotFound is returned for local actions on a call the core never saw.
	ErrCallNotFound = errors.New("call not found")

	// ErrTransport wraps signal dispatch failures.
	ErrTransport = errors.New("transport error")
	// ErrEnrichment wraps identity or media URL resolution failures.
	ErrEnrichment = errors.New("enrichment failure")

	// ErrNotFound is returned by stores when the row is missing or, for status
	// updates, already terminal.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a non-terminal call already exists for the pair.
	ErrConflict = errors.New("conflicting call")

	// ErrClosed is returned by a core that has been shut down.
	ErrClosed = errors.New("closed")
)
