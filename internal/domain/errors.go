package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by signaling sends while the channel is
	// down. The caller decides whether to retry; the channel never does.
	ErrNotConnected = errors.New("signaling channel not connected")

	// ErrSessionEnded rejects any mutation of a session in Ended state.
	ErrSessionEnded = errors.New("call session ended")

	// ErrNotCreator rejects an end-call request from anyone but the
	// session creator. Self-leave remains allowed.
	ErrNotCreator = errors.New("only the call creator may end the call")

	// ErrChatTextTooLong rejects oversized chat messages before send.
	ErrChatTextTooLong = errors.New("chat text too long")
)

// UnresolvedBindingError reports a negotiation message whose connection id
// could not be resolved to a participant within the bounded wait.
type UnresolvedBindingError struct {
	ConnectionID ConnectionID
}

func (e *UnresolvedBindingError) Error() string {
	return fmt.Sprintf("no participant binding for connection %q", e.ConnectionID)
}

// NegotiationError reports a failed offer/answer/ICE step on a single
// peer link. It closes that link only, never the session.
type NegotiationError struct {
	Remote ParticipantID
	Step   string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s with participant %d: %v", e.Step, e.Remote, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// MediaAcquisitionError is fatal to session start: without local media the
// session stays in Created and is surfaced to the user.
type MediaAcquisitionError struct {
	Err error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("acquire local media: %v", e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }
