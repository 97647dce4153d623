package domain

import "errors"

// Call lifecycle errors surfaced by the session layer. Handlers translate
// these into the API error envelope; watch failures never carry them —
// watches degrade silently instead.
var (
	// ErrInvalidParticipants means initiate was called with no remote
	// participants (or only the caller). Never reaches the store.
	ErrInvalidParticipants = errors.New("call requires at least one other participant")

	// ErrCallNotAnswerable means the local view does not permit answering:
	// the call is not ringing, or the caller is the initiator.
	ErrCallNotAnswerable = errors.New("call cannot be answered in its current state")

	// ErrCallNotDeclinable means decline was requested while the call was
	// already active.
	ErrCallNotDeclinable = errors.New("call cannot be declined in its current state")

	// ErrCallNotFound means the record could not be resolved in the store.
	ErrCallNotFound = errors.New("call not found")

	// ErrCallInProgress means initiate was requested while another call is
	// already current; a session holds at most one call at a time.
	ErrCallInProgress = errors.New("another call is already in progress")

	// ErrMediaUnavailable means microphone/camera acquisition failed.
	// The call itself may still be active; callers must degrade, not fail.
	ErrMediaUnavailable = errors.New("local media devices unavailable")

	// ErrInvalidNegotiationState means a negotiation primitive was invoked
	// out of order; fatal to the current media session only.
	ErrInvalidNegotiationState = errors.New("negotiation primitive invoked out of order")

	// ErrSignalingUnavailable means a store write or watch failed at the
	// transport level.
	ErrSignalingUnavailable = errors.New("signaling store unavailable")
)
