// Package media defines the peer-to-peer media negotiation contract the
// call session layer drives. The engine wraps device acquisition, the peer
// connection, and the offer/answer/candidate primitives; the session layer
// never touches the transport directly.
package media

import (
	"context"
	"encoding/json"
)

// SessionDescription is an SDP offer or answer
type SessionDescription struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// StreamHandle identifies a live media stream and its track makeup. It is a
// value snapshot; track state changes produce a fresh handle.
type StreamHandle struct {
	ID          string `json:"id"`
	AudioTracks int    `json:"audio_tracks"`
	VideoTracks int    `json:"video_tracks"`
}

// Engine is one call's media session. Engines are single-use: after
// Teardown the engine is dead and a new call needs a new engine.
//
// Negotiation primitives are valid once per direction per session and must
// be invoked in the order messages arrived from the relay; out-of-order use
// fails with domain.ErrInvalidNegotiationState. Teardown is safe from any
// state, any number of times.
type Engine interface {
	// AcquireLocalMedia opens microphone (and camera when videoRequested).
	// Fails with domain.ErrMediaUnavailable; callers retry only on explicit
	// user action, never automatically.
	AcquireLocalMedia(ctx context.Context, videoRequested bool) (*StreamHandle, error)

	// CreatePeerSession establishes the peer connection with the configured
	// STUN servers and attaches any acquired local tracks.
	CreatePeerSession(ctx context.Context) error

	// CreateOffer produces the local offer and applies it locally.
	CreateOffer(ctx context.Context) (SessionDescription, error)

	// CreateAnswer applies the remote offer and produces the local answer.
	CreateAnswer(ctx context.Context, remoteOffer SessionDescription) (SessionDescription, error)

	// ApplyRemoteDescription applies the remote answer on the offering side.
	// Idempotent when retried with the description already applied.
	ApplyRemoteDescription(ctx context.Context, desc SessionDescription) error

	// AddRemoteCandidate applies one remote ICE candidate, in arrival order.
	AddRemoteCandidate(ctx context.Context, candidate json.RawMessage) error

	// OnLocalCandidate registers the sink for locally gathered candidates.
	// Must be set before CreatePeerSession.
	OnLocalCandidate(fn func(candidate json.RawMessage))

	// LocalStream returns the acquired local stream, nil before acquisition
	// or after teardown.
	LocalStream() *StreamHandle

	// RemoteStream returns the current remote stream, nil until remote
	// tracks arrive.
	RemoteStream() *StreamHandle

	// ToggleMute flips the first audio track and reports the resulting
	// muted state; false when no audio track exists.
	ToggleMute() bool

	// ToggleVideo flips the first video track and reports the resulting
	// enabled state; false when no video track exists.
	ToggleVideo() bool

	// Teardown closes the peer session and stops every local track.
	Teardown()
}

// Factory creates one engine per call session
type Factory func() Engine
