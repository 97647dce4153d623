package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SignalType identifies a WebRTC negotiation message
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
)

// Signal is one negotiation message exchanged between the participants of a
// call. Signals ride a dedicated per-call relay channel, not the call record
// itself; relays preserve per-channel publish order so receivers may apply
// descriptions and candidates exactly as they arrive.
type Signal struct {
	CallID    string          `json:"call_id"`
	SenderID  uuid.UUID       `json:"sender_id"`
	TargetID  uuid.UUID       `json:"target_id,omitempty"` // zero value means broadcast
	Type      SignalType      `json:"type"`
	SDP       string          `json:"sdp,omitempty"`       // offer/answer payload
	Candidate json.RawMessage `json:"candidate,omitempty"` // ICE candidate payload
	SentAt    time.Time       `json:"sent_at"`
}

// ForUser reports whether the signal should be delivered to userID
func (s *Signal) ForUser(userID uuid.UUID) bool {
	if s.SenderID == userID {
		return false
	}
	return s.TargetID == uuid.Nil || s.TargetID == userID
}
