package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType identifies the media profile of a call
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	return t == CallTypeVoice || t == CallTypeVideo
}

// CallStatus is the lifecycle state of a call record.
// Status moves monotonically along initiating -> ringing -> {active -> ended} | declined.
type CallStatus string

const (
	CallStatusInitiating CallStatus = "initiating"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusActive     CallStatus = "active"
	CallStatusEnded      CallStatus = "ended"
	CallStatusDeclined   CallStatus = "declined"
)

// Terminal reports whether the status admits no further transitions
func (s CallStatus) Terminal() bool {
	return s == CallStatusEnded || s == CallStatusDeclined
}

// rank orders statuses along the lifecycle; both terminal states share the top rank
func (s CallStatus) rank() int {
	switch s {
	case CallStatusInitiating:
		return 0
	case CallStatusRinging:
		return 1
	case CallStatusActive:
		return 2
	case CallStatusEnded, CallStatusDeclined:
		return 3
	}
	return -1
}

// CanAdvanceTo reports whether a writer may move status from s to next.
// Declined is only reachable from ringing; ended is reachable from any
// non-terminal state (initiator cancel paths included).
func (s CallStatus) CanAdvanceTo(next CallStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case CallStatusRinging:
		return s == CallStatusInitiating
	case CallStatusActive:
		return s == CallStatusRinging
	case CallStatusDeclined:
		return s == CallStatusRinging
	case CallStatusEnded:
		return true
	}
	return false
}

// CallRecord is the authoritative shared state for one call session.
// It lives in the signaling store and is mutated via blind last-writer-wins
// updates; observers always treat the latest snapshot as ground truth.
type CallRecord struct {
	ID           string      `json:"id"`
	ChatID       string      `json:"chat_id"`
	InitiatorID  uuid.UUID   `json:"initiator_id"`
	Participants []uuid.UUID `json:"participants"`
	Type         CallType    `json:"type"`
	Status       CallStatus  `json:"status"`
	StartedAt    time.Time   `json:"started_at"`
	AnsweredBy   *uuid.UUID  `json:"answered_by,omitempty"`
	AnsweredAt   *time.Time  `json:"answered_at,omitempty"`
	DeclinedBy   *uuid.UUID  `json:"declined_by,omitempty"`
	EndedAt      *time.Time  `json:"ended_at,omitempty"`
	Duration     int         `json:"duration,omitempty"` // seconds, computed at archive time
}

// HasParticipant reports whether userID was invited into the call.
// The initiator is always a participant.
func (c *CallRecord) HasParticipant(userID uuid.UUID) bool {
	if c.InitiatorID == userID {
		return true
	}
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so snapshots handed to watchers never alias
// store-owned memory.
func (c *CallRecord) Clone() *CallRecord {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Participants = append([]uuid.UUID(nil), c.Participants...)
	if c.AnsweredBy != nil {
		v := *c.AnsweredBy
		cp.AnsweredBy = &v
	}
	if c.AnsweredAt != nil {
		v := *c.AnsweredAt
		cp.AnsweredAt = &v
	}
	if c.DeclinedBy != nil {
		v := *c.DeclinedBy
		cp.DeclinedBy = &v
	}
	if c.EndedAt != nil {
		v := *c.EndedAt
		cp.EndedAt = &v
	}
	return &cp
}
