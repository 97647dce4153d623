// Package notify alerts participants about incoming calls. The session
// layer drives the Ringer port; delivery mechanisms (push providers, in-app
// sounds) plug in behind it.
package notify

import (
	"context"

	"go.uber.org/zap"

	"echolink-backend/internal/domain"
	"echolink-backend/pkg/logger"
)

// Ringer announces and silences an incoming call for one participant.
// Implementations must tolerate StopRinging without a matching Ring.
type Ringer interface {
	Ring(ctx context.Context, call *domain.CallRecord)
	StopRinging(ctx context.Context, callID string)
}

// LogRinger records ring events in the service log. It stands in for a real
// alerting provider; the connected client renders the actual ring from the
// session feed.
type LogRinger struct{}

// NewLogRinger creates a log-backed ringer
func NewLogRinger() *LogRinger {
	return &LogRinger{}
}

// Ring logs the start of an incoming ring
func (r *LogRinger) Ring(_ context.Context, call *domain.CallRecord) {
	logger.Info("incoming call ringing",
		zap.String("call_id", call.ID),
		zap.String("type", string(call.Type)),
		zap.String("initiator_id", call.InitiatorID.String()))
}

// StopRinging logs the end of a ring
func (r *LogRinger) StopRinging(_ context.Context, callID string) {
	logger.Debug("call stopped ringing", zap.String("call_id", callID))
}
