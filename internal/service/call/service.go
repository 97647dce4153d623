// Package call owns the call lifecycle: the command service that converts
// user intent into signaling-store writes, the presence router that decides
// which call is current for a participant, and the per-participant session
// that mirrors store state and drives media negotiation.
package call

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"echolink-backend/internal/domain"
	"echolink-backend/internal/signalstore"
	"echolink-backend/pkg/logger"
	"echolink-backend/pkg/metrics"
)

// HistoryRecorder archives terminal calls for the history API. Optional:
// the service runs without one when persistence is unavailable.
type HistoryRecorder interface {
	RecordCall(ctx context.Context, call *domain.CallRecord) error
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error)
}

// Service handles call commands. Every mutation is an advisory command
// converted into a store write; the store remains the source of truth and
// conflicting writes resolve last-writer-wins.
type Service struct {
	store   signalstore.Store
	history HistoryRecorder
	metrics *metrics.Metrics
}

// NewService creates a call service. history and m may be nil.
func NewService(store signalstore.Store, history HistoryRecorder, m *metrics.Metrics) *Service {
	return &Service{store: store, history: history, metrics: m}
}

// Store exposes the underlying signaling store for watch consumers
func (s *Service) Store() signalstore.Store {
	return s.store
}

// InitiateCall creates the shared call record and promotes it to ringing.
// Participants must contain at least one identifier besides the caller.
// The caller must subscribe to the returned record immediately so a fast
// decline is never missed.
func (s *Service) InitiateCall(ctx context.Context, initiatorID uuid.UUID, chatID string, participants []uuid.UUID, callType domain.CallType) (*domain.CallRecord, error) {
	if !callType.Valid() {
		return nil, fmt.Errorf("unknown call type %q", callType)
	}

	// The initiator is implicit; keep only distinct remote participants
	var remotes []uuid.UUID
	seen := make(map[uuid.UUID]struct{})
	for _, p := range participants {
		if p == initiatorID || p == uuid.Nil {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		remotes = append(remotes, p)
	}
	if len(remotes) == 0 {
		return nil, domain.ErrInvalidParticipants
	}

	call := &domain.CallRecord{
		ChatID:       chatID,
		InitiatorID:  initiatorID,
		Participants: remotes,
		Type:         callType,
		Status:       domain.CallStatusInitiating,
	}

	id, err := s.store.Create(ctx, call)
	if err != nil {
		return nil, domain.ErrSignalingUnavailable
	}

	ringing := domain.CallStatusRinging
	if err := s.store.Update(ctx, id, signalstore.Patch{Status: &ringing}); err != nil {
		logger.Warn("failed to promote call to ringing",
			zap.String("call_id", id), zap.Error(err))
		return nil, domain.ErrSignalingUnavailable
	}
	call.Status = ringing

	if s.metrics != nil {
		s.metrics.RecordCall(string(callType), "initiated")
	}
	return call, nil
}

// AnswerCall accepts a ringing call on behalf of userID. Status active
// means "answer accepted", not "media flowing"; media setup happens on the
// answerer before this write propagates.
func (s *Service) AnswerCall(ctx context.Context, callID string, userID uuid.UUID) error {
	call, err := s.store.Get(ctx, callID)
	if err != nil {
		return err
	}
	if call.Status != domain.CallStatusRinging || call.InitiatorID == userID || !call.HasParticipant(userID) {
		return domain.ErrCallNotAnswerable
	}

	active := domain.CallStatusActive
	now := time.Now().UTC()
	err = s.store.Update(ctx, callID, signalstore.Patch{
		Status:     &active,
		AnsweredBy: &userID,
		AnsweredAt: &now,
	})
	if err != nil {
		return domain.ErrSignalingUnavailable
	}

	if s.metrics != nil {
		s.metrics.RecordCall(string(call.Type), "answered")
		s.metrics.IncrementActiveCalls()
	}
	return nil
}

// DeclineCall rejects a ringing call. Declining an already-terminal call
// silently succeeds; declining an active call is rejected.
func (s *Service) DeclineCall(ctx context.Context, callID string, userID uuid.UUID) error {
	call, err := s.store.Get(ctx, callID)
	if err == domain.ErrCallNotFound {
		// Unresolvable means ended, and declining a terminal call is silent
		return nil
	}
	if err != nil {
		return err
	}
	if call.Status.Terminal() {
		return nil
	}
	if call.Status != domain.CallStatusRinging {
		return domain.ErrCallNotDeclinable
	}

	declined := domain.CallStatusDeclined
	now := time.Now().UTC()
	err = s.store.Update(ctx, callID, signalstore.Patch{
		Status:     &declined,
		DeclinedBy: &userID,
		EndedAt:    &now,
	})
	if err != nil {
		return domain.ErrSignalingUnavailable
	}

	call.Status = declined
	call.DeclinedBy = &userID
	call.EndedAt = &now
	s.archive(ctx, call)

	if s.metrics != nil {
		s.metrics.RecordCall(string(call.Type), "declined")
	}
	return nil
}

// EndCall terminates a call from ringing or active. The write is always
// attempted even when local state is stale; ending an already-ended call is
// a no-op in effect.
func (s *Service) EndCall(ctx context.Context, callID string, userID uuid.UUID) error {
	call, err := s.store.Get(ctx, callID)
	if err == domain.ErrCallNotFound {
		// Unresolvable means ended; nothing left to write
		return nil
	}
	if err != nil {
		return err
	}
	if call.Status.Terminal() {
		return nil
	}

	wasActive := call.Status == domain.CallStatusActive
	ended := domain.CallStatusEnded
	now := time.Now().UTC()
	duration := int(now.Sub(call.StartedAt).Seconds())
	err = s.store.Update(ctx, callID, signalstore.Patch{
		Status:   &ended,
		EndedAt:  &now,
		Duration: &duration,
	})
	if err != nil {
		return domain.ErrSignalingUnavailable
	}

	call.Status = ended
	call.EndedAt = &now
	call.Duration = duration
	s.archive(ctx, call)

	if s.metrics != nil {
		s.metrics.RecordCall(string(call.Type), "ended")
		s.metrics.RecordCallDuration(string(call.Type), now.Sub(call.StartedAt))
		if wasActive {
			s.metrics.DecrementActiveCalls()
		}
	}
	return nil
}

// GetCall resolves one call record
func (s *Service) GetCall(ctx context.Context, callID string) (*domain.CallRecord, error) {
	return s.store.Get(ctx, callID)
}

// GetUserCallHistory pages through a user's archived calls
func (s *Service) GetUserCallHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	if s.history == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return s.history.GetUserCalls(ctx, userID, limit, offset)
}

// CleanupUserCalls force-ends every live call the user participates in.
// Used when a participant disconnects without hanging up.
func (s *Service) CleanupUserCalls(ctx context.Context, userID uuid.UUID) {
	watch, err := s.store.Watch(ctx, signalstore.Query{
		Participant: userID,
		Statuses:    []domain.CallStatus{domain.CallStatusRinging, domain.CallStatusActive},
	})
	if err != nil {
		return
	}
	defer watch.Cancel()

	select {
	case calls := <-watch.C:
		for _, c := range calls {
			if err := s.EndCall(ctx, c.ID, userID); err != nil {
				logger.Warn("failed to clean up call",
					zap.String("call_id", c.ID), zap.Error(err))
			}
		}
	case <-ctx.Done():
	}
}

// archive records a terminal call; failure never fails the command
func (s *Service) archive(ctx context.Context, call *domain.CallRecord) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordCall(ctx, call); err != nil {
		logger.Warn("failed to archive call",
			zap.String("call_id", call.ID), zap.Error(err))
	}
}
