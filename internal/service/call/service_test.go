package call

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echolink-backend/internal/domain"
	memstore "echolink-backend/internal/signalstore/memory"
	"echolink-backend/pkg/metrics"
)

type fakeHistory struct {
	mu    sync.Mutex
	calls []*domain.CallRecord
}

func (h *fakeHistory) RecordCall(_ context.Context, call *domain.CallRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call.Clone())
	return nil
}

func (h *fakeHistory) GetUserCalls(_ context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*domain.CallRecord
	for _, c := range h.calls {
		if c.HasParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (h *fakeHistory) recorded() []*domain.CallRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*domain.CallRecord(nil), h.calls...)
}

func TestInitiateCallValidation(t *testing.T) {
	svc := NewService(memstore.NewStore(), nil, nil)
	alice := uuid.New()

	_, err := svc.InitiateCall(context.Background(), alice, "chat-1", nil, domain.CallTypeVoice)
	assert.ErrorIs(t, err, domain.ErrInvalidParticipants)

	// The initiator alone is not a valid participant set
	_, err = svc.InitiateCall(context.Background(), alice, "chat-1", []uuid.UUID{alice}, domain.CallTypeVoice)
	assert.ErrorIs(t, err, domain.ErrInvalidParticipants)

	_, err = svc.InitiateCall(context.Background(), alice, "chat-1", []uuid.UUID{uuid.New()}, domain.CallType("hologram"))
	assert.Error(t, err)
}

func TestInitiateCallPromotesToRinging(t *testing.T) {
	store := memstore.NewStore()
	svc := NewService(store, nil, nil)
	alice, bob := uuid.New(), uuid.New()

	call, err := svc.InitiateCall(context.Background(), alice, "chat-1",
		[]uuid.UUID{bob, bob, alice}, domain.CallTypeVideo)
	require.NoError(t, err)

	assert.Equal(t, domain.CallStatusRinging, call.Status)
	assert.Equal(t, []uuid.UUID{bob}, call.Participants)

	stored, err := store.Get(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, stored.Status)
	assert.Equal(t, domain.CallTypeVideo, stored.Type)
}

func TestAnswerCallRules(t *testing.T) {
	store := memstore.NewStore()
	svc := NewService(store, nil, nil)
	alice, bob := uuid.New(), uuid.New()

	call, err := svc.InitiateCall(context.Background(), alice, "chat-1", []uuid.UUID{bob}, domain.CallTypeVoice)
	require.NoError(t, err)

	// The initiator cannot answer its own call
	assert.ErrorIs(t, svc.AnswerCall(context.Background(), call.ID, alice), domain.ErrCallNotAnswerable)

	// A stranger cannot answer
	assert.ErrorIs(t, svc.AnswerCall(context.Background(), call.ID, uuid.New()), domain.ErrCallNotAnswerable)

	require.NoError(t, svc.AnswerCall(context.Background(), call.ID, bob))
	stored, err := store.Get(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, stored.Status)
	require.NotNil(t, stored.AnsweredBy)
	assert.Equal(t, bob, *stored.AnsweredBy)
	assert.NotNil(t, stored.AnsweredAt)

	// Answer is only valid from ringing
	assert.ErrorIs(t, svc.AnswerCall(context.Background(), call.ID, bob), domain.ErrCallNotAnswerable)
}

func TestDeclineCallRules(t *testing.T) {
	store := memstore.NewStore()
	svc := NewService(store, nil, nil)
	alice, bob := uuid.New(), uuid.New()

	call, err := svc.InitiateCall(context.Background(), alice, "chat-1", []uuid.UUID{bob}, domain.CallTypeVoice)
	require.NoError(t, err)

	require.NoError(t, svc.DeclineCall(context.Background(), call.ID, bob))
	stored, err := store.Get(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusDeclined, stored.Status)
	require.NotNil(t, stored.DeclinedBy)
	assert.Equal(t, bob, *stored.DeclinedBy)
	assert.NotNil(t, stored.EndedAt)

	// Declining an already-resolved call silently succeeds
	assert.NoError(t, svc.DeclineCall(context.Background(), call.ID, bob))

	// An accepted call can no longer be declined
	second, err := svc.InitiateCall(context.Background(), alice, "chat-1", []uuid.UUID{bob}, domain.CallTypeVoice)
	require.NoError(t, err)
	require.NoError(t, svc.AnswerCall(context.Background(), second.ID, bob))
	assert.ErrorIs(t, svc.DeclineCall(context.Background(), second.ID, bob), domain.ErrCallNotDeclinable)

	// A record that no longer resolves is equivalent to ended: declining it
	// silently succeeds
	third, err := svc.InitiateCall(context.Background(), alice, "chat-1", []uuid.UUID{bob}, domain.CallTypeVoice)
	require.NoError(t, err)
	require.NoError(t, store.Delete(context.Background(), third.ID))
	assert.NoError(t, svc.DeclineCall(context.Background(), third.ID, bob))
}

func TestEndCallIdempotent(t *testing.T) {
	store := memstore.NewStore()
	svc := NewService(store, nil, nil)
	alice, bob := uuid.New(), uuid.New()

	call, err := svc.InitiateCall(context.Background(), alice, "chat-1", []uuid.UUID{bob}, domain.CallTypeVoice)
	require.NoError(t, err)
	require.NoError(t, svc.AnswerCall(context.Background(), call.ID, bob))

	require.NoError(t, svc.EndCall(context.Background(), call.ID, alice))
	stored, err := store.Get(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, stored.Status)
	assert.NotNil(t, stored.EndedAt)

	// Ending again, or ending a record that no longer resolves, is a no-op
	assert.NoError(t, svc.EndCall(context.Background(), call.ID, bob))
	assert.NoError(t, svc.EndCall(context.Background(), "gone", alice))
}

func TestTerminalCallsArchived(t *testing.T) {
	store := memstore.NewStore()
	history := &fakeHistory{}
	svc := NewService(store, history, nil)
	alice, bob := uuid.New(), uuid.New()

	declined, err := svc.InitiateCall(context.Background(), alice, "chat-1", []uuid.UUID{bob}, domain.CallTypeVoice)
	require.NoError(t, err)
	require.NoError(t, svc.DeclineCall(context.Background(), declined.ID, bob))

	ended, err := svc.InitiateCall(context.Background(), alice, "chat-1", []uuid.UUID{bob}, domain.CallTypeVideo)
	require.NoError(t, err)
	require.NoError(t, svc.AnswerCall(context.Background(), ended.ID, bob))
	require.NoError(t, svc.EndCall(context.Background(), ended.ID, alice))

	recorded := history.recorded()
	require.Len(t, recorded, 2)
	assert.Equal(t, domain.CallStatusDeclined, recorded[0].Status)
	assert.Equal(t, domain.CallStatusEnded, recorded[1].Status)

	mine, err := svc.GetUserCallHistory(context.Background(), bob, 0, 0)
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func activeCallsValue(t *testing.T, m *metrics.Metrics) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "calls_active" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("calls_active gauge not registered")
	return 0
}

func TestActiveCallsGaugeTracksLifecycle(t *testing.T) {
	store := memstore.NewStore()
	m := metrics.NewMetrics("call-service-test")
	svc := NewService(store, nil, m)
	alice, bob := uuid.New(), uuid.New()

	call, err := svc.InitiateCall(context.Background(), alice, "chat-1", []uuid.UUID{bob}, domain.CallTypeVoice)
	require.NoError(t, err)
	assert.Equal(t, 0.0, activeCallsValue(t, m), "ringing is not active")

	require.NoError(t, svc.AnswerCall(context.Background(), call.ID, bob))
	assert.Equal(t, 1.0, activeCallsValue(t, m))

	require.NoError(t, svc.EndCall(context.Background(), call.ID, alice))
	assert.Equal(t, 0.0, activeCallsValue(t, m))

	// A declined call never counted as active and must not drive the gauge
	// negative
	declined, err := svc.InitiateCall(context.Background(), alice, "chat-1", []uuid.UUID{bob}, domain.CallTypeVoice)
	require.NoError(t, err)
	require.NoError(t, svc.DeclineCall(context.Background(), declined.ID, bob))
	assert.Equal(t, 0.0, activeCallsValue(t, m))
}
