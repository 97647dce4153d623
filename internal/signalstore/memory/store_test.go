package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echolink-backend/internal/domain"
	"echolink-backend/internal/signalstore"
)

func newVoiceCall(initiator, callee uuid.UUID) *domain.CallRecord {
	return &domain.CallRecord{
		ChatID:       "chat-1",
		InitiatorID:  initiator,
		Participants: []uuid.UUID{callee},
		Type:         domain.CallTypeVoice,
		Status:       domain.CallStatusInitiating,
	}
}

func TestCreateAssignsIDAndTimestamp(t *testing.T) {
	store := NewStore()
	call := newVoiceCall(uuid.New(), uuid.New())

	id, err := store.Create(context.Background(), call)

	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, call.ID)
	assert.False(t, call.StartedAt.IsZero())

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusInitiating, got.Status)
}

func TestUpdateAppliesPartialPatch(t *testing.T) {
	store := NewStore()
	answerer := uuid.New()
	call := newVoiceCall(uuid.New(), answerer)
	id, err := store.Create(context.Background(), call)
	require.NoError(t, err)

	status := domain.CallStatusActive
	answeredAt := time.Now().UTC()
	err = store.Update(context.Background(), id, signalstore.Patch{
		Status:     &status,
		AnsweredBy: &answerer,
		AnsweredAt: &answeredAt,
	})
	require.NoError(t, err)

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, got.Status)
	require.NotNil(t, got.AnsweredBy)
	assert.Equal(t, answerer, *got.AnsweredBy)
	// Untouched fields survive the patch
	assert.Equal(t, "chat-1", got.ChatID)
	assert.Nil(t, got.EndedAt)
}

func TestUpdateUnknownRecord(t *testing.T) {
	store := NewStore()
	status := domain.CallStatusEnded
	err := store.Update(context.Background(), "no-such-id", signalstore.Patch{Status: &status})
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestWatchDeliversSnapshots(t *testing.T) {
	store := NewStore()
	callee := uuid.New()
	call := newVoiceCall(uuid.New(), callee)
	id, err := store.Create(context.Background(), call)
	require.NoError(t, err)

	watch, err := store.Watch(context.Background(), signalstore.Query{
		Participant: callee,
		Statuses:    []domain.CallStatus{domain.CallStatusRinging, domain.CallStatusActive},
	})
	require.NoError(t, err)
	defer watch.Cancel()

	// Initial snapshot: the call is still initiating, so the set is empty
	snap := <-watch.C
	assert.Empty(t, snap)

	status := domain.CallStatusRinging
	require.NoError(t, store.Update(context.Background(), id, signalstore.Patch{Status: &status}))

	snap = <-watch.C
	require.Len(t, snap, 1)
	assert.Equal(t, id, snap[0].ID)
	assert.Equal(t, domain.CallStatusRinging, snap[0].Status)
}

func TestWatchCoalescesWhenConsumerLags(t *testing.T) {
	store := NewStore()
	call := newVoiceCall(uuid.New(), uuid.New())
	id, err := store.Create(context.Background(), call)
	require.NoError(t, err)

	watch, err := store.WatchOne(context.Background(), id)
	require.NoError(t, err)
	defer watch.Cancel()

	// Burst far past the watch buffer without reading
	for i := 0; i < watchBuffer*4; i++ {
		status := domain.CallStatusRinging
		if i%2 == 1 {
			status = domain.CallStatusActive
		}
		require.NoError(t, store.Update(context.Background(), id, signalstore.Patch{Status: &status}))
	}
	final := domain.CallStatusEnded
	require.NoError(t, store.Update(context.Background(), id, signalstore.Patch{Status: &final}))

	// Intermediate states may be skipped, but the last write must land
	var last signalstore.RecordSnapshot
	for {
		select {
		case snap := <-watch.C:
			last = snap
			continue
		default:
		}
		break
	}
	require.NotNil(t, last.Record)
	assert.Equal(t, domain.CallStatusEnded, last.Record.Status)
}

func TestCancelStopsDelivery(t *testing.T) {
	store := NewStore()
	call := newVoiceCall(uuid.New(), uuid.New())
	id, err := store.Create(context.Background(), call)
	require.NoError(t, err)

	watch, err := store.WatchOne(context.Background(), id)
	require.NoError(t, err)
	watch.Cancel()
	watch.Cancel() // safe to cancel twice

	status := domain.CallStatusEnded
	require.NoError(t, store.Update(context.Background(), id, signalstore.Patch{Status: &status}))

	// Channel is closed and drained; only queued pre-cancel snapshots remain
	for snap := range watch.C {
		assert.NotEqual(t, domain.CallStatusEnded, snap.Record.Status)
	}
}

func TestDeleteNotifiesNotFound(t *testing.T) {
	store := NewStore()
	call := newVoiceCall(uuid.New(), uuid.New())
	id, err := store.Create(context.Background(), call)
	require.NoError(t, err)

	watch, err := store.WatchOne(context.Background(), id)
	require.NoError(t, err)
	defer watch.Cancel()

	snap := <-watch.C
	assert.True(t, snap.Exists)

	require.NoError(t, store.Delete(context.Background(), id))

	snap = <-watch.C
	assert.False(t, snap.Exists)
	assert.Nil(t, snap.Record)

	_, err = store.Get(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}
