package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echolink-backend/internal/domain"
)

func TestPublishPreservesOrder(t *testing.T) {
	r := NewRelay()
	sender := uuid.New()

	sub, err := r.Subscribe(context.Background(), "call-1")
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, r.Publish(context.Background(), domain.Signal{
		CallID: "call-1", SenderID: sender, Type: domain.SignalTypeOffer, SDP: "v=0 offer",
	}))
	for i := 0; i < 3; i++ {
		cand, _ := json.Marshal(map[string]any{"candidate": i})
		require.NoError(t, r.Publish(context.Background(), domain.Signal{
			CallID: "call-1", SenderID: sender, Type: domain.SignalTypeCandidate, Candidate: cand,
		}))
	}

	sig := <-sub.C
	assert.Equal(t, domain.SignalTypeOffer, sig.Type)
	for i := 0; i < 3; i++ {
		sig = <-sub.C
		assert.Equal(t, domain.SignalTypeCandidate, sig.Type)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(sig.Candidate, &payload))
		assert.EqualValues(t, i, payload["candidate"])
	}
}

func TestSubscribersAreScopedToCall(t *testing.T) {
	r := NewRelay()

	sub1, err := r.Subscribe(context.Background(), "call-1")
	require.NoError(t, err)
	defer sub1.Cancel()
	sub2, err := r.Subscribe(context.Background(), "call-2")
	require.NoError(t, err)
	defer sub2.Cancel()

	require.NoError(t, r.Publish(context.Background(), domain.Signal{
		CallID: "call-2", Type: domain.SignalTypeOffer,
	}))

	sig := <-sub2.C
	assert.Equal(t, "call-2", sig.CallID)
	assert.Empty(t, sub1.C)
}

func TestCancelStopsDelivery(t *testing.T) {
	r := NewRelay()

	sub, err := r.Subscribe(context.Background(), "call-1")
	require.NoError(t, err)
	sub.Cancel()
	sub.Cancel() // idempotent

	require.NoError(t, r.Publish(context.Background(), domain.Signal{
		CallID: "call-1", Type: domain.SignalTypeOffer,
	}))

	_, open := <-sub.C
	assert.False(t, open)
}
