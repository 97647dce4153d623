package firestore

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echolink-backend/internal/domain"
)

func TestStoredParticipantsIncludeInitiator(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	call := &domain.CallRecord{
		ChatID:       "chat-1",
		InitiatorID:  alice,
		Participants: []uuid.UUID{bob},
		Type:         domain.CallTypeVoice,
		Status:       domain.CallStatusRinging,
	}

	// Watches filter on array-contains, so the stored array must match the
	// initiator's own aggregate watch as well as the callee's
	doc := toDoc(call)
	assert.Contains(t, doc.Participants, alice.String())
	assert.Contains(t, doc.Participants, bob.String())

	rec, err := fromDoc("call-1", doc)
	require.NoError(t, err)
	assert.Equal(t, alice, rec.InitiatorID)
	assert.Equal(t, []uuid.UUID{bob}, rec.Participants, "the initiator stays implicit in the record")
	assert.True(t, rec.HasParticipant(alice))
	assert.True(t, rec.HasParticipant(bob))
}
