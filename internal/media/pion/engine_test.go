package pion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echolink-backend/internal/domain"
	"echolink-backend/internal/media"
)

type failingSource struct{}

func (failingSource) Open(context.Context, bool) ([]Track, error) {
	return nil, errors.New("permission denied")
}

func TestAcquireLocalMediaUnavailable(t *testing.T) {
	e := NewEngine(failingSource{})
	defer e.Teardown()

	_, err := e.AcquireLocalMedia(context.Background(), false)
	assert.ErrorIs(t, err, domain.ErrMediaUnavailable)
	assert.Nil(t, e.LocalStream())
}

func TestAcquireLocalMediaTracksHandle(t *testing.T) {
	e := NewEngine(SilenceSource{})
	defer e.Teardown()

	handle, err := e.AcquireLocalMedia(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, handle.AudioTracks)
	assert.Equal(t, 1, handle.VideoTracks)
	assert.Equal(t, handle, e.LocalStream())
}

func TestToggleWithNoTracks(t *testing.T) {
	e := NewEngine(SilenceSource{})
	defer e.Teardown()

	assert.False(t, e.ToggleMute())
	assert.False(t, e.ToggleVideo())
}

func TestToggleMuteFlipsFirstAudioTrack(t *testing.T) {
	e := NewEngine(SilenceSource{})
	defer e.Teardown()

	_, err := e.AcquireLocalMedia(context.Background(), true)
	require.NoError(t, err)

	assert.True(t, e.ToggleMute())   // now muted
	assert.False(t, e.ToggleMute())  // unmuted again
	assert.False(t, e.ToggleVideo()) // video disabled
	assert.True(t, e.ToggleVideo())  // re-enabled
}

func TestNegotiationOrderGuards(t *testing.T) {
	e := NewEngine(SilenceSource{})
	defer e.Teardown()

	// No peer session yet
	_, err := e.CreateOffer(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidNegotiationState)

	require.NoError(t, e.CreatePeerSession(context.Background()))

	// Candidate before any remote description
	err = e.AddRemoteCandidate(context.Background(), []byte(`{"candidate":""}`))
	assert.ErrorIs(t, err, domain.ErrInvalidNegotiationState)

	// Answer without a remote offer
	_, err = e.CreateAnswer(context.Background(), media.SessionDescription{Type: "answer", SDP: "v=0"})
	assert.ErrorIs(t, err, domain.ErrInvalidNegotiationState)

	// Remote answer before a local offer exists
	err = e.ApplyRemoteDescription(context.Background(), media.SessionDescription{Type: "answer", SDP: "v=0"})
	assert.ErrorIs(t, err, domain.ErrInvalidNegotiationState)
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	caller := NewEngine(SilenceSource{})
	defer caller.Teardown()
	callee := NewEngine(SilenceSource{})
	defer callee.Teardown()

	_, err := caller.AcquireLocalMedia(context.Background(), false)
	require.NoError(t, err)
	_, err = callee.AcquireLocalMedia(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, caller.CreatePeerSession(context.Background()))
	require.NoError(t, callee.CreatePeerSession(context.Background()))

	offer, err := caller.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.NotEmpty(t, offer.SDP)

	// Offer is valid only once per session
	_, err = caller.CreateOffer(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidNegotiationState)

	answer, err := callee.CreateAnswer(context.Background(), offer)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)

	require.NoError(t, caller.ApplyRemoteDescription(context.Background(), answer))
	// Retrying an already-applied description is a no-op
	require.NoError(t, caller.ApplyRemoteDescription(context.Background(), answer))
}

func TestTeardownIdempotent(t *testing.T) {
	e := NewEngine(SilenceSource{})

	// Safe before any session exists
	e.Teardown()
	e.Teardown()

	e = NewEngine(SilenceSource{})
	_, err := e.AcquireLocalMedia(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, e.CreatePeerSession(context.Background()))

	e.Teardown()
	e.Teardown()
	assert.Nil(t, e.LocalStream())
	assert.Nil(t, e.RemoteStream())

	// Dead engine rejects further negotiation
	err = e.CreatePeerSession(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidNegotiationState)
}
