// Package pion implements the media negotiation engine on pion/webrtc.
package pion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"echolink-backend/internal/domain"
	"echolink-backend/internal/media"
	"echolink-backend/pkg/logger"
)

// DefaultSTUNServers are the public connectivity-assist servers every peer
// session is configured with.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Engine is a single-call media session over a pion PeerConnection
type Engine struct {
	devices     DeviceSource
	stunServers []string

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	tracks       []Track
	localStream  *media.StreamHandle
	remoteStream *media.StreamHandle
	onCandidate  func(json.RawMessage)

	offerCreated  bool
	answerCreated bool
	remoteApplied bool
	closed        bool
}

// NewEngine creates an engine using the given capture source and the
// default STUN servers.
func NewEngine(devices DeviceSource) *Engine {
	return &Engine{devices: devices, stunServers: DefaultSTUNServers}
}

// NewFactory returns a media.Factory producing one engine per call
func NewFactory(devices DeviceSource) media.Factory {
	return func() media.Engine { return NewEngine(devices) }
}

// NewFactoryWithSTUN is NewFactory with explicit STUN servers. Empty servers
// fall back to the defaults.
func NewFactoryWithSTUN(devices DeviceSource, servers []string) media.Factory {
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}
	return func() media.Engine {
		return &Engine{devices: devices, stunServers: servers}
	}
}

// AcquireLocalMedia opens the capture source. Requested once per call;
// failure is reported but never retried automatically.
func (e *Engine) AcquireLocalMedia(ctx context.Context, videoRequested bool) (*media.StreamHandle, error) {
	tracks, err := e.devices.Open(ctx, videoRequested)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		for _, t := range tracks {
			t.Stop()
		}
		return nil, domain.ErrMediaUnavailable
	}
	e.tracks = tracks
	e.localStream = streamHandle(uuid.New().String(), tracks)
	return e.localStream, nil
}

// CreatePeerSession establishes the peer connection and attaches local
// tracks. With no local tracks (degraded mode) recvonly transceivers keep
// the SDP valid so the remote side can still send.
func (e *Engine) CreatePeerSession(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.pc != nil {
		return domain.ErrInvalidNegotiationState
	}

	var servers []webrtc.ICEServer
	if len(e.stunServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: e.stunServers})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	for _, t := range e.tracks {
		if _, err := pc.AddTrack(t.RTP()); err != nil {
			_ = pc.Close()
			return fmt.Errorf("failed to attach %s track: %w", t.Kind(), err)
		}
	}
	if len(e.tracks) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				_ = pc.Close()
				return fmt.Errorf("failed to add recvonly transceiver: %w", err)
			}
		}
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.mu.Lock()
		if e.remoteStream == nil {
			e.remoteStream = &media.StreamHandle{ID: remote.StreamID()}
		}
		switch remote.Kind() {
		case webrtc.RTPCodecTypeAudio:
			e.remoteStream.AudioTracks++
		case webrtc.RTPCodecTypeVideo:
			e.remoteStream.VideoTracks++
		}
		e.mu.Unlock()
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			logger.Warn("failed to marshal local candidate", zap.Error(err))
			return
		}
		e.mu.Lock()
		cb := e.onCandidate
		e.mu.Unlock()
		if cb != nil {
			cb(payload)
		}
	})

	e.pc = pc
	return nil
}

// OnLocalCandidate registers the sink for locally gathered candidates
func (e *Engine) OnLocalCandidate(fn func(candidate json.RawMessage)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

// CreateOffer produces and applies the local offer
func (e *Engine) CreateOffer(_ context.Context) (media.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc == nil || e.closed || e.offerCreated || e.answerCreated {
		return media.SessionDescription{}, domain.ErrInvalidNegotiationState
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return media.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return media.SessionDescription{}, fmt.Errorf("failed to apply local offer: %w", err)
	}
	e.offerCreated = true
	return media.SessionDescription{Type: "offer", SDP: offer.SDP}, nil
}

// CreateAnswer applies the remote offer and produces the local answer
func (e *Engine) CreateAnswer(_ context.Context, remoteOffer media.SessionDescription) (media.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc == nil || e.closed || e.offerCreated || e.answerCreated || remoteOffer.Type != "offer" {
		return media.SessionDescription{}, domain.ErrInvalidNegotiationState
	}

	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: remoteOffer.SDP,
	}); err != nil {
		return media.SessionDescription{}, fmt.Errorf("failed to apply remote offer: %w", err)
	}
	e.remoteApplied = true

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return media.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return media.SessionDescription{}, fmt.Errorf("failed to apply local answer: %w", err)
	}
	e.answerCreated = true
	return media.SessionDescription{Type: "answer", SDP: answer.SDP}, nil
}

// ApplyRemoteDescription applies the remote answer on the offering side
func (e *Engine) ApplyRemoteDescription(_ context.Context, desc media.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remoteApplied {
		return nil // retry of an already-applied description
	}
	if e.pc == nil || e.closed || !e.offerCreated || desc.Type != "answer" {
		return domain.ErrInvalidNegotiationState
	}

	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: desc.SDP,
	}); err != nil {
		return fmt.Errorf("failed to apply remote answer: %w", err)
	}
	e.remoteApplied = true
	return nil
}

// AddRemoteCandidate applies one remote ICE candidate in arrival order
func (e *Engine) AddRemoteCandidate(_ context.Context, candidate json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc == nil || e.closed || !e.remoteApplied {
		return domain.ErrInvalidNegotiationState
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("malformed candidate: %w", err)
	}
	if err := e.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add candidate: %w", err)
	}
	return nil
}

// LocalStream returns the acquired local stream handle
func (e *Engine) LocalStream() *media.StreamHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localStream
}

// RemoteStream returns the current remote stream handle
func (e *Engine) RemoteStream() *media.StreamHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteStream
}

// ToggleMute flips the first audio track; reports the resulting muted state
func (e *Engine) ToggleMute() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.tracks {
		if t.Kind() == "audio" {
			return !t.SetEnabled(!t.Enabled())
		}
	}
	return false
}

// ToggleVideo flips the first video track; reports the resulting enabled state
func (e *Engine) ToggleVideo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.tracks {
		if t.Kind() == "video" {
			return t.SetEnabled(!t.Enabled())
		}
	}
	return false
}

// Teardown closes the peer session and stops every local track. Safe to
// call multiple times and before any session was created.
func (e *Engine) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true

	if e.pc != nil {
		if err := e.pc.Close(); err != nil {
			logger.Warn("failed to close peer connection", zap.Error(err))
		}
		e.pc = nil
	}
	for _, t := range e.tracks {
		t.Stop()
	}
	e.tracks = nil
	e.localStream = nil
	e.remoteStream = nil
	e.onCandidate = nil
}

func streamHandle(id string, tracks []Track) *media.StreamHandle {
	h := &media.StreamHandle{ID: id}
	for _, t := range tracks {
		switch t.Kind() {
		case "audio":
			h.AudioTracks++
		case "video":
			h.VideoTracks++
		}
	}
	return h
}
