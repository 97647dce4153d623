package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"echolink-backend/internal/domain"
	"echolink-backend/internal/media"
	"echolink-backend/internal/notify"
	"echolink-backend/internal/relay"
	"echolink-backend/pkg/logger"
)

const viewBuffer = 32

// View is the local projection of the current call as one participant sees
// it. Call is nil between calls. IsMuted and IsVideoEnabled are local-only:
// they never touch the shared record. Elapsed counts active seconds.
type View struct {
	Call           *domain.CallRecord  `json:"call"`
	IsMuted        bool                `json:"is_muted"`
	IsVideoEnabled bool                `json:"is_video_enabled"`
	LocalStream    *media.StreamHandle `json:"local_stream,omitempty"`
	RemoteStream   *media.StreamHandle `json:"remote_stream,omitempty"`
	Elapsed        int                 `json:"elapsed"`
	MediaDegraded  bool                `json:"media_degraded"`
}

// Session is one participant's live call session. It mirrors the routed
// current call into a local view, rings on incoming calls, drives media
// negotiation over the relay once the call goes active, and guarantees
// media teardown happens exactly once per call no matter which side or
// which path ends it.
//
// State is mutex-guarded: the Run loop, relay delivery, and user commands
// all serialize on it. Store snapshots may jump states (ringing observed
// directly as ended); the session handles every jump.
type Session struct {
	svc     *Service
	relay   relay.Relay
	engines media.Factory
	ringer  notify.Ringer
	userID  uuid.UUID
	router  *Router

	mu      sync.Mutex
	view    *View
	engine  media.Engine
	sub     *relay.Subscription
	relayC  <-chan domain.Signal
	ringing bool
	closed  bool

	events chan View
}

// NewSession creates a session for one participant. Run must be started for
// the view to track the store.
func NewSession(svc *Service, rel relay.Relay, engines media.Factory, ringer notify.Ringer, userID uuid.UUID) *Session {
	return &Session{
		svc:     svc,
		relay:   rel,
		engines: engines,
		ringer:  ringer,
		userID:  userID,
		router:  NewRouter(svc.Store(), userID),
		events:  make(chan View, viewBuffer),
	}
}

// Events delivers view snapshots as the session changes. The channel closes
// when Run returns. Slow consumers lose intermediate snapshots, never the
// latest one.
func (s *Session) Events() <-chan View {
	return s.events
}

// Snapshot returns the current view
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Run drives the session until ctx is canceled
func (s *Session) Run(ctx context.Context) {
	go s.router.Run(ctx)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		relayC := s.relayC
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case u := <-s.router.Updates():
			s.applyUpdate(ctx, u)
		case sig, ok := <-relayC:
			if !ok {
				s.mu.Lock()
				if s.relayC == relayC {
					s.relayC = nil
				}
				s.mu.Unlock()
				continue
			}
			s.applySignal(ctx, sig)
		case <-ticker.C:
			s.tick()
		}
	}
}

// Initiate starts an outgoing call and follows its record from the moment
// of creation so even an immediate decline reaches the view. Rejected while
// another call is current: the session holds one call at a time.
func (s *Session) Initiate(ctx context.Context, chatID string, participants []uuid.UUID, callType domain.CallType) (*domain.CallRecord, error) {
	s.mu.Lock()
	if s.view != nil {
		s.mu.Unlock()
		return nil, domain.ErrCallInProgress
	}
	s.mu.Unlock()

	call, err := s.svc.InitiateCall(ctx, s.userID, chatID, participants, callType)
	if err != nil {
		return nil, err
	}
	s.router.Pin(call.ID)
	return call, nil
}

// Answer accepts the current ringing call. Media is acquired and the
// negotiation channel joined before the status write, so the initiator's
// offer can never arrive before this side listens.
func (s *Session) Answer(ctx context.Context, callID string) error {
	s.mu.Lock()
	if s.view == nil || s.view.Call.ID != callID ||
		s.view.Call.InitiatorID == s.userID || s.view.Call.Status != domain.CallStatusRinging {
		s.mu.Unlock()
		return domain.ErrCallNotAnswerable
	}
	s.stopRingingLocked(ctx)
	if s.engine == nil {
		s.setupMediaLocked(ctx, s.view.Call)
	}
	s.emitLocked()
	s.mu.Unlock()

	return s.svc.AnswerCall(ctx, callID, s.userID)
}

// Decline rejects the current ringing call. Declining a call that already
// resolved is a silent no-op; declining an active call is rejected.
func (s *Session) Decline(ctx context.Context, callID string) error {
	s.mu.Lock()
	if s.view != nil && s.view.Call.ID == callID {
		switch {
		case s.view.Call.Status == domain.CallStatusActive:
			s.mu.Unlock()
			return domain.ErrCallNotDeclinable
		case s.view.Call.Status.Terminal():
			s.mu.Unlock()
			return nil
		}
		s.stopRingingLocked(ctx)
	}
	s.mu.Unlock()

	return s.svc.DeclineCall(ctx, callID, s.userID)
}

// End hangs up. Local media is released immediately; the store write is
// always attempted even when the local view is stale or already gone.
func (s *Session) End(ctx context.Context, callID string) error {
	s.mu.Lock()
	if s.view != nil && s.view.Call.ID == callID {
		s.stopRingingLocked(ctx)
		s.teardownMediaLocked()
	}
	s.mu.Unlock()

	return s.svc.EndCall(ctx, callID, s.userID)
}

// ToggleMute flips the microphone and reports the resulting muted state.
// Local-only: the other side just hears silence.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view == nil {
		return false
	}
	if s.engine != nil {
		s.view.IsMuted = s.engine.ToggleMute()
	} else {
		s.view.IsMuted = !s.view.IsMuted
	}
	s.emitLocked()
	return s.view.IsMuted
}

// ToggleVideo flips the camera and reports the resulting enabled state.
// Before media exists the flag controls whether the camera is requested at
// acquisition time.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view == nil {
		return false
	}
	if s.engine != nil {
		s.view.IsVideoEnabled = s.engine.ToggleVideo()
	} else {
		s.view.IsVideoEnabled = !s.view.IsVideoEnabled
	}
	s.emitLocked()
	return s.view.IsVideoEnabled
}

func (s *Session) applyUpdate(ctx context.Context, u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.Call == nil {
		// Current call became unresolvable; treat as ended
		if s.view != nil {
			s.finishLocked(ctx)
		}
		return
	}

	c := u.Call
	if s.view != nil && s.view.Call.ID != c.ID {
		// The current call changed identity: resolve the old one fully,
		// media release included, before adopting the new record
		s.finishLocked(ctx)
	}
	if s.view == nil {
		if c.Status.Terminal() {
			return
		}
		s.view = &View{Call: c, IsVideoEnabled: c.Type == domain.CallTypeVideo}
		if c.Status == domain.CallStatusRinging && c.InitiatorID != s.userID {
			s.ringing = true
			s.ringer.Ring(ctx, c)
		}
		// A snapshot may land at active directly, skipping ringing
		if c.Status == domain.CallStatusActive {
			s.onActiveLocked(ctx)
		}
		s.emitLocked()
		return
	}

	prev := s.view.Call.Status
	s.view.Call = c
	switch {
	case c.Status.Terminal():
		s.finishLocked(ctx)
	case c.Status == domain.CallStatusActive && prev != domain.CallStatusActive:
		s.stopRingingLocked(ctx)
		s.onActiveLocked(ctx)
		s.emitLocked()
	default:
		s.emitLocked()
	}
}

// onActiveLocked runs once per call when the record turns active. The
// initiator builds its media session here and opens negotiation; the
// answerer prepared during Answer and only waits for the offer.
func (s *Session) onActiveLocked(ctx context.Context) {
	c := s.view.Call
	if s.engine == nil {
		s.setupMediaLocked(ctx, c)
	}
	if c.InitiatorID != s.userID || s.engine == nil {
		return
	}

	offer, err := s.engine.CreateOffer(ctx)
	if err != nil {
		s.negotiationFailedLocked(ctx, err)
		return
	}
	s.publish(ctx, domain.Signal{
		CallID:   c.ID,
		SenderID: s.userID,
		Type:     domain.SignalTypeOffer,
		SDP:      offer.SDP,
		SentAt:   time.Now().UTC(),
	})
}

// setupMediaLocked acquires local capture, joins the negotiation channel,
// and establishes the peer session. Capture failure degrades the session
// (receive-only) instead of failing the call.
func (s *Session) setupMediaLocked(ctx context.Context, c *domain.CallRecord) {
	eng := s.engines()

	wantVideo := c.Type == domain.CallTypeVideo && s.view.IsVideoEnabled
	if _, err := eng.AcquireLocalMedia(ctx, wantVideo); err != nil {
		logger.Warn("local media unavailable, continuing receive-only",
			zap.String("call_id", c.ID), zap.Error(err))
		s.view.MediaDegraded = true
		if s.svc.metrics != nil {
			s.svc.metrics.RecordCallFailure(string(c.Type), "media")
		}
	}

	callID, userID := c.ID, s.userID
	eng.OnLocalCandidate(func(candidate json.RawMessage) {
		sig := domain.Signal{
			CallID:    callID,
			SenderID:  userID,
			Type:      domain.SignalTypeCandidate,
			Candidate: candidate,
			SentAt:    time.Now().UTC(),
		}
		if err := s.relay.Publish(context.Background(), sig); err != nil {
			logger.Warn("failed to publish candidate",
				zap.String("call_id", callID), zap.Error(err))
		}
	})

	if err := eng.CreatePeerSession(ctx); err != nil {
		logger.Error("failed to establish peer session",
			zap.String("call_id", c.ID), zap.Error(err))
		eng.Teardown()
		s.view.MediaDegraded = true
		return
	}
	s.engine = eng
	s.view.LocalStream = eng.LocalStream()

	if s.sub == nil {
		sub, err := s.relay.Subscribe(ctx, c.ID)
		if err != nil {
			logger.Error("negotiation channel unavailable",
				zap.String("call_id", c.ID), zap.Error(err))
			return
		}
		s.sub = sub
		s.relayC = sub.C
	}
}

func (s *Session) applySignal(ctx context.Context, sig domain.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view == nil || s.engine == nil || sig.CallID != s.view.Call.ID || !sig.ForUser(s.userID) {
		return
	}
	if s.svc.metrics != nil {
		s.svc.metrics.RecordSignal(string(sig.Type), "inbound")
	}

	switch sig.Type {
	case domain.SignalTypeOffer:
		answer, err := s.engine.CreateAnswer(ctx, media.SessionDescription{Type: "offer", SDP: sig.SDP})
		if err != nil {
			s.negotiationFailedLocked(ctx, err)
			return
		}
		s.publish(ctx, domain.Signal{
			CallID:   sig.CallID,
			SenderID: s.userID,
			TargetID: sig.SenderID,
			Type:     domain.SignalTypeAnswer,
			SDP:      answer.SDP,
			SentAt:   time.Now().UTC(),
		})
		s.emitLocked()

	case domain.SignalTypeAnswer:
		if err := s.engine.ApplyRemoteDescription(ctx, media.SessionDescription{Type: "answer", SDP: sig.SDP}); err != nil {
			s.negotiationFailedLocked(ctx, err)
		}

	case domain.SignalTypeCandidate:
		// Candidates are applied in arrival order; a bad one is dropped,
		// not fatal
		if err := s.engine.AddRemoteCandidate(ctx, sig.Candidate); err != nil {
			logger.Warn("dropping remote candidate",
				zap.String("call_id", sig.CallID), zap.Error(err))
		}
	}
}

// negotiationFailedLocked abandons the call locally: the view turns ended
// regardless of what the store record says, and the end write is attempted
// in the background.
func (s *Session) negotiationFailedLocked(ctx context.Context, err error) {
	c := s.view.Call.Clone()
	logger.Error("negotiation failed, abandoning call",
		zap.String("call_id", c.ID), zap.Error(err))
	if s.svc.metrics != nil {
		s.svc.metrics.RecordCallFailure(string(c.Type), "negotiation")
	}

	now := time.Now().UTC()
	c.Status = domain.CallStatusEnded
	c.EndedAt = &now
	s.view.Call = c

	go func() {
		if endErr := s.svc.EndCall(context.Background(), c.ID, s.userID); endErr != nil {
			logger.Warn("failed to end abandoned call",
				zap.String("call_id", c.ID), zap.Error(endErr))
		}
	}()
	s.finishLocked(ctx)
}

// finishLocked resolves the current call: the view shows its terminal
// snapshot once, media is released, then the view empties.
func (s *Session) finishLocked(ctx context.Context) {
	s.stopRingingLocked(ctx)
	s.teardownMediaLocked()
	s.emitLocked()
	s.view = nil
	s.emitLocked()
}

func (s *Session) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view == nil || s.view.Call.Status != domain.CallStatusActive {
		return
	}
	if at := s.view.Call.AnsweredAt; at != nil {
		s.view.Elapsed = int(time.Since(*at).Seconds())
	} else {
		s.view.Elapsed++
	}
	if s.engine != nil {
		s.view.LocalStream = s.engine.LocalStream()
		s.view.RemoteStream = s.engine.RemoteStream()
	}
	s.emitLocked()
}

func (s *Session) publish(ctx context.Context, sig domain.Signal) {
	if err := s.relay.Publish(ctx, sig); err != nil {
		logger.Warn("failed to publish signal",
			zap.String("call_id", sig.CallID),
			zap.String("type", string(sig.Type)), zap.Error(err))
		return
	}
	if s.svc.metrics != nil {
		s.svc.metrics.RecordSignal(string(sig.Type), "outbound")
	}
}

func (s *Session) stopRingingLocked(ctx context.Context) {
	if !s.ringing {
		return
	}
	s.ringing = false
	if s.view != nil {
		s.ringer.StopRinging(ctx, s.view.Call.ID)
	}
}

// teardownMediaLocked releases the engine and negotiation channel. Safe to
// call repeatedly; only the first call does work.
func (s *Session) teardownMediaLocked() {
	if s.engine != nil {
		s.engine.Teardown()
		s.engine = nil
	}
	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
	s.relayC = nil
	if s.view != nil {
		s.view.LocalStream = nil
		s.view.RemoteStream = nil
	}
}

func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopRingingLocked(context.Background())
	s.teardownMediaLocked()
	s.view = nil
	s.closed = true
	close(s.events)
}

func (s *Session) snapshotLocked() View {
	if s.view == nil {
		return View{}
	}
	v := *s.view
	v.Call = s.view.Call.Clone()
	return v
}

// emitLocked pushes the current view, dropping the oldest queued snapshot
// when the consumer lags.
func (s *Session) emitLocked() {
	if s.closed {
		return
	}
	v := s.snapshotLocked()
	for {
		select {
		case s.events <- v:
			return
		default:
			select {
			case <-s.events:
			default:
			}
		}
	}
}
