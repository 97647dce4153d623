package pion

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	wmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Track is one local capture track attached to a peer session. Enabled
// state is local-only: flipping it is invisible to the remote side beyond
// the media going quiet.
type Track interface {
	Kind() string // "audio" | "video"
	Enabled() bool
	SetEnabled(enabled bool) bool
	RTP() webrtc.TrackLocal
	Stop()
}

// DeviceSource opens local capture devices. Implementations are platform
// specific; SilenceSource serves deployments without hardware capture.
type DeviceSource interface {
	Open(ctx context.Context, video bool) ([]Track, error)
}

// sampleTrack wraps a static-sample track with an enabled flag and an
// optional feeder goroutine.
type sampleTrack struct {
	kind  string
	local *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	stop    chan struct{}
	stopped bool
}

func (t *sampleTrack) Kind() string           { return t.kind }
func (t *sampleTrack) RTP() webrtc.TrackLocal { return t.local }

func (t *sampleTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *sampleTrack) SetEnabled(enabled bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
	return t.enabled
}

func (t *sampleTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.stop != nil {
		close(t.stop)
	}
}

// opusSilence is a single Opus DTX frame; feeding it keeps the RTP stream
// alive while the track is muted or no capture hardware exists.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const opusFrameDuration = 20 * time.Millisecond

// SilenceSource is a capture source that produces an Opus silence feed (and
// an idle video track when requested). It lets the service act as a media
// peer on hosts without microphones or cameras; real capture sources
// implement DeviceSource the same way.
type SilenceSource struct{}

// Open creates the synthetic tracks
func (SilenceSource) Open(_ context.Context, video bool) ([]Track, error) {
	streamID := uuid.New().String()

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, err
	}
	at := &sampleTrack{kind: "audio", local: audio, enabled: true, stop: make(chan struct{})}
	go feedSilence(audio, at.stop)
	tracks := []Track{at}

	if video {
		vtrack, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			at.Stop()
			return nil, err
		}
		tracks = append(tracks, &sampleTrack{kind: "video", local: vtrack, enabled: true})
	}
	return tracks, nil
}

func feedSilence(track *webrtc.TrackLocalStaticSample, stop <-chan struct{}) {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := track.WriteSample(wmedia.Sample{Data: opusSilence, Duration: opusFrameDuration}); err != nil {
				return
			}
		}
	}
}
