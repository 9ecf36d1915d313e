package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/openhuddle/huddle/internal/core"
)

// StaticSource satisfies core.MediaSource with pre-built static RTP
// tracks. Real capture devices live outside this module; anything that
// can feed RTP into the returned tracks plugs in here.
type StaticSource struct {
	StreamID string
}

func NewStaticSource() *StaticSource {
	return &StaticSource{StreamID: "huddle"}
}

func (s *StaticSource) Acquire(ctx context.Context) (core.LocalMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", s.StreamID)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", s.StreamID)
	if err != nil {
		return nil, err
	}
	return &localMedia{audio: audio, video: video, micOn: true, cameraOn: true}, nil
}

type localMedia struct {
	audio *webrtc.TrackLocalStaticRTP
	video *webrtc.TrackLocalStaticRTP

	mu       sync.Mutex
	micOn    bool
	cameraOn bool
	closed   bool
}

func (m *localMedia) AudioTrack() *webrtc.TrackLocalStaticRTP { return m.audio }
func (m *localMedia) VideoTrack() *webrtc.TrackLocalStaticRTP { return m.video }

func (m *localMedia) SetMicEnabled(on bool) {
	m.mu.Lock()
	m.micOn = on
	m.mu.Unlock()
	log.Debug().Str("module", "rtc").Bool("mic_on", on).Msg("local audio toggled")
}

func (m *localMedia) SetCameraEnabled(on bool) {
	m.mu.Lock()
	m.cameraOn = on
	m.mu.Unlock()
	log.Debug().Str("module", "rtc").Bool("camera_on", on).Msg("local video toggled")
}

// MicEnabled reports the current audio state; the RTP writer consults it
// between packets.
func (m *localMedia) MicEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.micOn
}

func (m *localMedia) CameraEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cameraOn
}

func (m *localMedia) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
}
