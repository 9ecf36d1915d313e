// Package rtc adapts pion/webrtc to the core.MediaConnection capability
// surface used by the peer mesh.
package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/openhuddle/huddle/internal/domain"
	"github.com/openhuddle/huddle/internal/proto"
)

type Connection struct {
	pc     *webrtc.PeerConnection
	remote domain.ParticipantID
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	remoteSet bool

	onICE       func(proto.Candidate)
	onConnected func()
	onTrack     func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onClosed    func()
}

func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

func New(cfg webrtc.Configuration, remote domain.ParticipantID) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{pc: pc, remote: remote}, nil
}

func (c *Connection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Int64("participant_id", int64(c.remote)).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed || s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Int64("participant_id", int64(c.remote)).Str("peer_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if c.onConnected != nil {
				c.onConnected()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.fireClosed()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.onICE == nil {
			return
		}
		c.onICE(toProtoCandidate(cand.ToJSON()))
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Int64("participant_id", int64(c.remote)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		if c.onTrack != nil {
			c.onTrack(ctx, track, receiver)
		}
	})

	return nil
}

func (c *Connection) CreateAndSetOffer() (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (c *Connection) ApplyOfferAndCreateAnswer(offer string) (string, error) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return "", err
	}
	c.markRemoteSet()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (c *Connection) ApplyAnswer(answer string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	c.markRemoteSet()
	return nil
}

func (c *Connection) RemoteDescriptionSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSet
}

func (c *Connection) markRemoteSet() {
	c.mu.Lock()
	c.remoteSet = true
	c.mu.Unlock()
}

func (c *Connection) AddICECandidate(cand proto.Candidate) error {
	return c.pc.AddICECandidate(fromProtoCandidate(cand))
}

func (c *Connection) OnICECandidate(fn func(proto.Candidate)) { c.onICE = fn }

func (c *Connection) OnConnected(fn func()) { c.onConnected = fn }

func (c *Connection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.onTrack = fn
}

func (c *Connection) OnClosed(fn func()) { c.onClosed = fn }

func (c *Connection) AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return c.pc.AddTrack(track)
}

// Close releases the peer connection. Safe to call twice.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Int64("participant_id", int64(c.remote)).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Int64("participant_id", int64(c.remote)).Msg("closed")
	}
	c.fireClosed()
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fireClosed runs the cleanup callback at most once.
func (c *Connection) fireClosed() {
	c.mu.Lock()
	fn := c.onClosed
	c.onClosed = nil
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func toProtoCandidate(ci webrtc.ICECandidateInit) proto.Candidate {
	return proto.Candidate{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	}
}

func fromProtoCandidate(cand proto.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}
}
