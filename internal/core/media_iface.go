package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/openhuddle/huddle/internal/domain"
	"github.com/openhuddle/huddle/internal/proto"
)

// MediaConnection is the capability surface of one direct peer connection.
// SDP travels as opaque strings so the negotiation layer stays free of
// transport types and tests can substitute fakes.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection
	// lifetime to ctx.
	Start(ctx context.Context) error
	// Close stops all underlying media resources. Safe to call twice.
	Close()
	IsClosed() bool

	// CreateAndSetOffer produces the local offer SDP.
	CreateAndSetOffer() (string, error)
	// ApplyOfferAndCreateAnswer applies a remote offer and produces the
	// answer SDP.
	ApplyOfferAndCreateAnswer(offer string) (string, error)
	// ApplyAnswer applies the remote answer SDP.
	ApplyAnswer(answer string) error
	// RemoteDescriptionSet reports whether a remote description has been
	// applied; candidates arriving earlier must be held back.
	RemoteDescriptionSet() bool
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(proto.Candidate) error
	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(proto.Candidate))
	// OnConnected sets a callback fired when the transport reaches the
	// connected state.
	OnConnected(func())

	// OnTrack sets a callback invoked when a remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// AddLocalTrack attaches a local static RTP track.
	AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error)
	// OnClosed sets a callback for media session cleanup.
	OnClosed(func())
}

// MediaFactory builds the MediaConnection for one remote participant.
// Production wires the pion adapter; tests inject fakes.
type MediaFactory func(remote domain.ParticipantID) (MediaConnection, error)
