package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// LocalMedia holds the local capture tracks for one session. Toggles only
// flip track state; they never renegotiate SDP.
type LocalMedia interface {
	AudioTrack() *webrtc.TrackLocalStaticRTP
	VideoTrack() *webrtc.TrackLocalStaticRTP
	SetMicEnabled(on bool)
	SetCameraEnabled(on bool)
	// Close releases capture resources. Safe to call twice.
	Close()
}

// MediaSource acquires local capture. Device access lives behind this
// boundary; acquisition failure is fatal to session start.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}
