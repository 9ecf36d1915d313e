package mesh

import (
	"github.com/openhuddle/huddle/internal/core"
	"github.com/openhuddle/huddle/internal/domain"
	"github.com/openhuddle/huddle/internal/proto"
)

// NegotiationState is the per-link SDP handshake progress.
type NegotiationState int

const (
	StateIdle NegotiationState = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerSent
	StateConnected
	StateClosed
)

func (s NegotiationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer_sent"
	case StateOfferReceived:
		return "offer_received"
	case StateAnswerSent:
		return "answer_sent"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Link is one direct media connection to a remote participant. It is
// mutated only from the session event loop.
type Link struct {
	remote domain.ParticipantID
	media  core.MediaConnection
	state  NegotiationState

	// Candidates that arrived before the remote description; flushed in
	// received order once the description applies.
	pendingICE []proto.Candidate
}

func newLink(remote domain.ParticipantID, media core.MediaConnection) *Link {
	return &Link{remote: remote, media: media, state: StateIdle}
}

func (l *Link) Remote() domain.ParticipantID { return l.remote }
func (l *Link) State() NegotiationState      { return l.state }

// addCandidate applies cand immediately when the remote description is
// set, otherwise queues it. This ordering tolerance is mandatory: ICE may
// legitimately outrun the SDP exchange.
func (l *Link) addCandidate(cand proto.Candidate) error {
	if l.state == StateClosed {
		return nil
	}
	if !l.media.RemoteDescriptionSet() {
		l.pendingICE = append(l.pendingICE, cand)
		return nil
	}
	return l.media.AddICECandidate(cand)
}

// flushPending applies queued candidates in received order.
func (l *Link) flushPending() error {
	for len(l.pendingICE) > 0 {
		cand := l.pendingICE[0]
		l.pendingICE = l.pendingICE[1:]
		if err := l.media.AddICECandidate(cand); err != nil {
			return err
		}
	}
	return nil
}

// close releases the media connection exactly once and pins the link in
// Closed. Double-close is a no-op.
func (l *Link) close() {
	if l.state == StateClosed {
		return
	}
	l.state = StateClosed
	l.pendingICE = nil
	l.media.Close()
}
