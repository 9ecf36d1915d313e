// Package mesh maintains one direct peer link per connected remote
// participant and drives the offer/answer/ICE negotiation for each.
//
// The side that already is in the room initiates: observing a join for a
// newcomer, it creates the link and sends the offer. The newcomer only
// answers. That asymmetry keeps both sides from racing as initiator.
package mesh

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/openhuddle/huddle/internal/core"
	"github.com/openhuddle/huddle/internal/domain"
	"github.com/openhuddle/huddle/internal/proto"
)

// Mesh owns the link table. Like the roster it is single-writer: every
// method runs on the session event loop, and async media callbacks
// re-enter through post before touching link state.
type Mesh struct {
	callID  domain.CallID
	selfID  domain.ParticipantID
	sig     core.SignalChannel
	factory core.MediaFactory
	local   core.LocalMedia

	ctx   context.Context
	post  func(func())
	links map[domain.ParticipantID]*Link
}

func New(ctx context.Context, callID domain.CallID, selfID domain.ParticipantID, sig core.SignalChannel, factory core.MediaFactory, post func(func())) *Mesh {
	return &Mesh{
		callID:  callID,
		selfID:  selfID,
		sig:     sig,
		factory: factory,
		ctx:     ctx,
		post:    post,
		links:   make(map[domain.ParticipantID]*Link),
	}
}

// SetLocalMedia installs the capture tracks attached to every new link.
func (m *Mesh) SetLocalMedia(local core.LocalMedia) { m.local = local }

// EnsureLink returns the existing link for remote or creates one in Idle.
// Idempotent: a connected participant never gets a second active link.
func (m *Mesh) EnsureLink(remote domain.ParticipantID) (*Link, error) {
	if l, ok := m.links[remote]; ok && l.state != StateClosed {
		return l, nil
	}

	media, err := m.factory(remote)
	if err != nil {
		return nil, fmt.Errorf("media connection for participant %d: %w", remote, err)
	}

	media.OnICECandidate(func(cand proto.Candidate) {
		err := m.sig.Send(proto.EventSendCandidate, proto.SendCandidate{
			CallID:    m.callID,
			To:        remote,
			Candidate: cand,
		})
		if err != nil {
			log.Warn().Err(err).
				Str("module", "mesh").
				Str("call_id", string(m.callID)).
				Int64("participant_id", int64(remote)).
				Msg("candidate not delivered")
		}
	})

	media.OnConnected(func() {
		m.post(func() { m.markConnected(remote) })
	})

	if m.local != nil {
		if _, err := media.AddLocalTrack(m.local.AudioTrack()); err != nil {
			media.Close()
			return nil, fmt.Errorf("attach audio track: %w", err)
		}
		if _, err := media.AddLocalTrack(m.local.VideoTrack()); err != nil {
			media.Close()
			return nil, fmt.Errorf("attach video track: %w", err)
		}
	}

	if err := media.Start(m.ctx); err != nil {
		media.Close()
		return nil, fmt.Errorf("start media for participant %d: %w", remote, err)
	}

	l := newLink(remote, media)
	m.links[remote] = l
	log.Info().Str("module", "mesh").Str("call_id", string(m.callID)).Int64("participant_id", int64(remote)).Msg("link created")
	return l, nil
}

// HandleJoin runs on the pre-existing side: create the link, send the
// offer. A failure closes only this link.
func (m *Mesh) HandleJoin(remote domain.ParticipantID) {
	if remote == m.selfID {
		return
	}
	l, err := m.EnsureLink(remote)
	if err != nil {
		m.failLink(remote, "create", err)
		return
	}
	if l.state != StateIdle {
		// Already negotiating; duplicate join events happen on resync.
		return
	}

	offer, err := l.media.CreateAndSetOffer()
	if err != nil {
		m.failLink(remote, "offer", err)
		return
	}
	l.state = StateOfferSent

	err = m.sig.Send(proto.EventSendOffer, proto.SendOffer{CallID: m.callID, To: remote, SDP: offer})
	if err != nil {
		m.failLink(remote, "send offer", err)
	}
}

// HandleOffer runs on the newcomer side once the sender's connection id
// resolved to a participant.
func (m *Mesh) HandleOffer(from domain.ParticipantID, sdp string) {
	l, err := m.EnsureLink(from)
	if err != nil {
		m.failLink(from, "create", err)
		return
	}
	l.state = StateOfferReceived

	answer, err := l.media.ApplyOfferAndCreateAnswer(sdp)
	if err != nil {
		m.failLink(from, "answer", err)
		return
	}
	if err := l.flushPending(); err != nil {
		m.failLink(from, "flush candidates", err)
		return
	}
	l.state = StateAnswerSent

	err = m.sig.Send(proto.EventSendAnswer, proto.SendAnswer{CallID: m.callID, To: from, SDP: answer})
	if err != nil {
		m.failLink(from, "send answer", err)
	}
}

// HandleAnswer completes the initiator's handshake.
func (m *Mesh) HandleAnswer(from domain.ParticipantID, sdp string) {
	l, ok := m.links[from]
	if !ok || l.state == StateClosed {
		log.Warn().Str("module", "mesh").Str("call_id", string(m.callID)).Int64("participant_id", int64(from)).Msg("answer for unknown link")
		return
	}
	if err := l.media.ApplyAnswer(sdp); err != nil {
		m.failLink(from, "apply answer", err)
		return
	}
	if err := l.flushPending(); err != nil {
		m.failLink(from, "flush candidates", err)
		return
	}
	l.state = StateConnected
}

// HandleCandidate queues or applies one remote ICE candidate.
func (m *Mesh) HandleCandidate(from domain.ParticipantID, cand proto.Candidate) {
	l, ok := m.links[from]
	if !ok {
		var err error
		if l, err = m.EnsureLink(from); err != nil {
			m.failLink(from, "create", err)
			return
		}
	}
	if err := l.addCandidate(cand); err != nil {
		m.failLink(from, "add candidate", err)
	}
}

// HandleLeave closes and discards the link for a departed participant.
func (m *Mesh) HandleLeave(remote domain.ParticipantID) {
	l, ok := m.links[remote]
	if !ok {
		return
	}
	l.close()
	delete(m.links, remote)
	log.Info().Str("module", "mesh").Str("call_id", string(m.callID)).Int64("participant_id", int64(remote)).Msg("link closed")
}

// markConnected records the transport reaching connected state on the
// answering side; the initiator got there via HandleAnswer already.
func (m *Mesh) markConnected(remote domain.ParticipantID) {
	l, ok := m.links[remote]
	if !ok || l.state == StateClosed {
		return
	}
	l.state = StateConnected
}

// failLink logs the negotiation error and closes only the affected link.
// No automatic retry: a fresh join re-establishes.
func (m *Mesh) failLink(remote domain.ParticipantID, step string, err error) {
	negErr := &domain.NegotiationError{Remote: remote, Step: step, Err: err}
	log.Error().Err(negErr).
		Str("module", "mesh").
		Str("call_id", string(m.callID)).
		Int64("participant_id", int64(remote)).
		Msg("negotiation failed")
	if l, ok := m.links[remote]; ok {
		l.close()
	}
}

// LinkState reports the negotiation state for remote.
func (m *Mesh) LinkState(remote domain.ParticipantID) (NegotiationState, bool) {
	l, ok := m.links[remote]
	if !ok {
		return StateClosed, false
	}
	return l.state, true
}

// ActiveLinks counts links that are not closed.
func (m *Mesh) ActiveLinks() int {
	n := 0
	for _, l := range m.links {
		if l.state != StateClosed {
			n++
		}
	}
	return n
}

// CloseAll tears down every link; used on leave/end.
func (m *Mesh) CloseAll() {
	for remote, l := range m.links {
		l.close()
		delete(m.links, remote)
	}
}
