package session

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openhuddle/huddle/internal/domain"
	"github.com/openhuddle/huddle/internal/proto"
)

// All handlers run on the event loop. After Ended every inbound event is
// an idempotent no-op.

func (c *Controller) onUserJoined(data []byte) {
	if c.call.Status != domain.CallInProgress {
		return
	}
	var ev proto.UserJoined
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad user_joined payload")
		return
	}
	log.Info().
		Str("module", "session").
		Str("call_id", string(c.opts.CallID)).
		Int64("participant_id", int64(ev.ParticipantID)).
		Str("connection_id", string(ev.ConnectionID)).
		Msg("user joined")

	c.roster.ApplyJoined(ev, time.Now())
	// We observed the join, so we pre-existed in the room: we initiate.
	if ev.ParticipantID != c.opts.SelfID {
		c.mesh.HandleJoin(ev.ParticipantID)
	}
	c.drainPending()
}

func (c *Controller) onUserLeft(data []byte) {
	if c.call.Status != domain.CallInProgress {
		return
	}
	var ev proto.UserLeft
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad user_left payload")
		return
	}
	log.Info().
		Str("module", "session").
		Str("call_id", string(c.opts.CallID)).
		Int64("participant_id", int64(ev.ParticipantID)).
		Msg("user left")

	c.roster.ApplyLeft(ev, time.Now())
	c.mesh.HandleLeave(ev.ParticipantID)
	delete(c.pending, ev.ConnectionID)
}

func (c *Controller) onCurrentParticipants(data []byte) {
	if c.call.Status != domain.CallInProgress {
		return
	}
	var ev proto.CurrentParticipants
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad current_participants payload")
		return
	}
	// Existing members will offer to us; only record identities here.
	c.roster.ApplyCurrentParticipants(ev, time.Now())
	c.drainPending()
}

func (c *Controller) onOffer(data []byte) {
	if c.call.Status != domain.CallInProgress {
		return
	}
	var ev proto.ReceiveOffer
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad offer payload")
		return
	}
	c.resolveOrBuffer(ev.From, func(from domain.ParticipantID) {
		c.mesh.HandleOffer(from, ev.SDP)
	})
}

func (c *Controller) onAnswer(data []byte) {
	if c.call.Status != domain.CallInProgress {
		return
	}
	var ev proto.ReceiveAnswer
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad answer payload")
		return
	}
	c.resolveOrBuffer(ev.From, func(from domain.ParticipantID) {
		c.mesh.HandleAnswer(from, ev.SDP)
	})
}

func (c *Controller) onCandidate(data []byte) {
	if c.call.Status != domain.CallInProgress {
		return
	}
	var ev proto.ReceiveCandidate
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad candidate payload")
		return
	}
	c.resolveOrBuffer(ev.From, func(from domain.ParticipantID) {
		c.mesh.HandleCandidate(from, ev.Candidate)
	})
}

func (c *Controller) onChat(data []byte) {
	if c.call.Status != domain.CallInProgress {
		return
	}
	var ev proto.ReceiveChat
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad chat payload")
		return
	}
	// Append-only; ordering key is local receipt order.
	c.appendChat(domain.ChatMessage{
		ID:            ev.ID,
		ParticipantID: ev.ParticipantID,
		Text:          ev.Text,
		SentAt:        ev.SentAt,
	})
}

func (c *Controller) onMuteChanged(data []byte) {
	if c.call.Status != domain.CallInProgress {
		return
	}
	var ev proto.MuteChanged
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad mute payload")
		return
	}
	c.roster.ApplyMute(ev)
}

func (c *Controller) onCameraChanged(data []byte) {
	if c.call.Status != domain.CallInProgress {
		return
	}
	var ev proto.CameraChanged
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("bad camera payload")
		return
	}
	c.roster.ApplyCamera(ev)
}

// resolveOrBuffer routes a negotiation message once its sender's
// connection id resolves to a participant. A message with no binding is
// buffered for the bounded binding wait and dropped afterwards; absence
// of a binding is a hard error, never a guess.
func (c *Controller) resolveOrBuffer(from domain.ConnectionID, apply func(domain.ParticipantID)) {
	if id, ok := c.roster.Resolve(from); ok {
		apply(id)
		return
	}
	c.pending[from] = append(c.pending[from], pendingSignal{apply: apply})
	log.Debug().
		Str("module", "session").
		Str("call_id", string(c.opts.CallID)).
		Str("connection_id", string(from)).
		Msg("buffering signal until binding arrives")

	time.AfterFunc(c.opts.BindingWait, func() {
		c.postAsync(func() { c.expirePending(from) })
	})
}

// drainPending replays buffered messages whose bindings have arrived, in
// received order.
func (c *Controller) drainPending() {
	for conn, queue := range c.pending {
		id, ok := c.roster.Resolve(conn)
		if !ok {
			continue
		}
		delete(c.pending, conn)
		for _, p := range queue {
			p.apply(id)
		}
	}
}

// expirePending drops messages still unresolved after the bounded wait.
func (c *Controller) expirePending(conn domain.ConnectionID) {
	queue, ok := c.pending[conn]
	if !ok {
		return
	}
	if id, bound := c.roster.Resolve(conn); bound {
		delete(c.pending, conn)
		for _, p := range queue {
			p.apply(id)
		}
		return
	}
	delete(c.pending, conn)
	err := &domain.UnresolvedBindingError{ConnectionID: conn}
	log.Warn().Err(err).
		Str("module", "session").
		Str("call_id", string(c.opts.CallID)).
		Int("dropped", len(queue)).
		Msg("dropping unresolvable signals")
}
