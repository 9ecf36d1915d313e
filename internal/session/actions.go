package session

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/openhuddle/huddle/internal/domain"
	"github.com/openhuddle/huddle/internal/mesh"
	"github.com/openhuddle/huddle/internal/proto"
)

// Local user actions and read views. Valid once Start has succeeded; they
// are serialized through the event loop like everything else.

// ToggleMic flips the local audio track and broadcasts the new state.
// Toggles never renegotiate SDP. The returned bool is the new mic state;
// a broadcast failure is reported but the local flip stands.
func (c *Controller) ToggleMic() (bool, error) {
	var on bool
	var err error
	ok := c.do(func() {
		if c.call.Status != domain.CallInProgress {
			err = domain.ErrSessionEnded
			return
		}
		c.call.LocalMicOn = !c.call.LocalMicOn
		on = c.call.LocalMicOn
		c.local.SetMicEnabled(on)
		err = c.opts.Signal.Send(proto.EventMuteChanged, proto.MuteChanged{
			ParticipantID: c.opts.SelfID,
			Muted:         !on,
		})
	})
	if !ok {
		return false, domain.ErrSessionEnded
	}
	return on, err
}

// ToggleCamera is the video counterpart of ToggleMic.
func (c *Controller) ToggleCamera() (bool, error) {
	var on bool
	var err error
	ok := c.do(func() {
		if c.call.Status != domain.CallInProgress {
			err = domain.ErrSessionEnded
			return
		}
		c.call.LocalCameraOn = !c.call.LocalCameraOn
		on = c.call.LocalCameraOn
		c.local.SetCameraEnabled(on)
		err = c.opts.Signal.Send(proto.EventCameraChanged, proto.CameraChanged{
			ParticipantID: c.opts.SelfID,
			CameraOn:      on,
		})
	})
	if !ok {
		return false, domain.ErrSessionEnded
	}
	return on, err
}

// SendChat forwards one message to the hub. The local log is appended
// when the hub echoes it back, which keeps one ordering source. A send
// failure never affects session state.
func (c *Controller) SendChat(text string) error {
	if len(text) > domain.MaxChatTextLen {
		return domain.ErrChatTextTooLong
	}
	var err error
	ok := c.do(func() {
		if c.call.Status != domain.CallInProgress {
			err = domain.ErrSessionEnded
			return
		}
		err = c.opts.Signal.Send(proto.EventSendChat, proto.SendChat{
			CallID:        c.opts.CallID,
			ParticipantID: c.opts.SelfID,
			Text:          text,
		})
	})
	if !ok {
		return domain.ErrSessionEnded
	}
	return err
}

// Leave exits the call for this participant only. The leave notice is
// best-effort; local teardown happens regardless.
func (c *Controller) Leave(ctx context.Context) error {
	ok := c.do(func() {
		if c.call.Status != domain.CallInProgress {
			return
		}
		err := c.opts.Signal.Send(proto.EventLeaveCall, proto.LeaveCall{
			CallID:        c.opts.CallID,
			ParticipantID: c.opts.SelfID,
		})
		if err != nil {
			log.Warn().Err(err).Str("module", "session").Str("call_id", string(c.opts.CallID)).Msg("leave notice not delivered")
		}
		c.shutdown()
	})
	if !ok {
		return domain.ErrSessionEnded
	}
	return nil
}

// End terminates the call for everyone. Only the creator may do this;
// anyone else gets domain.ErrNotCreator and the session stays InProgress.
func (c *Controller) End(ctx context.Context) error {
	var err error
	ok := c.do(func() {
		switch {
		case c.call.Status == domain.CallEnded:
			err = domain.ErrSessionEnded
		case c.opts.SelfID != c.call.CreatorID:
			err = domain.ErrNotCreator
			log.Warn().
				Str("module", "session").
				Str("call_id", string(c.opts.CallID)).
				Int64("participant_id", int64(c.opts.SelfID)).
				Msg("end call rejected: not the creator")
		}
	})
	if !ok {
		return domain.ErrSessionEnded
	}
	if err != nil {
		return err
	}

	if c.opts.Ender != nil {
		if err := c.opts.Ender.EndCall(ctx, c.opts.CallID, c.opts.SelfID); err != nil {
			return err
		}
	}

	c.do(func() { c.shutdown() })
	return nil
}

// shutdown moves the session to its terminal state and releases owned
// resources. Runs on the loop; idempotent. In-flight sends may still
// complete, their results are unused.
func (c *Controller) shutdown() {
	if c.call.Status == domain.CallEnded {
		return
	}
	c.call.Status = domain.CallEnded
	if c.pollCancel != nil {
		c.pollCancel()
	}
	c.mesh.CloseAll()
	if c.local != nil {
		c.local.Close()
	}
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	c.opts.Signal.Close()
	log.Info().Str("module", "session").Str("call_id", string(c.opts.CallID)).Msg("session ended")
}

// Status reports the session lifecycle state.
func (c *Controller) Status() domain.CallStatus {
	var st domain.CallStatus
	if !c.do(func() { st = c.call.Status }) {
		return domain.CallEnded
	}
	return st
}

// Participants returns the canonical deduplicated membership view.
func (c *Controller) Participants() []domain.Participant {
	var out []domain.Participant
	c.do(func() { out = c.roster.Participants() })
	return out
}

// Messages returns the chat log in receipt order.
func (c *Controller) Messages() []domain.ChatMessage {
	var out []domain.ChatMessage
	c.do(func() {
		out = make([]domain.ChatMessage, len(c.chat))
		copy(out, c.chat)
	})
	return out
}

// LinkState reports the negotiation state for one remote participant.
func (c *Controller) LinkState(remote domain.ParticipantID) (mesh.NegotiationState, bool) {
	var st mesh.NegotiationState
	var ok bool
	c.do(func() {
		if c.mesh != nil {
			st, ok = c.mesh.LinkState(remote)
		}
	})
	return st, ok
}

// MicOn and CameraOn report local toggle state.
func (c *Controller) MicOn() bool {
	var on bool
	c.do(func() { on = c.call.LocalMicOn })
	return on
}

func (c *Controller) CameraOn() bool {
	var on bool
	c.do(func() { on = c.call.LocalCameraOn })
	return on
}
