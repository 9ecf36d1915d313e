// Package hub implements the development signaling hub: it relays
// negotiation and membership events between call participants and serves
// the REST state snapshot. Media never passes through it.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openhuddle/huddle/internal/domain"
	"github.com/openhuddle/huddle/internal/proto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	registry   *Registry
	limiter    *JoinRateLimiter
	readLimit  int64
	pingPeriod time.Duration
}

func NewController(reg *Registry, limiter *JoinRateLimiter, readLimit int64, pingPeriod time.Duration) *Controller {
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	return &Controller{registry: reg, limiter: limiter, readLimit: readLimit, pingPeriod: pingPeriod}
}

// HandleSignal upgrades one websocket and assigns its ephemeral
// connection id. The id is transport-session-scoped: a reconnect gets a
// fresh one.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("ws upgrade")
		return
	}
	if ctl.readLimit > 0 {
		ws.SetReadLimit(ctl.readLimit)
	}

	cl := &client{
		id:   domain.ConnectionID(uuid.NewString()),
		conn: ws,
		send: make(chan []byte, 32),
	}
	ctl.registry.AddConn(cl)
	log.Info().Str("module", "hub").Str("connection_id", string(cl.id)).Msg("new connection")

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		ctl.readPump(ctx, cl)
	}()
	go ctl.writePump(ctx, cl)
}

func (ctl *Controller) handleFrame(cl *client, data []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "hub").Str("connection_id", string(cl.id)).Msg("bad json")
		return
	}

	switch env.Event {
	case proto.EventJoinCall:
		ctl.handleJoin(cl, env.Data)
	case proto.EventLeaveCall:
		ctl.handleLeave(cl)
	case proto.EventSendOffer:
		ctl.handleOffer(cl, env.Data)
	case proto.EventSendAnswer:
		ctl.handleAnswer(cl, env.Data)
	case proto.EventSendCandidate:
		ctl.handleCandidate(cl, env.Data)
	case proto.EventSendChat:
		ctl.handleChat(cl, env.Data)
	case proto.EventMuteChanged:
		ctl.handleMute(cl, env.Data)
	case proto.EventCameraChanged:
		ctl.handleCamera(cl, env.Data)
	case proto.EventPing:
		ctl.sendEvent(cl, proto.EventPong, nil)
	default:
		log.Warn().Str("module", "hub").Str("event", env.Event).Msg("unknown event")
	}
}

func (ctl *Controller) handleJoin(cl *client, data []byte) {
	var p proto.JoinCall
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("bad join payload")
		ctl.sendError(cl, "bad_payload")
		return
	}
	if ctl.limiter != nil && !ctl.limiter.Allow(p.ParticipantID) {
		ctl.sendError(cl, "join_rate_limited")
		return
	}

	if err := ctl.registry.JoinCall(p.CallID, p.ParticipantID, cl.id); err != nil {
		log.Warn().Err(err).Str("module", "hub").Str("call_id", string(p.CallID)).Int64("participant_id", int64(p.ParticipantID)).Msg("join rejected")
		ctl.sendError(cl, err.Error())
		return
	}
	cl.bind(p.CallID, p.ParticipantID)

	// The joiner learns who is already here; the room learns about the
	// joiner. Existing members initiate the offers.
	ctl.sendEvent(cl, proto.EventCurrentParticipants, proto.CurrentParticipants{
		Entries: ctl.registry.Bindings(p.CallID, p.ParticipantID),
	})
	ctl.broadcast(p.CallID, p.ParticipantID, proto.EventUserJoined, proto.UserJoined{
		ParticipantID: p.ParticipantID,
		ConnectionID:  cl.id,
	})
}

func (ctl *Controller) handleLeave(cl *client) {
	callID, pid := cl.binding()
	if callID == "" {
		return
	}
	ctl.registry.LeaveCall(callID, pid)
	ctl.broadcast(callID, pid, proto.EventUserLeft, proto.UserLeft{
		ParticipantID: pid,
		ConnectionID:  cl.id,
	})
	log.Info().Str("module", "hub").Str("call_id", string(callID)).Int64("participant_id", int64(pid)).Msg("left call")
}

// dropClient runs when the websocket dies for any reason.
func (ctl *Controller) dropClient(cl *client) {
	ctl.handleLeave(cl)
	ctl.registry.DropConn(cl.id)
	cl.close()
}

// relay forwards one negotiation event to the addressed participant,
// stamped with the sender's connection id. The receiver resolves that id
// through its own bindings; the hub never leaks stable ids on this path.
func (ctl *Controller) relay(cl *client, to domain.ParticipantID, event string, payload any) {
	callID, _ := cl.binding()
	if callID == "" {
		ctl.sendError(cl, "not_in_call")
		return
	}
	target, ok := ctl.registry.ConnOf(callID, to)
	if !ok {
		log.Warn().Str("module", "hub").Str("call_id", string(callID)).Int64("participant_id", int64(to)).Str("event", event).Msg("relay target not connected")
		return
	}
	ctl.sendEvent(target, event, payload)
}

func (ctl *Controller) handleOffer(cl *client, data []byte) {
	var p proto.SendOffer
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("bad offer payload")
		ctl.sendError(cl, "bad_payload")
		return
	}
	ctl.relay(cl, p.To, proto.EventReceiveOffer, proto.ReceiveOffer{From: cl.id, SDP: p.SDP})
}

func (ctl *Controller) handleAnswer(cl *client, data []byte) {
	var p proto.SendAnswer
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("bad answer payload")
		ctl.sendError(cl, "bad_payload")
		return
	}
	ctl.relay(cl, p.To, proto.EventReceiveAnswer, proto.ReceiveAnswer{From: cl.id, SDP: p.SDP})
}

func (ctl *Controller) handleCandidate(cl *client, data []byte) {
	var p proto.SendCandidate
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("bad candidate payload")
		ctl.sendError(cl, "bad_payload")
		return
	}
	ctl.relay(cl, p.To, proto.EventReceiveCandidate, proto.ReceiveCandidate{From: cl.id, Candidate: p.Candidate})
}

func (ctl *Controller) handleChat(cl *client, data []byte) {
	var p proto.SendChat
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("bad chat payload")
		ctl.sendError(cl, "bad_payload")
		return
	}
	if len(p.Text) == 0 || len(p.Text) > domain.MaxChatTextLen {
		ctl.sendError(cl, "invalid_text")
		return
	}
	callID, pid := cl.binding()
	if callID == "" {
		ctl.sendError(cl, "not_in_call")
		return
	}
	msg, err := ctl.registry.AppendMessage(callID, pid, p.Text)
	if err != nil {
		ctl.sendError(cl, err.Error())
		return
	}
	// Echo to everyone including the sender: one ordering source.
	ctl.broadcast(callID, -1, proto.EventReceiveChat, proto.ReceiveChat{
		ID:            msg.ID,
		ParticipantID: msg.ParticipantID,
		Text:          msg.Text,
		SentAt:        msg.SentAt,
	})
}

func (ctl *Controller) handleMute(cl *client, data []byte) {
	var p proto.MuteChanged
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("bad mute payload")
		return
	}
	callID, pid := cl.binding()
	if callID == "" {
		return
	}
	ctl.registry.SetMuted(callID, pid, p.Muted)
	ctl.broadcast(callID, pid, proto.EventUserMuteChanged, proto.MuteChanged{ParticipantID: pid, Muted: p.Muted})
}

func (ctl *Controller) handleCamera(cl *client, data []byte) {
	var p proto.CameraChanged
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("bad camera payload")
		return
	}
	callID, pid := cl.binding()
	if callID == "" {
		return
	}
	ctl.registry.SetCamera(callID, pid, p.CameraOn)
	ctl.broadcast(callID, pid, proto.EventUserCameraChanged, proto.CameraChanged{ParticipantID: pid, CameraOn: p.CameraOn})
}

// broadcast fans an event out to every connected member except `except`
// (pass a negative id to include everyone).
func (ctl *Controller) broadcast(callID domain.CallID, except domain.ParticipantID, event string, payload any) {
	for _, member := range ctl.registry.ConnsOf(callID, except) {
		ctl.sendEvent(member, event, payload)
	}
}
