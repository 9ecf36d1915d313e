// Package proto defines the signaling wire protocol shared by the call
// client and the hub. Every frame is an Envelope with an event name and a
// json payload; payload shapes are declared next to their event.
package proto

import (
	"encoding/json"
	"time"

	"github.com/openhuddle/huddle/internal/domain"
)

// Client → hub events.
const (
	EventJoinCall      = "join_call"
	EventLeaveCall     = "leave_call"
	EventSendOffer     = "send_offer"
	EventSendAnswer    = "send_answer"
	EventSendCandidate = "send_candidate"
	EventSendChat      = "send_chat"
	EventMuteChanged   = "mute_changed"
	EventCameraChanged = "camera_changed"
	EventPing          = "ping"
)

// Hub → client events.
const (
	EventCurrentParticipants = "current_participants"
	EventUserJoined          = "user_joined"
	EventUserLeft            = "user_left"
	EventReceiveOffer        = "receive_offer"
	EventReceiveAnswer       = "receive_answer"
	EventReceiveCandidate    = "receive_candidate"
	EventReceiveChat         = "receive_chat"
	EventUserMuteChanged     = "user_mute_changed"
	EventUserCameraChanged   = "user_camera_changed"
	EventPong                = "pong"
	EventError               = "error"
)

// Envelope is one signaling frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into a ready-to-send envelope.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Data: data}, nil
}

type JoinCall struct {
	CallID        domain.CallID        `json:"call_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
}

type LeaveCall struct {
	CallID        domain.CallID        `json:"call_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
}

// SendOffer / SendAnswer are addressed by stable participant id; the hub
// resolves the target connection and stamps the sender's connection id on
// the receiving side.
type SendOffer struct {
	CallID domain.CallID        `json:"call_id"`
	To     domain.ParticipantID `json:"to"`
	SDP    string               `json:"sdp"`
}

type SendAnswer struct {
	CallID domain.CallID        `json:"call_id"`
	To     domain.ParticipantID `json:"to"`
	SDP    string               `json:"sdp"`
}

// Candidate mirrors the ICE candidate json without importing pion here.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type SendCandidate struct {
	CallID    domain.CallID        `json:"call_id"`
	To        domain.ParticipantID `json:"to"`
	Candidate Candidate            `json:"candidate"`
}

type SendChat struct {
	CallID        domain.CallID        `json:"call_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Text          string               `json:"text"`
}

type MuteChanged struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Muted         bool                 `json:"muted"`
}

type CameraChanged struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	CameraOn      bool                 `json:"camera_on"`
}

// BindingEntry pairs an ephemeral connection with its stable identity.
type BindingEntry struct {
	ConnectionID  domain.ConnectionID  `json:"connection_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
}

type CurrentParticipants struct {
	Entries []BindingEntry `json:"entries"`
}

type UserJoined struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	ConnectionID  domain.ConnectionID  `json:"connection_id"`
}

type UserLeft struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	ConnectionID  domain.ConnectionID  `json:"connection_id"`
}

type ReceiveOffer struct {
	From domain.ConnectionID `json:"from"`
	SDP  string              `json:"sdp"`
}

type ReceiveAnswer struct {
	From domain.ConnectionID `json:"from"`
	SDP  string              `json:"sdp"`
}

type ReceiveCandidate struct {
	From      domain.ConnectionID `json:"from"`
	Candidate Candidate           `json:"candidate"`
}

type ReceiveChat struct {
	ID            string               `json:"id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Text          string               `json:"text"`
	SentAt        time.Time            `json:"sent_at"`
}

type Error struct {
	Error string `json:"error"`
}

// SnapshotParticipant is one row of the polled full-state snapshot.
type SnapshotParticipant struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	ConnectionID  domain.ConnectionID  `json:"connection_id,omitempty"`
	Connected     bool                 `json:"connected"`
	Muted         bool                 `json:"muted"`
	CameraOn      bool                 `json:"camera_on"`
	JoinedAt      time.Time            `json:"joined_at"`
}

// StateSnapshot is the REST point-in-time read of a call. It is the
// redundant consistency source merged against push events.
type StateSnapshot struct {
	CallID       domain.CallID         `json:"call_id"`
	CreatorID    domain.ParticipantID  `json:"creator_id"`
	Status       string                `json:"status"`
	Participants []SnapshotParticipant `json:"participants"`
	Messages     []domain.ChatMessage  `json:"messages"`
}
