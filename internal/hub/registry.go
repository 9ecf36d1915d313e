package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openhuddle/huddle/internal/domain"
	"github.com/openhuddle/huddle/internal/proto"
)

var (
	ErrCallNotFound = errors.New("call not found")
	ErrCallEnded    = errors.New("call already ended")
)

// participantState is the hub's authoritative row for one participant.
type participantState struct {
	ID        domain.ParticipantID
	ConnID    domain.ConnectionID
	Connected bool
	Muted     bool
	CameraOn  bool
	JoinedAt  time.Time
	LeftAt    *time.Time
}

type call struct {
	ID       domain.CallID
	Creator  domain.ParticipantID
	Status   domain.CallStatus
	members  map[domain.ParticipantID]*participantState
	messages []domain.ChatMessage
}

// Registry is the hub-wide call and connection table.
type Registry struct {
	mu    sync.RWMutex
	calls map[domain.CallID]*call
	conns map[domain.ConnectionID]*client
}

func NewRegistry() *Registry {
	return &Registry{
		calls: make(map[domain.CallID]*call),
		conns: make(map[domain.ConnectionID]*client),
	}
}

// CreateCall registers a new call owned by creator.
func (r *Registry) CreateCall(creator domain.ParticipantID) domain.CallID {
	id := domain.CallID(uuid.NewString())
	r.mu.Lock()
	r.calls[id] = &call{
		ID:      id,
		Creator: creator,
		Status:  domain.CallCreated,
		members: make(map[domain.ParticipantID]*participantState),
	}
	r.mu.Unlock()
	log.Info().Str("module", "hub.registry").Str("call_id", string(id)).Int64("participant_id", int64(creator)).Msg("call created")
	return id
}

// JoinCall records pid as a connected member bound to conn.
func (r *Registry) JoinCall(id domain.CallID, pid domain.ParticipantID, conn domain.ConnectionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return ErrCallNotFound
	}
	if c.Status == domain.CallEnded {
		return ErrCallEnded
	}
	c.Status = domain.CallInProgress

	m, known := c.members[pid]
	if !known {
		m = &participantState{ID: pid, CameraOn: true, JoinedAt: time.Now()}
		c.members[pid] = m
	}
	m.Connected = true
	m.ConnID = conn
	m.LeftAt = nil
	log.Info().Str("module", "hub.registry").Str("call_id", string(id)).Int64("participant_id", int64(pid)).Str("connection_id", string(conn)).Msg("member joined")
	return nil
}

// LeaveCall flips the member to disconnected.
func (r *Registry) LeaveCall(id domain.CallID, pid domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return
	}
	if m, known := c.members[pid]; known {
		m.Connected = false
		m.ConnID = ""
		now := time.Now()
		m.LeftAt = &now
	}
}

// EndCall terminates a call. Only the creator may; others get
// domain.ErrNotCreator.
func (r *Registry) EndCall(id domain.CallID, pid domain.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return ErrCallNotFound
	}
	if c.Creator != pid {
		return domain.ErrNotCreator
	}
	c.Status = domain.CallEnded
	for _, m := range c.members {
		if m.Connected {
			m.Connected = false
			m.ConnID = ""
			now := time.Now()
			m.LeftAt = &now
		}
	}
	log.Info().Str("module", "hub.registry").Str("call_id", string(id)).Msg("call ended")
	return nil
}

// SetMuted / SetCamera update one flag.
func (r *Registry) SetMuted(id domain.CallID, pid domain.ParticipantID, muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.calls[id]; ok {
		if m, known := c.members[pid]; known {
			m.Muted = muted
		}
	}
}

func (r *Registry) SetCamera(id domain.CallID, pid domain.ParticipantID, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.calls[id]; ok {
		if m, known := c.members[pid]; known {
			m.CameraOn = on
		}
	}
}

// AppendMessage stores one chat message and returns it with id and
// timestamp assigned.
func (r *Registry) AppendMessage(id domain.CallID, pid domain.ParticipantID, text string) (domain.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return domain.ChatMessage{}, ErrCallNotFound
	}
	msg := domain.ChatMessage{
		ID:            uuid.NewString(),
		ParticipantID: pid,
		Text:          text,
		SentAt:        time.Now(),
	}
	c.messages = append(c.messages, msg)
	return msg, nil
}

// Snapshot builds the point-in-time state the clients poll.
func (r *Registry) Snapshot(id domain.CallID) (*proto.StateSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[id]
	if !ok {
		return nil, ErrCallNotFound
	}
	snap := &proto.StateSnapshot{
		CallID:    c.ID,
		CreatorID: c.Creator,
		Status:    c.Status.String(),
		Messages:  append([]domain.ChatMessage(nil), c.messages...),
	}
	for _, m := range c.members {
		snap.Participants = append(snap.Participants, proto.SnapshotParticipant{
			ParticipantID: m.ID,
			ConnectionID:  m.ConnID,
			Connected:     m.Connected,
			Muted:         m.Muted,
			CameraOn:      m.CameraOn,
			JoinedAt:      m.JoinedAt,
		})
	}
	return snap, nil
}

// Bindings lists {connection, participant} pairs for the connected
// members of a call, excluding pid.
func (r *Registry) Bindings(id domain.CallID, except domain.ParticipantID) []proto.BindingEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[id]
	if !ok {
		return nil
	}
	out := make([]proto.BindingEntry, 0, len(c.members))
	for _, m := range c.members {
		if !m.Connected || m.ID == except {
			continue
		}
		out = append(out, proto.BindingEntry{ConnectionID: m.ConnID, ParticipantID: m.ID})
	}
	return out
}

// Creator returns the owning participant of a call.
func (r *Registry) Creator(id domain.CallID) (domain.ParticipantID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[id]
	if !ok {
		return 0, false
	}
	return c.Creator, true
}

// AddConn / DropConn track live websockets.
func (r *Registry) AddConn(c *client) {
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
}

func (r *Registry) DropConn(id domain.ConnectionID) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// ConnOf returns the live websocket of a connected participant.
func (r *Registry) ConnOf(id domain.CallID, pid domain.ParticipantID) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[id]
	if !ok {
		return nil, false
	}
	m, known := c.members[pid]
	if !known || !m.Connected {
		return nil, false
	}
	cl, live := r.conns[m.ConnID]
	return cl, live
}

// ConnsOf returns the live websockets of every connected member except pid.
func (r *Registry) ConnsOf(id domain.CallID, except domain.ParticipantID) []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[id]
	if !ok {
		return nil
	}
	out := make([]*client, 0, len(c.members))
	for _, m := range c.members {
		if !m.Connected || m.ID == except {
			continue
		}
		if cl, live := r.conns[m.ConnID]; live {
			out = append(out, cl)
		}
	}
	return out
}
