// Package roster reconciles membership state arriving from two
// independent sources, push events and the periodic full-state snapshot,
// into one canonical participant map, and owns the ephemeral
// connection-id to participant-id bindings.
//
// A Reconciler is not goroutine-safe by design: it is owned exclusively by
// the session event loop, which serializes every mutation. That ownership,
// not locking, is what makes the merge correct.
package roster

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openhuddle/huddle/internal/domain"
	"github.com/openhuddle/huddle/internal/proto"
)

type Reconciler struct {
	participants map[domain.ParticipantID]*domain.Participant
	bindings     map[domain.ConnectionID]domain.ParticipantID
}

func New() *Reconciler {
	return &Reconciler{
		participants: make(map[domain.ParticipantID]*domain.Participant),
		bindings:     make(map[domain.ConnectionID]domain.ParticipantID),
	}
}

// upsert returns the record for id, creating a disconnected placeholder on
// first sighting. Records are never physically deleted while the session
// view is active; history stays for late reconciliation.
func (r *Reconciler) upsert(id domain.ParticipantID) *domain.Participant {
	if p, ok := r.participants[id]; ok {
		return p
	}
	p := &domain.Participant{ID: id}
	r.participants[id] = p
	return p
}

// ApplyJoined handles a push join: connected=true, bind the connection.
// Re-applying the same join is a no-op on the map size.
func (r *Reconciler) ApplyJoined(ev proto.UserJoined, now time.Time) {
	p := r.upsert(ev.ParticipantID)
	p.Connected = true
	p.LeftAt = nil
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	if ev.ConnectionID != "" {
		r.Bind(ev.ConnectionID, ev.ParticipantID)
	}
}

// ApplyLeft flips connectivity off, stamps LeftAt and drops every binding
// that points at the participant. Only an explicit leave does this;
// snapshots never disconnect anyone.
func (r *Reconciler) ApplyLeft(ev proto.UserLeft, now time.Time) {
	p := r.upsert(ev.ParticipantID)
	p.Connected = false
	left := now
	p.LeftAt = &left
	r.UnbindParticipant(ev.ParticipantID)
}

// ApplyMute updates the muted flag only.
func (r *Reconciler) ApplyMute(ev proto.MuteChanged) {
	r.upsert(ev.ParticipantID).Muted = ev.Muted
}

// ApplyCamera updates the camera flag only.
func (r *Reconciler) ApplyCamera(ev proto.CameraChanged) {
	r.upsert(ev.ParticipantID).CameraOn = ev.CameraOn
}

// ApplyCurrentParticipants seeds bindings and connectivity for the peers
// already in the room when we joined.
func (r *Reconciler) ApplyCurrentParticipants(ev proto.CurrentParticipants, now time.Time) {
	for _, e := range ev.Entries {
		r.ApplyJoined(proto.UserJoined{ParticipantID: e.ParticipantID, ConnectionID: e.ConnectionID}, now)
	}
}

// MergeSnapshot folds a point-in-time read into the map. The snapshot
// fills identity and join-time defaults for genuinely new entries; for
// known records push-sourced mutable flags win, because the poll may race
// a fresher push event. Field-level merge, never record replacement.
func (r *Reconciler) MergeSnapshot(rows []proto.SnapshotParticipant) {
	for _, row := range rows {
		p, known := r.participants[row.ParticipantID]
		if !known {
			p = &domain.Participant{
				ID:        row.ParticipantID,
				Connected: row.Connected,
				Muted:     row.Muted,
				CameraOn:  row.CameraOn,
				JoinedAt:  row.JoinedAt,
			}
			r.participants[row.ParticipantID] = p
		} else if p.JoinedAt.IsZero() {
			p.JoinedAt = row.JoinedAt
		}
		if row.Connected && row.ConnectionID != "" {
			r.Bind(row.ConnectionID, row.ParticipantID)
		}
	}
}

// Bind maps a connection id to its stable identity. A connection id maps
// to at most one participant; rebinding overwrites.
func (r *Reconciler) Bind(conn domain.ConnectionID, id domain.ParticipantID) {
	if prev, ok := r.bindings[conn]; ok && prev != id {
		log.Warn().
			Str("module", "roster").
			Str("connection_id", string(conn)).
			Int64("participant_id", int64(id)).
			Int64("previous", int64(prev)).
			Msg("rebinding connection")
	}
	r.bindings[conn] = id
}

// Resolve returns the participant bound to conn.
func (r *Reconciler) Resolve(conn domain.ConnectionID) (domain.ParticipantID, bool) {
	id, ok := r.bindings[conn]
	return id, ok
}

// Unbind removes one connection binding.
func (r *Reconciler) Unbind(conn domain.ConnectionID) {
	delete(r.bindings, conn)
}

// UnbindParticipant removes every binding pointing at id.
func (r *Reconciler) UnbindParticipant(id domain.ParticipantID) {
	for conn, bound := range r.bindings {
		if bound == id {
			delete(r.bindings, conn)
		}
	}
}

// InvalidateBindings drops all bindings. Called when the signaling channel
// reconnects: connection ids are transport-session-scoped, so every
// binding assumption from before the disconnect is stale. The next
// snapshot or current-participants event rebuilds them.
func (r *Reconciler) InvalidateBindings() {
	r.bindings = make(map[domain.ConnectionID]domain.ParticipantID)
}

// Get returns a copy of one record.
func (r *Reconciler) Get(id domain.ParticipantID) (domain.Participant, bool) {
	p, ok := r.participants[id]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

// Participants returns the canonical deduplicated list, ordered by id.
func (r *Reconciler) Participants() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConnectedIDs returns the ids of currently connected participants.
func (r *Reconciler) ConnectedIDs() []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(r.participants))
	for id, p := range r.participants {
		if p.Connected {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BindingCount reports the number of live bindings.
func (r *Reconciler) BindingCount() int { return len(r.bindings) }
