// Package domain contains entities without logic, just meta-data
package domain

import "time"

// ParticipantID is the stable identity of a call participant.
// It survives transport reconnects, unlike ConnectionID.
type ParticipantID int64

// ConnectionID is a transport-session-scoped identifier assigned by the
// signaling hub. Not stable across reconnects.
type ConnectionID string

// Participant is one row of the canonical membership view.
// At most one live (Connected=true) record exists per ParticipantID.
type Participant struct {
	ID        ParticipantID `json:"id"`
	Connected bool          `json:"connected"`
	Muted     bool          `json:"muted"`
	CameraOn  bool          `json:"camera_on"`
	JoinedAt  time.Time     `json:"joined_at"`
	LeftAt    *time.Time    `json:"left_at,omitempty"`
}
