package domain

type CallID string

// CallStatus is the session lifecycle. Ended is terminal.
type CallStatus int

const (
	CallCreated CallStatus = iota
	CallInProgress
	CallEnded
)

func (s CallStatus) String() string {
	switch s {
	case CallCreated:
		return "created"
	case CallInProgress:
		return "in_progress"
	case CallEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// CallSession is the per-session state owned by the session controller.
type CallSession struct {
	ID            CallID
	CreatorID     ParticipantID
	Status        CallStatus
	LocalMicOn    bool
	LocalCameraOn bool
}

// NewCallSession starts in Created with both local tracks live.
func NewCallSession(id CallID, creator ParticipantID) *CallSession {
	return &CallSession{
		ID:            id,
		CreatorID:     creator,
		Status:        CallCreated,
		LocalMicOn:    true,
		LocalCameraOn: true,
	}
}
