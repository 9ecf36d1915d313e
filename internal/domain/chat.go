package domain

import "time"

const MaxChatTextLen = 2000

// ChatMessage is one entry of the append-only chat log.
// Ordering key is local receipt order, not a global clock.
type ChatMessage struct {
	ID            string        `json:"id"`
	ParticipantID ParticipantID `json:"participant_id"`
	Text          string        `json:"text"`
	SentAt        time.Time     `json:"sent_at"`
}
