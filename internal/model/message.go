package model

import "time"

// MessageKind distinguishes the initial outreach from follow-ups.
type MessageKind string

const (
	MessageKindInitial  MessageKind = "initial"
	MessageKindFollowUp MessageKind = "follow_up"
)

// MessageOutcome records whether a send attempt succeeded.
type MessageOutcome string

const (
	MessageOutcomeSent   MessageOutcome = "sent"
	MessageOutcomeFailed MessageOutcome = "failed"
)

// MessageLog is an append-only record of one send attempt. It carries the
// exact content sent and the outcome; rows are never mutated after creation.
// Follow-up eligibility and double-send prevention are computed from these
// rows together with the prospect's send_status.
type MessageLog struct {
	ID         string         `json:"id"`
	ProspectID string         `json:"prospect_id"`
	Channel    string         `json:"channel"`
	Kind       MessageKind    `json:"kind"`
	Recipient  string         `json:"recipient"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	MessageID  string         `json:"message_id,omitempty"`
	Outcome    MessageOutcome `json:"outcome"`
	Error      string         `json:"error,omitempty"`
	SentAt     time.Time      `json:"sent_at"`
}
