package models

import "time"

// State distinguishes locally pending messages from server-confirmed ones.
type State int

const (
	Pending State = iota + 1
	Confirmed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Message is a chat entry of a group. A Pending message is identified by its
// Token, a Confirmed one additionally by its server-assigned ID.
type Message struct {
	ID           MessageID `json:"id,omitempty"`
	Token        Token     `json:"token"`
	State        State     `json:"state"`
	GroupID      GroupID   `json:"group_id"`
	SenderID     UserID    `json:"sender_id"`
	SenderName   string    `json:"sender_name,omitempty"`
	SenderAvatar string    `json:"sender_avatar,omitempty"`
	Body         string    `json:"body"`
	Attachment   string    `json:"attachment,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	System       bool      `json:"system,omitempty"`

	// Mine is derived for the current viewer and never stored remotely.
	Mine bool `json:"mine"`
}

// NewPending builds the optimistic echo of a message about to be written.
func NewPending(group GroupID, sender UserID, body, attachment string, at time.Time) Message {
	return Message{
		Token:      NewToken(),
		State:      Pending,
		GroupID:    group,
		SenderID:   sender,
		Body:       body,
		Attachment: attachment,
		CreatedAt:  at,
		Mine:       true,
	}
}

func (m Message) IsPending() bool { return m.State != Confirmed }

// MessageRecord is the remote representation of a message.
type MessageRecord struct {
	Token        Token     `json:"token"`
	GroupID      GroupID   `json:"group_id"`
	SenderID     UserID    `json:"sender_id"`
	SenderName   string    `json:"sender_name,omitempty"`
	SenderAvatar string    `json:"sender_avatar,omitempty"`
	Body         string    `json:"body"`
	Attachment   string    `json:"attachment,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	System       bool      `json:"system,omitempty"`
}

// Record strips local-only fields.
func (m Message) Record() MessageRecord {
	return MessageRecord{
		Token:        m.Token,
		GroupID:      m.GroupID,
		SenderID:     m.SenderID,
		SenderName:   m.SenderName,
		SenderAvatar: m.SenderAvatar,
		Body:         m.Body,
		Attachment:   m.Attachment,
		CreatedAt:    m.CreatedAt,
		System:       m.System,
	}
}

// Confirm turns a stored record into a confirmed message for viewer.
func (r MessageRecord) Confirm(id MessageID, viewer UserID) Message {
	return Message{
		ID:           id,
		Token:        r.Token,
		State:        Confirmed,
		GroupID:      r.GroupID,
		SenderID:     r.SenderID,
		SenderName:   r.SenderName,
		SenderAvatar: r.SenderAvatar,
		Body:         r.Body,
		Attachment:   r.Attachment,
		CreatedAt:    r.CreatedAt,
		System:       r.System,
		Mine:         !viewer.IsZero() && r.SenderID == viewer,
	}
}
