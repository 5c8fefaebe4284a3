package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxMessageLength is the longest accepted chat message, in runes.
const MaxMessageLength = 2000

// Message is a chat message in a session channel.
type Message struct {
	ID         string     `json:"id"`
	ChannelID  uuid.UUID  `json:"channel_id"`
	SenderID   string     `json:"sender_id"`
	SenderName string     `json:"sender_name"`
	Content    string     `json:"content"`
	CreatedAt  time.Time  `json:"created_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	Pending    bool       `json:"pending,omitempty"` // optimistic local echo, not yet acknowledged
}

// Deleted reports whether the message has been soft-deleted.
func (m *Message) Deleted() bool { return m.DeletedAt != nil }
