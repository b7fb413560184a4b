package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is a single entry of a transcript. It holds the participant's role, the textual content and the
// time the message was appended.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a prompt submitted by the signed-in user.
	RoleUser Role = "user"
	// RoleAssistant represents a reply returned by the completion API.
	RoleAssistant Role = "assistant"
	// RoleSystem is only used for the instruction sent to providers. It never appears in a transcript.
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the roles a transcript may contain.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// NewMessage creates a message with a fresh ID stamped with the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// WireMessage is the JSON shape exchanged with the backend proxy.
type WireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Wire converts the message to its proxy representation.
func (m Message) Wire() WireMessage {
	return WireMessage{Role: string(m.Role), Content: m.Content}
}

// WireMessages converts messages to their proxy representation, preserving order.
func WireMessages(messages []Message) []WireMessage {
	out := make([]WireMessage, len(messages))
	for i, m := range messages {
		out[i] = m.Wire()
	}
	return out
}

// FromWire converts a proxy message back to a Message with a fresh ID and timestamp.
func FromWire(w WireMessage) Message {
	return NewMessage(Role(w.Role), w.Content)
}
