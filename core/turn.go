package core

import "time"

// Role identifies who authored a turn or context message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleSystem only appears in assembled completion context, never in the log.
	RoleSystem Role = "system"
)

// Valid reports whether r may be persisted as a turn role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Conversation groups the turns of one owner.
type Conversation struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Turn is one message authored by the user or the assistant.
// Turns are immutable once appended to the message log.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`

	// Seq is assigned by the message store and orders turns within the log.
	Seq int64 `json:"seq"`
}

// Message is one entry of an assembled completion context.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// NewSystemMessage creates a system context message.
func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Text: text}
}

// MessageFromTurn converts a persisted turn into a context message.
func MessageFromTurn(t *Turn) Message {
	return Message{Role: t.Role, Text: t.Text}
}
