package server

import (
	"time"

	"github.com/becomeliminal/nim-recall/core"
)

// Event types on the real-time channel.
const (
	// Client to server.
	EventUserMessage = "user-message"
	EventHistory     = "history"

	// Server to client.
	EventAssistantMessage = "assistant-message"
	EventError            = "error"
	EventRateLimited      = "rate-limited"
)

// ClientEvent is an inbound frame.
type ClientEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// ServerEvent is an outbound frame.
type ServerEvent struct {
	Type           string     `json:"type"`
	ConversationID string     `json:"conversationId,omitempty"`
	Content        string     `json:"content,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	RetryAfterMs   int64      `json:"retryAfterMs,omitempty"`
	Turns          []TurnView `json:"turns,omitempty"`
}

// TurnView is a turn as sent to clients.
type TurnView struct {
	ID        string    `json:"id"`
	Role      core.Role `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

func turnViews(turns []core.Turn) []TurnView {
	views := make([]TurnView, len(turns))
	for i, t := range turns {
		views[i] = TurnView{
			ID:        t.ID,
			Role:      t.Role,
			Content:   t.Text,
			CreatedAt: t.CreatedAt,
		}
	}
	return views
}

func errorEvent(conversationID string, err error) ServerEvent {
	return ServerEvent{
		Type:           EventError,
		ConversationID: conversationID,
		Reason:         core.PublicReason(err),
	}
}
