package core

import (
	"time"

	"github.com/google/uuid"
)

// Session is the per-connection state created by the gateway after the
// credential is verified. It lives exactly as long as its connection and is
// passed explicitly to every handler; nothing about it is global.
type Session struct {
	ID          string
	UserID      string
	RemoteAddr  string
	ConnectedAt time.Time
}

// NewSession creates a session for an authenticated user.
func NewSession(userID, remoteAddr string) *Session {
	return &Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
	}
}
