package memory

import (
	"context"

	"github.com/becomeliminal/nim-recall/core"
)

// STM reads the short-term memory window of a conversation.
// It keeps no state of its own: the message log is the only source of truth.
type STM struct {
	store MessageStore
}

// NewSTM creates an STM provider over store.
func NewSTM(store MessageStore) *STM {
	return &STM{store: store}
}

// RecentTurns returns the last n turns of the conversation, oldest first.
func (s *STM) RecentTurns(ctx context.Context, conversationID string, n int) ([]core.Turn, error) {
	if n <= 0 {
		return nil, nil
	}

	turns, err := s.store.Find(ctx, conversationID, FindOptions{Limit: n, Order: NewestFirst})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
