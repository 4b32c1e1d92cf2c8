package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/becomeliminal/nim-recall/core"
)

// Manager orchestrates long-term memory operations.
// This is the interface the engine, the writer and the reconciler use.
//
// Retrieval is advisory: implementations never fail the caller because the
// index is unavailable, they return an empty result instead.
type Manager interface {
	// Embed converts text to a vector. Failures are *core.EmbeddingError.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Retrieve returns up to Config.TopK memories of userID similar to vector,
	// highest similarity first. Memories linked to an excluded turn ID do not
	// count against TopK. It never returns an error.
	Retrieve(ctx context.Context, userID string, vector []float32, exclude ...string) []Hit

	// Record stores the vector of a persisted turn, embedding the turn's
	// text when vector is nil.
	Record(ctx context.Context, userID string, turn *core.Turn, vector []float32) error

	// Forget removes every memory of one conversation.
	Forget(ctx context.Context, userID, conversationID string) error
}

// SimpleManager is the default Manager over an Index and an Embedder.
type SimpleManager struct {
	index    Index
	embedder Embedder
	config   *Config
}

// NewSimpleManager creates a new SimpleManager.
func NewSimpleManager(index Index, embedder Embedder, config *Config) *SimpleManager {
	if config == nil {
		config = DefaultConfig
	}
	return &SimpleManager{
		index:    index,
		embedder: embedder,
		config:   config,
	}
}

// Embed converts text to a vector.
func (m *SimpleManager) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &core.EmbeddingError{Err: core.ErrEmptyText}
	}
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		var embErr *core.EmbeddingError
		if errors.As(err, &embErr) {
			return nil, err
		}
		return nil, &core.EmbeddingError{Err: err}
	}
	if len(vec) != m.index.Dimensions() {
		return nil, &core.EmbeddingError{
			Err: fmt.Errorf("embedder returned %d dimensions, index expects %d", len(vec), m.index.Dimensions()),
		}
	}
	return vec, nil
}

// Retrieve finds relevant memories for userID.
func (m *SimpleManager) Retrieve(ctx context.Context, userID string, vector []float32, exclude ...string) []Hit {
	if !m.config.Enabled || len(vector) == 0 || userID == "" {
		return nil
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	// Excluded turns may rank highest, so ask for enough to still fill TopK.
	hits, err := m.index.Query(ctx, vector, m.config.TopK+len(skip), Filter{UserID: userID})
	if err != nil {
		// LTM is advisory: degrade to an empty set.
		log.Printf("[MEMORY] Retrieval failed for user=%s, continuing without LTM: %v", userID, err)
		return nil
	}

	relevant := hits[:0]
	for _, hit := range hits {
		if hit.Metadata.UserID != userID {
			log.Printf("[MEMORY] Dropping hit %s owned by another user", hit.ID)
			continue
		}
		if _, ok := skip[hit.Metadata.LinkedTurnID]; ok {
			continue
		}
		if float64(hit.Score) < m.config.MinSimilarity {
			continue
		}
		relevant = append(relevant, hit)
		if len(relevant) == m.config.TopK {
			break
		}
	}

	log.Printf("[MEMORY] Retrieved %d memories (%d above threshold) for user=%s", len(hits), len(relevant), userID)
	return relevant
}

// Record stores a persisted turn as memory.
func (m *SimpleManager) Record(ctx context.Context, userID string, turn *core.Turn, vector []float32) error {
	if !m.config.Enabled {
		return nil // Memory disabled
	}

	if vector == nil {
		var err error
		vector, err = m.Embed(ctx, turn.Text)
		if err != nil {
			return fmt.Errorf("embed turn %s: %w", turn.ID, err)
		}
	}

	id, err := m.index.Upsert(ctx, MemoryVector{
		ID:     turn.ID,
		Vector: vector,
		Metadata: VectorMetadata{
			ConversationID: turn.ConversationID,
			UserID:         userID,
			SourceText:     turn.Text,
			LinkedTurnID:   turn.ID,
			Role:           turn.Role,
			CreatedAt:      turn.CreatedAt,
		},
	})
	if err != nil {
		return fmt.Errorf("upsert turn %s: %w", turn.ID, err)
	}

	log.Printf("[MEMORY]   Stored memory %s: role=%s text=%q", id, turn.Role, truncateLog(turn.Text, 50))
	return nil
}

// Forget removes the memories of one conversation.
func (m *SimpleManager) Forget(ctx context.Context, userID, conversationID string) error {
	return m.index.DeleteConversation(ctx, userID, conversationID)
}

// Config holds SimpleManager configuration.
type Config struct {
	// Enabled toggles long-term memory on/off.
	// Default: true.
	Enabled bool

	// TopK is the number of memories retrieved per turn (3-5).
	// Default: 3
	TopK int

	// MinSimilarity is the minimum similarity for retrieval [0.0-1.0].
	// Default: 0.2
	// Note: Tiny models (all-MiniLM-L6-v2) produce lower scores (~0.35 for similar text)
	MinSimilarity float64
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = &Config{
	Enabled:       true,
	TopK:          3,
	MinSimilarity: 0.2,
}
