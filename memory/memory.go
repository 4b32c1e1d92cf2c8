package memory

import (
	"context"
	"time"

	"github.com/becomeliminal/nim-recall/core"
)

// Order selects the direction of a message log read.
type Order int

const (
	// OldestFirst returns turns in creation order.
	OldestFirst Order = iota
	// NewestFirst returns the most recent turns first.
	NewestFirst
)

// FindOptions bounds a message log read.
type FindOptions struct {
	Limit int   // 0 = no limit
	Order Order // default OldestFirst
}

// PendingTurn is a persisted turn whose vector has not been written yet.
type PendingTurn struct {
	Turn    core.Turn
	OwnerID string
}

// MessageStore is the append-only log of turns per conversation.
// Implementations: sqlite.Store.
//
// All failures caused by the backend are returned as *core.StorageError.
type MessageStore interface {
	// EnsureConversation returns the conversation, creating it for ownerID
	// on first use. It fails with *core.ValidationError when the
	// conversation belongs to a different owner.
	EnsureConversation(ctx context.Context, conversationID, ownerID string) (*core.Conversation, error)

	// Conversation returns core.ErrConversationNotFound for unknown ids.
	Conversation(ctx context.Context, conversationID string) (*core.Conversation, error)

	// Append persists a new turn and updates the conversation's LastActivity.
	Append(ctx context.Context, conversationID string, role core.Role, text string) (*core.Turn, error)

	// Find reads turns of one conversation.
	Find(ctx context.Context, conversationID string, opts FindOptions) ([]core.Turn, error)

	// DeleteConversation removes the conversation and all of its turns.
	DeleteConversation(ctx context.Context, conversationID string) error

	// Unindexed lists turns not yet marked indexed, oldest first.
	Unindexed(ctx context.Context, olderThan time.Time, limit int) ([]PendingTurn, error)

	// MarkIndexed records that vectors exist for the given turns.
	MarkIndexed(ctx context.Context, turnIDs ...string) error

	Close() error
}

// Embedder converts text to vector embeddings.
// Implementations: mock.Embedder (testing), openai.Embedder, onnx.Embedder,
// CachedEmbedder (wraps any of them).
//
// Embed fails with *core.EmbeddingError wrapping core.ErrEmptyText for blank
// input and must be deterministic for a fixed model version.
type Embedder interface {
	// Embed converts a single text to embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// VectorMetadata links a vector back to the turn it was computed from.
type VectorMetadata struct {
	ConversationID string
	UserID         string
	SourceText     string
	LinkedTurnID   string
	Role           core.Role
	CreatedAt      time.Time
}

// MemoryVector is one entry of the long-term memory index.
// ID equals Metadata.LinkedTurnID so repeated upserts are idempotent.
type MemoryVector struct {
	ID       string
	Vector   []float32
	Metadata VectorMetadata
}

// Filter scopes an index query. UserID is mandatory.
type Filter struct {
	UserID         string
	ConversationID string // optional
}

// Hit is one ranked query result.
type Hit struct {
	ID       string
	Score    float32
	Metadata VectorMetadata
}

// Index is the vector storage backend for long-term memory.
// Implementations: chromem.Index.
//
// Query must never return a hit whose Metadata.UserID differs from
// Filter.UserID. Results are ordered by similarity (highest first), ties
// broken by recency (newest first). Failures are *core.VectorStoreError.
type Index interface {
	// Upsert stores v, replacing any vector with the same ID.
	Upsert(ctx context.Context, v MemoryVector) (string, error)

	// Query returns up to k vectors most similar to vector.
	Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error)

	// DeleteConversation removes every vector of one conversation.
	DeleteConversation(ctx context.Context, userID, conversationID string) error

	// Dimensions returns the vector size D accepted by this index.
	Dimensions() int

	Close() error
}
