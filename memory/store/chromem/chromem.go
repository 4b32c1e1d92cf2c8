package chromem

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

const (
	metaUserID         = "user_id"
	metaConversationID = "conversation_id"
	metaTurnID         = "turn_id"
	metaRole           = "role"
	metaCreatedAt      = "created_at"
)

// Config configures the chromem index.
type Config struct {
	// Dimensions is the vector size D every upsert and query must match.
	Dimensions int

	// PersistDir stores the database on disk when set; otherwise it lives in memory.
	PersistDir string
}

// Index wraps chromem-go for vector storage.
// chromem-go is a pure Go, embedded vector database.
type Index struct {
	db          *chromem.DB
	dims        int
	collections map[string]*chromem.Collection // Per-user collections
	mu          sync.RWMutex
}

var _ memory.Index = (*Index)(nil)

// New creates a new chromem-based index.
func New(cfg Config) (*Index, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", cfg.Dimensions)
	}

	var db *chromem.DB
	if cfg.PersistDir != "" {
		var err error
		db, err = chromem.NewPersistentDB(cfg.PersistDir, false)
		if err != nil {
			return nil, fmt.Errorf("open persistent db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	return &Index{
		db:          db,
		dims:        cfg.Dimensions,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// getOrCreateCollection returns the collection for a user.
// Each user gets their own collection for namespace isolation.
func (s *Index) getOrCreateCollection(userID string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, exists := s.collections[userID]
	s.mu.RUnlock()

	if exists {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if col, exists := s.collections[userID]; exists {
		return col, nil
	}

	col, err := s.db.GetOrCreateCollection(
		collectionName(userID),
		nil, // No collection metadata
		nil, // No embedding func (we provide embeddings)
	)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	s.collections[userID] = col
	return col, nil
}

func collectionName(userID string) string {
	return "user_" + userID
}

// Upsert stores a vector, replacing any vector with the same ID.
func (s *Index) Upsert(ctx context.Context, v memory.MemoryVector) (string, error) {
	if v.Metadata.UserID == "" {
		return "", &core.VectorStoreError{Op: "upsert", Err: fmt.Errorf("metadata user id is required")}
	}
	if len(v.Vector) != s.dims {
		return "", &core.VectorStoreError{Op: "upsert", Err: fmt.Errorf("vector has %d dimensions, index expects %d", len(v.Vector), s.dims)}
	}
	if v.ID == "" {
		v.ID = v.Metadata.LinkedTurnID
	}

	col, err := s.getOrCreateCollection(v.Metadata.UserID)
	if err != nil {
		return "", &core.VectorStoreError{Op: "upsert", Err: err}
	}

	log.Printf("[CHROMEM] Storing vector: id=%s, owner=%s, conversation=%s",
		v.ID, v.Metadata.UserID, v.Metadata.ConversationID)

	doc := chromem.Document{
		ID:        v.ID,
		Content:   v.Metadata.SourceText,
		Embedding: v.Vector,
		Metadata: map[string]string{
			metaUserID:         v.Metadata.UserID,
			metaConversationID: v.Metadata.ConversationID,
			metaTurnID:         v.Metadata.LinkedTurnID,
			metaRole:           string(v.Metadata.Role),
			metaCreatedAt:      v.Metadata.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}

	if err := col.AddDocument(ctx, doc); err != nil {
		return "", &core.VectorStoreError{Op: "upsert", Err: fmt.Errorf("add document: %w", err)}
	}
	return v.ID, nil
}

// Query retrieves the k vectors of filter.UserID most similar to vector.
func (s *Index) Query(ctx context.Context, vector []float32, k int, filter memory.Filter) ([]memory.Hit, error) {
	if filter.UserID == "" {
		return nil, &core.VectorStoreError{Op: "query", Err: fmt.Errorf("filter user id is required")}
	}
	if len(vector) != s.dims {
		return nil, &core.VectorStoreError{Op: "query", Err: fmt.Errorf("vector has %d dimensions, index expects %d", len(vector), s.dims)}
	}
	if k <= 0 {
		return nil, nil
	}

	col, err := s.getOrCreateCollection(filter.UserID)
	if err != nil {
		return nil, &core.VectorStoreError{Op: "query", Err: err}
	}

	where := map[string]string{
		metaUserID: filter.UserID,
	}
	if filter.ConversationID != "" {
		where[metaConversationID] = filter.ConversationID
	}

	// Over-fetch so ties at the cutoff can be broken by recency below.
	// chromem-go requires nResults <= collection size.
	limit := overFetch(k)
	if count := col.Count(); count < limit {
		limit = count
	}
	if limit == 0 {
		return nil, nil
	}

	// Retry with smaller limits if the filter leaves fewer documents
	var results []chromem.Result
	for currentLimit := limit; currentLimit >= 1; currentLimit-- {
		results, err = col.QueryEmbedding(ctx, vector, currentLimit, where, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if currentLimit == 1 {
				return nil, nil
			}
			continue
		}
		return nil, &core.VectorStoreError{Op: "query", Err: fmt.Errorf("chromem query: %w", err)}
	}

	hits := make([]memory.Hit, 0, len(results))
	for _, result := range results {
		// Isolation: never hand out another owner's vector.
		if result.Metadata[metaUserID] != filter.UserID {
			log.Printf("[CHROMEM] Skipping result %s with foreign owner", result.ID)
			continue
		}
		hits = append(hits, toHit(result))
	}

	// Similarity first, newest first on ties
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Metadata.CreatedAt.After(hits[j].Metadata.CreatedAt)
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	log.Printf("[CHROMEM] Query for owner=%s returned %d hits (k=%d)", filter.UserID, len(hits), k)
	return hits, nil
}

// DeleteConversation removes all vectors of one conversation.
func (s *Index) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if userID == "" || conversationID == "" {
		return &core.VectorStoreError{Op: "delete", Err: fmt.Errorf("user id and conversation id are required")}
	}

	col, err := s.getOrCreateCollection(userID)
	if err != nil {
		return &core.VectorStoreError{Op: "delete", Err: err}
	}
	if err := col.Delete(ctx, map[string]string{metaConversationID: conversationID}, nil); err != nil {
		return &core.VectorStoreError{Op: "delete", Err: err}
	}
	return nil
}

// Dimensions returns the vector size D.
func (s *Index) Dimensions() int {
	return s.dims
}

// Close releases resources.
func (s *Index) Close() error {
	// chromem-go writes through on every change, nothing to flush
	return nil
}

func toHit(result chromem.Result) memory.Hit {
	createdAt, _ := time.Parse(time.RFC3339Nano, result.Metadata[metaCreatedAt])
	return memory.Hit{
		ID:    result.ID,
		Score: result.Similarity,
		Metadata: memory.VectorMetadata{
			ConversationID: result.Metadata[metaConversationID],
			UserID:         result.Metadata[metaUserID],
			SourceText:     result.Content,
			LinkedTurnID:   result.Metadata[metaTurnID],
			Role:           core.Role(result.Metadata[metaRole]),
			CreatedAt:      createdAt,
		},
	}
}

// overFetch returns how many candidates to pull from chromem for a top-k query.
func overFetch(k int) int {
	n := 4 * k
	if n < k+16 {
		n = k + 16
	}
	return n
}

// isInsufficientDocsError checks if error is due to insufficient documents.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "nResults must be") || strings.Contains(errStr, "number of documents")
}
