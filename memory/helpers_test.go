package memory_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
	"github.com/becomeliminal/nim-recall/memory/store/chromem"
	"github.com/becomeliminal/nim-recall/memory/store/sqlite"
)

// KeywordEmbedder gives texts sharing a vocabulary word a high similarity,
// which the hash-based mock cannot do.
type KeywordEmbedder struct {
	vocab []string
	calls atomic.Int64
}

func NewKeywordEmbedder(vocab ...string) *KeywordEmbedder {
	return &KeywordEmbedder{vocab: vocab}
}

func (e *KeywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if strings.TrimSpace(text) == "" {
		return nil, &core.EmbeddingError{Err: core.ErrEmptyText}
	}
	vec := make([]float32, len(e.vocab)+1)
	lower := strings.ToLower(text)
	for i, word := range e.vocab {
		if strings.Contains(lower, word) {
			vec[i] = 1
		}
	}
	vec[len(e.vocab)] = 0.1 // never the zero vector
	return mock.Normalize(vec), nil
}

func (e *KeywordEmbedder) Dimensions() int {
	return len(e.vocab) + 1
}

// FailingIndex fails every operation.
type FailingIndex struct {
	dims int
}

func (f *FailingIndex) Upsert(ctx context.Context, v memory.MemoryVector) (string, error) {
	return "", &core.VectorStoreError{Op: "upsert", Err: errors.New("index unavailable")}
}

func (f *FailingIndex) Query(ctx context.Context, vector []float32, k int, filter memory.Filter) ([]memory.Hit, error) {
	return nil, &core.VectorStoreError{Op: "query", Err: errors.New("index unavailable")}
}

func (f *FailingIndex) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	return &core.VectorStoreError{Op: "delete", Err: errors.New("index unavailable")}
}

func (f *FailingIndex) Dimensions() int { return f.dims }
func (f *FailingIndex) Close() error    { return nil }

// FlakyStore fails the first failures appends with a storage error.
type FlakyStore struct {
	memory.MessageStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *FlakyStore) Append(ctx context.Context, conversationID string, role core.Role, text string) (*core.Turn, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return nil, &core.StorageError{Op: "append", Err: errors.New("database is locked")}
	}
	return s.MessageStore.Append(ctx, conversationID, role, text)
}

func (s *FlakyStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// BlockingManager parks Record until release is closed.
type BlockingManager struct {
	memory.Manager
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func NewBlockingManager(next memory.Manager) *BlockingManager {
	return &BlockingManager{
		Manager: next,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (m *BlockingManager) Record(ctx context.Context, userID string, turn *core.Turn, vector []float32) error {
	m.once.Do(func() { close(m.started) })
	<-m.release
	return m.Manager.Record(ctx, userID, turn, vector)
}

var testVocab = []string{"color", "blue", "weather", "pizza", "football", "music"}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "recall.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newIndex(t *testing.T, dims int) *chromem.Index {
	t.Helper()
	index, err := chromem.New(chromem.Config{Dimensions: dims})
	if err != nil {
		t.Fatalf("Failed to create index: %v", err)
	}
	return index
}

func newManager(t *testing.T) (*memory.SimpleManager, *chromem.Index, *KeywordEmbedder) {
	t.Helper()
	embedder := NewKeywordEmbedder(testVocab...)
	index := newIndex(t, embedder.Dimensions())
	manager := memory.NewSimpleManager(index, embedder, &memory.Config{
		Enabled:       true,
		TopK:          3,
		MinSimilarity: 0.0,
	})
	return manager, index, embedder
}

func appendTurn(t *testing.T, store memory.MessageStore, convID, ownerID string, role core.Role, text string) *core.Turn {
	t.Helper()
	ctx := context.Background()
	if _, err := store.EnsureConversation(ctx, convID, ownerID); err != nil {
		t.Fatalf("EnsureConversation failed: %v", err)
	}
	turn, err := store.Append(ctx, convID, role, text)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return turn
}

func newTurn(id, convID string, role core.Role, text string) *core.Turn {
	return &core.Turn{
		ID:             id,
		ConversationID: convID,
		Role:           role,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}
}
