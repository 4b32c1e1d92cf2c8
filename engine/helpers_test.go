package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/engine"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
	"github.com/becomeliminal/nim-recall/memory/store/chromem"
	"github.com/becomeliminal/nim-recall/memory/store/sqlite"
)

// keywordEmbedder maps texts sharing a vocabulary word close together.
type keywordEmbedder struct {
	vocab []string
}

func (e *keywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
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
	vec[len(e.vocab)] = 0.1
	return mock.Normalize(vec), nil
}

func (e *keywordEmbedder) Dimensions() int { return len(e.vocab) + 1 }

var vocab = []string{"color", "weather", "pizza", "football", "music", "movie", "book", "travel", "coffee", "code"}

// failingEmbedder always fails.
type failingEmbedder struct{ dims int }

func (e *failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, &core.EmbeddingError{Err: errors.New("model unavailable")}
}

func (e *failingEmbedder) Dimensions() int { return e.dims }

// brokenIndex fails every query and upsert.
type brokenIndex struct{ dims int }

func (b *brokenIndex) Upsert(ctx context.Context, v memory.MemoryVector) (string, error) {
	return "", &core.VectorStoreError{Op: "upsert", Err: errors.New("index down")}
}

func (b *brokenIndex) Query(ctx context.Context, vector []float32, k int, filter memory.Filter) ([]memory.Hit, error) {
	return nil, &core.VectorStoreError{Op: "query", Err: errors.New("index down")}
}

func (b *brokenIndex) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	return &core.VectorStoreError{Op: "delete", Err: errors.New("index down")}
}

func (b *brokenIndex) Dimensions() int { return b.dims }
func (b *brokenIndex) Close() error    { return nil }

// scriptedCompleter records every context it is called with.
type scriptedCompleter struct {
	mu       sync.Mutex
	calls    [][]core.Message
	reply    func(messages []core.Message) (string, error)
	delay    time.Duration
	inFlight int
	maxPar   int
}

func newEchoCompleter() *scriptedCompleter {
	return &scriptedCompleter{reply: func(messages []core.Message) (string, error) {
		return "echo: " + messages[len(messages)-1].Text, nil
	}}
}

func (c *scriptedCompleter) Complete(ctx context.Context, messages []core.Message) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, messages)
	c.inFlight++
	if c.inFlight > c.maxPar {
		c.maxPar = c.inFlight
	}
	c.mu.Unlock()

	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
		}
	}

	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.reply(messages)
}

func (c *scriptedCompleter) lastCall(t *testing.T) []core.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		t.Fatal("Completer was never called")
	}
	return c.calls[len(c.calls)-1]
}

func (c *scriptedCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type fixture struct {
	store  *sqlite.Store
	index  memory.Index
	writer *memory.Writer
	engine *engine.Engine
	comp   *scriptedCompleter
}

type fixtureOptions struct {
	embedder memory.Embedder
	index    memory.Index
	config   *engine.Config
	writer   memory.WriterConfig
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "recall.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if opts.embedder == nil {
		opts.embedder = &keywordEmbedder{vocab: vocab}
	}
	if opts.index == nil {
		index, err := chromem.New(chromem.Config{Dimensions: opts.embedder.Dimensions()})
		if err != nil {
			t.Fatalf("Failed to create index: %v", err)
		}
		opts.index = index
	}

	manager := memory.NewSimpleManager(opts.index, opts.embedder, &memory.Config{
		Enabled:       true,
		TopK:          3,
		MinSimilarity: 0.3,
	})

	opts.writer.Retry = memory.RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	writer := memory.NewWriter(store, manager, opts.writer)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		writer.Close(ctx)
	})

	comp := newEchoCompleter()
	config := engine.DefaultConfig
	if opts.config != nil {
		config = *opts.config
	}
	config.Retry = memory.RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	eng := engine.NewEngine(comp, store,
		engine.WithMemory(manager),
		engine.WithWriter(writer),
		engine.WithConfig(config),
	)

	return &fixture{store: store, index: opts.index, writer: writer, engine: eng, comp: comp}
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.writer.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

func (f *fixture) send(t *testing.T, session *core.Session, convID, text string) *engine.Output {
	t.Helper()
	out, err := f.engine.Run(context.Background(), &engine.Input{
		Session:        session,
		ConversationID: convID,
		UserMessage:    text,
	})
	if err != nil {
		t.Fatalf("Run(%q) failed: %v", text, err)
	}
	return out
}

func (f *fixture) turns(t *testing.T, convID string) []core.Turn {
	t.Helper()
	turns, err := f.store.Find(context.Background(), convID, memory.FindOptions{})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	return turns
}

func contextText(messages []core.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	return b.String()
}
