package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/engine"
	"github.com/becomeliminal/nim-recall/memory"
)

var unrelated = []string{
	"What's the weather like in Lisbon?",
	"I had pizza for dinner",
	"Did you watch the football match?",
	"Recommend some music for running",
	"Any good movie this weekend?",
	"I am reading a book about whales",
	"Planning travel to Japan next spring",
	"Coffee or tea in the morning?",
	"Help me write code for a parser",
	"The weather turned cold again",
}

func memoryBlock(messages []core.Message) string {
	for _, m := range messages {
		if m.Role == core.RoleSystem && strings.Contains(m.Text, "RELEVANT MEMORIES") {
			return m.Text
		}
	}
	return ""
}

func TestEngine_RecallsFactBeyondShortTermWindow(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	alice := core.NewSession("alice", "test")

	f.send(t, alice, "c1", "My favorite color is blue")
	for _, text := range unrelated {
		f.send(t, alice, "c1", text)
	}
	f.flush(t)

	out := f.send(t, alice, "c1", "What's my favorite color?")
	if out.Type != engine.OutputComplete {
		t.Fatalf("Expected completion, got %+v", out)
	}

	messages := f.comp.lastCall(t)
	for _, m := range messages {
		if m.Role != core.RoleSystem && strings.Contains(m.Text, "blue") {
			t.Fatalf("Fact should be outside the short-term window, found in %s message", m.Role)
		}
	}

	block := memoryBlock(messages)
	if !strings.Contains(block, "My favorite color is blue") {
		t.Fatalf("Expected the color turn among retrieved memories, got:\n%s", contextText(messages))
	}
	if out.Context.LTMIncluded == 0 || out.Context.LTMIncluded > 3 {
		t.Errorf("Expected 1-3 memories, got %d", out.Context.LTMIncluded)
	}
	if out.Context.STMIncluded != engine.DefaultConfig.STMWindow {
		t.Errorf("Expected %d recent turns, got %d", engine.DefaultConfig.STMWindow, out.Context.STMIncluded)
	}

	// Context order: persona, memories, recent turns, current message
	if messages[0].Role != core.RoleSystem || messages[0].Text != engine.DefaultSystemPrompt {
		t.Errorf("Expected persona first, got %+v", messages[0])
	}
	if messages[1].Text != block {
		t.Errorf("Expected memories second")
	}
	last := messages[len(messages)-1]
	if last.Role != core.RoleUser || last.Text != "What's my favorite color?" {
		t.Errorf("Expected current message last, got %+v", last)
	}
}

func TestEngine_RecentOnTopicTurnsDoNotCrowdOutMemories(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	alice := core.NewSession("alice", "test")

	f.send(t, alice, "c1", "My favorite color is blue")
	for _, text := range unrelated[:6] {
		f.send(t, alice, "c1", text)
	}
	// Both questions and their replies stay inside the short-term window
	// and match the final question as closely as the fact does.
	f.send(t, alice, "c1", "Which color goes with grey?")
	f.send(t, alice, "c1", "Is color blindness common?")
	f.flush(t)

	out := f.send(t, alice, "c1", "What's my favorite color?")
	messages := f.comp.lastCall(t)

	block := memoryBlock(messages)
	if !strings.Contains(block, "favorite color is blue") {
		t.Fatalf("Expected the fact among retrieved memories, got:\n%s", contextText(messages))
	}
	if strings.Contains(block, "grey") || strings.Contains(block, "blindness") {
		t.Errorf("Memories repeat turns already in the recent window:\n%s", block)
	}
	if out.Context.LTMIncluded < 1 {
		t.Errorf("Expected at least one memory, got %d", out.Context.LTMIncluded)
	}
}

func TestEngine_MemoriesAreIsolatedPerUser(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	f.send(t, core.NewSession("alice", "test"), "alice-chat", "My favorite color is blue")
	f.flush(t)

	f.send(t, core.NewSession("bob", "test"), "bob-chat", "What's my favorite color?")
	if block := memoryBlock(f.comp.lastCall(t)); strings.Contains(block, "blue") {
		t.Fatalf("Bob must never see alice's memories:\n%s", block)
	}
}

func TestEngine_IndexOutageFallsBackToShortTermMemory(t *testing.T) {
	embedder := &keywordEmbedder{vocab: vocab}
	f := newFixture(t, fixtureOptions{
		embedder: embedder,
		index:    &brokenIndex{dims: embedder.Dimensions()},
	})
	alice := core.NewSession("alice", "test")

	f.send(t, alice, "c", "My favorite color is blue")
	out := f.send(t, alice, "c", "What did I just say?")

	if out.Type != engine.OutputComplete || out.Text == "" {
		t.Fatalf("Expected a reply despite the index outage, got %+v", out)
	}
	if out.Context.LTMIncluded != 0 {
		t.Errorf("Expected no memories, got %d", out.Context.LTMIncluded)
	}
	if out.Context.STMIncluded != 2 {
		t.Errorf("Expected previous exchange in context, got %d turns", out.Context.STMIncluded)
	}
	if !strings.Contains(contextText(f.comp.lastCall(t)), "user: My favorite color is blue") {
		t.Error("Expected previous user turn in the short-term context")
	}

	f.flush(t)
	if turns := f.turns(t, "c"); len(turns) != 4 {
		t.Errorf("Expected all 4 turns persisted, got %d", len(turns))
	}
}

func TestEngine_EmbeddingOutageFallsBackToShortTermMemory(t *testing.T) {
	f := newFixture(t, fixtureOptions{embedder: &failingEmbedder{dims: 4}})
	alice := core.NewSession("alice", "test")

	f.send(t, alice, "c", "hello")
	out := f.send(t, alice, "c", "still there?")
	if out.Context.LTMIncluded != 0 || out.Context.STMIncluded != 2 {
		t.Errorf("Unexpected context stats: %+v", out.Context)
	}
}

func TestEngine_PersistsTurnsInOrder(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	alice := core.NewSession("alice", "test")

	out := f.send(t, alice, "c", "first")
	if out.UserTurn == nil || out.UserTurn.Role != core.RoleUser || out.UserTurn.Text != "first" {
		t.Fatalf("Expected persisted user turn in output, got %+v", out.UserTurn)
	}
	f.send(t, alice, "c", "second")
	f.flush(t)

	turns := f.turns(t, "c")
	want := []string{"first", "echo: first", "second", "echo: second"}
	if len(turns) != len(want) {
		t.Fatalf("Expected %d turns, got %d", len(want), len(turns))
	}
	for i, turn := range turns {
		if turn.Text != want[i] {
			t.Errorf("Turn %d: expected %q, got %q", i, want[i], turn.Text)
		}
		if i > 0 && turns[i].Seq <= turns[i-1].Seq {
			t.Errorf("Turn %d is out of order", i)
		}
	}
}

func TestEngine_DispatchKeepsConversationOrder(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.comp.delay = 10 * time.Millisecond
	alice := core.NewSession("alice", "test")

	var mu sync.Mutex
	var emitted []string
	emit := func(out *engine.Output) {
		mu.Lock()
		emitted = append(emitted, out.Text)
		mu.Unlock()
	}

	var done []<-chan struct{}
	for i := 0; i < 5; i++ {
		done = append(done, f.engine.Dispatch(context.Background(), &engine.Input{
			Session:        alice,
			ConversationID: "c",
			UserMessage:    fmt.Sprintf("message %d", i),
		}, emit))
	}
	for _, ch := range done {
		<-ch
	}
	f.flush(t)

	if f.comp.maxPar != 1 {
		t.Errorf("Messages of one conversation must not overlap, saw %d in flight", f.comp.maxPar)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, text := range emitted {
		if want := fmt.Sprintf("echo: message %d", i); text != want {
			t.Errorf("Reply %d: expected %q, got %q", i, want, text)
		}
	}

	turns := f.turns(t, "c")
	if len(turns) != 10 {
		t.Fatalf("Expected 10 turns, got %d", len(turns))
	}
	for i := 0; i < 5; i++ {
		user, assistant := turns[2*i], turns[2*i+1]
		if user.Role != core.RoleUser || user.Text != fmt.Sprintf("message %d", i) {
			t.Errorf("Turn %d: unexpected user turn %+v", 2*i, user)
		}
		if assistant.Role != core.RoleAssistant || assistant.Text != "echo: "+user.Text {
			t.Errorf("Turn %d: unexpected assistant turn %+v", 2*i+1, assistant)
		}
	}

	// Each message saw the full previous exchange
	for i, call := range f.comp.calls[1:] {
		if !strings.Contains(contextText(call), fmt.Sprintf("assistant: echo: message %d", i)) {
			t.Errorf("Message %d did not see the reply to message %d", i+1, i)
		}
	}
}

func TestEngine_ConversationsRunInParallel(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.comp.delay = 50 * time.Millisecond

	var done []<-chan struct{}
	for i := 0; i < 3; i++ {
		done = append(done, f.engine.Dispatch(context.Background(), &engine.Input{
			Session:        core.NewSession(fmt.Sprintf("user-%d", i), "test"),
			ConversationID: fmt.Sprintf("c%d", i),
			UserMessage:    "hello",
		}, nil))
	}
	for _, ch := range done {
		<-ch
	}

	if f.comp.maxPar < 2 {
		t.Errorf("Expected conversations to overlap, max in flight %d", f.comp.maxPar)
	}
	if n := f.engine.ActiveConversations(); n != 0 {
		t.Errorf("Expected no active conversations after completion, got %d", n)
	}
}

func TestEngine_CompletionFailureKeepsUserTurnOnly(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.comp.reply = func([]core.Message) (string, error) {
		return "", errors.New("quota exceeded")
	}
	alice := core.NewSession("alice", "test")

	out, err := f.engine.Run(context.Background(), &engine.Input{
		Session:        alice,
		ConversationID: "c",
		UserMessage:    "My favorite color is blue",
	})
	var compErr *core.CompletionError
	if !errors.As(err, &compErr) {
		t.Fatalf("Expected CompletionError, got %v", err)
	}
	if out == nil || out.Type != engine.OutputError || out.UserTurn == nil {
		t.Fatalf("Expected error output carrying the user turn, got %+v", out)
	}
	if reason := core.PublicReason(err); strings.Contains(reason, "quota") {
		t.Errorf("Internal error leaked to client: %q", reason)
	}

	f.flush(t)
	turns := f.turns(t, "c")
	if len(turns) != 1 || turns[0].Role != core.RoleUser {
		t.Fatalf("Expected only the user turn, got %+v", turns)
	}
	pending, err := f.store.Unindexed(context.Background(), time.Now(), 10)
	if err != nil {
		t.Fatalf("Unindexed failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected the user turn to be indexed anyway, %d pending", len(pending))
	}
}

func TestEngine_EmptyCompletionIsAnError(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.comp.reply = func([]core.Message) (string, error) { return "  ", nil }

	_, err := f.engine.Run(context.Background(), &engine.Input{
		Session:        core.NewSession("alice", "test"),
		ConversationID: "c",
		UserMessage:    "hello",
	})
	var compErr *core.CompletionError
	if !errors.As(err, &compErr) {
		t.Fatalf("Expected CompletionError, got %v", err)
	}
}

func TestEngine_CompletionTimeout(t *testing.T) {
	config := engine.DefaultConfig
	config.CompletionTimeout = 20 * time.Millisecond
	f := newFixture(t, fixtureOptions{config: &config})
	f.comp.delay = time.Second

	start := time.Now()
	_, err := f.engine.Run(context.Background(), &engine.Input{
		Session:        core.NewSession("alice", "test"),
		ConversationID: "c",
		UserMessage:    "hello",
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Timeout not enforced, took %s", elapsed)
	}
}

func TestEngine_DisconnectSuppressesEmitOnly(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	emitted := 0
	done := f.engine.Dispatch(ctx, &engine.Input{
		Session:        core.NewSession("alice", "test"),
		ConversationID: "c",
		UserMessage:    "hello",
	}, func(*engine.Output) { emitted++ })
	<-done
	f.flush(t)

	if emitted != 0 {
		t.Errorf("Expected no emission to a closed connection, got %d", emitted)
	}
	if turns := f.turns(t, "c"); len(turns) != 2 {
		t.Errorf("Expected the exchange to be persisted anyway, got %d turns", len(turns))
	}
}

// rejectingWriter refuses every job.
type rejectingWriter struct {
	submitted int
}

func (w *rejectingWriter) Submit(memory.Job) error {
	w.submitted++
	return core.ErrQueueFull
}

func (w *rejectingWriter) AwaitPersisted(context.Context, string) error { return nil }
func (w *rejectingWriter) Flush(context.Context) error                  { return nil }

func TestEngine_FullWriterQueuePersistsInline(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	writer := &rejectingWriter{}
	eng := engine.NewEngine(f.comp, f.store, engine.WithWriter(writer))

	out, err := eng.Run(context.Background(), &engine.Input{
		Session:        core.NewSession("alice", "test"),
		ConversationID: "c",
		UserMessage:    "hello",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if writer.submitted != 1 {
		t.Errorf("Expected one submit attempt, got %d", writer.submitted)
	}

	turns := f.turns(t, "c")
	if len(turns) != 2 || turns[1].Text != out.Text {
		t.Fatalf("Expected the assistant turn appended inline, got %+v", turns)
	}

	// Vectors are left for the reconciler
	pending, _ := f.store.Unindexed(context.Background(), time.Now(), 10)
	if len(pending) != 2 {
		t.Errorf("Expected 2 turns pending indexing, got %d", len(pending))
	}
}

func TestEngine_WithoutWriterWritesBackInline(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	embedder := &keywordEmbedder{vocab: vocab}
	manager := memory.NewSimpleManager(f.index, embedder, nil)
	eng := engine.NewEngine(f.comp, f.store, engine.WithMemory(manager))

	alice := core.NewSession("alice", "test")
	if _, err := eng.Run(context.Background(), &engine.Input{Session: alice, ConversationID: "c", UserMessage: "I like pizza"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	pending, _ := f.store.Unindexed(context.Background(), time.Now(), 10)
	if len(pending) != 0 {
		t.Errorf("Expected both turns indexed inline, %d pending", len(pending))
	}
	vec, _ := embedder.Embed(context.Background(), "pizza")
	if hits, _ := f.index.Query(context.Background(), vec, 5, memory.Filter{UserID: "alice"}); len(hits) != 2 {
		t.Errorf("Expected 2 vectors, got %d", len(hits))
	}
}

func TestEngine_ValidationRejectsBeforeTouchingState(t *testing.T) {
	config := engine.DefaultConfig
	config.MaxMessageChars = 10
	f := newFixture(t, fixtureOptions{config: &config})
	alice := core.NewSession("alice", "test")

	tests := []struct {
		name  string
		input *engine.Input
		field string
	}{
		{"nil input", nil, "session"},
		{"no session", &engine.Input{ConversationID: "c", UserMessage: "hi"}, "session"},
		{"blank conversation", &engine.Input{Session: alice, ConversationID: " ", UserMessage: "hi"}, "conversationId"},
		{"blank content", &engine.Input{Session: alice, ConversationID: "c", UserMessage: "\n\t "}, "content"},
		{"too long", &engine.Input{Session: alice, ConversationID: "c", UserMessage: "this is far too long"}, "content"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Run(context.Background(), tt.input)
			var validationErr *core.ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if validationErr.Field != tt.field {
				t.Errorf("Expected field %q, got %q", tt.field, validationErr.Field)
			}

			var emitted *engine.Output
			<-f.engine.Dispatch(context.Background(), tt.input, func(out *engine.Output) { emitted = out })
			if emitted == nil || emitted.Type != engine.OutputError {
				t.Errorf("Expected error emission, got %+v", emitted)
			}
		})
	}

	if _, err := f.store.Conversation(context.Background(), "c"); !errors.Is(err, core.ErrConversationNotFound) {
		t.Errorf("Rejected messages must not create the conversation, got %v", err)
	}
	if f.comp.callCount() != 0 {
		t.Errorf("Completer must not be called, got %d calls", f.comp.callCount())
	}
}

func TestEngine_ForeignConversationIsRejected(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.send(t, core.NewSession("alice", "test"), "c", "hello")

	_, err := f.engine.Run(context.Background(), &engine.Input{
		Session:        core.NewSession("mallory", "test"),
		ConversationID: "c",
		UserMessage:    "let me in",
	})
	var validationErr *core.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	f.flush(t)
	if turns := f.turns(t, "c"); len(turns) != 2 {
		t.Errorf("Foreign message must not be appended, got %d turns", len(turns))
	}
}

func TestEngine_History(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	alice := core.NewSession("alice", "test")
	f.send(t, alice, "c", "one")
	f.send(t, alice, "c", "two")
	f.flush(t)

	ctx := context.Background()
	turns, err := f.engine.History(ctx, "alice", "c", 3)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	want := []string{"echo: one", "two", "echo: two"}
	if len(turns) != len(want) {
		t.Fatalf("Expected %d turns, got %d", len(want), len(turns))
	}
	for i := range want {
		if turns[i].Text != want[i] {
			t.Errorf("Turn %d: expected %q, got %q", i, want[i], turns[i].Text)
		}
	}

	if all, _ := f.engine.History(ctx, "alice", "c", 0); len(all) != 4 {
		t.Errorf("Expected default window to cover all 4 turns, got %d", len(all))
	}
	if _, err := f.engine.History(ctx, "bob", "c", 10); !errors.Is(err, core.ErrConversationNotFound) {
		t.Errorf("Expected ErrConversationNotFound for foreign user, got %v", err)
	}
	if _, err := f.engine.History(ctx, "alice", "missing", 10); !errors.Is(err, core.ErrConversationNotFound) {
		t.Errorf("Expected ErrConversationNotFound, got %v", err)
	}
}

func TestEngine_DeleteConversation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	alice := core.NewSession("alice", "test")
	ctx := context.Background()

	f.send(t, alice, "c", "My favorite color is blue")
	f.send(t, alice, "other", "I like pizza")

	if err := f.engine.DeleteConversation(ctx, "bob", "c"); !errors.Is(err, core.ErrConversationNotFound) {
		t.Fatalf("Expected foreign delete to fail with not found, got %v", err)
	}
	if err := f.engine.DeleteConversation(ctx, "alice", "c"); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}

	if _, err := f.store.Conversation(ctx, "c"); !errors.Is(err, core.ErrConversationNotFound) {
		t.Errorf("Expected conversation gone, got %v", err)
	}
	embedder := &keywordEmbedder{vocab: vocab}
	vec, _ := embedder.Embed(ctx, "color")
	hits, err := f.index.Query(ctx, vec, 10, memory.Filter{UserID: "alice"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	for _, hit := range hits {
		if hit.Metadata.ConversationID == "c" {
			t.Errorf("Vector %s outlived its conversation", hit.ID)
		}
	}
	if len(hits) != 2 {
		t.Errorf("Expected the other conversation's 2 vectors to survive, got %d", len(hits))
	}
}
