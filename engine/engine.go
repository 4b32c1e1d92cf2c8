package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// Writer is the background memory writer the engine hands finished turns to.
// *memory.Writer implements it.
type Writer interface {
	Submit(job memory.Job) error
	AwaitPersisted(ctx context.Context, conversationID string) error
	Flush(ctx context.Context) error
}

// Engine orchestrates one reply: persist, retrieve, assemble, complete, emit,
// write back. Messages of one conversation run strictly one after another in
// arrival order; different conversations run in parallel.
type Engine struct {
	completer Completer
	store     memory.MessageStore
	stm       *memory.STM
	memory    memory.Manager // Optional: long-term memory
	writer    Writer         // Optional: asynchronous writeback
	config    Config
	queue     *conversationQueue
}

// Option configures the engine.
type Option func(*Engine)

// WithMemory configures the engine with a memory manager.
func WithMemory(m memory.Manager) Option {
	return func(e *Engine) {
		e.memory = m
	}
}

// WithWriter hands writeback to a background writer. Without one the
// engine persists the assistant turn inline after emitting the reply.
func WithWriter(w Writer) Option {
	return func(e *Engine) {
		e.writer = w
	}
}

// WithConfig overrides the default configuration. Zero fields fall back to
// DefaultConfig, except STMWindow where zero disables recent turns.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.config = cfg
	}
}

// Config holds engine configuration.
type Config struct {
	// SystemPrompt is the persona preamble placed first in every context.
	SystemPrompt string

	// STMWindow is N, the number of recent turns included.
	// Default: 10
	STMWindow int

	// ContextBudget bounds the assembled context in runes.
	// Default: 24000
	ContextBudget int

	// MaxMessageChars rejects longer user messages.
	// Default: 8000
	MaxMessageChars int

	// CompletionTimeout bounds the completion call.
	CompletionTimeout time.Duration

	// TurnTimeout bounds the whole pipeline of one message.
	TurnTimeout time.Duration

	// Retry governs user turn appends.
	Retry memory.RetryPolicy
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = Config{
	SystemPrompt:      DefaultSystemPrompt,
	STMWindow:         10,
	ContextBudget:     24000,
	MaxMessageChars:   8000,
	CompletionTimeout: 60 * time.Second,
	TurnTimeout:       2 * time.Minute,
	Retry:             memory.DefaultRetryPolicy,
}

// NewEngine creates a new engine over a completer and a message store.
func NewEngine(completer Completer, store memory.MessageStore, opts ...Option) *Engine {
	e := &Engine{
		completer: completer,
		store:     store,
		stm:       memory.NewSTM(store),
		config:    DefaultConfig,
		queue:     newConversationQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.config = e.config.withDefaults()
	return e
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultConfig.SystemPrompt
	}
	if c.STMWindow < 0 {
		c.STMWindow = 0
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = DefaultConfig.ContextBudget
	}
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = DefaultConfig.MaxMessageChars
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = DefaultConfig.CompletionTimeout
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = DefaultConfig.TurnTimeout
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry = DefaultConfig.Retry
	}
	return c
}

// Input represents one inbound user message.
type Input struct {
	// Session identifies the connection and the authenticated user.
	Session *core.Session

	// ConversationID is the target conversation; created on first use.
	ConversationID string

	// UserMessage is the user's message to process.
	UserMessage string
}

// Output represents the outcome of one message.
type Output struct {
	// Type indicates the kind of output.
	Type OutputType

	ConversationID string

	// Text is the assistant reply.
	Text string

	// UserTurn is the persisted user turn, nil if persisting failed.
	UserTurn *core.Turn

	// Context describes the assembled completion context.
	Context ContextStats

	// Error is set when Type is OutputError.
	Error error
}

// OutputType indicates the kind of output from an engine run.
type OutputType int

const (
	// OutputComplete indicates a reply was generated.
	OutputComplete OutputType = iota

	// OutputError indicates the message failed.
	OutputError
)

// EmitFunc delivers an output to the originating connection.
type EmitFunc func(out *Output)

// Dispatch queues a message behind earlier messages of its conversation and
// returns immediately. emit is called at most once, and only while ctx is
// still alive. The returned channel closes when all processing, including
// the writeback hand-off, is done.
func (e *Engine) Dispatch(ctx context.Context, input *Input, emit EmitFunc) <-chan struct{} {
	if err := e.validate(input); err != nil {
		out := &Output{Type: OutputError, Error: err}
		if input != nil {
			out.ConversationID = input.ConversationID
		}
		e.emit(ctx, emit, out)
		return closedChan
	}
	return e.queue.Go(input.ConversationID, func() {
		e.process(ctx, input, emit)
	})
}

// Run processes a message synchronously, waiting for its turn in the
// conversation queue.
func (e *Engine) Run(ctx context.Context, input *Input) (*Output, error) {
	if err := e.validate(input); err != nil {
		return nil, err
	}
	var out *Output
	e.queue.Do(input.ConversationID, func() {
		out = e.process(ctx, input, nil)
	})
	if out.Type == OutputError {
		return out, out.Error
	}
	return out, nil
}

func (e *Engine) validate(input *Input) error {
	if input == nil || input.Session == nil || input.Session.UserID == "" {
		return &core.ValidationError{Field: "session", Reason: "missing user"}
	}
	if strings.TrimSpace(input.ConversationID) == "" {
		return &core.ValidationError{Field: "conversationId", Reason: "must not be empty"}
	}
	if strings.TrimSpace(input.UserMessage) == "" {
		return &core.ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if n := utf8.RuneCountInString(input.UserMessage); n > e.config.MaxMessageChars {
		return &core.ValidationError{
			Field:  "content",
			Reason: fmt.Sprintf("too long (%d > %d characters)", n, e.config.MaxMessageChars),
		}
	}
	return nil
}

// process runs the pipeline. Work continues on a context detached from the
// connection, so a disconnect only suppresses emission.
func (e *Engine) process(connCtx context.Context, input *Input, emit EmitFunc) *Output {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(connCtx), e.config.TurnTimeout)
	defer cancel()

	userID := input.Session.UserID
	convID := input.ConversationID
	log.Printf("[ENGINE] Message from user=%s conversation=%s: %q", userID, convID, preview(input.UserMessage, 80))

	// The previous assistant turn must be in the log before this user turn.
	if e.writer != nil {
		if err := e.writer.AwaitPersisted(ctx, convID); err != nil {
			log.Printf("[ENGINE] Gave up waiting for previous writeback of conversation=%s: %v", convID, err)
		}
	}

	// 1. Persist the user turn
	if _, err := e.store.EnsureConversation(ctx, convID, userID); err != nil {
		return e.fail(connCtx, emit, convID, nil, err)
	}
	userTurn, err := memory.AppendWithRetry(ctx, e.store, e.config.Retry, convID, core.RoleUser, input.UserMessage)
	if err != nil {
		return e.fail(connCtx, emit, convID, nil, err)
	}

	// 2. Embed and read STM concurrently
	var (
		vector []float32
		recent []core.Turn
		g      errgroup.Group
	)
	if e.memory != nil {
		g.Go(func() error {
			v, err := e.memory.Embed(ctx, input.UserMessage)
			if err != nil {
				log.Printf("[ENGINE] Embedding failed, continuing without LTM: %v", err)
				return nil
			}
			vector = v
			return nil
		})
	}
	g.Go(func() error {
		turns, err := e.stm.RecentTurns(ctx, convID, e.config.STMWindow+1)
		if err != nil {
			return err
		}
		recent = turns
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Printf("[ENGINE] STM read failed for conversation=%s, continuing without history: %v", convID, err)
	}
	recent = withoutTurn(recent, userTurn.ID, e.config.STMWindow)

	// 3. Retrieve LTM
	var hits []memory.Hit
	if e.memory != nil && vector != nil {
		hits = e.memory.Retrieve(ctx, userID, vector, knownTurnIDs(recent, userTurn.ID)...)
	}

	// 4. Assemble
	messages, stats := AssembleContext(ContextInput{
		Persona: e.config.SystemPrompt,
		Hits:    hits,
		Recent:  recent,
		Current: input.UserMessage,
		Budget:  e.config.ContextBudget,
	})
	log.Printf("[ENGINE] Context: %d runes, LTM %d (+%d dropped), STM %d (+%d dropped)",
		stats.Total, stats.LTMIncluded, stats.LTMDropped, stats.STMIncluded, stats.STMDropped)

	job := memory.Job{
		UserID:         userID,
		ConversationID: convID,
		UserTurn:       userTurn,
		UserVector:     vector,
	}

	// 5. Complete
	cctx, ccancel := context.WithTimeout(ctx, e.config.CompletionTimeout)
	reply, err := e.completer.Complete(cctx, messages)
	ccancel()
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty completion")
	}
	if err != nil {
		var compErr *core.CompletionError
		if !errors.As(err, &compErr) {
			err = &core.CompletionError{Err: err}
		}
		out := e.fail(connCtx, emit, convID, userTurn, err)
		out.Context = stats
		// The user turn stays and is still indexed.
		e.handoff(ctx, job)
		return out
	}

	// 6. Emit without waiting on writeback
	out := &Output{
		Type:           OutputComplete,
		ConversationID: convID,
		Text:           reply,
		UserTurn:       userTurn,
		Context:        stats,
	}
	e.emit(connCtx, emit, out)

	// 7. Write back
	job.AssistantText = reply
	e.handoff(ctx, job)

	log.Printf("[ENGINE] Reply for conversation=%s in %s", convID, time.Since(start).Round(time.Millisecond))
	return out
}

func (e *Engine) emit(connCtx context.Context, emit EmitFunc, out *Output) {
	if emit == nil {
		return
	}
	if connCtx.Err() != nil {
		log.Printf("[ENGINE] Connection gone, not emitting output for conversation=%s", out.ConversationID)
		return
	}
	emit(out)
}

func (e *Engine) fail(connCtx context.Context, emit EmitFunc, convID string, userTurn *core.Turn, err error) *Output {
	log.Printf("[ENGINE] Message failed for conversation=%s: %v", convID, err)
	out := &Output{
		Type:           OutputError,
		ConversationID: convID,
		UserTurn:       userTurn,
		Error:          err,
	}
	e.emit(connCtx, emit, out)
	return out
}

// handoff gives the job to the writer. When the writer refuses it, the
// assistant turn is appended inline so the log stays complete; the
// reconciler backfills the missing vectors.
func (e *Engine) handoff(ctx context.Context, job memory.Job) {
	if e.writer == nil {
		e.writeback(ctx, job)
		return
	}

	err := e.writer.Submit(job)
	if err == nil {
		return
	}
	log.Printf("[ENGINE] Writer refused job for conversation=%s (%v), persisting inline", job.ConversationID, err)
	if job.AssistantText == "" {
		return
	}
	if _, err := memory.AppendWithRetry(ctx, e.store, e.config.Retry, job.ConversationID, core.RoleAssistant, job.AssistantText); err != nil {
		log.Printf("[ENGINE] Failed to persist assistant turn for conversation=%s: %v", job.ConversationID, err)
	}
}

// writeback is the inline path used when no writer is configured.
func (e *Engine) writeback(ctx context.Context, job memory.Job) {
	turns := []*core.Turn{job.UserTurn}
	vectors := [][]float32{job.UserVector}

	if job.AssistantText != "" {
		turn, err := memory.AppendWithRetry(ctx, e.store, e.config.Retry, job.ConversationID, core.RoleAssistant, job.AssistantText)
		if err != nil {
			log.Printf("[ENGINE] Failed to persist assistant turn for conversation=%s: %v", job.ConversationID, err)
		} else {
			turns = append(turns, turn)
			vectors = append(vectors, nil)
		}
	}

	if e.memory == nil {
		return
	}
	var indexed []string
	for i, turn := range turns {
		if err := e.memory.Record(ctx, job.UserID, turn, vectors[i]); err != nil {
			log.Printf("[ENGINE] Failed to index turn %s: %v", turn.ID, err)
			continue
		}
		indexed = append(indexed, turn.ID)
	}
	if len(indexed) > 0 {
		if err := e.store.MarkIndexed(ctx, indexed...); err != nil {
			log.Printf("[ENGINE] Failed to mark turns indexed: %v", err)
		}
	}
}

// DeleteConversation removes a conversation owned by userID together with
// its turns and vectors. Vectors go first so none outlives its turn.
func (e *Engine) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	var err error
	e.queue.Do(conversationID, func() {
		err = e.deleteConversation(ctx, userID, conversationID)
	})
	return err
}

func (e *Engine) deleteConversation(ctx context.Context, userID, conversationID string) error {
	if err := e.checkOwner(ctx, userID, conversationID); err != nil {
		return err
	}

	if e.writer != nil {
		if err := e.writer.Flush(ctx); err != nil {
			return fmt.Errorf("wait for pending writeback: %w", err)
		}
	}
	if e.memory != nil {
		if err := e.memory.Forget(ctx, userID, conversationID); err != nil {
			return fmt.Errorf("forget conversation %s: %w", conversationID, err)
		}
	}
	if err := e.store.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	// A reconciler sweep may have indexed a turn between Forget and the delete.
	if e.memory != nil {
		if err := e.memory.Forget(ctx, userID, conversationID); err != nil {
			log.Printf("[ENGINE] Second forget for conversation=%s failed: %v", conversationID, err)
		}
	}

	log.Printf("[ENGINE] Deleted conversation=%s for user=%s", conversationID, userID)
	return nil
}

// maxHistory caps History requests.
const maxHistory = 200

// History returns up to limit recent turns of a conversation owned by userID,
// oldest first. limit <= 0 uses the STM window.
func (e *Engine) History(ctx context.Context, userID, conversationID string, limit int) ([]core.Turn, error) {
	if err := e.checkOwner(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = e.config.STMWindow
	}
	if limit > maxHistory {
		limit = maxHistory
	}
	return e.stm.RecentTurns(ctx, conversationID, limit)
}

// checkOwner reports a foreign conversation as not found.
func (e *Engine) checkOwner(ctx context.Context, userID, conversationID string) error {
	conv, err := e.store.Conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.OwnerID != userID {
		return core.ErrConversationNotFound
	}
	return nil
}

// ActiveConversations returns the number of conversations with queued or
// running messages.
func (e *Engine) ActiveConversations() int {
	return e.queue.Len()
}

// withoutTurn removes the current turn from the window and keeps the newest n.
func withoutTurn(turns []core.Turn, id string, n int) []core.Turn {
	out := make([]core.Turn, 0, len(turns))
	for _, t := range turns {
		if t.ID != id {
			out = append(out, t)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// knownTurnIDs lists the turns already in the prompt, so LTM does not repeat them.
func knownTurnIDs(recent []core.Turn, currentID string) []string {
	ids := make([]string, 0, len(recent)+1)
	ids = append(ids, currentID)
	for _, t := range recent {
		ids = append(ids, t.ID)
	}
	return ids
}

func preview(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

// DefaultSystemPrompt is the default persona preamble.
const DefaultSystemPrompt = `You are a helpful, friendly assistant with memory.

GUIDELINES:
- Be conversational and concise
- Ask clarifying questions when needed
- Use the conversation so far to stay consistent

MEMORY:
Some messages include memories from earlier conversations with this user.
- Use them when they are relevant to the current question
- Ignore them when they are not
- Never mention how memories are stored or retrieved
- If a memory conflicts with what the user says now, trust the user`
