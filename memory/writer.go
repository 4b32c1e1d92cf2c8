package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/becomeliminal/nim-recall/core"
)

// Job is the memory writeback of one orchestrated message.
type Job struct {
	UserID         string
	ConversationID string

	// UserTurn is already persisted; only its vector is written.
	UserTurn *core.Turn
	// UserVector is the embedding computed during retrieval, nil if it failed.
	UserVector []float32

	// AssistantText is appended as the assistant turn. Empty means the
	// completion failed and no assistant turn exists.
	AssistantText string
}

// JobResult reports the outcome of one job.
type JobResult struct {
	Job           Job
	AssistantTurn *core.Turn
	Indexed       int
	Err           error
}

// WriterConfig configures the background writer.
type WriterConfig struct {
	// QueueSize bounds queued jobs. Submit rejects the newest job past it.
	QueueSize int

	// Workers is the number of goroutines draining the queue.
	Workers int

	// JobTimeout bounds a single job.
	JobTimeout time.Duration

	// Retry governs assistant turn appends.
	Retry RetryPolicy

	// OnResult, when set, observes every finished job.
	OnResult func(JobResult)
}

// DefaultWriterConfig returns sensible defaults.
var DefaultWriterConfig = WriterConfig{
	QueueSize:  256,
	Workers:    4,
	JobTimeout: 30 * time.Second,
	Retry:      DefaultRetryPolicy,
}

// WriterStats counts jobs by outcome.
type WriterStats struct {
	Submitted uint64
	Rejected  uint64
	Completed uint64
	Failed    uint64
}

// Writer persists and indexes turns after the reply has been sent.
// Work flows through a bounded queue so bursts cannot grow without limit,
// and every job's outcome is counted and logged.
type Writer struct {
	store   MessageStore
	manager Manager
	config  WriterConfig

	queue chan *writeJob
	wg    sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	pending   int
	idle      chan struct{}
	persisted map[string]chan struct{} // conversation -> latest job's append barrier

	submitted atomic.Uint64
	rejected  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

type writeJob struct {
	Job
	persisted chan struct{}
}

// NewWriter creates a writer and starts its workers.
func NewWriter(store MessageStore, manager Manager, config WriterConfig) *Writer {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultWriterConfig.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWriterConfig.Workers
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = DefaultWriterConfig.JobTimeout
	}

	w := &Writer{
		store:     store,
		manager:   manager,
		config:    config,
		queue:     make(chan *writeJob, config.QueueSize),
		persisted: make(map[string]chan struct{}),
	}
	for i := 0; i < config.Workers; i++ {
		w.wg.Add(1)
		go w.work()
	}
	return w
}

// Submit enqueues a job without blocking.
// It returns core.ErrQueueFull when the queue is at capacity.
func (w *Writer) Submit(job Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return core.ErrClosed
	}

	j := &writeJob{Job: job, persisted: make(chan struct{})}
	select {
	case w.queue <- j:
	default:
		w.rejected.Add(1)
		log.Printf("[WRITER] Queue full (%d), rejecting job for conversation=%s", cap(w.queue), job.ConversationID)
		return core.ErrQueueFull
	}

	w.submitted.Add(1)
	if w.pending == 0 {
		w.idle = make(chan struct{})
	}
	w.pending++
	w.persisted[job.ConversationID] = j.persisted
	return nil
}

// AwaitPersisted blocks until the most recently submitted job of the
// conversation has appended its assistant turn (or given up).
func (w *Writer) AwaitPersisted(ctx context.Context, conversationID string) error {
	w.mu.Lock()
	ch := w.persisted[conversationID]
	w.mu.Unlock()

	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush blocks until every submitted job has finished.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.pending == 0 {
		w.mu.Unlock()
		return nil
	}
	idle := w.idle
	w.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns job counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Submitted: w.submitted.Load(),
		Rejected:  w.rejected.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
	}
}

// Close stops accepting jobs, drains the queue and waits for the workers.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		stats := w.Stats()
		log.Printf("[WRITER] Closed: submitted=%d completed=%d failed=%d rejected=%d",
			stats.Submitted, stats.Completed, stats.Failed, stats.Rejected)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("writer drain: %w", ctx.Err())
	}
}

func (w *Writer) work() {
	defer w.wg.Done()
	for j := range w.queue {
		w.process(j)
	}
}

func (w *Writer) process(j *writeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), w.config.JobTimeout)
	defer cancel()

	result := JobResult{Job: j.Job}

	type pendingVector struct {
		turn   *core.Turn
		vector []float32
	}
	var toIndex []pendingVector
	if j.UserTurn != nil {
		toIndex = append(toIndex, pendingVector{turn: j.UserTurn, vector: j.UserVector})
	}

	if j.AssistantText != "" {
		turn, err := AppendWithRetry(ctx, w.store, w.config.Retry, j.ConversationID, core.RoleAssistant, j.AssistantText)
		if err != nil {
			result.Err = fmt.Errorf("append assistant turn: %w", err)
			log.Printf("[WRITER] Failed to persist assistant turn for conversation=%s: %v", j.ConversationID, err)
		} else {
			result.AssistantTurn = turn
			toIndex = append(toIndex, pendingVector{turn: turn})
		}
	}
	w.releasePersisted(j)

	// Vectors are only written for turns that exist in the log.
	var indexed []string
	var indexErrs []error
	for _, p := range toIndex {
		if err := w.manager.Record(ctx, j.UserID, p.turn, p.vector); err != nil {
			indexErrs = append(indexErrs, err)
			log.Printf("[WRITER] Failed to index turn %s: %v", p.turn.ID, err)
			continue
		}
		indexed = append(indexed, p.turn.ID)
	}
	if len(indexed) > 0 {
		if err := w.store.MarkIndexed(ctx, indexed...); err != nil {
			indexErrs = append(indexErrs, err)
			log.Printf("[WRITER] Failed to mark turns indexed: %v", err)
		}
	}
	result.Indexed = len(indexed)
	if result.Err == nil && len(indexErrs) > 0 {
		result.Err = errors.Join(indexErrs...)
	}

	if result.Err != nil {
		w.failed.Add(1)
	} else {
		w.completed.Add(1)
		log.Printf("[WRITER] Job done for conversation=%s: indexed %d turns", j.ConversationID, len(indexed))
	}

	if w.config.OnResult != nil {
		w.config.OnResult(result)
	}
	w.finish()
}

func (w *Writer) releasePersisted(j *writeJob) {
	close(j.persisted)

	w.mu.Lock()
	if w.persisted[j.ConversationID] == j.persisted {
		delete(w.persisted, j.ConversationID)
	}
	w.mu.Unlock()
}

func (w *Writer) finish() {
	w.mu.Lock()
	w.pending--
	if w.pending == 0 {
		close(w.idle)
	}
	w.mu.Unlock()
}
