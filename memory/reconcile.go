package memory

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/becomeliminal/nim-recall/core"
)

// ReconcilerConfig configures the vector backfill sweep.
type ReconcilerConfig struct {
	// Schedule is a cron spec such as "@every 5m". Empty disables the sweep.
	Schedule string

	// Grace skips turns younger than this; the writer is probably still on them.
	Grace time.Duration

	// BatchSize bounds the turns handled per sweep.
	BatchSize int
}

// DefaultReconcilerConfig returns sensible defaults.
var DefaultReconcilerConfig = ReconcilerConfig{
	Schedule:  "@every 5m",
	Grace:     2 * time.Minute,
	BatchSize: 200,
}

// Reconciler backfills vectors for persisted turns the writer could not
// index (embedding outage, rejected job, crash). It is best-effort: LTM is
// advisory, so a turn missing from the index only reduces recall.
type Reconciler struct {
	store   MessageStore
	manager Manager
	config  ReconcilerConfig

	cron *cron.Cron
	mu   sync.Mutex // one sweep at a time
}

// NewReconciler creates a reconciler.
func NewReconciler(store MessageStore, manager Manager, config ReconcilerConfig) *Reconciler {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultReconcilerConfig.BatchSize
	}
	return &Reconciler{
		store:   store,
		manager: manager,
		config:  config,
		cron:    cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start schedules the sweep. It is a no-op when Schedule is empty.
func (r *Reconciler) Start() error {
	if r.config.Schedule == "" {
		log.Println("[RECONCILE] No schedule set, vector backfill disabled")
		return nil
	}

	_, err := r.cron.AddFunc(r.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := r.Sweep(ctx); err != nil {
			log.Printf("[RECONCILE] Sweep failed: %v", err)
		}
	})
	if err != nil {
		return err
	}

	r.cron.Start()
	log.Printf("[RECONCILE] Started, schedule=%q", r.config.Schedule)
	return nil
}

// Stop waits for a running sweep and stops the schedule.
func (r *Reconciler) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	log.Println("[RECONCILE] Stopped")
}

// Sweep indexes one batch of unindexed turns and returns how many succeeded.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending, err := r.store.Unindexed(ctx, time.Now().Add(-r.config.Grace), r.config.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	var indexed []string
	for i := range pending {
		p := &pending[i]
		if err := r.manager.Record(ctx, p.OwnerID, &p.Turn, nil); err != nil {
			log.Printf("[RECONCILE] Turn %s still not indexed: %v", p.Turn.ID, err)
			continue
		}
		// The conversation may have been deleted while the turn was embedding.
		if _, err := r.store.Conversation(ctx, p.Turn.ConversationID); errors.Is(err, core.ErrConversationNotFound) {
			log.Printf("[RECONCILE] Conversation %s deleted during sweep, dropping vector of turn %s", p.Turn.ConversationID, p.Turn.ID)
			if err := r.manager.Forget(ctx, p.OwnerID, p.Turn.ConversationID); err != nil {
				log.Printf("[RECONCILE] Failed to forget conversation %s: %v", p.Turn.ConversationID, err)
			}
			continue
		}
		indexed = append(indexed, p.Turn.ID)
	}

	if len(indexed) > 0 {
		if err := r.store.MarkIndexed(ctx, indexed...); err != nil {
			return 0, err
		}
	}

	log.Printf("[RECONCILE] Backfilled %d of %d unindexed turns", len(indexed), len(pending))
	return len(indexed), nil
}
