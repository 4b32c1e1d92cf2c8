package memory

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/becomeliminal/nim-recall/core"
)

// RetryPolicy bounds retries of message store writes.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries a failed append three times within roughly a second.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      3,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     time.Second,
}

// AppendWithRetry appends a turn, retrying transient storage failures with
// exponential backoff. Validation failures and unknown conversations are
// returned immediately.
func AppendWithRetry(ctx context.Context, store MessageStore, policy RetryPolicy, conversationID string, role core.Role, text string) (*core.Turn, error) {
	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}
	b.MaxElapsedTime = 0 // bounded by MaxRetries

	var turn *core.Turn
	attempt := 0
	op := func() error {
		attempt++
		t, err := store.Append(ctx, conversationID, role, text)
		if err == nil {
			turn = t
			return nil
		}
		var storageErr *core.StorageError
		if !errors.As(err, &storageErr) {
			return backoff.Permanent(err)
		}
		log.Printf("[MEMORY] Append attempt %d for conversation=%s failed: %v", attempt, conversationID, err)
		return err
	}

	policyWithCtx := backoff.WithContext(backoff.WithMaxRetries(b, policy.MaxRetries), ctx)
	if err := backoff.Retry(op, policyWithCtx); err != nil {
		return nil, err
	}
	return turn, nil
}
