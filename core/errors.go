package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConversationNotFound is returned when a conversation id is unknown.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrEmptyText is returned when text to embed or persist is blank.
	ErrEmptyText = errors.New("text is empty")

	// ErrQueueFull is returned when the background writer rejects work.
	ErrQueueFull = errors.New("queue full")

	// ErrClosed is returned by components that have been shut down.
	ErrClosed = errors.New("closed")
)

// AuthError rejects a connection attempt.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "auth: " + e.Reason
}

// ValidationError reports a malformed client payload.
// The conversation it targets is left untouched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError wraps a message store failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// EmbeddingError wraps an embedding failure. Non-fatal for the reply path.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// VectorStoreError wraps a vector index failure. Non-fatal for the reply path.
type VectorStoreError struct {
	Op  string
	Err error
}

func (e *VectorStoreError) Error() string {
	return fmt.Sprintf("vector store %s: %v", e.Op, e.Err)
}

func (e *VectorStoreError) Unwrap() error { return e.Err }

// CompletionError wraps a completion service failure (timeout, quota, network).
type CompletionError struct {
	Err error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion: %v", e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// RateLimitError rejects an inbound event for a throttled user.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// PublicReason returns the text that may be shown to the client for err.
// Internal details of storage and completion failures are not exposed.
func PublicReason(err error) string {
	var (
		authErr       *AuthError
		validationErr *ValidationError
		storageErr    *StorageError
		completionErr *CompletionError
		rateErr       *RateLimitError
	)
	switch {
	case errors.As(err, &validationErr):
		return validationErr.Error()
	case errors.As(err, &authErr):
		return authErr.Error()
	case errors.As(err, &rateErr):
		return rateErr.Error()
	case errors.Is(err, ErrConversationNotFound):
		return ErrConversationNotFound.Error()
	case errors.Is(err, ErrClosed):
		return "service is shutting down"
	case errors.As(err, &storageErr):
		return "message could not be saved, please retry"
	case errors.As(err, &completionErr):
		return "assistant is unavailable, please retry"
	default:
		return "internal error"
	}
}
