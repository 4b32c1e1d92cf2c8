// Package sqlite implements the message log on SQLite (modernc.org/sqlite,
// pure Go, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	last_activity TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	role TEXT NOT NULL,
	text TEXT NOT NULL,
	created_at TEXT NOT NULL,
	indexed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS turns_conversation_seq ON turns(conversation_id, seq);
CREATE INDEX IF NOT EXISTS turns_unindexed ON turns(indexed, seq);
`

// timeLayout sorts lexically, so created_at comparisons work in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite-backed memory.MessageStore.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ memory.MessageStore = (*Store)(nil)

// Open opens (or creates) a SQLite database and initializes the schema.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		// Enable WAL mode for better concurrent access
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.Printf("[SQLITE] Message store ready at %s", path)
	return &Store{db: db}, nil
}

// EnsureConversation returns the conversation, creating it for ownerID on first use.
func (s *Store) EnsureConversation(ctx context.Context, conversationID, ownerID string) (*core.Conversation, error) {
	if conversationID == "" {
		return nil, &core.ValidationError{Field: "conversationId", Reason: "must not be empty"}
	}
	if ownerID == "" {
		return nil, &core.ValidationError{Field: "userId", Reason: "must not be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, owner_id, created_at, last_activity)
		 VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		conversationID, ownerID, now, now,
	)
	if err != nil {
		return nil, &core.StorageError{Op: "ensure conversation", Err: err}
	}

	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != ownerID {
		// Do not reveal that the id exists.
		return nil, &core.ValidationError{Field: "conversationId", Reason: "not available"}
	}
	return conv, nil
}

// Conversation returns one conversation.
func (s *Store) Conversation(ctx context.Context, conversationID string) (*core.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversation(ctx, conversationID)
}

func (s *Store) conversation(ctx context.Context, conversationID string) (*core.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, created_at, last_activity FROM conversations WHERE id = ?`,
		conversationID,
	)

	var c core.Conversation
	var createdAt, lastActivity string
	if err := row.Scan(&c.ID, &c.OwnerID, &createdAt, &lastActivity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrConversationNotFound
		}
		return nil, &core.StorageError{Op: "get conversation", Err: err}
	}
	c.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	c.LastActivity, _ = time.Parse(timeLayout, lastActivity)
	return &c, nil
}

// Append inserts a new turn and bumps the conversation's last activity.
func (s *Store) Append(ctx context.Context, conversationID string, role core.Role, text string) (*core.Turn, error) {
	if !role.Valid() {
		return nil, &core.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	if strings.TrimSpace(text) == "" {
		return nil, &core.ValidationError{Field: "text", Reason: core.ErrEmptyText.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	turn := &core.Turn{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}
	createdAt := turn.CreatedAt.Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &core.StorageError{Op: "append", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_activity = ? WHERE id = ?`,
		createdAt, conversationID,
	)
	if err != nil {
		return nil, &core.StorageError{Op: "append", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, core.ErrConversationNotFound
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO turns (id, conversation_id, role, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		turn.ID, conversationID, string(role), text, createdAt,
	)
	if err != nil {
		return nil, &core.StorageError{Op: "append", Err: err}
	}
	if turn.Seq, err = res.LastInsertId(); err != nil {
		return nil, &core.StorageError{Op: "append", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &core.StorageError{Op: "append", Err: err}
	}
	return turn, nil
}

// Find reads turns of one conversation.
func (s *Store) Find(ctx context.Context, conversationID string, opts memory.FindOptions) ([]core.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT seq, id, conversation_id, role, text, created_at FROM turns WHERE conversation_id = ?`
	if opts.Order == memory.NewestFirst {
		query += ` ORDER BY seq DESC`
	} else {
		query += ` ORDER BY seq ASC`
	}
	args := []interface{}{conversationID}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &core.StorageError{Op: "find", Err: err}
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, &core.StorageError{Op: "find", Err: err}
	}
	return turns, nil
}

// DeleteConversation removes the conversation and its turns in one transaction.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &core.StorageError{Op: "delete conversation", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, conversationID); err != nil {
		return &core.StorageError{Op: "delete conversation", Err: err}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID)
	if err != nil {
		return &core.StorageError{Op: "delete conversation", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrConversationNotFound
	}

	if err := tx.Commit(); err != nil {
		return &core.StorageError{Op: "delete conversation", Err: err}
	}
	return nil
}

// Unindexed lists turns without vectors created before olderThan, oldest first.
func (s *Store) Unindexed(ctx context.Context, olderThan time.Time, limit int) ([]memory.PendingTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT t.seq, t.id, t.conversation_id, t.role, t.text, t.created_at, c.owner_id
		 FROM turns t JOIN conversations c ON c.id = t.conversation_id
		 WHERE t.indexed = 0 AND t.created_at <= ?
		 ORDER BY t.seq ASC LIMIT ?`,
		olderThan.UTC().Format(timeLayout), limit,
	)
	if err != nil {
		return nil, &core.StorageError{Op: "unindexed", Err: err}
	}
	defer rows.Close()

	var out []memory.PendingTurn
	for rows.Next() {
		var p memory.PendingTurn
		var role, createdAt string
		if err := rows.Scan(&p.Turn.Seq, &p.Turn.ID, &p.Turn.ConversationID, &role, &p.Turn.Text, &createdAt, &p.OwnerID); err != nil {
			return nil, &core.StorageError{Op: "unindexed", Err: err}
		}
		p.Turn.Role = core.Role(role)
		p.Turn.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.StorageError{Op: "unindexed", Err: err}
	}
	return out, nil
}

// MarkIndexed flags turns as present in the vector index.
func (s *Store) MarkIndexed(ctx context.Context, turnIDs ...string) error {
	if len(turnIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(turnIDs)), ",")
	args := make([]interface{}, len(turnIDs))
	for i, id := range turnIDs {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE turns SET indexed = 1 WHERE id IN (`+placeholders+`)`, args...,
	); err != nil {
		return &core.StorageError{Op: "mark indexed", Err: err}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// scanTurns reads rows into Turn slices.
func scanTurns(rows *sql.Rows) ([]core.Turn, error) {
	var turns []core.Turn
	for rows.Next() {
		var t core.Turn
		var role, createdAt string
		if err := rows.Scan(&t.Seq, &t.ID, &t.ConversationID, &role, &t.Text, &createdAt); err != nil {
			return nil, err
		}
		t.Role = core.Role(role)
		t.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
