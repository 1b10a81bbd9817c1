// Package session persists conversations and their ephemeral state.
//
// Three pieces with different durability: ConversationStore keeps turns
// in the relational database (append-only, the durable record),
// SessionStore keeps short-lived scratchpad state in Redis (TTL-bounded,
// never authoritative), and ConversationLocks serializes concurrent
// requests on one conversation.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound marks lookups that matched nothing.
var ErrNotFound = errors.New("session: not found")

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Conversation is the durable header row; turns hang off it.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Turn is one utterance. Seq is assigned by AppendTurn and is strictly
// monotonic within a conversation; rows are never updated or deleted.
type Turn struct {
	ConversationID string         `json:"conversation_id"`
	Seq            int64          `json:"seq"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	// ToolName and Metadata are set on tool observation turns and on
	// assistant turns that carry terminal tags (truncated, cancelled).
	ToolName  string         `json:"tool_name,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (t *Turn) validate() error {
	switch t.Role {
	case RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid turn role: %q", t.Role)
	}
	if t.Role == RoleTool && t.ToolName == "" {
		return fmt.Errorf("tool turns require a tool name")
	}
	return nil
}

// ConversationStore keeps conversations in the shared relational
// database. The handle is owned by the runtime's pool.
type ConversationStore struct {
	db      *sql.DB
	dialect string
}

const (
	createConversationsTableSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    id VARCHAR(64) NOT NULL PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    summary TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);
`

	createTurnsTableSQL = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    conversation_id VARCHAR(64) NOT NULL,
    seq BIGINT NOT NULL,
    role VARCHAR(16) NOT NULL,
    content TEXT NOT NULL,
    tool_name VARCHAR(128) NOT NULL,
    metadata TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (conversation_id, seq)
);
`

	createConversationsTableMySQL = `
CREATE TABLE IF NOT EXISTS conversations (
    id VARCHAR(64) NOT NULL PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    summary TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    KEY idx_conversations_user (user_id, updated_at)
);
`
)

func NewConversationStore(db *sql.DB, dialect string) (*ConversationStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite3)", dialect)
	}

	s := &ConversationStore{db: db, dialect: dialect}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conversationsSQL := createConversationsTableSQL
	if dialect == "mysql" {
		conversationsSQL = createConversationsTableMySQL
	}
	if _, err := db.ExecContext(ctx, conversationsSQL); err != nil {
		return nil, fmt.Errorf("failed to create conversations table: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTurnsTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create conversation_turns table: %w", err)
	}
	return s, nil
}

// Create inserts a conversation header. Creating an existing id fails.
func (s *ConversationStore) Create(ctx context.Context, id, userID string) (*Conversation, error) {
	if id == "" {
		return nil, fmt.Errorf("conversation id cannot be empty")
	}
	now := time.Now().UTC()
	query := `INSERT INTO conversations (id, user_id, summary, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query = `INSERT INTO conversations (id, user_id, summary, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`
	}
	if _, err := s.db.ExecContext(ctx, query, id, userID, "", now, now); err != nil {
		return nil, fmt.Errorf("failed to create conversation %s: %w", id, err)
	}
	return &Conversation{ID: id, UserID: userID, CreatedAt: now, UpdatedAt: now}, nil
}

// Ensure returns the conversation, creating it on first use.
func (s *ConversationStore) Ensure(ctx context.Context, id, userID string) (*Conversation, error) {
	conv, err := s.Get(ctx, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.Create(ctx, id, userID)
}

func (s *ConversationStore) Get(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT id, user_id, summary, created_at, updated_at FROM conversations WHERE id = ?`
	if s.dialect == "postgres" {
		query = `SELECT id, user_id, summary, created_at, updated_at FROM conversations WHERE id = $1`
	}

	var conv Conversation
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.UserID, &conv.Summary, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	return &conv, nil
}

// AppendTurn writes a turn with the next sequence number and returns
// it. The read-increment-insert runs in one transaction so concurrent
// appends on the same conversation cannot mint the same seq; callers
// additionally hold the conversation lock, which makes contention here
// a bug rather than a hot path.
func (s *ConversationStore) AppendTurn(ctx context.Context, turn *Turn) (int64, error) {
	if turn == nil {
		return 0, fmt.Errorf("turn cannot be nil")
	}
	if err := turn.validate(); err != nil {
		return 0, err
	}

	metadata, err := json.Marshal(turn.Metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to encode turn metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seqQuery := `SELECT COALESCE(MAX(seq), 0) FROM conversation_turns WHERE conversation_id = ?`
	if s.dialect == "postgres" {
		seqQuery = `SELECT COALESCE(MAX(seq), 0) FROM conversation_turns WHERE conversation_id = $1`
	}
	var last int64
	if err := tx.QueryRowContext(ctx, seqQuery, turn.ConversationID).Scan(&last); err != nil {
		return 0, fmt.Errorf("failed to read last turn seq: %w", err)
	}
	seq := last + 1

	now := time.Now().UTC()
	insert := `INSERT INTO conversation_turns (conversation_id, seq, role, content, tool_name, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		insert = `INSERT INTO conversation_turns (conversation_id, seq, role, content, tool_name, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	}
	if _, err := tx.ExecContext(ctx, insert,
		turn.ConversationID, seq, turn.Role, turn.Content, turn.ToolName, string(metadata), now); err != nil {
		return 0, fmt.Errorf("failed to append turn: %w", err)
	}

	touch := `UPDATE conversations SET updated_at = ? WHERE id = ?`
	if s.dialect == "postgres" {
		touch = `UPDATE conversations SET updated_at = $1 WHERE id = $2`
	}
	if _, err := tx.ExecContext(ctx, touch, now, turn.ConversationID); err != nil {
		return 0, fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit turn: %w", err)
	}
	turn.Seq = seq
	turn.CreatedAt = now
	return seq, nil
}

// Recent returns the last k turns in chronological order.
func (s *ConversationStore) Recent(ctx context.Context, conversationID string, k int) ([]*Turn, error) {
	if k <= 0 {
		return nil, nil
	}
	query := `
SELECT conversation_id, seq, role, content, tool_name, metadata, created_at
FROM conversation_turns WHERE conversation_id = ?
ORDER BY seq DESC LIMIT ?`
	if s.dialect == "postgres" {
		query = `
SELECT conversation_id, seq, role, content, tool_name, metadata, created_at
FROM conversation_turns WHERE conversation_id = $1
ORDER BY seq DESC LIMIT $2`
	}

	rows, err := s.db.QueryContext(ctx, query, conversationID, k)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		var turn Turn
		var metadata string
		if err := rows.Scan(&turn.ConversationID, &turn.Seq, &turn.Role, &turn.Content,
			&turn.ToolName, &metadata, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if metadata != "" && metadata != "null" {
			if err := json.Unmarshal([]byte(metadata), &turn.Metadata); err != nil {
				return nil, fmt.Errorf("corrupt metadata on turn %d: %w", turn.Seq, err)
			}
		}
		turns = append(turns, &turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Flip newest-first to chronological.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// UpdateSummary replaces the rolling summary.
func (s *ConversationStore) UpdateSummary(ctx context.Context, conversationID, summary string) error {
	query := `UPDATE conversations SET summary = ?, updated_at = ? WHERE id = ?`
	if s.dialect == "postgres" {
		query = `UPDATE conversations SET summary = $1, updated_at = $2 WHERE id = $3`
	}
	res, err := s.db.ExecContext(ctx, query, summary, time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to update summary: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return nil
}
