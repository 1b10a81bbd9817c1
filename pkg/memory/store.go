// Package memory keeps per-user long-term state: the profile record,
// append-only extracted facts, and the assembler that turns them into
// the `### USER CONTEXT` block prepended to every system prompt.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound marks lookups that matched nothing.
var ErrNotFound = errors.New("memory: not found")

// Profile is the durable identity record for a user.
type Profile struct {
	UserID     string    `json:"user_id"`
	Name       string    `json:"name,omitempty"`
	Role       string    `json:"role,omitempty"`
	Department string    `json:"department,omitempty"`
	Language   string    `json:"language,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MemoryFact is one extracted statement about a user. Facts are
// append-only: extraction writes new rows, never updates, and aging is
// handled by the memory_compact task folding old facts into the
// profile notes.
type MemoryFact struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Content    string    `json:"content"`
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store keeps profiles and facts in the shared relational database.
type Store struct {
	db      *sql.DB
	dialect string
}

const (
	createUsersTableSQL = `
CREATE TABLE IF NOT EXISTS users (
    user_id VARCHAR(255) NOT NULL PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    role VARCHAR(255) NOT NULL,
    department VARCHAR(255) NOT NULL,
    language VARCHAR(16) NOT NULL,
    notes TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

	createFactsTableSQL = `
CREATE TABLE IF NOT EXISTS memory_facts (
    id VARCHAR(64) NOT NULL PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    content TEXT NOT NULL,
    source VARCHAR(64) NOT NULL,
    confidence REAL NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memory_facts_user ON memory_facts(user_id, created_at);
`

	createFactsTableMySQL = `
CREATE TABLE IF NOT EXISTS memory_facts (
    id VARCHAR(64) NOT NULL PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    content TEXT NOT NULL,
    source VARCHAR(64) NOT NULL,
    confidence REAL NOT NULL,
    created_at TIMESTAMP NOT NULL,
    KEY idx_memory_facts_user (user_id, created_at)
);
`
)

func NewStore(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite3)", dialect)
	}

	s := &Store{db: db, dialect: dialect}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	factsSQL := createFactsTableSQL
	if dialect == "mysql" {
		factsSQL = createFactsTableMySQL
	}
	if _, err := db.ExecContext(ctx, createUsersTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create users table: %w", err)
	}
	if _, err := db.ExecContext(ctx, factsSQL); err != nil {
		return nil, fmt.Errorf("failed to create memory_facts table: %w", err)
	}
	return s, nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	query := `SELECT user_id, name, role, department, language, notes, created_at, updated_at FROM users WHERE user_id = ?`
	if s.dialect == "postgres" {
		query = `SELECT user_id, name, role, department, language, notes, created_at, updated_at FROM users WHERE user_id = $1`
	}

	var p Profile
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&p.UserID, &p.Name, &p.Role, &p.Department, &p.Language, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %s: %w", userID, err)
	}
	return &p, nil
}

// SaveProfile inserts or replaces the profile record.
func (s *Store) SaveProfile(ctx context.Context, p *Profile) error {
	if p == nil || p.UserID == "" {
		return fmt.Errorf("profile with a user id is required")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	query := `
INSERT INTO users (user_id, name, role, department, language, notes, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    name = excluded.name,
    role = excluded.role,
    department = excluded.department,
    language = excluded.language,
    notes = excluded.notes,
    updated_at = excluded.updated_at
`
	switch s.dialect {
	case "postgres":
		query = `
INSERT INTO users (user_id, name, role, department, language, notes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (user_id) DO UPDATE SET
    name = EXCLUDED.name,
    role = EXCLUDED.role,
    department = EXCLUDED.department,
    language = EXCLUDED.language,
    notes = EXCLUDED.notes,
    updated_at = EXCLUDED.updated_at
`
	case "mysql":
		query = `
INSERT INTO users (user_id, name, role, department, language, notes, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    name = VALUES(name),
    role = VALUES(role),
    department = VALUES(department),
    language = VALUES(language),
    notes = VALUES(notes),
    updated_at = VALUES(updated_at)
`
	}

	_, err := s.db.ExecContext(ctx, query,
		p.UserID, p.Name, p.Role, p.Department, p.Language, p.Notes, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save profile %s: %w", p.UserID, err)
	}
	return nil
}

// AppendFact writes one fact. Facts are never updated in place.
func (s *Store) AppendFact(ctx context.Context, fact *MemoryFact) error {
	if fact == nil {
		return fmt.Errorf("fact cannot be nil")
	}
	if fact.UserID == "" || fact.Content == "" {
		return fmt.Errorf("fact requires a user id and content")
	}
	if fact.Confidence < 0 || fact.Confidence > 1 {
		return fmt.Errorf("fact confidence must be in [0, 1], got %f", fact.Confidence)
	}
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO memory_facts (id, user_id, content, source, confidence, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query = `INSERT INTO memory_facts (id, user_id, content, source, confidence, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	}
	_, err := s.db.ExecContext(ctx, query,
		fact.ID, fact.UserID, fact.Content, fact.Source, fact.Confidence, fact.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append fact: %w", err)
	}
	return nil
}

// factPoolFactor bounds how many recent rows are loaded before scoring.
const factPoolFactor = 5

// TopFacts returns the k facts with the best recency × confidence
// score. Recency decays with a one-week half-life, so a confident but
// stale fact eventually loses to a fresh observation.
func (s *Store) TopFacts(ctx context.Context, userID string, k int) ([]*MemoryFact, error) {
	if k <= 0 {
		return nil, nil
	}

	query := `
SELECT id, user_id, content, source, confidence, created_at
FROM memory_facts WHERE user_id = ?
ORDER BY created_at DESC LIMIT ?`
	if s.dialect == "postgres" {
		query = `
SELECT id, user_id, content, source, confidence, created_at
FROM memory_facts WHERE user_id = $1
ORDER BY created_at DESC LIMIT $2`
	}

	rows, err := s.db.QueryContext(ctx, query, userID, k*factPoolFactor)
	if err != nil {
		return nil, fmt.Errorf("failed to load facts: %w", err)
	}
	defer rows.Close()

	var facts []*MemoryFact
	for rows.Next() {
		var f MemoryFact
		if err := rows.Scan(&f.ID, &f.UserID, &f.Content, &f.Source, &f.Confidence, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sort.SliceStable(facts, func(i, j int) bool {
		si, sj := factScore(facts[i], now), factScore(facts[j], now)
		if si != sj {
			return si > sj
		}
		return facts[i].CreatedAt.After(facts[j].CreatedAt)
	})
	if len(facts) > k {
		facts = facts[:k]
	}
	return facts, nil
}

const factHalfLife = 7 * 24 * time.Hour

func factScore(f *MemoryFact, now time.Time) float64 {
	age := now.Sub(f.CreatedAt)
	if age < 0 {
		age = 0
	}
	decay := math.Exp2(-float64(age) / float64(factHalfLife))
	return f.Confidence * decay
}

// FactsBefore returns up to limit facts older than cutoff, oldest
// first. The memory_compact task reads these before deleting them.
func (s *Store) FactsBefore(ctx context.Context, userID string, cutoff time.Time, limit int) ([]*MemoryFact, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT id, user_id, content, source, confidence, created_at
FROM memory_facts WHERE user_id = ? AND created_at < ?
ORDER BY created_at ASC LIMIT ?`
	if s.dialect == "postgres" {
		query = `
SELECT id, user_id, content, source, confidence, created_at
FROM memory_facts WHERE user_id = $1 AND created_at < $2
ORDER BY created_at ASC LIMIT $3`
	}

	rows, err := s.db.QueryContext(ctx, query, userID, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load aged facts: %w", err)
	}
	defer rows.Close()

	var facts []*MemoryFact
	for rows.Next() {
		var f MemoryFact
		if err := rows.Scan(&f.ID, &f.UserID, &f.Content, &f.Source, &f.Confidence, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, &f)
	}
	return facts, rows.Err()
}

// DeleteFactsBefore removes facts older than cutoff; the memory_compact
// task calls this after folding them into the profile notes.
func (s *Store) DeleteFactsBefore(ctx context.Context, userID string, cutoff time.Time) (int64, error) {
	query := `DELETE FROM memory_facts WHERE user_id = ? AND created_at < ?`
	if s.dialect == "postgres" {
		query = `DELETE FROM memory_facts WHERE user_id = $1 AND created_at < $2`
	}
	res, err := s.db.ExecContext(ctx, query, userID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete aged facts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListUserIDs returns every user with at least one stored fact, for the
// compaction task.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM memory_facts`)
	if err != nil {
		return nil, fmt.Errorf("failed to list fact owners: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
