package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStore implements Store on the shared relational database. The
// handle is owned by the runtime's pool, so Close here releases nothing.
type SQLStore struct {
	db       *sql.DB
	dialect  string
	maxDepth int
	maxNodes int
}

const (
	createEntitiesTableSQL = `
CREATE TABLE IF NOT EXISTS kg_entities (
    id VARCHAR(255) NOT NULL PRIMARY KEY,
    entity_type VARCHAR(64) NOT NULL,
    name VARCHAR(512) NOT NULL,
    name_lower VARCHAR(512) NOT NULL,
    description TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_kg_entities_name ON kg_entities(name_lower, entity_type);
`

	createRelationshipsTableSQL = `
CREATE TABLE IF NOT EXISTS kg_relationships (
    source_id VARCHAR(255) NOT NULL,
    target_id VARCHAR(255) NOT NULL,
    rel_type VARCHAR(64) NOT NULL,
    strength REAL NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (source_id, target_id, rel_type)
);

CREATE INDEX IF NOT EXISTS idx_kg_relationships_target ON kg_relationships(target_id);
`

	// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes are declared
	// inline on the table.
	createEntitiesTableMySQL = `
CREATE TABLE IF NOT EXISTS kg_entities (
    id VARCHAR(255) NOT NULL PRIMARY KEY,
    entity_type VARCHAR(64) NOT NULL,
    name VARCHAR(512) NOT NULL,
    name_lower VARCHAR(512) NOT NULL,
    description TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    KEY idx_kg_entities_name (name_lower, entity_type)
);
`

	createRelationshipsTableMySQL = `
CREATE TABLE IF NOT EXISTS kg_relationships (
    source_id VARCHAR(255) NOT NULL,
    target_id VARCHAR(255) NOT NULL,
    rel_type VARCHAR(64) NOT NULL,
    strength REAL NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (source_id, target_id, rel_type),
    KEY idx_kg_relationships_target (target_id)
);
`
)

func NewSQLStore(db *sql.DB, dialect string, maxDepth, maxNodes int) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite3":

	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite3)", dialect)
	}

	if maxDepth <= 0 {
		maxDepth = 2
	}
	if maxDepth > MaxTraversalDepth {
		maxDepth = MaxTraversalDepth
	}
	if maxNodes <= 0 {
		maxNodes = defaultMaxNodes
	}

	s := &SQLStore{
		db:       db,
		dialect:  dialect,
		maxDepth: maxDepth,
		maxNodes: maxNodes,
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entitiesSQL := createEntitiesTableSQL
	relationshipsSQL := createRelationshipsTableSQL
	if s.dialect == "mysql" {
		entitiesSQL = createEntitiesTableMySQL
		relationshipsSQL = createRelationshipsTableMySQL
	}

	if _, err := s.db.ExecContext(ctx, entitiesSQL); err != nil {
		return fmt.Errorf("failed to create kg_entities table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, relationshipsSQL); err != nil {
		return fmt.Errorf("failed to create kg_relationships table: %w", err)
	}

	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx, so lookups can run
// inside or outside a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const entityColumns = `id, entity_type, name, description`

func (s *SQLStore) getEntity(ctx context.Context, q querier, id string) (*Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM kg_entities WHERE id = ?`
	if s.dialect == "postgres" {
		query = `SELECT ` + entityColumns + ` FROM kg_entities WHERE id = $1`
	}

	var e Entity
	err := q.QueryRowContext(ctx, query, id).Scan(&e.ID, &e.Type, &e.Name, &e.Description)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query entity: %w", err)
	}

	return &e, nil
}

func (s *SQLStore) getEntityByNameType(ctx context.Context, q querier, nameLower, entityType string) (*Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM kg_entities WHERE name_lower = ? AND entity_type = ? LIMIT 1`
	if s.dialect == "postgres" {
		query = `SELECT ` + entityColumns + ` FROM kg_entities WHERE name_lower = $1 AND entity_type = $2 LIMIT 1`
	}

	var e Entity
	err := q.QueryRowContext(ctx, query, nameLower, entityType).Scan(&e.ID, &e.Type, &e.Name, &e.Description)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity named %s: %w", nameLower, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query entity by name: %w", err)
	}

	return &e, nil
}

func (s *SQLStore) UpsertEntity(ctx context.Context, e *Entity) (*Entity, error) {
	if e == nil {
		return nil, fmt.Errorf("entity cannot be nil")
	}

	ent := *e
	ent.Name = strings.TrimSpace(ent.Name)
	derivedID := ent.ID == ""
	if derivedID {
		ent.ID = NormalizeID(ent.Name)
	} else {
		ent.ID = NormalizeID(ent.ID)
	}
	if err := ent.Validate(); err != nil {
		return nil, err
	}
	if ent.ID == "" {
		return nil, fmt.Errorf("entity id cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	existing, err := s.resolveEntityTx(ctx, tx, &ent, derivedID)
	if err != nil {
		return nil, err
	}

	nameLower := strings.ToLower(ent.Name)
	now := time.Now()

	if existing != nil {
		// Merge into the surviving row. A blank incoming description
		// never erases a stored one.
		ent.ID = existing.ID
		if ent.Description == "" {
			ent.Description = existing.Description
		}

		update := `UPDATE kg_entities SET entity_type = ?, name = ?, name_lower = ?, description = ?, updated_at = ? WHERE id = ?`
		if s.dialect == "postgres" {
			update = `UPDATE kg_entities SET entity_type = $1, name = $2, name_lower = $3, description = $4, updated_at = $5 WHERE id = $6`
		}
		if _, err = tx.ExecContext(ctx, update, ent.Type, ent.Name, nameLower, ent.Description, now, ent.ID); err != nil {
			return nil, fmt.Errorf("failed to update entity: %w", err)
		}
	} else {
		insert := `INSERT INTO kg_entities (id, entity_type, name, name_lower, description, updated_at) VALUES (?, ?, ?, ?, ?, ?)`
		if s.dialect == "postgres" {
			insert = `INSERT INTO kg_entities (id, entity_type, name, name_lower, description, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`
		}
		if _, err = tx.ExecContext(ctx, insert, ent.ID, ent.Type, ent.Name, nameLower, ent.Description, now); err != nil {
			return nil, fmt.Errorf("failed to insert entity: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit entity: %w", err)
	}

	return &ent, nil
}

// resolveEntityTx finds the row an upsert should land on, nil meaning a
// fresh insert. An explicit id matches by id first, then by
// case-insensitive name and type. A derived id matches by name and type
// first; when the derived id is already taken by an entity of another
// type, a fresh type-suffixed id is minted so distinct entities never
// merge across types.
func (s *SQLStore) resolveEntityTx(ctx context.Context, tx *sql.Tx, ent *Entity, derivedID bool) (*Entity, error) {
	if !derivedID {
		existing, err := s.getEntity(ctx, tx, ent.ID)
		if err == nil {
			return existing, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	}

	existing, err := s.getEntityByNameType(ctx, tx, strings.ToLower(ent.Name), ent.Type)
	if err == nil {
		return existing, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	if !derivedID {
		return nil, nil
	}

	existing, err = s.getEntity(ctx, tx, ent.ID)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.Type == ent.Type {
		// Same derived id and type with a spelling variant of the name.
		return existing, nil
	}

	base := ent.ID + "_" + strings.ToLower(ent.Type)
	candidate := base
	for i := 2; ; i++ {
		_, err := s.getEntity(ctx, tx, candidate)
		if isNotFound(err) {
			break
		}
		if err != nil {
			return nil, err
		}
		candidate = fmt.Sprintf("%s_%d", base, i)
	}
	ent.ID = candidate

	return nil, nil
}

func (s *SQLStore) UpsertRelationship(ctx context.Context, r *Relationship) error {
	if r == nil {
		return fmt.Errorf("relationship cannot be nil")
	}

	rel := *r
	rel.SourceID = NormalizeID(rel.SourceID)
	rel.TargetID = NormalizeID(rel.TargetID)
	if err := rel.Validate(); err != nil {
		return err
	}
	if rel.Strength == 0 {
		rel.Strength = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, id := range []string{rel.SourceID, rel.TargetID} {
		if _, err = s.getEntity(ctx, tx, id); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("relationship endpoint %s: %w", id, ErrNotFound)
			}
			return err
		}
	}

	now := time.Now()

	check := `SELECT strength FROM kg_relationships WHERE source_id = ? AND target_id = ? AND rel_type = ?`
	if s.dialect == "postgres" {
		check = `SELECT strength FROM kg_relationships WHERE source_id = $1 AND target_id = $2 AND rel_type = $3`
	}

	var stored float64
	err = tx.QueryRowContext(ctx, check, rel.SourceID, rel.TargetID, rel.Type).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		err = nil
		insert := `INSERT INTO kg_relationships (source_id, target_id, rel_type, strength, updated_at) VALUES (?, ?, ?, ?, ?)`
		if s.dialect == "postgres" {
			insert = `INSERT INTO kg_relationships (source_id, target_id, rel_type, strength, updated_at) VALUES ($1, $2, $3, $4, $5)`
		}
		if _, err = tx.ExecContext(ctx, insert, rel.SourceID, rel.TargetID, rel.Type, rel.Strength, now); err != nil {
			return fmt.Errorf("failed to insert relationship: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to query relationship: %w", err)
	default:
		update := `UPDATE kg_relationships SET strength = ?, updated_at = ? WHERE source_id = ? AND target_id = ? AND rel_type = ?`
		if s.dialect == "postgres" {
			update = `UPDATE kg_relationships SET strength = $1, updated_at = $2 WHERE source_id = $3 AND target_id = $4 AND rel_type = $5`
		}
		if _, err = tx.ExecContext(ctx, update, rel.Strength, now, rel.SourceID, rel.TargetID, rel.Type); err != nil {
			return fmt.Errorf("failed to update relationship: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit relationship: %w", err)
	}

	return nil
}

func (s *SQLStore) FindEntityByName(ctx context.Context, name string, limit int) ([]*Entity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("entity name cannot be empty")
	}
	if limit <= 0 {
		limit = 10
	}

	lower := strings.ToLower(name)
	contains := "%" + escapeLike(lower) + "%"
	prefix := escapeLike(lower) + "%"

	query := `
SELECT ` + entityColumns + `
FROM kg_entities
WHERE name_lower LIKE ? ESCAPE '~'
ORDER BY CASE WHEN name_lower = ? THEN 0 WHEN name_lower LIKE ? ESCAPE '~' THEN 1 ELSE 2 END, name_lower ASC
LIMIT ?
`
	if s.dialect == "postgres" {
		query = `
SELECT ` + entityColumns + `
FROM kg_entities
WHERE name_lower LIKE $1 ESCAPE '~'
ORDER BY CASE WHEN name_lower = $2 THEN 0 WHEN name_lower LIKE $3 ESCAPE '~' THEN 1 ELSE 2 END, name_lower ASC
LIMIT $4
`
	}

	rows, err := s.db.QueryContext(ctx, query, contains, lower, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search entities: %w", err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Type, &e.Name, &e.Description); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	return out, nil
}

func (s *SQLStore) Traverse(ctx context.Context, startID string, maxDepth int) (*Subgraph, error) {
	if maxDepth <= 0 {
		maxDepth = s.maxDepth
	}
	return traverse(ctx, s, startID, maxDepth, s.maxNodes)
}

func (s *SQLStore) Close() error {
	return nil
}

func (s *SQLStore) entity(ctx context.Context, id string) (*Entity, error) {
	return s.getEntity(ctx, s.db, id)
}

func (s *SQLStore) entities(ctx context.Context, ids []string) (map[string]*Entity, error) {
	if len(ids) == 0 {
		return map[string]*Entity{}, nil
	}

	placeholders := ""
	args := make([]interface{}, 0, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ", "
		}
		if s.dialect == "postgres" {
			placeholders += fmt.Sprintf("$%d", i+1)
		} else {
			placeholders += "?"
		}
		args = append(args, id)
	}

	query := `SELECT ` + entityColumns + ` FROM kg_entities WHERE id IN (` + placeholders + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Entity, len(ids))
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Type, &e.Name, &e.Description); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out[e.ID] = &e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	return out, nil
}

func (s *SQLStore) edges(ctx context.Context, ids []string) ([]*Relationship, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	sourceIn := ""
	targetIn := ""
	args := make([]interface{}, 0, len(ids)*2)
	for i, id := range ids {
		if i > 0 {
			sourceIn += ", "
		}
		if s.dialect == "postgres" {
			sourceIn += fmt.Sprintf("$%d", i+1)
		} else {
			sourceIn += "?"
		}
		args = append(args, id)
	}
	for i, id := range ids {
		if i > 0 {
			targetIn += ", "
		}
		if s.dialect == "postgres" {
			targetIn += fmt.Sprintf("$%d", len(ids)+i+1)
		} else {
			targetIn += "?"
		}
		args = append(args, id)
	}

	query := `
SELECT source_id, target_id, rel_type, strength
FROM kg_relationships
WHERE source_id IN (` + sourceIn + `) OR target_id IN (` + targetIn + `)
ORDER BY source_id ASC, target_id ASC, rel_type ASC
`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	var out []*Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.Type, &r.Strength); err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relationships: %w", err)
	}

	return out, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// escapeLike neutralizes LIKE wildcards in user input. Tilde is the
// escape character because backslash is not portable inside MySQL
// string literals.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `~`, `~~`)
	s = strings.ReplaceAll(s, `%`, `~%`)
	s = strings.ReplaceAll(s, `_`, `~_`)
	return s
}

var _ Store = (*SQLStore)(nil)
