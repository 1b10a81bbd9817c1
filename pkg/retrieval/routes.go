package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// GoldenRoute is one curated query → parents mapping. Routes answer
// recurring questions ("how much is an investor KITAS") with a
// hand-picked set of parent chunks instead of a full retrieval pass.
type GoldenRoute struct {
	ID        string
	Query     string
	Embedding []float32
	// Model is the embedder that produced Embedding; routes embedded
	// under a different model never match and are refreshed by the
	// route_refresh task.
	Model     string
	ParentIDs []string
	CreatedAt time.Time
}

// RouteStore keeps golden routes in the shared relational database.
// The table is small (tens of rows), so matching loads all routes for
// the active model and scores them in memory.
type RouteStore struct {
	db      *sql.DB
	dialect string
}

const createRoutesTableSQL = `
CREATE TABLE IF NOT EXISTS golden_routes (
    id VARCHAR(64) NOT NULL PRIMARY KEY,
    query TEXT NOT NULL,
    embedding TEXT NOT NULL,
    model VARCHAR(255) NOT NULL,
    parent_ids TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

func NewRouteStore(db *sql.DB, dialect string) (*RouteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite3)", dialect)
	}

	s := &RouteStore{db: db, dialect: dialect}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, createRoutesTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create golden_routes table: %w", err)
	}

	return s, nil
}

// Save inserts or replaces a route. An empty id is minted.
func (s *RouteStore) Save(ctx context.Context, route *GoldenRoute) error {
	if route == nil {
		return fmt.Errorf("route cannot be nil")
	}
	if route.Query == "" || len(route.Embedding) == 0 || len(route.ParentIDs) == 0 {
		return fmt.Errorf("route requires a query, an embedding, and parent ids")
	}
	if route.ID == "" {
		route.ID = uuid.NewString()
	}
	if route.CreatedAt.IsZero() {
		route.CreatedAt = time.Now().UTC()
	}

	embedding, err := json.Marshal(route.Embedding)
	if err != nil {
		return fmt.Errorf("failed to encode route embedding: %w", err)
	}
	parentIDs, err := json.Marshal(route.ParentIDs)
	if err != nil {
		return fmt.Errorf("failed to encode route parent ids: %w", err)
	}

	query := `
INSERT INTO golden_routes (id, query, embedding, model, parent_ids, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    query = excluded.query,
    embedding = excluded.embedding,
    model = excluded.model,
    parent_ids = excluded.parent_ids
`
	switch s.dialect {
	case "postgres":
		query = `
INSERT INTO golden_routes (id, query, embedding, model, parent_ids, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    query = EXCLUDED.query,
    embedding = EXCLUDED.embedding,
    model = EXCLUDED.model,
    parent_ids = EXCLUDED.parent_ids
`
	case "mysql":
		query = `
INSERT INTO golden_routes (id, query, embedding, model, parent_ids, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    query = VALUES(query),
    embedding = VALUES(embedding),
    model = VALUES(model),
    parent_ids = VALUES(parent_ids)
`
	}

	_, err = s.db.ExecContext(ctx, query,
		route.ID, route.Query, string(embedding), route.Model, string(parentIDs), route.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save golden route: %w", err)
	}
	return nil
}

// List returns every stored route, regardless of model.
func (s *RouteStore) List(ctx context.Context) ([]*GoldenRoute, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, query, embedding, model, parent_ids, created_at FROM golden_routes ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list golden routes: %w", err)
	}
	defer rows.Close()

	var routes []*GoldenRoute
	for rows.Next() {
		route, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, rows.Err()
}

// Match returns the stored route whose embedding is most similar to
// queryVec, provided the cosine similarity reaches threshold and the
// route was embedded with the given model. A nil route means no match.
func (s *RouteStore) Match(ctx context.Context, queryVec []float32, model string, threshold float64) (*GoldenRoute, float64, error) {
	query := `SELECT id, query, embedding, model, parent_ids, created_at FROM golden_routes WHERE model = ?`
	if s.dialect == "postgres" {
		query = `SELECT id, query, embedding, model, parent_ids, created_at FROM golden_routes WHERE model = $1`
	}

	rows, err := s.db.QueryContext(ctx, query, model)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load golden routes: %w", err)
	}
	defer rows.Close()

	var best *GoldenRoute
	bestScore := threshold
	for rows.Next() {
		route, err := scanRoute(rows)
		if err != nil {
			return nil, 0, err
		}
		score := cosineSimilarity(queryVec, route.Embedding)
		if score >= bestScore {
			best = route
			bestScore = score
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if best == nil {
		return nil, 0, nil
	}
	return best, bestScore, nil
}

// Delete removes a route by id.
func (s *RouteStore) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM golden_routes WHERE id = ?`
	if s.dialect == "postgres" {
		query = `DELETE FROM golden_routes WHERE id = $1`
	}
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete golden route: %w", err)
	}
	return nil
}

func scanRoute(rows *sql.Rows) (*GoldenRoute, error) {
	var route GoldenRoute
	var embedding, parentIDs string
	if err := rows.Scan(&route.ID, &route.Query, &embedding, &route.Model, &parentIDs, &route.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan golden route: %w", err)
	}
	if err := json.Unmarshal([]byte(embedding), &route.Embedding); err != nil {
		return nil, fmt.Errorf("corrupt embedding on route %s: %w", route.ID, err)
	}
	if err := json.Unmarshal([]byte(parentIDs), &route.ParentIDs); err != nil {
		return nil, fmt.Errorf("corrupt parent ids on route %s: %w", route.ID, err)
	}
	return &route, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
