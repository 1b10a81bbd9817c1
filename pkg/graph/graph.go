// Package graph stores the knowledge graph extracted from the regulatory
// corpus: entities (regulations, visa types, requirements, agencies, costs)
// and typed relationships between them. The retriever and the
// graph_traversal tool read it to hand the model structured context that
// plain passage retrieval cannot surface, such as which requirements a
// permit depends on or which regulation amends another.
//
// Two backends implement Store: the relational backend shares the
// application database (tables kg_entities and kg_relationships), and the
// Neo4j backend targets a dedicated graph database. The backend is chosen
// by configuration; semantics are identical.
package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lontar-ai/lontar/pkg/config"
)

// ErrNotFound is returned when an entity id does not resolve.
var ErrNotFound = errors.New("not found")

// MaxTraversalDepth is the hard ceiling on traversal depth. Configured
// and requested depths are clamped to it.
const MaxTraversalDepth = 3

const defaultMaxNodes = 50

// Entity type vocabulary. Upserts reject types outside this set.
const (
	EntityRegulation  = "REGULATION"
	EntityVisa        = "VISA"
	EntityRequirement = "REQUIREMENT"
	EntityAgency      = "AGENCY"
	EntityCost        = "COST"
	EntityProcedure   = "PROCEDURE"
)

// Relationship type vocabulary.
const (
	RelationRequires = "REQUIRES"
	RelationAmends   = "AMENDS"
	RelationDefines  = "DEFINES"
	RelationIssuedBy = "ISSUED_BY"
	RelationCosts    = "COSTS"
)

var entityTypes = map[string]bool{
	EntityRegulation:  true,
	EntityVisa:        true,
	EntityRequirement: true,
	EntityAgency:      true,
	EntityCost:        true,
	EntityProcedure:   true,
}

var relationTypes = map[string]bool{
	RelationRequires: true,
	RelationAmends:   true,
	RelationDefines:  true,
	RelationIssuedBy: true,
	RelationCosts:    true,
}

// Entity is a node in the knowledge graph. IDs are snake_case; see
// NormalizeID.
type Entity struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Validate checks the name and the type. The ID is checked by the store
// after normalization, since an empty ID is derived from the name.
func (e *Entity) Validate() error {
	if e == nil {
		return fmt.Errorf("entity cannot be nil")
	}
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("entity name cannot be empty")
	}
	if !entityTypes[e.Type] {
		return fmt.Errorf("unknown entity type %q", e.Type)
	}
	return nil
}

// Relationship is a typed, directed edge. Strength expresses extraction
// confidence in [0, 1]; stores record an unset (zero) strength as 1.
type Relationship struct {
	SourceID string  `json:"source_id"`
	TargetID string  `json:"target_id"`
	Type     string  `json:"type"`
	Strength float64 `json:"strength,omitempty"`
}

func (r *Relationship) Validate() error {
	if r == nil {
		return fmt.Errorf("relationship cannot be nil")
	}
	if r.SourceID == "" || r.TargetID == "" {
		return fmt.Errorf("relationship source and target ids cannot be empty")
	}
	if !relationTypes[r.Type] {
		return fmt.Errorf("unknown relationship type %q", r.Type)
	}
	if r.Strength < 0 || r.Strength > 1 {
		return fmt.Errorf("relationship strength must be in [0, 1], got %g", r.Strength)
	}
	return nil
}

// Subgraph is the result of a traversal. Nodes are in breadth-first
// discovery order starting at the requested entity; every edge's
// endpoints are present in Nodes.
type Subgraph struct {
	Nodes     []*Entity       `json:"nodes"`
	Edges     []*Relationship `json:"edges"`
	Truncated bool            `json:"truncated,omitempty"`
}

// Describe renders the subgraph as plain text with entity names and edge
// type labels, so the model can interpret it without further lookups.
func (s *Subgraph) Describe() string {
	if s == nil || len(s.Nodes) == 0 {
		return ""
	}

	names := make(map[string]string, len(s.Nodes))
	for _, n := range s.Nodes {
		names[n.ID] = n.Name
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Entities (%d):\n", len(s.Nodes))
	for _, n := range s.Nodes {
		fmt.Fprintf(&b, "- %s [%s]", n.Name, n.Type)
		if desc := truncateRunes(n.Description, 240); desc != "" {
			fmt.Fprintf(&b, ": %s", desc)
		}
		b.WriteString("\n")
	}

	if len(s.Edges) > 0 {
		fmt.Fprintf(&b, "Relationships (%d):\n", len(s.Edges))
		for _, e := range s.Edges {
			source := names[e.SourceID]
			if source == "" {
				source = e.SourceID
			}
			target := names[e.TargetID]
			if target == "" {
				target = e.TargetID
			}
			fmt.Fprintf(&b, "- %s %s %s", source, e.Type, target)
			if e.Strength > 0 && e.Strength < 1 {
				fmt.Fprintf(&b, " (strength %.2f)", e.Strength)
			}
			b.WriteString("\n")
		}
	}

	if s.Truncated {
		b.WriteString("(traversal truncated at the node limit)\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Store is the knowledge-graph contract.
type Store interface {
	// UpsertEntity inserts or updates an entity and returns the stored
	// record. An empty ID is derived from the name. When a different id
	// already carries the same name (case-insensitive) and type, the
	// write merges into that entity instead of creating a duplicate, and
	// the returned record carries the surviving id. Entities of
	// different types never merge: a derived id that is already taken by
	// another type gets a type-suffixed id instead.
	UpsertEntity(ctx context.Context, e *Entity) (*Entity, error)

	// UpsertRelationship inserts or updates the (source, target, type)
	// edge. Both endpoints must already exist; a missing endpoint fails
	// with ErrNotFound. Re-upserting an existing triple refreshes its
	// strength.
	UpsertRelationship(ctx context.Context, r *Relationship) error

	// FindEntityByName matches case-insensitively on the entity name,
	// substring included, exact matches first. limit <= 0 defaults to 10.
	FindEntityByName(ctx context.Context, name string, limit int) ([]*Entity, error)

	// Traverse walks breadth-first from startID, following edges in both
	// directions, and returns the discovered subgraph. maxDepth <= 0
	// falls back to the configured default; the effective depth never
	// exceeds MaxTraversalDepth. The node count is bounded, and hitting
	// the bound marks the subgraph truncated.
	Traverse(ctx context.Context, startID string, maxDepth int) (*Subgraph, error)

	Close() error
}

// New selects a backend from the configuration. The relational backend
// runs on the shared db handle; the Neo4j backend dials its own driver.
func New(cfg *config.GraphConfig, db *sql.DB, dialect string) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("graph config cannot be nil")
	}

	switch cfg.Backend {
	case "", "sql":
		return NewSQLStore(db, dialect, cfg.MaxDepth, cfg.MaxNodes)
	case "neo4j":
		if cfg.Neo4j == nil {
			return nil, fmt.Errorf("graph.neo4j configuration is required for backend neo4j")
		}
		return NewNeo4jStore(cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.MaxDepth, cfg.MaxNodes)
	default:
		return nil, fmt.Errorf("unsupported graph backend: %s (supported: sql, neo4j)", cfg.Backend)
	}
}

// NormalizeID lowercases s and collapses every run of characters outside
// [a-z0-9] into a single underscore, yielding a stable snake_case id.
// "Investor KITAS (E28A)" becomes "investor_kitas_e28a".
func NormalizeID(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
		default:
			pending = true
		}
	}
	return b.String()
}

func truncateRunes(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max])) + "..."
}

// neighborSource is what a backend must expose for the shared
// breadth-first walk.
type neighborSource interface {
	entity(ctx context.Context, id string) (*Entity, error)
	entities(ctx context.Context, ids []string) (map[string]*Entity, error)
	// edges returns every relationship touching any of the given ids, in
	// either direction.
	edges(ctx context.Context, ids []string) ([]*Relationship, error)
}

// traverse is the backend-independent breadth-first walk with cycle
// detection. Edges between two already-visited nodes are kept, so the
// resulting subgraph carries its cross-links.
func traverse(ctx context.Context, src neighborSource, startID string, maxDepth, maxNodes int) (*Subgraph, error) {
	startID = NormalizeID(startID)
	if startID == "" {
		return nil, fmt.Errorf("start entity id cannot be empty")
	}
	if maxDepth > MaxTraversalDepth {
		maxDepth = MaxTraversalDepth
	}
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if maxNodes <= 0 {
		maxNodes = defaultMaxNodes
	}

	root, err := src.entity(ctx, startID)
	if err != nil {
		return nil, err
	}

	sub := &Subgraph{Nodes: []*Entity{root}}
	visited := map[string]bool{startID: true}
	seenEdges := make(map[string]bool)
	frontier := []string{startID}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		rels, err := src.edges(ctx, frontier)
		if err != nil {
			return nil, err
		}

		var discovered []string
		for _, rel := range rels {
			key := rel.SourceID + "\x00" + rel.Type + "\x00" + rel.TargetID
			if seenEdges[key] {
				continue
			}
			seenEdges[key] = true
			sub.Edges = append(sub.Edges, rel)

			for _, id := range []string{rel.SourceID, rel.TargetID} {
				if !visited[id] {
					visited[id] = true
					discovered = append(discovered, id)
				}
			}
		}
		if len(discovered) == 0 {
			break
		}

		found, err := src.entities(ctx, discovered)
		if err != nil {
			return nil, err
		}

		next := make([]string, 0, len(discovered))
		for _, id := range discovered {
			e, ok := found[id]
			if !ok {
				continue
			}
			if len(sub.Nodes) >= maxNodes {
				sub.Truncated = true
				break
			}
			sub.Nodes = append(sub.Nodes, e)
			next = append(next, id)
		}
		if sub.Truncated {
			break
		}
		frontier = next
	}

	// Edges may reference nodes cut by the limit or missing from the
	// entity table; keep the subgraph self-contained.
	keep := make(map[string]bool, len(sub.Nodes))
	for _, n := range sub.Nodes {
		keep[n.ID] = true
	}
	kept := sub.Edges[:0]
	for _, e := range sub.Edges {
		if keep[e.SourceID] && keep[e.TargetID] {
			kept = append(kept, e)
		}
	}
	sub.Edges = kept

	return sub, nil
}
