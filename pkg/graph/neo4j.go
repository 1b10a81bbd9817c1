package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jStore implements Store on a dedicated Neo4j instance. Entities
// are (:Entity) nodes. Edges carry the relationship type as a property
// on a single [:RELATES] kind, because Cypher cannot parameterize
// relationship labels.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	maxDepth int
	maxNodes int
}

func NewNeo4jStore(uri, username, password string, maxDepth, maxNodes int) (*Neo4jStore, error) {
	if uri == "" {
		return nil, fmt.Errorf("neo4j uri is required")
	}

	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to neo4j: %w", err)
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

	s := &Neo4jStore{
		driver:   driver,
		maxDepth: maxDepth,
		maxNodes: maxNodes,
	}

	if err := s.initConstraints(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to initialize neo4j constraints: %w", err)
	}

	return s, nil
}

func (s *Neo4jStore) initConstraints(ctx context.Context) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `CREATE CONSTRAINT kg_entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`, nil)
		if err != nil {
			return nil, err
		}
		return nil, res.Err()
	})
	return err
}

func (s *Neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode})
}

func (s *Neo4jStore) UpsertEntity(ctx context.Context, e *Entity) (*Entity, error) {
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

	nameLower := strings.ToLower(ent.Name)

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		existing, err := resolveNeo4jEntity(ctx, tx, &ent, nameLower, derivedID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			ent.ID = existing.ID
			if ent.Description == "" {
				ent.Description = existing.Description
			}
		}

		res, err := tx.Run(ctx, `
MERGE (e:Entity {id: $id})
SET e.entity_type = $type, e.name = $name, e.name_lower = $name_lower, e.description = $description, e.updated_at = datetime()`, map[string]any{
			"id":          ent.ID,
			"type":        ent.Type,
			"name":        ent.Name,
			"name_lower":  nameLower,
			"description": ent.Description,
		})
		if err != nil {
			return nil, err
		}
		return nil, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert entity: %w", err)
	}

	return &ent, nil
}

// resolveNeo4jEntity mirrors the relational resolution order: explicit
// ids match by id then by name and type; derived ids match by name and
// type first and never merge across types, minting a suffixed id when
// the derived one is taken.
func resolveNeo4jEntity(ctx context.Context, tx neo4j.ManagedTransaction, ent *Entity, nameLower string, derivedID bool) (*Entity, error) {
	byID := func(id string) (*Entity, error) {
		res, err := tx.Run(ctx, `
MATCH (e:Entity {id: $id})
RETURN e.id AS id, e.entity_type AS entity_type, e.name AS name, e.description AS description`, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		return entityFromRecord(res.Record()), res.Err()
	}

	byNameType := func() (*Entity, error) {
		res, err := tx.Run(ctx, `
MATCH (e:Entity)
WHERE e.name_lower = $name_lower AND e.entity_type = $type
RETURN e.id AS id, e.entity_type AS entity_type, e.name AS name, e.description AS description
LIMIT 1`, map[string]any{"name_lower": nameLower, "type": ent.Type})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		return entityFromRecord(res.Record()), res.Err()
	}

	if !derivedID {
		existing, err := byID(ent.ID)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	existing, err := byNameType()
	if err != nil || existing != nil {
		return existing, err
	}

	if !derivedID {
		return nil, nil
	}

	existing, err = byID(ent.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	if existing.Type == ent.Type {
		return existing, nil
	}

	base := ent.ID + "_" + strings.ToLower(ent.Type)
	candidate := base
	for i := 2; ; i++ {
		taken, err := byID(candidate)
		if err != nil {
			return nil, err
		}
		if taken == nil {
			break
		}
		candidate = fmt.Sprintf("%s_%d", base, i)
	}
	ent.ID = candidate

	return nil, nil
}

func (s *Neo4jStore) UpsertRelationship(ctx context.Context, r *Relationship) error {
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

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (s:Entity {id: $source}), (t:Entity {id: $target})
MERGE (s)-[r:RELATES {rel_type: $type}]->(t)
SET r.strength = $strength, r.updated_at = datetime()
RETURN r.rel_type`, map[string]any{
			"source":   rel.SourceID,
			"target":   rel.TargetID,
			"type":     rel.Type,
			"strength": rel.Strength,
		})
		if err != nil {
			return nil, err
		}
		// No row means the MATCH found nothing, so an endpoint is
		// missing and the MERGE never ran.
		if !res.Next(ctx) {
			if err := res.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("relationship endpoints %s, %s: %w", rel.SourceID, rel.TargetID, ErrNotFound)
		}
		return nil, res.Err()
	})
	if err != nil {
		if isNotFound(err) {
			return err
		}
		return fmt.Errorf("failed to upsert relationship: %w", err)
	}

	return nil
}

func (s *Neo4jStore) FindEntityByName(ctx context.Context, name string, limit int) ([]*Entity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("entity name cannot be empty")
	}
	if limit <= 0 {
		limit = 10
	}

	needle := strings.ToLower(name)

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (e:Entity)
WHERE e.name_lower CONTAINS $needle
RETURN e.id AS id, e.entity_type AS entity_type, e.name AS name, e.description AS description
ORDER BY CASE WHEN e.name_lower = $needle THEN 0 WHEN e.name_lower STARTS WITH $needle THEN 1 ELSE 2 END, e.name_lower ASC
LIMIT $limit`, map[string]any{
			"needle": needle,
			"limit":  limit,
		})
		if err != nil {
			return nil, err
		}

		var entities []*Entity
		for res.Next(ctx) {
			entities = append(entities, entityFromRecord(res.Record()))
		}
		return entities, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search entities: %w", err)
	}

	return out.([]*Entity), nil
}

func (s *Neo4jStore) Traverse(ctx context.Context, startID string, maxDepth int) (*Subgraph, error) {
	if maxDepth <= 0 {
		maxDepth = s.maxDepth
	}
	return traverse(ctx, s, startID, maxDepth, s.maxNodes)
}

func (s *Neo4jStore) Close() error {
	return s.driver.Close(context.Background())
}

func (s *Neo4jStore) entity(ctx context.Context, id string) (*Entity, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (e:Entity {id: $id})
RETURN e.id AS id, e.entity_type AS entity_type, e.name AS name, e.description AS description`, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			if err := res.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
		}
		return entityFromRecord(res.Record()), nil
	})
	if err != nil {
		return nil, err
	}

	return out.(*Entity), nil
}

func (s *Neo4jStore) entities(ctx context.Context, ids []string) (map[string]*Entity, error) {
	if len(ids) == 0 {
		return map[string]*Entity{}, nil
	}

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (e:Entity)
WHERE e.id IN $ids
RETURN e.id AS id, e.entity_type AS entity_type, e.name AS name, e.description AS description`, map[string]any{"ids": ids})
		if err != nil {
			return nil, err
		}

		found := make(map[string]*Entity, len(ids))
		for res.Next(ctx) {
			e := entityFromRecord(res.Record())
			found[e.ID] = e
		}
		return found, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}

	return out.(map[string]*Entity), nil
}

func (s *Neo4jStore) edges(ctx context.Context, ids []string) ([]*Relationship, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (s:Entity)-[r:RELATES]->(t:Entity)
WHERE s.id IN $ids OR t.id IN $ids
RETURN s.id AS source_id, t.id AS target_id, r.rel_type AS rel_type, r.strength AS strength
ORDER BY source_id ASC, target_id ASC, rel_type ASC`, map[string]any{"ids": ids})
		if err != nil {
			return nil, err
		}

		var rels []*Relationship
		for res.Next(ctx) {
			rec := res.Record()
			rel := &Relationship{
				SourceID: recordString(rec, "source_id"),
				TargetID: recordString(rec, "target_id"),
				Type:     recordString(rec, "rel_type"),
			}
			if v, ok := rec.Get("strength"); ok {
				switch n := v.(type) {
				case float64:
					rel.Strength = n
				case int64:
					rel.Strength = float64(n)
				}
			}
			rels = append(rels, rel)
		}
		return rels, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}

	return out.([]*Relationship), nil
}

func entityFromRecord(rec *neo4j.Record) *Entity {
	return &Entity{
		ID:          recordString(rec, "id"),
		Type:        recordString(rec, "entity_type"),
		Name:        recordString(rec, "name"),
		Description: recordString(rec, "description"),
	}
}

func recordString(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

var _ Store = (*Neo4jStore)(nil)
