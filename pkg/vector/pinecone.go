package vector

import (
	"context"
	"fmt"
	"sync"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lontar-ai/lontar/pkg/config"
)

// PineconeStore maps collections onto namespaces of a single Pinecone
// index. The index itself must exist already; serverless indexes cannot
// be created through this client surface.
type PineconeStore struct {
	client    *pinecone.Client
	indexName string
	batchSize int

	mu        sync.Mutex
	indexHost string
	conns     map[string]*pinecone.IndexConnection
}

func NewPineconeStore(cfg *config.VectorStoreConfig) (*PineconeStore, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Pinecone")
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 128
	}

	return &PineconeStore{
		client:    client,
		indexName: cfg.IndexName,
		batchSize: batchSize,
		indexHost: cfg.IndexHost,
		conns:     make(map[string]*pinecone.IndexConnection),
	}, nil
}

func (s *PineconeStore) Name() string {
	return "pinecone"
}

// namespaceConn returns a cached connection scoped to the namespace
// backing the given collection.
func (s *PineconeStore) namespaceConn(ctx context.Context, collection string) (*pinecone.IndexConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn, ok := s.conns[collection]; ok {
		return conn, nil
	}

	if s.indexHost == "" {
		index, err := s.client.DescribeIndex(ctx, s.indexName)
		if err != nil {
			return nil, fmt.Errorf("failed to describe index %s: %w", s.indexName, err)
		}
		s.indexHost = index.Host
	}

	conn, err := s.client.Index(pinecone.NewIndexConnParams{
		Host:      s.indexHost,
		Namespace: collection,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to index %s: %w", s.indexName, err)
	}

	s.conns[collection] = conn
	return conn, nil
}

func (s *PineconeStore) EnsureCollection(ctx context.Context, name string, dimension int, metric string) error {
	indexes, err := s.client.ListIndexes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list indexes: %w", err)
	}

	for _, idx := range indexes {
		if idx.Name != s.indexName {
			continue
		}
		if dimension > 0 && idx.Dimension != 0 && int(idx.Dimension) != dimension {
			return fmt.Errorf("index %s has dimension %d, want %d", s.indexName, idx.Dimension, dimension)
		}
		// Namespaces are created implicitly on first upsert.
		return nil
	}

	return fmt.Errorf("index %s does not exist; create it via the Pinecone console or API", s.indexName)
}

func (s *PineconeStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	conn, err := s.namespaceConn(ctx, collection)
	if err != nil {
		return err
	}

	for start := 0; start < len(points); start += s.batchSize {
		end := start + s.batchSize
		if end > len(points) {
			end = len(points)
		}

		batch := make([]*pinecone.Vector, 0, end-start)
		for _, p := range points[start:end] {
			var metadata *pinecone.Metadata
			if len(p.Payload) > 0 {
				fields := make(map[string]interface{}, len(p.Payload))
				for k, v := range p.Payload {
					fields[k] = normalizeValue(v)
				}
				metadata, err = structpb.NewStruct(fields)
				if err != nil {
					return fmt.Errorf("failed to convert metadata for %s: %w", p.ID, err)
				}
			}

			batch = append(batch, &pinecone.Vector{
				Id:       p.ID,
				Values:   p.Vector,
				Metadata: metadata,
			})
		}

		err = withRetry(ctx, 3, func() error {
			_, err := conn.UpsertVectors(ctx, batch)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to upsert batch at offset %d: %w", start, err)
		}
	}

	return nil
}

func (s *PineconeStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter *Filter) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}

	conn, err := s.namespaceConn(ctx, collection)
	if err != nil {
		return nil, err
	}

	metadataFilter, err := pineconeFilter(filter)
	if err != nil {
		return nil, err
	}

	var resp *pinecone.QueryVectorsResponse
	err = withRetry(ctx, 3, func() error {
		var err error
		resp, err = conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
			Vector:          vector,
			TopK:            uint32(topK),
			MetadataFilter:  metadataFilter,
			IncludeMetadata: true,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query Pinecone: %w", err)
	}

	results := make([]Result, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		if match.Vector == nil {
			continue
		}
		payload := make(map[string]any)
		if match.Vector.Metadata != nil {
			payload = match.Vector.Metadata.AsMap()
		}
		results = append(results, Result{
			ID:      match.Vector.Id,
			Score:   clampScore(match.Score),
			Content: PayloadString(payload, "text"),
			Payload: payload,
		})
	}
	return results, nil
}

// Scroll is unavailable: the client surface exposes no vector listing.
func (s *PineconeStore) Scroll(ctx context.Context, collection string, cursor string, limit int, filter *Filter) ([]Result, string, error) {
	return nil, "", fmt.Errorf("scroll on pinecone: %w", ErrNotSupported)
}

func (s *PineconeStore) Delete(ctx context.Context, collection string, filter *Filter) error {
	if filter.Empty() {
		return fmt.Errorf("refusing to delete with an empty filter")
	}

	conn, err := s.namespaceConn(ctx, collection)
	if err != nil {
		return err
	}

	// A pure ID filter deletes directly; anything else goes through the
	// metadata filter path.
	if ids, ok := idOnlyFilter(filter); ok {
		if err := conn.DeleteVectorsById(ctx, ids); err != nil {
			return fmt.Errorf("failed to delete vectors by id: %w", err)
		}
		return nil
	}

	metadataFilter, err := pineconeFilter(filter)
	if err != nil {
		return err
	}
	if err := conn.DeleteVectorsByFilter(ctx, metadataFilter); err != nil {
		return fmt.Errorf("failed to delete by filter: %w", err)
	}
	return nil
}

// Stats reports the index dimension. Per-namespace vector counts are
// not exposed through this client surface and stay zero.
func (s *PineconeStore) Stats(ctx context.Context, collection string) (CollectionStats, error) {
	index, err := s.client.DescribeIndex(ctx, s.indexName)
	if err != nil {
		return CollectionStats{}, fmt.Errorf("failed to describe index %s: %w", s.indexName, err)
	}
	return CollectionStats{
		Name:      collection,
		Dimension: int(index.Dimension),
	}, nil
}

func (s *PineconeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = make(map[string]*pinecone.IndexConnection)
	return nil
}

// idOnlyFilter reports whether the filter selects purely by vector ID.
func idOnlyFilter(f *Filter) ([]string, bool) {
	if f.Empty() {
		return nil, false
	}
	var ids []string
	for _, c := range f.Conditions {
		if c.Field != "id" {
			return nil, false
		}
		switch c.Op {
		case OpEq:
			ids = append(ids, fmt.Sprintf("%v", c.Value))
		case OpIn:
			for _, v := range c.Values {
				ids = append(ids, fmt.Sprintf("%v", v))
			}
		default:
			return nil, false
		}
	}
	return ids, len(ids) > 0
}

// pineconeFilter renders the filter in Pinecone's Mongo-style metadata
// query language.
func pineconeFilter(f *Filter) (*pinecone.MetadataFilter, error) {
	if f.Empty() {
		return nil, nil
	}

	clauses := make([]interface{}, 0, len(f.Conditions))
	for _, c := range f.Conditions {
		var clause map[string]interface{}
		switch c.Op {
		case OpEq:
			clause = map[string]interface{}{c.Field: map[string]interface{}{"$eq": normalizeValue(c.Value)}}
		case OpNe:
			clause = map[string]interface{}{c.Field: map[string]interface{}{"$ne": normalizeValue(c.Value)}}
		case OpIn:
			clause = map[string]interface{}{c.Field: map[string]interface{}{"$in": normalizeValue(c.Values)}}
		case OpNotIn:
			clause = map[string]interface{}{c.Field: map[string]interface{}{"$nin": normalizeValue(c.Values)}}
		default:
			return nil, fmt.Errorf("unsupported filter op %q", c.Op)
		}
		clauses = append(clauses, clause)
	}

	var root map[string]interface{}
	if len(clauses) == 1 {
		root = clauses[0].(map[string]interface{})
	} else {
		root = map[string]interface{}{"$and": clauses}
	}

	metadataFilter, err := structpb.NewStruct(root)
	if err != nil {
		return nil, fmt.Errorf("failed to convert filter: %w", err)
	}
	return metadataFilter, nil
}
