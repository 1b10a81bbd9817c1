package vector

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/spf13/cast"

	"github.com/lontar-ai/lontar/pkg/config"
)

// Qdrant only accepts UUID or integer point ids, but callers address
// points by hierarchical ids like "PP_31/bab-ii/pasal-3". Non-UUID ids
// map to deterministic UUIDs on the way in; the original id rides in
// the payload under chunkIDKey and is restored on the way out.
var qdrantIDNamespace = uuid.MustParse("8a6e1df4-4b89-43a5-b640-6f1dc3f9a2e7")

const chunkIDKey = "chunk_id"

func qdrantPointID(id string) *qdrant.PointId {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewID(id)
	}
	return qdrant.NewID(uuid.NewSHA1(qdrantIDNamespace, []byte(id)).String())
}

func restoredID(payload map[string]any, wireID string) string {
	if original := PayloadString(payload, chunkIDKey); original != "" {
		return original
	}
	return wireID
}

// QdrantStore is the primary production provider, speaking gRPC.
type QdrantStore struct {
	client    *qdrant.Client
	batchSize int
}

func NewQdrantStore(cfg *config.VectorStoreConfig) (*QdrantStore, error) {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client for %s:%d: %w", host, port, err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 128
	}

	return &QdrantStore{
		client:    client,
		batchSize: batchSize,
	}, nil
}

func (s *QdrantStore) Name() string {
	return "qdrant"
}

func (s *QdrantStore) EnsureCollection(ctx context.Context, name string, dimension int, metric string) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrantDistance(metric),
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	for start := 0; start < len(points); start += s.batchSize {
		end := start + s.batchSize
		if end > len(points) {
			end = len(points)
		}

		batch := make([]*qdrant.PointStruct, 0, end-start)
		for _, p := range points[start:end] {
			payload := make(map[string]*qdrant.Value, len(p.Payload)+1)
			for key, value := range p.Payload {
				val, err := qdrant.NewValue(normalizeValue(value))
				if err != nil {
					return fmt.Errorf("failed to convert payload value for key %s: %w", key, err)
				}
				payload[key] = val
			}
			if _, ok := payload[chunkIDKey]; !ok {
				val, err := qdrant.NewValue(p.ID)
				if err != nil {
					return fmt.Errorf("failed to convert point id %s: %w", p.ID, err)
				}
				payload[chunkIDKey] = val
			}

			batch = append(batch, &qdrant.PointStruct{
				Id:      qdrantPointID(p.ID),
				Vectors: qdrant.NewVectors(p.Vector...),
				Payload: payload,
			})
		}

		err := withRetry(ctx, 3, func() error {
			_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
				CollectionName: collection,
				Points:         batch,
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to upsert batch at offset %d: %w", start, err)
		}
	}

	return nil
}

func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter *Filter) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}

	searchRequest := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if !filter.Empty() {
		searchRequest.Filter = buildQdrantFilter(filter)
	}

	var searchResult *qdrant.SearchResponse
	err := withRetry(ctx, 3, func() error {
		var err error
		searchResult, err = s.client.GetPointsClient().Search(ctx, searchRequest)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	return convertScoredPoints(searchResult.Result), nil
}

func (s *QdrantStore) Scroll(ctx context.Context, collection string, cursor string, limit int, filter *Filter) ([]Result, string, error) {
	if limit <= 0 {
		limit = 100
	}

	scrollLimit := uint32(limit)
	req := &qdrant.ScrollPoints{
		CollectionName: collection,
		Limit:          &scrollLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if !filter.Empty() {
		req.Filter = buildQdrantFilter(filter)
	}
	if cursor != "" {
		req.Offset = qdrant.NewID(cursor)
	}

	var resp *qdrant.ScrollResponse
	err := withRetry(ctx, 3, func() error {
		var err error
		resp, err = s.client.GetPointsClient().Scroll(ctx, req)
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to scroll collection %s: %w", collection, err)
	}

	results := make([]Result, 0, len(resp.Result))
	for _, point := range resp.Result {
		payload := convertQdrantPayload(point.Payload)
		results = append(results, Result{
			ID:      restoredID(payload, pointIDString(point.Id)),
			Content: PayloadString(payload, "text"),
			Payload: payload,
		})
	}

	next := ""
	if resp.NextPageOffset != nil {
		next = pointIDString(resp.NextPageOffset)
	}
	return results, next, nil
}

func (s *QdrantStore) Delete(ctx context.Context, collection string, filter *Filter) error {
	if filter.Empty() {
		return fmt.Errorf("refusing to delete with an empty filter")
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: buildQdrantFilter(filter),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points from collection %s: %w", collection, err)
	}
	return nil
}

func (s *QdrantStore) Stats(ctx context.Context, collection string) (CollectionStats, error) {
	exact := true
	var resp *qdrant.CountResponse
	err := withRetry(ctx, 3, func() error {
		var err error
		resp, err = s.client.GetPointsClient().Count(ctx, &qdrant.CountPoints{
			CollectionName: collection,
			Exact:          &exact,
		})
		return err
	})
	if err != nil {
		return CollectionStats{}, fmt.Errorf("failed to count collection %s: %w", collection, err)
	}

	return CollectionStats{
		Name:        collection,
		VectorCount: resp.GetResult().GetCount(),
	}, nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func qdrantDistance(metric string) qdrant.Distance {
	switch metric {
	case "dot":
		return qdrant.Distance_Dot
	case "euclidean":
		return qdrant.Distance_Euclid
	default:
		return qdrant.Distance_Cosine
	}
}

func buildQdrantFilter(f *Filter) *qdrant.Filter {
	if f.Empty() {
		return nil
	}

	var must, mustNot []*qdrant.Condition
	for _, c := range f.Conditions {
		switch c.Op {
		case OpEq:
			must = append(must, qdrantMatch(c.Field, c.Value))
		case OpNe:
			mustNot = append(mustNot, qdrantMatch(c.Field, c.Value))
		case OpIn:
			must = append(must, qdrantMatchAny(c.Field, c.Values))
		case OpNotIn:
			mustNot = append(mustNot, qdrantMatchAny(c.Field, c.Values))
		}
	}

	return &qdrant.Filter{
		Must:    must,
		MustNot: mustNot,
	}
}

func qdrantMatch(field string, value any) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: field,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{
						Keyword: cast.ToString(value),
					},
				},
			},
		},
	}
}

func qdrantMatchAny(field string, values []any) *qdrant.Condition {
	keywords := make([]string, len(values))
	for i, v := range values {
		keywords[i] = cast.ToString(v)
	}
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: field,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keywords{
						Keywords: &qdrant.RepeatedStrings{Strings: keywords},
					},
				},
			},
		},
	}
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil || id.PointIdOptions == nil {
		return ""
	}
	switch idType := id.PointIdOptions.(type) {
	case *qdrant.PointId_Uuid:
		return idType.Uuid
	case *qdrant.PointId_Num:
		return strconv.FormatUint(idType.Num, 10)
	}
	return ""
}

func convertScoredPoints(points []*qdrant.ScoredPoint) []Result {
	results := make([]Result, 0, len(points))
	for _, point := range points {
		payload := convertQdrantPayload(point.Payload)
		results = append(results, Result{
			ID:      restoredID(payload, pointIDString(point.Id)),
			Score:   clampScore(point.Score),
			Content: PayloadString(payload, "text"),
			Payload: payload,
		})
	}
	return results
}

func convertQdrantPayload(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		out[key] = qdrantValue(value)
	}
	return out
}

func qdrantValue(value *qdrant.Value) any {
	if value == nil {
		return nil
	}
	switch v := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	case *qdrant.Value_ListValue:
		if v.ListValue == nil {
			return nil
		}
		list := make([]any, len(v.ListValue.Values))
		for i, item := range v.ListValue.Values {
			list[i] = qdrantValue(item)
		}
		return list
	default:
		return value
	}
}
