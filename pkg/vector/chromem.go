package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/lontar-ai/lontar/pkg/config"
)

// ChromemStore keeps vectors in process memory with optional gob
// persistence. It backs local development and tests; production
// deployments run Qdrant or Pinecone.
//
// Limitations:
//   - Single-process only (no distributed search)
//   - Memory-bound (all vectors in RAM)
//   - Cosine similarity only
type ChromemStore struct {
	db          *chromem.DB
	persistPath string
	mu          sync.RWMutex

	// collections caches collection references for performance
	collections map[string]*chromem.Collection

	// embeddingFunc must never run; vectors arrive pre-computed.
	embeddingFunc chromem.EmbeddingFunc
}

func NewChromemStore(cfg *config.VectorStoreConfig) (*ChromemStore, error) {
	var db *chromem.DB
	var err error

	if cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}

		dbPath := filepath.Join(cfg.Path, "vectors.gob")
		if _, statErr := os.Stat(dbPath); statErr == nil {
			db, err = chromem.NewPersistentDB(dbPath, false)
			if err != nil {
				slog.Warn("Failed to load existing vector database, creating new",
					"path", dbPath,
					"error", err)
				db = chromem.NewDB()
			} else {
				slog.Info("Loaded vector database from file", "path", dbPath)
			}
		} else {
			db = chromem.NewDB()
			slog.Info("Created new vector database", "path", dbPath)
		}
	} else {
		db = chromem.NewDB()
		slog.Info("Created in-memory vector database (no persistence)")
	}

	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors should be pre-computed")
	}

	return &ChromemStore{
		db:            db,
		persistPath:   cfg.Path,
		collections:   make(map[string]*chromem.Collection),
		embeddingFunc: identityEmbed,
	}, nil
}

func (s *ChromemStore) Name() string {
	return "chromem"
}

// getCollection gets or creates a collection.
func (s *ChromemStore) getCollection(name string) (*chromem.Collection, error) {
	s.mu.RLock()
	if col, ok := s.collections[name]; ok {
		s.mu.RUnlock()
		return col, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	col, err := s.db.GetOrCreateCollection(name, nil, s.embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", name, err)
	}

	s.collections[name] = col
	return col, nil
}

// EnsureCollection creates the collection implicitly. Dimension and
// metric are advisory; chromem always uses cosine similarity.
func (s *ChromemStore) EnsureCollection(ctx context.Context, name string, dimension int, metric string) error {
	_, err := s.getCollection(name)
	return err
}

func (s *ChromemStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	col, err := s.getCollection(collection)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(points))
	for _, p := range points {
		metadata := make(map[string]string, len(p.Payload))
		for k, v := range p.Payload {
			if k == "text" {
				continue
			}
			metadata[k] = encodeMetaValue(v)
		}

		docs = append(docs, chromem.Document{
			ID:        p.ID,
			Content:   PayloadString(p.Payload, "text"),
			Metadata:  metadata,
			Embedding: p.Vector,
		})
	}

	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert documents: %w", err)
	}

	if err := s.persist(); err != nil {
		slog.Warn("Failed to persist after upsert", "error", err)
	}
	return nil
}

func (s *ChromemStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter *Filter) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}

	col, err := s.getCollection(collection)
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}

	// chromem only matches exact metadata equality, so the remaining
	// operators are applied after the query on an over-fetched set.
	fetchK := topK
	postFilter := filter.hasNonEq()
	if postFilter {
		fetchK = topK * 4
	}
	if fetchK > count {
		fetchK = count
	}

	var where map[string]string
	if !filter.Empty() {
		where = filter.eqConditions()
		if len(where) == 0 {
			where = nil
		}
	}

	hits, err := col.QueryEmbedding(ctx, vector, fetchK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		payload := make(map[string]any, len(hit.Metadata)+1)
		for k, v := range hit.Metadata {
			payload[k] = decodeMetaValue(v)
		}
		payload["text"] = hit.Content

		if postFilter && !filter.Matches(payload) {
			continue
		}

		results = append(results, Result{
			ID:      hit.ID,
			Score:   clampScore(hit.Similarity),
			Content: hit.Content,
			Payload: payload,
		})
		if len(results) == topK {
			break
		}
	}
	return results, nil
}

// Scroll is unavailable: chromem exposes no stable iteration order.
func (s *ChromemStore) Scroll(ctx context.Context, collection string, cursor string, limit int, filter *Filter) ([]Result, string, error) {
	return nil, "", fmt.Errorf("scroll on chromem: %w", ErrNotSupported)
}

func (s *ChromemStore) Delete(ctx context.Context, collection string, filter *Filter) error {
	if filter.Empty() {
		return fmt.Errorf("refusing to delete with an empty filter")
	}
	if filter.hasNonEq() {
		return fmt.Errorf("delete on chromem supports only equality filters: %w", ErrNotSupported)
	}

	col, err := s.getCollection(collection)
	if err != nil {
		return err
	}

	if err := col.Delete(ctx, filter.eqConditions(), nil); err != nil {
		return fmt.Errorf("failed to delete by filter: %w", err)
	}

	if err := s.persist(); err != nil {
		slog.Warn("Failed to persist after delete", "error", err)
	}
	return nil
}

func (s *ChromemStore) Stats(ctx context.Context, collection string) (CollectionStats, error) {
	col, err := s.getCollection(collection)
	if err != nil {
		return CollectionStats{}, err
	}
	return CollectionStats{
		Name:        collection,
		VectorCount: uint64(col.Count()),
	}, nil
}

// Close persists the database and releases resources.
func (s *ChromemStore) Close() error {
	return s.persist()
}

// persist saves the database to disk if persistence is enabled.
func (s *ChromemStore) persist() error {
	if s.persistPath == "" {
		return nil
	}

	dbPath := filepath.Join(s.persistPath, "vectors.gob")

	//nolint:staticcheck // Using deprecated function for compatibility
	if err := s.db.Export(dbPath, false, ""); err != nil {
		return fmt.Errorf("failed to persist database: %w", err)
	}
	return nil
}

// encodeMetaValue renders a payload value into chromem's string-only
// metadata. Slices and maps round-trip through JSON.
func encodeMetaValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []string, []any, map[string]any:
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

func decodeMetaValue(s string) any {
	if len(s) > 0 && (s[0] == '[' || s[0] == '{') {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}
	return s
}

var _ Store = (*ChromemStore)(nil)
var _ Store = (*QdrantStore)(nil)
var _ Store = (*PineconeStore)(nil)
