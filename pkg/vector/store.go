// Package vector adapts external ANN indexes behind one Store interface.
// Scores returned to callers are always finite and clamped to [0, 1],
// whatever the provider's native distance reports.
package vector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cast"

	"github.com/lontar-ai/lontar/pkg/config"
)

// ErrNotSupported marks operations a provider cannot serve (for example
// scrolling a managed Pinecone index). Callers degrade instead of failing.
var ErrNotSupported = errors.New("vector: operation not supported by provider")

// Point is a vector plus payload addressed by a stable id. Ids may be
// arbitrary strings; providers with stricter id rules (Qdrant) map them
// to deterministic UUIDs internally and restore them on reads.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Result is a single search hit. Content mirrors the payload "text" field.
type Result struct {
	ID      string
	Score   float32
	Content string
	Payload map[string]any
}

type CollectionStats struct {
	Name        string
	VectorCount uint64
	Dimension   int
}

type Store interface {
	// EnsureCollection creates the collection when missing. Existing
	// collections are left untouched.
	EnsureCollection(ctx context.Context, name string, dimension int, metric string) error

	// Upsert writes points in provider-sized sub-batches; a failed
	// sub-batch fails the call.
	Upsert(ctx context.Context, collection string, points []Point) error

	Search(ctx context.Context, collection string, vector []float32, topK int, filter *Filter) ([]Result, error)

	// Scroll pages through a collection. An empty returned cursor means
	// the end was reached.
	Scroll(ctx context.Context, collection string, cursor string, limit int, filter *Filter) ([]Result, string, error)

	Delete(ctx context.Context, collection string, filter *Filter) error

	Stats(ctx context.Context, collection string) (CollectionStats, error)

	Name() string

	Close() error
}

// New creates the configured provider.
func New(cfg *config.VectorStoreConfig) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("vector store config cannot be nil")
	}

	switch cfg.Provider {
	case "qdrant":
		return NewQdrantStore(cfg)
	case "pinecone":
		return NewPineconeStore(cfg)
	case "chromem":
		return NewChromemStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported vector store provider: %s", cfg.Provider)
	}
}

// clampScore maps any provider score onto [0, 1]. NaN collapses to 0.
func clampScore(s float32) float32 {
	if s != s || s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// withRetry runs fn up to attempts times, backing off between tries.
// gRPC providers have no retrying transport underneath, so transient
// faults are absorbed here.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
			}
		}
	}
	return err
}

// normalizeValue widens typed slices so providers backed by structpb
// accept them.
func normalizeValue(v any) any {
	switch s := v.(type) {
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	default:
		return v
	}
}

// PayloadString reads a payload field as a string, coercing provider
// scalar types along the way.
func PayloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	return cast.ToString(payload[key])
}

// PayloadStrings reads a payload field as a string slice.
func PayloadStrings(payload map[string]any, key string) []string {
	if payload == nil {
		return nil
	}
	v, ok := payload[key]
	if !ok || v == nil {
		return nil
	}
	if s, ok := v.([]string); ok {
		return s
	}
	return cast.ToStringSlice(v)
}

// PayloadInt reads a payload field as an int.
func PayloadInt(payload map[string]any, key string) int {
	if payload == nil {
		return 0
	}
	return cast.ToInt(payload[key])
}
