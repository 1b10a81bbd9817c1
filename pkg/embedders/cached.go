package embedders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lontar-ai/lontar/pkg/observability"
)

// CachedEmbedder memoizes vectors keyed by model and exact text. Repeat
// queries and re-ingested chunks skip the provider round trip entirely.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &CachedEmbedder{
		inner: inner,
		cache: cache,
	}, nil
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.key(text)
	if vec, ok := e.cache.Get(key); ok {
		observability.GetGlobalMetrics().RecordCacheHit(ctx, "embedding")
		return vec, nil
	}
	observability.GetGlobalMetrics().RecordCacheMiss(ctx, "embedding")

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, vec)
	return vec, nil
}

func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	missing := make([]string, 0, len(texts))
	missingIdx := make([]int, 0, len(texts))

	for i, text := range texts {
		if vec, ok := e.cache.Get(e.key(text)); ok {
			observability.GetGlobalMetrics().RecordCacheHit(ctx, "embedding")
			results[i] = vec
			continue
		}
		observability.GetGlobalMetrics().RecordCacheMiss(ctx, "embedding")
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) > 0 {
		vecs, err := e.inner.EmbedBatch(ctx, missing)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(missing) {
			return nil, fmt.Errorf("expected %d embeddings, got %d", len(missing), len(vecs))
		}
		for j, vec := range vecs {
			i := missingIdx[j]
			results[i] = vec
			e.cache.Add(e.key(texts[i]), vec)
		}
	}

	return results, nil
}

func (e *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(e.inner.GetModelName() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func (e *CachedEmbedder) GetDimension() int {
	return e.inner.GetDimension()
}

func (e *CachedEmbedder) GetModelName() string {
	return e.inner.GetModelName()
}

func (e *CachedEmbedder) Close() error {
	e.cache.Purge()
	return e.inner.Close()
}
