// Package embedders turns text into dense vectors for ANN search. All
// providers enforce the configured token bound and preserve input order
// in batch calls.
package embedders

import (
	"context"
	"errors"
	"fmt"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/logger"
	"github.com/lontar-ai/lontar/pkg/utils"
)

// ErrInputTooLong is returned when an input exceeds the configured token
// bound and truncation is disabled. The HTTP layer maps it to a 4xx.
var ErrInputTooLong = errors.New("embedders: input exceeds token limit")

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	GetDimension() int

	GetModelName() string

	Close() error
}

// New builds the configured provider and wraps it with the LRU cache
// when a cache size is set.
func New(cfg *config.EmbedderConfig) (Embedder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("embedder config cannot be nil")
	}

	var embedder Embedder
	var err error

	switch cfg.Type {
	case "openai":
		embedder, err = NewOpenAIEmbedder(cfg)
	case "ollama":
		embedder, err = NewOllamaEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	if cfg.CacheSize > 0 {
		return NewCachedEmbedder(embedder, cfg.CacheSize)
	}
	return embedder, nil
}

// bounder enforces the per-input token limit shared by all providers.
// When the tokenizer vocabulary cannot be loaded (offline deployments)
// it degrades to a character approximation instead of refusing to
// construct the embedder.
type bounder struct {
	counter   *utils.TokenCounter
	maxTokens int
	truncate  bool
}

// charsPerToken approximates token length when no encoder is loaded.
const charsPerToken = 4

func newBounder(model string, maxTokens int, truncate bool) (*bounder, error) {
	counter, err := utils.NewTokenCounter(model)
	if err != nil {
		logger.For("embedders").Warn("token encoder unavailable, using character approximation",
			"model", model, "error", err)
		counter = nil
	}
	return &bounder{
		counter:   counter,
		maxTokens: maxTokens,
		truncate:  truncate,
	}, nil
}

func (b *bounder) count(text string) int {
	if b.counter != nil {
		return b.counter.Count(text)
	}
	return (len([]rune(text)) + charsPerToken - 1) / charsPerToken
}

func (b *bounder) truncateTo(text string, maxTokens int) string {
	if b.counter != nil {
		return b.counter.Truncate(text, maxTokens)
	}
	runes := []rune(text)
	limit := maxTokens * charsPerToken
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

func (b *bounder) bound(text string) (string, error) {
	if b == nil || b.maxTokens <= 0 {
		return text, nil
	}

	count := b.count(text)
	if count <= b.maxTokens {
		return text, nil
	}
	if b.truncate {
		return b.truncateTo(text, b.maxTokens), nil
	}
	return "", fmt.Errorf("%w: %d tokens, limit %d", ErrInputTooLong, count, b.maxTokens)
}

func (b *bounder) boundAll(texts []string) ([]string, error) {
	bounded := make([]string, len(texts))
	for i, text := range texts {
		t, err := b.bound(text)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		bounded[i] = t
	}
	return bounded, nil
}
