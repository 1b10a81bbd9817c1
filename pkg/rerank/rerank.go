// Package rerank rescores retrieval candidates with a cross-encoder.
// Re-ranking is an accuracy refinement, never a gate: scorer failures
// degrade to the original order with a warning, and an early-exit check
// skips the scorer entirely when the incoming scores are already
// confident. Every call reports a Decision so retrieval metadata can
// say what happened.
package rerank

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/llms"
	"github.com/lontar-ai/lontar/pkg/logger"
	"github.com/lontar-ai/lontar/pkg/observability"
)

// Candidate is one retrieval hit entering the re-ranker. Score is the
// upstream (fused) score.
type Candidate struct {
	ID    string
	Text  string
	Score float64
}

// Ranked is a candidate with its post-rerank score. When re-ranking was
// skipped or degraded, Score carries the original score.
type Ranked struct {
	Candidate
	RerankScore float64
}

// Decision explains what the re-ranker did with one request.
type Decision struct {
	// Applied is true when a scorer actually reordered the candidates.
	Applied bool `json:"applied"`
	// Skipped is true when the early-exit gate fired. A failed scorer
	// leaves both flags false: degraded, not skipped.
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Model   string `json:"model,omitempty"`
}

// Reranker reorders candidates by relevance to the query. The output is
// always a permutation of a prefix of the input: no candidate is
// invented and none is duplicated.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Ranked, Decision, error)
	Close() error
}

// TextGenerator is the slice of the provider contract the LLM scorer
// needs; *llms.Gateway's utility provider satisfies it.
type TextGenerator interface {
	Generate(ctx context.Context, req llms.Request) (*llms.Completion, error)
	GetModelName() string
}

// scorer is the pluggable scoring backend behind the shared gate,
// cache, and degrade logic.
type scorer interface {
	score(ctx context.Context, query string, docs []string) ([]float64, error)
	model() string
	close() error
}

// New builds the configured re-ranker. Provider "llm" requires gen;
// "none" ignores it.
func New(cfg *config.RerankConfig, gen TextGenerator) (Reranker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("rerank config cannot be nil")
	}

	var s scorer
	switch cfg.Provider {
	case "none":
		return &NoopReranker{}, nil
	case "http":
		s = newHTTPScorer(cfg)
	case "llm":
		if gen == nil {
			return nil, fmt.Errorf("rerank provider llm requires a text generator")
		}
		s = &llmScorer{gen: gen}
	default:
		return nil, fmt.Errorf("unsupported rerank provider: %s (supported: http, llm, none)", cfg.Provider)
	}

	cache, err := lru.New[string, []float64](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank cache: %w", err)
	}

	return &reranker{
		cfg:    cfg,
		scorer: s,
		cache:  cache,
		log:    logger.For("rerank"),
	}, nil
}

// NoopReranker preserves the incoming order.
type NoopReranker struct{}

func (n *NoopReranker) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Ranked, Decision, error) {
	return passthrough(candidates, topK), Decision{Skipped: true, Reason: "rerank disabled"}, nil
}

func (n *NoopReranker) Close() error { return nil }

type reranker struct {
	cfg    *config.RerankConfig
	scorer scorer
	cache  *lru.Cache[string, []float64]
	log    *slog.Logger
}

func (r *reranker) Close() error {
	return r.scorer.close()
}

func (r *reranker) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Ranked, Decision, error) {
	if query == "" {
		return nil, Decision{}, fmt.Errorf("rerank query cannot be empty")
	}
	if topK <= 0 || topK > len(candidates) {
		topK = len(candidates)
	}
	if len(candidates) == 0 {
		return nil, Decision{Skipped: true, Reason: "no candidates"}, nil
	}

	// Early exit: when the current top-k is already confident, the
	// cross-encoder cannot meaningfully improve the order.
	if mean := meanTopScore(candidates, topK); mean >= r.cfg.ExitThreshold {
		return passthrough(candidates, topK), Decision{
			Skipped: true,
			Reason:  fmt.Sprintf("mean top score %.3f above exit threshold %.3f", mean, r.cfg.ExitThreshold),
		}, nil
	}

	pool := candidates
	if r.cfg.TopN > 0 && r.cfg.TopN < len(pool) {
		pool = pool[:r.cfg.TopN]
	}

	scores, fromCache, err := r.scores(ctx, query, pool)
	if err != nil {
		r.log.Warn("rerank failed, keeping original order", "error", err, "candidates", len(pool))
		return passthrough(candidates, topK), Decision{
			Reason: fmt.Sprintf("degraded: %v", err),
			Model:  r.scorer.model(),
		}, nil
	}

	ranked := make([]Ranked, len(pool))
	for i, c := range pool {
		ranked[i] = Ranked{Candidate: c, RerankScore: scores[i]}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].RerankScore > ranked[j].RerankScore
	})
	if topK < len(ranked) {
		ranked = ranked[:topK]
	}

	reason := "reranked"
	if fromCache {
		reason = "reranked (cached scores)"
	}
	return ranked, Decision{Applied: true, Reason: reason, Model: r.scorer.model()}, nil
}

func (r *reranker) scores(ctx context.Context, query string, pool []Candidate) ([]float64, bool, error) {
	docs := make([]string, len(pool))
	for i, c := range pool {
		docs[i] = c.Text
	}

	key := cacheKey(query, docs)
	if cached, ok := r.cache.Get(key); ok && len(cached) == len(docs) {
		observability.GetGlobalMetrics().RecordCacheHit(ctx, "rerank")
		return cached, true, nil
	}
	observability.GetGlobalMetrics().RecordCacheMiss(ctx, "rerank")

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	scores, err := r.scorer.score(ctx, query, docs)
	if err != nil {
		return nil, false, err
	}
	if len(scores) != len(docs) {
		return nil, false, fmt.Errorf("scorer returned %d scores for %d documents", len(scores), len(docs))
	}

	r.cache.Add(key, scores)
	return scores, false, nil
}

func passthrough(candidates []Candidate, topK int) []Ranked {
	if topK <= 0 || topK > len(candidates) {
		topK = len(candidates)
	}
	ranked := make([]Ranked, topK)
	for i, c := range candidates[:topK] {
		ranked[i] = Ranked{Candidate: c, RerankScore: c.Score}
	}
	return ranked
}

func meanTopScore(candidates []Candidate, k int) float64 {
	if k > len(candidates) {
		k = len(candidates)
	}
	if k == 0 {
		return 0
	}
	var sum float64
	for _, c := range candidates[:k] {
		sum += c.Score
	}
	return sum / float64(k)
}

func cacheKey(query string, docs []string) string {
	h := sha256.New()
	h.Write([]byte(query))
	for _, d := range docs {
		h.Write([]byte{0})
		h.Write([]byte(d))
	}
	return string(h.Sum(nil))
}
