package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lontar-ai/lontar/pkg/llms"
)

// llmScorer asks a utility model for a relevance ranking. Slower and
// noisier than a cross-encoder, but works with nothing beyond the
// provider pool already configured.
type llmScorer struct {
	gen TextGenerator
}

const llmRerankSystem = `You rank document passages by relevance to a query.
Respond with ONLY a JSON array of zero-based passage indices, most relevant
first, covering every passage exactly once. Example: [2, 0, 1]`

func (s *llmScorer) model() string { return s.gen.GetModelName() }
func (s *llmScorer) close() error  { return nil }

func (s *llmScorer) score(ctx context.Context, query string, docs []string) ([]float64, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Query: %s\n\nPassages:\n", query)
	for i, doc := range docs {
		fmt.Fprintf(&prompt, "[%d] %s\n", i, snippet(doc, 500))
	}

	completion, err := s.gen.Generate(ctx, llms.Request{
		System:   llmRerankSystem,
		Messages: []llms.Message{{Role: "user", Content: prompt.String()}},
	})
	if err != nil {
		return nil, err
	}

	ranking, err := parseRanking(completion.Text, len(docs))
	if err != nil {
		return nil, err
	}

	// Position in the ranking becomes the score: first place 1.0,
	// last place approaching 0.
	scores := make([]float64, len(docs))
	for pos, idx := range ranking {
		scores[idx] = 1 - float64(pos)/float64(len(docs))
	}
	return scores, nil
}

// parseRanking extracts a JSON index array from model text and checks
// it is a permutation of [0, n). Indices the model dropped are appended
// in input order so every document keeps a rank.
func parseRanking(text string, n int) ([]int, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in ranking response")
	}

	var ranking []int
	if err := json.Unmarshal([]byte(text[start:end+1]), &ranking); err != nil {
		return nil, fmt.Errorf("failed to parse ranking: %w", err)
	}

	seen := make(map[int]bool, n)
	valid := ranking[:0]
	for _, idx := range ranking {
		if idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		valid = append(valid, idx)
	}
	for i := 0; i < n; i++ {
		if !seen[i] {
			valid = append(valid, i)
		}
	}
	return valid, nil
}

func snippet(s string, max int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
