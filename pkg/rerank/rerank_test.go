package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/llms"
)

func testConfig() *config.RerankConfig {
	cfg := &config.RerankConfig{Provider: "http", URL: "http://unused"}
	cfg.SetDefaults()
	return cfg
}

func candidates(scores ...float64) []Candidate {
	out := make([]Candidate, len(scores))
	for i, s := range scores {
		out[i] = Candidate{
			ID:    fmt.Sprintf("chunk-%d", i),
			Text:  fmt.Sprintf("passage %d", i),
			Score: s,
		}
	}
	return out
}

type fakeScorer struct {
	scores []float64
	err    error
	calls  int
}

func (f *fakeScorer) score(ctx context.Context, query string, docs []string) ([]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.scores[:len(docs)], nil
}

func (f *fakeScorer) model() string { return "fake-scorer" }
func (f *fakeScorer) close() error  { return nil }

func newTestReranker(t *testing.T, cfg *config.RerankConfig, s scorer) *reranker {
	t.Helper()
	r, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rr := r.(*reranker)
	rr.scorer = s
	return rr
}

func TestRerankReorders(t *testing.T) {
	cfg := testConfig()
	scorer := &fakeScorer{scores: []float64{0.1, 0.9, 0.5}}
	r := newTestReranker(t, cfg, scorer)

	ranked, decision, err := r.Rerank(context.Background(), "investor kitas", candidates(0.4, 0.3, 0.2), 3)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if !decision.Applied {
		t.Errorf("decision = %+v, want applied", decision)
	}
	if decision.Model != "fake-scorer" {
		t.Errorf("decision model = %q", decision.Model)
	}
	ids := []string{ranked[0].ID, ranked[1].ID, ranked[2].ID}
	want := []string{"chunk-1", "chunk-2", "chunk-0"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
}

func TestRerankEarlyExit(t *testing.T) {
	cfg := testConfig()
	cfg.ExitThreshold = 0.75
	scorer := &fakeScorer{scores: []float64{0, 0, 0}}
	r := newTestReranker(t, cfg, scorer)

	ranked, decision, err := r.Rerank(context.Background(), "q", candidates(0.9, 0.8, 0.1), 2)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if !decision.Skipped || decision.Applied {
		t.Errorf("decision = %+v, want skipped", decision)
	}
	if scorer.calls != 0 {
		t.Errorf("scorer called %d times despite early exit", scorer.calls)
	}
	if len(ranked) != 2 || ranked[0].ID != "chunk-0" {
		t.Errorf("early exit must preserve order, got %+v", ranked)
	}
}

func TestRerankDegradesOnFailure(t *testing.T) {
	cfg := testConfig()
	scorer := &fakeScorer{err: errors.New("scorer down")}
	r := newTestReranker(t, cfg, scorer)

	in := candidates(0.4, 0.3, 0.2)
	ranked, decision, err := r.Rerank(context.Background(), "q", in, 3)
	if err != nil {
		t.Fatalf("Rerank must not fail when the scorer does: %v", err)
	}
	if decision.Applied || decision.Skipped {
		t.Errorf("decision = %+v, want degraded (neither applied nor skipped)", decision)
	}
	for i, r := range ranked {
		if r.ID != in[i].ID || r.RerankScore != in[i].Score {
			t.Fatalf("degrade must keep original order and scores, got %+v", ranked)
		}
	}
}

func TestRerankCachesScores(t *testing.T) {
	cfg := testConfig()
	scorer := &fakeScorer{scores: []float64{0.2, 0.8}}
	r := newTestReranker(t, cfg, scorer)

	in := candidates(0.4, 0.3)
	if _, _, err := r.Rerank(context.Background(), "q", in, 2); err != nil {
		t.Fatalf("first Rerank: %v", err)
	}
	if _, decision, err := r.Rerank(context.Background(), "q", in, 2); err != nil {
		t.Fatalf("second Rerank: %v", err)
	} else if !decision.Applied {
		t.Errorf("cached rerank should still report applied, got %+v", decision)
	}
	if scorer.calls != 1 {
		t.Errorf("scorer called %d times, want 1 (second call cached)", scorer.calls)
	}
}

func TestRerankEmptyQuery(t *testing.T) {
	r := newTestReranker(t, testConfig(), &fakeScorer{})
	if _, _, err := r.Rerank(context.Background(), "", candidates(0.5), 1); err == nil {
		t.Fatal("empty query must be rejected")
	}
}

func TestNoopReranker(t *testing.T) {
	r := &NoopReranker{}
	in := candidates(0.3, 0.2, 0.1)
	ranked, decision, err := r.Rerank(context.Background(), "q", in, 2)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if !decision.Skipped {
		t.Errorf("decision = %+v, want skipped", decision)
	}
	if len(ranked) != 2 || ranked[0].ID != "chunk-0" || ranked[1].ID != "chunk-1" {
		t.Errorf("noop must keep order, got %+v", ranked)
	}
}

func TestHTTPScorer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer rk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req rerankRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Documents) != 3 {
			t.Errorf("documents = %d, want 3", len(req.Documents))
		}
		fmt.Fprint(w, `{"results": [
			{"index": 2, "relevance_score": 0.95},
			{"index": 0, "relevance_score": 0.40}
		]}`)
	}))
	defer ts.Close()

	cfg := testConfig()
	cfg.URL = ts.URL
	cfg.APIKey = "rk-test"
	s := newHTTPScorer(cfg)

	scores, err := s.score(context.Background(), "q", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if scores[2] != 0.95 || scores[0] != 0.40 || scores[1] != 0 {
		t.Errorf("scores = %v", scores)
	}
}

type fakeGen struct {
	text string
	err  error
}

func (f *fakeGen) Generate(ctx context.Context, req llms.Request) (*llms.Completion, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llms.Completion{Text: f.text}, nil
}

func (f *fakeGen) GetModelName() string { return "fake-llm" }

func TestLLMScorer(t *testing.T) {
	s := &llmScorer{gen: &fakeGen{text: "Ranking: [2, 0, 1]"}}

	scores, err := s.score(context.Background(), "q", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if !(scores[2] > scores[0] && scores[0] > scores[1]) {
		t.Errorf("scores = %v, want doc 2 first, then 0, then 1", scores)
	}
}

func TestParseRankingRepairsOmissions(t *testing.T) {
	ranking, err := parseRanking("[2, 2, 9, 0]", 4)
	if err != nil {
		t.Fatalf("parseRanking: %v", err)
	}
	// Duplicate 2 and out-of-range 9 dropped, missing 1 and 3 appended.
	want := []int{2, 0, 1, 3}
	for i := range want {
		if ranking[i] != want[i] {
			t.Fatalf("ranking = %v, want %v", ranking, want)
		}
	}
}

func TestParseRankingNoArray(t *testing.T) {
	if _, err := parseRanking("cannot rank these", 3); err == nil {
		t.Fatal("want error when no JSON array present")
	}
}
