// Package retrieval implements the hybrid retriever: keyword routing
// over the collection table, parallel ANN search, reciprocal-rank
// fusion, optional re-ranking, the parent-document join, and optional
// knowledge-graph expansion. A golden-route fast path answers
// near-duplicate queries from a curated table without touching the
// vector store ranking at all.
//
// The retriever never emits a hit whose parent document cannot be
// resolved; such orphans are dropped, counted, and logged.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/docstore"
	"github.com/lontar-ai/lontar/pkg/embedders"
	"github.com/lontar-ai/lontar/pkg/graph"
	"github.com/lontar-ai/lontar/pkg/logger"
	"github.com/lontar-ai/lontar/pkg/observability"
	"github.com/lontar-ai/lontar/pkg/rerank"
	"github.com/lontar-ai/lontar/pkg/vector"
)

// Route labels reported in SearchResponse.RouteUsed.
const (
	RouteGolden  = "golden"
	RouteKeyword = "keyword"
	RouteDefault = "default"
	RouteNone    = "none"
)

// SearchRequest is one retrieval call. Collections, when set, bypasses
// keyword routing. A nil Limit uses the configured default; an explicit
// zero short-circuits to an empty response with route "none".
type SearchRequest struct {
	Query       string
	Collections []string
	Limit       *int
	Filter      *vector.Filter
	// Tier restricts hits to a payload tier (e.g. "visa_oracle" tier 1
	// regulation text vs tier 2 commentary).
	Tier        string
	ExpandGraph bool
}

// Result is one retrieval hit after the parent join. ChunkID is the
// stable citation id carried through the agent loop.
type Result struct {
	ChunkID       string                 `json:"chunk_id"`
	DocumentID    string                 `json:"document_id"`
	HierarchyPath string                 `json:"hierarchy_path"`
	Text          string                 `json:"text"`
	Score         float64                `json:"score"`
	Collection    string                 `json:"collection"`
	Parent        *docstore.ParentChunk  `json:"-"`
	Ancestors     []*docstore.ParentChunk `json:"-"`
}

// SearchResponse carries the hits plus enough routing metadata for the
// agent to cite and for operators to debug.
type SearchResponse struct {
	Results      []Result        `json:"results"`
	RouteUsed    string          `json:"route_used"`
	Rerank       rerank.Decision `json:"rerank"`
	Expanded     bool            `json:"expanded,omitempty"`
	GraphContext string          `json:"graph_context,omitempty"`
}

// Deps are the stores the retriever composes. Graph and Routes are
// optional; nil disables graph expansion and the golden-route path.
type Deps struct {
	Embedder embedders.Embedder
	Vectors  vector.Store
	Docs     docstore.Store
	Graph    graph.Store
	Reranker rerank.Reranker
	Routes   *RouteStore
}

type Retriever struct {
	cfg   *config.RetrievalConfig
	vcfg  *config.VectorStoreConfig
	flags *config.FeatureFlags
	deps  Deps
	log   *slog.Logger
}

func New(cfg *config.RetrievalConfig, vcfg *config.VectorStoreConfig, flags *config.FeatureFlags, deps Deps) (*Retriever, error) {
	if cfg == nil || vcfg == nil || flags == nil {
		return nil, fmt.Errorf("retrieval config, vector config, and flags are required")
	}
	if deps.Embedder == nil || deps.Vectors == nil || deps.Docs == nil {
		return nil, fmt.Errorf("retriever requires an embedder, a vector store, and a document store")
	}
	if deps.Reranker == nil {
		deps.Reranker = &rerank.NoopReranker{}
	}

	return &Retriever{
		cfg:   cfg,
		vcfg:  vcfg,
		flags: flags,
		deps:  deps,
		log:   logger.For("retrieval"),
	}, nil
}

func (r *Retriever) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("search query cannot be empty")
	}
	limit := r.cfg.DefaultLimit
	if req.Limit != nil {
		if *req.Limit == 0 {
			return &SearchResponse{Results: []Result{}, RouteUsed: RouteNone}, nil
		}
		if *req.Limit > 0 {
			limit = *req.Limit
		}
	}
	if limit > r.cfg.MaxLimit {
		limit = r.cfg.MaxLimit
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	queryVec, err := r.deps.Embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	if resp, ok := r.tryGoldenRoute(ctx, limit, queryVec); ok {
		return resp, nil
	}

	collections, routeUsed := r.route(req)
	if len(collections) == 0 {
		return &SearchResponse{RouteUsed: RouteNone}, nil
	}

	perCollection, err := r.fanOut(ctx, collections, queryVec, req)
	if err != nil {
		return nil, err
	}

	fused := fuse(perCollection, r.cfg.RRFK)
	if len(fused) == 0 {
		return &SearchResponse{RouteUsed: routeUsed}, nil
	}

	candidates := lo.Map(fused, func(c fusedCandidate, _ int) rerank.Candidate {
		// Gate and degrade paths read Score as a similarity, so the
		// candidate carries its best raw similarity; the fused rank
		// lives in the slice order.
		return rerank.Candidate{ID: c.ID, Text: c.Text, Score: c.BestSimilarity}
	})

	// Join more than the limit so orphan drops do not starve the result.
	joinK := limit * 2
	if joinK > len(candidates) {
		joinK = len(candidates)
	}
	ranked, decision, err := r.deps.Reranker.Rerank(ctx, req.Query, candidates, joinK)
	if err != nil {
		return nil, fmt.Errorf("rerank failed: %w", err)
	}

	results, err := r.joinParents(ctx, ranked, fused)
	if err != nil {
		return nil, err
	}
	if len(results) > limit {
		results = results[:limit]
	}

	resp := &SearchResponse{
		Results:   results,
		RouteUsed: routeUsed,
		Rerank:    decision,
	}

	if req.ExpandGraph && r.flags.GraphExpansionOn() && r.deps.Graph != nil {
		r.expandGraph(ctx, resp)
	}

	return resp, nil
}

// route picks target collections: explicit request first, then keyword
// table, then the configured defaults.
func (r *Retriever) route(req SearchRequest) ([]string, string) {
	if len(req.Collections) > 0 {
		return req.Collections, RouteKeyword
	}

	query := strings.ToLower(req.Query)
	var matched []string
	for name, col := range r.vcfg.Collections {
		for _, kw := range col.Keywords {
			if strings.Contains(query, strings.ToLower(kw)) {
				matched = append(matched, name)
				break
			}
		}
	}
	if len(matched) > 0 {
		sort.Strings(matched)
		return matched, RouteKeyword
	}
	return r.vcfg.DefaultCollections, RouteDefault
}

func (r *Retriever) fanOut(ctx context.Context, collections []string, queryVec []float32, req SearchRequest) (map[string][]vector.Result, error) {
	filter := req.Filter
	if req.Tier != "" {
		if filter == nil {
			filter = vector.NewFilter()
		}
		filter = filter.Eq("tier", req.Tier)
	}

	results := make([]([]vector.Result), len(collections))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range collections {
		g.Go(func() error {
			hits, err := r.deps.Vectors.Search(gctx, name, queryVec, r.cfg.TopK, filter)
			if err != nil {
				return fmt.Errorf("search in collection %q failed: %w", name, err)
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	perCollection := make(map[string][]vector.Result, len(collections))
	for i, name := range collections {
		hits := results[i]
		if r.cfg.ScoreThreshold > 0 {
			hits = lo.Filter(hits, func(h vector.Result, _ int) bool {
				return float64(h.Score) >= r.cfg.ScoreThreshold
			})
		}
		perCollection[name] = hits
	}
	return perCollection, nil
}

// joinParents resolves each ranked hit to its parent chunk and attaches
// ancestors up to the configured depth. Hits whose parent is missing
// are orphans: dropped, counted, and logged, never returned.
func (r *Retriever) joinParents(ctx context.Context, ranked []rerank.Ranked, fused []fusedCandidate) ([]Result, error) {
	byID := make(map[string]fusedCandidate, len(fused))
	for _, c := range fused {
		byID[c.ID] = c
	}

	parentIDs := make([]string, 0, len(ranked))
	for _, h := range ranked {
		if c, ok := byID[h.ID]; ok && c.ParentID != "" {
			parentIDs = append(parentIDs, c.ParentID)
		}
	}
	parents, err := r.deps.Docs.GetParents(ctx, lo.Uniq(parentIDs))
	if err != nil {
		return nil, fmt.Errorf("parent join failed: %w", err)
	}

	var results []Result
	orphans := 0
	for _, h := range ranked {
		c, ok := byID[h.ID]
		if !ok {
			continue
		}
		parent, ok := parents[c.ParentID]
		if !ok {
			orphans++
			r.log.Warn("dropping orphan chunk",
				"chunk_id", h.ID, "parent_id", c.ParentID, "collection", c.Collection)
			continue
		}

		res := Result{
			ChunkID:       h.ID,
			DocumentID:    parent.DocumentID,
			HierarchyPath: parent.HierarchyPath,
			Text:          parent.Text,
			Score:         h.RerankScore,
			Collection:    c.Collection,
			Parent:        parent,
		}
		res.Ancestors = r.ancestors(ctx, parent)
		results = append(results, res)
	}

	if orphans > 0 {
		observability.GetGlobalMetrics().RecordOrphanChunks(ctx, orphans)
	}
	return results, nil
}

// ancestors walks parent links up to ParentDepth levels. Lookups are
// best-effort; a broken link truncates the chain rather than failing
// the search.
func (r *Retriever) ancestors(ctx context.Context, parent *docstore.ParentChunk) []*docstore.ParentChunk {
	var chain []*docstore.ParentChunk
	current := parent
	for depth := 0; depth < r.cfg.ParentDepth && current.ParentID != ""; depth++ {
		next, err := r.deps.Docs.GetParent(ctx, current.ParentID)
		if err != nil {
			r.log.Warn("ancestor lookup failed", "parent_id", current.ParentID, "error", err)
			break
		}
		chain = append(chain, next)
		current = next
	}
	return chain
}

// expandGraph looks the top documents up in the knowledge graph and
// attaches a small rendered subgraph. Best-effort: failures log and
// leave the response unexpanded.
func (r *Retriever) expandGraph(ctx context.Context, resp *SearchResponse) {
	seen := make(map[string]bool)
	var sections []string

	for _, res := range resp.Results {
		if len(sections) >= 2 {
			break
		}
		if seen[res.DocumentID] {
			continue
		}
		seen[res.DocumentID] = true

		doc, err := r.deps.Docs.GetDocument(ctx, res.DocumentID)
		if err != nil {
			continue
		}
		entities, err := r.deps.Graph.FindEntityByName(ctx, doc.Title, 1)
		if err != nil || len(entities) == 0 {
			continue
		}
		sub, err := r.deps.Graph.Traverse(ctx, entities[0].ID, 1)
		if err != nil {
			r.log.Warn("graph expansion failed", "entity", entities[0].ID, "error", err)
			continue
		}
		if text := sub.Describe(); text != "" {
			sections = append(sections, text)
		}
	}

	if len(sections) > 0 {
		resp.Expanded = true
		resp.GraphContext = strings.Join(sections, "\n\n")
	}
}

// tryGoldenRoute answers from the curated route table when the query
// embedding is nearly identical to a stored route.
func (r *Retriever) tryGoldenRoute(ctx context.Context, limit int, queryVec []float32) (*SearchResponse, bool) {
	if !r.flags.GoldenRoutesOn() || r.deps.Routes == nil {
		return nil, false
	}

	route, similarity, err := r.deps.Routes.Match(ctx, queryVec, r.deps.Embedder.GetModelName(), r.cfg.RouteSimilarity)
	if err != nil {
		r.log.Warn("golden route lookup failed", "error", err)
		return nil, false
	}
	if route == nil {
		return nil, false
	}

	parents, err := r.deps.Docs.GetParents(ctx, route.ParentIDs)
	if err != nil {
		r.log.Warn("golden route parent join failed", "route", route.ID, "error", err)
		return nil, false
	}

	var results []Result
	for _, id := range route.ParentIDs {
		parent, ok := parents[id]
		if !ok {
			continue
		}
		results = append(results, Result{
			ChunkID:       parent.ID,
			DocumentID:    parent.DocumentID,
			HierarchyPath: parent.HierarchyPath,
			Text:          parent.Text,
			Score:         similarity,
			Parent:        parent,
		})
		if len(results) >= limit {
			break
		}
	}
	if len(results) == 0 {
		return nil, false
	}

	r.log.Debug("golden route hit", "route", route.ID, "similarity", similarity)
	observability.GetGlobalMetrics().RecordCacheHit(ctx, "route")
	return &SearchResponse{
		Results:   results,
		RouteUsed: RouteGolden,
		Rerank:    rerank.Decision{Skipped: true, Reason: "golden route"},
	}, true
}
