package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/docstore"
	"github.com/lontar-ai/lontar/pkg/graph"
	"github.com/lontar-ai/lontar/pkg/vector"
)

type fakeEmbedder struct {
	vec   []float32
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	return f.vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func (f *fakeEmbedder) GetDimension() int     { return len(f.vec) }
func (f *fakeEmbedder) GetModelName() string  { return "fake-embedder" }
func (f *fakeEmbedder) Close() error          { return nil }

type fakeVectorStore struct {
	hits     map[string][]vector.Result
	searched []string
}

func (f *fakeVectorStore) Search(ctx context.Context, collection string, vec []float32, topK int, filter *vector.Filter) ([]vector.Result, error) {
	f.searched = append(f.searched, collection)
	return f.hits[collection], nil
}

func (f *fakeVectorStore) EnsureCollection(ctx context.Context, name string, dim int, metric string) error {
	return nil
}
func (f *fakeVectorStore) Upsert(ctx context.Context, collection string, points []vector.Point) error {
	return nil
}
func (f *fakeVectorStore) Scroll(ctx context.Context, collection, cursor string, limit int, filter *vector.Filter) ([]vector.Result, string, error) {
	return nil, "", nil
}
func (f *fakeVectorStore) Delete(ctx context.Context, collection string, filter *vector.Filter) error {
	return nil
}
func (f *fakeVectorStore) Stats(ctx context.Context, collection string) (vector.CollectionStats, error) {
	return vector.CollectionStats{}, nil
}
func (f *fakeVectorStore) Name() string { return "fake" }
func (f *fakeVectorStore) Close() error { return nil }

type fakeDocs struct {
	parents map[string]*docstore.ParentChunk
	docs    map[string]*docstore.Document
}

func (f *fakeDocs) GetDocument(ctx context.Context, id string) (*docstore.Document, error) {
	if doc, ok := f.docs[id]; ok {
		return doc, nil
	}
	return nil, docstore.ErrNotFound
}

func (f *fakeDocs) GetParent(ctx context.Context, chunkID string) (*docstore.ParentChunk, error) {
	if p, ok := f.parents[chunkID]; ok {
		return p, nil
	}
	return nil, docstore.ErrNotFound
}

func (f *fakeDocs) GetParents(ctx context.Context, chunkIDs []string) (map[string]*docstore.ParentChunk, error) {
	found := make(map[string]*docstore.ParentChunk)
	for _, id := range chunkIDs {
		if p, ok := f.parents[id]; ok {
			found[id] = p
		}
	}
	return found, nil
}

func (f *fakeDocs) ListParents(ctx context.Context, documentID string) ([]*docstore.ParentChunk, error) {
	return nil, nil
}
func (f *fakeDocs) FullText(ctx context.Context, parentID string, depth int) (string, error) {
	return "", nil
}
func (f *fakeDocs) SaveDocument(ctx context.Context, doc *docstore.Document, parents []*docstore.ParentChunk) error {
	return nil
}
func (f *fakeDocs) MarkCanonical(ctx context.Context, documentID, ingestRunID string) error {
	return nil
}
func (f *fakeDocs) Close() error { return nil }

func hit(id, parentID string, score float32) vector.Result {
	return vector.Result{
		ID:      id,
		Score:   score,
		Content: "text of " + id,
		Payload: map[string]any{"parent_chunk_ids": []string{parentID}},
	}
}

func parentFixture(ids ...string) map[string]*docstore.ParentChunk {
	parents := make(map[string]*docstore.ParentChunk)
	for i, id := range ids {
		parents[id] = &docstore.ParentChunk{
			ID:            id,
			DocumentID:    "PERMENKUMHAM_22_2023",
			HierarchyPath: fmt.Sprintf("bab-ii/pasal-%d", i+1),
			Text:          "full text of " + id,
		}
	}
	return parents
}

func testRetriever(t *testing.T, vs *fakeVectorStore, docs *fakeDocs) *Retriever {
	t.Helper()

	cfg := &config.RetrievalConfig{}
	cfg.SetDefaults()
	vcfg := &config.VectorStoreConfig{}
	vcfg.SetDefaults()
	flags := &config.FeatureFlags{}
	flags.SetDefaults()

	r, err := New(cfg, vcfg, flags, Deps{
		Embedder: &fakeEmbedder{vec: []float32{1, 0, 0}},
		Vectors:  vs,
		Docs:     docs,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestSearchKeywordRouting(t *testing.T) {
	vs := &fakeVectorStore{hits: map[string][]vector.Result{
		"visa_oracle": {hit("c1", "p1", 0.8)},
	}}
	r := testRetriever(t, vs, &fakeDocs{parents: parentFixture("p1")})

	resp, err := r.Search(context.Background(), SearchRequest{Query: "biaya kitas investor"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.RouteUsed != RouteKeyword {
		t.Errorf("route = %q, want keyword", resp.RouteUsed)
	}
	if len(vs.searched) != 1 || vs.searched[0] != "visa_oracle" {
		t.Errorf("searched collections = %v, want [visa_oracle]", vs.searched)
	}
	if len(resp.Results) != 1 || resp.Results[0].ChunkID != "c1" {
		t.Fatalf("results = %+v", resp.Results)
	}
	if resp.Results[0].Text != "full text of p1" {
		t.Errorf("result text should come from the parent, got %q", resp.Results[0].Text)
	}
}

func TestSearchDefaultRoute(t *testing.T) {
	vs := &fakeVectorStore{hits: map[string][]vector.Result{
		"legal_unified": {hit("c1", "p1", 0.7)},
	}}
	r := testRetriever(t, vs, &fakeDocs{parents: parentFixture("p1")})

	resp, err := r.Search(context.Background(), SearchRequest{Query: "aturan umum pendirian yayasan"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.RouteUsed != RouteDefault {
		t.Errorf("route = %q, want default", resp.RouteUsed)
	}
	if len(vs.searched) != 1 || vs.searched[0] != "legal_unified" {
		t.Errorf("searched collections = %v, want [legal_unified]", vs.searched)
	}
}

func TestSearchDropsOrphans(t *testing.T) {
	vs := &fakeVectorStore{hits: map[string][]vector.Result{
		"visa_oracle": {
			hit("c1", "p-missing", 0.9),
			hit("c2", "p2", 0.8),
		},
	}}
	r := testRetriever(t, vs, &fakeDocs{parents: parentFixture("p2")})

	resp, err := r.Search(context.Background(), SearchRequest{Query: "kitas sponsor"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ChunkID != "c2" {
		t.Fatalf("orphan must be dropped, got %+v", resp.Results)
	}
}

func TestSearchFusionPrefersCrossCollectionHits(t *testing.T) {
	// c-shared appears in both collections at rank 2; c-top leads one
	// collection. With RRF the shared chunk accumulates two
	// contributions and wins.
	vs := &fakeVectorStore{hits: map[string][]vector.Result{
		"visa_oracle": {
			hit("c-top", "p1", 0.6),
			hit("c-shared", "p2", 0.59),
		},
		"tax_genius": {
			hit("c-other", "p3", 0.58),
			hit("c-shared", "p2", 0.57),
		},
	}}
	r := testRetriever(t, vs, &fakeDocs{parents: parentFixture("p1", "p2", "p3")})

	limit := 3
	resp, err := r.Search(context.Background(), SearchRequest{
		Query: "pajak untuk pemegang kitas",
		Limit: &limit,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) == 0 || resp.Results[0].ChunkID != "c-shared" {
		t.Fatalf("fusion should rank the cross-collection hit first, got %+v", resp.Results)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	r := testRetriever(t, &fakeVectorStore{}, &fakeDocs{})
	if _, err := r.Search(context.Background(), SearchRequest{Query: "   "}); err == nil {
		t.Fatal("empty query must be rejected")
	}
}

func TestSearchExplicitZeroLimit(t *testing.T) {
	cfg := &config.RetrievalConfig{}
	cfg.SetDefaults()
	vcfg := &config.VectorStoreConfig{}
	vcfg.SetDefaults()
	flags := &config.FeatureFlags{}
	flags.SetDefaults()

	emb := &fakeEmbedder{vec: []float32{1, 0, 0}}
	vs := &fakeVectorStore{hits: map[string][]vector.Result{
		"visa_oracle": {hit("c1", "p1", 0.8)},
	}}
	r, err := New(cfg, vcfg, flags, Deps{
		Embedder: emb,
		Vectors:  vs,
		Docs:     &fakeDocs{parents: parentFixture("p1")},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// An explicit zero is not "unset": it answers empty with route
	// "none" and must not embed or search anything.
	zero := 0
	resp, err := r.Search(context.Background(), SearchRequest{Query: "kitas", Limit: &zero})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.RouteUsed != RouteNone || len(resp.Results) != 0 {
		t.Errorf("explicit zero limit must short-circuit, got %+v", resp)
	}
	if len(vs.searched) != 0 {
		t.Errorf("no collection may be searched with a zero limit, searched %v", vs.searched)
	}
	if emb.calls != 0 {
		t.Errorf("embedder called %d times for a zero-limit request", emb.calls)
	}

	// A nil limit keeps the configured default.
	resp, err = r.Search(context.Background(), SearchRequest{Query: "kitas"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.RouteUsed != RouteKeyword || len(resp.Results) != 1 {
		t.Errorf("nil limit must use the default, got %+v", resp)
	}
}

func TestSearchGoldenRoute(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "routes.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	routes, err := NewRouteStore(db, "sqlite3")
	if err != nil {
		t.Fatalf("NewRouteStore: %v", err)
	}
	err = routes.Save(context.Background(), &GoldenRoute{
		Query:     "berapa biaya investor kitas",
		Embedding: []float32{1, 0, 0},
		Model:     "fake-embedder",
		ParentIDs: []string{"p1"},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	vs := &fakeVectorStore{}
	r := testRetriever(t, vs, &fakeDocs{parents: parentFixture("p1")})
	r.deps.Routes = routes
	on := true
	r.flags.GoldenRoutes = &on

	resp, err := r.Search(context.Background(), SearchRequest{Query: "berapa biaya investor kitas"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.RouteUsed != RouteGolden {
		t.Fatalf("route = %q, want golden", resp.RouteUsed)
	}
	if len(resp.Results) != 1 || resp.Results[0].ChunkID != "p1" {
		t.Errorf("results = %+v", resp.Results)
	}
	if len(vs.searched) != 0 {
		t.Errorf("golden route must not hit the vector store, searched %v", vs.searched)
	}
}

func TestSearchGraphExpansion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "graph.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	gs, err := graph.NewSQLStore(db, "sqlite3", 2, 50)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	kitas, err := gs.UpsertEntity(context.Background(), &graph.Entity{
		Type: graph.EntityVisa, Name: "Investor KITAS",
	})
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	_ = kitas

	vs := &fakeVectorStore{hits: map[string][]vector.Result{
		"visa_oracle": {hit("c1", "p1", 0.8)},
	}}
	docs := &fakeDocs{
		parents: parentFixture("p1"),
		docs: map[string]*docstore.Document{
			"PERMENKUMHAM_22_2023": {ID: "PERMENKUMHAM_22_2023", Title: "Investor KITAS"},
		},
	}
	r := testRetriever(t, vs, docs)
	r.deps.Graph = gs
	on := true
	r.flags.GraphExpansion = &on

	resp, err := r.Search(context.Background(), SearchRequest{Query: "kitas investor", ExpandGraph: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !resp.Expanded || resp.GraphContext == "" {
		t.Errorf("expected graph expansion, got expanded=%v context=%q", resp.Expanded, resp.GraphContext)
	}
}

func TestFuseDeterministicOrder(t *testing.T) {
	perCollection := map[string][]vector.Result{
		"a": {hit("x", "p1", 0.5), hit("y", "p2", 0.5)},
		"b": {hit("y", "p2", 0.5), hit("x", "p1", 0.5)},
	}

	first := fuse(perCollection, 60)
	for i := 0; i < 5; i++ {
		again := fuse(perCollection, 60)
		for j := range first {
			if again[j].ID != first[j].ID {
				t.Fatalf("fuse order unstable: %v vs %v", first, again)
			}
		}
	}
}
