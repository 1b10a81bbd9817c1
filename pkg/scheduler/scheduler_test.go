package scheduler

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/docstore"
	"github.com/lontar-ai/lontar/pkg/graph"
	"github.com/lontar-ai/lontar/pkg/llms"
	"github.com/lontar-ai/lontar/pkg/memory"
	"github.com/lontar-ai/lontar/pkg/retrieval"
	"github.com/lontar-ai/lontar/pkg/vector"
)

type fixedProbe struct {
	p95 time.Duration
}

func (p *fixedProbe) P95() time.Duration { return p.p95 }

func newTestScheduler(t *testing.T, probe Probe) *Scheduler {
	t.Helper()
	cfg := &config.SchedulerConfig{BackpressureLatency: 500 * time.Millisecond, StopGrace: time.Second}
	s, err := New(cfg, probe)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestRegisterRejectsBadSchedule(t *testing.T) {
	s := newTestScheduler(t, nil)
	if err := s.Register("bad", "not a cron spec", func(ctx context.Context) error { return nil }); err == nil {
		t.Error("invalid schedule accepted")
	}
	if err := s.Register("", "@every 1h", func(ctx context.Context) error { return nil }); err == nil {
		t.Error("empty task name accepted")
	}
	if err := s.Register("ok", "0 3 * * *", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("standard five-field spec rejected: %v", err)
	}
}

func TestRunTaskExecutes(t *testing.T) {
	s := newTestScheduler(t, &fixedProbe{p95: 10 * time.Millisecond})
	ran := false
	s.runTask("t", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if !ran {
		t.Error("task did not run")
	}
}

func TestBackpressureSkipsTask(t *testing.T) {
	probe := &fixedProbe{p95: 2 * time.Second}
	s := newTestScheduler(t, probe)

	ran := false
	s.runTask("t", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if ran {
		t.Error("task ran under backpressure")
	}

	probe.p95 = 10 * time.Millisecond
	s.runTask("t", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if !ran {
		t.Error("task still skipped after pressure subsided")
	}
}

func TestCheckpointHonorsCancellation(t *testing.T) {
	s := newTestScheduler(t, &fixedProbe{p95: 2 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := s.Checkpoint(ctx)
	if err != context.Canceled {
		t.Errorf("Checkpoint = %v, want context.Canceled", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("Checkpoint did not return promptly on cancellation")
	}
}

func TestStopCancelsLongRunningTask(t *testing.T) {
	cfg := &config.SchedulerConfig{StopGrace: time.Second}
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	started := make(chan struct{})
	if err := s.Register("long", "@every 10ms", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}

	if err := s.Stop(100 * time.Millisecond); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "scheduler.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fakeEmbedder reports a fixed model name.
type fakeEmbedder struct {
	model string
	vec   []float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func (f *fakeEmbedder) GetDimension() int    { return len(f.vec) }
func (f *fakeEmbedder) GetModelName() string { return f.model }
func (f *fakeEmbedder) Close() error         { return nil }

func TestRouteRefresh(t *testing.T) {
	db := openTestDB(t)
	routes, err := retrieval.NewRouteStore(db, "sqlite3")
	if err != nil {
		t.Fatalf("NewRouteStore: %v", err)
	}
	ctx := context.Background()

	stale := &retrieval.GoldenRoute{
		Query:     "berapa harga investor kitas",
		Embedding: []float32{1, 0, 0},
		Model:     "old-model",
		ParentIDs: []string{"PRICING/kitas"},
	}
	current := &retrieval.GoldenRoute{
		Query:     "syarat pt pma",
		Embedding: []float32{0, 1, 0},
		Model:     "new-model",
		ParentIDs: []string{"UU_25/bab-i"},
	}
	if err := routes.Save(ctx, stale); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := routes.Save(ctx, current); err != nil {
		t.Fatalf("Save: %v", err)
	}

	task := RouteRefresh(routes, &fakeEmbedder{model: "new-model", vec: []float32{0.5, 0.5, 0}})
	if err := task(ctx); err != nil {
		t.Fatalf("task: %v", err)
	}

	all, err := routes.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, route := range all {
		if route.Model != "new-model" {
			t.Errorf("route %q still embedded under %s", route.Query, route.Model)
		}
	}
	for _, route := range all {
		if route.ID == stale.ID && route.Embedding[0] != 0.5 {
			t.Errorf("stale route not re-embedded: %v", route.Embedding)
		}
		if route.ID == current.ID && route.Embedding[1] != 1 {
			t.Errorf("current route was touched: %v", route.Embedding)
		}
	}
}

func TestMemoryCompact(t *testing.T) {
	db := openTestDB(t)
	store, err := memory.NewStore(db, "sqlite3")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	for i, content := range []string{"holds an investor KITAS", "sponsor is PT Bali Dev", "asked about coretax"} {
		if err := store.AppendFact(ctx, &memory.MemoryFact{
			UserID:     "u1",
			Content:    content,
			Source:     "extraction",
			Confidence: 0.8,
		}); err != nil {
			t.Fatalf("AppendFact %d: %v", i, err)
		}
	}
	// Age the first two facts past the compaction horizon.
	old := time.Now().UTC().Add(-120 * 24 * time.Hour)
	if _, err := db.Exec(
		`UPDATE memory_facts SET created_at = ? WHERE content != ?`, old, "asked about coretax"); err != nil {
		t.Fatalf("failed to age facts: %v", err)
	}

	task := MemoryCompact(store, 90*24*time.Hour)
	if err := task(ctx); err != nil {
		t.Fatalf("task: %v", err)
	}

	profile, err := store.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if !strings.Contains(profile.Notes, "investor KITAS") || !strings.Contains(profile.Notes, "PT Bali Dev") {
		t.Errorf("notes missing archived facts: %q", profile.Notes)
	}
	if strings.Contains(profile.Notes, "coretax") {
		t.Errorf("fresh fact was archived: %q", profile.Notes)
	}

	remaining, err := store.TopFacts(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("TopFacts: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Content != "asked about coretax" {
		t.Errorf("remaining facts = %+v, want only the fresh one", remaining)
	}
}

// scrollStore serves one page of canned results.
type scrollStore struct {
	hits []vector.Result
}

func (f *scrollStore) EnsureCollection(ctx context.Context, name string, dimension int, metric string) error {
	return nil
}

func (f *scrollStore) Upsert(ctx context.Context, collection string, points []vector.Point) error {
	return nil
}

func (f *scrollStore) Search(ctx context.Context, collection string, vec []float32, topK int, filter *vector.Filter) ([]vector.Result, error) {
	return nil, nil
}

func (f *scrollStore) Scroll(ctx context.Context, collection string, cursor string, limit int, filter *vector.Filter) ([]vector.Result, string, error) {
	if cursor != "" {
		return nil, "", nil
	}
	return f.hits, "", nil
}

func (f *scrollStore) Delete(ctx context.Context, collection string, filter *vector.Filter) error {
	return nil
}

func (f *scrollStore) Stats(ctx context.Context, collection string) (vector.CollectionStats, error) {
	return vector.CollectionStats{}, nil
}

func (f *scrollStore) Name() string { return "fake" }
func (f *scrollStore) Close() error { return nil }

// noScrollStore models managed providers without collection scans.
type noScrollStore struct {
	scrollStore
}

func (f *noScrollStore) Scroll(ctx context.Context, collection string, cursor string, limit int, filter *vector.Filter) ([]vector.Result, string, error) {
	return nil, "", vector.ErrNotSupported
}

func TestGraphSyncSkipsProviderWithoutScroll(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	docs, err := docstore.NewSQLStore(db, "sqlite3")
	if err != nil {
		t.Fatalf("docstore: %v", err)
	}
	graphStore, err := graph.NewSQLStore(db, "sqlite3", 3, 50)
	if err != nil {
		t.Fatalf("graph store: %v", err)
	}

	gen := &fixedGenerator{text: `{"entities": [], "relationships": []}`}
	task := GraphSync(GraphSyncDeps{
		Generator:  gen,
		Docs:       docs,
		Vectors:    &noScrollStore{},
		Graph:      graphStore,
		Collection: "legal_unified",
	}, nil)

	// The task degrades to a no-op on every run instead of failing.
	for run := 0; run < 3; run++ {
		if err := task(ctx); err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
	}
	if gen.calls != 0 {
		t.Errorf("generator called %d times without scroll support", gen.calls)
	}
}

// fixedGenerator returns the same completion for every call.
type fixedGenerator struct {
	text  string
	calls int
}

func (f *fixedGenerator) Generate(ctx context.Context, req llms.Request) (*llms.Completion, error) {
	f.calls++
	return &llms.Completion{Text: f.text}, nil
}

func TestGraphSync(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	docs, err := docstore.NewSQLStore(db, "sqlite3")
	if err != nil {
		t.Fatalf("docstore: %v", err)
	}
	graphStore, err := graph.NewSQLStore(db, "sqlite3", 3, 50)
	if err != nil {
		t.Fatalf("graph store: %v", err)
	}

	doc := &docstore.Document{ID: "PP_31", Type: "regulation", IngestRunID: "run-1", Canonical: true}
	parents := []*docstore.ParentChunk{
		{ID: "PP_31", DocumentID: "PP_31", HierarchyPath: "root", Text: "full", Level: 0},
		{ID: "PP_31/pasal-1", DocumentID: "PP_31", HierarchyPath: "pasal-1", ParentID: "PP_31",
			Text: "Investor KITAS memerlukan PT PMA.", Level: 2, Seq: 1},
	}
	if err := docs.SaveDocument(ctx, doc, parents); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	gen := &fixedGenerator{text: `{"entities": [
  {"name": "Investor KITAS", "type": "VISA", "description": "two-year stay permit"},
  {"name": "PT PMA", "type": "REQUIREMENT", "description": "foreign-owned company"}
], "relationships": [
  {"source": "Investor KITAS", "target": "PT PMA", "type": "REQUIRES"}
]}`}

	task := GraphSync(GraphSyncDeps{
		Generator: gen,
		Docs:      docs,
		Vectors: &scrollStore{hits: []vector.Result{
			{ID: "PP_31:pasal-1", Payload: map[string]any{"document_id": "PP_31"}},
		}},
		Graph:      graphStore,
		Collection: "legal_unified",
	}, nil)
	if err := task(ctx); err != nil {
		t.Fatalf("task: %v", err)
	}
	if gen.calls != 1 {
		t.Errorf("generator called %d times, want 1 (root excluded)", gen.calls)
	}

	entities, err := graphStore.FindEntityByName(ctx, "Investor KITAS", 3)
	if err != nil || len(entities) == 0 {
		t.Fatalf("entity not stored: %v %v", entities, err)
	}
	sub, err := graphStore.Traverse(ctx, entities[0].ID, 1)
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	found := false
	for _, edge := range sub.Edges {
		if edge.Type == graph.RelationRequires {
			found = true
		}
	}
	if !found {
		t.Errorf("REQUIRES edge not stored: %+v", sub.Edges)
	}
}

func TestGraphSyncMalformedOutputSkipped(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	docs, err := docstore.NewSQLStore(db, "sqlite3")
	if err != nil {
		t.Fatalf("docstore: %v", err)
	}
	graphStore, err := graph.NewSQLStore(db, "sqlite3", 3, 50)
	if err != nil {
		t.Fatalf("graph store: %v", err)
	}

	doc := &docstore.Document{ID: "PP_9", Type: "regulation", IngestRunID: "run-1", Canonical: true}
	parents := []*docstore.ParentChunk{
		{ID: "PP_9", DocumentID: "PP_9", HierarchyPath: "root", Text: "full", Level: 0},
		{ID: "PP_9/pasal-1", DocumentID: "PP_9", HierarchyPath: "pasal-1", ParentID: "PP_9", Text: "isi", Level: 2, Seq: 1},
	}
	if err := docs.SaveDocument(ctx, doc, parents); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	task := GraphSync(GraphSyncDeps{
		Generator: &fixedGenerator{text: "I could not find any entities."},
		Docs:      docs,
		Vectors: &scrollStore{hits: []vector.Result{
			{ID: "PP_9:pasal-1", Payload: map[string]any{"document_id": "PP_9"}},
		}},
		Graph:      graphStore,
		Collection: "legal_unified",
	}, nil)

	// Malformed extractions are logged per parent, never fatal.
	if err := task(ctx); err != nil {
		t.Fatalf("task: %v", err)
	}
}
