package retrieval

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func setupRouteStore(t *testing.T) *RouteStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "routes.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewRouteStore(db, "sqlite3")
	if err != nil {
		t.Fatalf("NewRouteStore: %v", err)
	}
	return store
}

func TestRouteStoreSaveAndList(t *testing.T) {
	store := setupRouteStore(t)
	ctx := context.Background()

	route := &GoldenRoute{
		Query:     "berapa biaya investor kitas",
		Embedding: []float32{0.1, 0.9, 0},
		Model:     "text-embedding-3-small",
		ParentIDs: []string{"PP_28_2019:bab-ii/pasal-3"},
	}
	if err := store.Save(ctx, route); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if route.ID == "" {
		t.Error("Save must mint an id")
	}

	routes, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(routes) != 1 {
		t.Fatalf("routes = %d, want 1", len(routes))
	}
	got := routes[0]
	if got.Query != route.Query || got.Model != route.Model {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Embedding) != 3 || got.Embedding[1] != 0.9 {
		t.Errorf("embedding = %v", got.Embedding)
	}
	if len(got.ParentIDs) != 1 || got.ParentIDs[0] != "PP_28_2019:bab-ii/pasal-3" {
		t.Errorf("parent ids = %v", got.ParentIDs)
	}
}

func TestRouteStoreSaveUpserts(t *testing.T) {
	store := setupRouteStore(t)
	ctx := context.Background()

	route := &GoldenRoute{
		ID:        "r1",
		Query:     "old",
		Embedding: []float32{1, 0},
		Model:     "m",
		ParentIDs: []string{"p1"},
	}
	if err := store.Save(ctx, route); err != nil {
		t.Fatalf("Save: %v", err)
	}
	route.Query = "new"
	route.Embedding = []float32{0, 1}
	if err := store.Save(ctx, route); err != nil {
		t.Fatalf("re-Save: %v", err)
	}

	routes, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(routes) != 1 || routes[0].Query != "new" {
		t.Fatalf("upsert did not replace: %+v", routes)
	}
}

func TestRouteStoreMatch(t *testing.T) {
	store := setupRouteStore(t)
	ctx := context.Background()

	save := func(id string, vec []float32) {
		t.Helper()
		err := store.Save(ctx, &GoldenRoute{
			ID: id, Query: id, Embedding: vec, Model: "m", ParentIDs: []string{"p"},
		})
		if err != nil {
			t.Fatalf("Save(%s): %v", id, err)
		}
	}
	save("exact", []float32{1, 0, 0})
	save("near", []float32{0.9, 0.1, 0})
	save("far", []float32{0, 0, 1})

	route, score, err := store.Match(ctx, []float32{1, 0, 0}, "m", 0.92)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if route == nil || route.ID != "exact" {
		t.Fatalf("match = %+v, want exact", route)
	}
	if score < 0.999 {
		t.Errorf("score = %f, want ~1", score)
	}
}

func TestRouteStoreMatchBelowThreshold(t *testing.T) {
	store := setupRouteStore(t)
	ctx := context.Background()

	err := store.Save(ctx, &GoldenRoute{
		Query: "q", Embedding: []float32{1, 0}, Model: "m", ParentIDs: []string{"p"},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	route, _, err := store.Match(ctx, []float32{0, 1}, "m", 0.92)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if route != nil {
		t.Fatalf("orthogonal vector must not match, got %+v", route)
	}
}

func TestRouteStoreMatchModelMismatch(t *testing.T) {
	store := setupRouteStore(t)
	ctx := context.Background()

	err := store.Save(ctx, &GoldenRoute{
		Query: "q", Embedding: []float32{1, 0}, Model: "old-model", ParentIDs: []string{"p"},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	route, _, err := store.Match(ctx, []float32{1, 0}, "new-model", 0.5)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if route != nil {
		t.Fatal("routes embedded under another model must never match")
	}
}

func TestRouteStoreDelete(t *testing.T) {
	store := setupRouteStore(t)
	ctx := context.Background()

	route := &GoldenRoute{Query: "q", Embedding: []float32{1}, Model: "m", ParentIDs: []string{"p"}}
	if err := store.Save(ctx, route); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete(ctx, route.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	routes, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(routes) != 0 {
		t.Fatalf("routes = %d after delete, want 0", len(routes))
	}
}

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		a, b []float32
		want float64
	}{
		{[]float32{1, 0}, []float32{1, 0}, 1},
		{[]float32{1, 0}, []float32{0, 1}, 0},
		{[]float32{1, 0}, []float32{1}, 0},
		{nil, nil, 0},
	}
	for _, tc := range cases {
		if got := cosineSimilarity(tc.a, tc.b); got != tc.want {
			t.Errorf("cosineSimilarity(%v, %v) = %f, want %f", tc.a, tc.b, got, tc.want)
		}
	}
}
