package tools

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lontar-ai/lontar/pkg/graph"
	_ "github.com/mattn/go-sqlite3"
)

func setupGraph(t *testing.T) graph.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "graph.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := graph.NewSQLStore(db, "sqlite3", 3, 100)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}

	ctx := context.Background()
	kitas, err := store.UpsertEntity(ctx, &graph.Entity{Name: "Investor KITAS", Type: "visa_type"})
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	sponsor, err := store.UpsertEntity(ctx, &graph.Entity{Name: "PT PMA", Type: "organization"})
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	err = store.UpsertRelationship(ctx, &graph.Relationship{
		SourceID: kitas.ID, TargetID: sponsor.ID, Type: "requires",
	})
	if err != nil {
		t.Fatalf("UpsertRelationship: %v", err)
	}
	return store
}

func TestGraphTraversalTool(t *testing.T) {
	tool := NewGraphTraversalTool(setupGraph(t))

	result, err := tool.Execute(context.Background(), map[string]any{"entity": "Investor KITAS"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("result failed: %s", result.Error)
	}
	if !strings.Contains(result.Content, "PT PMA") {
		t.Errorf("traversal should reach the sponsor entity:\n%s", result.Content)
	}
	if !strings.Contains(result.Content, "requires") {
		t.Errorf("traversal should show the edge type:\n%s", result.Content)
	}
}

func TestGraphTraversalUnknownEntity(t *testing.T) {
	tool := NewGraphTraversalTool(setupGraph(t))

	result, err := tool.Execute(context.Background(), map[string]any{"entity": "Mars colony permit"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("a miss is a valid observation, got error %s", result.Error)
	}
	if !strings.Contains(result.Content, "No entity") {
		t.Errorf("content = %q", result.Content)
	}
}
