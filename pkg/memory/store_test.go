package memory

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "memory.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, "sqlite3")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestProfileRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	profile := &Profile{
		UserID:   "user-1",
		Name:     "Ayu",
		Role:     "consultant",
		Language: "id",
		Notes:    "handles visa cases",
	}
	if err := store.SaveProfile(ctx, profile); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}

	got, err := store.GetProfile(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.Name != "Ayu" || got.Role != "consultant" || got.Language != "id" {
		t.Errorf("profile = %+v", got)
	}

	profile.Role = "senior consultant"
	if err := store.SaveProfile(ctx, profile); err != nil {
		t.Fatalf("re-SaveProfile: %v", err)
	}
	got, err = store.GetProfile(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetProfile after update: %v", err)
	}
	if got.Role != "senior consultant" {
		t.Errorf("upsert did not replace: %q", got.Role)
	}

	if _, err := store.GetProfile(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing profile must be ErrNotFound, got %v", err)
	}
}

func TestAppendFactValidation(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.AppendFact(ctx, &MemoryFact{UserID: "u", Content: "x", Confidence: 1.5}); err == nil {
		t.Error("confidence above 1 must be rejected")
	}
	if err := store.AppendFact(ctx, &MemoryFact{UserID: "u", Confidence: 0.5}); err == nil {
		t.Error("fact without content must be rejected")
	}

	fact := &MemoryFact{UserID: "u", Content: "x", Confidence: 0.5}
	if err := store.AppendFact(ctx, fact); err != nil {
		t.Fatalf("AppendFact: %v", err)
	}
	if fact.ID == "" {
		t.Error("AppendFact must mint an id")
	}
}

func TestTopFactsOrdering(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := []*MemoryFact{
		{UserID: "u", Content: "fresh and confident", Confidence: 0.9, CreatedAt: now},
		{UserID: "u", Content: "fresh but shaky", Confidence: 0.3, CreatedAt: now},
		{UserID: "u", Content: "confident but a month old", Confidence: 0.95, CreatedAt: now.Add(-30 * 24 * time.Hour)},
		{UserID: "other", Content: "someone else", Confidence: 1, CreatedAt: now},
	}
	for _, f := range seed {
		if err := store.AppendFact(ctx, f); err != nil {
			t.Fatalf("AppendFact: %v", err)
		}
	}

	facts, err := store.TopFacts(ctx, "u", 2)
	if err != nil {
		t.Fatalf("TopFacts: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("facts = %d, want 2", len(facts))
	}
	if facts[0].Content != "fresh and confident" {
		t.Errorf("top fact = %q", facts[0].Content)
	}
	// The month-old 0.95 decays to ~0.05 and loses to the fresh 0.3.
	if facts[1].Content != "fresh but shaky" {
		t.Errorf("second fact = %q", facts[1].Content)
	}

	if facts, err := store.TopFacts(ctx, "u", 0); err != nil || facts != nil {
		t.Errorf("TopFacts with k=0 = %v, %v", facts, err)
	}
}

func TestDeleteFactsBefore(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := &MemoryFact{UserID: "u", Content: "old", Confidence: 0.5, CreatedAt: now.Add(-48 * time.Hour)}
	fresh := &MemoryFact{UserID: "u", Content: "fresh", Confidence: 0.5, CreatedAt: now}
	for _, f := range []*MemoryFact{old, fresh} {
		if err := store.AppendFact(ctx, f); err != nil {
			t.Fatalf("AppendFact: %v", err)
		}
	}

	n, err := store.DeleteFactsBefore(ctx, "u", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteFactsBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	facts, err := store.TopFacts(ctx, "u", 10)
	if err != nil {
		t.Fatalf("TopFacts: %v", err)
	}
	if len(facts) != 1 || facts[0].Content != "fresh" {
		t.Errorf("remaining facts = %v", facts)
	}
}

func TestListUserIDs(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	for _, user := range []string{"a", "a", "b"} {
		if err := store.AppendFact(ctx, &MemoryFact{UserID: user, Content: "x", Confidence: 0.5}); err != nil {
			t.Fatalf("AppendFact: %v", err)
		}
	}
	ids, err := store.ListUserIDs(ctx)
	if err != nil {
		t.Fatalf("ListUserIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("ids = %v, want two distinct users", ids)
	}
}
