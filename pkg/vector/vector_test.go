package vector

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/lontar-ai/lontar/pkg/config"
)

func TestFilterMatches(t *testing.T) {
	payload := map[string]any{
		"tier":        int64(1),
		"language":    "id",
		"document_id": "uu-36-2008",
	}

	tests := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{
			name:   "nil filter matches everything",
			filter: nil,
			want:   true,
		},
		{
			name:   "equality match",
			filter: NewFilter().Eq("language", "id"),
			want:   true,
		},
		{
			name:   "equality mismatch",
			filter: NewFilter().Eq("language", "en"),
			want:   false,
		},
		{
			name:   "numeric equality across types",
			filter: NewFilter().Eq("tier", "1"),
			want:   true,
		},
		{
			name:   "negated equality",
			filter: NewFilter().Ne("document_id", "pp-55-2022"),
			want:   true,
		},
		{
			name:   "membership",
			filter: NewFilter().In("language", "id", "en"),
			want:   true,
		},
		{
			name:   "membership miss",
			filter: NewFilter().In("language", "en", "zh"),
			want:   false,
		},
		{
			name:   "negated membership",
			filter: NewFilter().NotIn("tier", "2", "3"),
			want:   true,
		},
		{
			name:   "conjunction fails on one condition",
			filter: NewFilter().Eq("language", "id").Eq("tier", "2"),
			want:   false,
		},
		{
			name:   "missing field fails equality",
			filter: NewFilter().Eq("canonical", "true"),
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(payload); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClampScore(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want float32
	}{
		{"nan collapses to zero", float32(math.NaN()), 0},
		{"negative clamps to zero", -0.5, 0},
		{"zero stays", 0, 0},
		{"in range stays", 0.42, 0.42},
		{"one stays", 1, 1},
		{"above one clamps", 1.7, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clampScore(tt.in); got != tt.want {
				t.Errorf("clampScore(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	if _, err := New(&config.VectorStoreConfig{Provider: "weaviate"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestQdrantFilterConversion(t *testing.T) {
	filter := NewFilter().
		Eq("tier", "1").
		In("language", "id", "en").
		Ne("status", "revoked").
		NotIn("document_id", "a", "b")

	qf := buildQdrantFilter(filter)
	if qf == nil {
		t.Fatal("expected a filter")
	}
	if len(qf.Must) != 2 {
		t.Fatalf("Must conditions = %d, want 2", len(qf.Must))
	}
	if len(qf.MustNot) != 2 {
		t.Fatalf("MustNot conditions = %d, want 2", len(qf.MustNot))
	}

	eq := qf.Must[0].GetField()
	if eq == nil || eq.Key != "tier" {
		t.Fatalf("first must condition key = %v, want tier", eq)
	}
	if kw := eq.Match.GetKeyword(); kw != "1" {
		t.Errorf("tier keyword = %q, want 1", kw)
	}

	in := qf.Must[1].GetField()
	if in == nil || in.Key != "language" {
		t.Fatalf("second must condition key = %v, want language", in)
	}
	keywords := in.Match.GetKeywords()
	if keywords == nil || len(keywords.Strings) != 2 {
		t.Fatalf("language keywords = %v, want two entries", keywords)
	}
	if keywords.Strings[0] != "id" || keywords.Strings[1] != "en" {
		t.Errorf("language keywords = %v, want [id en]", keywords.Strings)
	}

	if buildQdrantFilter(nil) != nil {
		t.Error("nil filter should convert to nil")
	}
}

func TestConvertScoredPoints(t *testing.T) {
	payload := map[string]*qdrant.Value{
		"text":             mustQdrantValue(t, "Pasal 4 ayat (1) huruf a"),
		"tier":             mustQdrantValue(t, int64(1)),
		"parent_chunk_ids": mustQdrantValue(t, []any{"uu-36-2008:pasal-4", "uu-36-2008:bab-3"}),
	}

	results := convertScoredPoints([]*qdrant.ScoredPoint{
		{
			Id:      qdrant.NewID("3a9f1c7e-0b6d-4a41-9e0e-2f9d1a6f0c11"),
			Score:   1.3,
			Payload: payload,
		},
	})
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}

	got := results[0]
	if got.ID != "3a9f1c7e-0b6d-4a41-9e0e-2f9d1a6f0c11" {
		t.Errorf("ID = %q", got.ID)
	}
	if got.Score != 1 {
		t.Errorf("Score = %v, want clamped 1", got.Score)
	}
	if got.Content != "Pasal 4 ayat (1) huruf a" {
		t.Errorf("Content = %q", got.Content)
	}
	parents := PayloadStrings(got.Payload, "parent_chunk_ids")
	if len(parents) != 2 || parents[0] != "uu-36-2008:pasal-4" {
		t.Errorf("parent_chunk_ids = %v", parents)
	}
	if PayloadInt(got.Payload, "tier") != 1 {
		t.Errorf("tier = %v, want 1", got.Payload["tier"])
	}
}

func TestQdrantPointIDMapping(t *testing.T) {
	// Ids that already are UUIDs pass through untouched.
	const uuidID = "3a9f1c7e-0b6d-4a41-9e0e-2f9d1a6f0c11"
	if got := qdrantPointID(uuidID).GetUuid(); got != uuidID {
		t.Errorf("uuid id rewritten to %q", got)
	}

	// Hierarchical chunk ids map to deterministic UUIDs qdrant accepts.
	const chunkID = "UU_36_2008/bab-ii/pasal-4"
	first := qdrantPointID(chunkID).GetUuid()
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("mapped id %q is not a uuid: %v", first, err)
	}
	if again := qdrantPointID(chunkID).GetUuid(); again != first {
		t.Errorf("mapping not deterministic: %q vs %q", first, again)
	}
	if other := qdrantPointID("UU_36_2008/bab-ii/pasal-5").GetUuid(); other == first {
		t.Error("distinct chunk ids mapped to the same point id")
	}
}

func TestConvertScoredPointsRestoresChunkID(t *testing.T) {
	const chunkID = "UU_36_2008/bab-ii/pasal-4"
	results := convertScoredPoints([]*qdrant.ScoredPoint{
		{
			Id:    qdrantPointID(chunkID),
			Score: 0.9,
			Payload: map[string]*qdrant.Value{
				"text":     mustQdrantValue(t, "isi pasal"),
				"chunk_id": mustQdrantValue(t, chunkID),
			},
		},
	})
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].ID != chunkID {
		t.Errorf("ID = %q, want the original chunk id restored", results[0].ID)
	}
}

func mustQdrantValue(t *testing.T, v any) *qdrant.Value {
	t.Helper()
	val, err := qdrant.NewValue(v)
	if err != nil {
		t.Fatalf("NewValue(%v): %v", v, err)
	}
	return val
}

func TestPineconeFilterConversion(t *testing.T) {
	single, err := pineconeFilter(NewFilter().Eq("tier", "1"))
	if err != nil {
		t.Fatalf("pineconeFilter: %v", err)
	}
	m := single.AsMap()
	if _, ok := m["$and"]; ok {
		t.Error("single condition should not be wrapped in $and")
	}
	tier, ok := m["tier"].(map[string]any)
	if !ok || tier["$eq"] != "1" {
		t.Errorf("tier clause = %v", m["tier"])
	}

	multi, err := pineconeFilter(NewFilter().Eq("tier", "1").NotIn("language", "zh", "ja"))
	if err != nil {
		t.Fatalf("pineconeFilter: %v", err)
	}
	and, ok := multi.AsMap()["$and"].([]any)
	if !ok || len(and) != 2 {
		t.Fatalf("$and = %v, want two clauses", multi.AsMap())
	}

	empty, err := pineconeFilter(nil)
	if err != nil || empty != nil {
		t.Errorf("nil filter = (%v, %v), want (nil, nil)", empty, err)
	}
}

func TestIDOnlyFilter(t *testing.T) {
	ids, ok := idOnlyFilter(NewFilter().Eq("id", "p1"))
	if !ok || len(ids) != 1 || ids[0] != "p1" {
		t.Errorf("idOnlyFilter(eq) = %v, %v", ids, ok)
	}

	ids, ok = idOnlyFilter(NewFilter().In("id", "p1", "p2"))
	if !ok || len(ids) != 2 {
		t.Errorf("idOnlyFilter(in) = %v, %v", ids, ok)
	}

	if _, ok := idOnlyFilter(NewFilter().Eq("document_id", "x")); ok {
		t.Error("payload field filter should not be treated as id filter")
	}
	if _, ok := idOnlyFilter(NewFilter().Eq("id", "p1").Eq("tier", "1")); ok {
		t.Error("mixed filter should not be treated as id filter")
	}
}

func TestMetaValueRoundTrip(t *testing.T) {
	if got := encodeMetaValue("plain"); got != "plain" {
		t.Errorf("string encode = %q", got)
	}
	if got := encodeMetaValue(42); got != "42" {
		t.Errorf("int encode = %q", got)
	}

	encoded := encodeMetaValue([]string{"a", "b"})
	decoded, ok := decodeMetaValue(encoded).([]any)
	if !ok || len(decoded) != 2 || decoded[0] != "a" {
		t.Errorf("slice round trip = %v", decoded)
	}

	if got := decodeMetaValue("uu-36-2008"); got != "uu-36-2008" {
		t.Errorf("plain decode = %v", got)
	}
}

func TestChromemStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewChromemStore(&config.VectorStoreConfig{Provider: "chromem"})
	if err != nil {
		t.Fatalf("NewChromemStore: %v", err)
	}
	defer store.Close()

	const collection = "legal_unified"
	if err := store.EnsureCollection(ctx, collection, 3, "cosine"); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	points := []Point{
		{
			ID:     "11111111-1111-1111-1111-111111111111",
			Vector: []float32{1, 0, 0},
			Payload: map[string]any{
				"text":             "Pasal 4 ayat (1): penghasilan kena pajak",
				"tier":             "1",
				"language":         "id",
				"document_id":      "uu-36-2008",
				"parent_chunk_ids": []string{"uu-36-2008:pasal-4"},
			},
		},
		{
			ID:     "22222222-2222-2222-2222-222222222222",
			Vector: []float32{0.9, 0.1, 0},
			Payload: map[string]any{
				"text":        "Tarif PPh badan untuk wajib pajak dalam negeri",
				"tier":        "2",
				"language":    "id",
				"document_id": "pp-55-2022",
			},
		},
		{
			ID:     "33333333-3333-3333-3333-333333333333",
			Vector: []float32{0, 1, 0},
			Payload: map[string]any{
				"text":        "KBLI 62010 computer programming activities",
				"tier":        "1",
				"language":    "en",
				"document_id": "kbli-2020",
			},
		},
		{
			ID:     "44444444-4444-4444-4444-444444444444",
			Vector: []float32{0, 0, 1},
			Payload: map[string]any{
				"text":        "Persyaratan visa C312 untuk tenaga kerja asing",
				"tier":        "3",
				"language":    "id",
				"document_id": "visa-c312",
			},
		},
	}
	if err := store.Upsert(ctx, collection, points); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	stats, err := store.Stats(ctx, collection)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.VectorCount != 4 {
		t.Fatalf("VectorCount = %d, want 4", stats.VectorCount)
	}

	hits, err := store.Search(ctx, collection, []float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].ID != points[0].ID {
		t.Errorf("top hit = %s, want %s", hits[0].ID, points[0].ID)
	}
	if hits[0].Score < hits[1].Score {
		t.Errorf("scores out of order: %v then %v", hits[0].Score, hits[1].Score)
	}
	for _, h := range hits {
		if h.Score < 0 || h.Score > 1 {
			t.Errorf("score %v outside [0, 1]", h.Score)
		}
	}
	if hits[0].Content != points[0].Payload["text"] {
		t.Errorf("Content = %q", hits[0].Content)
	}
	parents := PayloadStrings(hits[0].Payload, "parent_chunk_ids")
	if len(parents) != 1 || parents[0] != "uu-36-2008:pasal-4" {
		t.Errorf("parent_chunk_ids = %v", parents)
	}

	// Native equality filter path.
	hits, err = store.Search(ctx, collection, []float32{1, 0, 0}, 10, NewFilter().Eq("language", "id"))
	if err != nil {
		t.Fatalf("Search with filter: %v", err)
	}
	for _, h := range hits {
		if PayloadString(h.Payload, "language") != "id" {
			t.Errorf("filter leaked document %s", h.ID)
		}
	}
	if len(hits) != 3 {
		t.Errorf("filtered hits = %d, want 3", len(hits))
	}

	// Post-filter path for operators chromem cannot express natively.
	hits, err = store.Search(ctx, collection, []float32{0, 0, 1}, 10, NewFilter().NotIn("tier", "3"))
	if err != nil {
		t.Fatalf("Search with not_in: %v", err)
	}
	for _, h := range hits {
		if PayloadString(h.Payload, "tier") == "3" {
			t.Errorf("not_in leaked document %s", h.ID)
		}
	}

	if _, _, err := store.Scroll(ctx, collection, "", 10, nil); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Scroll error = %v, want ErrNotSupported", err)
	}

	if err := store.Delete(ctx, collection, NewFilter().Eq("document_id", "visa-c312")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	stats, err = store.Stats(ctx, collection)
	if err != nil {
		t.Fatalf("Stats after delete: %v", err)
	}
	if stats.VectorCount != 3 {
		t.Errorf("VectorCount after delete = %d, want 3", stats.VectorCount)
	}

	if err := store.Delete(ctx, collection, nil); err == nil {
		t.Error("expected refusal for empty delete filter")
	}
}
