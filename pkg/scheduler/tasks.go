package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lontar-ai/lontar/pkg/docstore"
	"github.com/lontar-ai/lontar/pkg/embedders"
	"github.com/lontar-ai/lontar/pkg/graph"
	"github.com/lontar-ai/lontar/pkg/llms"
	"github.com/lontar-ai/lontar/pkg/logger"
	"github.com/lontar-ai/lontar/pkg/memory"
	"github.com/lontar-ai/lontar/pkg/retrieval"
	"github.com/lontar-ai/lontar/pkg/vector"
)

// Generator is the slice of the gateway background tasks use for
// utility-model calls.
type Generator interface {
	Generate(ctx context.Context, req llms.Request) (*llms.Completion, error)
}

const graphExtractSystem = `Extract the knowledge graph from this Indonesian legal passage.

Return ONLY a JSON object:
{"entities": [{"name": "...", "type": "REGULATION|VISA|REQUIREMENT|AGENCY|COST|PROCEDURE", "description": "..."}],
 "relationships": [{"source": "...", "target": "...", "type": "REQUIRES|AMENDS|DEFINES|ISSUED_BY|COSTS"}]}

Entity names are the canonical Indonesian or English terms ("Investor KITAS", "PT PMA", "BKPM").
Only extract what the passage states. Return {"entities": [], "relationships": []} when there is nothing.`

type extractedGraph struct {
	Entities []struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"entities"`
	Relationships []struct {
		Source string `json:"source"`
		Target string `json:"target"`
		Type   string `json:"type"`
	} `json:"relationships"`
}

// GraphSyncDeps wires the graph_sync task.
type GraphSyncDeps struct {
	Generator  Generator
	Docs       docstore.Store
	Vectors    vector.Store
	Graph      graph.Store
	Collection string
	// MaxParents bounds LLM calls per run. 0 means 24.
	MaxParents int
}

// GraphSync extracts entities and relationships from article-level
// parents into the knowledge graph. Upserts are idempotent, so
// revisiting a document refreshes rather than duplicates. checkpoint
// may be nil.
func GraphSync(deps GraphSyncDeps, checkpoint func(context.Context) error) Task {
	log := logger.For("scheduler.graph_sync")
	maxParents := deps.MaxParents
	if maxParents <= 0 {
		maxParents = 24
	}
	var unsupportedOnce sync.Once

	return func(ctx context.Context) error {
		docIDs, err := scrollDocumentIDs(ctx, deps.Vectors, deps.Collection)
		if errors.Is(err, vector.ErrNotSupported) {
			// Managed providers without scroll (Pinecone) can never feed
			// this task; log once instead of failing every run.
			unsupportedOnce.Do(func() {
				log.Warn("collection scroll not supported, graph sync disabled",
					"provider", deps.Vectors.Name(), "collection", deps.Collection)
			})
			return nil
		}
		if err != nil {
			return err
		}

		extracted := 0
		for _, docID := range docIDs {
			parents, err := deps.Docs.ListParents(ctx, docID)
			if err != nil {
				log.Warn("skipping document", "document", docID, "error", err)
				continue
			}
			for _, parent := range parents {
				if parent.Level < 2 {
					continue
				}
				if extracted >= maxParents {
					return nil
				}
				if checkpoint != nil {
					if err := checkpoint(ctx); err != nil {
						return err
					}
				}
				if err := extractParent(ctx, deps, log, parent); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					log.Warn("extraction failed", "chunk", parent.ID, "error", err)
					continue
				}
				extracted++
			}
		}
		log.Info("graph sync complete", "documents", len(docIDs), "parents", extracted)
		return nil
	}
}

func extractParent(ctx context.Context, deps GraphSyncDeps, log *slog.Logger, parent *docstore.ParentChunk) error {
	completion, err := deps.Generator.Generate(ctx, llms.Request{
		System:   graphExtractSystem,
		Messages: []llms.Message{{Role: "user", Content: parent.Text}},
	})
	if err != nil {
		return err
	}

	var out extractedGraph
	raw := completion.Text
	start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in extraction output")
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return fmt.Errorf("unparseable extraction output: %w", err)
	}

	ids := make(map[string]string, len(out.Entities))
	for _, e := range out.Entities {
		stored, err := deps.Graph.UpsertEntity(ctx, &graph.Entity{
			Name:        e.Name,
			Type:        e.Type,
			Description: e.Description,
		})
		if err != nil {
			log.Warn("entity rejected", "name", e.Name, "type", e.Type, "error", err)
			continue
		}
		ids[strings.ToLower(e.Name)] = stored.ID
	}
	for _, r := range out.Relationships {
		source, target := ids[strings.ToLower(r.Source)], ids[strings.ToLower(r.Target)]
		if source == "" || target == "" {
			continue
		}
		if err := deps.Graph.UpsertRelationship(ctx, &graph.Relationship{
			SourceID: source,
			TargetID: target,
			Type:     r.Type,
		}); err != nil {
			log.Warn("relationship rejected", "source", r.Source, "target", r.Target, "error", err)
		}
	}
	return nil
}

// scrollDocumentIDs pages the collection and returns the distinct
// document ids it references.
func scrollDocumentIDs(ctx context.Context, vectors vector.Store, collection string) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	cursor := ""
	for {
		hits, next, err := vectors.Scroll(ctx, collection, cursor, 128, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to scroll %s: %w", collection, err)
		}
		for _, hit := range hits {
			docID := vector.PayloadString(hit.Payload, "document_id")
			if docID != "" && !seen[docID] {
				seen[docID] = true
				ids = append(ids, docID)
			}
		}
		if next == "" {
			return ids, nil
		}
		cursor = next
	}
}

// RouteRefresh re-embeds golden routes recorded under a different
// embedding model, so route matching survives a model change.
func RouteRefresh(routes *retrieval.RouteStore, embedder embedders.Embedder) Task {
	log := logger.For("scheduler.route_refresh")

	return func(ctx context.Context) error {
		all, err := routes.List(ctx)
		if err != nil {
			return err
		}

		model := embedder.GetModelName()
		refreshed := 0
		for _, route := range all {
			if route.Model == model {
				continue
			}
			vec, err := embedder.Embed(ctx, route.Query)
			if err != nil {
				return fmt.Errorf("failed to re-embed route %s: %w", route.ID, err)
			}
			route.Embedding = vec
			route.Model = model
			if err := routes.Save(ctx, route); err != nil {
				return fmt.Errorf("failed to save route %s: %w", route.ID, err)
			}
			refreshed++
		}
		if refreshed > 0 {
			log.Info("refreshed golden routes", "count", refreshed, "model", model)
		}
		return nil
	}
}

// MemoryCompact folds facts older than maxAge into the profile notes
// and deletes them, keeping the fact table bounded per user.
func MemoryCompact(store *memory.Store, maxAge time.Duration) Task {
	log := logger.For("scheduler.memory_compact")
	if maxAge <= 0 {
		maxAge = 90 * 24 * time.Hour
	}

	return func(ctx context.Context) error {
		userIDs, err := store.ListUserIDs(ctx)
		if err != nil {
			return err
		}

		cutoff := time.Now().UTC().Add(-maxAge)
		for _, userID := range userIDs {
			if err := compactUser(ctx, store, userID, cutoff); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warn("compaction failed", "user", userID, "error", err)
			}
		}
		return nil
	}
}

func compactUser(ctx context.Context, store *memory.Store, userID string, cutoff time.Time) error {
	aged, err := store.FactsBefore(ctx, userID, cutoff, 200)
	if err != nil {
		return err
	}
	if len(aged) == 0 {
		return nil
	}

	profile, err := store.GetProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, memory.ErrNotFound) {
			return err
		}
		profile = &memory.Profile{UserID: userID}
	}

	lines := make([]string, 0, len(aged))
	for _, f := range aged {
		lines = append(lines, "- "+f.Content)
	}
	section := "Archived facts (" + cutoff.Format("2006-01-02") + "):\n" + strings.Join(lines, "\n")
	if profile.Notes != "" {
		profile.Notes += "\n\n"
	}
	profile.Notes += section

	if err := store.SaveProfile(ctx, profile); err != nil {
		return err
	}
	_, err = store.DeleteFactsBefore(ctx, userID, cutoff)
	return err
}
