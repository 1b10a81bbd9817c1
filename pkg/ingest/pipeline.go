package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/docstore"
	"github.com/lontar-ai/lontar/pkg/embedders"
	"github.com/lontar-ai/lontar/pkg/logger"
	"github.com/lontar-ai/lontar/pkg/observability"
	"github.com/lontar-ai/lontar/pkg/vector"
)

// embedBatchSize bounds one embedding call; providers cap batch sizes
// well above this.
const embedBatchSize = 64

// IngestRequest is one document to ingest. Text is the full normalized
// or raw document body.
type IngestRequest struct {
	DocumentID string `json:"document_id"`
	Type       string `json:"type,omitempty"`
	Title      string `json:"title,omitempty"`
	Authority  string `json:"authority,omitempty"`
	Year       int    `json:"year,omitempty"`
	Language   string `json:"language,omitempty"`
	// Tier is the access label carried on every child point; retrieval
	// filters on it. Empty defaults by document type.
	Tier       string `json:"tier,omitempty"`
	SourceURI  string `json:"source_uri,omitempty"`
	Collection string `json:"collection,omitempty"`
	Text       string `json:"text"`
}

// IngestResult reports what one ingest run created.
type IngestResult struct {
	DocumentID     string `json:"document_id"`
	IngestRunID    string `json:"ingest_run_id"`
	ParentsCreated int    `json:"parents_created"`
	ChunksCreated  int    `json:"chunks_created"`
	Skipped        bool   `json:"skipped,omitempty"`
}

// Pipeline writes documents through the two stores in a fixed order:
// relational first (document + parents in one transaction), vector
// second. A crash between the two leaves orphan-free state; the worst
// case is parents without children, which retrieval never surfaces.
type Pipeline struct {
	cfg       *config.IngestConfig
	segmenter *Segmenter
	docs      docstore.Store
	embedder  embedders.Embedder
	vectors   vector.Store
	log       *slog.Logger
}

func NewPipeline(cfg *config.IngestConfig, docs docstore.Store, embedder embedders.Embedder, vectors vector.Store) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ingest config is required")
	}
	if docs == nil || embedder == nil || vectors == nil {
		return nil, fmt.Errorf("docstore, embedder, and vector store are required")
	}
	return &Pipeline{
		cfg:       cfg,
		segmenter: NewSegmenter(cfg),
		docs:      docs,
		embedder:  embedder,
		vectors:   vectors,
		log:       logger.For("ingest"),
	}, nil
}

// Ingest runs one document through segmentation, persistence, and
// embedding. Re-ingesting byte-identical content is a no-op.
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if err := p.validate(&req); err != nil {
		return nil, err
	}

	text := Normalize(req.Text)
	fp := Fingerprint(text)

	existing, err := p.docs.GetDocument(ctx, req.DocumentID)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("dedup lookup failed: %w", err)
	}
	if existing != nil && existing.Fingerprint == fp {
		p.log.Info("skipping unchanged document", "document", req.DocumentID)
		return &IngestResult{DocumentID: req.DocumentID, Skipped: true}, nil
	}

	runID := uuid.NewString()
	parents, children := p.segmenter.Segment(req.DocumentID, text)

	doc := &docstore.Document{
		ID:          req.DocumentID,
		Type:        req.Type,
		Title:       req.Title,
		Authority:   req.Authority,
		Year:        req.Year,
		Language:    req.Language,
		SourceURI:   req.SourceURI,
		IngestRunID: runID,
		Canonical:   true,
		Fingerprint: fp,
	}
	if doc.Type == "" {
		doc.Type = "internal"
	}
	if doc.Language == "" {
		doc.Language = "id"
	}
	tier := req.Tier
	if tier == "" {
		tier = defaultTier(doc.Type)
	}

	// Relational first. The vector store only keys back into rows that
	// exist after this returns.
	if err := p.docs.SaveDocument(ctx, doc, parents); err != nil {
		return nil, fmt.Errorf("failed to save document: %w", err)
	}
	if existing != nil {
		if err := p.docs.MarkCanonical(ctx, req.DocumentID, runID); err != nil {
			return nil, fmt.Errorf("failed to promote new version: %w", err)
		}
	}

	collection := req.Collection
	if collection == "" {
		collection = p.cfg.DefaultCollection
	}
	if err := p.vectors.EnsureCollection(ctx, collection, p.embedder.GetDimension(), "cosine"); err != nil {
		return nil, fmt.Errorf("failed to ensure collection %s: %w", collection, err)
	}

	if err := p.upsertChildren(ctx, collection, doc, tier, children); err != nil {
		return nil, err
	}

	observability.GetGlobalMetrics().RecordIngest(ctx, collection, len(parents), len(children))
	p.log.Info("ingested document",
		"document", req.DocumentID, "collection", collection,
		"parents", len(parents), "children", len(children))

	return &IngestResult{
		DocumentID:     req.DocumentID,
		IngestRunID:    runID,
		ParentsCreated: len(parents),
		ChunksCreated:  len(children),
	}, nil
}

// upsertChildren embeds in batches and upserts each batch before
// embedding the next, keeping memory flat on large documents.
func (p *Pipeline) upsertChildren(ctx context.Context, collection string, doc *docstore.Document, tier string, children []ChildChunk) error {
	for start := 0; start < len(children); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(children) {
			end = len(children)
		}
		batch := children[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding batch failed: %w", err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(batch))
		}

		points := make([]vector.Point, len(batch))
		for i, c := range batch {
			points[i] = vector.Point{
				ID:     c.ID,
				Vector: vectors[i],
				Payload: map[string]any{
					"text":             c.Text,
					"document_id":      doc.ID,
					"hierarchy_path":   c.HierarchyPath,
					"parent_chunk_ids": c.ParentIDs,
					"seq":              c.Seq,
					"tier":             tier,
					"language":         doc.Language,
					"fingerprint":      c.Fingerprint,
				},
			}
		}
		if err := p.vectors.Upsert(ctx, collection, points); err != nil {
			return fmt.Errorf("vector upsert failed: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) validate(req *IngestRequest) error {
	if req.DocumentID == "" {
		req.DocumentID = slug(req.Title)
	}
	if req.DocumentID == "" {
		return fmt.Errorf("document_id or title is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("text cannot be empty")
	}
	if p.cfg.MaxDocumentBytes > 0 && len(req.Text) > p.cfg.MaxDocumentBytes {
		return fmt.Errorf("document exceeds %d bytes", p.cfg.MaxDocumentBytes)
	}
	return nil
}

// defaultTier labels primary sources tier "1" and everything else,
// commentary and internal material, tier "2".
func defaultTier(docType string) string {
	switch docType {
	case "law", "regulation":
		return "1"
	default:
		return "2"
	}
}

// slug derives a document id from a title: uppercased, non-alphanumeric
// runs collapsed to single underscores.
func slug(title string) string {
	title = strings.ToUpper(strings.TrimSpace(title))
	var b strings.Builder
	lastUnderscore := true
	for _, r := range title {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
