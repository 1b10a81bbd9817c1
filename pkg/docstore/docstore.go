// Package docstore is the durable home of documents and their parent
// chunks. The relational store is the single source of truth for text;
// the vector store only keys back into it. Ingestion writes parents here
// before any child chunk reaches the vector store, and retrieval relies
// on that ordering.
package docstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound marks lookups that matched nothing.
var ErrNotFound = errors.New("docstore: not found")

// Document is a source artifact: a law, regulation, pricing sheet, or
// internal document. Re-ingesting a document creates a new version row
// keyed by ingest run; stale versions are retained for audit and exactly
// one version per document id may be canonical.
type Document struct {
	ID          string // stable id, e.g. "PP_31_2013"
	Type        string // law, regulation, pricing, internal
	Title       string
	Authority   string // issuing body
	Year        int
	Language    string // ISO 639-1, usually "id" or "en"
	SourceURI   string
	IngestRunID string
	Canonical   bool
	OCRQuality  float64 // 0 when the source was born digital
	Fingerprint string  // sha256 of the normalized full text
	CreatedAt   time.Time
}

// ParentChunk is a logical unit of a document: a BAB (chapter), Pasal
// (article), or section. Chunk ids are composite (document id plus
// hierarchy path) and the parent links of one document form a tree whose
// root has an empty ParentID.
type ParentChunk struct {
	ID            string
	DocumentID    string
	HierarchyPath string // e.g. "bab-iv/pasal-12"
	ParentID      string // empty at the root
	ChildIDs      []string
	Text          string
	CharCount     int // rune count of Text
	PasalCount    int // articles under this node
	Level         int // 0 root, 1 BAB, 2 Pasal, 3 Ayat
	Seq           int // document order among all parents
	Summary       string
	Fingerprint   string // sha256 of Text
	Canonical     bool
}

// Store is the parent-document contract the retriever and the ingestion
// pipeline build on.
type Store interface {
	// GetDocument returns the canonical version of a document, falling
	// back to the most recent version when none is marked canonical.
	GetDocument(ctx context.Context, id string) (*Document, error)

	GetParent(ctx context.Context, chunkID string) (*ParentChunk, error)

	// GetParents resolves many chunk ids in one query. Missing ids are
	// simply absent from the returned map.
	GetParents(ctx context.Context, chunkIDs []string) (map[string]*ParentChunk, error)

	// ListParents returns all parents of a document in document order.
	ListParents(ctx context.Context, documentID string) ([]*ParentChunk, error)

	// FullText reconstructs text from the subtree rooted at parentID,
	// descending at most depth levels. depth 0 returns the node's own
	// text.
	FullText(ctx context.Context, parentID string, depth int) (string, error)

	// SaveDocument writes one document version and its parents in a
	// single transaction. Callers upsert child chunks to the vector
	// store only after this returns.
	SaveDocument(ctx context.Context, doc *Document, parents []*ParentChunk) error

	// MarkCanonical flips the canonical flag to the given ingest run,
	// demoting whichever version held it before.
	MarkCanonical(ctx context.Context, documentID, ingestRunID string) error

	Close() error
}
