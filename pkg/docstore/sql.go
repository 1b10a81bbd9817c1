package docstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// SQLStore implements Store on database/sql. The handle is shared with
// the graph, memory, and conversation stores and owned by the runtime's
// pool, so Close here releases nothing.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const (
	createDocumentsTableSQL = `
CREATE TABLE IF NOT EXISTS documents (
    document_id VARCHAR(255) NOT NULL,
    ingest_run_id VARCHAR(255) NOT NULL,
    doc_type VARCHAR(64) NOT NULL,
    title TEXT NOT NULL,
    authority VARCHAR(255) NOT NULL,
    year INTEGER NOT NULL,
    language VARCHAR(16) NOT NULL,
    source_uri TEXT NOT NULL,
    is_canonical BOOLEAN NOT NULL,
    ocr_quality REAL NOT NULL,
    fingerprint VARCHAR(64) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (document_id, ingest_run_id)
);

CREATE INDEX IF NOT EXISTS idx_documents_canonical ON documents(document_id, is_canonical);
`

	createParentsTableSQL = `
CREATE TABLE IF NOT EXISTS parent_documents (
    id VARCHAR(512) NOT NULL PRIMARY KEY,
    document_id VARCHAR(255) NOT NULL,
    hierarchy_path VARCHAR(512) NOT NULL,
    parent_id VARCHAR(512) NOT NULL,
    child_ids TEXT NOT NULL,
    full_text TEXT NOT NULL,
    char_count INTEGER NOT NULL,
    pasal_count INTEGER NOT NULL,
    level INTEGER NOT NULL,
    seq INTEGER NOT NULL,
    summary TEXT NOT NULL,
    text_fingerprint VARCHAR(64) NOT NULL,
    is_canonical BOOLEAN NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (document_id, hierarchy_path)
);

CREATE INDEX IF NOT EXISTS idx_parent_documents_document ON parent_documents(document_id, seq);
`

	// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes are declared
	// inline on the table.
	createDocumentsTableMySQL = `
CREATE TABLE IF NOT EXISTS documents (
    document_id VARCHAR(255) NOT NULL,
    ingest_run_id VARCHAR(255) NOT NULL,
    doc_type VARCHAR(64) NOT NULL,
    title TEXT NOT NULL,
    authority VARCHAR(255) NOT NULL,
    year INTEGER NOT NULL,
    language VARCHAR(16) NOT NULL,
    source_uri TEXT NOT NULL,
    is_canonical BOOLEAN NOT NULL,
    ocr_quality REAL NOT NULL,
    fingerprint VARCHAR(64) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (document_id, ingest_run_id),
    KEY idx_documents_canonical (document_id, is_canonical)
);
`

	createParentsTableMySQL = `
CREATE TABLE IF NOT EXISTS parent_documents (
    id VARCHAR(512) NOT NULL PRIMARY KEY,
    document_id VARCHAR(255) NOT NULL,
    hierarchy_path VARCHAR(512) NOT NULL,
    parent_id VARCHAR(512) NOT NULL,
    child_ids TEXT NOT NULL,
    full_text TEXT NOT NULL,
    char_count INTEGER NOT NULL,
    pasal_count INTEGER NOT NULL,
    level INTEGER NOT NULL,
    seq INTEGER NOT NULL,
    summary TEXT NOT NULL,
    text_fingerprint VARCHAR(64) NOT NULL,
    is_canonical BOOLEAN NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE KEY uq_parent_documents_path (document_id, hierarchy_path),
    KEY idx_parent_documents_document (document_id, seq)
);
`
)

func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite3":

	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite3)", dialect)
	}

	s := &SQLStore{
		db:      db,
		dialect: dialect,
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	documentsSQL := createDocumentsTableSQL
	parentsSQL := createParentsTableSQL
	if s.dialect == "mysql" {
		documentsSQL = createDocumentsTableMySQL
		parentsSQL = createParentsTableMySQL
	}

	if _, err := s.db.ExecContext(ctx, documentsSQL); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, parentsSQL); err != nil {
		return fmt.Errorf("failed to create parent_documents table: %w", err)
	}

	return nil
}

func (s *SQLStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	if id == "" {
		return nil, fmt.Errorf("document id cannot be empty")
	}

	query := `
SELECT document_id, ingest_run_id, doc_type, title, authority, year, language, source_uri, is_canonical, ocr_quality, fingerprint, created_at
FROM documents
WHERE document_id = ?
ORDER BY is_canonical DESC, created_at DESC
LIMIT 1
`
	if s.dialect == "postgres" {
		query = `
SELECT document_id, ingest_run_id, doc_type, title, authority, year, language, source_uri, is_canonical, ocr_quality, fingerprint, created_at
FROM documents
WHERE document_id = $1
ORDER BY is_canonical DESC, created_at DESC
LIMIT 1
`
	}

	var doc Document
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.IngestRunID, &doc.Type, &doc.Title, &doc.Authority,
		&doc.Year, &doc.Language, &doc.SourceURI, &doc.Canonical,
		&doc.OCRQuality, &doc.Fingerprint, &doc.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query document: %w", err)
	}

	return &doc, nil
}

const parentColumns = `id, document_id, hierarchy_path, parent_id, child_ids, full_text, char_count, pasal_count, level, seq, summary, text_fingerprint, is_canonical`

func (s *SQLStore) GetParent(ctx context.Context, chunkID string) (*ParentChunk, error) {
	if chunkID == "" {
		return nil, fmt.Errorf("chunk id cannot be empty")
	}

	query := `SELECT ` + parentColumns + ` FROM parent_documents WHERE id = ?`
	if s.dialect == "postgres" {
		query = `SELECT ` + parentColumns + ` FROM parent_documents WHERE id = $1`
	}

	parent, err := scanParent(s.db.QueryRowContext(ctx, query, chunkID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("parent chunk %s: %w", chunkID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query parent chunk: %w", err)
	}

	return parent, nil
}

func (s *SQLStore) GetParents(ctx context.Context, chunkIDs []string) (map[string]*ParentChunk, error) {
	if len(chunkIDs) == 0 {
		return map[string]*ParentChunk{}, nil
	}

	placeholders := ""
	args := make([]interface{}, 0, len(chunkIDs))
	for i, id := range chunkIDs {
		if i > 0 {
			placeholders += ", "
		}
		if s.dialect == "postgres" {
			placeholders += fmt.Sprintf("$%d", i+1)
		} else {
			placeholders += "?"
		}
		args = append(args, id)
	}

	query := `SELECT ` + parentColumns + ` FROM parent_documents WHERE id IN (` + placeholders + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query parent chunks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*ParentChunk, len(chunkIDs))
	for rows.Next() {
		parent, err := scanParent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan parent chunk: %w", err)
		}
		out[parent.ID] = parent
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating parent chunks: %w", err)
	}

	return out, nil
}

func (s *SQLStore) ListParents(ctx context.Context, documentID string) ([]*ParentChunk, error) {
	if documentID == "" {
		return nil, fmt.Errorf("document id cannot be empty")
	}

	query := `SELECT ` + parentColumns + ` FROM parent_documents WHERE document_id = ? ORDER BY seq ASC`
	if s.dialect == "postgres" {
		query = `SELECT ` + parentColumns + ` FROM parent_documents WHERE document_id = $1 ORDER BY seq ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query parent chunks: %w", err)
	}
	defer rows.Close()

	var parents []*ParentChunk
	for rows.Next() {
		parent, err := scanParent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan parent chunk: %w", err)
		}
		parents = append(parents, parent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating parent chunks: %w", err)
	}

	return parents, nil
}

func (s *SQLStore) FullText(ctx context.Context, parentID string, depth int) (string, error) {
	root, err := s.GetParent(ctx, parentID)
	if err != nil {
		return "", err
	}
	if depth <= 0 {
		return root.Text, nil
	}

	siblings, err := s.ListParents(ctx, root.DocumentID)
	if err != nil {
		return "", err
	}

	children := make(map[string][]*ParentChunk)
	for _, p := range siblings {
		if p.ParentID != "" {
			children[p.ParentID] = append(children[p.ParentID], p)
		}
	}

	visited := make(map[string]bool)
	var collect func(node *ParentChunk, remaining int) []string
	collect = func(node *ParentChunk, remaining int) []string {
		if visited[node.ID] {
			return nil
		}
		visited[node.ID] = true

		kids := children[node.ID]
		if remaining == 0 || len(kids) == 0 {
			return []string{node.Text}
		}
		var parts []string
		for _, kid := range kids {
			parts = append(parts, collect(kid, remaining-1)...)
		}
		return parts
	}

	return strings.Join(collect(root, depth), "\n\n"), nil
}

func (s *SQLStore) SaveDocument(ctx context.Context, doc *Document, parents []*ParentChunk) error {
	if doc == nil {
		return fmt.Errorf("document cannot be nil")
	}
	if doc.ID == "" {
		return fmt.Errorf("document id cannot be empty")
	}
	if doc.IngestRunID == "" {
		return fmt.Errorf("ingest run id cannot be empty")
	}

	ids := make(map[string]bool, len(parents))
	paths := make(map[string]bool, len(parents))
	for i, p := range parents {
		if p == nil {
			return fmt.Errorf("parent at index %d is nil", i)
		}
		if p.ID == "" || p.HierarchyPath == "" {
			return fmt.Errorf("parent at index %d is missing id or hierarchy path", i)
		}
		if p.DocumentID != doc.ID {
			return fmt.Errorf("parent %s belongs to document %s, not %s", p.ID, p.DocumentID, doc.ID)
		}
		if paths[p.HierarchyPath] {
			return fmt.Errorf("duplicate hierarchy path %s in document %s", p.HierarchyPath, doc.ID)
		}
		ids[p.ID] = true
		paths[p.HierarchyPath] = true
	}
	for _, p := range parents {
		if p.ParentID != "" && !ids[p.ParentID] {
			return fmt.Errorf("parent %s links to %s, which is not part of this save", p.ID, p.ParentID)
		}
	}

	if doc.Fingerprint == "" {
		doc.Fingerprint = fingerprint(concatTexts(parents))
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.upsertDocument(ctx, tx, doc); err != nil {
		return err
	}

	now := time.Now()
	for i, p := range parents {
		if p.CharCount == 0 {
			p.CharCount = utf8.RuneCountInString(p.Text)
		}
		if p.Fingerprint == "" {
			p.Fingerprint = fingerprint(p.Text)
		}
		if err = s.upsertParent(ctx, tx, p, now); err != nil {
			err = fmt.Errorf("failed to upsert parent at index %d: %w", i, err)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (s *SQLStore) upsertDocument(ctx context.Context, tx *sql.Tx, doc *Document) error {
	query := `
INSERT INTO documents (document_id, ingest_run_id, doc_type, title, authority, year, language, source_uri, is_canonical, ocr_quality, fingerprint, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (document_id, ingest_run_id) DO UPDATE SET
    doc_type = excluded.doc_type,
    title = excluded.title,
    authority = excluded.authority,
    year = excluded.year,
    language = excluded.language,
    source_uri = excluded.source_uri,
    ocr_quality = excluded.ocr_quality,
    fingerprint = excluded.fingerprint
`
	switch s.dialect {
	case "postgres":
		query = `
INSERT INTO documents (document_id, ingest_run_id, doc_type, title, authority, year, language, source_uri, is_canonical, ocr_quality, fingerprint, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (document_id, ingest_run_id) DO UPDATE SET
    doc_type = excluded.doc_type,
    title = excluded.title,
    authority = excluded.authority,
    year = excluded.year,
    language = excluded.language,
    source_uri = excluded.source_uri,
    ocr_quality = excluded.ocr_quality,
    fingerprint = excluded.fingerprint
`
	case "mysql":
		query = `
INSERT INTO documents (document_id, ingest_run_id, doc_type, title, authority, year, language, source_uri, is_canonical, ocr_quality, fingerprint, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    doc_type = VALUES(doc_type),
    title = VALUES(title),
    authority = VALUES(authority),
    year = VALUES(year),
    language = VALUES(language),
    source_uri = VALUES(source_uri),
    ocr_quality = VALUES(ocr_quality),
    fingerprint = VALUES(fingerprint)
`
	}

	_, err := tx.ExecContext(ctx, query,
		doc.ID, doc.IngestRunID, doc.Type, doc.Title, doc.Authority,
		doc.Year, doc.Language, doc.SourceURI, doc.Canonical,
		doc.OCRQuality, doc.Fingerprint, doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

func (s *SQLStore) upsertParent(ctx context.Context, tx *sql.Tx, p *ParentChunk, now time.Time) error {
	childIDs, err := json.Marshal(p.ChildIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal child ids: %w", err)
	}

	query := `
INSERT INTO parent_documents (id, document_id, hierarchy_path, parent_id, child_ids, full_text, char_count, pasal_count, level, seq, summary, text_fingerprint, is_canonical, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    parent_id = excluded.parent_id,
    child_ids = excluded.child_ids,
    full_text = excluded.full_text,
    char_count = excluded.char_count,
    pasal_count = excluded.pasal_count,
    level = excluded.level,
    seq = excluded.seq,
    summary = excluded.summary,
    text_fingerprint = excluded.text_fingerprint,
    is_canonical = excluded.is_canonical,
    updated_at = excluded.updated_at
`
	switch s.dialect {
	case "postgres":
		query = `
INSERT INTO parent_documents (id, document_id, hierarchy_path, parent_id, child_ids, full_text, char_count, pasal_count, level, seq, summary, text_fingerprint, is_canonical, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
    parent_id = excluded.parent_id,
    child_ids = excluded.child_ids,
    full_text = excluded.full_text,
    char_count = excluded.char_count,
    pasal_count = excluded.pasal_count,
    level = excluded.level,
    seq = excluded.seq,
    summary = excluded.summary,
    text_fingerprint = excluded.text_fingerprint,
    is_canonical = excluded.is_canonical,
    updated_at = excluded.updated_at
`
	case "mysql":
		query = `
INSERT INTO parent_documents (id, document_id, hierarchy_path, parent_id, child_ids, full_text, char_count, pasal_count, level, seq, summary, text_fingerprint, is_canonical, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    parent_id = VALUES(parent_id),
    child_ids = VALUES(child_ids),
    full_text = VALUES(full_text),
    char_count = VALUES(char_count),
    pasal_count = VALUES(pasal_count),
    level = VALUES(level),
    seq = VALUES(seq),
    summary = VALUES(summary),
    text_fingerprint = VALUES(text_fingerprint),
    is_canonical = VALUES(is_canonical),
    updated_at = VALUES(updated_at)
`
	}

	_, err = tx.ExecContext(ctx, query,
		p.ID, p.DocumentID, p.HierarchyPath, p.ParentID, string(childIDs),
		p.Text, p.CharCount, p.PasalCount, p.Level, p.Seq, p.Summary,
		p.Fingerprint, p.Canonical, now,
	)
	return err
}

func (s *SQLStore) MarkCanonical(ctx context.Context, documentID, ingestRunID string) error {
	if documentID == "" || ingestRunID == "" {
		return fmt.Errorf("document id and ingest run id cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	demote := `UPDATE documents SET is_canonical = ? WHERE document_id = ?`
	promote := `UPDATE documents SET is_canonical = ? WHERE document_id = ? AND ingest_run_id = ?`
	parentsQuery := `UPDATE parent_documents SET is_canonical = ? WHERE document_id = ?`
	if s.dialect == "postgres" {
		demote = `UPDATE documents SET is_canonical = $1 WHERE document_id = $2`
		promote = `UPDATE documents SET is_canonical = $1 WHERE document_id = $2 AND ingest_run_id = $3`
		parentsQuery = `UPDATE parent_documents SET is_canonical = $1 WHERE document_id = $2`
	}

	if _, err = tx.ExecContext(ctx, demote, false, documentID); err != nil {
		return fmt.Errorf("failed to demote previous versions: %w", err)
	}

	var result sql.Result
	result, err = tx.ExecContext(ctx, promote, true, documentID, ingestRunID)
	if err != nil {
		return fmt.Errorf("failed to promote version: %w", err)
	}
	affected, raErr := result.RowsAffected()
	if raErr == nil && affected == 0 {
		err = fmt.Errorf("document %s ingest run %s: %w", documentID, ingestRunID, ErrNotFound)
		return err
	}

	if _, err = tx.ExecContext(ctx, parentsQuery, true, documentID); err != nil {
		return fmt.Errorf("failed to mark parents canonical: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Close releases nothing: the shared pool owns the handle.
func (s *SQLStore) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanParent(row rowScanner) (*ParentChunk, error) {
	var p ParentChunk
	var childIDs string
	err := row.Scan(
		&p.ID, &p.DocumentID, &p.HierarchyPath, &p.ParentID, &childIDs,
		&p.Text, &p.CharCount, &p.PasalCount, &p.Level, &p.Seq,
		&p.Summary, &p.Fingerprint, &p.Canonical,
	)
	if err != nil {
		return nil, err
	}

	if childIDs != "" && childIDs != "null" {
		if err := json.Unmarshal([]byte(childIDs), &p.ChildIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal child ids for %s: %w", p.ID, err)
		}
	}

	return &p, nil
}

func fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func concatTexts(parents []*ParentChunk) string {
	var b strings.Builder
	for _, p := range parents {
		b.WriteString(p.Text)
		b.WriteString("\n")
	}
	return b.String()
}

var _ Store = (*SQLStore)(nil)
