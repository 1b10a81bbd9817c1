// Package ingest turns raw document text into the parent-chunk tree
// the retriever joins against, plus the embedded child slices the
// vector store serves. Parsing (PDF, OCR) happens upstream; this
// package starts from text.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/docstore"
)

// ChildChunk is one retrieval-sized slice of a leaf parent. Child ids
// are the citation keys the agent surfaces, so the first slice of a
// Pasal keeps the clean "DOC:bab-ii/pasal-3" form.
type ChildChunk struct {
	ID            string
	LeafID        string   // owning parent chunk
	ParentIDs     []string // chain from the root down to the leaf
	HierarchyPath string
	Text          string
	Seq           int
	Fingerprint   string
}

// Segmenter splits Indonesian legal text along its BAB (chapter) and
// Pasal (article) structure. Documents without that structure fall
// back to fixed-size sections.
type Segmenter struct {
	childSize    int
	childOverlap int
}

func NewSegmenter(cfg *config.IngestConfig) *Segmenter {
	return &Segmenter{
		childSize:    cfg.ChildChunkSize,
		childOverlap: cfg.ChildChunkOverlap,
	}
}

var (
	babHeading   = regexp.MustCompile(`(?im)^[ \t]*BAB[ \t]+([IVXLCDM]+)\b`)
	pasalHeading = regexp.MustCompile(`(?im)^[ \t]*Pasal[ \t]+(\d+[A-Za-z]?)\b`)
)

// Segment builds the parent tree (document order, root first) and the
// child slices. The same input always yields the same ids and
// fingerprints, which is what makes re-ingestion idempotent.
func (s *Segmenter) Segment(docID, text string) ([]*docstore.ParentChunk, []ChildChunk) {
	text = Normalize(text)

	root := &docstore.ParentChunk{
		ID:            docID,
		DocumentID:    docID,
		HierarchyPath: "root",
		Text:          text,
		Level:         0,
		Seq:           0,
		Canonical:     true,
	}
	parents := []*docstore.ParentChunk{root}
	seq := 1

	type leaf struct {
		node  *docstore.ParentChunk
		chain []string // root-first ancestor ids
	}
	var leaves []leaf

	babSpans := headingSpans(babHeading, text)
	switch {
	case len(babSpans) > 0:
		for _, bab := range babSpans {
			babPath := "bab-" + strings.ToLower(bab.label)
			babNode := &docstore.ParentChunk{
				ID:            docID + "/" + babPath,
				DocumentID:    docID,
				HierarchyPath: babPath,
				ParentID:      root.ID,
				Text:          bab.text,
				Level:         1,
				Seq:           seq,
				Canonical:     true,
			}
			seq++
			parents = append(parents, babNode)
			root.ChildIDs = append(root.ChildIDs, babNode.ID)

			pasals := headingSpans(pasalHeading, bab.text)
			if len(pasals) == 0 {
				leaves = append(leaves, leaf{node: babNode, chain: []string{root.ID}})
				continue
			}
			for _, pasal := range pasals {
				path := babPath + "/pasal-" + strings.ToLower(pasal.label)
				node := &docstore.ParentChunk{
					ID:            docID + "/" + path,
					DocumentID:    docID,
					HierarchyPath: path,
					ParentID:      babNode.ID,
					Text:          pasal.text,
					Level:         2,
					Seq:           seq,
					Canonical:     true,
				}
				seq++
				parents = append(parents, node)
				babNode.ChildIDs = append(babNode.ChildIDs, node.ID)
				babNode.PasalCount++
				leaves = append(leaves, leaf{node: node, chain: []string{root.ID, babNode.ID}})
			}
			root.PasalCount += babNode.PasalCount
		}

	case len(headingSpans(pasalHeading, text)) > 0:
		// Articles without chapters: Pasal nodes hang off the root.
		for _, pasal := range headingSpans(pasalHeading, text) {
			path := "pasal-" + strings.ToLower(pasal.label)
			node := &docstore.ParentChunk{
				ID:            docID + "/" + path,
				DocumentID:    docID,
				HierarchyPath: path,
				ParentID:      root.ID,
				Text:          pasal.text,
				Level:         2,
				Seq:           seq,
				Canonical:     true,
			}
			seq++
			parents = append(parents, node)
			root.ChildIDs = append(root.ChildIDs, node.ID)
			root.PasalCount++
			leaves = append(leaves, leaf{node: node, chain: []string{root.ID}})
		}

	default:
		// Unstructured text: fixed sections sized to hold a few child
		// slices each.
		sectionSize := s.childSize * 3
		for i, section := range slices(text, sectionSize, 0) {
			path := fmt.Sprintf("section-%d", i+1)
			node := &docstore.ParentChunk{
				ID:            docID + "/" + path,
				DocumentID:    docID,
				HierarchyPath: path,
				ParentID:      root.ID,
				Text:          section,
				Level:         1,
				Seq:           seq,
				Canonical:     true,
			}
			seq++
			parents = append(parents, node)
			root.ChildIDs = append(root.ChildIDs, node.ID)
			leaves = append(leaves, leaf{node: node, chain: []string{root.ID}})
		}
	}

	var children []ChildChunk
	for _, lf := range leaves {
		chain := append(append([]string{}, lf.chain...), lf.node.ID)
		parts := slices(lf.node.Text, s.childSize, s.childOverlap)
		for i, part := range parts {
			id := docID + ":" + lf.node.HierarchyPath
			if i > 0 {
				id = fmt.Sprintf("%s#%d", id, i+1)
			}
			children = append(children, ChildChunk{
				ID:            id,
				LeafID:        lf.node.ID,
				ParentIDs:     chain,
				HierarchyPath: lf.node.HierarchyPath,
				Text:          part,
				Seq:           len(children),
				Fingerprint:   Fingerprint(part),
			})
			lf.node.ChildIDs = append(lf.node.ChildIDs, id)
		}
	}

	for _, p := range parents {
		p.CharCount = utf8.RuneCountInString(p.Text)
		p.Fingerprint = Fingerprint(p.Text)
	}
	return parents, children
}

type span struct {
	label string
	text  string
}

// headingSpans cuts text at each heading match; a span runs from its
// heading to the next one. Text before the first heading belongs to no
// span.
func headingSpans(re *regexp.Regexp, text string) []span {
	locs := re.FindAllStringSubmatchIndex(text, -1)
	spans := make([]span, 0, len(locs))
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		spans = append(spans, span{
			label: text[loc[2]:loc[3]],
			text:  strings.TrimSpace(text[loc[0]:end]),
		})
	}
	return spans
}

// slices windows text by rune count. overlap 0 produces disjoint
// slices; otherwise consecutive slices share overlap runes.
func slices(text string, size, overlap int) []string {
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end >= len(runes) {
			out = append(out, string(runes[start:]))
			break
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// Normalize canonicalizes line endings and trims the document. The
// fingerprint is computed over this form, so semantically identical
// uploads dedup regardless of how they were saved.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.TrimSpace(text)
}

// Fingerprint is the sha256 hex of the given text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
