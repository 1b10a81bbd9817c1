package retrieval

import (
	"sort"

	"github.com/lontar-ai/lontar/pkg/vector"
)

// fusedCandidate is one chunk after reciprocal-rank fusion across
// collections.
type fusedCandidate struct {
	ID             string
	Text           string
	ParentID       string
	Collection     string
	FusedScore     float64
	BestSimilarity float64
}

// fuse merges per-collection rankings with reciprocal-rank fusion:
// every appearance of a chunk contributes 1/(k + rank), so a chunk
// ranked well in several collections beats a chunk ranked first in one.
// Output is sorted by fused score descending; ties break on best raw
// similarity so ordering is deterministic.
func fuse(perCollection map[string][]vector.Result, rrfK int) []fusedCandidate {
	if rrfK <= 0 {
		rrfK = 60
	}

	merged := make(map[string]*fusedCandidate)
	// Deterministic iteration: collections in sorted order.
	names := make([]string, 0, len(perCollection))
	for name := range perCollection {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for rank, hit := range perCollection[name] {
			c, ok := merged[hit.ID]
			if !ok {
				c = &fusedCandidate{
					ID:         hit.ID,
					Text:       hit.Content,
					ParentID:   primaryParentID(hit.Payload),
					Collection: name,
				}
				merged[hit.ID] = c
			}
			c.FusedScore += 1 / float64(rrfK+rank+1)
			if float64(hit.Score) > c.BestSimilarity {
				c.BestSimilarity = float64(hit.Score)
			}
		}
	}

	fused := make([]fusedCandidate, 0, len(merged))
	for _, c := range merged {
		fused = append(fused, *c)
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].FusedScore != fused[j].FusedScore {
			return fused[i].FusedScore > fused[j].FusedScore
		}
		if fused[i].BestSimilarity != fused[j].BestSimilarity {
			return fused[i].BestSimilarity > fused[j].BestSimilarity
		}
		return fused[i].ID < fused[j].ID
	})
	return fused
}

// primaryParentID reads the owning parent chunk from the point payload.
// Child points carry the chain root-first; the last entry is the direct
// parent.
func primaryParentID(payload map[string]any) string {
	ids := vector.PayloadStrings(payload, "parent_chunk_ids")
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}
