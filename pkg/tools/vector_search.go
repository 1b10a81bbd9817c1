package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/lontar-ai/lontar/pkg/retrieval"
)

// Searcher is the slice of the retriever the search tool needs.
type Searcher interface {
	Search(ctx context.Context, req retrieval.SearchRequest) (*retrieval.SearchResponse, error)
}

type vectorSearchArgs struct {
	Query      string `json:"query" jsonschema:"required,description=Natural-language search query"`
	Collection string `json:"collection,omitempty" jsonschema:"description=Restrict the search to one collection,enum=visa_oracle|kbli_eye|tax_genius|legal_architect|indonesia_real_estate|bali_zero_pricing"`
	Limit      int    `json:"limit,omitempty" jsonschema:"description=Maximum passages to return,default=5,minimum=1,maximum=20"`
	Tier       string `json:"tier,omitempty" jsonschema:"description=Restrict hits to a source tier"`
}

// VectorSearchTool exposes hybrid retrieval to the model. Results carry
// the chunk id in brackets so the model can cite passages verbatim.
type VectorSearchTool struct {
	searcher Searcher
	schema   map[string]any
}

func NewVectorSearchTool(searcher Searcher) *VectorSearchTool {
	return &VectorSearchTool{
		searcher: searcher,
		schema:   mustSchema[vectorSearchArgs](),
	}
}

func (t *VectorSearchTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "vector_search",
		Description: "Search the Indonesian legal and regulatory knowledge base. Returns cited passages; quote the bracketed chunk id when referencing a passage.",
		Schema:      t.schema,
	}
}

func (t *VectorSearchTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	params, err := decodeArgs[vectorSearchArgs](args)
	if err != nil {
		return errorResult(err), nil
	}

	req := retrieval.SearchRequest{
		Query: params.Query,
		Tier:  params.Tier,
	}
	if params.Limit > 0 {
		req.Limit = &params.Limit
	}
	if params.Collection != "" {
		req.Collections = []string{params.Collection}
	}

	resp, err := t.searcher.Search(ctx, req)
	if err != nil {
		return errorResult(fmt.Errorf("search failed: %w", err)), nil
	}
	if len(resp.Results) == 0 {
		return ToolResult{
			Success:  true,
			Content:  "No relevant passages found.",
			Metadata: map[string]any{"route_used": resp.RouteUsed},
		}, nil
	}

	var b strings.Builder
	for i, hit := range resp.Results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s] %s (%s, score %.2f)\n%s",
			hit.ChunkID, hit.HierarchyPath, hit.Collection, hit.Score, hit.Text)
	}
	if resp.GraphContext != "" {
		b.WriteString("\n\nRelated entities:\n")
		b.WriteString(resp.GraphContext)
	}

	return ToolResult{
		Success: true,
		Content: b.String(),
		Metadata: map[string]any{
			"sources":    resp.Results,
			"route_used": resp.RouteUsed,
			"reranked":   resp.Rerank.Applied,
		},
	}, nil
}
