package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/lontar-ai/lontar/pkg/graph"
)

type graphTraversalArgs struct {
	Entity string `json:"entity" jsonschema:"required,description=Entity name to start from (e.g. a regulation, visa type or agency)"`
	Depth  int    `json:"depth,omitempty" jsonschema:"description=How many relationship hops to follow,default=1,minimum=1,maximum=3"`
}

// GraphTraversalTool walks the knowledge graph from a named entity and
// renders the subgraph as text the model can reason over.
type GraphTraversalTool struct {
	store  graph.Store
	schema map[string]any
}

func NewGraphTraversalTool(store graph.Store) *GraphTraversalTool {
	return &GraphTraversalTool{
		store:  store,
		schema: mustSchema[graphTraversalArgs](),
	}
}

func (t *GraphTraversalTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "graph_traversal",
		Description: "Explore relationships between regulations, visa types, requirements and agencies in the knowledge graph. Use when a question hinges on how things relate rather than on document text.",
		Schema:      t.schema,
	}
}

func (t *GraphTraversalTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	params, err := decodeArgs[graphTraversalArgs](args)
	if err != nil {
		return errorResult(err), nil
	}
	if params.Depth <= 0 {
		params.Depth = 1
	}

	entities, err := t.store.FindEntityByName(ctx, params.Entity, 3)
	if err != nil {
		return errorResult(fmt.Errorf("entity lookup failed: %w", err)), nil
	}
	if len(entities) == 0 {
		return ToolResult{
			Success: true,
			Content: fmt.Sprintf("No entity named %q in the knowledge graph.", params.Entity),
		}, nil
	}

	var sections []string
	var matched []string
	for _, ent := range entities {
		sub, err := t.store.Traverse(ctx, ent.ID, params.Depth)
		if err != nil {
			return errorResult(fmt.Errorf("traversal from %s failed: %w", ent.ID, err)), nil
		}
		if desc := sub.Describe(); desc != "" {
			sections = append(sections, desc)
			matched = append(matched, ent.ID)
		}
	}
	if len(sections) == 0 {
		return ToolResult{
			Success: true,
			Content: fmt.Sprintf("Entity %q has no recorded relationships.", params.Entity),
		}, nil
	}

	return ToolResult{
		Success: true,
		Content: strings.Join(sections, "\n\n"),
		Metadata: map[string]any{
			"entities": matched,
			"depth":    params.Depth,
		},
	}, nil
}
