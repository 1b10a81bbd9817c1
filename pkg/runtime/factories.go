package runtime

import (
	"fmt"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/graph"
	"github.com/lontar-ai/lontar/pkg/llms"
	"github.com/lontar-ai/lontar/pkg/retrieval"
	"github.com/lontar-ai/lontar/pkg/tools"
)

// buildTools registers every built-in tool; the registry's enabled list
// decides which ones the model actually sees. Pricing lookup needs a
// catalog file and vision a configured provider, so both are wired only
// when available.
func buildTools(cfg *config.ToolsConfig, retriever *retrieval.Retriever, graphStore graph.Store, gateway *llms.Gateway) (*tools.Registry, error) {
	registry := tools.NewRegistry(cfg)

	if err := registry.Register(tools.NewVectorSearchTool(retriever)); err != nil {
		return nil, fmt.Errorf("vector_search: %w", err)
	}
	if err := registry.Register(tools.NewGraphTraversalTool(graphStore)); err != nil {
		return nil, fmt.Errorf("graph_traversal: %w", err)
	}
	if err := registry.Register(tools.NewCalculatorTool()); err != nil {
		return nil, fmt.Errorf("calculator: %w", err)
	}

	if cfg.PricingCatalog != "" {
		pricing, err := tools.NewPricingLookupTool(cfg.PricingCatalog)
		if err != nil {
			return nil, fmt.Errorf("pricing_lookup: %w", err)
		}
		if err := registry.Register(pricing); err != nil {
			return nil, fmt.Errorf("pricing_lookup: %w", err)
		}
	}

	if vision := gateway.Vision(); vision != nil {
		if err := registry.Register(tools.NewVisionTool(vision)); err != nil {
			return nil, fmt.Errorf("vision: %w", err)
		}
	}

	return registry, nil
}
