package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type pricingLookupArgs struct {
	Service string `json:"service" jsonschema:"required,description=Service to price (e.g. investor KITAS, PT PMA setup, NPWP registration)"`
}

// PriceItem is one curated catalog entry. Prices are operator-maintained
// facts; the tool only looks them up and never computes or extrapolates
// a price.
type PriceItem struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Category string   `json:"category,omitempty" yaml:"category,omitempty"`
	Price    float64  `json:"price" yaml:"price"`
	Currency string   `json:"currency" yaml:"currency"`
	Unit     string   `json:"unit,omitempty" yaml:"unit,omitempty"`
	Notes    string   `json:"notes,omitempty" yaml:"notes,omitempty"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

type priceCatalog struct {
	Services []PriceItem `json:"services" yaml:"services"`
}

// PricingLookupTool answers price questions from the curated catalog.
type PricingLookupTool struct {
	items  []PriceItem
	schema map[string]any
}

// NewPricingLookupTool loads the catalog from path. The format follows
// the extension: .json is JSON, everything else is YAML.
func NewPricingLookupTool(path string) (*PricingLookupTool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing catalog: %w", err)
	}

	var catalog priceCatalog
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &catalog)
	} else {
		err = yaml.Unmarshal(data, &catalog)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse pricing catalog %s: %w", path, err)
	}
	if len(catalog.Services) == 0 {
		return nil, fmt.Errorf("pricing catalog %s has no services", path)
	}
	return NewPricingLookupToolFromItems(catalog.Services), nil
}

func NewPricingLookupToolFromItems(items []PriceItem) *PricingLookupTool {
	return &PricingLookupTool{
		items:  items,
		schema: mustSchema[pricingLookupArgs](),
	}
}

func (t *PricingLookupTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "pricing_lookup",
		Description: "Look up the official price for a service from the curated price list. Always use this for price questions; never estimate a price yourself.",
		Schema:      t.schema,
	}
}

func (t *PricingLookupTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	params, err := decodeArgs[pricingLookupArgs](args)
	if err != nil {
		return errorResult(err), nil
	}

	matches := t.match(params.Service)
	if len(matches) == 0 {
		return ToolResult{
			Success: true,
			Content: fmt.Sprintf("No curated price for %q. Tell the user pricing for this service is not in the official list rather than guessing.", params.Service),
		}, nil
	}

	var b strings.Builder
	for i, item := range matches {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s %s", item.Name, item.Currency, formatPrice(item.Price))
		if item.Unit != "" {
			fmt.Fprintf(&b, " per %s", item.Unit)
		}
		if item.Notes != "" {
			fmt.Fprintf(&b, " (%s)", item.Notes)
		}
	}
	return ToolResult{
		Success:  true,
		Content:  b.String(),
		Metadata: map[string]any{"items": matches},
	}, nil
}

// match scores items by token overlap with the query and returns the
// best matches, exact name hits first.
func (t *PricingLookupTool) match(query string) []PriceItem {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	tokens := strings.Fields(q)

	var exact, partial []PriceItem
	for _, item := range t.items {
		haystack := strings.ToLower(item.Name + " " + item.ID + " " + item.Category + " " + strings.Join(item.Keywords, " "))
		if strings.Contains(strings.ToLower(item.Name), q) {
			exact = append(exact, item)
			continue
		}
		hit := 0
		for _, tok := range tokens {
			if strings.Contains(haystack, tok) {
				hit++
			}
		}
		if hit == len(tokens) {
			partial = append(partial, item)
		}
	}
	matches := append(exact, partial...)
	if len(matches) > 5 {
		matches = matches[:5]
	}
	return matches
}

// formatPrice renders amounts without a spurious fraction: Indonesian
// rupiah prices are whole numbers.
func formatPrice(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}
