package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testCatalog() []PriceItem {
	return []PriceItem{
		{
			ID:       "investor-kitas-2y",
			Name:     "Investor KITAS (2 years)",
			Category: "visa",
			Price:    34000000,
			Currency: "IDR",
			Keywords: []string{"e28a", "investor", "kitas"},
		},
		{
			ID:       "pt-pma-setup",
			Name:     "PT PMA company setup",
			Category: "company",
			Price:    25000000,
			Currency: "IDR",
			Notes:    "excludes notary fees",
		},
	}
}

func TestPricingLookup(t *testing.T) {
	tool := NewPricingLookupToolFromItems(testCatalog())

	result, err := tool.Execute(context.Background(), map[string]any{"service": "investor kitas"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("result failed: %s", result.Error)
	}
	if !strings.Contains(result.Content, "IDR 34000000") {
		t.Errorf("content = %q", result.Content)
	}
	items, ok := result.Metadata["items"].([]PriceItem)
	if !ok || len(items) != 1 || items[0].ID != "investor-kitas-2y" {
		t.Errorf("items = %v", result.Metadata["items"])
	}
}

func TestPricingLookupKeywordMatch(t *testing.T) {
	tool := NewPricingLookupToolFromItems(testCatalog())

	result, err := tool.Execute(context.Background(), map[string]any{"service": "e28a"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(result.Content, "Investor KITAS") {
		t.Errorf("keyword should match the investor KITAS entry, got %q", result.Content)
	}
}

func TestPricingLookupNoMatch(t *testing.T) {
	tool := NewPricingLookupToolFromItems(testCatalog())

	result, err := tool.Execute(context.Background(), map[string]any{"service": "helicopter charter"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("missing entry is a valid observation, got error %s", result.Error)
	}
	if !strings.Contains(result.Content, "No curated price") {
		t.Errorf("content = %q", result.Content)
	}
}

func TestPricingCatalogFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.yaml")
	data := `services:
  - id: npwp-registration
    name: NPWP registration
    category: tax
    price: 1500000
    currency: IDR
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	tool, err := NewPricingLookupTool(path)
	if err != nil {
		t.Fatalf("NewPricingLookupTool: %v", err)
	}
	result, err := tool.Execute(context.Background(), map[string]any{"service": "npwp"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(result.Content, "IDR 1500000") {
		t.Errorf("content = %q", result.Content)
	}
}

func TestPricingCatalogFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.json")
	data := `{"services":[{"id":"c312","name":"Working KITAS (C312)","price":17000000,"currency":"IDR"}]}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	tool, err := NewPricingLookupTool(path)
	if err != nil {
		t.Fatalf("NewPricingLookupTool: %v", err)
	}
	if len(tool.items) != 1 {
		t.Fatalf("items = %d, want 1", len(tool.items))
	}
}

func TestPricingCatalogEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.yaml")
	if err := os.WriteFile(path, []byte("services: []\n"), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if _, err := NewPricingLookupTool(path); err == nil {
		t.Fatal("empty catalog must be rejected")
	}
}
