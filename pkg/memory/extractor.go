package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/llms"
	"github.com/lontar-ai/lontar/pkg/logger"
)

// Generator is the slice of an LLM provider the extractor and
// summarizer need. The gateway's utility provider satisfies it.
type Generator interface {
	Generate(ctx context.Context, req llms.Request) (*llms.Completion, error)
}

const extractSystem = `Extract durable facts about the user from this exchange: their situation, plans, preferences, nationality, visa or company status. Ignore one-off questions and anything about the assistant. Respond with a JSON array, each element {"content": "...", "confidence": 0.0-1.0}. Respond [] when there is nothing worth remembering.`

// Extractor mines finished turns for facts worth keeping and appends
// them to the store. Extraction is best-effort and off the request
// path; every failure is logged and swallowed.
type Extractor struct {
	cfg   *config.MemoryConfig
	gen   Generator
	store *Store
	log   *slog.Logger
}

func NewExtractor(cfg *config.MemoryConfig, gen Generator, store *Store) *Extractor {
	return &Extractor{
		cfg:   cfg,
		gen:   gen,
		store: store,
		log:   logger.For("memory"),
	}
}

// Extract runs fact extraction over one exchange and appends the facts
// that clear the confidence floor. Returns the appended facts.
func (e *Extractor) Extract(ctx context.Context, userID, userMsg, assistantMsg string) ([]*MemoryFact, error) {
	if userID == "" {
		return nil, nil
	}

	completion, err := e.gen.Generate(ctx, llms.Request{
		System: extractSystem,
		Messages: []llms.Message{{
			Role:    "user",
			Content: fmt.Sprintf("User: %s\n\nAssistant: %s", userMsg, assistantMsg),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("fact extraction failed: %w", err)
	}

	candidates, err := parseFacts(completion.Text)
	if err != nil {
		// A model that ignores the format costs us one extraction,
		// nothing more.
		e.log.Warn("unparseable extraction output", "user", userID, "error", err)
		return nil, nil
	}

	var appended []*MemoryFact
	for _, c := range candidates {
		if c.Content == "" || c.Confidence < e.cfg.MinConfidence {
			continue
		}
		fact := &MemoryFact{
			UserID:     userID,
			Content:    c.Content,
			Source:     "extraction",
			Confidence: clamp01(c.Confidence),
		}
		if err := e.store.AppendFact(ctx, fact); err != nil {
			return appended, fmt.Errorf("failed to store extracted fact: %w", err)
		}
		appended = append(appended, fact)
	}
	return appended, nil
}

type factCandidate struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// parseFacts pulls the JSON array out of the model output, tolerating
// prose around it.
func parseFacts(text string) ([]factCandidate, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in extraction output")
	}
	var facts []factCandidate
	if err := json.Unmarshal([]byte(text[start:end+1]), &facts); err != nil {
		return nil, fmt.Errorf("invalid extraction JSON: %w", err)
	}
	return facts, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
