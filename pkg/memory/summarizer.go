package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/llms"
)

// SummaryWriter is the slice of the conversation store the summarizer
// writes through.
type SummaryWriter interface {
	ConversationReader
	UpdateSummary(ctx context.Context, conversationID, summary string) error
}

const summarizeSystem = `Maintain a running summary of this conversation for future turns. Fold the new exchange into the existing summary, keeping concrete details (visa types, deadlines, amounts, company names) and dropping pleasantries. Respond with the updated summary only, a few sentences at most.`

// Summarizer folds each finished exchange into the conversation's
// rolling summary.
type Summarizer struct {
	cfg           *config.MemoryConfig
	gen           Generator
	conversations SummaryWriter
}

func NewSummarizer(cfg *config.MemoryConfig, gen Generator, conversations SummaryWriter) *Summarizer {
	return &Summarizer{cfg: cfg, gen: gen, conversations: conversations}
}

// Update rewrites the rolling summary with the latest exchange folded
// in.
func (s *Summarizer) Update(ctx context.Context, conversationID, userMsg, assistantMsg string) error {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	var b strings.Builder
	if conv.Summary != "" {
		fmt.Fprintf(&b, "Summary so far:\n%s\n\n", conv.Summary)
	}
	fmt.Fprintf(&b, "New exchange:\nUser: %s\nAssistant: %s", userMsg, assistantMsg)

	completion, err := s.gen.Generate(ctx, llms.Request{
		System:   summarizeSystem,
		Messages: []llms.Message{{Role: "user", Content: b.String()}},
	})
	if err != nil {
		return fmt.Errorf("summarization failed: %w", err)
	}

	summary := strings.TrimSpace(completion.Text)
	if summary == "" {
		return nil
	}
	return s.conversations.UpdateSummary(ctx, conversationID, summary)
}
