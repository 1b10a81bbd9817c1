package agent

import (
	"fmt"
	"strings"

	"github.com/lontar-ai/lontar/pkg/llms"
	"github.com/lontar-ai/lontar/pkg/session"
)

const basePrompt = `You are Lontar, an assistant for Indonesian legal, visa, tax, company and real-estate matters.

Rules:
- Ground every factual claim in tool results. Use vector_search for regulations, pricing_lookup for any price, calculator for any arithmetic.
- Cite passages by their bracketed chunk id, e.g. [PP_28_2019:bab-ii/pasal-3].
- Answer in the user's language (Indonesian or English).
- When the knowledge base has no answer, say so; never invent regulation numbers, prices or deadlines.`

// buildSystem assembles the system prompt: base rules (or the
// configured override), then the user context block, then any verifier
// feedback from a failed draft.
func buildSystem(override, userContext, feedback string) string {
	parts := []string{basePrompt}
	if override != "" {
		parts = []string{override}
	}
	if userContext != "" {
		parts = append(parts, userContext)
	}
	if feedback != "" {
		parts = append(parts, "A previous draft of this answer failed verification:\n"+feedback+"\nRewrite the answer so every claim is supported by the evidence.")
	}
	return strings.Join(parts, "\n\n")
}

// historyMessages converts stored turns into model messages. Tool
// observations are folded into plain text: past tool calls do not
// carry ids the provider would recognize.
func historyMessages(turns []*session.Turn) []llms.Message {
	messages := make([]llms.Message, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case session.RoleTool:
			messages = append(messages, llms.Message{
				Role:    "user",
				Content: fmt.Sprintf("[%s result]\n%s", turn.ToolName, turn.Content),
			})
		default:
			messages = append(messages, llms.Message{Role: turn.Role, Content: turn.Content})
		}
	}
	return messages
}
