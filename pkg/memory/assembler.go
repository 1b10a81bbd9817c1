package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/logger"
	"github.com/lontar-ai/lontar/pkg/session"
)

// ConversationReader is the slice of the conversation store the
// assembler reads: the rolling summary and the recent tail.
type ConversationReader interface {
	Get(ctx context.Context, id string) (*session.Conversation, error)
	Recent(ctx context.Context, conversationID string, k int) ([]*session.Turn, error)
}

// UserContext is the assembled injection block. Anonymous is set when
// no profile exists; Warnings carries the degradations taken, surfaced
// to the client as warning events.
type UserContext struct {
	Block     string
	Anonymous bool
	Warnings  []string
}

// Assembler renders the per-turn `### USER CONTEXT` block from the
// profile, rolling summary, top facts and recent turns. Every input is
// optional: storage failures degrade the block instead of failing the
// turn.
type Assembler struct {
	cfg           *config.MemoryConfig
	store         *Store
	conversations ConversationReader
	encoder       *tiktoken.Tiktoken
	log           *slog.Logger
}

func NewAssembler(cfg *config.MemoryConfig, store *Store, conversations ConversationReader) (*Assembler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("memory config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("memory store is required")
	}
	a := &Assembler{
		cfg:           cfg,
		store:         store,
		conversations: conversations,
		log:           logger.For("memory"),
	}
	// The encoder needs the cl100k vocabulary; when it cannot be
	// loaded (offline deployments) token budgets fall back to a
	// character approximation.
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		a.log.Warn("token encoder unavailable, using character approximation", "error", err)
	} else {
		a.encoder = encoder
	}
	return a, nil
}

// Assemble builds the context block for one turn. An empty userID, a
// missing profile, or a storage failure yields an anonymous block with
// a warning rather than an error.
func (a *Assembler) Assemble(ctx context.Context, userID, conversationID string) *UserContext {
	uc := &UserContext{}
	var b strings.Builder
	b.WriteString("### USER CONTEXT\n")

	a.writeProfile(ctx, &b, uc, userID)
	a.writeSummary(ctx, &b, uc, conversationID)
	a.writeFacts(ctx, &b, uc, userID)
	a.writeTurns(ctx, &b, uc, conversationID)

	uc.Block = a.truncate(strings.TrimRight(b.String(), "\n"), a.cfg.ContextMaxTokens)
	return uc
}

func (a *Assembler) writeProfile(ctx context.Context, b *strings.Builder, uc *UserContext, userID string) {
	if userID == "" {
		uc.Anonymous = true
		b.WriteString("User: anonymous\n")
		return
	}

	profile, err := a.store.GetProfile(ctx, userID)
	if err != nil {
		uc.Anonymous = true
		b.WriteString("User: anonymous\n")
		if errors.Is(err, ErrNotFound) {
			uc.Warnings = append(uc.Warnings, fmt.Sprintf("no profile for user %s", userID))
		} else {
			uc.Warnings = append(uc.Warnings, "profile lookup failed")
			a.log.Warn("profile lookup failed", "user", userID, "error", err)
		}
		return
	}

	fmt.Fprintf(b, "User: %s\n", valueOr(profile.Name, userID))
	if profile.Role != "" {
		fmt.Fprintf(b, "Role: %s", profile.Role)
		if profile.Department != "" {
			fmt.Fprintf(b, " (%s)", profile.Department)
		}
		b.WriteString("\n")
	}
	if profile.Language != "" {
		fmt.Fprintf(b, "Preferred language: %s\n", profile.Language)
	}
	if profile.Notes != "" {
		fmt.Fprintf(b, "Notes: %s\n", profile.Notes)
	}
}

func (a *Assembler) writeSummary(ctx context.Context, b *strings.Builder, uc *UserContext, conversationID string) {
	if conversationID == "" || a.conversations == nil {
		return
	}
	conv, err := a.conversations.Get(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			uc.Warnings = append(uc.Warnings, "conversation summary unavailable")
			a.log.Warn("summary lookup failed", "conversation", conversationID, "error", err)
		}
		return
	}
	if conv.Summary == "" {
		return
	}
	fmt.Fprintf(b, "\nConversation so far:\n%s\n", a.truncate(conv.Summary, a.cfg.SummaryMaxTokens))
}

func (a *Assembler) writeFacts(ctx context.Context, b *strings.Builder, uc *UserContext, userID string) {
	if userID == "" {
		return
	}
	facts, err := a.store.TopFacts(ctx, userID, a.cfg.RecentFacts)
	if err != nil {
		uc.Warnings = append(uc.Warnings, "memory facts unavailable")
		a.log.Warn("fact lookup failed", "user", userID, "error", err)
		return
	}
	if len(facts) == 0 {
		return
	}
	b.WriteString("\nKnown about this user:\n")
	for _, fact := range facts {
		fmt.Fprintf(b, "- %s\n", fact.Content)
	}
}

func (a *Assembler) writeTurns(ctx context.Context, b *strings.Builder, uc *UserContext, conversationID string) {
	if conversationID == "" || a.conversations == nil {
		return
	}
	turns, err := a.conversations.Recent(ctx, conversationID, a.cfg.RecentTurns)
	if err != nil {
		uc.Warnings = append(uc.Warnings, "recent turns unavailable")
		a.log.Warn("recent turns lookup failed", "conversation", conversationID, "error", err)
		return
	}
	if len(turns) == 0 {
		return
	}
	b.WriteString("\nRecent turns:\n")
	for _, turn := range turns {
		content := turn.Content
		if turn.Role == session.RoleTool {
			content = fmt.Sprintf("[%s] %s", turn.ToolName, content)
		}
		fmt.Fprintf(b, "%s: %s\n", turn.Role, content)
	}
}

// charsPerToken approximates token length when no encoder is loaded.
const charsPerToken = 4

// TokenCount measures text against the same budget truncate enforces.
func (a *Assembler) TokenCount(text string) int {
	if a.encoder == nil {
		return (len([]rune(text)) + charsPerToken - 1) / charsPerToken
	}
	return len(a.encoder.Encode(text, nil, nil))
}

// truncate cuts text to at most maxTokens tokens, on token boundaries.
func (a *Assembler) truncate(text string, maxTokens int) string {
	if maxTokens <= 0 || text == "" {
		return text
	}
	if a.encoder == nil {
		limit := maxTokens * charsPerToken
		runes := []rune(text)
		if len(runes) <= limit {
			return text
		}
		return string(runes[:limit])
	}
	tokens := a.encoder.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return a.encoder.Decode(tokens[:maxTokens])
}

func valueOr(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
