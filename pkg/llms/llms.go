// Package llms talks to the language-model providers. A Provider wraps
// one endpoint (OpenAI, Anthropic, Gemini, Ollama); the Gateway walks an
// ordered fallback chain over them, advancing only on retryable
// failures, and reports which links of the chain were tried.
//
// Streaming is a channel of typed events (token, tool_call, metadata,
// error, done). Providers honor context cancellation at every send, so
// an aborted request tears the underlying call down.
package llms

import (
	"context"
	"fmt"

	"github.com/lontar-ai/lontar/pkg/config"
)

// Message is one turn of model input. Tool turns carry the id and name
// of the call they answer; assistant turns that invoked tools carry the
// calls themselves so providers can replay them.
type Message struct {
	Role       string // system, user, assistant, tool
	Content    string
	ToolCalls  []*ToolCall
	ToolCallID string
	ToolName   string
	// ImageURL attaches an image to a user turn for multimodal models.
	ImageURL string
}

// ToolCall is a model request to execute a named tool.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolDefinition describes a callable tool to the model. Parameters is
// a JSON schema.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is a single generation call.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature *float64
}

// Completion is the non-streaming result.
type Completion struct {
	Text      string
	ToolCalls []*ToolCall
	TokensIn  int
	TokensOut int
}

type EventType string

const (
	EventToken    EventType = "token"
	EventToolCall EventType = "tool_call"
	EventMetadata EventType = "metadata"
	EventError    EventType = "error"
	EventDone     EventType = "done"
)

// Event is one element of a streaming response. Exactly one done or
// error event terminates a well-formed stream.
type Event struct {
	Type      EventType
	Text      string
	ToolCall  *ToolCall
	Metadata  map[string]any
	TokensIn  int
	TokensOut int
	Err       error
}

// Provider is one model endpoint.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Completion, error)

	// Stream emits events until done or error, then closes the channel.
	Stream(ctx context.Context, req Request) (<-chan Event, error)

	GetModelName() string

	Close() error
}

// New builds a provider from its configuration.
func New(cfg *config.ProviderConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("provider config cannot be nil")
	}

	switch cfg.Type {
	case "openai":
		return NewOpenAIProvider(cfg)
	case "anthropic":
		return NewAnthropicProvider(cfg)
	case "gemini":
		return NewGeminiProvider(cfg)
	case "ollama":
		return NewOllamaProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider type: %s", cfg.Type)
	}
}

// streamBufferSize bounds every provider event channel, so a stalled
// consumer exerts backpressure on the provider read loop instead of
// growing a queue.
const streamBufferSize = 64

// send delivers an event unless the context is already gone. Returns
// false when the caller should stop producing.
func send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- ev:
		return true
	}
}
