package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lontar-ai/lontar/pkg/config"
)

func anthropicTestConfig(host string) *config.ProviderConfig {
	cfg := &config.ProviderConfig{
		Type:   "anthropic",
		Model:  "claude-haiku-4-5",
		APIKey: "test-key",
	}
	cfg.SetDefaults()
	cfg.Host = host
	return cfg
}

func TestAnthropicGenerate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("anthropic-version = %q", got)
		}

		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.System != "You are a visa assistant." {
			t.Errorf("system = %q, should ride the top-level field", req.System)
		}
		if req.MaxTokens == 0 {
			t.Error("max_tokens is mandatory and must be set")
		}

		fmt.Fprint(w, `{
			"content": [
				{"type": "text", "text": "Checking the graph."},
				{"type": "tool_use", "id": "toolu_1", "name": "graph_traversal", "input": {"entity": "investor_kitas"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 25, "output_tokens": 10}
		}`)
	}))
	defer ts.Close()

	provider, err := NewAnthropicProvider(anthropicTestConfig(ts.URL))
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}

	completion, err := provider.Generate(context.Background(), Request{
		System:   "You are a visa assistant.",
		Messages: []Message{{Role: "user", Content: "what does an investor kitas require?"}},
		Tools:    []ToolDefinition{{Name: "graph_traversal"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if completion.Text != "Checking the graph." {
		t.Errorf("text = %q", completion.Text)
	}
	if len(completion.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(completion.ToolCalls))
	}
	tc := completion.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Name != "graph_traversal" || tc.Args["entity"] != "investor_kitas" {
		t.Errorf("tool call = %+v", tc)
	}
	if completion.TokensIn != 25 || completion.TokensOut != 10 {
		t.Errorf("tokens = %d/%d", completion.TokensIn, completion.TokensOut)
	}
}

func TestAnthropicStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"type": "message_start", "message": {"usage": {"input_tokens": 12}}}`,
			`{"type": "content_block_start", "index": 0, "content_block": {"type": "text"}}`,
			`{"type": "content_block_delta", "index": 0, "delta": {"type": "text_delta", "text": "Se"}}`,
			`{"type": "content_block_delta", "index": 0, "delta": {"type": "text_delta", "text": "arching"}}`,
			`{"type": "content_block_stop", "index": 0}`,
			`{"type": "content_block_start", "index": 1, "content_block": {"type": "tool_use", "id": "toolu_2", "name": "vector_search"}}`,
			`{"type": "content_block_delta", "index": 1, "delta": {"type": "input_json_delta", "partial_json": "{\"query\": "}}`,
			`{"type": "content_block_delta", "index": 1, "delta": {"type": "input_json_delta", "partial_json": "\"e28a\"}"}}`,
			`{"type": "content_block_stop", "index": 1}`,
			`{"type": "message_delta", "usage": {"output_tokens": 7}}`,
			`{"type": "message_stop"}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "event: x\ndata: %s\n\n", f)
		}
	}))
	defer ts.Close()

	provider, err := NewAnthropicProvider(anthropicTestConfig(ts.URL))
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}

	ch, err := provider.Stream(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "find e28a"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collectEvents(t, ch)

	var text string
	var toolCalls []*ToolCall
	for _, ev := range events {
		switch ev.Type {
		case EventToken:
			text += ev.Text
		case EventToolCall:
			toolCalls = append(toolCalls, ev.ToolCall)
		case EventError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}
	if text != "Searching" {
		t.Errorf("streamed text = %q", text)
	}
	if len(toolCalls) != 1 || toolCalls[0].Args["query"] != "e28a" {
		t.Fatalf("tool calls = %+v, want one with reassembled args", toolCalls)
	}
	last := events[len(events)-1]
	if last.Type != EventDone || last.TokensIn != 12 || last.TokensOut != 7 {
		t.Errorf("terminal event = %+v", last)
	}
}

func TestAnthropicToolTurnMapping(t *testing.T) {
	provider := &AnthropicProvider{cfg: anthropicTestConfig("http://unused")}

	req := provider.buildRequest(Request{
		Messages: []Message{
			{Role: "user", Content: "q"},
			{Role: "assistant", ToolCalls: []*ToolCall{{ID: "toolu_1", Name: "calculator", Args: map[string]any{"expression": "1+1"}}}},
			{Role: "tool", ToolCallID: "toolu_1", ToolName: "calculator", Content: "2"},
		},
	}, false)

	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(req.Messages))
	}
	// Tool results travel as user turns with a tool_result block.
	last := req.Messages[2]
	if last.Role != "user" {
		t.Errorf("tool result role = %q, want user", last.Role)
	}
	blocks, ok := last.Content.([]anthropicContent)
	if !ok || len(blocks) != 1 || blocks[0].Type != "tool_result" || blocks[0].ToolUseID != "toolu_1" {
		t.Errorf("tool result content = %+v", last.Content)
	}
}
