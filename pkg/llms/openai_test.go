package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lontar-ai/lontar/pkg/config"
)

func openAITestConfig(host string) *config.ProviderConfig {
	cfg := &config.ProviderConfig{
		Type:   "openai",
		Model:  "gpt-4o-mini",
		APIKey: "sk-test",
		Host:   host,
	}
	cfg.SetDefaults()
	cfg.Host = host
	return cfg
}

func TestOpenAIGenerate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}

		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Messages[0].Role != "system" {
			t.Errorf("system prompt should lead the messages, got role %q", req.Messages[0].Role)
		}

		fmt.Fprint(w, `{
			"choices": [{"message": {"content": "KITAS is a limited stay permit."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 8}
		}`)
	}))
	defer ts.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(ts.URL))
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}

	completion, err := provider.Generate(context.Background(), Request{
		System:   "You are a visa assistant.",
		Messages: []Message{{Role: "user", Content: "What is a KITAS?"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if completion.Text != "KITAS is a limited stay permit." {
		t.Errorf("text = %q", completion.Text)
	}
	if completion.TokensIn != 20 || completion.TokensOut != 8 {
		t.Errorf("tokens = %d/%d, want 20/8", completion.TokensIn, completion.TokensOut)
	}
}

func TestOpenAIGenerateToolCalls(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"choices": [{"message": {"content": null, "tool_calls": [
				{"id": "call_1", "type": "function",
				 "function": {"name": "vector_search", "arguments": "{\"query\": \"kitas\"}"}}
			]}, "finish_reason": "tool_calls"}],
			"usage": {"prompt_tokens": 30, "completion_tokens": 12}
		}`)
	}))
	defer ts.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(ts.URL))
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}

	completion, err := provider.Generate(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "find kitas docs"}},
		Tools:    []ToolDefinition{{Name: "vector_search"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(completion.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(completion.ToolCalls))
	}
	tc := completion.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "vector_search" || tc.Args["query"] != "kitas" {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestOpenAIStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices": [{"delta": {"content": "Hello"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices": [{"delta": {"content": " world"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices": [{"delta": {"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "calculator", "arguments": "{\"expr"}}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices": [{"delta": {"tool_calls": [{"function": {"arguments": "ession\": \"1+1\"}"}}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices": [{"delta": {}, "finish_reason": "tool_calls"}], "usage": {"prompt_tokens": 15, "completion_tokens": 6}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(ts.URL))
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}

	ch, err := provider.Stream(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
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
	if text != "Hello world" {
		t.Errorf("streamed text = %q", text)
	}
	if len(toolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1 reassembled from fragments", len(toolCalls))
	}
	if toolCalls[0].Args["expression"] != "1+1" {
		t.Errorf("reassembled args = %v", toolCalls[0].Args)
	}
	last := events[len(events)-1]
	if last.Type != EventDone || last.TokensIn != 15 || last.TokensOut != 6 {
		t.Errorf("terminal event = %+v, want done with usage", last)
	}
}

func TestOpenAIStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices": [{"delta": {"content": "first"}}]}`+"\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer ts.Close()
	defer close(release)

	provider, err := NewOpenAIProvider(openAITestConfig(ts.URL))
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := provider.Stream(ctx, Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if ev := <-ch; ev.Type != EventToken {
		t.Fatalf("first event = %s, want token", ev.Type)
	}
	cancel()

	// The channel must close shortly after cancellation.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not shut down after cancellation")
		}
	}
}

func TestOpenAIRetryableStatus(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
	}
	for _, tc := range cases {
		err := statusError("OpenAI", tc.status, []byte("x"))
		if got := retryable(err); got != tc.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tc.status, got, tc.retryable)
		}
	}
}
