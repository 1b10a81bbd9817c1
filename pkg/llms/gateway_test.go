package llms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/httpclient"
	"github.com/lontar-ai/lontar/pkg/logger"
)

type fakeProvider struct {
	model      string
	completion *Completion
	err        error
	events     []Event
	calls      int
}

func (f *fakeProvider) Generate(ctx context.Context, req Request) (*Completion, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.completion, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	f.calls++
	if f.err != nil && len(f.events) == 0 {
		return nil, f.err
	}
	ch := make(chan Event, len(f.events)+1)
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) GetModelName() string { return f.model }
func (f *fakeProvider) Close() error         { return nil }

func testGateway(providers map[string]Provider, chain []string) *Gateway {
	return &Gateway{
		cfg:       &config.LLMConfig{Chain: chain, Utility: chain[len(chain)-1]},
		providers: providers,
		chain:     chain,
		log:       logger.For("llm.gateway"),
	}
}

func TestGatewayAdvancesOnRetryable(t *testing.T) {
	primary := &fakeProvider{
		model: "model-a",
		err:   &httpclient.RetryableError{StatusCode: 429, Message: "rate limited"},
	}
	secondary := &fakeProvider{
		model:      "model-b",
		completion: &Completion{Text: "answer", TokensIn: 10, TokensOut: 5},
	}
	gw := testGateway(map[string]Provider{"primary": primary, "secondary": secondary},
		[]string{"primary", "secondary"})

	completion, steps, err := gw.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if completion.Text != "answer" {
		t.Errorf("completion text = %q", completion.Text)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	if steps[0].OK || steps[0].Provider != "primary" || steps[0].Error == "" {
		t.Errorf("first step = %+v, want failed primary", steps[0])
	}
	if !steps[1].OK || steps[1].Provider != "secondary" {
		t.Errorf("second step = %+v, want ok secondary", steps[1])
	}
}

func TestGatewayFatalSurfacesImmediately(t *testing.T) {
	primary := &fakeProvider{model: "model-a", err: errors.New("invalid api key")}
	secondary := &fakeProvider{model: "model-b", completion: &Completion{Text: "never"}}
	gw := testGateway(map[string]Provider{"primary": primary, "secondary": secondary},
		[]string{"primary", "secondary"})

	_, steps, err := gw.Generate(context.Background(), Request{})
	if err == nil {
		t.Fatal("Generate should fail on a fatal error")
	}
	if secondary.calls != 0 {
		t.Errorf("secondary was called %d times, chain must not advance on fatal errors", secondary.calls)
	}
	if len(steps) != 1 {
		t.Errorf("steps = %d, want 1", len(steps))
	}
}

func TestGatewayCancellationDoesNotAdvance(t *testing.T) {
	primary := &fakeProvider{model: "model-a", err: context.Canceled}
	secondary := &fakeProvider{model: "model-b", completion: &Completion{Text: "never"}}
	gw := testGateway(map[string]Provider{"primary": primary, "secondary": secondary},
		[]string{"primary", "secondary"})

	_, _, err := gw.Generate(context.Background(), Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Generate error = %v, want context.Canceled", err)
	}
	if secondary.calls != 0 {
		t.Errorf("secondary was called after cancellation")
	}
}

func TestGatewayDeadlineAdvances(t *testing.T) {
	primary := &fakeProvider{model: "model-a", err: context.DeadlineExceeded}
	secondary := &fakeProvider{model: "model-b", completion: &Completion{Text: "late answer"}}
	gw := testGateway(map[string]Provider{"primary": primary, "secondary": secondary},
		[]string{"primary", "secondary"})

	completion, _, err := gw.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if completion.Text != "late answer" {
		t.Errorf("completion text = %q", completion.Text)
	}
}

func TestGatewayAllFailed(t *testing.T) {
	retryErr := &httpclient.RetryableError{StatusCode: 503, Message: "down"}
	gw := testGateway(map[string]Provider{
		"a": &fakeProvider{model: "model-a", err: retryErr},
		"b": &fakeProvider{model: "model-b", err: retryErr},
	}, []string{"a", "b"})

	_, steps, err := gw.Generate(context.Background(), Request{})
	if err == nil {
		t.Fatal("Generate should fail when every link fails")
	}
	if len(steps) != 2 {
		t.Errorf("steps = %d, want 2", len(steps))
	}
}

func TestGatewayParsesPlainTextToolCalls(t *testing.T) {
	provider := &fakeProvider{
		model: "model-a",
		completion: &Completion{
			Text: `TOOL: vector_search ARGS: {"query": "kitas"}`,
		},
	}
	gw := testGateway(map[string]Provider{"a": provider}, []string{"a"})

	completion, _, err := gw.Generate(context.Background(), Request{
		Tools: []ToolDefinition{{Name: "vector_search"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(completion.ToolCalls) != 1 || completion.ToolCalls[0].Name != "vector_search" {
		t.Fatalf("tool calls = %+v, want recovered vector_search call", completion.ToolCalls)
	}
	if completion.Text != "" {
		t.Errorf("markup should be stripped, got %q", completion.Text)
	}
}

func TestGatewayStreamParsesPlainTextToolCalls(t *testing.T) {
	provider := &fakeProvider{
		model: "model-a",
		events: []Event{
			{Type: EventToken, Text: "TOOL: vector_search "},
			{Type: EventToken, Text: `ARGS: {"query": "kitas"}`},
			{Type: EventDone, TokensIn: 8, TokensOut: 12},
		},
	}
	gw := testGateway(map[string]Provider{"a": provider}, []string{"a"})

	ch, err := gw.Stream(context.Background(), Request{
		Tools: []ToolDefinition{{Name: "vector_search"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collectEvents(t, ch)

	if last := events[len(events)-1]; last.Type != EventDone {
		t.Fatalf("last event = %s, want done", last.Type)
	}
	var calls []*ToolCall
	var text string
	for _, ev := range events {
		switch ev.Type {
		case EventToolCall:
			calls = append(calls, ev.ToolCall)
		case EventToken:
			text += ev.Text
		}
	}
	if len(calls) != 1 || calls[0].Name != "vector_search" {
		t.Fatalf("tool calls = %+v, want recovered vector_search call", calls)
	}
	if calls[0].Args["query"] != "kitas" {
		t.Errorf("query arg = %v", calls[0].Args["query"])
	}
	if text != "" {
		t.Errorf("call markup leaked to the consumer as text: %q", text)
	}
}

func TestGatewayStreamPlainAnswerWithToolsDeclared(t *testing.T) {
	provider := &fakeProvider{
		model: "model-a",
		events: []Event{
			{Type: EventToken, Text: "VOA berlaku "},
			{Type: EventToken, Text: "30 hari."},
			{Type: EventDone},
		},
	}
	gw := testGateway(map[string]Provider{"a": provider}, []string{"a"})

	ch, err := gw.Stream(context.Background(), Request{
		Tools: []ToolDefinition{{Name: "vector_search"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collectEvents(t, ch)

	var text string
	for _, ev := range events {
		switch ev.Type {
		case EventToolCall:
			t.Fatalf("spurious tool call %+v from a plain answer", ev.ToolCall)
		case EventToken:
			text += ev.Text
		}
	}
	if text != "VOA berlaku 30 hari." {
		t.Errorf("streamed text = %q", text)
	}
}

func TestGatewayStreamFallbackBeforeFirstToken(t *testing.T) {
	primary := &fakeProvider{
		model:  "model-a",
		events: []Event{{Type: EventError, Err: &httpclient.RetryableError{StatusCode: 500, Message: "boom"}}},
	}
	secondary := &fakeProvider{
		model: "model-b",
		events: []Event{
			{Type: EventToken, Text: "hello"},
			{Type: EventDone, TokensIn: 4, TokensOut: 2},
		},
	}
	gw := testGateway(map[string]Provider{"primary": primary, "secondary": secondary},
		[]string{"primary", "secondary"})

	ch, err := gw.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collectEvents(t, ch)

	last := events[len(events)-1]
	if last.Type != EventDone {
		t.Fatalf("last event = %s, want done", last.Type)
	}
	chain, ok := last.Metadata["model_chain"].([]ChainStep)
	if !ok {
		t.Fatalf("done metadata missing model_chain: %+v", last.Metadata)
	}
	if len(chain) != 2 || chain[0].OK || !chain[1].OK {
		t.Errorf("model_chain = %+v, want [failed primary, ok secondary]", chain)
	}
	var text string
	for _, ev := range events {
		if ev.Type == EventToken {
			text += ev.Text
		}
	}
	if text != "hello" {
		t.Errorf("streamed text = %q", text)
	}
}

func TestGatewayStreamNoFallbackAfterOutput(t *testing.T) {
	primary := &fakeProvider{
		model: "model-a",
		events: []Event{
			{Type: EventToken, Text: "partial "},
			{Type: EventError, Err: &httpclient.RetryableError{StatusCode: 500, Message: "mid-stream"}},
		},
	}
	secondary := &fakeProvider{model: "model-b", events: []Event{{Type: EventDone}}}
	gw := testGateway(map[string]Provider{"primary": primary, "secondary": secondary},
		[]string{"primary", "secondary"})

	ch, err := gw.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collectEvents(t, ch)

	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("last event = %s, want error after committed output", last.Type)
	}
	if secondary.calls != 0 {
		t.Errorf("secondary was called after the stream produced output")
	}
}

func TestGatewayUtilityAndVision(t *testing.T) {
	utility := &fakeProvider{model: "small"}
	gw := &Gateway{
		cfg:       &config.LLMConfig{Chain: []string{"main"}, Utility: "small"},
		providers: map[string]Provider{"main": &fakeProvider{model: "big"}, "small": utility},
		chain:     []string{"main"},
		log:       logger.For("llm.gateway"),
	}

	if gw.Utility() != utility {
		t.Error("Utility() did not return the configured provider")
	}
	if gw.Vision() != nil {
		t.Error("Vision() should be nil when unconfigured")
	}
	if gw.PrimaryModel() != "big" {
		t.Errorf("PrimaryModel() = %q", gw.PrimaryModel())
	}
}

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				if len(events) == 0 {
					t.Fatal("stream closed without events")
				}
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for stream events")
		}
	}
}
