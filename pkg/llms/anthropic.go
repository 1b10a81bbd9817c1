package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/httpclient"
	"github.com/lontar-ai/lontar/pkg/observability"
)

const anthropicVersion = "2023-06-01"

type AnthropicProvider struct {
	cfg    *config.ProviderConfig
	client *httpclient.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicContent struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     map[string]any   `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   string           `json:"content,omitempty"`
	Source    *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicStreamResponse struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewAnthropicProvider(cfg *config.ProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}

	return &AnthropicProvider{
		cfg: cfg,
		client: httpclient.New(
			httpclient.WithTimeout(cfg.Timeout),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

func (p *AnthropicProvider) GetModelName() string {
	return p.cfg.Model
}

func (p *AnthropicProvider) Close() error {
	return nil
}

func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (*Completion, error) {
	start := time.Now()

	httpReq, err := p.newHTTPRequest(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		observability.GetGlobalMetrics().RecordLLMCall(ctx, "anthropic", p.cfg.Model, duration, 0, 0, err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := statusError("Anthropic", resp.StatusCode, body)
		observability.GetGlobalMetrics().RecordLLMCall(ctx, "anthropic", p.cfg.Model, duration, 0, 0, apiErr)
		return nil, apiErr
	}

	var response anthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("Anthropic API error: %s", response.Error.Message)
	}

	completion := &Completion{
		TokensIn:  response.Usage.InputTokens,
		TokensOut: response.Usage.OutputTokens,
	}
	var text strings.Builder
	for _, block := range response.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			completion.ToolCalls = append(completion.ToolCalls, &ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			})
		}
	}
	completion.Text = text.String()

	observability.GetGlobalMetrics().RecordLLMCall(ctx, "anthropic", p.cfg.Model, duration,
		completion.TokensIn, completion.TokensOut, nil)

	return completion, nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	outputCh := make(chan Event, streamBufferSize)

	go func() {
		defer close(outputCh)
		if err := p.stream(ctx, p.buildRequest(req, true), outputCh); err != nil {
			send(ctx, outputCh, Event{Type: EventError, Err: err})
		}
	}()

	return outputCh, nil
}

func (p *AnthropicProvider) buildRequest(req Request, stream bool) anthropicRequest {
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch {
		case msg.Role == "tool":
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		case len(msg.ToolCalls) > 0:
			blocks := []anthropicContent{}
			if msg.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Args,
				})
			}
			messages = append(messages, anthropicMessage{Role: msg.Role, Content: blocks})

		case msg.ImageURL != "":
			blocks := []anthropicContent{{
				Type:   "image",
				Source: &anthropicSource{Type: "url", URL: msg.ImageURL},
			}}
			if msg.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
			}
			messages = append(messages, anthropicMessage{Role: msg.Role, Content: blocks})

		default:
			messages = append(messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
		}
	}

	maxTokens := maxTokensOf(req, p.cfg)
	if maxTokens == 0 {
		maxTokens = 4096 // max_tokens is mandatory on this API
	}

	request := anthropicRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperatureOf(req, p.cfg),
		Stream:      stream,
		System:      req.System,
	}

	for _, tool := range req.Tools {
		request.Tools = append(request.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}

	return request
}

func (p *AnthropicProvider) newHTTPRequest(ctx context.Context, request anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.cfg.Host+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	return httpReq, nil
}

func (p *AnthropicProvider) stream(ctx context.Context, request anthropicRequest, outputCh chan<- Event) error {
	httpReq, err := p.newHTTPRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return statusError("Anthropic", resp.StatusCode, body)
	}

	toolCalls := make(map[int]*ToolCall)
	toolJSON := make(map[int]string)
	var usage anthropicUsage

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var chunk anthropicStreamResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}

		switch chunk.Type {
		case "error":
			if chunk.Error != nil {
				return fmt.Errorf("Anthropic API error: %s", chunk.Error.Message)
			}

		case "message_start":
			if chunk.Message != nil {
				usage.InputTokens = chunk.Message.Usage.InputTokens
			}

		case "content_block_start":
			if chunk.ContentBlock != nil && chunk.ContentBlock.Type == "tool_use" {
				toolCalls[chunk.Index] = &ToolCall{
					ID:   chunk.ContentBlock.ID,
					Name: chunk.ContentBlock.Name,
					Args: map[string]any{},
				}
				toolJSON[chunk.Index] = ""
			}

		case "content_block_delta":
			if chunk.Delta == nil {
				continue
			}
			if chunk.Delta.Text != "" {
				if !send(ctx, outputCh, Event{Type: EventToken, Text: chunk.Delta.Text}) {
					return ctx.Err()
				}
			}
			if chunk.Delta.Type == "input_json_delta" && chunk.Delta.PartialJSON != "" {
				toolJSON[chunk.Index] += chunk.Delta.PartialJSON
			}

		case "content_block_stop":
			tc, exists := toolCalls[chunk.Index]
			if !exists {
				continue
			}
			if buf := toolJSON[chunk.Index]; buf != "" {
				var args map[string]any
				if err := json.Unmarshal([]byte(buf), &args); err == nil {
					tc.Args = args
				}
			}
			if !send(ctx, outputCh, Event{Type: EventToolCall, ToolCall: tc}) {
				return ctx.Err()
			}
			delete(toolCalls, chunk.Index)

		case "message_delta":
			if chunk.Usage != nil {
				usage.OutputTokens = chunk.Usage.OutputTokens
			}

		case "message_stop":
			send(ctx, outputCh, Event{
				Type:      EventDone,
				TokensIn:  usage.InputTokens,
				TokensOut: usage.OutputTokens,
			})
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to read stream: %w", err)
	}

	// Stream ended without message_stop; still report what we have.
	send(ctx, outputCh, Event{
		Type:      EventDone,
		TokensIn:  usage.InputTokens,
		TokensOut: usage.OutputTokens,
	})
	return nil
}
