package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/httpclient"
	"github.com/lontar-ai/lontar/pkg/observability"
)

// OpenAIProvider speaks the chat-completions wire format, which also
// covers self-hosted gateways exposing the same API.
type OpenAIProvider struct {
	cfg    *config.ProviderConfig
	client *httpclient.Client
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   any              `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage  `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content,omitempty"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func NewOpenAIProvider(cfg *config.ProviderConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OpenAI")
	}

	return &OpenAIProvider{
		cfg: cfg,
		client: httpclient.New(
			httpclient.WithTimeout(cfg.Timeout),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (p *OpenAIProvider) GetModelName() string {
	return p.cfg.Model
}

func (p *OpenAIProvider) Close() error {
	return nil
}

func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Completion, error) {
	start := time.Now()

	body, err := p.do(ctx, p.buildRequest(req, false))
	duration := time.Since(start)
	if err != nil {
		observability.GetGlobalMetrics().RecordLLMCall(ctx, "openai", p.cfg.Model, duration, 0, 0, err)
		return nil, err
	}

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != nil {
		apiErr := fmt.Errorf("OpenAI API error: %s", response.Error.Message)
		observability.GetGlobalMetrics().RecordLLMCall(ctx, "openai", p.cfg.Model, duration, 0, 0, apiErr)
		return nil, apiErr
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]
	completion := &Completion{
		TokensIn:  response.Usage.PromptTokens,
		TokensOut: response.Usage.CompletionTokens,
	}
	if text, ok := choice.Message.Content.(string); ok {
		completion.Text = text
	}
	completion.ToolCalls, err = parseOpenAIToolCalls(choice.Message.ToolCalls)
	if err != nil {
		return nil, err
	}

	observability.GetGlobalMetrics().RecordLLMCall(ctx, "openai", p.cfg.Model, duration,
		response.Usage.PromptTokens, response.Usage.CompletionTokens, nil)

	return completion, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	outputCh := make(chan Event, streamBufferSize)

	go func() {
		defer close(outputCh)
		if err := p.stream(ctx, p.buildRequest(req, true), outputCh); err != nil {
			send(ctx, outputCh, Event{Type: EventError, Err: err})
		}
	}()

	return outputCh, nil
}

func (p *OpenAIProvider) buildRequest(req Request, stream bool) openAIRequest {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}

	for _, msg := range req.Messages {
		if msg.Role == "tool" {
			messages = append(messages, openAIMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
			continue
		}

		out := openAIMessage{Role: msg.Role}
		if msg.ImageURL != "" {
			parts := []openAIContentPart{}
			if msg.Content != "" {
				parts = append(parts, openAIContentPart{Type: "text", Text: msg.Content})
			}
			parts = append(parts, openAIContentPart{
				Type:     "image_url",
				ImageURL: &openAIImageURL{URL: msg.ImageURL},
			})
			out.Content = parts
		} else {
			out.Content = msg.Content
		}

		for _, tc := range msg.ToolCalls {
			args, _ := json.Marshal(tc.Args)
			call := openAIToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = string(args)
			out.ToolCalls = append(out.ToolCalls, call)
		}

		messages = append(messages, out)
	}

	request := openAIRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		Temperature: temperatureOf(req, p.cfg),
		Stream:      stream,
	}
	if max := maxTokensOf(req, p.cfg); max > 0 {
		request.MaxTokens = &max
	}

	for _, tool := range req.Tools {
		request.Tools = append(request.Tools, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	if len(request.Tools) > 0 {
		request.ToolChoice = "auto"
	}

	return request
}

func (p *OpenAIProvider) newHTTPRequest(ctx context.Context, request openAIRequest) (*http.Request, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.cfg.Host+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	return httpReq, nil
}

func (p *OpenAIProvider) do(ctx context.Context, request openAIRequest) ([]byte, error) {
	httpReq, err := p.newHTTPRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("OpenAI", resp.StatusCode, body)
	}

	return body, nil
}

func (p *OpenAIProvider) stream(ctx context.Context, request openAIRequest, outputCh chan<- Event) error {
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
		return statusError("OpenAI", resp.StatusCode, body)
	}

	// Tool-call deltas arrive fragmented: the first fragment carries
	// the id and name, later fragments append argument JSON.
	var pending []openAIToolCall
	var usage openAIUsage

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk openAIStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("OpenAI API error: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if !send(ctx, outputCh, Event{Type: EventToken, Text: choice.Delta.Content}) {
				return ctx.Err()
			}
		}

		for _, delta := range choice.Delta.ToolCalls {
			if delta.ID != "" {
				pending = append(pending, delta)
			} else if len(pending) > 0 {
				pending[len(pending)-1].Function.Arguments += delta.Function.Arguments
			}
		}

		if choice.FinishReason == "stop" || choice.FinishReason == "tool_calls" {
			calls, err := parseOpenAIToolCalls(pending)
			if err != nil {
				return err
			}
			for _, tc := range calls {
				if !send(ctx, outputCh, Event{Type: EventToolCall, ToolCall: tc}) {
					return ctx.Err()
				}
			}
			pending = nil
		}
	}

	send(ctx, outputCh, Event{
		Type:      EventDone,
		TokensIn:  usage.PromptTokens,
		TokensOut: usage.CompletionTokens,
	})
	return nil
}

func parseOpenAIToolCalls(raw []openAIToolCall) ([]*ToolCall, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	calls := make([]*ToolCall, len(raw))
	for i, tc := range raw {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool arguments for %s: %w", tc.Function.Name, err)
			}
		}
		calls[i] = &ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args}
	}
	return calls, nil
}

// statusError keeps transient status codes retryable so the gateway can
// advance its chain; everything else is terminal.
func statusError(provider string, status int, body []byte) error {
	msg := fmt.Sprintf("%s API returned status %d: %s", provider, status, string(body))
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return &httpclient.RetryableError{StatusCode: status, Message: msg}
	default:
		return fmt.Errorf("%s", msg)
	}
}

func temperatureOf(req Request, cfg *config.ProviderConfig) *float64 {
	if req.Temperature != nil {
		return req.Temperature
	}
	return cfg.Temperature
}

func maxTokensOf(req Request, cfg *config.ProviderConfig) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return cfg.MaxTokens
}
