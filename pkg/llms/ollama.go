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

// OllamaProvider talks to a local Ollama daemon over /api/chat. The
// stream is newline-delimited JSON rather than SSE.
type OllamaProvider struct {
	cfg     *config.ProviderConfig
	client  *httpclient.Client
	baseURL string
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaToolCall struct {
	Function ollamaCallFunction `json:"function"`
}

type ollamaCallFunction struct {
	Index     int            `json:"index,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

func NewOllamaProvider(cfg *config.ProviderConfig) (*OllamaProvider, error) {
	baseURL := strings.TrimSuffix(cfg.Host, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	return &OllamaProvider{
		cfg: cfg,
		client: httpclient.New(
			httpclient.WithTimeout(cfg.Timeout),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
		baseURL: baseURL,
	}, nil
}

func (p *OllamaProvider) GetModelName() string {
	return p.cfg.Model
}

func (p *OllamaProvider) Close() error {
	return nil
}

func (p *OllamaProvider) Generate(ctx context.Context, req Request) (*Completion, error) {
	start := time.Now()

	request, err := p.buildRequest(req, false)
	if err != nil {
		return nil, err
	}
	httpReq, err := p.newHTTPRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		observability.GetGlobalMetrics().RecordLLMCall(ctx, "ollama", p.cfg.Model, duration, 0, 0, err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := statusError("Ollama", resp.StatusCode, body)
		observability.GetGlobalMetrics().RecordLLMCall(ctx, "ollama", p.cfg.Model, duration, 0, 0, apiErr)
		return nil, apiErr
	}

	var response ollamaResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("Ollama API error: %s", response.Error)
	}

	completion := &Completion{
		Text:      response.Message.Content,
		ToolCalls: parseOllamaToolCalls(response.Message.ToolCalls),
		TokensIn:  response.PromptEvalCount,
		TokensOut: response.EvalCount,
	}

	observability.GetGlobalMetrics().RecordLLMCall(ctx, "ollama", p.cfg.Model, duration,
		completion.TokensIn, completion.TokensOut, nil)

	return completion, nil
}

func (p *OllamaProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	request, err := p.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	outputCh := make(chan Event, streamBufferSize)
	go func() {
		defer close(outputCh)
		if err := p.stream(ctx, request, outputCh); err != nil {
			send(ctx, outputCh, Event{Type: EventError, Err: err})
		}
	}()

	return outputCh, nil
}

func (p *OllamaProvider) buildRequest(req Request, stream bool) (ollamaRequest, error) {
	messages := make([]ollamaMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.System})
	}

	// Ollama tool results carry the tool name, not the call id.
	callNames := make(map[string]string)
	for _, msg := range req.Messages {
		if msg.ImageURL != "" {
			return ollamaRequest{}, fmt.Errorf("ollama provider does not support image input")
		}

		switch {
		case msg.Role == "tool":
			name := msg.ToolName
			if name == "" {
				name = callNames[msg.ToolCallID]
			}
			messages = append(messages, ollamaMessage{
				Role:     "tool",
				Content:  msg.Content,
				ToolName: name,
			})

		case len(msg.ToolCalls) > 0:
			m := ollamaMessage{Role: msg.Role, Content: msg.Content}
			for i, tc := range msg.ToolCalls {
				callNames[tc.ID] = tc.Name
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				m.ToolCalls = append(m.ToolCalls, ollamaToolCall{
					Function: ollamaCallFunction{Index: i, Name: tc.Name, Arguments: args},
				})
			}
			messages = append(messages, m)

		default:
			messages = append(messages, ollamaMessage{Role: msg.Role, Content: msg.Content})
		}
	}

	request := ollamaRequest{
		Model:    p.cfg.Model,
		Messages: messages,
		Stream:   stream,
	}

	opts := &ollamaOptions{}
	if t := temperatureOf(req, p.cfg); t != nil {
		opts.Temperature = *t
	}
	if max := maxTokensOf(req, p.cfg); max > 0 {
		opts.NumPredict = max
	}
	if opts.Temperature > 0 || opts.NumPredict > 0 {
		request.Options = opts
	}

	for _, tool := range req.Tools {
		request.Tools = append(request.Tools, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	return request, nil
}

func (p *OllamaProvider) newHTTPRequest(ctx context.Context, request ollamaRequest) (*http.Request, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return httpReq, nil
}

func (p *OllamaProvider) stream(ctx context.Context, request ollamaRequest, outputCh chan<- Event) error {
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
		return statusError("Ollama", resp.StatusCode, body)
	}

	// Tool calls arrive fragmented across chunks, keyed by index; flush
	// them once the final chunk lands.
	toolCalls := make(map[int]*ollamaToolCall)
	reader := bufio.NewReader(resp.Body)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var chunk ollamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("Ollama API error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			if !send(ctx, outputCh, Event{Type: EventToken, Text: chunk.Message.Content}) {
				return ctx.Err()
			}
		}

		for _, tc := range chunk.Message.ToolCalls {
			idx := tc.Function.Index
			if existing, ok := toolCalls[idx]; ok {
				for k, v := range tc.Function.Arguments {
					existing.Function.Arguments[k] = v
				}
				continue
			}
			copied := tc
			if copied.Function.Arguments == nil {
				copied.Function.Arguments = map[string]any{}
			}
			toolCalls[idx] = &copied
		}

		if chunk.Done {
			for i := 0; i < len(toolCalls); i++ {
				tc, ok := toolCalls[i]
				if !ok {
					continue
				}
				call := &ToolCall{
					ID:   fmt.Sprintf("call_%d_%s", i, tc.Function.Name),
					Name: tc.Function.Name,
					Args: tc.Function.Arguments,
				}
				if !send(ctx, outputCh, Event{Type: EventToolCall, ToolCall: call}) {
					return ctx.Err()
				}
			}
			send(ctx, outputCh, Event{
				Type:      EventDone,
				TokensIn:  chunk.PromptEvalCount,
				TokensOut: chunk.EvalCount,
			})
			return nil
		}
	}
}

func parseOllamaToolCalls(calls []ollamaToolCall) []*ToolCall {
	if len(calls) == 0 {
		return nil
	}
	result := make([]*ToolCall, 0, len(calls))
	for i, tc := range calls {
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		result = append(result, &ToolCall{
			ID:   fmt.Sprintf("call_%d_%s", i, tc.Function.Name),
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return result
}
