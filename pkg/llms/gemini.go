package llms

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/observability"
)

// GeminiProvider rides the official genai SDK instead of raw HTTP; the
// SDK owns retries and transport concerns the other providers delegate
// to httpclient.
type GeminiProvider struct {
	cfg    *config.ProviderConfig
	client *genai.Client
}

func NewGeminiProvider(cfg *config.ProviderConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Gemini")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{cfg: cfg, client: client}, nil
}

func (p *GeminiProvider) GetModelName() string {
	return p.cfg.Model
}

func (p *GeminiProvider) Close() error {
	return nil
}

func (p *GeminiProvider) Generate(ctx context.Context, req Request) (*Completion, error) {
	start := time.Now()
	contents := p.buildContents(req)
	cfg := p.buildConfig(req)

	resp, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, contents, cfg)
	duration := time.Since(start)
	if err != nil {
		err = fmt.Errorf("Gemini generation failed: %w", err)
		observability.GetGlobalMetrics().RecordLLMCall(ctx, "gemini", p.cfg.Model, duration, 0, 0, err)
		return nil, err
	}

	completion := &Completion{}
	if resp.UsageMetadata != nil {
		completion.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		completion.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" && !part.Thought {
				completion.Text += part.Text
			}
			if part.FunctionCall != nil {
				completion.ToolCalls = append(completion.ToolCalls, &ToolCall{
					ID:   functionCallID(part.FunctionCall),
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				})
			}
		}
	}

	observability.GetGlobalMetrics().RecordLLMCall(ctx, "gemini", p.cfg.Model, duration,
		completion.TokensIn, completion.TokensOut, nil)

	return completion, nil
}

func (p *GeminiProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	outputCh := make(chan Event, streamBufferSize)

	go func() {
		defer close(outputCh)

		contents := p.buildContents(req)
		cfg := p.buildConfig(req)

		// Gemini can re-send the same function call across chunks with an
		// empty id; dedupe on a stable hash of name+args.
		emitted := make(map[string]bool)
		var tokensIn, tokensOut int

		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.cfg.Model, contents, cfg) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				send(ctx, outputCh, Event{Type: EventError, Err: fmt.Errorf("Gemini streaming error: %w", err)})
				return
			}

			if resp.UsageMetadata != nil {
				tokensIn = int(resp.UsageMetadata.PromptTokenCount)
				tokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}

			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text != "" && !part.Thought {
					if !send(ctx, outputCh, Event{Type: EventToken, Text: part.Text}) {
						return
					}
				}
				if part.FunctionCall != nil {
					id := functionCallID(part.FunctionCall)
					if emitted[id] {
						continue
					}
					emitted[id] = true
					tc := &ToolCall{ID: id, Name: part.FunctionCall.Name, Args: part.FunctionCall.Args}
					if !send(ctx, outputCh, Event{Type: EventToolCall, ToolCall: tc}) {
						return
					}
				}
			}
		}

		send(ctx, outputCh, Event{Type: EventDone, TokensIn: tokensIn, TokensOut: tokensOut})
	}()

	return outputCh, nil
}

func (p *GeminiProvider) buildContents(req Request) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range req.Messages {
		var parts []*genai.Part

		switch {
		case msg.Role == "tool":
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     msg.ToolName,
					Response: map[string]any{"result": msg.Content},
				},
			})

		case len(msg.ToolCalls) > 0:
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Args},
				})
			}

		default:
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			if msg.ImageURL != "" {
				parts = append(parts, &genai.Part{
					FileData: &genai.FileData{FileURI: msg.ImageURL},
				})
			}
		}

		if len(parts) == 0 {
			continue
		}
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}

func (p *GeminiProvider) buildConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if t := temperatureOf(req, p.cfg); t != nil {
		cfg.Temperature = genai.Ptr(float32(*t))
	}
	if max := maxTokensOf(req, p.cfg); max > 0 {
		cfg.MaxOutputTokens = int32(max)
	}

	for _, tool := range req.Tools {
		cfg.Tools = append(cfg.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  toGenaiSchema(tool.Parameters),
			}},
		})
	}

	return cfg
}

// functionCallID returns the SDK-provided id or, when Gemini omits one,
// a deterministic hash of the call so the same call hashes to the same
// id in every chunk.
func functionCallID(fc *genai.FunctionCall) string {
	if fc.ID != "" {
		return fc.ID
	}
	payload, _ := json.Marshal(map[string]any{"name": fc.Name, "args": fc.Args})
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("call-%x", sum[:12])
}

func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}
