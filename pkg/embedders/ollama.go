package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/httpclient"
)

// Ollama's llama runner crashes when receiving concurrent embedding
// requests, so all calls are serialized through one mutex.
var ollamaEmbedMu sync.Mutex

type OllamaEmbedder struct {
	client    *httpclient.Client
	baseURL   string
	model     string
	dimension int
	bounds    *bounder
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func NewOllamaEmbedder(cfg *config.EmbedderConfig) (*OllamaEmbedder, error) {
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}

	baseURL := cfg.Host
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	dimension := cfg.Dimension
	if dimension == 0 {
		dimension = 768
	}

	bounds, err := newBounder(model, cfg.MaxInputTokens, cfg.TruncateOverflow)
	if err != nil {
		return nil, err
	}

	return &OllamaEmbedder{
		client: httpclient.New(
			httpclient.WithTimeout(cfg.Timeout),
			httpclient.WithRetryStrategy(func(statusCode int) httpclient.RetryStrategy {
				if statusCode >= http.StatusInternalServerError {
					return httpclient.ConservativeRetry
				}
				return httpclient.NoRetry
			}),
		),
		baseURL:   baseURL,
		model:     model,
		dimension: dimension,
		bounds:    bounds,
	}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	bounded, err := e.bounds.bound(text)
	if err != nil {
		return nil, err
	}

	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	slog.Debug("Ollama embedding request", "model", e.model, "text_length", len(bounded))

	reqBody, err := json.Marshal(ollamaEmbedRequest{
		Model:  e.model,
		Prompt: bounded,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/api/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to Ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama API returned status %d: %s", resp.StatusCode, string(body))
	}

	var response ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(response.Embedding) == 0 {
		return nil, fmt.Errorf("received empty embedding from Ollama")
	}

	return response.Embedding, nil
}

// EmbedBatch loops one request per text; the Ollama embeddings endpoint
// takes a single prompt per call.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		results[i] = embedding
	}
	return results, nil
}

func (e *OllamaEmbedder) GetDimension() int {
	return e.dimension
}

func (e *OllamaEmbedder) GetModelName() string {
	return e.model
}

func (e *OllamaEmbedder) Close() error {
	return nil
}
