package llms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/httpclient"
	"github.com/lontar-ai/lontar/pkg/logger"
	"github.com/lontar-ai/lontar/pkg/observability"
)

// ChainStep records one link of a fallback walk.
type ChainStep struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// Gateway fronts the provider pool with an ordered fallback chain. A
// call advances to the next link only on a retryable failure (rate
// limit, 5xx, timeout, temporary network); fatal failures such as auth
// or validation errors surface immediately, and a cancelled context
// stops the walk without advancing.
type Gateway struct {
	cfg       *config.LLMConfig
	providers map[string]Provider
	chain     []string
	log       *slog.Logger
}

func NewGateway(cfg *config.LLMConfig) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm config cannot be nil")
	}
	if len(cfg.Chain) == 0 {
		return nil, fmt.Errorf("llm chain cannot be empty")
	}

	providers := make(map[string]Provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		p, err := New(pc)
		if err != nil {
			for _, built := range providers {
				_ = built.Close()
			}
			return nil, fmt.Errorf("failed to build provider %q: %w", name, err)
		}
		providers[name] = p
	}

	return &Gateway{
		cfg:       cfg,
		providers: providers,
		chain:     cfg.Chain,
		log:       logger.For("llm.gateway"),
	}, nil
}

// Provider returns the named provider, or nil.
func (g *Gateway) Provider(name string) Provider {
	return g.providers[name]
}

// Utility returns the provider for internal calls (verification, fact
// extraction, re-ranking).
func (g *Gateway) Utility() Provider {
	return g.providers[g.cfg.Utility]
}

// Vision returns the multimodal provider, or nil when none is
// configured.
func (g *Gateway) Vision() Provider {
	if g.cfg.Vision == "" {
		return nil
	}
	return g.providers[g.cfg.Vision]
}

// PrimaryModel is the model name of the first chain link.
func (g *Gateway) PrimaryModel() string {
	if p := g.providers[g.chain[0]]; p != nil {
		return p.GetModelName()
	}
	return ""
}

func (g *Gateway) Close() error {
	var firstErr error
	for name, p := range g.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close provider %q: %w", name, err)
		}
	}
	return firstErr
}

// Generate walks the chain until a provider answers. The returned steps
// record every link tried, in order. When the request declares tools
// and the answering provider returned none natively, the plain-text
// fallback parser recovers calls from the completion text.
func (g *Gateway) Generate(ctx context.Context, req Request) (*Completion, []ChainStep, error) {
	var steps []ChainStep
	var lastErr error

	for i, name := range g.chain {
		provider := g.providers[name]
		if provider == nil {
			continue
		}

		completion, err := provider.Generate(ctx, req)
		if err == nil {
			steps = append(steps, ChainStep{Provider: name, Model: provider.GetModelName(), OK: true})
			if len(req.Tools) > 0 && len(completion.ToolCalls) == 0 {
				if calls, remainder := ParseToolCalls(completion.Text); len(calls) > 0 {
					completion.ToolCalls = calls
					completion.Text = remainder
				}
			}
			return completion, steps, nil
		}

		steps = append(steps, ChainStep{Provider: name, Model: provider.GetModelName(), Error: err.Error()})
		lastErr = err

		if !retryable(err) {
			return nil, steps, err
		}
		if i+1 < len(g.chain) {
			next := g.chain[i+1]
			g.log.Warn("provider failed, falling back",
				"from", name, "to", next, "error", err)
			observability.GetGlobalMetrics().RecordLLMFallback(ctx, name, next)
		}
	}

	return nil, steps, fmt.Errorf("all providers in chain failed: %w", lastErr)
}

// Stream walks the chain like Generate, but a link only counts as
// failed if it errors before producing any token; once output has
// started the stream is committed to that provider. The terminal done
// event carries the chain outcome under metadata key "model_chain".
func (g *Gateway) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	outputCh := make(chan Event, streamBufferSize)

	go func() {
		defer close(outputCh)

		var steps []ChainStep
		var lastErr error

		for i, name := range g.chain {
			provider := g.providers[name]
			if provider == nil {
				continue
			}

			inner, err := provider.Stream(ctx, req)
			if err == nil {
				err = g.relay(ctx, inner, outputCh, &steps, name, provider.GetModelName(), len(req.Tools) > 0)
				if err == nil {
					return
				}
			} else {
				steps = append(steps, ChainStep{Provider: name, Model: provider.GetModelName(), Error: err.Error()})
			}
			lastErr = err

			if isCommitted(err) || !retryable(err) || ctx.Err() != nil {
				send(ctx, outputCh, Event{Type: EventError, Err: unwrapCommitted(err)})
				return
			}
			if i+1 < len(g.chain) {
				next := g.chain[i+1]
				g.log.Warn("provider stream failed, falling back",
					"from", name, "to", next, "error", err)
				observability.GetGlobalMetrics().RecordLLMFallback(ctx, name, next)
			}
		}

		send(ctx, outputCh, Event{
			Type: EventError,
			Err:  fmt.Errorf("all providers in chain failed: %w", lastErr),
		})
	}()

	return outputCh, nil
}

// committedError wraps a provider error that arrived after output
// already reached the consumer; the chain must not advance past it.
type committedError struct {
	err error
}

func (e *committedError) Error() string { return e.err.Error() }
func (e *committedError) Unwrap() error { return e.err }

func unwrapCommitted(err error) error {
	var ce *committedError
	if errors.As(err, &ce) {
		return ce.err
	}
	return err
}

func isCommitted(err error) bool {
	var ce *committedError
	return errors.As(err, &ce)
}

// relay forwards one provider's stream. It returns nil when the stream
// finished with a done event, and records the step either way.
//
// When the request declared tools and the provider emitted no native
// tool_call, the accumulated text is run through the plain-text
// fallback parser at done, mirroring Generate. Leading tokens that look
// like call markup are held back so recovered calls do not also reach
// the consumer as answer text.
func (g *Gateway) relay(ctx context.Context, inner <-chan Event, outputCh chan<- Event, steps *[]ChainStep, name, model string, wantTools bool) error {
	committed := false
	sawToolCall := false
	var text strings.Builder
	var held []Event
	holding := wantTools

	flush := func() bool {
		for _, ev := range held {
			if !send(ctx, outputCh, ev) {
				return false
			}
		}
		held = nil
		holding = false
		return true
	}

	for ev := range inner {
		switch ev.Type {
		case EventError:
			*steps = append(*steps, ChainStep{Provider: name, Model: model, Error: ev.Err.Error()})
			if committed {
				return &committedError{err: ev.Err}
			}
			return ev.Err

		case EventDone:
			*steps = append(*steps, ChainStep{Provider: name, Model: model, OK: true})
			if wantTools && !sawToolCall {
				if calls, _ := ParseToolCalls(text.String()); len(calls) > 0 {
					held = nil
					for _, call := range calls {
						if !send(ctx, outputCh, Event{Type: EventToolCall, ToolCall: call}) {
							return ctx.Err()
						}
					}
				}
			}
			if !flush() {
				return ctx.Err()
			}
			ev.Metadata = map[string]any{"model_chain": *steps}
			send(ctx, outputCh, ev)
			return nil

		case EventToolCall:
			sawToolCall = true
			committed = true
			if !flush() {
				return ctx.Err()
			}
			if !send(ctx, outputCh, ev) {
				return ctx.Err()
			}

		case EventToken:
			if wantTools {
				text.WriteString(ev.Text)
			}
			if holding && markupPrefix(text.String()) {
				held = append(held, ev)
				continue
			}
			if !flush() {
				return ctx.Err()
			}
			committed = true
			if !send(ctx, outputCh, ev) {
				return ctx.Err()
			}

		default:
			committed = true
			if !send(ctx, outputCh, ev) {
				return ctx.Err()
			}
		}
	}

	// Channel closed without a terminal event.
	err := fmt.Errorf("provider stream ended unexpectedly")
	*steps = append(*steps, ChainStep{Provider: name, Model: model, Error: err.Error()})
	if committed {
		return &committedError{err: err}
	}
	return err
}

// retryable decides whether the chain may advance past err.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return httpclient.IsRetryable(err)
}
