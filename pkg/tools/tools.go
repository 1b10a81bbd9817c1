// Package tools implements the agent-callable tool layer: a registry
// that validates arguments against each tool's JSON schema before
// dispatch, plus the built-in tools (vector search, graph traversal,
// calculator, pricing lookup, vision).
//
// Tool failures are observations, not errors: Execute always returns a
// ToolResult the agent can feed back to the model, and the registry
// never panics on malformed input.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/llms"
	"github.com/lontar-ai/lontar/pkg/logger"
	"github.com/lontar-ai/lontar/pkg/observability"
	"github.com/lontar-ai/lontar/pkg/registry"
	"github.com/samber/lo"
)

// ToolInfo describes a tool to the model. Schema is a JSON schema for
// the arguments object, generated from the tool's typed args struct.
type ToolInfo struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolResult is one tool observation. Content is what the model sees;
// Metadata carries structured data (sources, numbers) for the caller.
type ToolResult struct {
	Success  bool           `json:"success"`
	Content  string         `json:"content"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Tool is a single agent-callable capability.
type Tool interface {
	Info() ToolInfo
	Execute(ctx context.Context, args map[string]any) (ToolResult, error)
}

// errorResult wraps a failure into an observation the model can react
// to. The err is surfaced verbatim; keep tool errors descriptive.
func errorResult(err error) ToolResult {
	return ToolResult{
		Success: false,
		Content: fmt.Sprintf("Error: %v", err),
		Error:   err.Error(),
	}
}

// Registry holds the enabled tools and owns dispatch: argument
// validation, per-call timeout, and execution metrics.
type Registry struct {
	tools   *registry.BaseRegistry[Tool]
	timeout time.Duration
	enabled []string
	log     *slog.Logger
}

func NewRegistry(cfg *config.ToolsConfig) *Registry {
	r := &Registry{
		tools: registry.NewBaseRegistry[Tool](),
		log:   logger.For("tools"),
	}
	if cfg != nil {
		r.timeout = cfg.Timeout
		r.enabled = cfg.Enabled
	}
	return r
}

// Register adds a tool. Tools not listed in the enabled set are
// silently skipped, so wiring can offer every built-in and let
// configuration choose.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	info := t.Info()
	if info.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if len(r.enabled) > 0 && !lo.Contains(r.enabled, info.Name) {
		r.log.Debug("tool not enabled, skipping", "tool", info.Name)
		return nil
	}
	return r.tools.Register(info.Name, t)
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	return r.tools.Get(name)
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	return r.tools.Names()
}

// Definitions renders the registered tools for a model request.
func (r *Registry) Definitions() []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, 0, r.tools.Count())
	for _, name := range r.tools.Names() {
		t, ok := r.tools.Get(name)
		if !ok {
			continue
		}
		info := t.Info()
		defs = append(defs, llms.ToolDefinition{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  info.Schema,
		})
	}
	return defs
}

// Execute validates args against the tool's schema and runs it under
// the configured timeout. Every failure mode, including an unknown tool
// name or a panicking tool, comes back as a failed ToolResult so the
// agent can show the model what went wrong.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) ToolResult {
	start := time.Now()
	result := r.execute(ctx, name, args)
	duration := time.Since(start)

	var err error
	if !result.Success {
		err = fmt.Errorf("%s", result.Error)
		r.log.Warn("tool execution failed", "tool", name, "error", result.Error, "duration", duration)
	} else {
		r.log.Debug("tool executed", "tool", name, "duration", duration)
	}
	observability.GetGlobalMetrics().RecordToolExecution(ctx, name, duration, err)
	return result
}

func (r *Registry) execute(ctx context.Context, name string, args map[string]any) (result ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = errorResult(fmt.Errorf("tool %s panicked: %v", name, rec))
		}
	}()

	t, ok := r.tools.Get(name)
	if !ok {
		return errorResult(fmt.Errorf("unknown tool: %s (available: %s)",
			name, strings.Join(r.tools.Names(), ", ")))
	}
	if err := validateArgs(t.Info().Schema, args); err != nil {
		return errorResult(fmt.Errorf("invalid arguments for %s: %w", name, err))
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	result, err := t.Execute(ctx, args)
	if err != nil {
		return errorResult(err)
	}
	return result
}
