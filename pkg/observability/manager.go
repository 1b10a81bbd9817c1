package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	Tracing TracerConfig  `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// Manager owns the process-wide tracer provider and metrics recorder.
// Initialize runs once during runtime construction, before anything
// concurrent touches it, and publishes the recorder through
// SetGlobalMetrics so instrumented packages pick it up.
type Manager struct {
	cfg     Config
	tracer  trace.TracerProvider
	metrics Metrics
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

func (m *Manager) Initialize(ctx context.Context) error {
	tp, err := InitGlobalTracer(ctx, m.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	m.tracer = tp

	metrics, err := InitMetrics(ctx, m.cfg.Metrics)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	m.metrics = metrics
	SetGlobalMetrics(metrics)
	return nil
}

// GetTracer returns a tracer from the managed provider, falling back to
// the global one before Initialize has run.
func (m *Manager) GetTracer(name string) trace.Tracer {
	if m.tracer == nil {
		return GetTracer(name)
	}
	return m.tracer.Tracer(name)
}

func (m *Manager) GetMetrics() Metrics {
	return m.metrics
}

// Shutdown flushes the span exporter. The no-op provider used when
// tracing is disabled has nothing to flush.
func (m *Manager) Shutdown(ctx context.Context) error {
	tp, ok := m.tracer.(interface{ Shutdown(context.Context) error })
	if !ok {
		return nil
	}
	return tp.Shutdown(ctx)
}
