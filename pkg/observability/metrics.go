package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// InitMetrics wires the OpenTelemetry meter to the default Prometheus
// registry so the instruments show up on the /api/performance/metrics
// endpoint. Disabled metrics return an empty recorder whose methods are
// all nil-safe no-ops.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("lontar")

	requestDuration, err := meter.Float64Histogram(
		"lontar_request_duration_seconds",
		metric.WithDescription("End to end request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	requestsTotal, err := meter.Int64Counter(
		"lontar_requests_total",
		metric.WithDescription("Total requests by route"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	requestErrors, err := meter.Int64Counter(
		"lontar_request_errors_total",
		metric.WithDescription("Total failed requests by route"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request errors counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"lontar_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	toolCalls, err := meter.Int64Counter(
		"lontar_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	toolErrors, err := meter.Int64Counter(
		"lontar_tool_errors_total",
		metric.WithDescription("Total tool errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		"lontar_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmInputTokens, err := meter.Int64Counter(
		"lontar_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to LLM providers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	llmOutputTokens, err := meter.Int64Counter(
		"lontar_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from LLM providers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		"lontar_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	llmFallbacks, err := meter.Int64Counter(
		"lontar_llm_fallbacks_total",
		metric.WithDescription("Total fallback advances along the provider chain"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm fallbacks counter: %w", err)
	}

	cacheHits, err := meter.Int64Counter(
		"lontar_cache_hits_total",
		metric.WithDescription("Total cache hits by cache name"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	cacheMisses, err := meter.Int64Counter(
		"lontar_cache_misses_total",
		metric.WithDescription("Total cache misses by cache name"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	orphanChunks, err := meter.Int64Counter(
		"lontar_retrieval_orphans_total",
		metric.WithDescription("Child chunks dropped because their parent is missing"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrieval orphans counter: %w", err)
	}

	verifierVerdicts, err := meter.Int64Counter(
		"lontar_verifier_verdicts_total",
		metric.WithDescription("Verifier verdicts by status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verifier verdicts counter: %w", err)
	}

	lockWait, err := meter.Float64Histogram(
		"lontar_session_lock_wait_seconds",
		metric.WithDescription("Time spent waiting for a conversation lock"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock wait histogram: %w", err)
	}

	taskRuns, err := meter.Int64Counter(
		"lontar_scheduler_task_runs_total",
		metric.WithDescription("Scheduled task runs by task and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task runs counter: %w", err)
	}

	ingestDocuments, err := meter.Int64Counter(
		"lontar_ingest_documents_total",
		metric.WithDescription("Documents ingested by collection"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest documents counter: %w", err)
	}

	ingestChunks, err := meter.Int64Counter(
		"lontar_ingest_chunks_total",
		metric.WithDescription("Chunks written during ingest by collection and kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest chunks counter: %w", err)
	}

	return &PrometheusMetrics{
		requestDuration:  requestDuration,
		requestsTotal:    requestsTotal,
		requestErrors:    requestErrors,
		toolDuration:     toolDuration,
		toolCallsTotal:   toolCalls,
		toolErrorsTotal:  toolErrors,
		llmDuration:      llmDuration,
		llmInputTokens:   llmInputTokens,
		llmOutputTokens:  llmOutputTokens,
		llmErrorsTotal:   llmErrors,
		llmFallbacks:     llmFallbacks,
		cacheHits:        cacheHits,
		cacheMisses:      cacheMisses,
		orphanChunks:     orphanChunks,
		verifierVerdicts: verifierVerdicts,
		lockWait:         lockWait,
		taskRuns:         taskRuns,
		ingestDocuments:  ingestDocuments,
		ingestChunks:     ingestChunks,
	}, nil
}
