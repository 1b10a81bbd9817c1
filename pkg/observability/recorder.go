package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics is the recording surface the rest of the engine talks to.
// Implementations must tolerate being called with partial data.
type Metrics interface {
	RecordRequest(ctx context.Context, route string, duration time.Duration, err error)
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)
	RecordLLMCall(ctx context.Context, provider, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordLLMFallback(ctx context.Context, from, to string)
	RecordCacheHit(ctx context.Context, cache string)
	RecordCacheMiss(ctx context.Context, cache string)
	RecordOrphanChunks(ctx context.Context, count int)
	RecordVerifierVerdict(ctx context.Context, status string)
	RecordLockWait(ctx context.Context, wait time.Duration)
	RecordTaskRun(ctx context.Context, task string, duration time.Duration, err error)
	RecordIngest(ctx context.Context, collection string, parents, children int)
}

// PrometheusMetrics records through OpenTelemetry instruments backed by
// the Prometheus exporter. A zero value is a valid no-op recorder.
type PrometheusMetrics struct {
	requestDuration metric.Float64Histogram
	requestsTotal   metric.Int64Counter
	requestErrors   metric.Int64Counter

	toolDuration    metric.Float64Histogram
	toolCallsTotal  metric.Int64Counter
	toolErrorsTotal metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrorsTotal  metric.Int64Counter
	llmFallbacks    metric.Int64Counter

	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter

	orphanChunks     metric.Int64Counter
	verifierVerdicts metric.Int64Counter
	lockWait         metric.Float64Histogram
	taskRuns         metric.Int64Counter

	ingestDocuments metric.Int64Counter
	ingestChunks    metric.Int64Counter
}

func (m *PrometheusMetrics) RecordRequest(ctx context.Context, route string, duration time.Duration, err error) {
	if m == nil || m.requestDuration == nil || m.requestsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(AttrRoute, route),
	}

	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil && m.requestErrors != nil {
		m.requestErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil || m.toolCallsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(AttrToolName, tool),
	}

	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.toolCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil && m.toolErrorsTotal != nil {
		m.toolErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, provider, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(AttrLLMProvider, provider),
		attribute.String(AttrLLMModel, model),
	}

	m.llmDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if m.llmInputTokens != nil {
		m.llmInputTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attrs...))
	}
	if m.llmOutputTokens != nil {
		m.llmOutputTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attrs...))
	}
	if err != nil && m.llmErrorsTotal != nil {
		m.llmErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordLLMFallback(ctx context.Context, from, to string) {
	if m == nil || m.llmFallbacks == nil {
		return
	}

	m.llmFallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *PrometheusMetrics) RecordCacheHit(ctx context.Context, cache string) {
	if m == nil || m.cacheHits == nil {
		return
	}

	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrCacheName, cache)))
}

func (m *PrometheusMetrics) RecordCacheMiss(ctx context.Context, cache string) {
	if m == nil || m.cacheMisses == nil {
		return
	}

	m.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrCacheName, cache)))
}

func (m *PrometheusMetrics) RecordOrphanChunks(ctx context.Context, count int) {
	if m == nil || m.orphanChunks == nil || count <= 0 {
		return
	}

	m.orphanChunks.Add(ctx, int64(count))
}

func (m *PrometheusMetrics) RecordVerifierVerdict(ctx context.Context, status string) {
	if m == nil || m.verifierVerdicts == nil {
		return
	}

	m.verifierVerdicts.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrVerdictStatus, status)))
}

func (m *PrometheusMetrics) RecordLockWait(ctx context.Context, wait time.Duration) {
	if m == nil || m.lockWait == nil {
		return
	}

	m.lockWait.Record(ctx, wait.Seconds())
}

func (m *PrometheusMetrics) RecordTaskRun(ctx context.Context, task string, duration time.Duration, err error) {
	if m == nil || m.taskRuns == nil {
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	m.taskRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrTaskName, task),
		attribute.String("outcome", outcome),
	))
}

func (m *PrometheusMetrics) RecordIngest(ctx context.Context, collection string, parents, children int) {
	if m == nil || m.ingestDocuments == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(AttrCollection, collection))
	m.ingestDocuments.Add(ctx, 1, attrs)

	if m.ingestChunks != nil {
		if parents > 0 {
			m.ingestChunks.Add(ctx, int64(parents), metric.WithAttributes(
				attribute.String(AttrCollection, collection),
				attribute.String("kind", "parent"),
			))
		}
		if children > 0 {
			m.ingestChunks.Add(ctx, int64(children), metric.WithAttributes(
				attribute.String(AttrCollection, collection),
				attribute.String("kind", "child"),
			))
		}
	}
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics never returns nil so call sites can record without
// checking. Before initialization it hands back a no-op recorder.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	if globalMetrics == nil {
		return (*PrometheusMetrics)(nil)
	}
	return globalMetrics
}
