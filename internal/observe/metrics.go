// Package observe provides the observability primitives shared by the API
// server and the pipeline workers: OpenTelemetry metrics exported through a
// Prometheus bridge, tracing helpers, and HTTP middleware that ties them
// together.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/storyline"

// Metrics holds all OpenTelemetry instruments for the application. The
// instruments are safe for concurrent use.
type Metrics struct {
	// StageDuration tracks pipeline stage latency. Attributes: stage, status.
	StageDuration metric.Float64Histogram

	// StageRetries counts retried stage attempts. Attributes: stage.
	StageRetries metric.Int64Counter

	// PipelineRuns counts finished pipeline runs. Attributes: status.
	PipelineRuns metric.Int64Counter

	// ActiveRuns tracks pipeline runs currently executing in this process.
	ActiveRuns metric.Int64UpDownCounter

	// ProviderDuration tracks provider call latency. Attributes: provider, kind.
	ProviderDuration metric.Float64Histogram

	// ProviderRequests counts provider calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed provider calls. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	// breaker, to.
	BreakerTransitions metric.Int64Counter

	// QueueTasks counts queue task outcomes. Attributes: task, status.
	QueueTasks metric.Int64Counter

	// BlobOperations counts blob store calls. Attributes: container, op, status.
	BlobOperations metric.Int64Counter

	// CacheLookups counts cache reads. Attributes: cache, result.
	CacheLookups metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// stageBuckets covers everything from a fast LLM classification to a long
// narration synthesis (seconds).
var stageBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

var httpBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates all instruments on the given [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("storyline.pipeline.stage.duration",
		metric.WithDescription("Latency of a single pipeline stage attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageRetries, err = m.Int64Counter("storyline.pipeline.stage.retries",
		metric.WithDescription("Retried pipeline stage attempts by stage."),
	); err != nil {
		return nil, err
	}
	if met.PipelineRuns, err = m.Int64Counter("storyline.pipeline.runs",
		metric.WithDescription("Finished pipeline runs by final status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRuns, err = m.Int64UpDownCounter("storyline.pipeline.active_runs",
		metric.WithDescription("Pipeline runs currently executing in this process."),
	); err != nil {
		return nil, err
	}

	if met.ProviderDuration, err = m.Float64Histogram("storyline.provider.duration",
		metric.WithDescription("Latency of provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("storyline.provider.requests",
		metric.WithDescription("Provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("storyline.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("storyline.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	if met.QueueTasks, err = m.Int64Counter("storyline.queue.tasks",
		metric.WithDescription("Queue task outcomes by task type and status."),
	); err != nil {
		return nil, err
	}
	if met.BlobOperations, err = m.Int64Counter("storyline.blob.operations",
		metric.WithDescription("Blob store operations by container, operation, and status."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("storyline.cache.lookups",
		metric.WithDescription("Cache lookups by cache and result."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("storyline.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route, and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(httpBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Call it only after [InitProvider]
// so the instruments bind to the real provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Status maps an error to the "ok"/"error" status attribute value.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordStage records one stage attempt.
func (m *Metrics) RecordStage(ctx context.Context, stage, status string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(Attr("stage", stage), Attr("status", status)))
}

// RecordRetry records a retried stage attempt.
func (m *Metrics) RecordRetry(ctx context.Context, stage string) {
	m.StageRetries.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage)))
}

// RecordRun records a finished pipeline run.
func (m *Metrics) RecordRun(ctx context.Context, status string) {
	m.PipelineRuns.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordProviderRequest records a provider call with its latency.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string, d time.Duration) {
	attrs := metric.WithAttributes(Attr("provider", provider), Attr("kind", kind))
	m.ProviderDuration.Record(ctx, d.Seconds(), attrs)
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(Attr("provider", provider), Attr("kind", kind), Attr("status", status)))
}

// RecordProviderError records a failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(Attr("breaker", breaker), Attr("to", to)))
}

// RecordQueueTask records a queue task outcome.
func (m *Metrics) RecordQueueTask(ctx context.Context, task, status string) {
	m.QueueTasks.Add(ctx, 1, metric.WithAttributes(Attr("task", task), Attr("status", status)))
}

// RecordBlobOp records a blob store operation.
func (m *Metrics) RecordBlobOp(ctx context.Context, container, op, status string) {
	m.BlobOperations.Add(ctx, 1,
		metric.WithAttributes(Attr("container", container), Attr("op", op), Attr("status", status)))
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(Attr("cache", cache), Attr("result", result)))
}
