// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, tracing, structured logging helpers, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/voxfarm/voxfarm"

// Metrics holds all OpenTelemetry metric instruments for the service.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// JobDuration tracks end-to-end transcription job latency. Use with
	// attribute: attribute.String("outcome", "success"|"failure"|"revoked").
	JobDuration metric.Float64Histogram

	// StepDuration tracks per-step latency within a job. Use with attribute:
	// attribute.String("step", ...).
	StepDuration metric.Float64Histogram

	// JobsInFlight tracks the number of jobs currently being processed.
	JobsInFlight metric.Int64UpDownCounter

	// SubtaskSubmissions counts sub-tasks dispatched to auxiliary workers.
	// Use with attributes: attribute.String("task", ...), attribute.String("queue", ...).
	SubtaskSubmissions metric.Int64Counter

	// SubtaskErrors counts failed sub-tasks by task name.
	SubtaskErrors metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// jobBuckets defines histogram bucket boundaries (in seconds) sized for
// transcription jobs, which run from sub-second cache hits to many minutes.
var jobBuckets = []float64{
	0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.JobDuration, err = m.Float64Histogram("voxfarm.job.duration",
		metric.WithDescription("End-to-end transcription job latency by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StepDuration, err = m.Float64Histogram("voxfarm.job.step.duration",
		metric.WithDescription("Per-step latency within a job."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...),
	); err != nil {
		return nil, err
	}
	if met.JobsInFlight, err = m.Int64UpDownCounter("voxfarm.jobs.in_flight",
		metric.WithDescription("Number of jobs currently being processed."),
	); err != nil {
		return nil, err
	}
	if met.SubtaskSubmissions, err = m.Int64Counter("voxfarm.subtask.submissions",
		metric.WithDescription("Sub-tasks dispatched to auxiliary workers by task and queue."),
	); err != nil {
		return nil, err
	}
	if met.SubtaskErrors, err = m.Int64Counter("voxfarm.subtask.errors",
		metric.WithDescription("Failed sub-tasks by task name."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxfarm.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// JobStarted records a job entering processing.
func (m *Metrics) JobStarted(ctx context.Context) {
	m.JobsInFlight.Add(ctx, 1)
}

// JobFinished records a job leaving processing with its outcome and duration.
func (m *Metrics) JobFinished(ctx context.Context, outcome string, seconds float64) {
	m.JobsInFlight.Add(ctx, -1)
	m.JobDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// StepObserved records the duration of one completed job step.
func (m *Metrics) StepObserved(ctx context.Context, step string, seconds float64) {
	m.StepDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("step", step)),
	)
}

// RecordSubtask records a sub-task submission.
func (m *Metrics) RecordSubtask(ctx context.Context, task, queue string) {
	m.SubtaskSubmissions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("task", task),
			attribute.String("queue", queue),
		),
	)
}

// RecordSubtaskError records a failed sub-task.
func (m *Metrics) RecordSubtaskError(ctx context.Context, task string) {
	m.SubtaskErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("task", task)),
	)
}
