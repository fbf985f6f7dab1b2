// Package observe provides application-wide observability primitives for
// WhisperWire: OpenTelemetry metrics, a Prometheus exporter bridge, the
// rotated JSONL request log, and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all WhisperWire metrics.
const meterName = "github.com/MrWong99/whisperwire"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TickDuration tracks partial-tick latency from submit to result.
	TickDuration metric.Float64Histogram

	// FinalDuration tracks final-segment latency from submit to result.
	FinalDuration metric.Float64Histogram

	// InferenceDuration tracks per-batch engine time.
	InferenceDuration metric.Float64Histogram

	// QueueWait tracks time items spend queued before their batch starts.
	QueueWait metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram

	// --- Batch shape ---

	// BatchSize records the item count of each engine call.
	BatchSize metric.Int64Histogram

	// --- Counters ---

	// Partials counts partial transcripts emitted on the wire.
	Partials metric.Int64Counter

	// Finals counts final transcripts emitted on the wire.
	Finals metric.Int64Counter

	// DroppedTicks counts partial ticks skipped by decimation, rejection,
	// or timeout, plus failed segment finals. Use with
	// attribute.String("reason", "decimated"|"rejected"|"timeout"|"final_error").
	DroppedTicks metric.Int64Counter

	// QueueRejections counts Submit calls refused with queue-full.
	QueueRejections metric.Int64Counter

	// AdmissionRejections counts connections refused at max_active.
	// Use with attribute.String("wire", "ws"|"grpc").
	AdmissionRejections metric.Int64Counter

	// Preemptions counts batches abandoned mid-assembly for a higher class.
	Preemptions metric.Int64Counter

	// InferenceErrors counts failed engine batches.
	InferenceErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks live streaming sessions across all wires.
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth tracks the scheduler queue length. Recorded as an
	// up/down delta around enqueue/dequeue by the scheduler's owner.
	QueueDepth metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for streaming-tick latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// batchBuckets covers batch sizes up to the largest plausible max_batch.
var batchBuckets = []float64{1, 2, 4, 8, 16, 32, 64}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TickDuration, err = m.Float64Histogram("whisperwire.tick.duration",
		metric.WithDescription("Latency of partial ticks from submit to result."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FinalDuration, err = m.Float64Histogram("whisperwire.final.duration",
		metric.WithDescription("Latency of final segments from submit to result."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InferenceDuration, err = m.Float64Histogram("whisperwire.inference.duration",
		metric.WithDescription("Engine time per batch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueueWait, err = m.Float64Histogram("whisperwire.queue.wait",
		metric.WithDescription("Time items spend queued before their batch starts."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("whisperwire.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.BatchSize, err = m.Int64Histogram("whisperwire.batch.size",
		metric.WithDescription("Item count per engine call."),
		metric.WithExplicitBucketBoundaries(batchBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Partials, err = m.Int64Counter("whisperwire.partials",
		metric.WithDescription("Partial transcripts emitted on the wire."),
	); err != nil {
		return nil, err
	}
	if met.Finals, err = m.Int64Counter("whisperwire.finals",
		metric.WithDescription("Final transcripts emitted on the wire."),
	); err != nil {
		return nil, err
	}
	if met.DroppedTicks, err = m.Int64Counter("whisperwire.ticks.dropped",
		metric.WithDescription("Partial ticks skipped by decimation, rejection or timeout, plus failed segment finals."),
	); err != nil {
		return nil, err
	}
	if met.QueueRejections, err = m.Int64Counter("whisperwire.queue.rejections",
		metric.WithDescription("Submissions refused because the queue was full."),
	); err != nil {
		return nil, err
	}
	if met.AdmissionRejections, err = m.Int64Counter("whisperwire.admission.rejections",
		metric.WithDescription("Connections refused at the max_active limit."),
	); err != nil {
		return nil, err
	}
	if met.Preemptions, err = m.Int64Counter("whisperwire.batch.preemptions",
		metric.WithDescription("Batches abandoned mid-assembly for a higher priority class."),
	); err != nil {
		return nil, err
	}
	if met.InferenceErrors, err = m.Int64Counter("whisperwire.inference.errors",
		metric.WithDescription("Failed engine batches."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("whisperwire.active_sessions",
		metric.WithDescription("Live streaming sessions across all wires."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("whisperwire.queue.depth",
		metric.WithDescription("Scheduler queue length."),
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

// RecordBatch records one engine call: size, priority, engine time, outcome.
func (m *Metrics) RecordBatch(ctx context.Context, size, priority int, d time.Duration, ok bool) {
	attrs := metric.WithAttributes(attribute.Int("priority", priority))
	m.BatchSize.Record(ctx, int64(size), attrs)
	m.InferenceDuration.Record(ctx, d.Seconds(), attrs)
	if !ok {
		m.InferenceErrors.Add(ctx, 1)
	}
}

// RecordQueueRejection records a queue-full Submit refusal.
func (m *Metrics) RecordQueueRejection(ctx context.Context) {
	m.QueueRejections.Add(ctx, 1)
}

// RecordPreemption records a batch abandoned for a higher priority class.
func (m *Metrics) RecordPreemption(ctx context.Context) {
	m.Preemptions.Add(ctx, 1)
}

// RecordDroppedTick records a skipped partial tick or failed segment final
// with the given reason ("decimated", "rejected", "timeout" or "final_error").
func (m *Metrics) RecordDroppedTick(ctx context.Context, reason string) {
	m.DroppedTicks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAdmissionRejection records a connection refused at max_active on the
// given wire ("ws" or "grpc").
func (m *Metrics) RecordAdmissionRejection(ctx context.Context, wire string) {
	m.AdmissionRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("wire", wire)))
}
