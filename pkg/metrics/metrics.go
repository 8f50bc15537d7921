// Package metrics wires OpenTelemetry instruments for the conversation
// pipeline, bridged to a Prometheus /metrics endpoint. The instrument set
// and provider bootstrap consist of a Prometheus-backed MeterProvider
// registered globally, plus a
// typed struct of named instruments rather than raw string lookups at each
// call site.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/lokutor-ai/convocore"

var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds every OpenTelemetry instrument the pipeline records to.
// Fields are safe for concurrent use; OTel instruments handle their own
// synchronization.
type Metrics struct {
	STTDuration metric.Float64Histogram
	LLMDuration metric.Float64Histogram
	TTSDuration metric.Float64Histogram

	PoolSubmitted metric.Int64Counter
	PoolCompleted metric.Int64Counter
	PoolFailed    metric.Int64Counter
	PoolQueueDepth metric.Int64UpDownCounter

	ActiveSessions metric.Int64UpDownCounter
	BargeIns       metric.Int64Counter
	RingOverflows  metric.Int64Counter
	CircuitOpens   metric.Int64Counter
}

// New creates a fully-initialized Metrics using mp.
func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.STTDuration, err = m.Float64Histogram("convocore.stt.duration",
		metric.WithDescription("Latency of speech-to-text calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("convocore.llm.duration",
		metric.WithDescription("Latency of LLM generation calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("convocore.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.PoolSubmitted, err = m.Int64Counter("convocore.pool.submitted",
		metric.WithDescription("Jobs submitted to a scheduler pool, by class."),
	); err != nil {
		return nil, err
	}
	if met.PoolCompleted, err = m.Int64Counter("convocore.pool.completed",
		metric.WithDescription("Jobs completed successfully, by class."),
	); err != nil {
		return nil, err
	}
	if met.PoolFailed, err = m.Int64Counter("convocore.pool.failed",
		metric.WithDescription("Jobs that failed after exhausting retries or were rejected at submission, by class."),
	); err != nil {
		return nil, err
	}
	if met.PoolQueueDepth, err = m.Int64UpDownCounter("convocore.pool.queue_depth",
		metric.WithDescription("Current queue depth for a bounded-queue pool, by class."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("convocore.sessions.active",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("convocore.bargeins.total",
		metric.WithDescription("Number of barge-in cancellations."),
	); err != nil {
		return nil, err
	}
	if met.RingOverflows, err = m.Int64Counter("convocore.audio.ring_overflows",
		metric.WithDescription("Number of per-session audio ring buffer overflow drops."),
	); err != nil {
		return nil, err
	}
	if met.CircuitOpens, err = m.Int64Counter("convocore.circuitbreaker.opens",
		metric.WithDescription("Number of times a provider circuit breaker has opened."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// classAttr is a convenience alias for attribute.String("class", v).
func classAttr(v string) attribute.KeyValue { return attribute.String("class", v) }

// Submitted records a job submission for a scheduler pool class.
func (m *Metrics) Submitted(ctx context.Context, class string) {
	m.PoolSubmitted.Add(ctx, 1, metric.WithAttributes(classAttr(class)))
}

// Completed records a successful job completion for a scheduler pool class.
func (m *Metrics) Completed(ctx context.Context, class string) {
	m.PoolCompleted.Add(ctx, 1, metric.WithAttributes(classAttr(class)))
}

// Failed records a terminal job failure for a scheduler pool class.
func (m *Metrics) Failed(ctx context.Context, class string) {
	m.PoolFailed.Add(ctx, 1, metric.WithAttributes(classAttr(class)))
}

// SetQueueDepth adds delta to the queue-depth counter for a scheduler pool
// class.
func (m *Metrics) SetQueueDepth(ctx context.Context, class string, delta int64) {
	m.PoolQueueDepth.Add(ctx, delta, metric.WithAttributes(classAttr(class)))
}

// ProviderConfig configures the OTel SDK bootstrap.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string
}

// InitProvider registers a Prometheus-backed global MeterProvider and
// returns a shutdown function to call from main on exit.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "convocore"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}
