package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/glimte/mmate-relay/monitor"

// PipelineMetrics records pipeline activity as OpenTelemetry instruments
type PipelineMetrics struct {
	flushes       metric.Int64Counter
	flushSize     metric.Int64Histogram
	flushDuration metric.Float64Histogram
	confirms      metric.Int64Counter
	idles         metric.Int64Counter
	attrs         metric.MeasurementOption
}

// MetricsOption configures PipelineMetrics
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	provider metric.MeterProvider
	pipeline string
}

// WithMeterProvider sets the meter provider. Defaults to the global provider.
func WithMeterProvider(provider metric.MeterProvider) MetricsOption {
	return func(c *metricsConfig) {
		c.provider = provider
	}
}

// WithPipelineName labels every measurement with the pipeline name
func WithPipelineName(name string) MetricsOption {
	return func(c *metricsConfig) {
		c.pipeline = name
	}
}

// NewPipelineMetrics creates the instruments
func NewPipelineMetrics(options ...MetricsOption) (*PipelineMetrics, error) {
	cfg := &metricsConfig{
		provider: otel.GetMeterProvider(),
		pipeline: "default",
	}
	for _, opt := range options {
		opt(cfg)
	}

	meter := cfg.provider.Meter(instrumentationName)
	m := &PipelineMetrics{
		attrs: metric.WithAttributes(attribute.String("pipeline", cfg.pipeline)),
	}

	var err error
	if m.flushes, err = meter.Int64Counter("relay.pipeline.flushes",
		metric.WithDescription("Number of batch flushes"),
		metric.WithUnit("{flush}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create flush counter: %w", err)
	}

	if m.flushSize, err = meter.Int64Histogram("relay.pipeline.flush.size",
		metric.WithDescription("Messages forwarded per flush"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create flush size histogram: %w", err)
	}

	if m.flushDuration, err = meter.Float64Histogram("relay.pipeline.flush.duration",
		metric.WithDescription("Time spent publishing a batch and awaiting its confirms"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create flush duration histogram: %w", err)
	}

	if m.confirms, err = meter.Int64Counter("relay.publish.confirms",
		metric.WithDescription("Publisher confirms received, by result"),
		metric.WithUnit("{confirm}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create confirm counter: %w", err)
	}

	if m.idles, err = meter.Int64Counter("relay.pipeline.idle",
		metric.WithDescription("Idle timeouts reached"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create idle counter: %w", err)
	}

	return m, nil
}

// RecordFlush records one flush
func (m *PipelineMetrics) RecordFlush(ctx context.Context, count int, elapsed time.Duration) {
	m.flushes.Add(ctx, 1, m.attrs)
	m.flushSize.Record(ctx, int64(count), m.attrs)
	m.flushDuration.Record(ctx, elapsed.Seconds(), m.attrs)
}

// RecordConfirm records a publisher ack or nack
func (m *PipelineMetrics) RecordConfirm(ctx context.Context, signal messaging.Signal) {
	m.confirms.Add(ctx, 1, m.attrs, metric.WithAttributes(attribute.String("result", signal.String())))
}

// RecordIdle records an idle timeout
func (m *PipelineMetrics) RecordIdle(ctx context.Context) {
	m.idles.Add(ctx, 1, m.attrs)
}

// Instrument registers the metrics on a pipeline and its session
func (m *PipelineMetrics) Instrument(ctx context.Context, session *messaging.Session, pipeline *messaging.Pipeline) {
	pipeline.OnFlush(func(count int, elapsed time.Duration) {
		m.RecordFlush(ctx, count, elapsed)
	})
	pipeline.OnIdle(func(ctx context.Context, _ time.Duration) error {
		m.RecordIdle(ctx)
		return nil
	})
	session.OnPublishAck(func(*contracts.Message) {
		m.RecordConfirm(ctx, messaging.SignalAck)
	})
	session.OnPublishNack(func(*contracts.Message) {
		m.RecordConfirm(ctx, messaging.SignalNack)
	})
}
