package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/mmate-relay/brokertest"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	metrics := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func sumOf(t *testing.T, m metricdata.Metrics, attrs ...attribute.KeyValue) int64 {
	t.Helper()

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)

	want := attribute.NewSet(attrs...)
	var total int64
	for _, dp := range sum.DataPoints {
		matches := true
		for _, kv := range want.ToSlice() {
			v, found := dp.Attributes.Value(kv.Key)
			if !found || v != kv.Value {
				matches = false
				break
			}
		}
		if matches {
			total += dp.Value
		}
	}
	return total
}

func newTestMetrics(t *testing.T) (*PipelineMetrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewPipelineMetrics(WithMeterProvider(provider), WithPipelineName("orders"))
	require.NoError(t, err)
	return m, reader
}

func TestPipelineMetricsRecording(t *testing.T) {
	ctx := context.Background()
	m, reader := newTestMetrics(t)

	m.RecordFlush(ctx, 3, 120*time.Millisecond)
	m.RecordFlush(ctx, 2, 80*time.Millisecond)
	m.RecordConfirm(ctx, messaging.SignalAck)
	m.RecordConfirm(ctx, messaging.SignalAck)
	m.RecordConfirm(ctx, messaging.SignalNack)
	m.RecordIdle(ctx)

	metrics := collect(t, reader)
	pipeline := attribute.String("pipeline", "orders")

	assert.Equal(t, int64(2), sumOf(t, metrics["relay.pipeline.flushes"], pipeline))
	assert.Equal(t, int64(2), sumOf(t, metrics["relay.publish.confirms"], pipeline, attribute.String("result", "ack")))
	assert.Equal(t, int64(1), sumOf(t, metrics["relay.publish.confirms"], attribute.String("result", "nack")))
	assert.Equal(t, int64(1), sumOf(t, metrics["relay.pipeline.idle"], pipeline))

	size, ok := metrics["relay.pipeline.flush.size"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, size.DataPoints, 1)
	assert.Equal(t, uint64(2), size.DataPoints[0].Count)
	assert.Equal(t, int64(5), size.DataPoints[0].Sum)

	duration, ok := metrics["relay.pipeline.flush.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, duration.DataPoints, 1)
	assert.InDelta(t, 0.2, duration.DataPoints[0].Sum, 1e-9)
}

func TestPipelineMetricsInstrument(t *testing.T) {
	ctx := context.Background()
	m, reader := newTestMetrics(t)

	conn := brokertest.NewConnection()
	session := messaging.NewSession(conn)
	in, err := contracts.NewQueue("in")
	require.NoError(t, err)
	out, err := contracts.NewQueue("out")
	require.NoError(t, err)
	require.NoError(t, session.DeclareQueue(in))
	require.NoError(t, session.DeclareQueue(out))

	pipeline := messaging.NewPipeline(session, 2, time.Second)
	require.NoError(t, pipeline.Add(ctx, in, out, messaging.PassThrough()))
	m.Instrument(ctx, session, pipeline)

	for i := 0; i < 2; i++ {
		conn.FakeIncomingMessage("in", contracts.NewMessage([]byte(`{}`)))
	}
	require.NoError(t, pipeline.Consume(ctx, 50*time.Millisecond))

	metrics := collect(t, reader)
	assert.Equal(t, int64(1), sumOf(t, metrics["relay.pipeline.flushes"]))
	assert.Equal(t, int64(2), sumOf(t, metrics["relay.publish.confirms"], attribute.String("result", "ack")))
	assert.Len(t, conn.Acks(), 1)
}
