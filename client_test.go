package relay

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/mmate-relay/brokertest"
	"github.com/glimte/mmate-relay/config"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	conn := brokertest.NewConnection()
	client := NewClientWithConnection(conn, WithDefaultLogger())
	defer client.Close()

	queue, err := contracts.NewQueue("greetings")
	require.NoError(t, err)
	require.NoError(t, client.Channel().DeclareQueue(ctx, queue))

	msg, err := contracts.MakeMessage(map[string]string{"foo": "bar"})
	require.NoError(t, err)

	acked := false
	client.Session().OnMessagePublishAck(msg, func(*contracts.Message) { acked = true })

	_, err = client.Publish(ctx, queue, msg)
	require.NoError(t, err)
	require.NoError(t, client.Session().AwaitPendingPublishConfirms(ctx, time.Second))
	assert.True(t, acked)

	var received []*contracts.Message
	require.NoError(t, client.Subscribe(ctx, queue, func(_ context.Context, m *contracts.Message) error {
		received = append(received, m)
		return m.Ack(false)
	}))
	require.NoError(t, client.Consume(ctx, 50*time.Millisecond))

	require.Len(t, received, 1)
	assert.Equal(t, msg.ID(), received[0].ID())
	assert.JSONEq(t, `{"foo":"bar"}`, received[0].String())
	assert.Len(t, conn.Acks(), 1)
}

func TestClientPublishBatch(t *testing.T) {
	ctx := context.Background()
	conn := brokertest.NewConnection()
	client := NewClientWithConnection(conn)

	queue, err := contracts.NewQueue("batch")
	require.NoError(t, err)
	require.NoError(t, client.Channel().DeclareQueue(ctx, queue))

	msgs := []*contracts.Message{contracts.NewMessage([]byte(`{}`)), contracts.NewMessage([]byte(`{}`))}
	published, err := client.PublishBatch(ctx, queue, msgs)
	require.NoError(t, err)

	assert.Equal(t, msgs, published)
	assert.Len(t, conn.Messages("batch"), 2)
}

func TestClientSessionOptions(t *testing.T) {
	ctx := context.Background()
	conn := brokertest.NewConnection()

	cfg := config.Default()
	cfg.Session.PrefetchCount = 7
	cfg.Session.RetryOnConnectionError = true
	cfg.Session.RetryDelay = time.Millisecond

	client := NewClientWithConnection(conn, ConfigOptions(cfg)...)

	queue, err := contracts.NewQueue("q")
	require.NoError(t, err)

	conn.FailNext(brokertest.OpDeclareQueue, brokertest.ErrConnectionLost)
	require.NoError(t, client.Channel().DeclareQueue(ctx, queue))

	assert.Equal(t, 1, conn.Reconnects())
	count, _ := conn.LastChannel().Prefetch()
	assert.Equal(t, 7, count)
}

func TestClientPipelineFromConfig(t *testing.T) {
	ctx := context.Background()
	conn := brokertest.NewConnection()
	client := NewClientWithConnection(conn)

	pipeline, err := client.PipelineFromConfig(ctx, config.PipelineConfig{
		InQueue:     "orders-incoming",
		OutExchange: "orders",
		BoundQueues: []string{"orders-audit"},
		BufferSize:  2,
		IdleTimeout: time.Second,
	}, messaging.PassThrough())
	require.NoError(t, err)

	assert.Equal(t, "fanout", conn.ExchangeKind("orders"))
	assert.Equal(t, []string{"orders-audit"}, conn.Bindings("orders"))

	var flushed []int
	pipeline.OnFlush(func(count int, _ time.Duration) { flushed = append(flushed, count) })

	for i := 0; i < 3; i++ {
		msg, err := contracts.MakeMessage(map[string]int{"n": i})
		require.NoError(t, err)
		conn.FakeIncomingMessage("orders-incoming", msg)
	}

	require.NoError(t, pipeline.Consume(ctx, 50*time.Millisecond))

	assert.Equal(t, []int{2, 1}, flushed)
	assert.Len(t, conn.Messages("orders-audit"), 3)
	assert.Len(t, conn.Acks(), 2)
}

func TestClientPipelineFromConfigRejectsBadNames(t *testing.T) {
	client := NewClientWithConnection(brokertest.NewConnection())

	_, err := client.PipelineFromConfig(context.Background(), config.PipelineConfig{
		InQueue:    "bad name",
		OutQueue:   "out",
		BufferSize: 1,
	}, messaging.PassThrough())

	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestNewFromConfigValidates(t *testing.T) {
	_, err := NewFromConfig(context.Background(), config.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestClientClose(t *testing.T) {
	conn := brokertest.NewConnection()
	client := NewClientWithConnection(conn)

	_, err := client.Session().Channel()
	require.NoError(t, err)

	require.NoError(t, client.Close())
	assert.True(t, conn.LastChannel().IsClosed())

	_, err = client.Session().Channel()
	assert.ErrorIs(t, err, messaging.ErrSessionClosed)
}
