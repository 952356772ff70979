package messaging_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-relay/brokertest"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipelineFixture struct {
	conn     *brokertest.Connection
	session  *messaging.Session
	pipeline *messaging.Pipeline
	flushes  []int
}

func newPipelineFixture(t *testing.T, bufferSize int, idle time.Duration, sessionOpts []messaging.SessionOption, opts ...messaging.PipelineOption) *pipelineFixture {
	t.Helper()

	f := &pipelineFixture{conn: brokertest.NewConnection()}
	f.session = messaging.NewSession(f.conn, sessionOpts...)
	require.NoError(t, f.session.DeclareQueue(mustQueue(t, "in")))
	require.NoError(t, f.session.DeclareQueue(mustQueue(t, "out")))

	f.pipeline = messaging.NewPipeline(f.session, bufferSize, idle, opts...)
	f.pipeline.OnFlush(func(count int, _ time.Duration) {
		f.flushes = append(f.flushes, count)
	})
	return f
}

func (f *pipelineFixture) incoming(n int) {
	for i := 0; i < n; i++ {
		msg, _ := contracts.MakeMessage(map[string]int{"n": i})
		f.conn.FakeIncomingMessage("in", msg)
	}
}

func TestPipelineBatching(t *testing.T) {
	ctx := context.Background()

	t.Run("full buffers and the final flush ack their batches", func(t *testing.T) {
		f := newPipelineFixture(t, 3, time.Second, nil)
		require.NoError(t, f.pipeline.Add(ctx, mustQueue(t, "in"), mustQueue(t, "out"), messaging.PassThrough()))
		f.incoming(5)

		require.NoError(t, f.pipeline.Consume(ctx, 100*time.Millisecond))

		assert.Equal(t, []int{3, 2}, f.flushes)
		assert.Equal(t, []brokertest.AckRecord{
			{ChannelID: "brokertest-1", Tag: 3, Multiple: true},
			{ChannelID: "brokertest-1", Tag: 5, Multiple: true},
		}, f.conn.Acks())
		assert.Empty(t, f.conn.Nacks())
		assert.Len(t, f.conn.Messages("out"), 5)
		assert.Empty(t, f.conn.Messages("in"))
		assert.Equal(t, 0, f.pipeline.PendingCount())
	})

	t.Run("dropped messages are rejected and never anchor a batch", func(t *testing.T) {
		f := newPipelineFixture(t, 3, time.Second, nil)
		drop := messaging.TransformerFunc(func(context.Context, *contracts.Message) (*contracts.Message, error) {
			return nil, nil
		})
		require.NoError(t, f.pipeline.Add(ctx, mustQueue(t, "in"), mustQueue(t, "out"), drop))
		f.incoming(3)

		require.NoError(t, f.pipeline.Consume(ctx, 50*time.Millisecond))

		assert.Equal(t, []brokertest.AckRecord{
			{ChannelID: "brokertest-1", Tag: 1},
			{ChannelID: "brokertest-1", Tag: 2},
			{ChannelID: "brokertest-1", Tag: 3},
		}, f.conn.Nacks())
		assert.Empty(t, f.conn.Acks())
		assert.Empty(t, f.flushes)
		assert.Empty(t, f.conn.Published())
	})

	t.Run("transformers can drop some messages", func(t *testing.T) {
		f := newPipelineFixture(t, 10, time.Second, nil)
		n := 0
		odd := messaging.TransformerFunc(func(ctx context.Context, in *contracts.Message) (*contracts.Message, error) {
			n++
			if n%2 == 0 {
				return nil, nil
			}
			return messaging.PassThrough().Transform(ctx, in)
		})
		require.NoError(t, f.pipeline.Add(ctx, mustQueue(t, "in"), mustQueue(t, "out"), odd))
		f.incoming(3)

		require.NoError(t, f.pipeline.Consume(ctx, 50*time.Millisecond))

		assert.Equal(t, []brokertest.AckRecord{{ChannelID: "brokertest-1", Tag: 2}}, f.conn.Nacks())
		assert.Equal(t, []brokertest.AckRecord{{ChannelID: "brokertest-1", Tag: 3, Multiple: true}}, f.conn.Acks())
		assert.Equal(t, []int{2}, f.flushes)
	})

	t.Run("transformer errors stop the pipeline", func(t *testing.T) {
		f := newPipelineFixture(t, 3, time.Second, nil)
		broken := errors.New("cannot transform")
		failing := messaging.TransformerFunc(func(context.Context, *contracts.Message) (*contracts.Message, error) {
			return nil, broken
		})
		require.NoError(t, f.pipeline.Add(ctx, mustQueue(t, "in"), mustQueue(t, "out"), failing))
		f.incoming(1)

		err := f.pipeline.Consume(ctx, time.Second)
		assert.ErrorIs(t, err, broken)
		assert.Empty(t, f.conn.Acks())
		assert.Empty(t, f.conn.Nacks())
	})
}

func TestPipelineConfirms(t *testing.T) {
	ctx := context.Background()

	t.Run("a nacked publish rejects the whole batch", func(t *testing.T) {
		f := newPipelineFixture(t, 3, time.Second, nil)
		require.NoError(t, f.pipeline.Add(ctx, mustQueue(t, "in"), mustQueue(t, "out"), messaging.PassThrough()))
		f.conn.SetConfirmMode(brokertest.ConfirmNack)
		f.incoming(3)

		require.NoError(t, f.pipeline.Consume(ctx, 50*time.Millisecond))

		assert.Equal(t, []int{3}, f.flushes)
		assert.Equal(t, []brokertest.AckRecord{
			{ChannelID: "brokertest-1", Tag: 3, Multiple: true, Requeue: false},
		}, f.conn.Nacks())
		assert.Empty(t, f.conn.Acks())
		assert.Equal(t, 0, f.pipeline.PendingCount())
	})

	t.Run("one nack among acks rejects the batch", func(t *testing.T) {
		f := newPipelineFixture(t, 3, time.Second, nil)
		require.NoError(t, f.pipeline.Add(ctx, mustQueue(t, "in"), mustQueue(t, "out"), messaging.PassThrough()))

		published := 0
		f.conn.SetConfirmPolicy(func(*contracts.Message) brokertest.ConfirmMode {
			published++
			if published == 2 {
				return brokertest.ConfirmNack
			}
			return brokertest.ConfirmAck
		})
		f.incoming(3)

		require.NoError(t, f.pipeline.Consume(ctx, 50*time.Millisecond))

		require.Len(t, f.conn.Nacks(), 1)
		assert.Equal(t, uint64(3), f.conn.Nacks()[0].Tag)
		assert.Empty(t, f.conn.Acks())
	})

	t.Run("unanswered publishes reject the batch after the confirm timeout", func(t *testing.T) {
		f := newPipelineFixture(t, 2, time.Second, nil, messaging.WithConfirmTimeout(20*time.Millisecond))
		require.NoError(t, f.pipeline.Add(ctx, mustQueue(t, "in"), mustQueue(t, "out"), messaging.PassThrough()))
		f.conn.SetConfirmMode(brokertest.ConfirmDrop)
		f.incoming(2)

		require.NoError(t, f.pipeline.Consume(ctx, 100*time.Millisecond))

		assert.Equal(t, []brokertest.AckRecord{
			{ChannelID: "brokertest-1", Tag: 2, Multiple: true},
		}, f.conn.Nacks())
		assert.Empty(t, f.conn.Acks())
	})
}

func TestPipelineIdle(t *testing.T) {
	ctx := context.Background()

	f := newPipelineFixture(t, 10, 20*time.Millisecond, nil)
	require.NoError(t, f.pipeline.Add(ctx, mustQueue(t, "in"), mustQueue(t, "out"), messaging.PassThrough()))

	var idles []time.Duration
	f.pipeline.OnIdle(func(_ context.Context, idle time.Duration) error {
		idles = append(idles, idle)
		return nil
	})
	f.incoming(2)

	require.NoError(t, f.pipeline.Consume(ctx, 150*time.Millisecond))

	assert.Equal(t, []int{2}, f.flushes)
	assert.Equal(t, []brokertest.AckRecord{{ChannelID: "brokertest-1", Tag: 2, Multiple: true}}, f.conn.Acks())
	require.NotEmpty(t, idles)
	assert.Equal(t, 20*time.Millisecond, idles[0])
	assert.Equal(t, 20*time.Millisecond, f.pipeline.Subscriber().IdleTimeout())
}

func TestPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()

	conn := brokertest.NewConnection()
	session := messaging.NewSession(conn)
	retryable := session.Retryable()

	in := mustQueue(t, "orders-incoming")
	out := mustExchange(t, "orders")
	audit := mustQueue(t, "orders-audit")
	require.NoError(t, retryable.DeclareTopology(ctx, messaging.PipelineTopology(in, out, audit)))

	pipeline := messaging.NewPipeline(session, 100, time.Second)
	require.NoError(t, pipeline.Add(ctx, in, out, messaging.PassThrough()))

	source, err := contracts.MakeMessage(map[string]string{"foo": "bar"})
	require.NoError(t, err)
	_, err = session.Publish(ctx, in, source)
	require.NoError(t, err)
	require.NoError(t, session.AwaitPendingPublishConfirms(ctx, time.Second))

	require.NoError(t, pipeline.Consume(ctx, 50*time.Millisecond))

	forwarded := conn.Messages("orders-audit")
	require.Len(t, forwarded, 1)
	assert.JSONEq(t, `{"foo":"bar"}`, string(forwarded[0].Body))
	assert.Equal(t, "application/json", forwarded[0].ContentType)
	assert.NotEqual(t, source.ID(), forwarded[0].MessageID)
	assert.Equal(t, "orders", forwarded[0].Exchange)

	assert.Empty(t, conn.Messages("orders-incoming"))
	assert.Equal(t, 0, pipeline.PendingCount())
	assert.Equal(t, 0, conn.LastChannel().Unconfirmed())
	assert.Len(t, conn.Acks(), 1)
}

func TestPipelineReconnect(t *testing.T) {
	ctx := context.Background()

	f := newPipelineFixture(t, 2, 0, []messaging.SessionOption{
		messaging.WithReconnectOnConnectionError(true),
		messaging.WithRetryDelay(time.Millisecond),
	})
	require.NoError(t, f.pipeline.Add(ctx, mustQueue(t, "in"), mustQueue(t, "out"), messaging.PassThrough()))
	f.incoming(2)

	// The first flush loses its channel. The deliveries go back to the queue
	// and are forwarded again on the new channel.
	f.conn.FailNext(brokertest.OpFlush, brokertest.ErrConnectionLost)

	require.NoError(t, f.pipeline.Consume(ctx, 100*time.Millisecond))

	assert.Equal(t, 1, f.conn.Reconnects())
	assert.Equal(t, []brokertest.AckRecord{{ChannelID: "brokertest-2", Tag: 2, Multiple: true}}, f.conn.Acks())
	assert.Empty(t, f.conn.Nacks())
	assert.Len(t, f.conn.Published(), 2)
	assert.Len(t, f.conn.Messages("out"), 2)
	assert.Equal(t, 0, f.pipeline.PendingCount())
	assert.Equal(t, []int{2}, f.flushes, "the discarded batch is not reported")
}

func TestPipelineReconnectWhileWaiting(t *testing.T) {
	ctx := context.Background()

	f := newPipelineFixture(t, 2, 0, []messaging.SessionOption{
		messaging.WithReconnectOnConnectionError(true),
		messaging.WithRetryDelay(time.Millisecond),
	})
	require.NoError(t, f.pipeline.Add(ctx, mustQueue(t, "in"), mustQueue(t, "out"), messaging.PassThrough()))
	f.incoming(2)
	f.conn.FailNext(brokertest.OpWait, brokertest.ErrConnectionLost)

	require.NoError(t, f.pipeline.Consume(ctx, 100*time.Millisecond))

	assert.Equal(t, 1, f.conn.Reconnects())
	assert.Equal(t, []int{2}, f.flushes)
	assert.Equal(t, []brokertest.AckRecord{{ChannelID: "brokertest-2", Tag: 2, Multiple: true}}, f.conn.Acks())
	assert.Len(t, f.conn.Messages("out"), 2)
}

func TestPipelineDrainsOnCancel(t *testing.T) {
	f := newPipelineFixture(t, 10, 0, nil, messaging.WithDrainTimeout(time.Second))
	require.NoError(t, f.pipeline.Add(context.Background(), mustQueue(t, "in"), mustQueue(t, "out"), messaging.PassThrough()))
	f.incoming(2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := f.pipeline.Consume(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, []int{2}, f.flushes)
	assert.Equal(t, []brokertest.AckRecord{{ChannelID: "brokertest-1", Tag: 2, Multiple: true}}, f.conn.Acks())
	assert.Len(t, f.conn.Messages("out"), 2)
	assert.Equal(t, 0, f.pipeline.PendingCount())
}
