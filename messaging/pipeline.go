package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/samber/lo"
)

// FlushCallback receives the number of forwarded messages in a flush and the
// time spent publishing and awaiting their confirms
type FlushCallback func(count int, elapsed time.Duration)

// Pipeline consumes from input queues, transforms every message and forwards
// the result in batches. Incoming messages are acknowledged in bulk only after
// every forwarded message of the batch is confirmed by the broker; a batch
// with any unconfirmed publish is rejected as a whole without requeue.
type Pipeline struct {
	session        *Session
	retryable      *RetryableChannel
	subscriber     *IdleSubscriber
	bufferSize     int
	confirmTimeout time.Duration
	drainTimeout   time.Duration
	logger         *slog.Logger

	// pending holds forwarded messages awaiting a publish ack
	pending          map[string]*contracts.Message
	anchor           *contracts.Message
	anchorGeneration uint64

	flushCallbacks []FlushCallback
	idleCallbacks  []IdleHandler
}

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the logger
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithConfirmTimeout bounds the wait for publish confirms during a flush.
// Zero waits without bound.
func WithConfirmTimeout(timeout time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.confirmTimeout = timeout
	}
}

// WithDrainTimeout bounds the flush that runs after ctx ends
func WithDrainTimeout(timeout time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.drainTimeout = timeout
	}
}

// NewPipeline creates a pipeline that flushes after bufferSize forwarded
// messages or after idleTimeout without incoming messages
func NewPipeline(session *Session, bufferSize int, idleTimeout time.Duration, options ...PipelineOption) *Pipeline {
	p := &Pipeline{
		session:    session,
		bufferSize:   bufferSize,
		drainTimeout: 5 * time.Second,
		logger:       slog.Default(),
		pending:    make(map[string]*contracts.Message),
	}

	for _, opt := range options {
		opt(p)
	}

	p.retryable = session.Retryable()
	p.subscriber = NewIdleSubscriber(session,
		WithIdleTimeout(idleTimeout),
		WithIdleHandler(p.handleIdle),
		WithSubscriberLogger(p.logger),
	)

	p.registerPublishConfirmHandlers()

	return p
}

// OnFlush registers a callback invoked after every flush that published a
// batch. Batches discarded after a reconnect are not reported.
func (p *Pipeline) OnFlush(callback FlushCallback) *Pipeline {
	p.flushCallbacks = append(p.flushCallbacks, callback)
	return p
}

// OnIdle registers a callback invoked after the idle flush
func (p *Pipeline) OnIdle(callback IdleHandler) *Pipeline {
	p.idleCallbacks = append(p.idleCallbacks, callback)
	return p
}

// Subscriber returns the idle-aware subscriber feeding the pipeline
func (p *Pipeline) Subscriber() *IdleSubscriber {
	return p.subscriber
}

// PendingCount returns the number of forwarded messages not yet acknowledged by the broker
func (p *Pipeline) PendingCount() int {
	return len(p.pending)
}

// Add forwards every message from in, as transformed by t, to out
func (p *Pipeline) Add(ctx context.Context, in contracts.Queue, out contracts.Destination, t Transformer) error {
	return p.subscriber.Subscribe(ctx, in, func(ctx context.Context, msg *contracts.Message) error {
		outMsg, err := t.Transform(ctx, msg)
		if err != nil {
			return fmt.Errorf("transform message %s from %s: %w", msg.ID(), in.Name(), err)
		}

		if outMsg == nil {
			p.logger.Debug("transformer dropped message", "messageId", msg.ID(), "queue", in.Name())
			return msg.Ignore(false)
		}

		p.discardStaleBatch()
		p.anchor = msg
		p.anchorGeneration = p.session.Generation()

		if err := p.retryable.AddBatchMessage(ctx, out, outMsg); err != nil {
			return err
		}
		p.pending[outMsg.ID()] = outMsg

		if len(p.pending) >= p.bufferSize {
			return p.Flush(ctx)
		}
		return nil
	})
}

// Consume runs the pipeline until timeout elapses and flushes what is left.
// When ctx ends first, the buffered batch is still flushed within the drain
// timeout and ctx's error is returned.
func (p *Pipeline) Consume(ctx context.Context, timeout time.Duration) error {
	err := p.subscriber.Consume(ctx, timeout)
	if err == nil {
		return p.Flush(ctx)
	}
	if ctx.Err() == nil || !errors.Is(err, ctx.Err()) {
		return err
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.drainTimeout)
	defer cancel()

	if flushErr := p.Flush(drainCtx); flushErr != nil {
		p.logger.Warn("final flush failed", "pending", len(p.pending), "error", flushErr)
		return errors.Join(err, flushErr)
	}
	return err
}

// Flush publishes the buffered messages, waits for their confirms and answers
// the incoming batch
func (p *Pipeline) Flush(ctx context.Context) error {
	count := len(p.pending)
	if count == 0 {
		return nil
	}

	start := time.Now()

	if err := p.retryable.FlushBatchPublishes(ctx); err != nil {
		return err
	}

	if err := p.session.AwaitPendingPublishConfirms(ctx, p.confirmTimeout); err != nil {
		if !contracts.IsTimeout(err) && !contracts.IsTransient(err) {
			return err
		}
		p.logger.Warn("publish confirms incomplete", "unconfirmed", len(p.pending), "error", err)
	}

	elapsed := time.Since(start)

	defer p.resetBatch()

	if p.anchor == nil {
		return fmt.Errorf("%w: %d pending", ErrNoAnchor, count)
	}

	if p.anchorGeneration != p.session.Generation() {
		// The deliveries belonged to a channel that no longer exists and the
		// broker has requeued them already
		p.logger.Warn("discarding batch from replaced channel",
			"count", count,
			"anchor", p.anchor.ID(),
			"unconfirmed", len(p.pending))
		return nil
	}

	for _, callback := range p.flushCallbacks {
		callback(count, elapsed)
	}

	if len(p.pending) == 0 {
		p.logger.Debug("batch confirmed", "count", count, "elapsed", elapsed)
		return p.anchor.Ack(true)
	}

	p.logger.Warn("rejecting batch with unconfirmed publishes",
		"count", count,
		"unconfirmed", lo.Keys(p.pending),
		"anchor", p.anchor.ID())
	return p.anchor.Nack(true, false)
}

// discardStaleBatch forgets a batch whose deliveries belong to a replaced channel
func (p *Pipeline) discardStaleBatch() {
	if p.anchor == nil || p.anchorGeneration == p.session.Generation() {
		return
	}
	p.logger.Warn("discarding batch from replaced channel",
		"count", len(p.pending),
		"anchor", p.anchor.ID())
	p.resetBatch()
}

func (p *Pipeline) resetBatch() {
	if len(p.pending) > 0 {
		p.pending = make(map[string]*contracts.Message)
	}
	p.anchor = nil
}

func (p *Pipeline) handleIdle(ctx context.Context, idleTimeout time.Duration) error {
	if err := p.Flush(ctx); err != nil {
		return err
	}
	for _, callback := range p.idleCallbacks {
		if err := callback(ctx, idleTimeout); err != nil {
			return err
		}
	}
	return nil
}

// registerPublishConfirmHandlers removes acked messages from the pending set.
// A nack cannot be traced back to its incoming message, so it only leaves the
// message pending and the whole batch is rejected at flush.
func (p *Pipeline) registerPublishConfirmHandlers() {
	p.session.OnPublishAck(func(msg *contracts.Message) {
		delete(p.pending, msg.ID())
	})

	p.session.OnPublishNack(func(msg *contracts.Message) {
		if _, ok := p.pending[msg.ID()]; ok {
			p.logger.Warn("publish nacked", "messageId", msg.ID())
		}
	})
}
