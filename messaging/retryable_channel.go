package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/reliability"
)

// RetryableChannel runs Session channel operations so that a transient
// connection fault triggers one reconnect and exactly one more attempt.
// Any other error, a disabled retry, or a second failure is returned as is.
type RetryableChannel struct {
	session *Session
	doRetry bool
	delay   time.Duration
	logger  *slog.Logger
}

// RetryableOption configures a RetryableChannel
type RetryableOption func(*RetryableChannel)

// WithRetryableDelay sets the pause between the failure and the reconnect
func WithRetryableDelay(delay time.Duration) RetryableOption {
	return func(r *RetryableChannel) {
		r.delay = delay
	}
}

// WithRetryableLogger sets the logger
func WithRetryableLogger(logger *slog.Logger) RetryableOption {
	return func(r *RetryableChannel) {
		r.logger = logger
	}
}

// NewRetryableChannel wraps session operations
func NewRetryableChannel(session *Session, doRetry bool, options ...RetryableOption) *RetryableChannel {
	r := &RetryableChannel{
		session: session,
		doRetry: doRetry,
		delay:   200 * time.Millisecond,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Do runs op with reconnect-and-retry-once semantics
func (r *RetryableChannel) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	maxRetries := 0
	if r.doRetry {
		maxRetries = 1
	}
	policy := reliability.NewFixedDelay(r.delay, maxRetries, contracts.IsTransient)

	return reliability.Retry(ctx, policy, func(attempt int) error {
		if attempt > 0 {
			r.logger.Warn("reconnecting before retry", "operation", name)
			if err := r.session.Reconnect(ctx); err != nil {
				return err
			}
		}

		err := op(ctx)
		if err != nil && attempt == 0 && contracts.IsTransient(err) {
			r.logger.Warn("connection fault", "operation", name, "error", err, "retry", r.doRetry)
		}
		return err
	})
}

// DeclareQueue declares a lazy queue
func (r *RetryableChannel) DeclareQueue(ctx context.Context, queue contracts.Queue) error {
	return r.Do(ctx, "declare queue", func(context.Context) error {
		return r.session.DeclareQueue(queue)
	})
}

// DeclareExchange declares a fanout exchange
func (r *RetryableChannel) DeclareExchange(ctx context.Context, exchange contracts.Exchange) error {
	return r.Do(ctx, "declare exchange", func(context.Context) error {
		return r.session.DeclareExchange(exchange)
	})
}

// Bind binds a queue to an exchange
func (r *RetryableChannel) Bind(ctx context.Context, exchange contracts.Exchange, queue contracts.Queue) error {
	return r.Do(ctx, "bind", func(context.Context) error {
		return r.session.Bind(exchange, queue)
	})
}

// SetPrefetchCount changes the prefetch count
func (r *RetryableChannel) SetPrefetchCount(ctx context.Context, count int, global bool) error {
	return r.Do(ctx, "set prefetch", func(context.Context) error {
		return r.session.SetPrefetchCount(count, global)
	})
}

// Subscribe registers a consumer
func (r *RetryableChannel) Subscribe(ctx context.Context, queue contracts.Queue, handler contracts.DeliveryHandler) error {
	return r.Do(ctx, "subscribe", func(context.Context) error {
		return r.session.Subscribe(queue, handler)
	})
}

// Publish sends a single message
func (r *RetryableChannel) Publish(ctx context.Context, dest contracts.Destination, msg *contracts.Message) (*contracts.Message, error) {
	var out *contracts.Message
	err := r.Do(ctx, "publish", func(ctx context.Context) error {
		var err error
		out, err = r.session.Publish(ctx, dest, msg)
		return err
	})
	return out, err
}

// PublishBatch publishes several messages at once
func (r *RetryableChannel) PublishBatch(ctx context.Context, dest contracts.Destination, msgs []*contracts.Message) ([]*contracts.Message, error) {
	var out []*contracts.Message
	err := r.Do(ctx, "publish batch", func(ctx context.Context) error {
		var err error
		out, err = r.session.PublishBatch(ctx, dest, msgs)
		return err
	})
	return out, err
}

// AddBatchMessage queues a message for the next flush
func (r *RetryableChannel) AddBatchMessage(ctx context.Context, dest contracts.Destination, msg *contracts.Message) error {
	return r.Do(ctx, "add batch message", func(ctx context.Context) error {
		return r.session.AddBatchMessage(ctx, dest, msg)
	})
}

// FlushBatchPublishes publishes queued batch messages
func (r *RetryableChannel) FlushBatchPublishes(ctx context.Context) error {
	return r.Do(ctx, "flush batch", func(ctx context.Context) error {
		return r.session.FlushBatchPublishes(ctx)
	})
}
