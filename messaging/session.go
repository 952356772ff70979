package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/contracts"
)

// ReconnectHook runs around Session.Reconnect
type ReconnectHook func(ctx context.Context) error

// Session owns the single active broker channel. The channel is created
// lazily; every new channel gets confirm mode and the prefetch count applied
// again. After Reconnect the next use creates a fresh channel.
type Session struct {
	conn    Connection
	channel Channel
	tracker *ConfirmTracker
	logger  *slog.Logger

	prefetchCount     int
	prefetchGlobal    bool
	durable           bool
	publisherConfirms bool
	retryEnabled      bool
	retryDelay        time.Duration

	beforeReconnect []ReconnectHook
	afterReconnect  []ReconnectHook

	generation uint64
	closed     bool
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithSessionLogger sets the logger
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithPrefetch sets the prefetch count applied to every new channel
func WithPrefetch(count int, global bool) SessionOption {
	return func(s *Session) {
		s.prefetchCount = count
		s.prefetchGlobal = global
	}
}

// WithDurable controls whether declared queues and exchanges survive a broker restart
func WithDurable(durable bool) SessionOption {
	return func(s *Session) {
		s.durable = durable
	}
}

// WithPublisherConfirms toggles confirm mode on new channels
func WithPublisherConfirms(enabled bool) SessionOption {
	return func(s *Session) {
		s.publisherConfirms = enabled
	}
}

// WithReconnectOnConnectionError lets the session's RetryableChannel reconnect
// and retry once on transient connection faults
func WithReconnectOnConnectionError(enabled bool) SessionOption {
	return func(s *Session) {
		s.retryEnabled = enabled
	}
}

// WithRetryDelay sets the pause before reconnecting
func WithRetryDelay(delay time.Duration) SessionOption {
	return func(s *Session) {
		s.retryDelay = delay
	}
}

// WithConfirmTracker shares a tracker between sessions
func WithConfirmTracker(tracker *ConfirmTracker) SessionOption {
	return func(s *Session) {
		s.tracker = tracker
	}
}

// NewSession creates a session on top of a broker connection
func NewSession(conn Connection, options ...SessionOption) *Session {
	s := &Session{
		conn:              conn,
		logger:            slog.Default(),
		prefetchCount:     100,
		durable:           true,
		publisherConfirms: true,
		retryDelay:        200 * time.Millisecond,
	}

	for _, opt := range options {
		opt(s)
	}

	if s.tracker == nil {
		s.tracker = NewConfirmTracker()
	}

	return s
}

// Channel returns the active channel, creating and configuring it on first use
func (s *Session) Channel() (Channel, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.channel != nil {
		return s.channel, nil
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return nil, err
	}

	if s.publisherConfirms {
		onAck := func(msg *contracts.Message) { s.tracker.Dispatch(msg, SignalAck) }
		onNack := func(msg *contracts.Message) { s.tracker.Dispatch(msg, SignalNack) }
		if err := ch.Confirm(onAck, onNack); err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
		}
	}

	if err := ch.Qos(s.prefetchCount, s.prefetchGlobal); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set prefetch count: %w", err)
	}

	s.channel = ch
	s.generation++
	s.logger.Debug("opened channel", "channel", ch.ID(), "generation", s.generation)

	return ch, nil
}

// Generation increases every time a new channel is created. Deliveries made
// under an older generation can no longer be answered.
func (s *Session) Generation() uint64 {
	return s.generation
}

// Tracker returns the confirm tracker fed by this session's channels
func (s *Session) Tracker() *ConfirmTracker {
	return s.tracker
}

// Retryable returns a RetryableChannel configured with the session's retry settings
func (s *Session) Retryable() *RetryableChannel {
	return NewRetryableChannel(s, s.retryEnabled, WithRetryableDelay(s.retryDelay), WithRetryableLogger(s.logger))
}

// SetPrefetchCount changes the prefetch count of the current and future channels
func (s *Session) SetPrefetchCount(count int, global bool) error {
	s.prefetchCount = count
	s.prefetchGlobal = global

	if s.channel == nil {
		// Applied when the channel is created
		_, err := s.Channel()
		return err
	}
	return s.channel.Qos(count, global)
}

// PrefetchCount returns the configured prefetch count
func (s *Session) PrefetchCount() int {
	return s.prefetchCount
}

// DeclareExchange declares a fanout exchange
func (s *Session) DeclareExchange(exchange contracts.Exchange) error {
	ch, err := s.Channel()
	if err != nil {
		return err
	}
	return ch.DeclareExchange(exchange.Name(), "fanout", s.durable)
}

// DeclareQueue declares a lazy queue
func (s *Session) DeclareQueue(queue contracts.Queue) error {
	ch, err := s.Channel()
	if err != nil {
		return err
	}
	return ch.DeclareQueue(queue.Name(), s.durable, map[string]interface{}{
		"x-queue-mode": "lazy",
	})
}

// Bind binds a queue to an exchange
func (s *Session) Bind(exchange contracts.Exchange, queue contracts.Queue) error {
	ch, err := s.Channel()
	if err != nil {
		return err
	}
	return ch.BindQueue(queue.Name(), exchange.Name(), "")
}

// PurgeQueue removes all ready messages from a queue
func (s *Session) PurgeQueue(queue contracts.Queue) (int, error) {
	ch, err := s.Channel()
	if err != nil {
		return 0, err
	}
	return ch.PurgeQueue(queue.Name())
}

// DeleteQueue deletes a queue
func (s *Session) DeleteQueue(queue contracts.Queue) (int, error) {
	ch, err := s.Channel()
	if err != nil {
		return 0, err
	}
	return ch.DeleteQueue(queue.Name())
}

// OnPublishAck registers a handler for every publish ack
func (s *Session) OnPublishAck(handler contracts.ConfirmHandler) {
	s.tracker.RegisterGlobal(SignalAck, handler)
}

// OnPublishNack registers a handler for every publish nack
func (s *Session) OnPublishNack(handler contracts.ConfirmHandler) {
	s.tracker.RegisterGlobal(SignalNack, handler)
}

// OnMessagePublishAck registers a handler for the ack of one message
func (s *Session) OnMessagePublishAck(msg *contracts.Message, handler contracts.ConfirmHandler) {
	s.tracker.RegisterForMessage(msg, SignalAck, handler)
}

// OnMessagePublishNack registers a handler for the nack of one message
func (s *Session) OnMessagePublishNack(msg *contracts.Message, handler contracts.ConfirmHandler) {
	s.tracker.RegisterForMessage(msg, SignalNack, handler)
}

// Subscribe delivers messages from queue to handler while Consume runs.
// Delivered messages are bound to the channel they arrived on.
func (s *Session) Subscribe(queue contracts.Queue, handler contracts.DeliveryHandler) error {
	ch, err := s.Channel()
	if err != nil {
		return err
	}

	_, err = ch.Consume(queue.Name(), func(ctx context.Context, msg *contracts.Message) error {
		if err := msg.BindAcknowledger(ch); err != nil {
			return err
		}
		return handler(ctx, msg)
	})
	return err
}

// Consume dispatches frames until timeout elapses. A zero timeout runs until
// ctx is done or a handler fails. Frame wait timeouts are not errors.
func (s *Session) Consume(ctx context.Context, timeout time.Duration) error {
	ch, err := s.Channel()
	if err != nil {
		return err
	}
	if !ch.IsConsuming() {
		return ErrNoConsumers
	}

	for ch.IsConsuming() {
		start := time.Now()

		err := ch.Wait(ctx, timeout)
		if contracts.IsTimeout(err) {
			return nil
		}
		if err != nil {
			return err
		}

		if timeout <= 0 {
			continue
		}

		timeout -= time.Since(start)
		if timeout <= 0 {
			break
		}
	}

	return nil
}

// Publish sends a single message
func (s *Session) Publish(ctx context.Context, dest contracts.Destination, msg *contracts.Message) (*contracts.Message, error) {
	ch, err := s.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Publish(ctx, dest, msg, false); err != nil {
		return nil, err
	}
	return msg, nil
}

// PublishBatch queues all messages and flushes them at once
func (s *Session) PublishBatch(ctx context.Context, dest contracts.Destination, msgs []*contracts.Message) ([]*contracts.Message, error) {
	ch, err := s.Channel()
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if err := ch.Publish(ctx, dest, msg, true); err != nil {
			return nil, err
		}
	}
	if err := ch.FlushBatch(ctx); err != nil {
		return nil, err
	}
	return msgs, nil
}

// AddBatchMessage queues a message until FlushBatchPublishes
func (s *Session) AddBatchMessage(ctx context.Context, dest contracts.Destination, msg *contracts.Message) error {
	ch, err := s.Channel()
	if err != nil {
		return err
	}
	return ch.Publish(ctx, dest, msg, true)
}

// FlushBatchPublishes publishes every queued batch message
func (s *Session) FlushBatchPublishes(ctx context.Context) error {
	ch, err := s.Channel()
	if err != nil {
		return err
	}
	return ch.FlushBatch(ctx)
}

// AwaitPendingPublishConfirms blocks until every publish is confirmed or the
// timeout (zero for none) expires
func (s *Session) AwaitPendingPublishConfirms(ctx context.Context, timeout time.Duration) error {
	ch, err := s.Channel()
	if err != nil {
		return err
	}
	return ch.WaitForPendingConfirms(ctx, timeout)
}

// BeforeReconnect registers a hook that runs before the connection is replaced
func (s *Session) BeforeReconnect(hook ReconnectHook) {
	s.beforeReconnect = append(s.beforeReconnect, hook)
}

// AfterReconnect registers a hook that runs once the new channel is ready
func (s *Session) AfterReconnect(hook ReconnectHook) {
	s.afterReconnect = append(s.afterReconnect, hook)
}

// Reconnect abandons the current channel, reconnects the connection and
// opens a configured channel
func (s *Session) Reconnect(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}

	s.logger.Info("reconnecting session", "generation", s.generation)

	for _, hook := range s.beforeReconnect {
		if err := hook(ctx); err != nil {
			return fmt.Errorf("before reconnect hook: %w", err)
		}
	}

	s.closeChannel()

	if err := s.conn.Reconnect(ctx); err != nil {
		return err
	}

	if _, err := s.Channel(); err != nil {
		return err
	}

	for _, hook := range s.afterReconnect {
		if err := hook(ctx); err != nil {
			return fmt.Errorf("after reconnect hook: %w", err)
		}
	}

	s.logger.Info("session reconnected", "generation", s.generation)
	return nil
}

// Close closes the channel and the connection
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closeChannel()
	s.closed = true
	return s.conn.Close()
}

func (s *Session) closeChannel() {
	if s.channel == nil {
		return
	}
	if err := s.channel.Close(); err != nil {
		// The channel is being abandoned
		s.logger.Debug("ignoring channel close error", "channel", s.channel.ID(), "error", err)
	}
	s.channel = nil
}
