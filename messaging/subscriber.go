package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/contracts"
)

// IdleHandler is called when no message arrived for the idle timeout
type IdleHandler func(ctx context.Context, idleTimeout time.Duration) error

type subscription struct {
	queue   contracts.Queue
	handler contracts.DeliveryHandler
}

// IdleSubscriber delivers messages to per-queue handlers and calls an idle
// handler whenever nothing arrived for the idle timeout. Subscriptions are
// restored on the new channel after a session reconnect.
type IdleSubscriber struct {
	session     *Session
	retryable   *RetryableChannel
	idleTimeout time.Duration
	idleHandler IdleHandler
	logger      *slog.Logger

	subscriptions         []subscription
	lastMessageReceivedAt time.Time
	now                   func() time.Time
}

// SubscriberOption configures the IdleSubscriber
type SubscriberOption func(*IdleSubscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *IdleSubscriber) {
		s.logger = logger
	}
}

// WithIdleTimeout sets the idle timeout. Zero disables idle detection.
func WithIdleTimeout(timeout time.Duration) SubscriberOption {
	return func(s *IdleSubscriber) {
		s.idleTimeout = timeout
	}
}

// WithIdleHandler sets the idle handler
func WithIdleHandler(handler IdleHandler) SubscriberOption {
	return func(s *IdleSubscriber) {
		s.idleHandler = handler
	}
}

// NewIdleSubscriber creates a subscriber on top of session
func NewIdleSubscriber(session *Session, options ...SubscriberOption) *IdleSubscriber {
	s := &IdleSubscriber{
		session:     session,
		idleTimeout: 10 * time.Second,
		logger:      slog.Default(),
		now:         time.Now,
	}

	for _, opt := range options {
		opt(s)
	}

	s.retryable = session.Retryable()
	session.AfterReconnect(s.resubscribe)

	return s
}

// IdleTimeout returns the configured idle timeout
func (s *IdleSubscriber) IdleTimeout() time.Duration {
	return s.idleTimeout
}

// UseIdleHandler replaces the idle handler
func (s *IdleSubscriber) UseIdleHandler(handler IdleHandler) {
	s.idleHandler = handler
}

// Subscribe delivers messages from queue to handler while Consume runs
func (s *IdleSubscriber) Subscribe(ctx context.Context, queue contracts.Queue, handler contracts.DeliveryHandler) error {
	wrapped := func(ctx context.Context, msg *contracts.Message) error {
		s.lastMessageReceivedAt = s.now()
		return handler(ctx, msg)
	}

	if err := s.retryable.Subscribe(ctx, queue, wrapped); err != nil {
		return err
	}

	s.subscriptions = append(s.subscriptions, subscription{queue: queue, handler: wrapped})
	s.logger.Debug("subscribed", "queue", queue.Name(), "idleTimeout", s.idleTimeout)

	return nil
}

// Consume dispatches deliveries until timeout elapses, waking up at least
// every idle timeout to check for idleness. A zero timeout runs until ctx is
// done or a handler fails. A connection fault during a wait reconnects,
// restores the subscriptions and waits again when the session retries.
func (s *IdleSubscriber) Consume(ctx context.Context, timeout time.Duration) error {
	remaining := timeout

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := s.now()

		wait := s.waitTimeout(remaining)
		err := s.retryable.Do(ctx, "consume", func(ctx context.Context) error {
			return s.session.Consume(ctx, wait)
		})
		if err != nil {
			return err
		}

		if err := s.handleIdling(ctx); err != nil {
			return err
		}

		if timeout <= 0 {
			continue
		}

		remaining -= s.now().Sub(start)
		if remaining <= 0 {
			return nil
		}
	}
}

// waitTimeout picks the smaller non-zero of the remaining timeout and the idle timeout
func (s *IdleSubscriber) waitTimeout(remaining time.Duration) time.Duration {
	if remaining <= 0 || s.idleTimeout <= 0 {
		return max(remaining, s.idleTimeout)
	}
	return min(remaining, s.idleTimeout)
}

func (s *IdleSubscriber) handleIdling(ctx context.Context) error {
	if !s.isIdle() {
		return nil
	}

	s.logger.Debug("subscriber idle", "idleTimeout", s.idleTimeout)
	return s.idleHandler(ctx, s.idleTimeout)
}

func (s *IdleSubscriber) isIdle() bool {
	if s.idleHandler == nil || s.idleTimeout <= 0 {
		return false
	}
	return s.now().Sub(s.lastMessageReceivedAt) > s.idleTimeout
}

func (s *IdleSubscriber) resubscribe(ctx context.Context) error {
	for _, sub := range s.subscriptions {
		if err := s.session.Subscribe(sub.queue, sub.handler); err != nil {
			return err
		}
		s.logger.Info("restored subscription", "queue", sub.queue.Name())
	}
	return nil
}
