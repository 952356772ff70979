package messaging

import (
	"context"
	"time"

	"github.com/glimte/mmate-relay/contracts"
)

// Connection is the broker connection a Session draws channels from
type Connection interface {
	// Channel opens a new channel with default settings
	Channel() (Channel, error)
	// Reconnect replaces the underlying connection. Channels opened before
	// the call are unusable afterwards.
	Reconnect(ctx context.Context) error
	// Close closes the connection
	Close() error
}

// Channel is a single broker channel. Handlers registered through Confirm and
// Consume run only inside Wait and WaitForPendingConfirms, on the calling
// goroutine, one at a time.
type Channel interface {
	contracts.Acknowledger

	// ID identifies the channel in logs
	ID() string

	DeclareExchange(name, kind string, durable bool) error
	DeclareQueue(name string, durable bool, args map[string]interface{}) error
	BindQueue(queue, exchange, routingKey string) error
	PurgeQueue(name string) (int, error)
	DeleteQueue(name string) (int, error)

	// Qos sets the prefetch count
	Qos(prefetchCount int, global bool) error
	// Confirm enables publisher confirms
	Confirm(onAck, onNack contracts.ConfirmHandler) error

	// Publish sends msg, or queues it for FlushBatch when batch is set
	Publish(ctx context.Context, dest contracts.Destination, msg *contracts.Message, batch bool) error
	// FlushBatch publishes all queued batch messages
	FlushBatch(ctx context.Context) error

	// Consume registers handler for deliveries from queue
	Consume(queue string, handler contracts.DeliveryHandler) (string, error)
	// IsConsuming reports whether any consumer is registered
	IsConsuming() bool

	// Wait dispatches the next frame. Zero timeout waits without bound;
	// expiry returns an error matching contracts.ErrTimeout.
	Wait(ctx context.Context, timeout time.Duration) error
	// WaitForPendingConfirms dispatches confirms until none are outstanding
	WaitForPendingConfirms(ctx context.Context, timeout time.Duration) error

	Close() error
}
