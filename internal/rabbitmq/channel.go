package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type frame struct {
	consumerTag string
	delivery    amqp.Delivery
}

type batchEntry struct {
	dest contracts.Destination
	msg  *contracts.Message
}

// Channel adapts an amqp091 channel to the frame-driven model: deliveries and
// publisher confirms are buffered by background forwarders and dispatched to
// handlers only from Wait and WaitForPendingConfirms, on the caller's
// goroutine.
type Channel struct {
	ch     *amqp.Channel
	id     string
	logger *slog.Logger

	frames   chan frame
	closed   chan *amqp.Error
	done     chan struct{}
	closeErr error

	handlers map[string]contracts.DeliveryHandler
	queues   map[string]string

	confirming   bool
	onAck        contracts.ConfirmHandler
	onNack       contracts.ConfirmHandler
	unconfirmed  map[uint64]*contracts.Message
	confirmMu    sync.Mutex
	confirmQueue []amqp.Confirmation
	confirmReady chan struct{}

	batch []batchEntry
}

// NewChannel wraps an open amqp091 channel
func NewChannel(ch *amqp.Channel, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Channel{
		ch:           ch,
		id:           uuid.New().String(),
		logger:       logger,
		frames:       make(chan frame),
		done:         make(chan struct{}),
		handlers:     make(map[string]contracts.DeliveryHandler),
		queues:       make(map[string]string),
		unconfirmed:  make(map[uint64]*contracts.Message),
		confirmReady: make(chan struct{}, 1),
	}
	c.closed = ch.NotifyClose(make(chan *amqp.Error, 1))

	return c
}

// ID returns the channel identifier used in errors and logs
func (c *Channel) ID() string {
	return c.id
}

// DeclareExchange declares an exchange
func (c *Channel) DeclareExchange(name, kind string, durable bool) error {
	err := c.ch.ExchangeDeclare(
		name,
		kind,
		durable,
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: name, Op: "declare", Err: wrapChannelError("exchange.declare", c.id, err), Timestamp: time.Now()}
	}
	return nil
}

// DeclareQueue declares a queue
func (c *Channel) DeclareQueue(name string, durable bool, args map[string]interface{}) error {
	_, err := c.ch.QueueDeclare(
		name,
		durable,
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table(args),
	)
	if err != nil {
		return &TopologyError{Component: "queue", Name: name, Op: "declare", Err: wrapChannelError("queue.declare", c.id, err), Timestamp: time.Now()}
	}
	return nil
}

// BindQueue binds a queue to an exchange
func (c *Channel) BindQueue(queue, exchange, routingKey string) error {
	err := c.ch.QueueBind(
		queue,
		routingKey,
		exchange,
		false, // no-wait
		nil,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: queue + "->" + exchange, Op: "bind", Err: wrapChannelError("queue.bind", c.id, err), Timestamp: time.Now()}
	}
	return nil
}

// PurgeQueue removes all ready messages from a queue
func (c *Channel) PurgeQueue(name string) (int, error) {
	n, err := c.ch.QueuePurge(name, false)
	if err != nil {
		return 0, &TopologyError{Component: "queue", Name: name, Op: "purge", Err: wrapChannelError("queue.purge", c.id, err), Timestamp: time.Now()}
	}
	return n, nil
}

// DeleteQueue deletes a queue
func (c *Channel) DeleteQueue(name string) (int, error) {
	n, err := c.ch.QueueDelete(name, false, false, false)
	if err != nil {
		return 0, &TopologyError{Component: "queue", Name: name, Op: "delete", Err: wrapChannelError("queue.delete", c.id, err), Timestamp: time.Now()}
	}
	return n, nil
}

// Qos sets the prefetch count
func (c *Channel) Qos(prefetchCount int, global bool) error {
	return wrapChannelError("basic.qos", c.id, c.ch.Qos(prefetchCount, 0, global))
}

// Confirm puts the channel into confirm mode and registers the handlers that
// receive the published message of every broker ack or nack
func (c *Channel) Confirm(onAck, onNack contracts.ConfirmHandler) error {
	if err := c.ch.Confirm(false); err != nil {
		return wrapChannelError("confirm.select", c.id, err)
	}

	c.onAck = onAck
	c.onNack = onNack
	c.confirming = true

	confirms := c.ch.NotifyPublish(make(chan amqp.Confirmation, 256))
	go c.forwardConfirms(confirms)

	return nil
}

// Publish sends a message, or queues it until FlushBatch when batch is set
func (c *Channel) Publish(ctx context.Context, dest contracts.Destination, msg *contracts.Message, batch bool) error {
	if batch {
		c.batch = append(c.batch, batchEntry{dest: dest, msg: msg})
		return nil
	}
	return c.publish(ctx, dest, msg)
}

// FlushBatch publishes every queued batch message in order
func (c *Channel) FlushBatch(ctx context.Context) error {
	for i, entry := range c.batch {
		if err := c.publish(ctx, entry.dest, entry.msg); err != nil {
			c.batch = c.batch[i:]
			return err
		}
	}
	c.batch = nil
	return nil
}

func (c *Channel) publish(ctx context.Context, dest contracts.Destination, msg *contracts.Message) error {
	publishing := amqp.Publishing{
		Headers:      amqp.Table(msg.Headers()),
		ContentType:  msg.ContentType(),
		DeliveryMode: msg.DeliveryMode(),
		MessageId:    msg.ID(),
		Timestamp:    msg.Timestamp(),
		Body:         msg.Body(),
	}

	var seq uint64
	if c.confirming {
		seq = c.ch.GetNextPublishSeqNo()
		c.unconfirmed[seq] = msg
	}

	err := c.ch.PublishWithContext(
		ctx,
		dest.Exchange(),
		dest.RoutingKey(),
		false, // mandatory
		false, // immediate
		publishing,
	)
	if err != nil {
		if c.confirming {
			delete(c.unconfirmed, seq)
		}
		return &PublishError{
			Exchange:   dest.Exchange(),
			RoutingKey: dest.RoutingKey(),
			MessageID:  msg.ID(),
			Err:        wrapChannelError("basic.publish", c.id, err),
			Timestamp:  time.Now(),
		}
	}

	return nil
}

// Consume registers a consumer; its deliveries are handed to handler from Wait
func (c *Channel) Consume(queue string, handler contracts.DeliveryHandler) (string, error) {
	tag := "mmate-relay-" + uuid.New().String()

	deliveries, err := c.ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         wrapChannelError("basic.consume", c.id, err),
			Timestamp:   time.Now(),
		}
	}

	c.handlers[tag] = handler
	c.queues[tag] = queue
	go c.forwardDeliveries(tag, deliveries)

	c.logger.Info("subscribed to queue", "queue", queue, "consumerTag", tag, "channel", c.id)

	return tag, nil
}

// IsConsuming reports whether the open channel has at least one consumer
func (c *Channel) IsConsuming() bool {
	return c.closeErr == nil && len(c.handlers) > 0
}

// Wait blocks until the next delivery or confirm arrives and dispatches it.
// A zero timeout waits without bound. Expiry returns contracts.ErrTimeout.
func (c *Channel) Wait(ctx context.Context, timeout time.Duration) error {
	if c.closeErr != nil {
		return c.closeErr
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case f := <-c.frames:
		return c.dispatchDelivery(ctx, f)
	case <-c.confirmReady:
		c.drainConfirms()
		return nil
	case amqpErr := <-c.closed:
		return c.markClosed("wait", amqpErr)
	case <-expired:
		return fmt.Errorf("%w: no frame within %v", contracts.ErrTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForPendingConfirms dispatches confirms until every publish on this
// channel is resolved. Deliveries stay buffered meanwhile.
func (c *Channel) WaitForPendingConfirms(ctx context.Context, timeout time.Duration) error {
	if !c.confirming {
		return nil
	}

	c.drainConfirms()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for len(c.unconfirmed) > 0 {
		if c.closeErr != nil {
			return c.closeErr
		}

		select {
		case <-c.confirmReady:
			c.drainConfirms()
		case amqpErr := <-c.closed:
			return c.markClosed("wait for confirms", amqpErr)
		case <-expired:
			return fmt.Errorf("%w: %d publishes unconfirmed after %v", contracts.ErrTimeout, len(c.unconfirmed), timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Ack acknowledges a delivery tag
func (c *Channel) Ack(tag uint64, multiple bool) error {
	return wrapChannelError("basic.ack", c.id, c.ch.Ack(tag, multiple))
}

// Nack rejects a delivery tag
func (c *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return wrapChannelError("basic.nack", c.id, c.ch.Nack(tag, multiple, requeue))
}

// Close closes the channel. Publishes that never got a confirm are reported
// as nacks.
func (c *Channel) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	close(c.done)

	err := c.ch.Close()
	c.orphanUnconfirmed()
	if c.closeErr == nil {
		c.closeErr = &ChannelError{Op: "use", ChannelID: c.id, Err: ErrChannelClosed, Timestamp: time.Now()}
	}
	return wrapChannelError("channel.close", c.id, err)
}

func (c *Channel) dispatchDelivery(ctx context.Context, f frame) error {
	handler, ok := c.handlers[f.consumerTag]
	if !ok {
		c.logger.Warn("delivery for unknown consumer", "consumerTag", f.consumerTag)
		return nil
	}

	d := f.delivery
	msg := contracts.NewDeliveredMessage(contracts.Delivery{
		MessageID:   d.MessageId,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		ContentType: d.ContentType,
		Headers:     map[string]interface{}(d.Headers),
		Timestamp:   d.Timestamp,
		Body:        d.Body,
	})

	return handler(ctx, msg)
}

func (c *Channel) drainConfirms() {
	c.confirmMu.Lock()
	queued := c.confirmQueue
	c.confirmQueue = nil
	c.confirmMu.Unlock()

	for _, confirm := range queued {
		msg, ok := c.unconfirmed[confirm.DeliveryTag]
		if !ok {
			continue
		}
		delete(c.unconfirmed, confirm.DeliveryTag)

		if confirm.Ack {
			if c.onAck != nil {
				c.onAck(msg)
			}
		} else if c.onNack != nil {
			c.onNack(msg)
		}
	}
}

// orphanUnconfirmed reports publishes that can no longer be confirmed as nacks
func (c *Channel) orphanUnconfirmed() {
	if len(c.unconfirmed) == 0 {
		return
	}

	c.drainConfirms()
	orphans := c.unconfirmed
	c.unconfirmed = make(map[uint64]*contracts.Message)

	c.logger.Warn("channel closed with unconfirmed publishes", "channel", c.id, "count", len(orphans))
	for _, msg := range orphans {
		if c.onNack != nil {
			c.onNack(msg)
		}
	}
}

func (c *Channel) markClosed(op string, amqpErr *amqp.Error) error {
	var cause error = ErrChannelClosed
	if amqpErr != nil {
		cause = amqpErr
	}
	c.closeErr = &ChannelError{Op: op, ChannelID: c.id, Err: cause, Timestamp: time.Now()}
	c.orphanUnconfirmed()
	return c.closeErr
}

func (c *Channel) forwardDeliveries(tag string, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		select {
		case c.frames <- frame{consumerTag: tag, delivery: d}:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) forwardConfirms(confirms <-chan amqp.Confirmation) {
	for confirm := range confirms {
		c.confirmMu.Lock()
		c.confirmQueue = append(c.confirmQueue, confirm)
		c.confirmMu.Unlock()

		select {
		case c.confirmReady <- struct{}{}:
		default:
		}
	}
}
