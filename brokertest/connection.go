// Package brokertest provides an in-memory broker implementing
// messaging.Connection and messaging.Channel. It routes publishes to queues,
// resolves publisher confirms according to a configurable policy, delivers
// queued messages from Wait, records every ack and nack, and can inject
// failures into any channel operation.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/samber/lo"
)

// Op names a broker operation for fault injection
type Op string

const (
	OpChannel         Op = "channel"
	OpReconnect       Op = "reconnect"
	OpDeclareExchange Op = "exchange.declare"
	OpDeclareQueue    Op = "queue.declare"
	OpBind            Op = "queue.bind"
	OpQos             Op = "basic.qos"
	OpConfirm         Op = "confirm.select"
	OpPublish         Op = "basic.publish"
	OpFlush           Op = "batch.flush"
	OpConsume         Op = "basic.consume"
	OpWait            Op = "wait"
	OpAck             Op = "basic.ack"
	OpNack            Op = "basic.nack"
)

// ConfirmMode decides how the broker answers a publish
type ConfirmMode int

const (
	// ConfirmAck routes the message and acks the publish
	ConfirmAck ConfirmMode = iota
	// ConfirmNack drops the message and nacks the publish
	ConfirmNack
	// ConfirmDrop routes the message and never answers the publish
	ConfirmDrop
)

var (
	// ErrConnectionLost is a transient connection fault for FailNext
	ErrConnectionLost = fmt.Errorf("%w: connection reset by peer", contracts.ErrTransientConnection)

	// ErrNotFound mirrors a 404 channel exception
	ErrNotFound = errors.New("brokertest: NOT_FOUND")

	// ErrUnknownDeliveryTag mirrors a 406 channel exception on ack or nack
	ErrUnknownDeliveryTag = errors.New("brokertest: PRECONDITION_FAILED - unknown delivery tag")
)

// Publishing records a message accepted by basic.publish
type Publishing struct {
	ChannelID  string
	Exchange   string
	RoutingKey string
	Message    *contracts.Message
}

// AckRecord records an ack or nack sent by a consumer
type AckRecord struct {
	ChannelID string
	Tag       uint64
	Multiple  bool
	Requeue   bool
}

type storedMessage struct {
	delivery contracts.Delivery
}

// Connection is an in-memory broker. The zero value is not usable; call
// NewConnection.
type Connection struct {
	mu sync.Mutex

	queues    map[string][]storedMessage
	queueArgs map[string]map[string]interface{}
	exchanges map[string]string
	bindings  map[string][]string

	confirmPolicy func(*contracts.Message) ConfirmMode
	failures      map[Op][]error

	channels   []*Channel
	published  []Publishing
	acks       []AckRecord
	nacks      []AckRecord
	reconnects int
	closed     bool
}

var _ messaging.Connection = (*Connection)(nil)

// NewConnection creates an empty broker that acks every publish
func NewConnection() *Connection {
	return &Connection{
		queues:        make(map[string][]storedMessage),
		queueArgs:     make(map[string]map[string]interface{}),
		exchanges:     make(map[string]string),
		bindings:      make(map[string][]string),
		confirmPolicy: func(*contracts.Message) ConfirmMode { return ConfirmAck },
		failures:      make(map[Op][]error),
	}
}

// Channel implements messaging.Connection
func (c *Connection) Channel() (messaging.Channel, error) {
	if err := c.takeFailure(OpChannel); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("%w: connection closed", contracts.ErrTransientConnection)
	}

	ch := newChannel(c, len(c.channels)+1)
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Reconnect implements messaging.Connection. Open channels are closed.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.reconnects++
	open := lo.Filter(c.channels, func(ch *Channel, _ int) bool { return !ch.closed })
	c.mu.Unlock()

	for _, ch := range open {
		ch.Close()
	}

	if err := c.takeFailure(OpReconnect); err != nil {
		return err
	}

	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()
	return nil
}

// Close implements messaging.Connection
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	return nil
}

// FailNext makes the next call of op return err. Calls queue up.
func (c *Connection) FailNext(op Op, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], err)
}

// SetConfirmMode answers every following publish with mode
func (c *Connection) SetConfirmMode(mode ConfirmMode) {
	c.SetConfirmPolicy(func(*contracts.Message) ConfirmMode { return mode })
}

// SetConfirmPolicy decides per message how a publish is answered
func (c *Connection) SetConfirmPolicy(policy func(*contracts.Message) ConfirmMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmPolicy = policy
}

// FakeIncomingMessage puts msg straight into queue, as if a producer had
// published it
func (c *Connection) FakeIncomingMessage(queue string, msg *contracts.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[queue] = append(c.queues[queue], storedMessage{delivery: deliveryFor(msg, "", queue)})
}

// Messages returns the ready messages of queue
func (c *Connection) Messages(queue string) []contracts.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Map(c.queues[queue], func(m storedMessage, _ int) contracts.Delivery { return m.delivery })
}

// QueueExists reports whether queue was declared or received a fake message
func (c *Connection) QueueExists(queue string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.queues[queue]
	return ok
}

// QueueArgs returns the arguments queue was declared with
func (c *Connection) QueueArgs(queue string) map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueArgs[queue]
}

// ExchangeKind returns the kind of a declared exchange, empty if undeclared
func (c *Connection) ExchangeKind(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchanges[name]
}

// Bindings returns the queues bound to exchange
func (c *Connection) Bindings(exchange string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bindings[exchange]...)
}

// Published returns every publish the broker accepted
func (c *Connection) Published() []Publishing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Publishing(nil), c.published...)
}

// Acks returns every consumer ack
func (c *Connection) Acks() []AckRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AckRecord(nil), c.acks...)
}

// Nacks returns every consumer nack
func (c *Connection) Nacks() []AckRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AckRecord(nil), c.nacks...)
}

// Reconnects returns how often Reconnect was called
func (c *Connection) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// Channels returns every channel opened so far
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

// LastChannel returns the most recently opened channel, nil if none
func (c *Connection) LastChannel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

func (c *Connection) takeFailure(op Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	queued := c.failures[op]
	if len(queued) == 0 {
		return nil
	}
	c.failures[op] = queued[1:]
	return queued[0]
}

// route stores msg in every queue the destination resolves to. Must be called
// with mu held.
func (c *Connection) route(exchange, routingKey string, msg *contracts.Message) error {
	if exchange == "" {
		if _, ok := c.queues[routingKey]; ok {
			c.queues[routingKey] = append(c.queues[routingKey], storedMessage{delivery: deliveryFor(msg, exchange, routingKey)})
		}
		return nil
	}

	if _, ok := c.exchanges[exchange]; !ok {
		return fmt.Errorf("%w: no exchange '%s'", ErrNotFound, exchange)
	}
	for _, queue := range c.bindings[exchange] {
		c.queues[queue] = append(c.queues[queue], storedMessage{delivery: deliveryFor(msg, exchange, routingKey)})
	}
	return nil
}

func deliveryFor(msg *contracts.Message, exchange, routingKey string) contracts.Delivery {
	headers := make(map[string]interface{}, len(msg.Headers()))
	for k, v := range msg.Headers() {
		headers[k] = v
	}

	return contracts.Delivery{
		MessageID:   msg.ID(),
		Exchange:    exchange,
		RoutingKey:  routingKey,
		ContentType: msg.ContentType(),
		Headers:     headers,
		Timestamp:   msg.Timestamp(),
		Body:        append([]byte(nil), msg.Body()...),
	}
}
