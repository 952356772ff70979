package brokertest

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/samber/lo"
)

type consumer struct {
	tag     string
	queue   string
	handler contracts.DeliveryHandler
}

type confirm struct {
	msg *contracts.Message
	ack bool
}

type outstanding struct {
	tag   uint64
	queue string
	msg   storedMessage
}

type batchEntry struct {
	dest contracts.Destination
	msg  *contracts.Message
}

// Channel is an in-memory broker channel. Like a real channel it is meant to
// be driven from a single goroutine.
type Channel struct {
	conn   *Connection
	id     string
	closed bool

	prefetchCount  int
	prefetchGlobal bool

	confirming  bool
	onAck       contracts.ConfirmHandler
	onNack      contracts.ConfirmHandler
	unconfirmed map[string]*contracts.Message
	confirms    []confirm

	consumers   []consumer
	nextConsume int
	deliveryTag uint64
	outstanding []outstanding

	batch []batchEntry
}

var _ messaging.Channel = (*Channel)(nil)

func newChannel(conn *Connection, n int) *Channel {
	return &Channel{
		conn:        conn,
		id:          fmt.Sprintf("brokertest-%d", n),
		unconfirmed: make(map[string]*contracts.Message),
	}
}

// ID implements messaging.Channel
func (ch *Channel) ID() string {
	return ch.id
}

// IsClosed reports whether the channel was closed
func (ch *Channel) IsClosed() bool {
	return ch.closed
}

// Prefetch returns the last Qos settings
func (ch *Channel) Prefetch() (int, bool) {
	return ch.prefetchCount, ch.prefetchGlobal
}

// IsConfirming reports whether confirm mode is enabled
func (ch *Channel) IsConfirming() bool {
	return ch.confirming
}

// Unconfirmed returns the number of publishes without a confirm
func (ch *Channel) Unconfirmed() int {
	return len(ch.unconfirmed)
}

// DeclareExchange implements messaging.Channel
func (ch *Channel) DeclareExchange(name, kind string, durable bool) error {
	if err := ch.check(OpDeclareExchange); err != nil {
		return err
	}

	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	ch.conn.exchanges[name] = kind
	return nil
}

// DeclareQueue implements messaging.Channel
func (ch *Channel) DeclareQueue(name string, durable bool, args map[string]interface{}) error {
	if err := ch.check(OpDeclareQueue); err != nil {
		return err
	}

	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	if _, ok := ch.conn.queues[name]; !ok {
		ch.conn.queues[name] = nil
	}
	ch.conn.queueArgs[name] = args
	return nil
}

// BindQueue implements messaging.Channel
func (ch *Channel) BindQueue(queue, exchange, routingKey string) error {
	if err := ch.check(OpBind); err != nil {
		return err
	}

	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()

	if _, ok := ch.conn.exchanges[exchange]; !ok {
		return fmt.Errorf("%w: no exchange '%s'", ErrNotFound, exchange)
	}
	if _, ok := ch.conn.queues[queue]; !ok {
		return fmt.Errorf("%w: no queue '%s'", ErrNotFound, queue)
	}
	if !lo.Contains(ch.conn.bindings[exchange], queue) {
		ch.conn.bindings[exchange] = append(ch.conn.bindings[exchange], queue)
	}
	return nil
}

// PurgeQueue implements messaging.Channel
func (ch *Channel) PurgeQueue(name string) (int, error) {
	if err := ch.check(""); err != nil {
		return 0, err
	}

	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	n := len(ch.conn.queues[name])
	if _, ok := ch.conn.queues[name]; ok {
		ch.conn.queues[name] = nil
	}
	return n, nil
}

// DeleteQueue implements messaging.Channel
func (ch *Channel) DeleteQueue(name string) (int, error) {
	if err := ch.check(""); err != nil {
		return 0, err
	}

	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	n := len(ch.conn.queues[name])
	delete(ch.conn.queues, name)
	delete(ch.conn.queueArgs, name)
	for exchange, queues := range ch.conn.bindings {
		ch.conn.bindings[exchange] = lo.Without(queues, name)
	}
	return n, nil
}

// Qos implements messaging.Channel
func (ch *Channel) Qos(prefetchCount int, global bool) error {
	if err := ch.check(OpQos); err != nil {
		return err
	}
	ch.prefetchCount = prefetchCount
	ch.prefetchGlobal = global
	return nil
}

// Confirm implements messaging.Channel
func (ch *Channel) Confirm(onAck, onNack contracts.ConfirmHandler) error {
	if err := ch.check(OpConfirm); err != nil {
		return err
	}
	ch.confirming = true
	ch.onAck = onAck
	ch.onNack = onNack
	return nil
}

// Publish implements messaging.Channel
func (ch *Channel) Publish(ctx context.Context, dest contracts.Destination, msg *contracts.Message, batch bool) error {
	if batch {
		if err := ch.check(""); err != nil {
			return err
		}
		ch.batch = append(ch.batch, batchEntry{dest: dest, msg: msg})
		return nil
	}
	return ch.publish(dest, msg)
}

// FlushBatch implements messaging.Channel
func (ch *Channel) FlushBatch(ctx context.Context) error {
	if err := ch.check(OpFlush); err != nil {
		return err
	}

	for i, entry := range ch.batch {
		if err := ch.publish(entry.dest, entry.msg); err != nil {
			ch.batch = ch.batch[i:]
			return err
		}
	}
	ch.batch = nil
	return nil
}

// BatchLen returns the number of messages waiting for FlushBatch
func (ch *Channel) BatchLen() int {
	return len(ch.batch)
}

func (ch *Channel) publish(dest contracts.Destination, msg *contracts.Message) error {
	if err := ch.check(OpPublish); err != nil {
		return err
	}

	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()

	mode := ch.conn.confirmPolicy(msg)
	if mode != ConfirmNack {
		if err := ch.conn.route(dest.Exchange(), dest.RoutingKey(), msg); err != nil {
			return err
		}
	}

	ch.conn.published = append(ch.conn.published, Publishing{
		ChannelID:  ch.id,
		Exchange:   dest.Exchange(),
		RoutingKey: dest.RoutingKey(),
		Message:    msg,
	})

	if !ch.confirming {
		return nil
	}

	ch.unconfirmed[msg.ID()] = msg
	switch mode {
	case ConfirmAck:
		ch.confirms = append(ch.confirms, confirm{msg: msg, ack: true})
	case ConfirmNack:
		ch.confirms = append(ch.confirms, confirm{msg: msg, ack: false})
	}
	return nil
}

// Consume implements messaging.Channel
func (ch *Channel) Consume(queue string, handler contracts.DeliveryHandler) (string, error) {
	if err := ch.check(OpConsume); err != nil {
		return "", err
	}

	ch.conn.mu.Lock()
	_, ok := ch.conn.queues[queue]
	ch.conn.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: no queue '%s'", ErrNotFound, queue)
	}

	tag := fmt.Sprintf("%s-consumer-%d", ch.id, len(ch.consumers)+1)
	ch.consumers = append(ch.consumers, consumer{tag: tag, queue: queue, handler: handler})
	return tag, nil
}

// IsConsuming implements messaging.Channel
func (ch *Channel) IsConsuming() bool {
	return !ch.closed && len(ch.consumers) > 0
}

// Wait implements messaging.Channel. Pending confirms are dispatched first,
// then one queued message is delivered. With nothing to do it sleeps for the
// timeout.
func (ch *Channel) Wait(ctx context.Context, timeout time.Duration) error {
	if err := ch.check(OpWait); err != nil {
		return err
	}

	if len(ch.confirms) > 0 {
		ch.dispatchConfirms()
		return nil
	}

	if c, stored, ok := ch.nextDelivery(); ok {
		ch.deliveryTag++
		stored.delivery.DeliveryTag = ch.deliveryTag
		ch.outstanding = append(ch.outstanding, outstanding{tag: ch.deliveryTag, queue: c.queue, msg: stored})
		return c.handler(ctx, contracts.NewDeliveredMessage(stored.delivery))
	}

	return sleep(ctx, timeout)
}

// WaitForPendingConfirms implements messaging.Channel
func (ch *Channel) WaitForPendingConfirms(ctx context.Context, timeout time.Duration) error {
	if !ch.confirming {
		return nil
	}

	ch.dispatchConfirms()
	if len(ch.unconfirmed) == 0 {
		return nil
	}

	if err := sleep(ctx, timeout); err != nil {
		return fmt.Errorf("%d publishes unconfirmed: %w", len(ch.unconfirmed), err)
	}
	return nil
}

// FakeAck dispatches a broker ack for msg
func (ch *Channel) FakeAck(msg *contracts.Message) {
	delete(ch.unconfirmed, msg.ID())
	if ch.onAck != nil {
		ch.onAck(msg)
	}
}

// FakeNack dispatches a broker nack for msg
func (ch *Channel) FakeNack(msg *contracts.Message) {
	delete(ch.unconfirmed, msg.ID())
	if ch.onNack != nil {
		ch.onNack(msg)
	}
}

// Ack implements contracts.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	if err := ch.check(OpAck); err != nil {
		return err
	}
	if _, err := ch.settle(tag, multiple); err != nil {
		return err
	}

	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	ch.conn.acks = append(ch.conn.acks, AckRecord{ChannelID: ch.id, Tag: tag, Multiple: multiple})
	return nil
}

// Nack implements contracts.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	if err := ch.check(OpNack); err != nil {
		return err
	}
	settled, err := ch.settle(tag, multiple)
	if err != nil {
		return err
	}

	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	ch.conn.nacks = append(ch.conn.nacks, AckRecord{ChannelID: ch.id, Tag: tag, Multiple: multiple, Requeue: requeue})
	if requeue {
		ch.requeueLocked(settled)
	}
	return nil
}

// Close implements messaging.Channel. Unanswered deliveries go back to their
// queues and unconfirmed publishes are reported as nacks.
func (ch *Channel) Close() error {
	if ch.closed {
		return nil
	}
	ch.closed = true

	ch.conn.mu.Lock()
	ch.requeueLocked(ch.outstanding)
	ch.conn.mu.Unlock()
	ch.outstanding = nil
	ch.batch = nil
	ch.confirms = nil

	orphans := ch.unconfirmed
	ch.unconfirmed = make(map[string]*contracts.Message)
	for _, msg := range orphans {
		if ch.onNack != nil {
			ch.onNack(msg)
		}
	}
	return nil
}

func (ch *Channel) check(op Op) error {
	if ch.closed {
		return fmt.Errorf("%w: channel %s is closed", contracts.ErrTransientConnection, ch.id)
	}
	if op == "" {
		return nil
	}
	return ch.conn.takeFailure(op)
}

// settle removes the answered deliveries. An unknown tag is a protocol error.
func (ch *Channel) settle(tag uint64, multiple bool) ([]outstanding, error) {
	if !lo.ContainsBy(ch.outstanding, func(o outstanding) bool { return o.tag == tag }) {
		return nil, fmt.Errorf("%w %d", ErrUnknownDeliveryTag, tag)
	}

	settled, kept := lo.FilterReject(ch.outstanding, func(o outstanding, _ int) bool {
		return o.tag == tag || (multiple && o.tag < tag)
	})
	ch.outstanding = kept
	return settled, nil
}

// requeueLocked puts deliveries back in front of their queues. Must be called
// with conn.mu held.
func (ch *Channel) requeueLocked(deliveries []outstanding) {
	for i := len(deliveries) - 1; i >= 0; i-- {
		o := deliveries[i]
		if _, ok := ch.conn.queues[o.queue]; !ok {
			continue
		}
		stored := o.msg
		stored.delivery.DeliveryTag = 0
		stored.delivery.Redelivered = true
		ch.conn.queues[o.queue] = append([]storedMessage{stored}, ch.conn.queues[o.queue]...)
	}
}

// nextDelivery pops a message for the consumers in round-robin order
func (ch *Channel) nextDelivery() (consumer, storedMessage, bool) {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()

	for i := 0; i < len(ch.consumers); i++ {
		c := ch.consumers[(ch.nextConsume+i)%len(ch.consumers)]
		queued := ch.conn.queues[c.queue]
		if len(queued) == 0 {
			continue
		}
		ch.conn.queues[c.queue] = queued[1:]
		ch.nextConsume = (ch.nextConsume + i + 1) % len(ch.consumers)
		return c, queued[0], true
	}
	return consumer{}, storedMessage{}, false
}

func (ch *Channel) dispatchConfirms() {
	queued := ch.confirms
	ch.confirms = nil

	for _, c := range queued {
		if _, ok := ch.unconfirmed[c.msg.ID()]; !ok {
			continue
		}
		delete(ch.unconfirmed, c.msg.ID())
		if c.ack {
			if ch.onAck != nil {
				ch.onAck(c.msg)
			}
		} else if ch.onNack != nil {
			ch.onNack(c.msg)
		}
	}
}

func sleep(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		return fmt.Errorf("%w: nothing to do within %v", contracts.ErrTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
