package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// ContentTypeJSON is set on messages created with MakeMessage
	ContentTypeJSON = "application/json"

	// DeliveryModePersistent survives broker restarts on durable queues
	DeliveryModePersistent uint8 = 2
)

// Acknowledger sends the terminal response for a delivered message.
// *amqp091.Channel satisfies it.
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
}

// Delivery is an inbound frame as handed over by a broker channel
type Delivery struct {
	MessageID   string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	ContentType string
	Headers     map[string]interface{}
	Timestamp   time.Time
	Body        []byte
}

// Message is a published or delivered broker message.
//
// The ID is assigned once at creation and is the key for publisher confirm
// tracking. A delivered message can be answered (ack/nack) exactly once and
// only through the Acknowledger bound to it.
type Message struct {
	id           string
	body         []byte
	contentType  string
	headers      map[string]interface{}
	deliveryMode uint8
	timestamp    time.Time

	deliveryTag uint64
	redelivered bool
	exchange    string
	routingKey  string

	acker     Acknowledger
	responded bool
}

// NewMessage creates a persistent message carrying an opaque body
func NewMessage(body []byte) *Message {
	return &Message{
		id:           generateID(),
		body:         body,
		deliveryMode: DeliveryModePersistent,
		timestamp:    time.Now(),
	}
}

// MakeMessage creates a persistent JSON message. The value must encode to a
// JSON object or array.
func MakeMessage(v interface{}) (*Message, error) {
	body, err := encodeBody(v)
	if err != nil {
		return nil, err
	}

	msg := NewMessage(body)
	msg.contentType = ContentTypeJSON
	return msg, nil
}

// NewDeliveredMessage wraps an inbound frame. Frames without a message id get
// a fresh one so they can still be tracked.
func NewDeliveredMessage(d Delivery) *Message {
	id := d.MessageID
	if id == "" {
		id = generateID()
	}

	return &Message{
		id:           id,
		body:         d.Body,
		contentType:  d.ContentType,
		headers:      d.Headers,
		deliveryMode: DeliveryModePersistent,
		timestamp:    d.Timestamp,
		deliveryTag:  d.DeliveryTag,
		redelivered:  d.Redelivered,
		exchange:     d.Exchange,
		routingKey:   d.RoutingKey,
	}
}

// Clone returns a new message with the same properties, a new body and a new ID.
// Delivery state is not copied.
func (m *Message) Clone(v interface{}) (*Message, error) {
	body, err := encodeBody(v)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]interface{}, len(m.headers))
	for k, val := range m.headers {
		headers[k] = val
	}

	return &Message{
		id:           generateID(),
		body:         body,
		contentType:  ContentTypeJSON,
		headers:      headers,
		deliveryMode: m.deliveryMode,
		timestamp:    time.Now(),
	}, nil
}

// ID returns the message identity
func (m *Message) ID() string {
	return m.id
}

// Body returns the raw payload
func (m *Message) Body() []byte {
	return m.body
}

// ContentType returns the MIME content type, if any
func (m *Message) ContentType() string {
	return m.contentType
}

// SetContentType sets the MIME content type
func (m *Message) SetContentType(contentType string) {
	m.contentType = contentType
}

// Headers returns the application headers
func (m *Message) Headers() map[string]interface{} {
	return m.headers
}

// SetHeader sets an application header
func (m *Message) SetHeader(key string, value interface{}) {
	if m.headers == nil {
		m.headers = make(map[string]interface{})
	}
	m.headers[key] = value
}

// DeliveryMode returns the AMQP delivery mode
func (m *Message) DeliveryMode() uint8 {
	return m.deliveryMode
}

// Timestamp returns the creation or broker timestamp
func (m *Message) Timestamp() time.Time {
	return m.timestamp
}

// DeliveryTag is only meaningful for delivered messages
func (m *Message) DeliveryTag() uint64 {
	return m.deliveryTag
}

// Redelivered reports whether the broker delivered this message before
func (m *Message) Redelivered() bool {
	return m.redelivered
}

// Exchange the message was published to (delivered messages only)
func (m *Message) Exchange() string {
	return m.exchange
}

// RoutingKey the message was published with (delivered messages only)
func (m *Message) RoutingKey() string {
	return m.routingKey
}

// Decode unmarshals a JSON body into v
func (m *Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.body, v); err != nil {
		return &ValidationError{Field: "body", Value: m.id, Reason: err.Error()}
	}
	return nil
}

// String returns the body as text
func (m *Message) String() string {
	return string(m.body)
}

// BindAcknowledger sets the channel used to answer this message. It can be
// set only once.
func (m *Message) BindAcknowledger(a Acknowledger) error {
	if m.acker != nil {
		return ErrAlreadyBound
	}
	m.acker = a
	return nil
}

// Acknowledger returns the bound acknowledger, nil if none
func (m *Message) Acknowledger() Acknowledger {
	return m.acker
}

// Responded reports whether an ack or nack was already sent
func (m *Message) Responded() bool {
	return m.responded
}

// Ack acknowledges the message. With multiple set, every earlier unacknowledged
// delivery on the same channel is acknowledged too.
func (m *Message) Ack(multiple bool) error {
	if err := m.assertUnanswered(); err != nil {
		return err
	}
	if err := m.acker.Ack(m.deliveryTag, multiple); err != nil {
		return err
	}
	m.responded = true
	return nil
}

// Nack rejects the message, optionally requeueing it
func (m *Message) Nack(multiple, requeue bool) error {
	if err := m.assertUnanswered(); err != nil {
		return err
	}
	if err := m.acker.Nack(m.deliveryTag, multiple, requeue); err != nil {
		return err
	}
	m.responded = true
	return nil
}

// Ignore rejects the message without requeueing it
func (m *Message) Ignore(multiple bool) error {
	return m.Nack(multiple, false)
}

func (m *Message) assertUnanswered() error {
	if m.acker == nil {
		return fmt.Errorf("%w: message %s", ErrNoAcknowledger, m.id)
	}
	if m.responded {
		return fmt.Errorf("%w: message %s", ErrAlreadyResponded, m.id)
	}
	return nil
}

func generateID() string {
	return uuid.New().String()
}

func encodeBody(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}

	body, err := json.Marshal(v)
	if err != nil {
		return nil, &ValidationError{Field: "body", Value: fmt.Sprintf("%T", v), Reason: err.Error()}
	}

	// Only objects and arrays are accepted as message bodies
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, &ValidationError{
			Field:  "body",
			Value:  fmt.Sprintf("%T", v),
			Reason: "must encode to a JSON object or array",
		}
	}

	return body, nil
}
