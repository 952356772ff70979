// Package rabbitmq provides the amqp091-go backed broker session.
//
// This package includes:
//   - ConnectionManager: dials the broker and reconnects on request. There is
//     no background reconnect loop; callers decide when to reconnect.
//   - Channel: a single AMQP channel whose deliveries and publisher confirms
//     are buffered and dispatched from Wait on the caller's goroutine
//   - Error types that classify connection faults as transient
//
// Publishes on a confirming channel are tracked by sequence number. When the
// channel closes, publishes that never got a confirm are reported as nacks.
package rabbitmq
