// Package contracts provides the message and destination types shared by the
// relay packages.
//
// This package defines:
//   - Message: a published or delivered broker message with a unique ID, used
//     as the key for publisher confirm tracking
//   - Queue and Exchange: validated publish destinations
//   - Acknowledger: the channel side of ack and nack for delivered messages
//   - The error taxonomy: transient connection faults, validation faults,
//     protocol state faults and timeouts
//
// Example usage:
//
//	queue, err := contracts.NewQueue("orders-incoming")
//	msg, err := contracts.MakeMessage(map[string]string{"foo": "bar"})
package contracts
