package contracts

import "context"

// DeliveryHandler receives a delivered message. A returned error stops the
// consume loop that invoked it.
type DeliveryHandler func(ctx context.Context, msg *Message) error

// ConfirmHandler receives the published message a broker confirm refers to
type ConfirmHandler func(msg *Message)
