package messaging

import "errors"

var (
	// ErrNoConsumers is returned by Consume when nothing is subscribed
	ErrNoConsumers = errors.New("messaging: channel has no active consumers")

	// ErrSessionClosed is returned after Close
	ErrSessionClosed = errors.New("messaging: session is closed")

	// ErrNoAnchor means a flush found pending publishes but no incoming message to answer
	ErrNoAnchor = errors.New("messaging: pending publishes without an incoming message")
)
