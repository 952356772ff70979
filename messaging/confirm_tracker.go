package messaging

import (
	"github.com/glimte/mmate-relay/contracts"
)

// Signal is the outcome of a publisher confirm
type Signal int

const (
	// SignalAck means the broker accepted the message
	SignalAck Signal = iota
	// SignalNack means the broker could not accept the message
	SignalNack
)

func (s Signal) String() string {
	switch s {
	case SignalAck:
		return "ack"
	case SignalNack:
		return "nack"
	default:
		return "unknown"
	}
}

type messageHandlers struct {
	ack  []contracts.ConfirmHandler
	nack []contracts.ConfirmHandler
}

func (h *messageHandlers) forSignal(signal Signal) *[]contracts.ConfirmHandler {
	if signal == SignalAck {
		return &h.ack
	}
	return &h.nack
}

// ConfirmTracker routes publisher confirms to global handlers and to handlers
// registered for a single message. A message's handlers fire at most once;
// its entry is dropped on the first confirm of either signal.
//
// Not safe for concurrent use. Dispatch is expected to run from the frame
// wait loop only.
type ConfirmTracker struct {
	global     map[Signal][]contracts.ConfirmHandler
	perMessage map[string]*messageHandlers
}

// NewConfirmTracker creates an empty tracker
func NewConfirmTracker() *ConfirmTracker {
	return &ConfirmTracker{
		global:     make(map[Signal][]contracts.ConfirmHandler),
		perMessage: make(map[string]*messageHandlers),
	}
}

// RegisterGlobal adds a handler invoked for every future confirm of signal
func (t *ConfirmTracker) RegisterGlobal(signal Signal, handler contracts.ConfirmHandler) {
	t.global[signal] = append(t.global[signal], handler)
}

// RegisterForMessage adds a handler for the next confirm of msg
func (t *ConfirmTracker) RegisterForMessage(msg *contracts.Message, signal Signal, handler contracts.ConfirmHandler) {
	entry, ok := t.perMessage[msg.ID()]
	if !ok {
		entry = &messageHandlers{}
		t.perMessage[msg.ID()] = entry
	}
	list := entry.forSignal(signal)
	*list = append(*list, handler)
}

// Dispatch runs the global handlers for signal, then the handlers registered
// for msg, and forgets msg
func (t *ConfirmTracker) Dispatch(msg *contracts.Message, signal Signal) {
	for _, handler := range t.global[signal] {
		handler(msg)
	}

	entry, ok := t.perMessage[msg.ID()]
	if !ok {
		return
	}
	delete(t.perMessage, msg.ID())

	for _, handler := range *entry.forSignal(signal) {
		handler(msg)
	}
}

// HandlerCount returns the number of handlers registered for a message id
func (t *ConfirmTracker) HandlerCount(id string, signal Signal) int {
	entry, ok := t.perMessage[id]
	if !ok {
		return 0
	}
	return len(*entry.forSignal(signal))
}

// Tracked returns the number of messages with registered handlers
func (t *ConfirmTracker) Tracked() int {
	return len(t.perMessage)
}
