package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientConnection marks broker unreachable / connection forcibly
	// closed / I/O failures. These are the only errors retried after a reconnect.
	ErrTransientConnection = errors.New("transient connection fault")

	// ErrValidation marks invalid destination names and malformed bodies
	ErrValidation = errors.New("validation fault")

	// ErrProtocolState marks programming errors such as answering a message twice
	ErrProtocolState = errors.New("protocol state fault")

	// ErrTimeout is returned when a frame or confirm wait exceeds its budget
	ErrTimeout = errors.New("wait timeout")
)

var (
	ErrAlreadyResponded = fmt.Errorf("%w: response was already sent", ErrProtocolState)
	ErrNoAcknowledger   = fmt.Errorf("%w: message has no channel to respond on", ErrProtocolState)
	ErrAlreadyBound     = fmt.Errorf("%w: message is already assigned to a channel", ErrProtocolState)
)

// ValidationError describes a rejected value
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s [%s]: %s", e.Field, e.Value, e.Reason)
}

// Is makes every ValidationError match ErrValidation
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IsTransient reports whether err is a transient connection fault
func IsTransient(err error) bool {
	return err != nil && errors.Is(err, ErrTransientConnection)
}

// IsTimeout reports whether err is a wait timeout
func IsTimeout(err error) bool {
	return err != nil && errors.Is(err, ErrTimeout)
}
