package contracts

import (
	"regexp"
)

var safeDestinationName = regexp.MustCompile(`^([A-Za-z0-9]|[-/:_])+$`)

// Destination is a publish target
type Destination interface {
	// Name of the queue or exchange
	Name() string
	// Exchange to publish to
	Exchange() string
	// RoutingKey to publish with
	RoutingKey() string
}

// Queue is published to through the default exchange
type Queue struct {
	name string
}

// NewQueue validates the name and returns a queue destination
func NewQueue(name string) (Queue, error) {
	if err := ValidateDestinationName(name); err != nil {
		return Queue{}, err
	}
	return Queue{name: name}, nil
}

// Name returns the queue name
func (q Queue) Name() string { return q.name }

// Exchange returns the default exchange
func (q Queue) Exchange() string { return "" }

// RoutingKey returns the queue name
func (q Queue) RoutingKey() string { return q.name }

// Exchange is a fanout exchange destination
type Exchange struct {
	name string
}

// NewExchange validates the name and returns an exchange destination
func NewExchange(name string) (Exchange, error) {
	if err := ValidateDestinationName(name); err != nil {
		return Exchange{}, err
	}
	return Exchange{name: name}, nil
}

// Name returns the exchange name
func (e Exchange) Name() string { return e.name }

// Exchange returns the exchange name
func (e Exchange) Exchange() string { return e.name }

// RoutingKey is empty, fanout exchanges ignore it
func (e Exchange) RoutingKey() string { return "" }

// ValidateDestinationName rejects names with characters outside A-Z a-z 0-9 - / : _
func ValidateDestinationName(name string) error {
	if !safeDestinationName.MatchString(name) {
		return &ValidationError{
			Field:  "destination",
			Value:  name,
			Reason: "contains problematic characters, allowed are alphanumeric strings containing -/:_",
		}
	}
	return nil
}
