package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-relay/contracts"
)

// Binding binds a queue to a fanout exchange
type Binding struct {
	Exchange contracts.Exchange
	Queue    contracts.Queue
}

// Topology is the set of exchanges, queues and bindings a relay needs
type Topology struct {
	Exchanges []contracts.Exchange
	Queues    []contracts.Queue
	Bindings  []Binding
}

// DeclareTopology declares exchanges, then queues, then bindings. Every
// declaration goes through the retry wrapper.
func (r *RetryableChannel) DeclareTopology(ctx context.Context, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := r.DeclareExchange(ctx, exchange); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange.Name(), err)
		}
	}

	for _, queue := range topology.Queues {
		if err := r.DeclareQueue(ctx, queue); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue.Name(), err)
		}
	}

	for _, binding := range topology.Bindings {
		if err := r.Bind(ctx, binding.Exchange, binding.Queue); err != nil {
			return fmt.Errorf("failed to bind queue %s to exchange %s: %w",
				binding.Queue.Name(), binding.Exchange.Name(), err)
		}
	}

	return nil
}

// PipelineTopology returns the topology a single-stage relay needs: the input
// queue and, when out is an exchange, the exchange plus the queues bound to it
func PipelineTopology(in contracts.Queue, out contracts.Destination, bound ...contracts.Queue) Topology {
	topology := Topology{Queues: []contracts.Queue{in}}

	switch dest := out.(type) {
	case contracts.Queue:
		topology.Queues = append(topology.Queues, dest)
	case contracts.Exchange:
		topology.Exchanges = append(topology.Exchanges, dest)
		for _, q := range bound {
			topology.Queues = append(topology.Queues, q)
			topology.Bindings = append(topology.Bindings, Binding{Exchange: dest, Queue: q})
		}
	}

	return topology
}
