package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-relay/internal/rabbitmq"
	"github.com/glimte/mmate-relay/messaging"
)

var _ messaging.Connection = (*Transport)(nil)

// Transport implements messaging.Connection for RabbitMQ
type Transport struct {
	manager *rabbitmq.ConnectionManager
	logger  *slog.Logger
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithTransportLogger sets the logger for the connection and its channels
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// Dial connects to the broker at url
func Dial(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		Logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)

	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &Transport{
		manager: manager,
		logger:  cfg.Logger,
	}, nil
}

// Channel implements messaging.Connection
func (t *Transport) Channel() (messaging.Channel, error) {
	ch, err := t.manager.OpenChannel()
	if err != nil {
		return nil, err
	}
	return rabbitmq.NewChannel(ch, t.logger), nil
}

// Reconnect implements messaging.Connection
func (t *Transport) Reconnect(ctx context.Context) error {
	return t.manager.Reconnect(ctx)
}

// Close implements messaging.Connection
func (t *Transport) Close() error {
	return t.manager.Close()
}

// IsConnected reports whether the underlying connection is up
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Manager returns the underlying connection manager
func (t *Transport) Manager() *rabbitmq.ConnectionManager {
	return t.manager
}
