// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/config"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/rabbitmq"
	"github.com/glimte/mmate-relay/messaging"
	rabbitmqTransport "github.com/glimte/mmate-relay/transports/rabbitmq"
)

// Client provides the main entry point for mmate-relay
type Client struct {
	conn      messaging.Connection
	session   *messaging.Session
	retryable *messaging.RetryableChannel
	logger    *slog.Logger
}

// NewClient connects to a RabbitMQ broker with default settings
func NewClient(ctx context.Context, connectionString string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)

	transportOpts := []rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithTransportLogger(cfg.logger),
		rabbitmqTransport.WithConnectionOptions(cfg.connectionOptions...),
	}

	transport, err := rabbitmqTransport.Dial(ctx, connectionString, transportOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	return newClient(transport, cfg), nil
}

// NewClientWithConnection builds a client on an existing broker connection
func NewClientWithConnection(conn messaging.Connection, options ...ClientOption) *Client {
	return newClient(conn, newClientConfig(options))
}

// NewFromConfig connects using file configuration
func NewFromConfig(ctx context.Context, cfg config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	options = append(ConfigOptions(cfg), options...)
	return NewClient(ctx, cfg.Broker.URL, options...)
}

// ConfigOptions translates file configuration into client options
func ConfigOptions(cfg config.Config) []ClientOption {
	return []ClientOption{
		WithConnectionOptions(
			rabbitmq.WithDialTimeout(cfg.Broker.DialTimeout),
			rabbitmq.WithMaxRetries(cfg.Broker.ReconnectAttempts),
			rabbitmq.WithReconnectDelay(cfg.Broker.ReconnectDelay),
		),
		WithSessionOptions(
			messaging.WithPrefetch(cfg.Session.PrefetchCount, cfg.Session.PrefetchGlobal),
			messaging.WithDurable(cfg.Session.Durable),
			messaging.WithPublisherConfirms(cfg.Session.PublisherConfirms),
			messaging.WithReconnectOnConnectionError(cfg.Session.RetryOnConnectionError),
			messaging.WithRetryDelay(cfg.Session.RetryDelay),
		),
	}
}

func newClient(conn messaging.Connection, cfg *clientConfig) *Client {
	sessionOpts := append([]messaging.SessionOption{messaging.WithSessionLogger(cfg.logger)}, cfg.sessionOptions...)
	session := messaging.NewSession(conn, sessionOpts...)

	return &Client{
		conn:      conn,
		session:   session,
		retryable: session.Retryable(),
		logger:    cfg.logger,
	}
}

// Session returns the session owning the broker channel
func (c *Client) Session() *messaging.Session {
	return c.session
}

// Connection returns the broker connection the session draws channels from
func (c *Client) Connection() messaging.Connection {
	return c.conn
}

// Channel returns the retrying view of the session
func (c *Client) Channel() *messaging.RetryableChannel {
	return c.retryable
}

// Publish sends a message, reconnecting once on a connection fault if enabled
func (c *Client) Publish(ctx context.Context, dest contracts.Destination, msg *contracts.Message) (*contracts.Message, error) {
	return c.retryable.Publish(ctx, dest, msg)
}

// PublishBatch sends several messages in one flush
func (c *Client) PublishBatch(ctx context.Context, dest contracts.Destination, msgs []*contracts.Message) ([]*contracts.Message, error) {
	return c.retryable.PublishBatch(ctx, dest, msgs)
}

// Subscribe delivers messages from queue to handler while Consume runs
func (c *Client) Subscribe(ctx context.Context, queue contracts.Queue, handler contracts.DeliveryHandler) error {
	return c.retryable.Subscribe(ctx, queue, handler)
}

// Consume dispatches deliveries and confirms until timeout elapses
func (c *Client) Consume(ctx context.Context, timeout time.Duration) error {
	return c.session.Consume(ctx, timeout)
}

// NewPipeline creates a transform pipeline on the client's session
func (c *Client) NewPipeline(bufferSize int, idleTimeout time.Duration, options ...messaging.PipelineOption) *messaging.Pipeline {
	options = append([]messaging.PipelineOption{messaging.WithPipelineLogger(c.logger)}, options...)
	return messaging.NewPipeline(c.session, bufferSize, idleTimeout, options...)
}

// PipelineFromConfig declares the pipeline topology and wires t between the
// configured input and output
func (c *Client) PipelineFromConfig(ctx context.Context, cfg config.PipelineConfig, t messaging.Transformer) (*messaging.Pipeline, error) {
	in, out, bound, err := cfg.Destinations()
	if err != nil {
		return nil, err
	}

	if err := c.retryable.DeclareTopology(ctx, messaging.PipelineTopology(in, out, bound...)); err != nil {
		return nil, err
	}

	pipeline := c.NewPipeline(cfg.BufferSize, cfg.IdleTimeout, messaging.WithConfirmTimeout(cfg.ConfirmTimeout))
	if err := pipeline.Add(ctx, in, out, t); err != nil {
		return nil, err
	}

	c.logger.Info("pipeline ready",
		"in", in.Name(),
		"out", out.Name(),
		"bufferSize", cfg.BufferSize,
		"idleTimeout", cfg.IdleTimeout)

	return pipeline, nil
}

// Close closes the session and the connection
func (c *Client) Close() error {
	return c.session.Close()
}

// clientConfig holds client configuration
type clientConfig struct {
	logger            *slog.Logger
	sessionOptions    []messaging.SessionOption
	connectionOptions []rabbitmq.ConnectionOption
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithSessionOptions passes options to the session
func WithSessionOptions(opts ...messaging.SessionOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.sessionOptions = append(cfg.sessionOptions, opts...)
	}
}

// WithConnectionOptions passes options to the RabbitMQ connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionOptions = append(cfg.connectionOptions, opts...)
	}
}
