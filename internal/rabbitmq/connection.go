package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens an AMQP connection. Replaced in tests.
type Dialer func(url string, config amqp.Config) (*amqp.Connection, error)

// ConnectionManager owns the AMQP connection. Reconnecting is an explicit,
// synchronous operation; there is no background reconnect loop.
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	dial           Dialer
	amqpConfig     amqp.Config
	dialTimeout    time.Duration
	reconnectDelay time.Duration
	maxAttempts    int
	logger         *slog.Logger
	isConnected    bool
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base delay between reconnect dial attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets how many dial attempts a single Reconnect makes
func WithMaxRetries(attempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxAttempts = attempts
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.amqpConfig.Heartbeat = interval
	}
}

// WithDialer replaces amqp.DialConfig
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           amqp.DialConfig,
		dialTimeout:    30 * time.Second,
		reconnectDelay: 5 * time.Second,
		maxAttempts:    1,
		logger:         slog.Default(),
		amqpConfig: amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
			Properties: amqp.Table{
				"product": "mmate-relay",
			},
		},
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected && cm.conn != nil && !cm.conn.IsClosed() {
		return nil
	}

	conn, err := cm.dialOnce(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.conn = conn
	cm.isConnected = true
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))

	return nil
}

// Reconnect closes the current connection, ignoring close failures, and dials
// again. It makes up to maxAttempts dial attempts with exponential backoff.
func (cm *ConnectionManager) Reconnect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conn != nil {
		if err := cm.conn.Close(); err != nil {
			cm.logger.Debug("ignoring close error on abandoned connection", "error", err)
		}
	}
	cm.conn = nil
	cm.isConnected = false

	attempts := cm.maxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := reliability.NewExponentialBackoff(cm.reconnectDelay, 5*time.Minute, 2.0, attempts-1)
	backoff.Retryable = func(error) bool { return ctx.Err() == nil }
	startTime := time.Now()

	made := 0
	err := reliability.Retry(ctx, backoff, func(attempt int) error {
		made = attempt + 1
		cm.logger.Info("attempting to reconnect",
			"attempt", made,
			"maxAttempts", attempts)

		conn, err := cm.dialOnce(ctx)
		if err != nil {
			cm.logger.Error("reconnection failed",
				"error", err,
				"attempt", made)
			return err
		}

		cm.conn = conn
		return nil
	})
	if err == nil {
		cm.isConnected = true
		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", made,
			"duration", time.Since(startTime))
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return &ConnectionError{
		Op:        "reconnect",
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  made,
	}
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, &ConnectionError{Op: "get connection", URL: SanitizeURL(cm.url), Err: ErrConnectionNotReady, Timestamp: time.Now()}
	}

	if cm.conn.IsClosed() {
		return nil, &ConnectionError{Op: "get connection", URL: SanitizeURL(cm.url), Err: ErrConnectionClosed, Timestamp: time.Now()}
	}

	return cm.conn, nil
}

// OpenChannel opens a new AMQP channel on the current connection
func (cm *ConnectionManager) OpenChannel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.isConnected {
		return nil
	}
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}

	return nil
}

// dialOnce dials with the configured timeout. Must be called with mu held.
func (cm *ConnectionManager) dialOnce(ctx context.Context) (*amqp.Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := cm.dial(cm.url, cm.amqpConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, err
	case <-connCtx.Done():
		// Close a connection that arrives after we gave up on it
		go func() {
			select {
			case conn := <-connChan:
				conn.Close()
			case <-errChan:
			}
		}()
		return nil, ErrConnectionTimeout
	}
}
