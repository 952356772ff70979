package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-relay/messaging"
)

// ConnectionState reports whether a broker connection is open
type ConnectionState interface {
	IsConnected() bool
}

// ConnectionChecker checks the broker connection
type ConnectionChecker struct {
	conn ConnectionState
}

// NewConnectionChecker creates a connection checker
func NewConnectionChecker(conn ConnectionState) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
	}

	if c.conn.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "Connection is open"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
	}

	result.Duration = time.Since(start)
	return result
}

// SessionChecker checks that the session can open and configure a channel
type SessionChecker struct {
	session *messaging.Session
}

// NewSessionChecker creates a session checker
func NewSessionChecker(session *messaging.Session) *SessionChecker {
	return &SessionChecker{session: session}
}

func (c *SessionChecker) Name() string {
	return "session"
}

func (c *SessionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	ch, err := c.session.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Channel is ready"
	result.Duration = time.Since(start)
	result.Details["channel"] = ch.ID()
	result.Details["generation"] = c.session.Generation()
	result.Details["prefetch_count"] = c.session.PrefetchCount()
	result.Details["consuming"] = ch.IsConsuming()
	result.Details["tracked_confirms"] = c.session.Tracker().Tracked()

	return result
}

// PipelineChecker reports a pipeline as degraded while too many forwarded
// messages await their publish confirm
type PipelineChecker struct {
	name       string
	pipeline   *messaging.Pipeline
	maxPending int
}

// NewPipelineChecker creates a pipeline checker. A zero maxPending only
// reports the pending count.
func NewPipelineChecker(name string, pipeline *messaging.Pipeline, maxPending int) *PipelineChecker {
	return &PipelineChecker{name: name, pipeline: pipeline, maxPending: maxPending}
}

func (c *PipelineChecker) Name() string {
	return fmt.Sprintf("pipeline_%s", c.name)
}

func (c *PipelineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.pipeline.PendingCount()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Pipeline is healthy",
		Timestamp: start,
		Details: map[string]interface{}{
			"pending":      pending,
			"idle_timeout": c.pipeline.Subscriber().IdleTimeout().String(),
		},
	}

	if c.maxPending > 0 && pending > c.maxPending {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Pipeline has %d unconfirmed publishes", pending)
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.checker(ctx)

	result := CheckResult{
		Name:      c.Name(),
		Status:    status,
		Message:   message,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
