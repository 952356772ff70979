// Package health runs checks against a relay's broker session and pipeline.
//
// Checks share the relay's session, which is not safe for concurrent use, so
// the registry runs them one after another on the calling goroutine.
package health

import (
	"context"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// Report is the combined result of every registered check
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Registry holds the checks in registration order
type Registry struct {
	checkers []Checker
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a health checker. A checker with the same name is replaced.
func (r *Registry) Register(checker Checker) {
	for i, c := range r.checkers {
		if c.Name() == checker.Name() {
			r.checkers[i] = checker
			return
		}
	}
	r.checkers = append(r.checkers, checker)
}

// Check runs every checker. Checks not started before ctx ends are reported
// unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()
	report := Report{
		Status: StatusHealthy,
		Checks: make(map[string]CheckResult, len(r.checkers)),
	}

	for _, checker := range r.checkers {
		var result CheckResult
		if err := ctx.Err(); err != nil {
			result = CheckResult{
				Name:      checker.Name(),
				Status:    StatusUnhealthy,
				Message:   "Check timed out",
				Timestamp: time.Now(),
				Error:     err.Error(),
			}
		} else {
			result = checker.Check(ctx)
		}

		report.Checks[checker.Name()] = result
		report.Status = worse(report.Status, result.Status)
	}

	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	return report
}

func worse(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusHealthy:
			return 0
		case StatusDegraded:
			return 1
		default:
			return 2
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
