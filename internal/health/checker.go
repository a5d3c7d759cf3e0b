// Package health reports relay readiness: database reachability and worker pool headroom.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tokligence/tokligence-relay/internal/workerpool"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component represents a system component that can be health-checked.
type Component struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // database, pool
	Critical bool   `json:"critical"`
	CheckResult
}

// Pinger is satisfied by the session store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStatser is satisfied by *workerpool.Pool.
type PoolStatser interface {
	Stats() workerpool.Stats
}

// Config holds health checker configuration.
type Config struct {
	Database Pinger
	Pool     PoolStatser

	DBTimeout          time.Duration
	MaxDatabaseLatency time.Duration
}

// Checker performs health checks on relay components.
type Checker struct {
	database Pinger
	pool     PoolStatser

	dbTimeout          time.Duration
	maxDatabaseLatency time.Duration

	mu   sync.RWMutex
	last HealthStatus
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.DBTimeout == 0 {
		cfg.DBTimeout = 2 * time.Second
	}
	if cfg.MaxDatabaseLatency == 0 {
		cfg.MaxDatabaseLatency = 100 * time.Millisecond
	}
	return &Checker{
		database:           cfg.Database,
		pool:               cfg.Pool,
		dbTimeout:          cfg.DBTimeout,
		maxDatabaseLatency: cfg.MaxDatabaseLatency,
	}
}

// Check runs every configured check and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	components := make([]Component, 0, 2)
	if c.database != nil {
		components = append(components, c.checkDatabase(ctx))
	}
	if c.pool != nil {
		components = append(components, c.checkPool())
	}
	status := overall(components)
	c.mu.Lock()
	c.last = status
	c.mu.Unlock()
	return status
}

func (c *Checker) checkDatabase(ctx context.Context) Component {
	comp := Component{Name: "database", Type: "database", Critical: true}
	comp.Timestamp = time.Now()

	dbCtx, cancel := context.WithTimeout(ctx, c.dbTimeout)
	defer cancel()
	start := time.Now()
	err := c.database.Ping(dbCtx)
	comp.Latency = time.Since(start)

	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Database unreachable"
	case comp.Latency > c.maxDatabaseLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

func (c *Checker) checkPool() Component {
	comp := Component{Name: "worker_pool", Type: "pool", Critical: true}
	comp.Timestamp = time.Now()
	st := c.pool.Stats()
	switch {
	case st.Closed:
		comp.Status = StatusUnhealthy
		comp.Message = "Pool shut down"
	case st.Capacity > 0 && st.Queued >= st.Capacity:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("Queue full (%d/%d), %d/%d workers busy", st.Queued, st.Capacity, st.Active, st.Workers)
	default:
		comp.Status = StatusHealthy
		comp.Message = fmt.Sprintf("%d/%d workers busy, %d queued", st.Active, st.Workers, st.Queued)
	}
	return comp
}

// overall folds component statuses: any unhealthy critical component makes the
// relay unhealthy, anything else short of healthy degrades it.
func overall(components []Component) HealthStatus {
	result := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if comp.Critical {
				result = StatusUnhealthy
			} else if result == StatusHealthy {
				result = StatusDegraded
			}
		case StatusDegraded:
			if result == StatusHealthy {
				result = StatusDegraded
			}
		}
	}
	return HealthStatus{Status: result, Timestamp: time.Now(), Components: components}
}

// HealthStatus represents the overall health of the relay.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// GetLastStatus returns the last health check result.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last.Timestamp.IsZero() {
		return HealthStatus{Status: StatusHealthy, Timestamp: time.Now()}
	}
	return c.last
}
