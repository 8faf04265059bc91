package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/rabbitlink/internal/actor"
)

// StatusSource reports on a supervised connection actor
type StatusSource interface {
	Status() actor.Status
}

// ConnectionChecker reports whether the broker connection is open
type ConnectionChecker struct {
	source StatusSource
}

func NewConnectionChecker(source StatusSource) *ConnectionChecker {
	return &ConnectionChecker{source: source}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	st := c.source.Status()
	result.Details["reconnects"] = st.Reconnects

	switch {
	case st.ConnectionError != nil:
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
		result.Error = st.ConnectionError.Error()
	case st.State != actor.StateRunning:
		result.Status = StatusUnhealthy
		result.Message = "No open connection"
	default:
		result.Status = StatusHealthy
		result.Message = "Connection is open"
	}

	result.Duration = time.Since(start)
	return result
}

// ActorChecker reports the actor lifecycle state
type ActorChecker struct {
	source StatusSource
}

func NewActorChecker(source StatusSource) *ActorChecker {
	return &ActorChecker{source: source}
}

func (c *ActorChecker) Name() string {
	return "actor"
}

func (c *ActorChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	st := c.source.Status()
	result.Details["state"] = st.State.String()
	result.Details["active_subscriptions"] = st.ActiveSubscriptions
	if st.LastError != nil {
		result.Details["last_error"] = st.LastError.Error()
	}

	switch st.State {
	case actor.StateRunning:
		result.Status = StatusHealthy
		result.Message = "Actor is running"
	case actor.StateStarting:
		result.Status = StatusDegraded
		result.Message = "Actor is starting"
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Actor is %s", st.State)
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker flags runaway goroutine counts
type RuntimeChecker struct {
	degradedAt  int
	unhealthyAt int
}

// NewRuntimeChecker creates a checker that degrades above degradedAt
// goroutines and fails above unhealthyAt
func NewRuntimeChecker(degradedAt, unhealthyAt int) *RuntimeChecker {
	return &RuntimeChecker{degradedAt: degradedAt, unhealthyAt: unhealthyAt}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["goroutines"] = goroutines
	result.Details["heap_alloc_mb"] = float64(m.HeapAlloc) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC

	switch {
	case goroutines > c.unhealthyAt:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.degradedAt:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
