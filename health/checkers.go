package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/glimte/mmate-connector/connector"
)

// ManagerChecker checks one manager's broker connection. When a Resolver is
// set, a disconnected manager is reconnected as part of the check.
type ManagerChecker struct {
	manager  *connector.Manager
	resolver *connector.Resolver
	logger   *slog.Logger
}

// NewManagerChecker creates a new manager health checker. resolver may be
// nil for a passive check.
func NewManagerChecker(manager *connector.Manager, resolver *connector.Resolver, logger *slog.Logger) *ManagerChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManagerChecker{
		manager:  manager,
		resolver: resolver,
		logger:   logger,
	}
}

func (c *ManagerChecker) Name() string {
	return "manager_" + c.manager.Name()
}

func (c *ManagerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}
	result.Details["state"] = c.manager.State().String()
	result.Details["initialized"] = c.manager.Initialized()

	if err := c.manager.Err(); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Manager has a configuration error"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	if !c.manager.Connected() && c.resolver != nil {
		res := c.resolver.Resolve(ctx, c.manager.Name())
		if !res.Resolved {
			result.Status = StatusUnhealthy
			result.Message = "Reconnect failed"
			result.RetryAfter = res.RetryAfter
			if res.Err != nil {
				result.Error = res.Err.Error()
			}
			result.Details["retry_after_s"] = res.RetryAfter.Seconds()
			result.Duration = time.Since(start)
			return result
		}
		result.Details["resolved"] = true
	}

	if !c.manager.Connected() {
		result.Status = StatusUnhealthy
		result.Message = "Not connected"
		result.Duration = time.Since(start)
		return result
	}

	idle := 0
	endpoints := c.manager.Endpoints()
	for _, ep := range endpoints {
		for _, l := range ep.Listeners() {
			if !l.Consuming() {
				idle++
			}
		}
	}
	result.Details["endpoints"] = len(endpoints)
	result.Details["idle_listeners"] = idle

	if idle > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d listeners are not consuming", idle)
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// RegisterManagers registers a ManagerChecker for every manager of c.
func RegisterManagers(r *Registry, c *connector.Connector, resolve bool, logger *slog.Logger) {
	var resolver *connector.Resolver
	if resolve {
		resolver = c.Resolver()
	}
	for _, m := range c.Managers() {
		r.Register(NewManagerChecker(m, resolver, logger))
	}
}

// MemoryChecker checks the goroutine count
type MemoryChecker struct {
	warningGoroutines  int
	criticalGoroutines int
}

// NewMemoryChecker creates a new memory checker
func NewMemoryChecker(warningGoroutines, criticalGoroutines int) *MemoryChecker {
	return &MemoryChecker{
		warningGoroutines:  warningGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Memory usage is normal"
	}

	result.Duration = time.Since(start)
	return result
}
