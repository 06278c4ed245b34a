package connector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-connector/config"
)

// Retry delays reported by the Resolver.
const (
	FirstRetryAfter = 60 * time.Second
	RetryAfter      = 30 * time.Second
)

// Supervisor periodically checks every manager's connection.
type Supervisor struct {
	c        *Connector
	interval time.Duration
	logger   *slog.Logger
}

func newSupervisor(c *Connector, interval time.Duration) *Supervisor {
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	if interval < config.MinPollInterval {
		interval = config.MinPollInterval
	}
	return &Supervisor{c: c, interval: interval, logger: c.logger.With("component", "supervisor")}
}

// Interval returns the effective poll interval.
func (s *Supervisor) Interval() time.Duration {
	return s.interval
}

// Run polls until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("connection supervisor started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("connection supervisor stopped")
			return nil
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

func (s *Supervisor) check(ctx context.Context) {
	for _, m := range s.c.Managers() {
		if err := m.CheckConnection(ctx); err != nil {
			s.logger.Warn("connection check failed", "manager", m.Name(), "error", err)
		}
	}
}

// Resolution is the outcome of one Resolver attempt.
type Resolution struct {
	Resolved bool
	// RetryAfter is set when the manager is still down.
	RetryAfter time.Duration
	Err        error
}

// Resolver reconnects failed managers on demand from health checks.
type Resolver struct {
	c      *Connector
	logger *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
}

func newResolver(c *Connector) *Resolver {
	return &Resolver{
		c:        c,
		logger:   c.logger.With("component", "resolver"),
		attempts: make(map[string]int),
	}
}

// Resolve attempts a full reconnect of the named manager.
func (r *Resolver) Resolve(ctx context.Context, manager string) Resolution {
	m, err := r.c.Manager(manager)
	if err != nil {
		return Resolution{Err: err}
	}
	if m.Connected() {
		r.reset(manager)
		return Resolution{Resolved: true}
	}

	if err := m.Reconnect(ctx); err != nil || !m.Connected() {
		if err == nil {
			err = ErrNotConnected
		}
		retry := r.failed(manager)
		r.logger.Warn("reconnect failed", "manager", manager, "retry_after", retry, "error", err)
		return Resolution{RetryAfter: retry, Err: err}
	}
	r.reset(manager)
	r.logger.Info("manager reconnected", "manager", manager)
	return Resolution{Resolved: true}
}

func (r *Resolver) failed(manager string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[manager]++
	if r.attempts[manager] == 1 {
		return FirstRetryAfter
	}
	return RetryAfter
}

func (r *Resolver) reset(manager string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, manager)
}
