// Package monitor periodically checks the orchestrator's infrastructure
// and publishes the resulting health state.
package monitor

import (
	"context"
	"time"

	"github.com/firefly-engineering/warden/internal/clock"
	"github.com/firefly-engineering/warden/internal/health"
	"github.com/firefly-engineering/warden/internal/logging"
)

// HealthCheck checks one infrastructure component.
type HealthCheck struct {
	Component string
	Check     func(ctx context.Context) error
}

// CheckResult holds the result of a single check.
type CheckResult struct {
	Component string
	Err       error
}

// Monitor runs health checks on an interval, feeds the health tracker and
// rewrites the status file read by `warden status`.
type Monitor struct {
	interval   time.Duration
	tracker    *health.Tracker
	checks     []HealthCheck
	statusFile string
	extra      func() map[string]any
	clock      clock.Clock
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithCheck adds a health check for component.
func WithCheck(component string, check func(ctx context.Context) error) Option {
	return func(m *Monitor) {
		m.checks = append(m.checks, HealthCheck{Component: component, Check: check})
	}
}

// WithStatusFile sets where the health snapshot is written after each round.
func WithStatusFile(path string) Option {
	return func(m *Monitor) {
		m.statusFile = path
	}
}

// WithExtra attaches extra fields, such as active sandboxes, to the
// snapshot.
func WithExtra(fn func() map[string]any) Option {
	return func(m *Monitor) {
		m.extra = fn
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		m.clock = c
	}
}

// New creates a new Monitor.
func New(interval time.Duration, tracker *health.Tracker, opts ...Option) *Monitor {
	m := &Monitor{
		interval: interval,
		tracker:  tracker,
		clock:    clock.Real(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts the monitoring loop. It blocks until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	logging.Debug("starting health monitor", "interval", m.interval, "checks", len(m.checks))

	// Run an immediate check, then loop on interval.
	m.CheckAll(ctx)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Debug("health monitor stopping")
			return ctx.Err()
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll runs every check once and writes the status file.
func (m *Monitor) CheckAll(ctx context.Context) []CheckResult {
	var results []CheckResult
	for _, p := range m.checks {
		if ctx.Err() != nil {
			break
		}

		pctx, cancel := context.WithTimeout(ctx, m.checkTimeout())
		err := p.Check(pctx)
		cancel()

		if err != nil {
			logging.Warn("health check failed", "component", p.Component, "error", err)
			m.tracker.Failure(p.Component, err)
		} else {
			m.tracker.Success(p.Component)
		}
		results = append(results, CheckResult{Component: p.Component, Err: err})
	}

	if m.statusFile != "" {
		snap := m.tracker.Snapshot()
		if m.extra != nil {
			snap.Extra = m.extra()
		}
		if err := health.WriteStatusFile(m.statusFile, snap); err != nil {
			logging.Warn("writing status file failed", "path", m.statusFile, "error", err)
		}
	}
	return results
}

func (m *Monitor) checkTimeout() time.Duration {
	if m.interval > 0 && m.interval < 10*time.Second {
		return m.interval
	}
	return 10 * time.Second
}
