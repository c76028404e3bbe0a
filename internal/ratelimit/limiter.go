// Package ratelimit implements sliding-window admission control over user,
// group and global scopes.
package ratelimit

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/firefly-engineering/warden/internal/audit"
	"github.com/firefly-engineering/warden/internal/clock"
	"github.com/firefly-engineering/warden/internal/config"
	"github.com/firefly-engineering/warden/internal/health"
	"github.com/firefly-engineering/warden/internal/logging"
	"github.com/firefly-engineering/warden/internal/metrics"
	"github.com/firefly-engineering/warden/internal/store"
)

// Decision is the outcome of one check.
type Decision struct {
	Admitted bool
	// Denied is the first full scope; meaningful only when !Admitted.
	Denied ScopeKey
	// FailOpen is set when the store could not be consulted and the
	// message was admitted anyway.
	FailOpen bool
}

// NotifyUser reports whether the sender should get a visible rejection.
// Group and global denials are dropped silently so a flood does not
// turn into a flood of replies.
func (d Decision) NotifyUser() bool {
	return !d.Admitted && d.Denied.Kind == KindUser
}

// Limiter checks and records admissions against a store.
type Limiter struct {
	store   store.RateLimitStore
	config  func() config.RateLimitConfig
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Recorder
	health  health.Reporter
	audit   *audit.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(l *Limiter) { l.clock = c } }

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option { return func(l *Limiter) { l.log = log } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option { return func(l *Limiter) { l.metrics = m } }

// WithHealth reports store failures to r.
func WithHealth(r health.Reporter) Option { return func(l *Limiter) { l.health = r } }

// WithAudit records fail-open admissions.
func WithAudit(a *audit.Logger) Option { return func(l *Limiter) { l.audit = a } }

// New returns a Limiter. cfg is called on every check so a reloaded
// configuration applies to the next message.
func New(s store.RateLimitStore, cfg func() config.RateLimitConfig, opts ...Option) *Limiter {
	l := &Limiter{
		store:  s,
		config: cfg,
		clock:  clock.Real(),
		health: health.Nop{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = logging.Component(l.log, "ratelimit")
	return l
}

// windows orders keys user, group, global and attaches each limit.
func (l *Limiter) windows(keys []ScopeKey, cfg config.RateLimitConfig) ([]store.Window, []ScopeKey) {
	ordered := append([]ScopeKey(nil), keys...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Kind < ordered[j].Kind })

	windows := make([]store.Window, len(ordered))
	for i, k := range ordered {
		var lim config.Limit
		switch k.Kind {
		case KindUser:
			lim = cfg.User
		case KindGroup:
			lim = cfg.GroupLimit(k.ID)
		default:
			lim = cfg.Global
		}
		windows[i] = store.Window{Scope: k.String(), Limit: lim.MaxPerWindow, Length: lim.Window}
	}
	return windows, ordered
}

// CheckAndRecord admits the message only if every scope has room, and
// then records one event per scope. A denial records nothing. When the
// store fails the check fails open.
func (l *Limiter) CheckAndRecord(ctx context.Context, keys []ScopeKey) Decision {
	windows, ordered := l.windows(keys, l.config())

	idx, err := l.store.CheckAndRecord(ctx, windows, l.clock.Now())
	if err != nil {
		l.log.Warn("rate limit store unavailable, failing open", "error", err)
		l.health.Failure(health.ComponentStore, err)
		l.metrics.Admission(ctx, "fail_open", "")
		_ = l.audit.LogEvent(audit.EventFailOpen, groupOf(ordered), "", err.Error())
		return Decision{Admitted: true, FailOpen: true}
	}
	l.health.Success(health.ComponentStore)

	if idx == store.Admitted {
		l.metrics.Admission(ctx, "admitted", "")
		return Decision{Admitted: true}
	}

	denied := ordered[idx]
	l.log.Debug("admission denied", "scope", denied.String())
	l.metrics.Admission(ctx, "denied", denied.Kind.String())
	return Decision{Denied: denied}
}

func groupOf(keys []ScopeKey) string {
	for _, k := range keys {
		if k.Kind == KindGroup {
			return k.ID
		}
	}
	return ""
}

// Usage returns the current in-window count for key.
func (l *Limiter) Usage(ctx context.Context, key ScopeKey) (int, error) {
	windows, _ := l.windows([]ScopeKey{key}, l.config())
	return l.store.Count(ctx, key.String(), l.clock.Now().Add(-windows[0].Length))
}

// Sweep deletes events older than the retention horizon.
func (l *Limiter) Sweep(ctx context.Context) (int64, error) {
	cutoff := l.clock.Now().Add(-l.config().Retention)
	n, err := l.store.Sweep(ctx, cutoff)
	if err != nil {
		l.health.Failure(health.ComponentStore, err)
		return 0, err
	}
	l.health.Success(health.ComponentStore)
	if n > 0 {
		l.log.Debug("swept rate limit events", "removed", n, "cutoff", cutoff)
	}
	return n, nil
}

// RunSweeper sweeps on the configured interval until ctx is done.
func (l *Limiter) RunSweeper(ctx context.Context) error {
	interval := l.config().SweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := l.Sweep(ctx); err != nil {
				l.log.Warn("rate limit sweep failed", "error", err)
			}
		}
	}
}
