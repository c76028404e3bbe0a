// Package heartbeat keeps a rolling record of recent runs and activity
// counters and emits a periodic status summary.
package heartbeat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/firefly-engineering/warden/internal/clock"
	"github.com/firefly-engineering/warden/internal/health"
	"github.com/firefly-engineering/warden/internal/logging"
)

// Counter names used across the orchestrator.
const (
	CounterAdmitted    = "admitted"
	CounterDenied      = "denied"
	CounterFailOpen    = "fail_open"
	CounterQuarantined = "quarantined"
	CounterErrors      = "errors"
)

// Outcome is one finished sandbox run.
type Outcome struct {
	Kind     string // "message" or "job"
	GroupID  string
	Subject  string
	Status   string
	At       time.Time
	Duration time.Duration
	Err      string
}

// Summary is a point-in-time report.
type Summary struct {
	At       time.Time
	Since    time.Time
	Counters map[string]int64
	Recent   []Outcome
	Health   *health.Snapshot
}

// Emitter receives each summary.
type Emitter func(ctx context.Context, s Summary)

// Heartbeat aggregates outcomes and counters between summaries.
type Heartbeat struct {
	interval time.Duration
	capacity int
	clock    clock.Clock
	log      *slog.Logger
	health   func() health.Snapshot

	mu       sync.Mutex
	history  []Outcome
	head     int
	counters map[string]int64
	since    time.Time

	ctx     context.Context
	emit    Emitter
	timer   *clock.Timer
	gen     uint64
	stopped bool
}

// Option configures a Heartbeat.
type Option func(*Heartbeat)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(h *Heartbeat) { h.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(h *Heartbeat) { h.log = l } }

// WithHealth includes a health snapshot in every summary.
func WithHealth(fn func() health.Snapshot) Option { return func(h *Heartbeat) { h.health = fn } }

// New returns a Heartbeat keeping the last history outcomes.
func New(interval time.Duration, history int, opts ...Option) *Heartbeat {
	if history < 1 {
		history = 1
	}
	h := &Heartbeat{
		interval: interval,
		capacity: history,
		clock:    clock.Real(),
		counters: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logging.Component(h.log, "heartbeat")
	h.since = h.clock.Now()
	return h
}

// Record adds an outcome, evicting the oldest beyond capacity.
func (h *Heartbeat) Record(o Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if o.At.IsZero() {
		o.At = h.clock.Now()
	}
	if len(h.history) < h.capacity {
		h.history = append(h.history, o)
		return
	}
	h.history[h.head] = o
	h.head = (h.head + 1) % h.capacity
}

// Count adds one to a named counter.
func (h *Heartbeat) Count(name string) {
	h.Add(name, 1)
}

// Add adds n to a named counter.
func (h *Heartbeat) Add(name string, n int64) {
	h.mu.Lock()
	h.counters[name] += n
	h.mu.Unlock()
}

// Summary returns the current report without resetting counters.
func (h *Heartbeat) Summary() Summary {
	h.mu.Lock()
	s := h.summaryLocked()
	h.mu.Unlock()
	if h.health != nil {
		snap := h.health()
		s.Health = &snap
	}
	return s
}

func (h *Heartbeat) summaryLocked() Summary {
	s := Summary{
		At:       h.clock.Now(),
		Since:    h.since,
		Counters: make(map[string]int64, len(h.counters)),
		Recent:   make([]Outcome, 0, len(h.history)),
	}
	for k, v := range h.counters {
		s.Counters[k] = v
	}
	// oldest first
	s.Recent = append(s.Recent, h.history[h.head:]...)
	s.Recent = append(s.Recent, h.history[:h.head]...)
	return s
}

// Start schedules the first summary one interval from now. Summaries go
// to emit until ctx is done or Stop is called.
func (h *Heartbeat) Start(ctx context.Context, emit Emitter) {
	h.mu.Lock()
	h.ctx, h.emit, h.stopped = ctx, emit, false
	h.scheduleLocked(h.interval)
	h.mu.Unlock()

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			h.Stop()
		}()
	}
}

// Reset cancels the pending summary and schedules the next one a full
// interval from now.
func (h *Heartbeat) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.emit == nil || h.stopped {
		return
	}
	h.scheduleLocked(h.interval)
}

// Request emits a summary now in place of the pending one; the next
// follows a full interval later.
func (h *Heartbeat) Request() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.emit == nil || h.stopped {
		return
	}
	h.scheduleLocked(0)
}

// Stop cancels the pending summary.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

// scheduleLocked replaces the pending timer. The generation guards
// against a timer that already fired but has not yet taken the lock.
func (h *Heartbeat) scheduleLocked(d time.Duration) {
	if h.timer != nil {
		h.timer.Stop()
	}
	h.gen++
	gen := h.gen
	h.timer = h.clock.AfterFunc(d, func() { h.fire(gen) })
}

func (h *Heartbeat) fire(gen uint64) {
	h.mu.Lock()
	if h.stopped || gen != h.gen {
		h.mu.Unlock()
		return
	}
	s := h.summaryLocked()
	h.counters = make(map[string]int64)
	h.since = s.At
	ctx, emit := h.ctx, h.emit
	h.scheduleLocked(h.interval)
	h.mu.Unlock()

	if h.health != nil {
		snap := h.health()
		s.Health = &snap
	}
	h.log.Debug("heartbeat", "recent", len(s.Recent), "counters", len(s.Counters))
	emit(ctx, s)
}

// Render writes s as plain text suitable for a chat message.
func (s Summary) Render(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Status %s (since %s)\n", s.At.UTC().Format(time.RFC3339), s.Since.UTC().Format(time.RFC3339))

	if s.Health != nil {
		fmt.Fprintf(&b, "Health: %s\n", s.Health.Status)
		for _, c := range s.Health.Components {
			if c.ConsecutiveFailures == 0 {
				continue
			}
			fmt.Fprintf(&b, "  %s: %d consecutive failures (%s)\n", c.Name, c.ConsecutiveFailures, c.LastError)
		}
	}

	keys := make([]string, 0, len(s.Counters))
	for k := range s.Counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("Activity:")
	if len(keys) == 0 {
		b.WriteString(" none")
	}
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%d", k, s.Counters[k])
	}
	b.WriteString("\n")

	var failed int
	for _, o := range s.Recent {
		if o.Status != "completed" {
			failed++
		}
	}
	fmt.Fprintf(&b, "Recent runs: %d (%d not completed)\n", len(s.Recent), failed)
	for i := len(s.Recent) - 1; i >= 0; i-- {
		o := s.Recent[i]
		line := fmt.Sprintf("  %s %s %s/%s %s", o.At.UTC().Format("15:04:05"), o.Status, o.Kind, o.GroupID, health.FormatDuration(o.Duration))
		if o.Subject != "" {
			line += " " + o.Subject
		}
		if o.Err != "" {
			line += ": " + o.Err
		}
		b.WriteString(line + "\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// String renders s.
func (s Summary) String() string {
	var b strings.Builder
	_ = s.Render(&b)
	return b.String()
}
