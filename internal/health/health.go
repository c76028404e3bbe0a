package health

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/firefly-engineering/warden/internal/clock"
	"github.com/firefly-engineering/warden/internal/fsutil"
)

// Status represents the overall health of the orchestrator
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
)

// Infrastructure components whose repeated failure degrades the process.
const (
	ComponentStore   = "store"
	ComponentRuntime = "runtime"
	ComponentIPC     = "ipc"
)

// Reporter receives infrastructure outcomes from components.
type Reporter interface {
	Failure(component string, err error)
	Success(component string)
}

// Nop is a Reporter that discards everything.
type Nop struct{}

func (Nop) Failure(string, error) {}
func (Nop) Success(string)        {}

// ComponentState is the failure history of one component.
type ComponentState struct {
	Name                string    `json:"name"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Degraded            bool      `json:"degraded"`
	LastError           string    `json:"lastError,omitempty"`
	LastFailure         time.Time `json:"lastFailure,omitempty"`
	LastSuccess         time.Time `json:"lastSuccess,omitempty"`
}

// Snapshot is the externally visible health state.
type Snapshot struct {
	Status     Status           `json:"status"`
	UpdatedAt  time.Time        `json:"updatedAt"`
	Components []ComponentState `json:"components"`
	Extra      map[string]any   `json:"extra,omitempty"`
}

// Tracker escalates repeated infrastructure failures to a degraded state.
// A component is degraded after threshold consecutive failures and
// recovers on its next success.
type Tracker struct {
	mu         sync.Mutex
	threshold  int
	components map[string]*ComponentState
	clock      clock.Clock
	onChange   func(component string, degraded bool)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// OnChange registers a callback for degraded/recovered transitions.
// It runs without the tracker's lock held.
func OnChange(fn func(component string, degraded bool)) Option {
	return func(t *Tracker) { t.onChange = fn }
}

// NewTracker returns a Tracker that degrades after threshold failures.
func NewTracker(threshold int, opts ...Option) *Tracker {
	if threshold < 1 {
		threshold = 1
	}
	t := &Tracker{
		threshold:  threshold,
		components: make(map[string]*ComponentState),
		clock:      clock.Real(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) stateLocked(component string) *ComponentState {
	s, ok := t.components[component]
	if !ok {
		s = &ComponentState{Name: component}
		t.components[component] = s
	}
	return s
}

// Failure records one failed infrastructure call.
func (t *Tracker) Failure(component string, err error) {
	t.mu.Lock()
	s := t.stateLocked(component)
	s.ConsecutiveFailures++
	s.LastFailure = t.clock.Now()
	if err != nil {
		s.LastError = err.Error()
	}
	changed := !s.Degraded && s.ConsecutiveFailures >= t.threshold
	if changed {
		s.Degraded = true
	}
	fn := t.onChange
	t.mu.Unlock()

	if changed && fn != nil {
		fn(component, true)
	}
}

// Success records one successful infrastructure call.
func (t *Tracker) Success(component string) {
	t.mu.Lock()
	s := t.stateLocked(component)
	s.ConsecutiveFailures = 0
	s.LastSuccess = t.clock.Now()
	changed := s.Degraded
	s.Degraded = false
	fn := t.onChange
	t.mu.Unlock()

	if changed && fn != nil {
		fn(component, false)
	}
}

// Degraded reports whether any component is degraded.
func (t *Tracker) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.components {
		if s.Degraded {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{Status: StatusHealthy, UpdatedAt: t.clock.Now()}
	for _, s := range t.components {
		snap.Components = append(snap.Components, *s)
		if s.Degraded {
			snap.Status = StatusDegraded
		}
	}
	sort.Slice(snap.Components, func(i, j int) bool {
		return snap.Components[i].Name < snap.Components[j].Name
	})
	return snap
}

// WriteStatusFile atomically replaces the status file with snap.
func WriteStatusFile(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data, 0644)
}

// ReadStatusFile loads a status file written by WriteStatusFile.
func ReadStatusFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse status file: %w", err)
	}
	return &snap, nil
}

// FormatDuration renders d the way the status command shows ages.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
