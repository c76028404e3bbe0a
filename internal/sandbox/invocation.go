package sandbox

import (
	"sort"
	"sync"
	"time"

	"github.com/firefly-engineering/warden/internal/runtime"
)

// Status is the lifecycle state of an invocation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// Invocation is one sandbox run. The record outlives its process.
type Invocation struct {
	ID         string
	GroupID    string
	SessionID  string
	MountSet   []string
	SecretKeys []string

	mu        sync.Mutex
	status    Status
	startedAt time.Time
	endedAt   time.Time
	exitCode  int
	lastError string

	proc    runtime.Process
	exited  chan struct{}
	cleanup func()
}

func newInvocation(id, group, session string, mounts []runtime.Mount, secretKeys []string) *Invocation {
	set := make([]string, 0, len(mounts))
	for _, m := range mounts {
		set = append(set, m.String())
	}
	sort.Strings(set)
	return &Invocation{
		ID:         id,
		GroupID:    group,
		SessionID:  session,
		MountSet:   set,
		SecretKeys: secretKeys,
		status:     StatusPending,
		exited:     make(chan struct{}),
		cleanup:    func() {},
	}
}

// Status returns the current state.
func (inv *Invocation) Status() Status {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.status
}

// StartedAt returns when the process started.
func (inv *Invocation) StartedAt() time.Time {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.startedAt
}

// EndedAt returns when the invocation reached a terminal state, or zero.
func (inv *Invocation) EndedAt() time.Time {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.endedAt
}

// LastError returns the last error the sandbox reported.
func (inv *Invocation) LastError() string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.lastError
}

// Exited is closed when the sandbox process is gone.
func (inv *Invocation) Exited() <-chan struct{} {
	return inv.exited
}

func (inv *Invocation) setRunning(proc runtime.Process, at time.Time) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.proc = proc
	inv.status = StatusRunning
	inv.startedAt = at
}

func (inv *Invocation) setLastError(msg string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.lastError = msg
}

// finish moves to a terminal state once; later calls are ignored.
func (inv *Invocation) finish(status Status, at time.Time) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.status.Terminal() {
		return false
	}
	inv.status = status
	inv.endedAt = at
	return true
}

// Result is the outcome of Await.
type Result struct {
	InvocationID string
	GroupID      string
	Status       Status
	ExitCode     int
	Duration     time.Duration

	// Err is nil only for StatusCompleted.
	Err error
}
