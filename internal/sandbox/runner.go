package sandbox

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/firefly-engineering/warden/internal/audit"
	"github.com/firefly-engineering/warden/internal/clock"
	"github.com/firefly-engineering/warden/internal/config"
	"github.com/firefly-engineering/warden/internal/errors"
	"github.com/firefly-engineering/warden/internal/health"
	"github.com/firefly-engineering/warden/internal/logging"
	"github.com/firefly-engineering/warden/internal/metrics"
	"github.com/firefly-engineering/warden/internal/runtime"
	"github.com/firefly-engineering/warden/internal/secrets"
)

// Environment variables every sandbox receives.
const (
	EnvGroupID      = "WARDEN_GROUP_ID"
	EnvSessionID    = "WARDEN_SESSION_ID"
	EnvInvocationID = "WARDEN_INVOCATION_ID"
	EnvWorkspace    = "WARDEN_WORKSPACE"
	EnvIPCDir       = "WARDEN_IPC_DIR"
	EnvChatID       = "WARDEN_CHAT_ID"
)

// Config holds the launch parameters shared by every invocation.
type Config struct {
	Command      []string
	Timeout      time.Duration
	GracePeriod  time.Duration
	SpawnRetries int
	EnvCeiling   int

	// RetryInitial is the first backoff interval between start attempts.
	RetryInitial time.Duration
}

// ConfigFrom converts the [sandbox] section.
func ConfigFrom(c config.SandboxConfig) (Config, error) {
	argv, err := runtime.SplitCommand(c.Command)
	if err != nil {
		return Config{}, errors.ConfigError("sandbox.command", err)
	}
	ceiling := c.EnvCeiling
	if ceiling <= 0 {
		ceiling = config.DefaultEnvCeiling
	}
	return Config{
		Command:      argv,
		Timeout:      c.Timeout,
		GracePeriod:  c.GracePeriod,
		SpawnRetries: c.SpawnRetries,
		EnvCeiling:   ceiling,
		RetryInitial: 200 * time.Millisecond,
	}, nil
}

// SpawnRequest describes one invocation.
type SpawnRequest struct {
	GroupID   string
	SessionID string

	// Mounts overrides the policy's standard mount set; it is still checked.
	Mounts []runtime.Mount

	SecretKeys []string
	Args       []string
	Env        map[string]string
	Prompt     string

	Stdout io.Writer
	Stderr io.Writer
}

// Runner launches and supervises sandboxes.
type Runner struct {
	rt          runtime.Runtime
	policy      runtime.MountPolicy
	cfg         Config
	provisioner *secrets.Provisioner
	launchEnv   func(groupID string) secrets.Set

	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Recorder
	health  health.Reporter
	audit   *audit.Logger

	mu          sync.Mutex
	invocations map[string]*Invocation
	queues      map[string]*groupQueue
	workers     sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithProvisioner resolves SpawnRequest.SecretKeys through p.
func WithProvisioner(p *secrets.Provisioner) Option {
	return func(r *Runner) { r.provisioner = p }
}

// WithLaunchEnv adds per-group orchestrator-issued secrets, such as the
// group's channel keys, to every launch.
func WithLaunchEnv(fn func(groupID string) secrets.Set) Option {
	return func(r *Runner) { r.launchEnv = fn }
}

// WithClock sets the time source for timeouts.
func WithClock(c clock.Clock) Option { return func(r *Runner) { r.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.log = l } }

// WithMetrics records sandbox outcomes.
func WithMetrics(m *metrics.Recorder) Option { return func(r *Runner) { r.metrics = m } }

// WithHealth reports runtime failures.
func WithHealth(h health.Reporter) Option { return func(r *Runner) { r.health = h } }

// WithAudit records starts and finishes.
func WithAudit(a *audit.Logger) Option { return func(r *Runner) { r.audit = a } }

// NewRunner returns a Runner.
func NewRunner(rt runtime.Runtime, policy runtime.MountPolicy, cfg Config, opts ...Option) *Runner {
	r := &Runner{
		rt:          rt,
		policy:      policy,
		cfg:         cfg,
		clock:       clock.Real(),
		health:      health.Nop{},
		invocations: make(map[string]*Invocation),
		queues:      make(map[string]*groupQueue),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.Component(r.log, "sandbox")
	return r
}

// Spawn starts one sandbox. The caller must Await it.
func (r *Runner) Spawn(ctx context.Context, req SpawnRequest) (*Invocation, error) {
	if err := config.ValidateGroupID(req.GroupID); err != nil {
		return nil, errors.ValidationError(err.Error())
	}

	mounts := req.Mounts
	if mounts == nil {
		if err := r.prepareDirs(req.GroupID); err != nil {
			return nil, err
		}
		var err error
		if mounts, err = r.policy.ForGroup(req.GroupID); err != nil {
			return nil, err
		}
	} else if err := r.policy.Check(req.GroupID, mounts); err != nil {
		return nil, err
	}

	set := secrets.Set{}
	if r.provisioner != nil {
		var err error
		if set, err = r.provisioner.Resolve(req.SecretKeys); err != nil {
			r.log.Warn("sandbox launch refused", "group", req.GroupID, "error", err)
			return nil, err
		}
	}

	id := uuid.NewString()
	session := req.SessionID
	if session == "" {
		session = id
	}
	inv := newInvocation(id, req.GroupID, session, mounts, set.Keys())

	spec, err := r.launchSpec(inv, req, mounts, set)
	if err != nil {
		return nil, err
	}

	proc, err := r.start(ctx, spec)
	if err != nil {
		inv.cleanup()
		inv.finish(StatusFailed, r.clock.Now())
		r.health.Failure(health.ComponentRuntime, err)
		r.logAudit(audit.EventSandboxFinished, inv, "spawn failed: "+err.Error())
		return nil, err
	}
	r.health.Success(health.ComponentRuntime)

	inv.setRunning(proc, r.clock.Now())
	r.mu.Lock()
	r.invocations[id] = inv
	r.mu.Unlock()
	go r.reap(inv)

	r.log.Info("sandbox started", "group", req.GroupID, "invocation", id, "pid", proc.Pid(), "secrets", set)
	r.metrics.SandboxStarted(ctx, req.GroupID)
	r.logAudit(audit.EventSandboxStarted, inv, "")
	return inv, nil
}

func (r *Runner) prepareDirs(group string) error {
	dirs := []func(string) (string, error){r.policy.Workspace}
	if r.policy.IPCRoot != "" {
		dirs = append(dirs, r.policy.GroupIPC)
	}
	for _, resolve := range dirs {
		dir, err := resolve(group)
		if err != nil {
			return errors.ValidationError(err.Error())
		}
		if err := os.MkdirAll(dir, 0o770); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (r *Runner) launchSpec(inv *Invocation, req SpawnRequest, mounts []runtime.Mount, set secrets.Set) (runtime.LaunchSpec, error) {
	env := map[string]string{
		EnvGroupID:      inv.GroupID,
		EnvSessionID:    inv.SessionID,
		EnvInvocationID: inv.ID,
	}
	for k, v := range req.Env {
		env[k] = v
	}

	spec := runtime.LaunchSpec{
		Name:    inv.GroupID + "-" + inv.ID[:8],
		GroupID: inv.GroupID,
		Command: append(append([]string(nil), r.cfg.Command...), req.Args...),
		Env:     env,
		Mounts:  mounts,
		Stdout:  req.Stdout,
		Stderr:  req.Stderr,
	}

	var hostIPC, sandboxIPC string
	for _, m := range mounts {
		switch m.Target {
		case runtime.WorkspaceTarget:
			spec.WorkDir = runtime.SandboxPath(r.rt, m)
			env[EnvWorkspace] = spec.WorkDir
			env["HOME"] = spec.WorkDir
		case runtime.IPCTargetFor(inv.GroupID):
			hostIPC, sandboxIPC = m.Source, runtime.SandboxPath(r.rt, m)
			env[EnvIPCDir] = sandboxIPC
		}
	}

	issued := secrets.Set{}
	if r.launchEnv != nil {
		issued = r.launchEnv(inv.GroupID)
	}
	spec = secrets.Inject(issued, spec)
	spec = secrets.Inject(set, spec)

	if req.Prompt != "" {
		if hostIPC == "" {
			return spec, errors.ValidationError("sandbox has no IPC mount to stage prompts in")
		}
		all := secrets.Set{}
		for k, v := range issued {
			all[k] = v
		}
		for k, v := range set {
			all[k] = v
		}
		stager := secrets.Stager{
			Ceiling:    r.cfg.EnvCeiling,
			HostDir:    filepath.Join(hostIPC, "prompts"),
			SandboxDir: path.Join(sandboxIPC, "prompts"),
		}
		var err error
		spec, inv.cleanup, err = stager.Attach(spec, inv.ID, req.Prompt, all)
		if err != nil {
			return spec, err
		}
	}
	return spec, nil
}

// start launches spec, retrying with exponential backoff.
func (r *Runner) start(ctx context.Context, spec runtime.LaunchSpec) (runtime.Process, error) {
	b := backoff.NewExponentialBackOff()
	if r.cfg.RetryInitial > 0 {
		b.InitialInterval = r.cfg.RetryInitial
	}

	proc, err := backoff.Retry(ctx, func() (runtime.Process, error) {
		p, err := r.rt.Start(ctx, spec)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return p, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.SpawnRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.log.Warn("sandbox start failed, retrying", "group", spec.GroupID, "in", next, "error", err)
		}),
	)
	if err != nil {
		return nil, errors.SandboxSpawnFailure(spec.GroupID, err)
	}
	return proc, nil
}

func (r *Runner) reap(inv *Invocation) {
	code, err := inv.proc.Wait()
	inv.mu.Lock()
	inv.exitCode = code
	if err != nil && inv.lastError == "" {
		inv.lastError = err.Error()
	}
	inv.mu.Unlock()
	close(inv.exited)
}

// Await waits at most timeout for inv to exit. On timeout the sandbox is
// marked TimedOut and terminated. A zero timeout uses the configured one.
func (r *Runner) Await(ctx context.Context, inv *Invocation, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}

	select {
	case <-inv.exited:
	case <-r.clock.After(timeout):
		r.log.Warn("sandbox timed out", "group", inv.GroupID, "invocation", inv.ID, "timeout", timeout)
		inv.finish(StatusTimedOut, r.clock.Now())
		if err := r.Terminate(inv); err != nil {
			r.log.Error("sandbox termination failed", "invocation", inv.ID, "error", err)
		}
		return r.complete(ctx, inv, StatusTimedOut, errors.SandboxTimeout(inv.ID, timeout.Milliseconds()))
	case <-ctx.Done():
		inv.finish(StatusFailed, r.clock.Now())
		if err := r.Terminate(inv); err != nil {
			r.log.Error("sandbox termination failed", "invocation", inv.ID, "error", err)
		}
		return r.complete(ctx, inv, StatusFailed, errors.SandboxFailed(inv.ID, ctx.Err()))
	}

	inv.mu.Lock()
	code, msg := inv.exitCode, inv.lastError
	inv.mu.Unlock()
	if code == 0 {
		return r.complete(ctx, inv, StatusCompleted, nil)
	}
	if msg == "" {
		msg = fmt.Sprintf("sandbox exited with code %d", code)
	}
	return r.complete(ctx, inv, StatusFailed, errors.SandboxFailed(inv.ID, stderrors.New(msg)))
}

// Terminate sends SIGTERM to the sandbox, then SIGKILL if it is still
// alive after the grace period. It returns once the process is gone or a
// second grace period has passed.
func (r *Runner) Terminate(inv *Invocation) error {
	inv.mu.Lock()
	proc := inv.proc
	inv.mu.Unlock()
	if proc == nil {
		return nil
	}

	select {
	case <-inv.exited:
		return nil
	default:
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		r.log.Debug("SIGTERM failed", "invocation", inv.ID, "error", err)
	}
	select {
	case <-inv.exited:
		return nil
	case <-r.clock.After(r.cfg.GracePeriod):
	}

	r.log.Warn("sandbox ignored SIGTERM, killing", "invocation", inv.ID)
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill sandbox %s: %w", inv.ID, err)
	}
	select {
	case <-inv.exited:
		return nil
	case <-r.clock.After(r.cfg.GracePeriod):
		return fmt.Errorf("sandbox %s still running after SIGKILL", inv.ID)
	}
}

func (r *Runner) complete(ctx context.Context, inv *Invocation, status Status, err error) Result {
	if !inv.finish(status, r.clock.Now()) {
		status = inv.Status()
	}
	inv.cleanup()

	r.mu.Lock()
	delete(r.invocations, inv.ID)
	r.mu.Unlock()

	inv.mu.Lock()
	res := Result{
		InvocationID: inv.ID,
		GroupID:      inv.GroupID,
		Status:       status,
		ExitCode:     inv.exitCode,
		Duration:     inv.endedAt.Sub(inv.startedAt),
		Err:          err,
	}
	inv.mu.Unlock()

	r.metrics.SandboxFinished(ctx, inv.GroupID, string(status), res.Duration)
	detail := string(status)
	if err != nil {
		detail += ": " + err.Error()
	}
	r.logAudit(audit.EventSandboxFinished, inv, detail)
	r.log.Info("sandbox finished", "group", inv.GroupID, "invocation", inv.ID, "status", status, "duration", res.Duration)
	return res
}

func (r *Runner) logAudit(t audit.EventType, inv *Invocation, details string) {
	if err := r.audit.LogEvent(t, inv.GroupID, inv.ID, details); err != nil {
		r.log.Warn("audit write failed", "error", err)
	}
}

// ReportError records the last error a sandbox of group reported over
// IPC. It returns false when the invocation is not running or belongs to
// another group.
func (r *Runner) ReportError(group, invocationID, msg string) bool {
	r.mu.Lock()
	inv, ok := r.invocations[invocationID]
	r.mu.Unlock()
	if !ok || inv.GroupID != group {
		return false
	}
	inv.setLastError(msg)
	return true
}

// Active returns the running invocations ordered by start time.
func (r *Runner) Active() []*Invocation {
	r.mu.Lock()
	out := make([]*Invocation, 0, len(r.invocations))
	for _, inv := range r.invocations {
		out = append(out, inv)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt().Before(out[j].StartedAt()) })
	return out
}

// Ping checks the runtime and reports to health.
func (r *Runner) Ping(ctx context.Context) error {
	return r.rt.Ping(ctx)
}
