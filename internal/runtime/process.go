package runtime

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/firefly-engineering/warden/internal/logging"
)

// DefaultPath is the PATH given to sandboxes that do not set one.
const DefaultPath = "/usr/local/bin:/usr/bin:/bin"

// ProcessRuntime runs the agent as a host process.
type ProcessRuntime struct {
	// Binary is the agent executable Ping looks up; empty skips the lookup.
	Binary string
}

// NewProcessRuntime returns a ProcessRuntime whose Ping looks up binary.
func NewProcessRuntime(binary string) *ProcessRuntime {
	return &ProcessRuntime{Binary: binary}
}

// Name returns the runtime identifier
func (r *ProcessRuntime) Name() string {
	return "process"
}

// HostPaths reports that sandboxes see mounts at their host paths.
func (r *ProcessRuntime) HostPaths() bool {
	return true
}

// Ping checks that the agent binary can be found.
func (r *ProcessRuntime) Ping(ctx context.Context) error {
	if r.Binary == "" {
		return nil
	}
	if _, err := exec.LookPath(r.Binary); err != nil {
		return fmt.Errorf("agent binary %s not found: %w", r.Binary, err)
	}
	return nil
}

// Start launches the command in its own process group.
func (r *ProcessRuntime) Start(ctx context.Context, spec LaunchSpec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("empty sandbox command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Not CommandContext: the caller owns the timeout and escalates
	// through Signal so the whole group is reached.
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)

	// An empty Env would inherit the orchestrator's environment.
	env := spec.EnvList()
	if _, ok := spec.Env["PATH"]; !ok {
		env = append(env, "PATH="+DefaultPath)
	}
	cmd.Env = env
	cmd.Dir = spec.WorkDir
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logging.Debug("starting sandbox process", "name", spec.Name, "group", spec.GroupID, "command", spec.Command[0])
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command[0], err)
	}
	return newHostProcess(cmd), nil
}

// hostProcess wraps a started exec.Cmd whose pid is also its pgid.
type hostProcess struct {
	cmd  *exec.Cmd
	once sync.Once
	done chan struct{}
	code int
	err  error
}

func newHostProcess(cmd *exec.Cmd) *hostProcess {
	p := &hostProcess{cmd: cmd, done: make(chan struct{})}
	go p.once.Do(p.wait)
	return p
}

func (p *hostProcess) wait() {
	p.code, p.err = exitCode(p.cmd.Wait())
	close(p.done)
}

func (p *hostProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *hostProcess) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}

func (p *hostProcess) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := unix.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// exitCode maps a Wait error to an exit code.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return -1, nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
