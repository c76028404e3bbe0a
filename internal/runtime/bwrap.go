package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/firefly-engineering/warden/internal/logging"
)

// BwrapRuntime runs the agent as a host process inside a bubblewrap
// namespace. The sandbox sees only the system paths, read-only, and the
// launch mounts at their targets.
type BwrapRuntime struct {
	// Binary is the bwrap executable.
	Binary string

	// SystemPaths are bound read-only at their host paths. Paths missing
	// on the host are skipped.
	SystemPaths []string
}

// NewBwrapRuntime returns a BwrapRuntime using the first bwrap found.
func NewBwrapRuntime(systemPaths []string) (*BwrapRuntime, error) {
	path, err := BwrapPath()
	if err != nil {
		return nil, err
	}
	return &BwrapRuntime{Binary: path, SystemPaths: systemPaths}, nil
}

// BwrapPath locates bwrap in the standard locations, then in PATH.
func BwrapPath() (string, error) {
	for _, path := range []string{"/usr/bin/bwrap", "/usr/local/bin/bwrap", "/bin/bwrap"} {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	if path, err := exec.LookPath("bwrap"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("bwrap not found")
}

// Name returns the runtime identifier
func (r *BwrapRuntime) Name() string {
	return "bwrap"
}

// Ping checks that bwrap is still executable.
func (r *BwrapRuntime) Ping(ctx context.Context) error {
	if _, err := os.Stat(r.Binary); err != nil {
		return fmt.Errorf("bwrap unavailable: %w", err)
	}
	return nil
}

// Args builds the bwrap argv for a launch. Environment values never
// appear here: bwrap hands its own environment, which is exactly the
// launch environment, to the sandboxed command.
func (r *BwrapRuntime) Args(spec LaunchSpec) []string {
	args := []string{
		"--unshare-all", "--share-net",
		"--die-with-parent",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
	}
	for _, p := range r.SystemPaths {
		fi, err := os.Lstat(p)
		if err != nil {
			continue
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			if target, err := os.Readlink(p); err == nil {
				args = append(args, "--symlink", target, p)
			}
			continue
		}
		args = append(args, "--ro-bind", p, p)
	}
	for _, m := range spec.Mounts {
		flag := "--bind"
		if m.ReadOnly {
			flag = "--ro-bind"
		}
		args = append(args, flag, m.Source, m.Target)
	}
	if spec.WorkDir != "" {
		args = append(args, "--chdir", spec.WorkDir)
	}
	args = append(args, "--")
	return append(args, spec.Command...)
}

// Start launches bwrap in its own process group. bwrap is not given
// --new-session so that signals to the group reach the agent.
func (r *BwrapRuntime) Start(ctx context.Context, spec LaunchSpec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("empty sandbox command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(r.Binary, r.Args(spec)...)
	env := spec.EnvList()
	if _, ok := spec.Env["PATH"]; !ok {
		env = append(env, "PATH="+DefaultPath)
	}
	cmd.Env = env
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logging.Debug("starting bwrap sandbox", "name", spec.Name, "group", spec.GroupID, "command", spec.Command[0])
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", filepath.Base(r.Binary), err)
	}
	return newHostProcess(cmd), nil
}
