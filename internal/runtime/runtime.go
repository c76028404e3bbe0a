package runtime

import (
	"context"
	"io"
	"sort"
	"syscall"
)

// LaunchSpec describes one sandbox launch.
type LaunchSpec struct {
	// Name identifies the sandbox (container name, log field).
	Name    string
	GroupID string

	// Command is the agent argv.
	Command []string

	// Env is the complete environment the sandbox receives. Nothing from
	// the orchestrator's own environment is inherited.
	Env map[string]string

	// SecretKeys names the Env entries that hold secrets. Their values
	// never appear in any argv.
	SecretKeys []string

	Mounts  []Mount
	WorkDir string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// EnvKeys returns the environment variable names in sorted order.
func (s LaunchSpec) EnvKeys() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsSecret reports whether the Env entry key holds a secret.
func (s LaunchSpec) IsSecret(key string) bool {
	for _, k := range s.SecretKeys {
		if k == key {
			return true
		}
	}
	return false
}

// EnvList renders Env as KEY=VALUE pairs in sorted key order.
func (s LaunchSpec) EnvList() []string {
	keys := s.EnvKeys()
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

// Process is a running sandbox.
type Process interface {
	// Pid returns the host pid of the launched process.
	Pid() int

	// Wait blocks until the sandbox exits and returns its exit code.
	// A sandbox killed by a signal reports -1 with a nil error.
	Wait() (int, error)

	// Signal delivers sig to every process in the sandbox.
	Signal(sig syscall.Signal) error
}

// Runtime is the interface that sandbox backends must implement.
// All methods should be safe for concurrent use.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "process", "docker")
	Name() string

	// Start launches a sandbox. It returns once the process exists.
	Start(ctx context.Context, spec LaunchSpec) (Process, error)

	// Ping reports whether the backend is usable.
	Ping(ctx context.Context) error
}

// hostPaths is implemented by runtimes that do not remap mounts.
type hostPaths interface {
	HostPaths() bool
}

// SandboxPath returns where a mount is visible from inside a sandbox
// started by rt.
func SandboxPath(rt Runtime, m Mount) string {
	if h, ok := rt.(hostPaths); ok && h.HostPaths() {
		return m.Source
	}
	return m.Target
}
