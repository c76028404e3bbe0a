package runtime

import (
	"fmt"
	"os/exec"

	"github.com/kballard/go-shellquote"

	"github.com/firefly-engineering/warden/internal/config"
	"github.com/firefly-engineering/warden/internal/logging"
)

// RuntimeType identifies which sandbox runtime to use
type RuntimeType string

const (
	RuntimeBwrap   RuntimeType = "bwrap"
	RuntimeDocker  RuntimeType = "docker"
	RuntimeProcess RuntimeType = "process"
)

// ContainerPrefix is prepended to sandbox names for container runtimes.
const ContainerPrefix = "warden-"

// SplitCommand parses the configured, shell-quoted agent command.
func SplitCommand(command string) ([]string, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse sandbox command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("sandbox command is empty")
	}
	return argv, nil
}

// New creates the Runtime selected by the sandbox configuration.
func New(cfg config.SandboxConfig) (Runtime, error) {
	logging.Debug("creating runtime", "type", cfg.Runtime)

	switch RuntimeType(cfg.Runtime) {
	case RuntimeBwrap:
		return NewBwrapRuntime(cfg.SystemPaths)

	case RuntimeProcess:
		if !cfg.AllowUnisolated {
			return nil, fmt.Errorf("the process runtime requires sandbox.allow_unisolated")
		}
		logging.Warn("process runtime shares the host filesystem with sandboxes")
		argv, err := SplitCommand(cfg.Command)
		if err != nil {
			return nil, err
		}
		return NewProcessRuntime(argv[0]), nil

	case RuntimeDocker:
		return NewDockerRuntime(ContainerPrefix, cfg.Image)

	default:
		return nil, fmt.Errorf("unknown runtime type: %s", cfg.Runtime)
	}
}

// Available returns the runtimes usable on this system
func Available() []RuntimeType {
	var available []RuntimeType
	if _, err := BwrapPath(); err == nil {
		available = append(available, RuntimeBwrap)
	}
	for _, command := range []string{"podman", "docker"} {
		if _, err := exec.LookPath(command); err == nil {
			available = append(available, RuntimeDocker)
			break
		}
	}
	return append(available, RuntimeProcess)
}
