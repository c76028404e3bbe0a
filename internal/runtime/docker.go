package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/firefly-engineering/warden/internal/logging"
)

// DockerRuntime implements the Runtime interface using Docker or Podman.
// It auto-detects which container engine is available.
type DockerRuntime struct {
	// Command is the container command to use (docker or podman)
	Command string

	// ContainerPrefix is prepended to sandbox names to form container names
	ContainerPrefix string

	// Image is the agent image
	Image string
}

// NewDockerRuntime creates a new Docker/Podman runtime.
// It auto-detects which command is available.
func NewDockerRuntime(containerPrefix, image string) (*DockerRuntime, error) {
	// Try podman first (preferred for rootless)
	for _, command := range []string{"podman", "docker"} {
		if _, err := exec.LookPath(command); err == nil {
			return &DockerRuntime{
				Command:         command,
				ContainerPrefix: containerPrefix,
				Image:           image,
			}, nil
		}
	}

	return nil, fmt.Errorf("neither podman nor docker found in PATH")
}

// ClientEnv lists the orchestrator variables the docker or podman client
// reads to find and authenticate to its engine.
var ClientEnv = []string{
	"PATH", "HOME", "USER", "TMPDIR",
	"XDG_RUNTIME_DIR", "XDG_CONFIG_HOME", "XDG_DATA_HOME",
	"DOCKER_HOST", "DOCKER_CONFIG", "DOCKER_CONTEXT", "DOCKER_CERT_PATH", "DOCKER_TLS_VERIFY",
	"CONTAINER_HOST", "CONTAINER_CONNECTION", "CONTAINER_SSHKEY",
	"CONTAINERS_CONF", "CONTAINERS_STORAGE_CONF", "REGISTRY_AUTH_FILE",
}

func isClientEnv(key string) bool {
	for _, k := range ClientEnv {
		if k == key {
			return true
		}
	}
	return false
}

// clientEnv builds the client's environment: its own allow-listed
// variables, then the sandbox entries that RunArgs passes by name.
func (r *DockerRuntime) clientEnv(spec LaunchSpec) []string {
	env := make([]string, 0, len(ClientEnv)+len(spec.Env))
	for _, k := range ClientEnv {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		} else if k == "PATH" {
			env = append(env, "PATH="+DefaultPath)
		}
	}
	for _, k := range spec.EnvKeys() {
		if !isClientEnv(k) {
			env = append(env, k+"="+spec.Env[k])
		}
	}
	return env
}

// containerName returns the full container name for a sandbox
func (r *DockerRuntime) containerName(sandboxName string) string {
	return r.ContainerPrefix + sandboxName
}

// Name returns the runtime identifier
func (r *DockerRuntime) Name() string {
	return r.Command
}

// runCmd executes a docker/podman command
func (r *DockerRuntime) runCmd(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Env = r.clientEnv(LaunchSpec{})
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s failed: %s: %w", r.Command, args[0], strings.TrimSpace(stderr.String()), err)
	}

	return stdout.String(), nil
}

// Ping asks the engine for its server version.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	_, err := r.runCmd(ctx, "version", "--format", "{{.Server.Version}}")
	return err
}

// RunArgs builds the argv for a container run. "-e NAME" makes the client
// copy the value from its own environment. Names the client itself uses,
// such as HOME, carry their value inline; those are never secrets.
func (r *DockerRuntime) RunArgs(spec LaunchSpec) []string {
	args := []string{"run", "--rm", "-i", "--name", r.containerName(spec.Name)}
	args = append(args, MountArgs(spec.Mounts)...)
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	for _, k := range spec.EnvKeys() {
		if isClientEnv(k) && !spec.IsSecret(k) {
			args = append(args, "-e", k+"="+spec.Env[k])
			continue
		}
		args = append(args, "-e", k)
	}
	args = append(args, r.Image)
	return append(args, spec.Command...)
}

// Start runs the container in the foreground. The client process lives in
// its own process group and proxies signals to the container.
func (r *DockerRuntime) Start(ctx context.Context, spec LaunchSpec) (Process, error) {
	if r.Image == "" {
		return nil, fmt.Errorf("no image configured for %s", r.Command)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, k := range spec.SecretKeys {
		if isClientEnv(k) {
			return nil, fmt.Errorf("secret %s clashes with the %s client environment", k, r.Command)
		}
	}

	name := r.containerName(spec.Name)
	logging.Debug("running container", "name", name, "runtime", r.Command, "image", r.Image)

	cmd := exec.Command(r.Command, r.RunArgs(spec)...)
	cmd.Env = r.clientEnv(spec)
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s run: %w", r.Command, err)
	}
	return &containerProcess{hostProcess: newHostProcess(cmd), runtime: r, name: name}, nil
}

// containerProcess also removes the container on SIGKILL, since killing
// the client alone can leave the container running.
type containerProcess struct {
	*hostProcess
	runtime *DockerRuntime
	name    string
}

func (p *containerProcess) Signal(sig syscall.Signal) error {
	err := p.hostProcess.Signal(sig)
	if sig == syscall.SIGKILL {
		if _, rmErr := p.runtime.runCmd(context.Background(), "rm", "-f", p.name); rmErr != nil {
			logging.Debug("container removal after kill failed", "name", p.name, "error", rmErr)
		}
	}
	return err
}
