package integration

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/firefly-engineering/warden/internal/runtime"
)

const defaultTestImage = "docker.io/library/alpine:3"

// dockerRuntime skips the test unless docker integration is enabled.
func dockerRuntime(t *testing.T) *runtime.DockerRuntime {
	t.Helper()

	if os.Getenv("WARDEN_INTEGRATION_TESTS") != "1" {
		t.Skip("integration tests disabled (set WARDEN_INTEGRATION_TESTS=1)")
	}
	if os.Getenv("WARDEN_RUNTIME") != "docker" {
		t.Skip("docker runtime not selected (set WARDEN_RUNTIME=docker)")
	}

	image := os.Getenv("WARDEN_TEST_IMAGE")
	if image == "" {
		image = defaultTestImage
	}
	rt, err := runtime.NewDockerRuntime("warden-test-", image)
	if err != nil {
		t.Skipf("docker runtime not available: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Ping(ctx); err != nil {
		t.Skipf("docker not responsive: %v", err)
	}
	return rt
}

func TestDocker_RunsCommandWithExplicitEnv(t *testing.T) {
	rt := dockerRuntime(t)

	t.Setenv("WARDEN_LEAK_CHECK", "host-only")
	var stdout bytes.Buffer
	p, err := rt.Start(context.Background(), runtime.LaunchSpec{
		Name:    "env-" + time.Now().Format("150405.000"),
		GroupID: "test",
		Command: []string{"sh", "-c", `echo "$WARDEN_GROUP_ID:${WARDEN_LEAK_CHECK:-unset}"`},
		Env:     map[string]string{"WARDEN_GROUP_ID": "test"},
		Stdout:  &stdout,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	code, err := p.Wait()
	if err != nil || code != 0 {
		t.Fatalf("Wait = %d, %v", code, err)
	}
	if got := strings.TrimSpace(stdout.String()); got != "test:unset" {
		t.Errorf("output = %q, want test:unset", got)
	}
}

func TestDocker_ExitCodePropagates(t *testing.T) {
	rt := dockerRuntime(t)

	p, err := rt.Start(context.Background(), runtime.LaunchSpec{
		Name:    "exit-" + time.Now().Format("150405.000"),
		GroupID: "test",
		Command: []string{"sh", "-c", "exit 3"},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if code, _ := p.Wait(); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestDocker_MountsAreVisible(t *testing.T) {
	rt := dockerRuntime(t)

	dir := t.TempDir()
	if err := os.Chmod(dir, 0o777); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	target := runtime.IPCTargetFor("test")
	p, err := rt.Start(context.Background(), runtime.LaunchSpec{
		Name:    "mount-" + time.Now().Format("150405.000"),
		GroupID: "test",
		Command: []string{"sh", "-c", "echo hi > " + target + "/marker"},
		Mounts:  []runtime.Mount{{Source: dir, Target: target}},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if code, err := p.Wait(); err != nil || code != 0 {
		t.Fatalf("Wait = %d, %v", code, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "marker"))
	if err != nil {
		t.Fatalf("marker not written through mount: %v", err)
	}
	if strings.TrimSpace(string(data)) != "hi" {
		t.Errorf("marker = %q", data)
	}
}

func TestDocker_KillStopsContainer(t *testing.T) {
	rt := dockerRuntime(t)

	p, err := rt.Start(context.Background(), runtime.LaunchSpec{
		Name:    "kill-" + time.Now().Format("150405.000"),
		GroupID: "test",
		Command: []string{"sleep", "60"},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done := make(chan int, 1)
	go func() {
		code, _ := p.Wait()
		done <- code
	}()

	time.Sleep(time.Second)
	if err := p.Signal(syscall.SIGKILL); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}

	select {
	case code := <-done:
		if code == 0 {
			t.Error("killed container should not report success")
		}
	case <-time.After(30 * time.Second):
		t.Fatal("container did not stop after SIGKILL")
	}
}
