package testutil

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/firefly-engineering/warden/internal/admission"
	"github.com/firefly-engineering/warden/internal/app"
	"github.com/firefly-engineering/warden/internal/channel"
	"github.com/firefly-engineering/warden/internal/config"
	"github.com/firefly-engineering/warden/internal/ipc"
	"github.com/firefly-engineering/warden/internal/runtime"
	"github.com/firefly-engineering/warden/internal/store"
)

// TestEnv holds the test environment
type TestEnv struct {
	T       *testing.T
	TmpDir  string
	Paths   *config.Paths
	Config  *config.Config
	Runtime *runtime.MockRuntime
	Store   *store.MemoryStore
	Keys    *ipc.Keyring
	Replies *channel.Memory
	App     *app.App

	cancel context.CancelFunc
	done   chan error
}

// NewTestEnv creates an orchestrator on temporary directories. mutate
// runs on the configuration before the App is built.
func NewTestEnv(t *testing.T, mutate ...func(*config.Config)) *TestEnv {
	t.Helper()

	tmpDir := t.TempDir()
	paths := config.PathsFor(
		filepath.Join(tmpDir, "config"),
		filepath.Join(tmpDir, "state"),
		filepath.Join(tmpDir, "run"),
	)
	for _, dir := range []string{paths.ConfigDir, paths.StateDir, paths.RunDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}

	cfg := config.Default()
	cfg.Sandbox.Command = "warden-agent --once"
	cfg.Sandbox.WorkspaceRoot = filepath.Join(paths.StateDir, "groups")
	cfg.Sandbox.ForbiddenPaths = []string{paths.ConfigDir, paths.RunDir}
	cfg.Sandbox.Timeout = 10 * time.Second
	cfg.IPC.Root = filepath.Join(paths.StateDir, "ipc")
	cfg.IPC.PollInterval = 20 * time.Millisecond
	cfg.Scheduler.JobsFile = ""
	cfg.Scheduler.Owner = "test"
	cfg.Scheduler.TickInterval = 20 * time.Millisecond
	cfg.Store = config.StoreConfig{Driver: "memory"}
	cfg.Health.StatusFile = filepath.Join(paths.RunDir, "status.json")
	cfg.Health.CheckInterval = time.Second
	for _, fn := range mutate {
		fn(cfg)
	}

	master := make([]byte, ipc.MinKeySize)
	for i := range master {
		master[i] = byte(i)
	}
	keys, err := ipc.NewKeyring(master)
	if err != nil {
		t.Fatalf("Failed to create keyring: %v", err)
	}

	env := &TestEnv{
		T:       t,
		TmpDir:  tmpDir,
		Paths:   paths,
		Config:  cfg,
		Runtime: runtime.NewMockRuntime(),
		Store:   store.NewMemory(),
		Keys:    keys,
		Replies: &channel.Memory{},
	}
	env.App, err = app.New(context.Background(),
		app.WithPaths(paths),
		app.WithConfig(config.NewHolder(cfg)),
		app.WithRuntime(env.Runtime),
		app.WithStore(env.Store),
		app.WithKeyring(keys),
		app.WithReplies(env.Replies),
	)
	if err != nil {
		t.Fatalf("Failed to build app: %v", err)
	}
	t.Cleanup(env.Cleanup)
	return env
}

// Serve runs the orchestrator's background loops until Cleanup.
func (e *TestEnv) Serve() {
	e.T.Helper()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan error, 1)
	go func() { e.done <- e.App.Serve(ctx) }()
}

// Cleanup stops Serve, if running, and closes the store.
func (e *TestEnv) Cleanup() {
	if e.cancel != nil {
		e.cancel()
		select {
		case err := <-e.done:
			if err != nil {
				e.T.Errorf("Serve returned error: %v", err)
			}
		case <-time.After(30 * time.Second):
			e.T.Error("Serve did not stop")
		}
		e.cancel = nil
	}
	e.App.Close()
}

// Inbound delivers one chat message.
func (e *TestEnv) Inbound(sender, group, chat, text string) admission.Outcome {
	return e.App.HandleInbound(context.Background(), channel.Inbound{
		SenderID:  sender,
		GroupID:   group,
		ChatID:    chat,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	})
}

// SandboxBus returns a bus holding only the channel keys found in a
// sandbox's launch environment. It is safe to call from OnStart.
func (e *TestEnv) SandboxBus(spec runtime.LaunchSpec) (*ipc.Bus, error) {
	keys := make(ipc.ChannelKeys, 2)
	for env, ch := range map[string]string{
		ipc.EnvKeyIn:  ipc.InChannel(spec.GroupID),
		ipc.EnvKeyOut: ipc.OutChannel(spec.GroupID),
	} {
		key, err := base64.StdEncoding.DecodeString(spec.Env[env])
		if err != nil || len(key) == 0 {
			return nil, fmt.Errorf("sandbox env has no usable %s", env)
		}
		keys[ch] = key
	}
	return ipc.New(e.Config.IPC.Root, keys), nil
}

// WaitForReplies waits until at least n replies were sent.
func (e *TestEnv) WaitForReplies(n int) []channel.Reply {
	e.T.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		replies := e.Replies.Replies()
		if len(replies) >= n {
			return replies
		}
		if time.Now().After(deadline) {
			e.T.Fatalf("got %d replies, want %d: %+v", len(replies), n, replies)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
