package sandbox

import (
	"context"
	stderrors "errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefly-engineering/warden/internal/audit"
	"github.com/firefly-engineering/warden/internal/clock"
	"github.com/firefly-engineering/warden/internal/config"
	"github.com/firefly-engineering/warden/internal/errors"
	"github.com/firefly-engineering/warden/internal/health"
	"github.com/firefly-engineering/warden/internal/runtime"
	"github.com/firefly-engineering/warden/internal/secrets"
)

type fixture struct {
	rt     *runtime.MockRuntime
	clock  *clock.FakeClock
	runner *Runner
	policy runtime.MountPolicy
	audit  *audit.Logger
}

func testPolicy(t *testing.T) runtime.MountPolicy {
	t.Helper()
	root := t.TempDir()
	return runtime.MountPolicy{
		WorkspaceRoot: filepath.Join(root, "workspaces"),
		IPCRoot:       filepath.Join(root, "ipc"),
	}
}

func testRunnerConfig() Config {
	return Config{
		Command:      []string{"agent", "--once"},
		Timeout:      time.Minute,
		GracePeriod:  10 * time.Second,
		SpawnRetries: 2,
		EnvCeiling:   64,
		RetryInitial: time.Millisecond,
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		rt:     runtime.NewMockRuntime(),
		clock:  clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		policy: testPolicy(t),
		audit:  audit.NewLogger(t.TempDir()),
	}
	opts = append([]Option{WithClock(f.clock), WithAudit(f.audit)}, opts...)
	f.runner = NewRunner(f.rt, f.policy, testRunnerConfig(), opts...)
	return f
}

func TestSpawnCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv, err := f.runner.Spawn(ctx, SpawnRequest{GroupID: "team-a", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "team-a", inv.GroupID)
	assert.Equal(t, "s1", inv.SessionID)

	res := f.runner.Await(ctx, inv, 0)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, StatusCompleted, inv.Status())
	assert.Empty(t, f.runner.Active())

	procs := f.rt.Processes()
	require.Len(t, procs, 1)
	spec := procs[0].Spec
	assert.Equal(t, []string{"agent", "--once"}, spec.Command)
	assert.Equal(t, "team-a", spec.Env[EnvGroupID])
	assert.Equal(t, inv.ID, spec.Env[EnvInvocationID])
	assert.Equal(t, runtime.WorkspaceTarget, spec.WorkDir)
	assert.Equal(t, "/ipc/team-a", spec.Env[EnvIPCDir])

	ws, _ := f.policy.Workspace("team-a")
	assert.DirExists(t, ws)

	events, err := f.audit.Events("team-a")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventSandboxStarted, events[0].Type)
	assert.Equal(t, audit.EventSandboxFinished, events[1].Type)
}

func TestNonZeroExitCarriesReportedError(t *testing.T) {
	f := newFixture(t)
	f.rt.Hang = true
	ctx := context.Background()

	inv, err := f.runner.Spawn(ctx, SpawnRequest{GroupID: "team-a"})
	require.NoError(t, err)
	assert.False(t, f.runner.ReportError("team-b", inv.ID, "forged by another group"))
	require.True(t, f.runner.ReportError("team-a", inv.ID, "model quota exceeded"))

	f.rt.Processes()[0].Exit(3)
	res := f.runner.Await(ctx, inv, 0)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, errors.ErrSandboxFailed))
	assert.Contains(t, res.Err.Error(), "model quota exceeded")
	assert.NotContains(t, res.Err.Error(), "forged")
	assert.False(t, f.runner.ReportError("team-a", inv.ID, "late"))
}

func TestNonZeroExitWithoutReport(t *testing.T) {
	f := newFixture(t)
	f.rt.ExitCode = 2

	res := f.runner.Run(context.Background(), SpawnRequest{GroupID: "team-a"}, 0)
	assert.Equal(t, StatusFailed, res.Status)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "sandbox exited with code 2")
}

func TestTimeoutTerminates(t *testing.T) {
	f := newFixture(t)
	f.rt.Hang = true
	ctx := context.Background()

	inv, err := f.runner.Spawn(ctx, SpawnRequest{GroupID: "team-a"})
	require.NoError(t, err)

	results := make(chan Result, 1)
	go func() { results <- f.runner.Await(ctx, inv, 5*time.Second) }()

	f.clock.WaitForTimers(1)
	f.clock.Advance(5 * time.Second)

	res := <-results
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.True(t, errors.Is(res.Err, errors.ErrSandboxTimeout))
	assert.Equal(t, 5*time.Second, res.Duration)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, f.rt.Processes()[0].Signals())
}

func TestTimeoutEscalatesToKill(t *testing.T) {
	f := newFixture(t)
	f.rt.Hang = true
	f.rt.IgnoreTerm = true
	ctx := context.Background()

	inv, err := f.runner.Spawn(ctx, SpawnRequest{GroupID: "team-a"})
	require.NoError(t, err)

	results := make(chan Result, 1)
	go func() { results <- f.runner.Await(ctx, inv, 5*time.Second) }()

	f.clock.WaitForTimers(1)
	f.clock.Advance(5 * time.Second)
	f.clock.WaitForTimers(1)
	f.clock.Advance(10 * time.Second)

	res := <-results
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, f.rt.Processes()[0].Signals())
	assert.True(t, f.rt.Processes()[0].Exited())
}

func TestSpawnRetriesThenFails(t *testing.T) {
	tracker := health.NewTracker(1)
	f := newFixture(t, WithHealth(tracker))
	f.rt.SetError("Start", stderrors.New("daemon unavailable"))

	_, err := f.runner.Spawn(context.Background(), SpawnRequest{GroupID: "team-a"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSandboxSpawnFailure))
	assert.Len(t, f.rt.GetCallsFor("Start"), 3)
	assert.True(t, tracker.Degraded())
}

func TestSpawnRecoversWithinRetries(t *testing.T) {
	f := newFixture(t)
	f.rt.FailStarts(2, stderrors.New("transient"))

	res := f.runner.Run(context.Background(), SpawnRequest{GroupID: "team-a"}, 0)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Len(t, f.rt.GetCallsFor("Start"), 3)
}

func TestMissingSecretFailsOnlyThatLaunch(t *testing.T) {
	prov, err := secrets.New(config.SecretsConfig{
		Allow: []string{"API_TOKEN", "DEPLOY_KEY"},
	}, secrets.WithLookup(func(k string) (string, bool) {
		if k == "API_TOKEN" {
			return "tok-123", true
		}
		return "", false
	}))
	require.NoError(t, err)
	f := newFixture(t, WithProvisioner(prov))
	ctx := context.Background()

	_, err = f.runner.Spawn(ctx, SpawnRequest{GroupID: "team-a", SecretKeys: []string{"DEPLOY_KEY"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSecretMissing))
	assert.Empty(t, f.rt.GetCallsFor("Start"))

	res := f.runner.Run(ctx, SpawnRequest{GroupID: "team-b", SecretKeys: []string{"API_TOKEN"}}, 0)
	assert.Equal(t, StatusCompleted, res.Status)

	spec := f.rt.Processes()[0].Spec
	assert.Equal(t, "tok-123", spec.Env["API_TOKEN"])
	for _, arg := range spec.Command {
		assert.NotContains(t, arg, "tok-123")
	}
}

func TestMountOutsidePolicyRejected(t *testing.T) {
	f := newFixture(t)
	other, _ := f.policy.Workspace("team-b")

	_, err := f.runner.Spawn(context.Background(), SpawnRequest{
		GroupID: "team-a",
		Mounts:  []runtime.Mount{{Source: other, Target: runtime.WorkspaceTarget}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.Empty(t, f.rt.GetCallsFor("Start"))
}

func TestInvalidGroupRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Spawn(context.Background(), SpawnRequest{GroupID: "../etc"})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestLargePromptStagedAndRemoved(t *testing.T) {
	f := newFixture(t)
	f.rt.Hang = true
	ctx := context.Background()
	prompt := strings.Repeat("summarize the channel. ", 10)

	inv, err := f.runner.Spawn(ctx, SpawnRequest{GroupID: "team-a", Prompt: prompt})
	require.NoError(t, err)

	spec := f.rt.Processes()[0].Spec
	assert.Empty(t, spec.Env[secrets.PromptEnv])
	require.NotEmpty(t, spec.Env[secrets.PromptFileEnv])

	ipcDir, _ := f.policy.GroupIPC("team-a")
	staged := filepath.Join(ipcDir, "prompts", inv.ID+".prompt")
	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, prompt, string(data))

	f.rt.Processes()[0].Exit(0)
	f.runner.Await(ctx, inv, 0)
	assert.NoFileExists(t, staged)
}

func TestLaunchEnvIssuedPerGroup(t *testing.T) {
	f := newFixture(t, WithLaunchEnv(func(group string) secrets.Set {
		return secrets.Set{"WARDEN_IPC_KEY_OUT": "key-for-" + group}
	}))

	f.runner.Run(context.Background(), SpawnRequest{GroupID: "team-a"}, 0)
	assert.Equal(t, "key-for-team-a", f.rt.Processes()[0].Spec.Env["WARDEN_IPC_KEY_OUT"])
}

func TestSameGroupRunsSerially(t *testing.T) {
	f := newFixture(t)
	f.rt.Hang = true
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	for _, session := range []string{"first", "second"} {
		wg.Add(1)
		f.runner.Enqueue(ctx, SpawnRequest{GroupID: "team-a", SessionID: session}, 0, func(res Result) {
			mu.Lock()
			order = append(order, session)
			mu.Unlock()
			wg.Done()
		})
	}

	require.Eventually(t, func() bool { return len(f.rt.Processes()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, f.runner.Queued("team-a"))
	assert.True(t, f.runner.Busy("team-a"))

	f.rt.Processes()[0].Exit(0)
	require.Eventually(t, func() bool { return len(f.rt.Processes()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "second", f.rt.Processes()[1].Spec.Env[EnvSessionID])
	f.rt.Processes()[1].Exit(0)

	wg.Wait()
	assert.Equal(t, []string{"first", "second"}, order)
	require.Eventually(t, func() bool { return !f.runner.Busy("team-a") }, time.Second, time.Millisecond)
}

func TestDifferentGroupsRunInParallel(t *testing.T) {
	f := newFixture(t)
	f.rt.Hang = true
	ctx := context.Background()

	f.runner.Enqueue(ctx, SpawnRequest{GroupID: "team-a"}, 0, nil)
	f.runner.Enqueue(ctx, SpawnRequest{GroupID: "team-b"}, 0, nil)

	require.Eventually(t, func() bool { return len(f.rt.Processes()) == 2 }, time.Second, time.Millisecond)
	assert.Len(t, f.runner.Active(), 2)

	for _, p := range f.rt.Processes() {
		p.Exit(0)
	}
	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.runner.Shutdown(sctx))
}

func TestProcessRuntimeTimeout(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	cfg := Config{
		Command:      []string{"sleep", "30"},
		Timeout:      200 * time.Millisecond,
		GracePeriod:  200 * time.Millisecond,
		SpawnRetries: 0,
		EnvCeiling:   config.DefaultEnvCeiling,
	}
	r := NewRunner(runtime.NewProcessRuntime(""), testPolicy(t), cfg)

	start := time.Now()
	res := r.Run(context.Background(), SpawnRequest{GroupID: "team-a"}, 0)
	elapsed := time.Since(start)

	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Less(t, elapsed, 2*time.Second)
}
