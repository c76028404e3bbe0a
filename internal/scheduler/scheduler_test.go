package scheduler

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefly-engineering/warden/internal/clock"
	"github.com/firefly-engineering/warden/internal/errors"
	"github.com/firefly-engineering/warden/internal/health"
	"github.com/firefly-engineering/warden/internal/runtime"
	"github.com/firefly-engineering/warden/internal/sandbox"
	"github.com/firefly-engineering/warden/internal/store"
)

var epoch = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

// fakeExecutor completes every run after an optional gate. Runs for a
// group listed in groupGates wait on that gate instead.
type fakeExecutor struct {
	mu         sync.Mutex
	calls      []sandbox.SpawnRequest
	inFlight   atomic.Int32
	peak       atomic.Int32
	gate       chan struct{}
	groupGates map[string]chan struct{}
	status     sandbox.Status
}

func (f *fakeExecutor) Run(ctx context.Context, req sandbox.SpawnRequest, timeout time.Duration) sandbox.Result {
	n := f.inFlight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if g, ok := f.groupGates[req.GroupID]; ok {
		<-g
	} else if f.gate != nil {
		<-f.gate
	}
	f.inFlight.Add(-1)
	st := f.status
	if st == "" {
		st = sandbox.StatusCompleted
	}
	return sandbox.Result{GroupID: req.GroupID, Status: st}
}

func (f *fakeExecutor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func compiled(t *testing.T, j *Job) *Job {
	t.Helper()
	require.NoError(t, j.Compile(time.UTC))
	return j
}

func TestConcurrentClaimsOneWinner(t *testing.T) {
	st := store.NewMemory()
	fc := clock.NewFake(epoch)
	job := compiled(t, &Job{ID: "digest", GroupID: "team-a", Every: time.Hour})

	var schedulers []*Scheduler
	for _, owner := range []string{"a", "b", "c", "d"} {
		s := New(st, &fakeExecutor{}, owner, WithClock(fc))
		require.NoError(t, s.Add(job))
		schedulers = append(schedulers, s)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		s := schedulers[i%len(schedulers)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Claim(context.Background(), "digest", s.owner)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestClaimFailsClosed(t *testing.T) {
	st := store.NewMemory()
	st.Err = stderrors.New("connection refused")
	tracker := health.NewTracker(1)
	s := New(st, &fakeExecutor{}, "a", WithClock(clock.NewFake(epoch)), WithHealth(tracker))
	require.NoError(t, s.Add(compiled(t, &Job{ID: "digest", GroupID: "team-a", Every: time.Hour})))

	ok, err := s.Claim(context.Background(), "digest", "a")
	assert.False(t, ok)
	assert.True(t, errors.Is(err, errors.ErrPersistenceUnavailable))
	assert.True(t, tracker.Degraded())
}

func TestClaimUnknownJob(t *testing.T) {
	s := New(store.NewMemory(), &fakeExecutor{}, "a")
	_, err := s.Claim(context.Background(), "nope", "a")
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestTickRunsDueJobsOnce(t *testing.T) {
	st := store.NewMemory()
	fc := clock.NewFake(epoch)
	exec := &fakeExecutor{}
	s := New(st, exec, "a", WithClock(fc))
	require.NoError(t, s.Add(compiled(t, &Job{ID: "poll", GroupID: "team-a", Every: 10 * time.Minute})))

	assert.Empty(t, s.Tick(context.Background()))

	fc.Advance(10 * time.Minute)
	out := s.Tick(context.Background())
	require.Len(t, out, 1)
	assert.True(t, out[0].Claimed)
	assert.Equal(t, store.StatusSucceeded, out[0].Status)

	assert.Empty(t, s.Tick(context.Background()))
	next, ok := s.NextRun("poll")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(20*time.Minute), next)

	rec, ok, err := st.Job(context.Background(), "poll")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.StatusSucceeded, rec.LastStatus)
	assert.False(t, rec.Active(fc.Now()))
	assert.Equal(t, 1, exec.Calls())
}

func TestMissedCyclesCollapse(t *testing.T) {
	fc := clock.NewFake(epoch)
	exec := &fakeExecutor{}
	s := New(store.NewMemory(), exec, "a", WithClock(fc))
	require.NoError(t, s.Add(compiled(t, &Job{ID: "poll", GroupID: "team-a", Every: 10 * time.Minute})))

	fc.Advance(35 * time.Minute)
	s.Tick(context.Background())
	assert.Equal(t, 1, exec.Calls())
	next, _ := s.NextRun("poll")
	assert.Equal(t, epoch.Add(40*time.Minute), next)
}

func TestSecondOrchestratorSkipsClaimedCycle(t *testing.T) {
	st := store.NewMemory()
	fc := clock.NewFake(epoch)
	execA, execB := &fakeExecutor{}, &fakeExecutor{}
	a := New(st, execA, "a", WithClock(fc))
	b := New(st, execB, "b", WithClock(fc))
	job := compiled(t, &Job{ID: "digest", GroupID: "team-a", Cron: "*/5 * * * *"})
	require.NoError(t, a.Add(job))
	require.NoError(t, b.Add(job))

	fc.Advance(5 * time.Minute)
	a.Tick(context.Background())
	b.Tick(context.Background())
	assert.Equal(t, 1, execA.Calls()+execB.Calls())
}

func TestOneShotRunsOnceAndIsRemoved(t *testing.T) {
	fc := clock.NewFake(epoch)
	exec := &fakeExecutor{}
	s := New(store.NewMemory(), exec, "a", WithClock(fc))
	job := compiled(t, &Job{ID: "reminder", GroupID: "team-a", At: epoch.Add(-time.Minute).Format(time.RFC3339)})
	require.NoError(t, s.Add(job))

	s.Tick(context.Background())
	fc.Advance(time.Hour)
	s.Tick(context.Background())

	assert.Equal(t, 1, exec.Calls())
	_, ok := s.Job("reminder")
	assert.False(t, ok)
}

func TestRunBatchBoundsInFlight(t *testing.T) {
	exec := &fakeExecutor{gate: make(chan struct{})}
	s := New(store.NewMemory(), exec, "a", WithMaxInFlight(2), WithClock(clock.NewFake(epoch)))

	var jobs []*Job
	for _, id := range []string{"j1", "j2", "j3", "j4", "j5"} {
		j := compiled(t, &Job{ID: id, GroupID: "team-" + id, Every: time.Hour})
		require.NoError(t, s.Add(j))
		jobs = append(jobs, j)
	}

	done := make(chan []Outcome, 1)
	go func() { done <- s.RunBatch(context.Background(), jobs) }()

	require.Eventually(t, func() bool { return exec.inFlight.Load() == 2 }, time.Second, time.Millisecond)
	close(exec.gate)
	out := <-done

	require.Len(t, out, 5)
	for i, o := range out {
		assert.Equal(t, jobs[i].ID, o.JobID)
		assert.True(t, o.Claimed)
	}
	assert.Equal(t, int32(2), exec.peak.Load())
}

func TestStartDoesNotWaitForRunningJobs(t *testing.T) {
	fc := clock.NewFake(epoch)
	slow := make(chan struct{})
	exec := &fakeExecutor{groupGates: map[string]chan struct{}{"team-slow": slow}}
	s := New(store.NewMemory(), exec, "a", WithClock(fc), WithTick(time.Second), WithMaxInFlight(4))
	require.NoError(t, s.Add(compiled(t, &Job{ID: "slow", GroupID: "team-slow", At: epoch.Add(time.Second).Format(time.RFC3339)})))
	require.NoError(t, s.Add(compiled(t, &Job{ID: "later", GroupID: "team-b", At: epoch.Add(2 * time.Second).Format(time.RFC3339)})))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	fc.WaitForTimers(1)

	fc.Advance(time.Second)
	require.Eventually(t, func() bool { return exec.Calls() == 1 }, time.Second, time.Millisecond)

	fc.Advance(time.Second)
	require.Eventually(t, func() bool { return exec.Calls() == 2 }, time.Second, time.Millisecond,
		"a job due while another runs should start")

	close(slow)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	_, ok := s.Job("slow")
	assert.False(t, ok, "Start waits for dispatched jobs")
}

func TestDispatchSkipsJobStillRunning(t *testing.T) {
	fc := clock.NewFake(epoch)
	exec := &fakeExecutor{gate: make(chan struct{})}
	s := New(store.NewMemory(), exec, "a", WithClock(fc), WithLeaseSlack(0))
	require.NoError(t, s.Add(compiled(t, &Job{ID: "poll", GroupID: "team-a", Every: time.Second, Timeout: time.Millisecond})))
	ctx := context.Background()

	fc.Advance(time.Second)
	assert.Equal(t, 1, s.Dispatch(ctx))
	require.Eventually(t, func() bool { return exec.inFlight.Load() == 1 }, time.Second, time.Millisecond)

	fc.Advance(time.Second)
	assert.Equal(t, 0, s.Dispatch(ctx))

	close(exec.gate)
	s.Wait()
	assert.Equal(t, 1, exec.Calls())
}

func TestMaxInFlightSharedAcrossDispatches(t *testing.T) {
	fc := clock.NewFake(epoch)
	exec := &fakeExecutor{gate: make(chan struct{})}
	s := New(store.NewMemory(), exec, "a", WithClock(fc), WithMaxInFlight(2))
	for _, id := range []string{"j1", "j2", "j3"} {
		require.NoError(t, s.Add(compiled(t, &Job{ID: id, GroupID: "team-" + id, Every: time.Hour})))
	}
	require.NoError(t, s.Add(compiled(t, &Job{ID: "j4", GroupID: "team-j4", Every: 2 * time.Hour})))
	ctx := context.Background()

	fc.Advance(time.Hour)
	assert.Equal(t, 3, s.Dispatch(ctx))
	fc.Advance(time.Hour)
	s.Dispatch(ctx)

	require.Eventually(t, func() bool { return exec.inFlight.Load() == 2 }, time.Second, time.Millisecond)
	close(exec.gate)
	s.Wait()
	assert.Equal(t, int32(2), exec.peak.Load())
	assert.Equal(t, 4, exec.Calls())
}

func TestReplaceKeepsDynamicJobs(t *testing.T) {
	fc := clock.NewFake(epoch)
	s := New(store.NewMemory(), &fakeExecutor{}, "a", WithClock(fc))
	remind := compiled(t, &Job{ID: "team-a.remind", GroupID: "team-a", At: epoch.Add(time.Hour).Format(time.RFC3339)})
	require.NoError(t, s.AddDynamic(remind))
	require.NoError(t, s.Add(compiled(t, &Job{ID: "digest", GroupID: "team-a", Every: time.Hour})))

	require.NoError(t, s.Replace([]*Job{compiled(t, &Job{ID: "nightly", GroupID: "team-b", Every: 24 * time.Hour})}))

	_, ok := s.Job("digest")
	assert.False(t, ok, "configured jobs are replaced")
	got, ok := s.Job("team-a.remind")
	require.True(t, ok, "dynamic jobs survive a reload")
	assert.Same(t, remind, got)
	assert.True(t, s.Dynamic("team-a.remind"))
	next, ok := s.NextRun("team-a.remind")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Hour), next)

	require.NoError(t, s.Replace([]*Job{compiled(t, &Job{ID: "team-a.remind", GroupID: "team-a", Every: time.Hour})}))
	assert.False(t, s.Dynamic("team-a.remind"), "a configured job with the same id takes over")
}

func TestTriggerRejectsRunningJob(t *testing.T) {
	st := store.NewMemory()
	fc := clock.NewFake(epoch)
	s := New(st, &fakeExecutor{}, "a", WithClock(fc))
	require.NoError(t, s.Add(compiled(t, &Job{ID: "digest", GroupID: "team-a", Every: time.Hour})))

	ok, err := st.Claim(context.Background(), store.ClaimRequest{
		JobID: "digest", Owner: "other", Now: fc.Now(), Due: fc.Now(), Lease: time.Hour,
	})
	require.NoError(t, err)
	require.True(t, ok)

	fc.Advance(time.Second)
	_, err = s.Trigger(context.Background(), "digest")
	assert.Error(t, err)
}

func TestResultHook(t *testing.T) {
	var got []string
	s := New(store.NewMemory(), &fakeExecutor{status: sandbox.StatusFailed}, "a",
		WithClock(clock.NewFake(epoch)),
		WithResultHook(func(ctx context.Context, job *Job, res sandbox.Result) {
			got = append(got, job.ID+":"+string(res.Status))
		}))
	require.NoError(t, s.Add(compiled(t, &Job{ID: "digest", GroupID: "team-a", Every: time.Hour})))

	out, err := s.Trigger(context.Background(), "digest")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, out.Status)
	assert.Equal(t, []string{"digest:failed"}, got)
}

// A job with a 5000ms timeout whose sandbox never exits is terminated
// and recorded as timed out.
func TestJobTimeoutTerminatesSandbox(t *testing.T) {
	fc := clock.NewFake(epoch)
	rt := runtime.NewMockRuntime()
	rt.Hang = true
	root := t.TempDir()
	runner := sandbox.NewRunner(rt, runtime.MountPolicy{
		WorkspaceRoot: filepath.Join(root, "ws"),
		IPCRoot:       filepath.Join(root, "ipc"),
	}, sandbox.Config{
		Command:     []string{"agent"},
		Timeout:     time.Minute,
		GracePeriod: time.Second,
		EnvCeiling:  1024,
	}, sandbox.WithClock(fc))

	st := store.NewMemory()
	s := New(st, runner, "a", WithClock(fc))
	job := compiled(t, &Job{ID: "slow", GroupID: "team-a", Every: time.Hour, Timeout: 5000 * time.Millisecond})
	require.NoError(t, s.Add(job))

	done := make(chan Outcome, 1)
	go func() {
		out, err := s.Trigger(context.Background(), "slow")
		assert.NoError(t, err)
		done <- out
	}()

	fc.WaitForTimers(1)
	fc.Advance(5 * time.Second)
	out := <-done

	assert.Equal(t, store.StatusTimedOut, out.Status)
	assert.True(t, errors.Is(out.Err, errors.ErrSandboxTimeout))
	assert.True(t, rt.Processes()[0].Exited())

	rec, _, err := st.Job(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, store.StatusTimedOut, rec.LastStatus)
	require.Eventually(t, func() bool { return !runner.Busy("team-a") }, time.Second, time.Millisecond)
}
