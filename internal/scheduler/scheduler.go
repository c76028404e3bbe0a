package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/firefly-engineering/warden/internal/audit"
	"github.com/firefly-engineering/warden/internal/clock"
	"github.com/firefly-engineering/warden/internal/errors"
	"github.com/firefly-engineering/warden/internal/health"
	"github.com/firefly-engineering/warden/internal/logging"
	"github.com/firefly-engineering/warden/internal/metrics"
	"github.com/firefly-engineering/warden/internal/sandbox"
	"github.com/firefly-engineering/warden/internal/store"
)

// Executor runs one sandbox to completion. *sandbox.Runner implements it.
type Executor interface {
	Run(ctx context.Context, req sandbox.SpawnRequest, timeout time.Duration) sandbox.Result
}

// Outcome is the result of one claim-and-run attempt.
type Outcome struct {
	JobID   string
	Claimed bool
	Status  store.RunStatus
	Result  sandbox.Result
	Err     error
}

// ResultHook observes every finished run.
type ResultHook func(ctx context.Context, job *Job, res sandbox.Result)

// Scheduler claims due jobs and runs them through an Executor.
type Scheduler struct {
	claims      store.ClaimStore
	exec        Executor
	owner       string
	maxInFlight int
	tick        time.Duration
	leaseSlack  time.Duration

	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Recorder
	health  health.Reporter
	audit   *audit.Logger
	hooks   []ResultHook

	// slots bounds running jobs across ticks and batches.
	slots    *semaphore.Weighted
	inflight sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*Job
	next    map[string]time.Time
	dynamic map[string]bool
	running map[string]bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxInFlight bounds how many jobs run at once.
func WithMaxInFlight(n int) Option { return func(s *Scheduler) { s.maxInFlight = n } }

// WithTick sets how often due jobs are collected.
func WithTick(d time.Duration) Option { return func(s *Scheduler) { s.tick = d } }

// WithLeaseSlack extends each claim's lease past the job timeout.
func WithLeaseSlack(d time.Duration) Option { return func(s *Scheduler) { s.leaseSlack = d } }

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.log = l } }

// WithMetrics records claims and runs.
func WithMetrics(m *metrics.Recorder) Option { return func(s *Scheduler) { s.metrics = m } }

// WithHealth reports store failures.
func WithHealth(h health.Reporter) Option { return func(s *Scheduler) { s.health = h } }

// WithAudit records claims and finished runs.
func WithAudit(a *audit.Logger) Option { return func(s *Scheduler) { s.audit = a } }

// WithResultHook calls fn after every run.
func WithResultHook(fn ResultHook) Option {
	return func(s *Scheduler) { s.hooks = append(s.hooks, fn) }
}

// New returns a Scheduler that claims jobs as owner.
func New(claims store.ClaimStore, exec Executor, owner string, opts ...Option) *Scheduler {
	s := &Scheduler{
		claims:      claims,
		exec:        exec,
		owner:       owner,
		maxInFlight: 4,
		tick:        time.Second,
		leaseSlack:  time.Minute,
		clock:       clock.Real(),
		health:      health.Nop{},
		jobs:        make(map[string]*Job),
		next:        make(map[string]time.Time),
		dynamic:     make(map[string]bool),
		running:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxInFlight < 1 {
		s.maxInFlight = 1
	}
	s.slots = semaphore.NewWeighted(int64(s.maxInFlight))
	s.log = logging.Component(s.log, "scheduler")
	return s
}

// Add registers a compiled job, replacing any job with the same id. A
// one-shot job whose time has passed is due immediately.
func (s *Scheduler) Add(job *Job) error {
	if job.schedule == nil {
		return errors.ValidationError(fmt.Sprintf("job %s is not compiled", job.ID))
	}
	now := s.clock.Now()
	due := job.schedule.Next(now)
	if o, ok := job.schedule.(Once); ok && !time.Time(o).After(now) {
		due = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	delete(s.dynamic, job.ID)
	if due.IsZero() {
		delete(s.next, job.ID)
	} else {
		s.next[job.ID] = due
	}
	return nil
}

// AddDynamic registers a job created at runtime, such as one a sandbox
// scheduled. Dynamic jobs survive Replace unless the new set reuses
// their id.
func (s *Scheduler) AddDynamic(job *Job) error {
	if err := s.Add(job); err != nil {
		return err
	}
	s.mu.Lock()
	s.dynamic[job.ID] = true
	s.mu.Unlock()
	return nil
}

// Dynamic reports whether id was registered through AddDynamic.
func (s *Scheduler) Dynamic(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dynamic[id]
}

// Replace swaps the configured job set, as after a jobs file reload.
// Jobs keep their due time when their schedule is unchanged, and dynamic
// jobs are carried over.
func (s *Scheduler) Replace(jobs []*Job) error {
	s.mu.Lock()
	old, oldNext, oldDynamic := s.jobs, s.next, s.dynamic
	s.jobs = make(map[string]*Job, len(jobs))
	s.next = make(map[string]time.Time, len(jobs))
	s.dynamic = make(map[string]bool, len(oldDynamic))
	for id := range oldDynamic {
		j, ok := old[id]
		if !ok {
			continue
		}
		s.jobs[id] = j
		s.dynamic[id] = true
		if due, ok := oldNext[id]; ok {
			s.next[id] = due
		}
	}
	s.mu.Unlock()

	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			return err
		}
		if prev, ok := old[j.ID]; ok && sameSchedule(prev, j) {
			if due, ok := oldNext[j.ID]; ok {
				s.mu.Lock()
				s.next[j.ID] = due
				s.mu.Unlock()
			}
		}
	}
	return nil
}

func sameSchedule(a, b *Job) bool {
	return a.Cron == b.Cron && a.Every == b.Every && a.At == b.At
}

// Remove forgets a job.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	delete(s.next, id)
	delete(s.dynamic, id)
}

// Job returns a registered job.
func (s *Scheduler) Job(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Jobs returns every registered job ordered by id.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// NextRun returns when id is next due.
func (s *Scheduler) NextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.next[id]
	return t, ok
}

// Claim reserves jobID's current cycle for owner. Exactly one of any
// number of concurrent claimers wins. A store error never grants a claim.
func (s *Scheduler) Claim(ctx context.Context, jobID, owner string) (bool, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	due, scheduled := s.next[jobID]
	s.mu.Unlock()
	if !ok {
		return false, errors.ValidationError("unknown job " + jobID)
	}
	if !scheduled {
		due = s.clock.Now()
	}
	return s.claim(ctx, job, owner, due)
}

func (s *Scheduler) claim(ctx context.Context, job *Job, owner string, due time.Time) (bool, error) {
	now := s.clock.Now()
	won, err := s.claims.Claim(ctx, store.ClaimRequest{
		JobID: job.ID,
		Owner: owner,
		Now:   now,
		Due:   due,
		Lease: job.Timeout + s.leaseSlack,
	})
	if err != nil {
		s.health.Failure(health.ComponentStore, err)
		s.metrics.Claim(ctx, job.ID, "error")
		s.log.Warn("claim failed, skipping job", "job", job.ID, "error", err)
		return false, errors.PersistenceUnavailable("claim", err)
	}
	s.health.Success(health.ComponentStore)
	if !won {
		s.metrics.Claim(ctx, job.ID, "lost")
		return false, nil
	}
	s.metrics.Claim(ctx, job.ID, "won")
	if err := s.audit.LogEvent(audit.EventJobClaimed, job.GroupID, job.ID, "owner "+owner); err != nil {
		s.log.Warn("audit write failed", "error", err)
	}
	return true, nil
}

// Run executes a claimed job and records its terminal status. The job's
// timeout bounds the sandbox; a timed-out run is terminated.
func (s *Scheduler) Run(ctx context.Context, job *Job) Outcome {
	req := sandbox.SpawnRequest{
		GroupID:    job.GroupID,
		SessionID:  "job-" + job.ID,
		SecretKeys: job.Secrets,
		Prompt:     job.Prompt,
	}
	if job.ChatID != "" {
		req.Env = map[string]string{sandbox.EnvChatID: job.ChatID}
	}
	res := s.exec.Run(ctx, req, job.Timeout)

	status := runStatus(res.Status)
	out := Outcome{JobID: job.ID, Claimed: true, Status: status, Result: res, Err: res.Err}

	if err := s.claims.Finish(ctx, job.ID, s.owner, status, s.clock.Now()); err != nil {
		s.health.Failure(health.ComponentStore, err)
		s.log.Warn("recording job outcome failed", "job", job.ID, "error", err)
	}
	s.metrics.JobFinished(ctx, job.ID, string(status))
	detail := string(status)
	if res.Err != nil {
		detail += ": " + res.Err.Error()
	}
	if err := s.audit.LogEvent(audit.EventJobFinished, job.GroupID, job.ID, detail); err != nil {
		s.log.Warn("audit write failed", "error", err)
	}
	s.log.Info("job finished", "job", job.ID, "group", job.GroupID, "status", status, "duration", res.Duration)

	for _, hook := range s.hooks {
		hook(ctx, job, res)
	}
	if job.OneShot() {
		s.Remove(job.ID)
	}
	return out
}

func runStatus(st sandbox.Status) store.RunStatus {
	switch st {
	case sandbox.StatusCompleted:
		return store.StatusSucceeded
	case sandbox.StatusTimedOut:
		return store.StatusTimedOut
	default:
		return store.StatusFailed
	}
}

// RunBatch claims and runs jobs with at most MaxInFlight running at once.
// Outcomes are returned in input order.
func (s *Scheduler) RunBatch(ctx context.Context, jobs []*Job) []Outcome {
	return s.runBatch(ctx, jobs, nil)
}

func (s *Scheduler) runBatch(ctx context.Context, jobs []*Job, due map[string]time.Time) []Outcome {
	outcomes := make([]Outcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		g.Go(func() error {
			d, ok := due[job.ID]
			if !ok {
				d = s.clock.Now()
			}
			outcomes[i] = s.claimAndRun(gctx, job, d)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// claimAndRun waits for a free slot, then claims and runs job.
func (s *Scheduler) claimAndRun(ctx context.Context, job *Job, due time.Time) Outcome {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return Outcome{JobID: job.ID, Err: err}
	}
	defer s.slots.Release(1)

	won, err := s.claim(ctx, job, s.owner, due)
	if err != nil || !won {
		return Outcome{JobID: job.ID, Err: err}
	}
	return s.Run(ctx, job)
}

// Trigger runs a job now regardless of its schedule, still through a claim.
func (s *Scheduler) Trigger(ctx context.Context, jobID string) (Outcome, error) {
	job, ok := s.Job(jobID)
	if !ok {
		return Outcome{}, errors.ValidationError("unknown job " + jobID)
	}
	won, err := s.claim(ctx, job, s.owner, s.clock.Now())
	if err != nil {
		return Outcome{JobID: jobID}, err
	}
	if !won {
		return Outcome{JobID: jobID}, fmt.Errorf("job %s is already running", jobID)
	}
	return s.Run(ctx, job), nil
}

// Due returns the jobs due at now and advances their next run. Missed
// cycles collapse into one run.
func (s *Scheduler) Due(now time.Time) ([]*Job, map[string]time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	cycles := make(map[string]time.Time)
	for id, t := range s.next {
		if t.After(now) {
			continue
		}
		job := s.jobs[id]
		due = append(due, job)
		cycles[id] = t

		next := job.schedule.Next(t)
		for !next.IsZero() && !next.After(now) {
			next = job.schedule.Next(next)
		}
		if next.IsZero() {
			delete(s.next, id)
		} else {
			s.next[id] = next
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].ID < due[b].ID })
	return due, cycles
}

// Tick runs every job due now and waits for them.
func (s *Scheduler) Tick(ctx context.Context) []Outcome {
	jobs, cycles := s.Due(s.clock.Now())
	if len(jobs) == 0 {
		return nil
	}
	return s.runBatch(ctx, jobs, cycles)
}

// Dispatch starts every job due now without waiting for them and reports
// how many were started. A job whose previous run is still going skips
// this cycle.
func (s *Scheduler) Dispatch(ctx context.Context) int {
	jobs, cycles := s.Due(s.clock.Now())
	started := 0
	for _, job := range jobs {
		s.mu.Lock()
		busy := s.running[job.ID]
		s.running[job.ID] = true
		s.mu.Unlock()
		if busy {
			s.log.Info("job still running, skipping cycle", "job", job.ID)
			continue
		}

		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			defer func() {
				s.mu.Lock()
				delete(s.running, job.ID)
				s.mu.Unlock()
			}()
			s.claimAndRun(ctx, job, cycles[job.ID])
		}()
		started++
	}
	return started
}

// Wait blocks until every dispatched job has finished.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Start runs the scheduling loop until ctx is done, then waits for the
// jobs it dispatched.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.tick)
	defer ticker.Stop()
	defer s.Wait()
	s.log.Info("scheduler started", "jobs", len(s.Jobs()), "owner", s.owner)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Dispatch(ctx)
		}
	}
}
