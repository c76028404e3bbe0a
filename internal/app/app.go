package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/firefly-engineering/warden/internal/admission"
	"github.com/firefly-engineering/warden/internal/audit"
	"github.com/firefly-engineering/warden/internal/channel"
	"github.com/firefly-engineering/warden/internal/clock"
	"github.com/firefly-engineering/warden/internal/config"
	"github.com/firefly-engineering/warden/internal/errors"
	"github.com/firefly-engineering/warden/internal/health"
	"github.com/firefly-engineering/warden/internal/heartbeat"
	"github.com/firefly-engineering/warden/internal/ipc"
	"github.com/firefly-engineering/warden/internal/kb"
	"github.com/firefly-engineering/warden/internal/logging"
	"github.com/firefly-engineering/warden/internal/metrics"
	"github.com/firefly-engineering/warden/internal/monitor"
	"github.com/firefly-engineering/warden/internal/ratelimit"
	"github.com/firefly-engineering/warden/internal/runtime"
	"github.com/firefly-engineering/warden/internal/sandbox"
	"github.com/firefly-engineering/warden/internal/scheduler"
	"github.com/firefly-engineering/warden/internal/secrets"
	"github.com/firefly-engineering/warden/internal/store"
)

// App holds the orchestrator's components.
type App struct {
	Paths   *config.Paths
	Config  *config.Holder
	Runtime runtime.Runtime
	Store   store.Store
	Keys    *ipc.Keyring
	Replies channel.Sender
	Clock   clock.Clock
	Metrics *metrics.Recorder
	Log     *slog.Logger

	Health    *health.Tracker
	Audit     *audit.Logger
	Bus       *ipc.Bus
	Secrets   *secrets.Provisioner
	Limiter   *ratelimit.Limiter
	Runner    *sandbox.Runner
	Scheduler *scheduler.Scheduler
	Heartbeat *heartbeat.Heartbeat
	Admission *admission.Pipeline
	Watcher   *ipc.Watcher
	Monitor   *monitor.Monitor
	KB        *kb.Client

	mu      sync.Mutex
	watched map[string]bool
	chats   chatBindings
}

// Option is a function that configures the App
type Option func(*App)

// WithPaths sets custom paths
func WithPaths(paths *config.Paths) Option {
	return func(a *App) {
		a.Paths = paths
	}
}

// WithConfig sets the configuration holder
func WithConfig(h *config.Holder) Option {
	return func(a *App) {
		a.Config = h
	}
}

// WithRuntime sets a custom runtime
func WithRuntime(r runtime.Runtime) Option {
	return func(a *App) {
		a.Runtime = r
	}
}

// WithStore sets the durable store
func WithStore(s store.Store) Option {
	return func(a *App) {
		a.Store = s
	}
}

// WithKeyring sets the IPC master keyring
func WithKeyring(k *ipc.Keyring) Option {
	return func(a *App) {
		a.Keys = k
	}
}

// WithReplies sets where chat replies go
func WithReplies(s channel.Sender) Option {
	return func(a *App) {
		a.Replies = s
	}
}

// WithClock sets the time source for every component
func WithClock(c clock.Clock) Option {
	return func(a *App) {
		a.Clock = c
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.Recorder) Option {
	return func(a *App) {
		a.Metrics = m
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		a.Log = l
	}
}

// New builds every component. Dependencies not supplied as options are
// created from the configuration: the runtime from [sandbox], the store
// from [store] and the keyring from the environment variable named by
// ipc.key_env.
func New(ctx context.Context, opts ...Option) (*App, error) {
	a := &App{
		Paths:   config.DefaultPaths(),
		Clock:   clock.Real(),
		watched: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.Config == nil {
		cfg, err := config.Load(a.Paths.ConfigFile)
		if err != nil {
			return nil, errors.ConfigError("load "+a.Paths.ConfigFile, err)
		}
		a.Config = config.NewHolder(cfg)
	}
	if a.Log == nil {
		a.Log = logging.Logger
	}
	cfg := a.Config.Get()

	var err error
	if a.Runtime == nil {
		if a.Runtime, err = runtime.New(cfg.Sandbox); err != nil {
			return nil, err
		}
	}
	if a.Keys == nil {
		if a.Keys, err = ipc.KeyringFromEnv(cfg.IPC.KeyEnv); err != nil {
			return nil, err
		}
	}
	if a.Store == nil {
		if a.Store, err = store.Open(ctx, cfg.Store, cfg.RateLimit.Retention); err != nil {
			return nil, err
		}
	}

	a.Audit = audit.NewLogger(a.Paths.AuditDir)
	a.Health = health.NewTracker(cfg.Health.FailureThreshold,
		health.WithClock(a.Clock),
		health.OnChange(a.healthChanged))

	if a.Secrets, err = secrets.New(cfg.Secrets, secrets.WithLogger(a.Log)); err != nil {
		return nil, err
	}

	a.Bus = ipc.New(cfg.IPC.Root, a.Keys,
		ipc.WithClock(a.Clock),
		ipc.WithLogger(a.Log),
		ipc.WithMetrics(a.Metrics),
		ipc.WithAudit(a.Audit))

	a.Limiter = ratelimit.New(a.Store, a.Config.RateLimit,
		ratelimit.WithClock(a.Clock),
		ratelimit.WithLogger(a.Log),
		ratelimit.WithMetrics(a.Metrics),
		ratelimit.WithHealth(a.Health),
		ratelimit.WithAudit(a.Audit))

	runnerCfg, err := sandbox.ConfigFrom(cfg.Sandbox)
	if err != nil {
		return nil, err
	}
	policy := runtime.NewMountPolicy(cfg, a.Paths)
	if bw, ok := a.Runtime.(*runtime.BwrapRuntime); ok {
		if err := policy.CheckSystem(bw.SystemPaths); err != nil {
			return nil, errors.ConfigError("sandbox.system_paths", err)
		}
	}
	a.Runner = sandbox.NewRunner(a.Runtime, policy, runnerCfg,
		sandbox.WithProvisioner(a.Secrets),
		sandbox.WithLaunchEnv(a.channelKeys),
		sandbox.WithClock(a.Clock),
		sandbox.WithLogger(a.Log),
		sandbox.WithMetrics(a.Metrics),
		sandbox.WithHealth(a.Health),
		sandbox.WithAudit(a.Audit))

	a.Heartbeat = heartbeat.New(cfg.Heartbeat.Interval, cfg.Heartbeat.History,
		heartbeat.WithClock(a.Clock),
		heartbeat.WithLogger(a.Log),
		heartbeat.WithHealth(a.Health.Snapshot))

	owner := cfg.Scheduler.Owner
	if owner == "" {
		host, _ := os.Hostname()
		owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	a.Scheduler = scheduler.New(a.Store, a.Runner, owner,
		scheduler.WithMaxInFlight(cfg.Scheduler.MaxInFlight),
		scheduler.WithTick(cfg.Scheduler.TickInterval),
		scheduler.WithClock(a.Clock),
		scheduler.WithLogger(a.Log),
		scheduler.WithMetrics(a.Metrics),
		scheduler.WithHealth(a.Health),
		scheduler.WithAudit(a.Audit),
		scheduler.WithResultHook(a.jobFinished))
	if err := a.loadJobs(cfg.Scheduler.JobsFile); err != nil {
		return nil, err
	}

	a.Admission = admission.New(
		admission.NewNormalizer(func() map[string]string { return a.Config.Get().Identity.Aliases }),
		a.Limiter, a.Bus, a.Runner, a.Replies,
		admission.WithSecrets(func(group string) []string { return a.Config.Get().Secrets.KeysFor(group) }),
		admission.OnRoute(a.chats.bind),
		admission.WithLogger(a.Log),
		admission.WithAudit(a.Audit),
		admission.WithHeartbeat(a.Heartbeat))

	a.Watcher = ipc.NewWatcher(a.Bus, a.handleIPC, a.knownOutChannels(),
		ipc.WithPollInterval(cfg.IPC.PollInterval),
		ipc.WithQueueDepth(cfg.IPC.QueueDepth),
		ipc.WithWatcherClock(a.Clock),
		ipc.WithWatcherHealth(a.Health))

	if cfg.KB.URL != "" {
		if a.KB, err = kb.New(cfg.KB.URL,
			kb.WithClock(a.Clock),
			kb.WithLogger(a.Log),
			kb.WithCache(cfg.KB.CacheTTL, cfg.KB.CacheSize),
			kb.WithRate(cfg.KB.RatePerSecond)); err != nil {
			return nil, err
		}
	}

	a.Monitor = monitor.New(cfg.Health.CheckInterval, a.Health,
		monitor.WithClock(a.Clock),
		monitor.WithCheck(health.ComponentRuntime, a.Runtime.Ping),
		monitor.WithCheck(health.ComponentStore, a.Store.Ping),
		monitor.WithCheck(health.ComponentIPC, a.checkIPC),
		monitor.WithStatusFile(cfg.Health.StatusFile),
		monitor.WithExtra(a.statusExtra))

	return a, nil
}

// channelKeys issues a group's own channel keys to its sandbox.
func (a *App) channelKeys(group string) secrets.Set {
	return secrets.Set{
		ipc.EnvKeyIn:  a.Keys.EncodedChannelKey(ipc.InChannel(group)),
		ipc.EnvKeyOut: a.Keys.EncodedChannelKey(ipc.OutChannel(group)),
	}
}

// knownOutChannels lists the out channels of every group that has a
// channel directory, so results written before a restart are delivered.
func (a *App) knownOutChannels() []string {
	entries, err := os.ReadDir(a.Bus.Root())
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || config.ValidateGroupID(e.Name()) != nil {
			continue
		}
		out = append(out, ipc.OutChannel(e.Name()))
		a.watched[e.Name()] = true
	}
	return out
}

// watch makes sure the group's out channel is consumed.
func (a *App) watch(ctx context.Context, group string) {
	a.mu.Lock()
	seen := a.watched[group]
	a.watched[group] = true
	a.mu.Unlock()
	if seen {
		return
	}
	if err := a.Watcher.Add(ctx, ipc.OutChannel(group)); err != nil {
		a.Log.Warn("watching out channel failed", "group", group, "error", err)
	}
}

// HandleInbound admits one chat message.
func (a *App) HandleInbound(ctx context.Context, m channel.Inbound) admission.Outcome {
	out := a.Admission.Admit(ctx, m)
	if out.Action == admission.Route {
		a.watch(ctx, out.GroupID)
	}
	return out
}

func (a *App) loadJobs(path string) error {
	if path == "" {
		return nil
	}
	jobs, err := scheduler.LoadJobs(path)
	if err != nil {
		return errors.ConfigError("jobs file", err)
	}
	if err := a.Scheduler.Replace(jobs); err != nil {
		return err
	}
	for _, job := range jobs {
		a.chats.bind(job.GroupID, job.ChatID)
	}
	return nil
}

// Reload re-reads the configuration and jobs files. On error the running
// configuration is kept.
func (a *App) Reload() error {
	if err := a.Config.Reload(a.Paths.ConfigFile); err != nil {
		return errors.ConfigError("reload", err)
	}
	if err := a.loadJobs(a.Config.Get().Scheduler.JobsFile); err != nil {
		return err
	}
	a.Log.Info("configuration reloaded", "jobs", len(a.Scheduler.Jobs()))
	return nil
}

// Serve runs every background loop until ctx is done, then stops
// running sandboxes.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config.Get()
	for _, job := range a.Scheduler.Jobs() {
		a.watch(ctx, job.GroupID)
	}

	a.Heartbeat.Start(ctx, a.emitSummary)
	defer a.Heartbeat.Stop()

	g, gctx := errgroup.WithContext(ctx)
	loop := func(run func(context.Context) error) func() error {
		return func() error {
			if err := run(gctx); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		}
	}
	g.Go(loop(a.Watcher.Run))
	g.Go(loop(a.Scheduler.Start))
	g.Go(loop(a.Limiter.RunSweeper))
	g.Go(loop(a.Monitor.Run))

	a.Log.Info("orchestrator started", "runtime", a.Runtime.Name(), "store", cfg.Store.Driver, "ipc", cfg.IPC.Root)
	err := g.Wait()

	shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Sandbox.GracePeriod*3)
	defer cancel()
	if serr := a.Runner.Shutdown(shutdown); serr != nil {
		a.Log.Warn("sandboxes still running at shutdown", "error", serr)
	}
	return err
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

func (a *App) healthChanged(component string, degraded bool) {
	event, detail := audit.EventRecovered, "recovered"
	if degraded {
		event, detail = audit.EventDegraded, "degraded"
		a.Log.Error("component degraded", "component", component)
	} else {
		a.Log.Info("component recovered", "component", component)
	}
	if err := a.Audit.LogEvent(event, audit.SystemGroup, component, detail); err != nil {
		a.Log.Warn("audit write failed", "error", err)
	}
	if degraded {
		a.Heartbeat.Request()
	}
}

func (a *App) checkIPC(ctx context.Context) error {
	root := a.Bus.Root()
	if err := os.MkdirAll(root, 0o770); err != nil {
		return err
	}
	f, err := os.CreateTemp(root, ".health-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (a *App) statusExtra() map[string]any {
	active := a.Runner.Active()
	groups := make([]string, 0, len(active))
	for _, inv := range active {
		groups = append(groups, inv.GroupID)
	}
	return map[string]any{
		"runtime":        a.Runtime.Name(),
		"activeGroups":   groups,
		"scheduledJobs":  len(a.Scheduler.Jobs()),
		"heartbeatSince": a.Heartbeat.Summary().Since,
	}
}

func (a *App) emitSummary(ctx context.Context, s heartbeat.Summary) {
	text := s.String()
	a.Log.Info("heartbeat", "summary", text)
	chat := a.Config.Get().Heartbeat.ChatID
	if chat == "" || a.Replies == nil {
		return
	}
	if err := a.Replies.Send(ctx, channel.Reply{ChatID: chat, Text: text}); err != nil {
		a.Log.Warn("sending heartbeat failed", "error", err)
	}
}

func (a *App) jobFinished(ctx context.Context, job *scheduler.Job, res sandbox.Result) {
	o := heartbeat.Outcome{
		Kind:     "job",
		GroupID:  job.GroupID,
		Subject:  job.ID,
		Status:   string(res.Status),
		Duration: res.Duration,
	}
	if res.Err != nil {
		o.Err = res.Err.Error()
	}
	a.Heartbeat.Record(o)
	if res.Status != sandbox.StatusCompleted && job.ChatID != "" && a.Replies != nil {
		text := fmt.Sprintf("Scheduled job %s did not complete (%s).", job.ID, res.Status)
		if err := a.Replies.Send(ctx, channel.Reply{ChatID: job.ChatID, Text: text}); err != nil {
			a.Log.Warn("sending job failure failed", "job", job.ID, "error", err)
		}
	}
}

// handleIPC acts on one verified message from a sandbox. The channel,
// whose key only that group's sandbox holds, identifies the group.
func (a *App) handleIPC(ctx context.Context, msg *ipc.Message) error {
	group := ipc.GroupOf(msg.Channel)
	task, err := ipc.ParseTask(msg.Payload)
	if err != nil {
		a.Log.Warn("discarding invalid task", "channel", msg.Channel, "id", msg.ID, "error", err)
		a.Heartbeat.Count(heartbeat.CounterErrors)
		return nil
	}
	if task.GroupID != "" && task.GroupID != group {
		a.Log.Warn("task names another group", "channel", msg.Channel, "group", task.GroupID)
		return nil
	}

	switch task.Type {
	case ipc.TaskResult:
		if !a.chats.bound(group, task.ChatID) {
			a.Log.Warn("result for a chat not bound to the group", "group", group, "chat", task.ChatID, "id", msg.ID)
			a.Heartbeat.Count(heartbeat.CounterErrors)
			return nil
		}
		if a.Replies == nil {
			return nil
		}
		return a.Replies.Send(ctx, channel.Reply{ChatID: task.ChatID, Text: task.Text})

	case ipc.TaskError:
		if !a.Runner.ReportError(group, task.InvocationID, task.Error) {
			a.Log.Info("error report for no running invocation of the group", "group", group, "invocation", task.InvocationID, "error", task.Error)
		}
		return nil

	case ipc.TaskScheduleTask:
		return a.scheduleFromTask(group, task)

	case ipc.TaskKBSearch, ipc.TaskKBLearn:
		return a.answerKB(ctx, group, task)

	default:
		a.Log.Warn("unexpected task type from sandbox", "channel", msg.Channel, "type", task.Type)
		return nil
	}
}

func (a *App) scheduleFromTask(group string, task *ipc.Task) error {
	if task.ChatID != "" && !a.chats.bound(group, task.ChatID) {
		a.Log.Warn("scheduled task names a chat not bound to the group", "group", group, "chat", task.ChatID)
		a.Heartbeat.Count(heartbeat.CounterErrors)
		return nil
	}
	id := group + "." + task.JobID
	if _, ok := a.Scheduler.Job(id); ok && !a.Scheduler.Dynamic(id) {
		a.Log.Warn("scheduled task would replace a configured job", "group", group, "job", id)
		return nil
	}
	job := &scheduler.Job{
		ID:      id,
		GroupID: group,
		ChatID:  task.ChatID,
		At:      task.At,
		Prompt:  task.Prompt,
	}
	if task.Timeout != "" {
		d, err := time.ParseDuration(task.Timeout)
		if err != nil {
			a.Log.Warn("ignoring scheduled task with bad timeout", "job", job.ID, "error", err)
			return nil
		}
		job.Timeout = d
	}
	if err := job.Compile(time.UTC); err != nil {
		a.Log.Warn("ignoring invalid scheduled task", "job", job.ID, "error", err)
		return nil
	}
	a.Log.Info("sandbox scheduled a job", "job", job.ID, "at", job.At)
	return a.Scheduler.AddDynamic(job)
}

func (a *App) answerKB(ctx context.Context, group string, task *ipc.Task) error {
	reply := ipc.Task{Type: ipc.TaskKBResult, RequestID: task.RequestID, GroupID: group}
	switch {
	case a.KB == nil:
		reply.Error = "knowledge base is not configured"
	case task.Type == ipc.TaskKBSearch:
		limit := task.Limit
		if limit == 0 {
			limit = 5
		}
		results, err := a.KB.Search(ctx, task.Query, task.Mode, limit)
		if err != nil {
			reply.Error = err.Error()
			break
		}
		data, err := json.Marshal(results)
		if err != nil {
			return err
		}
		reply.Text = string(data)
	case task.DocID != "":
		if err := a.KB.Supersede(ctx, task.DocID, kb.Document{GroupID: group, Title: task.Title, Content: task.Text}); err != nil {
			reply.Error = err.Error()
			break
		}
		reply.DocID = task.DocID
	default:
		id, err := a.KB.Learn(ctx, kb.Document{GroupID: group, Title: task.Title, Content: task.Text})
		if err != nil {
			reply.Error = err.Error()
			break
		}
		reply.DocID = id
	}

	payload, err := reply.Encode()
	if err != nil {
		return err
	}
	_, err = a.Bus.Publish(ctx, ipc.InChannel(group), payload)
	return err
}
