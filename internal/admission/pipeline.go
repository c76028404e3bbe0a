// Package admission decides what happens to each inbound chat message.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/firefly-engineering/warden/internal/audit"
	"github.com/firefly-engineering/warden/internal/channel"
	"github.com/firefly-engineering/warden/internal/heartbeat"
	"github.com/firefly-engineering/warden/internal/ipc"
	"github.com/firefly-engineering/warden/internal/logging"
	"github.com/firefly-engineering/warden/internal/ratelimit"
	"github.com/firefly-engineering/warden/internal/sandbox"
)

// Notice is sent to a sender whose own limit is exhausted.
const Notice = "You are sending messages faster than I can keep up. Please wait a minute and try again."

// FailureReply is sent when a message could not be processed.
const FailureReply = "Sorry, I could not process that message. Please try again later."

// Action is what happened to a message.
type Action int

const (
	// Route means the message was handed to its group's sandbox.
	Route Action = iota
	// Drop means the message was discarded.
	Drop
)

func (a Action) String() string {
	if a == Route {
		return "route"
	}
	return "drop"
}

// Outcome describes one admission.
type Outcome struct {
	Action   Action
	Reason   string // set for Drop
	UserID   string
	GroupID  string
	TaskID   string // IPC message id, set for Route
	Decision ratelimit.Decision
}

// Checker is the rate limiter.
type Checker interface {
	CheckAndRecord(ctx context.Context, keys []ratelimit.ScopeKey) ratelimit.Decision
}

// Publisher writes signed IPC messages.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) (string, error)
}

// Dispatcher queues sandbox runs per group. *sandbox.Runner implements it.
type Dispatcher interface {
	Enqueue(ctx context.Context, req sandbox.SpawnRequest, timeout time.Duration, done func(sandbox.Result))
}

// Pipeline normalizes, rate limits and routes inbound messages.
type Pipeline struct {
	norm    Normalizer
	limiter Checker
	bus     Publisher
	runner  Dispatcher
	replies channel.Sender

	secretKeys func(group string) []string
	timeout    time.Duration

	log       *slog.Logger
	audit     *audit.Logger
	heartbeat *heartbeat.Heartbeat
	observers []func(ctx context.Context, m channel.Inbound, res sandbox.Result)
	onRoute   []func(group, chatID string)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSecrets chooses the secret keys requested for a group's sandbox.
func WithSecrets(fn func(group string) []string) Option {
	return func(p *Pipeline) { p.secretKeys = fn }
}

// WithTimeout bounds each sandbox run. Zero uses the runner default.
func WithTimeout(d time.Duration) Option { return func(p *Pipeline) { p.timeout = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.log = l } }

// WithAudit records admissions and denials.
func WithAudit(a *audit.Logger) Option { return func(p *Pipeline) { p.audit = a } }

// WithHeartbeat feeds counters and run outcomes to h.
func WithHeartbeat(h *heartbeat.Heartbeat) Option { return func(p *Pipeline) { p.heartbeat = h } }

// WithObserver calls fn after every routed message's sandbox run.
func WithObserver(fn func(ctx context.Context, m channel.Inbound, res sandbox.Result)) Option {
	return func(p *Pipeline) { p.observers = append(p.observers, fn) }
}

// OnRoute calls fn with the group and chat of every admitted message
// before its sandbox is queued.
func OnRoute(fn func(group, chatID string)) Option {
	return func(p *Pipeline) { p.onRoute = append(p.onRoute, fn) }
}

// New returns a Pipeline.
func New(norm Normalizer, limiter Checker, bus Publisher, runner Dispatcher, replies channel.Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		norm:    norm,
		limiter: limiter,
		bus:     bus,
		runner:  runner,
		replies: replies,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logging.Component(p.log, "admission")
	return p
}

func (p *Pipeline) count(name string) {
	if p.heartbeat != nil {
		p.heartbeat.Count(name)
	}
}

func (p *Pipeline) drop(out Outcome, reason string) Outcome {
	out.Action = Drop
	out.Reason = reason
	p.log.Debug("message dropped", "group", out.GroupID, "user", out.UserID, "reason", reason)
	return out
}

// Admit handles one inbound message. It never blocks on the sandbox run.
func (p *Pipeline) Admit(ctx context.Context, m channel.Inbound) Outcome {
	var out Outcome
	if m.Text == "" {
		return p.drop(out, "empty message")
	}
	out.UserID = p.norm.User(m.SenderID)
	if out.UserID == "" {
		return p.drop(out, "missing sender")
	}
	group, ok := p.norm.Group(m.GroupID)
	if !ok {
		return p.drop(out, "missing group")
	}
	out.GroupID = group

	keys := []ratelimit.ScopeKey{ratelimit.User(out.UserID), ratelimit.Group(group), ratelimit.Global()}
	out.Decision = p.limiter.CheckAndRecord(ctx, keys)

	if !out.Decision.Admitted {
		p.count(heartbeat.CounterDenied)
		scope := out.Decision.Denied.String()
		if err := p.audit.LogEvent(audit.EventDenied, group, out.UserID, scope); err != nil {
			p.log.Warn("audit write failed", "error", err)
		}
		if out.Decision.NotifyUser() {
			p.reply(ctx, m.ChatID, Notice)
		}
		return p.drop(out, "rate limited: "+scope)
	}
	if out.Decision.FailOpen {
		p.count(heartbeat.CounterFailOpen)
	}
	p.count(heartbeat.CounterAdmitted)
	if err := p.audit.LogEvent(audit.EventAdmitted, group, out.UserID, ""); err != nil {
		p.log.Warn("audit write failed", "error", err)
	}
	for _, fn := range p.onRoute {
		fn(group, m.ChatID)
	}

	task := ipc.Task{
		Type:     ipc.TaskMessage,
		GroupID:  group,
		ChatID:   m.ChatID,
		SenderID: out.UserID,
		Text:     m.Text,
	}
	payload, err := task.Encode()
	if err != nil {
		return p.drop(out, fmt.Sprintf("invalid task: %v", err))
	}
	id, err := p.bus.Publish(ctx, ipc.InChannel(group), payload)
	if err != nil {
		p.count(heartbeat.CounterErrors)
		p.log.Error("publishing task failed", "group", group, "error", err)
		p.reply(ctx, m.ChatID, FailureReply)
		return p.drop(out, "ipc publish failed")
	}
	out.TaskID = id

	req := sandbox.SpawnRequest{
		GroupID:   group,
		SessionID: m.ChatID,
		Env:       map[string]string{sandbox.EnvChatID: m.ChatID},
	}
	if p.secretKeys != nil {
		req.SecretKeys = p.secretKeys(group)
	}
	p.runner.Enqueue(context.WithoutCancel(ctx), req, p.timeout, func(res sandbox.Result) {
		p.finished(ctx, m, res)
	})

	out.Action = Route
	p.log.Debug("message routed", "group", group, "user", out.UserID, "task", id)
	return out
}

func (p *Pipeline) finished(ctx context.Context, m channel.Inbound, res sandbox.Result) {
	if p.heartbeat != nil {
		o := heartbeat.Outcome{
			Kind:     "message",
			GroupID:  res.GroupID,
			Subject:  res.InvocationID,
			Status:   string(res.Status),
			Duration: res.Duration,
		}
		if res.Err != nil {
			o.Err = res.Err.Error()
		}
		p.heartbeat.Record(o)
	}
	if res.Status != sandbox.StatusCompleted {
		p.count(heartbeat.CounterErrors)
		p.log.Warn("sandbox run did not complete", "group", res.GroupID, "status", res.Status, "error", res.Err)
		p.reply(context.WithoutCancel(ctx), m.ChatID, FailureReply)
	}
	for _, fn := range p.observers {
		fn(ctx, m, res)
	}
}

func (p *Pipeline) reply(ctx context.Context, chatID, text string) {
	if p.replies == nil || chatID == "" {
		return
	}
	if err := p.replies.Send(ctx, channel.Reply{ChatID: chatID, Text: text}); err != nil {
		p.log.Warn("sending reply failed", "chat", chatID, "error", err)
	}
}
