package admission

import (
	"bytes"
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefly-engineering/warden/internal/channel"
	"github.com/firefly-engineering/warden/internal/clock"
	"github.com/firefly-engineering/warden/internal/config"
	"github.com/firefly-engineering/warden/internal/heartbeat"
	"github.com/firefly-engineering/warden/internal/ipc"
	"github.com/firefly-engineering/warden/internal/ratelimit"
	"github.com/firefly-engineering/warden/internal/sandbox"
	"github.com/firefly-engineering/warden/internal/store"
)

var epoch = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

type queued struct {
	req  sandbox.SpawnRequest
	done func(sandbox.Result)
}

type fakeRunner struct {
	mu   sync.Mutex
	jobs []queued
}

func (f *fakeRunner) Enqueue(ctx context.Context, req sandbox.SpawnRequest, timeout time.Duration, done func(sandbox.Result)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, queued{req, done})
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fixture struct {
	pipeline *Pipeline
	clock    *clock.FakeClock
	store    *store.MemoryStore
	bus      *ipc.Bus
	runner   *fakeRunner
	replies  *channel.Memory
	hb       *heartbeat.Heartbeat
}

func newFixture(t *testing.T, aliases map[string]string, opts ...Option) *fixture {
	t.Helper()
	fc := clock.NewFake(epoch)
	st := store.NewMemory()
	limiter := ratelimit.New(st, func() config.RateLimitConfig {
		return config.RateLimitConfig{
			User:      config.Limit{MaxPerWindow: 10, Window: time.Minute},
			Group:     config.Limit{MaxPerWindow: 50, Window: time.Minute},
			Global:    config.Limit{MaxPerWindow: 200, Window: time.Minute},
			Retention: 2 * time.Hour,
		}
	}, ratelimit.WithClock(fc))

	keys, err := ipc.NewKeyring(bytes.Repeat([]byte{7}, ipc.MinKeySize))
	require.NoError(t, err)
	bus := ipc.New(t.TempDir(), keys, ipc.WithClock(fc))

	f := &fixture{
		clock:   fc,
		store:   st,
		bus:     bus,
		runner:  &fakeRunner{},
		replies: &channel.Memory{},
		hb:      heartbeat.New(time.Hour, 10, heartbeat.WithClock(fc)),
	}
	f.pipeline = New(NewNormalizer(func() map[string]string { return aliases }),
		limiter, bus, f.runner, f.replies, append([]Option{WithHeartbeat(f.hb)}, opts...)...)
	return f
}

func msg(sender, text string) channel.Inbound {
	return channel.Inbound{SenderID: sender, GroupID: "team-a", ChatID: "chat-1", Text: text}
}

// User A sends 10 messages in 60s with a limit of 10: all admitted. The
// 11th inside the window is denied with a notice; 61s after the first,
// the next message is admitted.
func TestTenInSixtySeconds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		out := f.pipeline.Admit(ctx, msg("alice", "hello"))
		require.Equal(t, Route, out.Action, "message %d", i+1)
		f.clock.Advance(5 * time.Second)
	}

	out := f.pipeline.Admit(ctx, msg("alice", "one more"))
	assert.Equal(t, Drop, out.Action)
	assert.Equal(t, ratelimit.KindUser, out.Decision.Denied.Kind)
	assert.Equal(t, []channel.Reply{{ChatID: "chat-1", Text: Notice}}, f.replies.Replies())
	assert.Equal(t, 10, f.runner.count())

	f.clock.Advance(11 * time.Second) // 61s after the first message
	out = f.pipeline.Admit(ctx, msg("alice", "back again"))
	assert.Equal(t, Route, out.Action)

	s := f.hb.Summary()
	assert.Equal(t, int64(11), s.Counters[heartbeat.CounterAdmitted])
	assert.Equal(t, int64(1), s.Counters[heartbeat.CounterDenied])
}

func TestRoutedMessagePublishesSignedTask(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	out := f.pipeline.Admit(ctx, channel.Inbound{SenderID: "Alice", GroupID: "Team-A", ChatID: "chat-9", Text: "deploy please"})
	require.Equal(t, Route, out.Action)
	assert.Equal(t, "alice", out.UserID)
	assert.Equal(t, "team-a", out.GroupID)

	m, ok, err := f.bus.Consume(ctx, ipc.InChannel("team-a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, out.TaskID, m.ID)

	task, err := ipc.ParseTask(m.Payload)
	require.NoError(t, err)
	assert.Equal(t, ipc.TaskMessage, task.Type)
	assert.Equal(t, "deploy please", task.Text)
	assert.Equal(t, "chat-9", task.ChatID)

	require.Equal(t, 1, f.runner.count())
	assert.Equal(t, "team-a", f.runner.jobs[0].req.GroupID)
}

func TestOnRouteSeesChatBeforeSandboxIsQueued(t *testing.T) {
	type binding struct {
		group, chat string
		queued      int
	}
	var got []binding
	var f *fixture
	f = newFixture(t, nil, OnRoute(func(group, chat string) {
		got = append(got, binding{group, chat, f.runner.count()})
	}))
	ctx := context.Background()

	require.Equal(t, Route, f.pipeline.Admit(ctx, channel.Inbound{SenderID: "a", GroupID: "Team-A", ChatID: "chat-9", Text: "hi"}).Action)
	require.Equal(t, Drop, f.pipeline.Admit(ctx, channel.Inbound{SenderID: "a", GroupID: "team-a", ChatID: "chat-9"}).Action)

	assert.Equal(t, []binding{{"team-a", "chat-9", 0}}, got)
}

func TestGroupDenialIsSilent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// 50 distinct users exhaust the group limit.
	for i := 0; i < 50; i++ {
		out := f.pipeline.Admit(ctx, msg(string(rune('a'+i%26))+string(rune('a'+i/26)), "hi"))
		require.Equal(t, Route, out.Action)
	}
	out := f.pipeline.Admit(ctx, msg("newcomer", "hi"))
	assert.Equal(t, Drop, out.Action)
	assert.Equal(t, ratelimit.KindGroup, out.Decision.Denied.Kind)
	assert.Empty(t, f.replies.Replies())
}

func TestFailOpenStillRoutes(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Err = stderrors.New("disk full")

	out := f.pipeline.Admit(context.Background(), msg("alice", "hi"))
	assert.Equal(t, Route, out.Action)
	assert.True(t, out.Decision.FailOpen)
	assert.Equal(t, int64(1), f.hb.Summary().Counters[heartbeat.CounterFailOpen])
}

func TestAliasesShareOneLimit(t *testing.T) {
	f := newFixture(t, map[string]string{"tg:42": "alice", "Slack:U123": "alice"})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.Equal(t, Route, f.pipeline.Admit(ctx, msg("tg:42", "x")).Action)
		require.Equal(t, Route, f.pipeline.Admit(ctx, msg("slack:u123", "x")).Action)
	}
	out := f.pipeline.Admit(ctx, msg("alice", "x"))
	assert.Equal(t, Drop, out.Action)
	assert.Equal(t, "alice", out.UserID)
}

func TestDropsMalformed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		in   channel.Inbound
	}{
		{"empty text", channel.Inbound{SenderID: "a", GroupID: "g", ChatID: "c"}},
		{"no sender", channel.Inbound{GroupID: "g", ChatID: "c", Text: "x"}},
		{"no group", channel.Inbound{SenderID: "a", ChatID: "c", Text: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := f.pipeline.Admit(ctx, tt.in)
			assert.Equal(t, Drop, out.Action)
			assert.NotEmpty(t, out.Reason)
		})
	}
	assert.Equal(t, 0, f.runner.count())
}

func TestFailedRunRepliesAndRecords(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.Equal(t, Route, f.pipeline.Admit(ctx, msg("alice", "hi")).Action)
	f.runner.jobs[0].done(sandbox.Result{GroupID: "team-a", InvocationID: "inv-1", Status: sandbox.StatusTimedOut, Err: stderrors.New("timed out")})

	assert.Equal(t, []channel.Reply{{ChatID: "chat-1", Text: FailureReply}}, f.replies.Replies())
	s := f.hb.Summary()
	require.Len(t, s.Recent, 1)
	assert.Equal(t, "timed_out", s.Recent[0].Status)
	assert.Equal(t, int64(1), s.Counters[heartbeat.CounterErrors])
}

func TestNormalizeGroup(t *testing.T) {
	n := NewNormalizer(nil)

	id, ok := n.Group("Team-A")
	assert.True(t, ok)
	assert.Equal(t, "team-a", id)

	a, _ := n.Group("-100123456")
	b, _ := n.Group("-100123456")
	c, _ := n.Group("-100123457")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NoError(t, config.ValidateGroupID(a))

	_, ok = n.Group("  ")
	assert.False(t, ok)
}

func TestNormalizeGroupDigestsNeverEqualKeptIDs(t *testing.T) {
	n := NewNormalizer(nil)

	digest, ok := n.Group("-100123456")
	require.True(t, ok)
	assert.Regexp(t, `^g-[0-9a-f]{16}$`, digest)

	// A raw id spelled like that digest is hashed rather than kept.
	again, ok := n.Group(digest)
	require.True(t, ok)
	assert.NotEqual(t, digest, again)
	assert.NoError(t, config.ValidateGroupID(again))

	upper, _ := n.Group(strings.ToUpper(digest))
	assert.NotEqual(t, digest, upper)

	kept, _ := n.Group("g0123456789abcdef")
	assert.Equal(t, "g0123456789abcdef", kept)
}

func TestNormalizeUserAliasesAreDeterministic(t *testing.T) {
	aliases := map[string]string{
		"Alice":  "alice-main",
		"ALICE":  "alice-ops",
		" alice": "alice-old",
		"bob":    "robert",
	}
	n := NewNormalizer(func() map[string]string { return aliases })

	for i := 0; i < 100; i++ {
		require.Equal(t, "alice-old", n.User("alice"), "iteration %d", i)
	}
	assert.Equal(t, "robert", n.User("BOB"))
	assert.Equal(t, "carol", n.User(" Carol "))
}
