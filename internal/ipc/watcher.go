package ipc

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/firefly-engineering/warden/internal/clock"
	"github.com/firefly-engineering/warden/internal/health"
	"github.com/firefly-engineering/warden/internal/logging"
)

// Handler processes one verified message. The message is already
// committed when the handler runs; an error is logged, not retried.
type Handler func(ctx context.Context, msg *Message) error

// Watcher consumes a set of channels, one message at a time, in
// per-channel creation order.
type Watcher struct {
	bus      *Bus
	handler  Handler
	channels []string
	interval time.Duration
	depth    int
	retain   time.Duration
	clock    clock.Clock
	log      *slog.Logger
	health   health.Reporter

	adds chan string
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithPollInterval sets the rescan interval.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithQueueDepth bounds the notification queue.
func WithQueueDepth(n int) WatcherOption {
	return func(w *Watcher) { w.depth = n }
}

// WithRetention sets how long processed records are kept.
func WithRetention(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.retain = d }
}

// WithWatcherClock sets the time source.
func WithWatcherClock(c clock.Clock) WatcherOption {
	return func(w *Watcher) { w.clock = c }
}

// WithWatcherHealth reports filesystem failures.
func WithWatcherHealth(r health.Reporter) WatcherOption {
	return func(w *Watcher) { w.health = r }
}

// NewWatcher returns a Watcher for channels.
func NewWatcher(bus *Bus, handler Handler, channels []string, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		bus:      bus,
		handler:  handler,
		channels: append([]string(nil), channels...),
		interval: 2 * time.Second,
		depth:    64,
		retain:   24 * time.Hour,
		clock:    clock.Real(),
		health:   health.Nop{},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.adds = make(chan string, w.depth)
	w.log = logging.Component(bus.log, "ipc-watcher")
	return w
}

// Add starts watching another channel. It is safe to call while Run is
// active; the channel is picked up on the next loop iteration.
func (w *Watcher) Add(ctx context.Context, channel string) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	select {
	case w.adds <- channel:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes until ctx is done. Pending messages are drained on start,
// on every notification and on every rescan tick.
func (w *Watcher) Run(ctx context.Context) error {
	n, err := newNotifier(w.depth)
	if err != nil {
		w.log.Warn("filesystem notifications unavailable, polling only", "error", err)
		n = pollNotifier{}
	}
	defer n.Close()

	byDir := make(map[string]string)
	watched := make(map[string]bool)
	add := func(channel string) {
		if watched[channel] {
			return
		}
		if err := w.bus.Ensure(channel); err != nil {
			w.log.Error("cannot watch channel", "channel", channel, "error", err)
			w.health.Failure(health.ComponentIPC, err)
			return
		}
		dir := w.bus.sub(channel, pendingDir)
		if err := n.Add(dir); err != nil {
			w.log.Warn("notification watch failed, channel is polled", "channel", channel, "error", err)
		}
		byDir[filepath.Clean(dir)] = channel
		watched[channel] = true
		w.drain(ctx, channel)
	}

	for _, channel := range w.channels {
		add(channel)
	}

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()
	lastPrune := w.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case channel := <-w.adds:
			add(channel)

		case dir := <-n.Events():
			if channel, ok := byDir[filepath.Clean(dir)]; ok {
				w.drain(ctx, channel)
			}

		case now := <-ticker.C:
			for _, channel := range sortedKeys(watched) {
				w.drain(ctx, channel)
			}
			if now.Sub(lastPrune) >= time.Hour {
				lastPrune = now
				w.prune(now, sortedKeys(watched))
			}
		}
	}
}

// drain consumes every valid pending message of channel.
func (w *Watcher) drain(ctx context.Context, channel string) {
	for ctx.Err() == nil {
		msg, ok, err := w.bus.Consume(ctx, channel)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Error("consume failed", "channel", channel, "error", err)
				w.health.Failure(health.ComponentIPC, err)
			}
			return
		}
		w.health.Success(health.ComponentIPC)
		if !ok {
			return
		}
		if err := w.handler(ctx, msg); err != nil {
			w.log.Warn("message handler failed", "channel", channel, "id", msg.ID, "error", err)
		}
	}
}

func (w *Watcher) prune(now time.Time, channels []string) {
	for _, channel := range channels {
		if n, err := w.bus.Prune(channel, now.Add(-w.retain)); err == nil && n > 0 {
			w.log.Debug("pruned processed records", "channel", channel, "removed", n)
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
