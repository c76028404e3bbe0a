package ipc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) handle(ctx context.Context, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg.Channel+":"+string(msg.Payload))
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func runWatcher(t *testing.T, w *Watcher) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("watcher did not stop")
		}
	}
}

func TestWatcherDeliversAcrossRestart(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	c := &collector{}

	// Published before the watcher starts: drained on start.
	_, err := b.Publish(ctx, "family/out", []byte("early"))
	require.NoError(t, err)

	stop := runWatcher(t, NewWatcher(b, c.handle, []string{"family/out"}, WithPollInterval(20*time.Millisecond)))
	_, err = b.Publish(ctx, "family/out", []byte("live"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 5*time.Second, 10*time.Millisecond)
	stop()

	// Published while stopped, delivered by the next watcher, and nothing
	// from the first run is delivered again.
	_, err = b.Publish(ctx, "family/out", []byte("while-down"))
	require.NoError(t, err)

	stop = runWatcher(t, NewWatcher(b, c.handle, []string{"family/out"}, WithPollInterval(20*time.Millisecond)))
	require.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	stop()

	assert.Equal(t, []string{"family/out:early", "family/out:live", "family/out:while-down"}, c.snapshot())
}

func TestWatcherAddChannel(t *testing.T) {
	b := newTestBus(t)
	c := &collector{}
	w := NewWatcher(b, c.handle, nil, WithPollInterval(20*time.Millisecond))
	stop := runWatcher(t, w)
	defer stop()

	require.NoError(t, w.Add(context.Background(), "work/out"))
	_, err := b.Publish(context.Background(), "work/out", []byte("hi"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"work/out:hi"}, c.snapshot())
}

func TestWatcherSurvivesForgedMessages(t *testing.T) {
	b := newTestBus(t)
	c := &collector{}
	require.NoError(t, b.Ensure("family/out"))

	writeForged(t, b, "family/out", "0000000000001-x.msg")
	stop := runWatcher(t, NewWatcher(b, c.handle, []string{"family/out"}, WithPollInterval(20*time.Millisecond)))
	defer stop()

	writeForged(t, b, "family/out", "0000000000002-y.msg")
	_, err := b.Publish(context.Background(), "family/out", []byte("valid"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		q, _ := b.Quarantined("family/out")
		return len(q) == 2
	}, 5*time.Second, 10*time.Millisecond)
}
