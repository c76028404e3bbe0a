package sandbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// groupQueue runs at most one sandbox per group. Jobs run in FIFO order.
type groupQueue struct {
	mu      sync.Mutex
	busy    atomic.Bool
	pending []*job
}

type job struct {
	ctx     context.Context
	req     SpawnRequest
	timeout time.Duration
	done    func(Result)
}

func (r *Runner) queue(group string) *groupQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[group]
	if !ok {
		q = &groupQueue{}
		r.queues[group] = q
	}
	return q
}

// Enqueue schedules req behind any sandbox already running for its group.
// Different groups run in parallel. done, if set, receives the result.
func (r *Runner) Enqueue(ctx context.Context, req SpawnRequest, timeout time.Duration, done func(Result)) {
	q := r.queue(req.GroupID)
	q.mu.Lock()
	q.pending = append(q.pending, &job{ctx: ctx, req: req, timeout: timeout, done: done})
	q.mu.Unlock()
	r.kick(q)
}

func (r *Runner) kick(q *groupQueue) {
	if !q.busy.CompareAndSwap(false, true) {
		return
	}
	r.workers.Add(1)
	go r.drain(q)
}

func (r *Runner) drain(q *groupQueue) {
	defer r.workers.Done()
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.busy.Store(false)
			q.mu.Unlock()
			return
		}
		j := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		res := r.runNow(j.ctx, j.req, j.timeout)
		if j.done != nil {
			j.done(res)
		}
	}
}

// Run enqueues req and waits for its result.
func (r *Runner) Run(ctx context.Context, req SpawnRequest, timeout time.Duration) Result {
	ch := make(chan Result, 1)
	r.Enqueue(ctx, req, timeout, func(res Result) { ch <- res })
	return <-ch
}

func (r *Runner) runNow(ctx context.Context, req SpawnRequest, timeout time.Duration) Result {
	if err := ctx.Err(); err != nil {
		return Result{GroupID: req.GroupID, Status: StatusFailed, Err: err}
	}
	inv, err := r.Spawn(ctx, req)
	if err != nil {
		return Result{GroupID: req.GroupID, Status: StatusFailed, Err: err}
	}
	return r.Await(ctx, inv, timeout)
}

// Busy reports whether a sandbox for group is running or queued.
func (r *Runner) Busy(group string) bool {
	return r.queue(group).busy.Load()
}

// Queued returns the number of requests waiting for group.
func (r *Runner) Queued(group string) int {
	q := r.queue(group)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Shutdown terminates running sandboxes and waits for queue workers.
// Queued requests still run unless their contexts are cancelled.
func (r *Runner) Shutdown(ctx context.Context) error {
	for _, inv := range r.Active() {
		if err := r.Terminate(inv); err != nil {
			r.log.Warn("shutdown: terminate failed", "invocation", inv.ID, "error", err)
		}
	}
	done := make(chan struct{})
	go func() {
		r.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
