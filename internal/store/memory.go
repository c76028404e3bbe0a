package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. It is the test double
// for the durable backends and the "memory" driver for throwaway runs.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string][]int64
	jobs   map[string]JobRecord

	// Err, when set, is returned by every operation.
	Err error
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		events: make(map[string][]int64),
		jobs:   make(map[string]JobRecord),
	}
}

var _ Store = (*MemoryStore)(nil)

// SetError makes every subsequent call fail with err (nil restores).
func (m *MemoryStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

func (m *MemoryStore) countLocked(scope string, since int64) int {
	n := 0
	for _, ts := range m.events[scope] {
		if ts > since {
			n++
		}
	}
	return n
}

func (m *MemoryStore) CheckAndRecord(ctx context.Context, windows []Window, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	nowMs := now.UnixMilli()
	for i, w := range windows {
		if m.countLocked(w.Scope, nowMs-w.Length.Milliseconds()) >= w.Limit {
			return i, nil
		}
	}
	for _, w := range windows {
		m.events[w.Scope] = append(m.events[w.Scope], nowMs)
	}
	return Admitted, nil
}

func (m *MemoryStore) Count(ctx context.Context, scope string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return m.countLocked(scope, since.UnixMilli()), nil
}

func (m *MemoryStore) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	c := cutoff.UnixMilli()
	var removed int64
	for scope, ts := range m.events {
		kept := ts[:0]
		for _, t := range ts {
			if t > c {
				kept = append(kept, t)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(m.events, scope)
		} else {
			m.events[scope] = kept
		}
	}
	return removed, nil
}

func (m *MemoryStore) Claim(ctx context.Context, req ClaimRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}

	rec, ok := m.jobs[req.JobID]
	if ok {
		if rec.Active(req.Now) {
			return false, nil
		}
		if !rec.LastClaimedAt.Before(req.Due) {
			return false, nil
		}
	}
	rec.JobID = req.JobID
	rec.LastClaimedBy = req.Owner
	rec.LastClaimedAt = req.Now
	rec.LeaseUntil = req.Now.Add(req.Lease)
	m.jobs[req.JobID] = rec
	return true, nil
}

func (m *MemoryStore) Finish(ctx context.Context, jobID, owner string, status RunStatus, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	rec, ok := m.jobs[jobID]
	if !ok || rec.LastClaimedBy != owner || rec.LeaseUntil.IsZero() {
		return nil
	}
	rec.LeaseUntil = time.Time{}
	rec.LastStatus = status
	rec.LastFinishedAt = now
	m.jobs[jobID] = rec
	return nil
}

func (m *MemoryStore) Job(ctx context.Context, jobID string) (JobRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return JobRecord{}, false, m.Err
	}
	rec, ok := m.jobs[jobID]
	return rec, ok, nil
}

func (m *MemoryStore) Jobs(ctx context.Context) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]JobRecord, 0, len(m.jobs))
	for _, rec := range m.jobs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Err
}

func (m *MemoryStore) Close() error { return nil }
