// Package store holds the state that must survive a restart and that more
// than one worker mutates: rate-limit events and scheduled-job claims.
//
// Every backend implements the same Store interface with the same atomic
// semantics: CheckAndRecord either records one event per window or none,
// and Claim is a compare-and-set that at most one caller wins.
package store

import (
	"context"
	"time"
)

// Window is one scope's sliding-window ceiling for a single check.
type Window struct {
	Scope  string
	Limit  int
	Length time.Duration
}

// Admitted is returned by CheckAndRecord when no window was full.
const Admitted = -1

// RateLimitStore is the append + range-count store behind the limiter.
type RateLimitStore interface {
	// CheckAndRecord counts events with timestamp > now-Length for each
	// window in order. If a window holds Limit or more events it returns
	// that window's index and records nothing. Otherwise it records one
	// event at now for every window and returns Admitted.
	CheckAndRecord(ctx context.Context, windows []Window, now time.Time) (int, error)

	// Count returns the number of events for scope newer than since.
	Count(ctx context.Context, scope string, since time.Time) (int, error)

	// Sweep deletes events at or before cutoff and reports how many went.
	Sweep(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunStatus is the terminal state of one job run.
type RunStatus string

const (
	StatusNone      RunStatus = ""
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusTimedOut  RunStatus = "timed_out"
)

// ClaimRequest asks to reserve a job for one cycle.
type ClaimRequest struct {
	JobID string
	Owner string
	Now   time.Time
	// Due is the start of the cycle being claimed. A job last claimed at
	// or after Due has already been taken for this cycle.
	Due time.Time
	// Lease bounds how long the claim holds if the owner never finishes.
	Lease time.Duration
}

// JobRecord is the persisted claim state of a scheduled job.
type JobRecord struct {
	JobID          string
	LastClaimedBy  string
	LastClaimedAt  time.Time
	LeaseUntil     time.Time // zero while idle
	LastStatus     RunStatus
	LastFinishedAt time.Time
}

// Active reports whether a claim is held at now.
func (r JobRecord) Active(now time.Time) bool {
	return !r.LeaseUntil.IsZero() && r.LeaseUntil.After(now)
}

// ClaimStore persists job claims.
type ClaimStore interface {
	// Claim succeeds for exactly one caller when the job is idle (or its
	// lease expired) and was last claimed before req.Due.
	Claim(ctx context.Context, req ClaimRequest) (bool, error)

	// Finish releases owner's claim and records the run's outcome. It is
	// a no-op when owner no longer holds the claim.
	Finish(ctx context.Context, jobID, owner string, status RunStatus, now time.Time) error

	// Job returns the record for jobID; ok is false if it never ran.
	Job(ctx context.Context, jobID string) (rec JobRecord, ok bool, err error)

	// Jobs returns every record ordered by job id.
	Jobs(ctx context.Context) ([]JobRecord, error)
}

// Store is the full durable store.
type Store interface {
	RateLimitStore
	ClaimStore
	Ping(ctx context.Context) error
	Close() error
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
