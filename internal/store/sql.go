package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name string
	// dollar selects $1-style placeholders instead of ?.
	dollar bool
	// lockScopes serializes concurrent checks on the same scopes inside tx.
	lockScopes func(ctx context.Context, tx *sql.Tx, scopes []string) error
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rate_events (
		scope TEXT NOT NULL,
		ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS rate_events_scope_ts ON rate_events (scope, ts)`,
	`CREATE TABLE IF NOT EXISTS job_claims (
		job_id TEXT PRIMARY KEY,
		last_claimed_by TEXT NOT NULL DEFAULT '',
		last_claimed_at BIGINT NOT NULL DEFAULT 0,
		lease_until BIGINT NOT NULL DEFAULT 0,
		last_status TEXT NOT NULL DEFAULT '',
		last_finished_at BIGINT NOT NULL DEFAULT 0
	)`,
}

const (
	qCount  = `SELECT COUNT(*) FROM rate_events WHERE scope = ? AND ts > ?`
	qInsert = `INSERT INTO rate_events (scope, ts) VALUES (?, ?)`
	qSweep  = `DELETE FROM rate_events WHERE ts <= ?`
	qClaim  = `INSERT INTO job_claims (job_id, last_claimed_by, last_claimed_at, lease_until) VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			last_claimed_by = excluded.last_claimed_by,
			last_claimed_at = excluded.last_claimed_at,
			lease_until = excluded.lease_until
		WHERE job_claims.lease_until <= ? AND job_claims.last_claimed_at < ?`
	qFinish = `UPDATE job_claims SET lease_until = 0, last_status = ?, last_finished_at = ?
		WHERE job_id = ? AND last_claimed_by = ? AND lease_until <> 0`
	qJob  = `SELECT job_id, last_claimed_by, last_claimed_at, lease_until, last_status, last_finished_at FROM job_claims WHERE job_id = ?`
	qJobs = `SELECT job_id, last_claimed_by, last_claimed_at, lease_until, last_status, last_finished_at FROM job_claims ORDER BY job_id`
)

// sqlStore implements Store over database/sql.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*sqlStore, error) {
	s := &sqlStore{db: db, d: d}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", s.d.name, err)
		}
	}
	return nil
}

// q rewrites ? placeholders for dialects that number them.
func (s *sqlStore) q(query string) string {
	if !s.d.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) CheckAndRecord(ctx context.Context, windows []Window, now time.Time) (idx int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil || idx != Admitted {
			_ = tx.Rollback()
		}
	}()

	if s.d.lockScopes != nil {
		scopes := make([]string, len(windows))
		for i, w := range windows {
			scopes[i] = w.Scope
		}
		if err := s.d.lockScopes(ctx, tx, scopes); err != nil {
			return 0, err
		}
	}

	nowMs := now.UnixMilli()
	for i, w := range windows {
		var n int
		if err := tx.QueryRowContext(ctx, s.q(qCount), w.Scope, nowMs-w.Length.Milliseconds()).Scan(&n); err != nil {
			return 0, fmt.Errorf("count %s: %w", w.Scope, err)
		}
		if n >= w.Limit {
			return i, nil
		}
	}
	for _, w := range windows {
		if _, err := tx.ExecContext(ctx, s.q(qInsert), w.Scope, nowMs); err != nil {
			return 0, fmt.Errorf("record %s: %w", w.Scope, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return Admitted, nil
}

func (s *sqlStore) Count(ctx context.Context, scope string, since time.Time) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.q(qCount), scope, since.UnixMilli()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", scope, err)
	}
	return n, nil
}

func (s *sqlStore) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(qSweep), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) Claim(ctx context.Context, req ClaimRequest) (bool, error) {
	nowMs := req.Now.UnixMilli()
	res, err := s.db.ExecContext(ctx, s.q(qClaim),
		req.JobID, req.Owner, nowMs, req.Now.Add(req.Lease).UnixMilli(),
		nowMs, millis(req.Due))
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", req.JobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", req.JobID, err)
	}
	return n == 1, nil
}

func (s *sqlStore) Finish(ctx context.Context, jobID, owner string, status RunStatus, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, s.q(qFinish), string(status), now.UnixMilli(), jobID, owner); err != nil {
		return fmt.Errorf("finish %s: %w", jobID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (JobRecord, error) {
	var (
		rec                          JobRecord
		status                       string
		claimedAt, lease, finishedAt int64
	)
	if err := row.Scan(&rec.JobID, &rec.LastClaimedBy, &claimedAt, &lease, &status, &finishedAt); err != nil {
		return JobRecord{}, err
	}
	rec.LastClaimedAt = fromMillis(claimedAt)
	rec.LeaseUntil = fromMillis(lease)
	rec.LastStatus = RunStatus(status)
	rec.LastFinishedAt = fromMillis(finishedAt)
	return rec, nil
}

func (s *sqlStore) Job(ctx context.Context, jobID string) (JobRecord, bool, error) {
	rec, err := scanJob(s.db.QueryRowContext(ctx, s.q(qJob), jobID))
	if err == sql.ErrNoRows {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return rec, true, nil
}

func (s *sqlStore) Jobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(qJobs))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func sortedUnique(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	j := 0
	for i, v := range out {
		if i == 0 || v != out[j-1] {
			out[j] = v
			j++
		}
	}
	return out[:j]
}
