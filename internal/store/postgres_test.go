package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	s, err := NewPostgres(context.Background(), db)
	require.NoError(t, err)
	return s, mock
}

func TestPostgresStore_CheckAndRecordAdmits(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := t0.UnixMilli()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("group:g").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("user:u").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM rate_events WHERE scope = $1 AND ts > $2")).
		WithArgs("user:u", now-60000).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM rate_events WHERE scope = $1 AND ts > $2")).
		WithArgs("group:g", now-60000).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rate_events (scope, ts) VALUES ($1, $2)")).
		WithArgs("user:u", now).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rate_events (scope, ts) VALUES ($1, $2)")).
		WithArgs("group:g", now).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	idx, err := s.CheckAndRecord(context.Background(), []Window{
		{Scope: "user:u", Limit: 3, Length: time.Minute},
		{Scope: "group:g", Limit: 3, Length: time.Minute},
	}, t0)
	require.NoError(t, err)
	assert.Equal(t, Admitted, idx)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CheckAndRecordDeniesWithoutInsert(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs("user:u").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM rate_events")).
		WithArgs("user:u", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectRollback()

	idx, err := s.CheckAndRecord(context.Background(), []Window{{Scope: "user:u", Limit: 3, Length: time.Minute}}, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Claim(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := t0.UnixMilli()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO job_claims (job_id, last_claimed_by, last_claimed_at, lease_until) VALUES ($1, $2, $3, $4)")).
		WithArgs("digest", "owner-1", now, now+30000, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO job_claims")).
		WithArgs("digest", "owner-2", now, now+30000, now, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	req := ClaimRequest{JobID: "digest", Owner: "owner-1", Now: t0, Due: t0, Lease: 30 * time.Second}
	ok, err := s.Claim(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, ok)

	req.Owner = "owner-2"
	ok, err = s.Claim(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimErrorFailsClosed(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec("INSERT INTO job_claims").WillReturnError(assert.AnError)

	ok, err := s.Claim(context.Background(), ClaimRequest{JobID: "j", Owner: "o", Now: t0, Due: t0, Lease: time.Second})
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestPostgresStore_Job(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT job_id, last_claimed_by, last_claimed_at, lease_until, last_status, last_finished_at FROM job_claims WHERE job_id = $1")).
		WithArgs("digest").
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "last_claimed_by", "last_claimed_at", "lease_until", "last_status", "last_finished_at"}).
			AddRow("digest", "owner-1", t0.UnixMilli(), 0, "timed_out", t0.Add(5*time.Second).UnixMilli()))

	rec, ok, err := s.Job(context.Background(), "digest")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusTimedOut, rec.LastStatus)
	assert.True(t, rec.LeaseUntil.IsZero())
	assert.False(t, rec.Active(t0))
	assert.True(t, t0.Equal(rec.LastClaimedAt))
}

func TestPostgresStore_Sweep(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM rate_events WHERE ts <= $1")).
		WithArgs(t0.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := s.Sweep(context.Background(), t0)
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
}
