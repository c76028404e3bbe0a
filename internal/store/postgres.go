package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore is the shared durable store for deployments that already
// run Postgres.
type PostgresStore struct {
	*sqlStore
}

var _ Store = (*PostgresStore)(nil)

// pgLockScopes takes a transaction-scoped advisory lock per scope, in
// sorted order so two checks over overlapping scopes cannot deadlock.
func pgLockScopes(ctx context.Context, tx *sql.Tx, scopes []string) error {
	for _, scope := range sortedUnique(scopes) {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", scope); err != nil {
			return fmt.Errorf("lock %s: %w", scope, err)
		}
	}
	return nil
}

// NewPostgres wraps an open database handle and applies the schema.
func NewPostgres(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s, err := newSQLStore(ctx, db, dialect{name: "postgres", dollar: true, lockScopes: pgLockScopes})
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlStore: s}, nil
}

// OpenPostgres connects with a lib/pq DSN.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s, err := NewPostgres(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
