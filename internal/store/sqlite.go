package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-host durable store.
type SQLiteStore struct {
	*sqlStore
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path. Writes use
// BEGIN IMMEDIATE and a single connection, so check-and-record is
// serialized across goroutines.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s, err := newSQLStore(ctx, db, dialect{name: "sqlite"})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore: s}, nil
}
