package store

import (
	"context"
	"time"

	"github.com/firefly-engineering/warden/internal/config"
	wardenerrors "github.com/firefly-engineering/warden/internal/errors"
)

// Open returns the store selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig, retention time.Duration) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		s, err = OpenSQLite(ctx, cfg.DSN)
	case "postgres":
		s, err = OpenPostgres(ctx, cfg.DSN)
	case "redis":
		s, err = OpenRedis(ctx, cfg.DSN, retention)
	default:
		return nil, wardenerrors.ConfigError("unknown store driver "+cfg.Driver, nil)
	}
	if err != nil {
		return nil, wardenerrors.PersistenceUnavailable("open "+cfg.Driver, err)
	}
	return s, nil
}
