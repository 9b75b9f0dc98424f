package storage

import (
	"context"
	"fmt"

	"github.com/vitos/risk_lifecycle/internal/domain"
)

// Store is what the service needs from a backend: the repository plus the
// event log reader and a way to release the connection.
type Store interface {
	domain.PositionRepository
	ListLifecycleEvents(ctx context.Context, positionID string) ([]domain.LifecycleEvent, error)
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Open picks the backend by driver name. For sqlite3 the dsn is a file path.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite3", "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
