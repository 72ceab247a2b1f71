package core

import (
	"context"
	"fmt"

	"unitcore/internal/config"
	"unitcore/internal/infra/persistence/memory"
	"unitcore/internal/infra/persistence/postgres"
	"unitcore/internal/infra/persistence/sqlite"
	"unitcore/pkg/domain"
)

// OpenBackend constructs the backend named by cfg.Driver. SQL backends are
// migrated before they are returned.
func OpenBackend(ctx context.Context, cfg config.StorageConfig) (domain.Backend, error) {
	switch cfg.Driver {
	case domain.StorageMemory:
		return memory.NewStore(), nil
	case domain.StorageSQLite:
		s, err := sqlite.NewStore(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case domain.StoragePostgres:
		s, err := postgres.NewStore(ctx, cfg.Postgres.ConnString())
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
