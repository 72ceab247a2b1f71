// Package postgres provides the durable backend on a PostgreSQL server,
// reached through the pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"unitcore/internal/infra/persistence/relational"
	"unitcore/pkg/domain"
)

const (
	defaultDriver = "pgx"
	// DefaultDSN points at a local server with the default credentials.
	DefaultDSN = "postgres://postgres@localhost:5432/units?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store is a relational backend bound to a Postgres connection pool.
type Store struct {
	*relational.Store
}

var _ domain.Backend = (*Store)(nil)

// Dialect returns the postgres flavour of the relational backend.
func Dialect() relational.Dialect {
	return relational.Dialect{
		Driver:      domain.StoragePostgres,
		Schema:      relational.PostgresSchema(),
		Numbered:    true,
		Classify:    classify,
		IDCollation: ` COLLATE "C"`,
	}
}

// NewStore opens a pool using dsn (falls back to DefaultDSN), pings the
// server and applies the schema.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := relational.New(db, Dialect())
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &Store{Store: store}, nil
}

// classify adds the SQLSTATE meaning to server errors worth telling apart in logs.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return fmt.Errorf("unique violation on %s: %w", pgErr.ConstraintName, err)
	case "23503":
		return fmt.Errorf("foreign key violation on %s: %w", pgErr.ConstraintName, err)
	case "40001", "40P01":
		return fmt.Errorf("transaction aborted, retry: %w", err)
	default:
		return err
	}
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
