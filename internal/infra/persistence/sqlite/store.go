// Package sqlite provides the durable backend on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"unitcore/internal/infra/persistence/relational"
	"unitcore/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// DefaultPath is used when no database path is configured.
const DefaultPath = "unitcore.db"

// Store is a relational backend bound to a single SQLite file.
type Store struct {
	*relational.Store
	path string
}

var _ domain.Backend = (*Store)(nil)

// Dialect returns the sqlite flavour of the relational backend.
func Dialect() relational.Dialect {
	return relational.Dialect{Driver: domain.StorageSQLite, Schema: relational.SQLiteSchema()}
}

// NewStore opens (creating if needed) the database at path and applies the schema.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; readers queue on the same connection.
	db.SetMaxOpenConns(1)
	store := relational.New(db, Dialect())
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{Store: store, path: path}, nil
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
