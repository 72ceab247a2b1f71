// Package relational implements the durable backend on database/sql. Each
// component operation maps onto inserts and selects against a normalized
// schema; the sqlite and postgres packages supply the dialect.
package relational

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"unitcore/pkg/domain"
)

// Compile-time contract assertion ensuring relational.Store adheres to the backend capability.
var _ domain.Backend = (*Store)(nil)

// Dialect captures the differences between SQL engines.
type Dialect struct {
	Driver domain.StorageDriver
	Schema string
	// Numbered placeholders ($1, $2, ...) instead of '?'.
	Numbered bool
	// Classify annotates a raw driver error. Optional.
	Classify func(error) error
	// IDCollation is appended to ORDER BY id so ids sort bytewise.
	IDCollation string
}

// Store is the relational backend.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open database. Call Migrate before first use.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Migrate applies the dialect's schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	return ApplySchema(ctx, s.db, s.dialect.Schema)
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Driver reports the dialect's storage driver.
func (s *Store) Driver() domain.StorageDriver { return s.dialect.Driver }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Reader returns a view issuing queries directly on the pool.
func (s *Store) Reader() domain.TransactionView {
	return &queries{q: s.db, d: s.dialect}
}

// RunInTransaction runs fn inside a database transaction, committing when fn
// returns nil and rolling back otherwise.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.dialect.storageErr("begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&queries{q: tx, d: s.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.dialect.storageErr("commit", err)
	}
	committed = true
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements domain.Transaction over a queryer. Used read-only when
// backed by the pool.
type queries struct {
	q queryer
	d Dialect
}

func (d Dialect) storageErr(op string, err error) error {
	if d.Classify != nil {
		err = d.Classify(err)
	}
	return domain.StorageError{Op: op, Err: err}
}

// rebind rewrites '?' placeholders for dialects using numbered parameters.
func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (x *queries) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := x.q.ExecContext(ctx, x.d.rebind(query), args...)
	if err != nil {
		return nil, x.d.storageErr(op, err)
	}
	return res, nil
}

// stringColumn runs a single-column query and drains the rows before returning,
// leaving the connection free for the next statement.
func (x *queries) stringColumn(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := x.q.QueryContext(ctx, x.d.rebind(query), args...)
	if err != nil {
		return nil, x.d.storageErr(op, err)
	}
	defer func() { _ = rows.Close() }()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, x.d.storageErr(op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, x.d.storageErr(op, err)
	}
	return out, nil
}

func (d Dialect) orderByID(column string) string {
	return " ORDER BY " + column + d.IDCollation
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

// References

func (x *queries) CreateReference(ctx context.Context, t domain.AttributeType, internalID string) (string, error) {
	if !t.Valid() {
		return "", domain.InvalidTypeError{Type: string(t)}
	}
	id := domain.NewID()
	if _, err := x.exec(ctx, "create reference",
		`INSERT INTO attributes_map (id, attribute_type, attribute_id) VALUES (?, ?, ?)`,
		id, string(t), internalID); err != nil {
		return "", err
	}
	return id, nil
}

func (x *queries) UpdateReference(ctx context.Context, ref domain.AttributeReference) error {
	if !ref.Type.Valid() {
		return domain.InvalidTypeError{Type: string(ref.Type)}
	}
	res, err := x.exec(ctx, "update reference",
		`UPDATE attributes_map SET attribute_type = ?, attribute_id = ? WHERE id = ?`,
		string(ref.Type), ref.InternalID, ref.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return x.d.storageErr("update reference", err)
	}
	if n == 0 {
		return domain.NotFoundError{Entity: domain.EntityReference, ID: ref.ID}
	}
	return nil
}

func (x *queries) ResolveReference(ctx context.Context, id string) (domain.AttributeReference, error) {
	var ref domain.AttributeReference
	var t string
	err := x.q.QueryRowContext(ctx, x.d.rebind(
		`SELECT id, attribute_type, attribute_id FROM attributes_map WHERE id = ?`), id).
		Scan(&ref.ID, &t, &ref.InternalID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AttributeReference{}, domain.NotFoundError{Entity: domain.EntityReference, ID: id}
	}
	if err != nil {
		return domain.AttributeReference{}, x.d.storageErr("resolve reference", err)
	}
	ref.Type = domain.AttributeType(t)
	return ref, nil
}

func (x *queries) ListReferences(ctx context.Context, filter domain.AttributeFilter) ([]domain.AttributeReference, error) {
	query := `SELECT id, attribute_type, attribute_id FROM attributes_map`
	var args []any
	if filter.Type != "" {
		query += ` WHERE attribute_type = ?`
		args = append(args, string(filter.Type))
	}
	query += x.d.orderByID("id") + limitClause(filter.Limit)
	rows, err := x.q.QueryContext(ctx, x.d.rebind(query), args...)
	if err != nil {
		return nil, x.d.storageErr("list references", err)
	}
	defer func() { _ = rows.Close() }()
	out := []domain.AttributeReference{}
	for rows.Next() {
		var ref domain.AttributeReference
		var t string
		if err := rows.Scan(&ref.ID, &t, &ref.InternalID); err != nil {
			return nil, x.d.storageErr("list references", err)
		}
		ref.Type = domain.AttributeType(t)
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, x.d.storageErr("list references", err)
	}
	return out, nil
}
