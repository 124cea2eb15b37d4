// Package sqldb implements store.Store over database/sql. The pg and
// sqlite packages open the connection and supply a Dialect; everything
// else — queries, transactions, scanning — is shared here.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Dialect abstracts the differences between Postgres and SQLite.
type Dialect struct {
	// Name is "postgres" or "sqlite".
	Name string
	// Rebind converts $1-style placeholders to the driver's form.
	// Nil means queries pass through unchanged.
	Rebind func(query string) string
	// UniqueViolation inspects a driver error. When the error is a
	// unique-constraint violation it returns a string identifying the
	// constraint (name or column list) and true.
	UniqueViolation func(err error) (string, bool)
}

// DB wires a sql.DB with its dialect.
type DB struct {
	db *sql.DB
	d  Dialect
}

// New wraps an opened connection.
func New(db *sql.DB, d Dialect) *DB {
	return &DB{db: db, d: d}
}

func (s *DB) rebind(q string) string {
	if s.d.Rebind == nil {
		return q
	}
	return s.d.Rebind(q)
}

func (s *DB) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *DB) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *DB) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

// withTx runs fn in a transaction, rolling back on error.
func (s *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *DB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *DB) Close() error { return s.db.Close() }

// RebindQuestion converts $1..$n placeholders to ?. Used by the sqlite
// dialect; arguments must already be in positional order.
func RebindQuestion(q string) string {
	var b strings.Builder
	b.Grow(len(q))
	for i := 0; i < len(q); i++ {
		if q[i] == '$' && i+1 < len(q) && q[i+1] >= '0' && q[i+1] <= '9' {
			b.WriteByte('?')
			i++
			for i+1 < len(q) && q[i+1] >= '0' && q[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
