// Package pg opens the Postgres-backed store used in managed deployments.
// Schema changes are applied with golang-migrate via `collabd migrate`.
package pg

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/collabd/internal/store/sqldb"
)

// Open connects to Postgres via the pgx stdlib driver.
func Open(dsn string) (*sqldb.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return sqldb.New(db, sqldb.Dialect{
		Name:            "postgres",
		UniqueViolation: uniqueViolation,
	}), nil
}

// uniqueViolation matches SQLSTATE 23505 and reports the constraint name.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}
