// Package sqldb implements the storage interface on database/sql, with
// one codebase serving both SQLite (single-node default) and MySQL
// (shared deployments). Dialect differences are confined to the DDL, the
// insert-ignore spelling, and duplicate-key detection; every query uses ?
// placeholders, which both drivers accept.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/magpielab/magpie/internal/storage"
)

const schemaVersion = "1"

// Store implements storage.Storage on a *sql.DB.
type Store struct {
	db *sql.DB
	d  dialect
}

var _ storage.Storage = (*Store)(nil)

// Open connects to the given backend ("sqlite" or "mysql"), verifies the
// connection, and applies the schema.
func Open(ctx context.Context, backend, dsn string) (*Store, error) {
	d, ok := dialects[backend]
	if !ok {
		return nil, fmt.Errorf("unsupported sql backend: %s", backend)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", backend, err)
	}
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if backend == storage.BackendSQLite {
		// SQLite serializes writers anyway; a small pool avoids
		// needless lock contention under WAL.
		db.SetMaxOpenConns(4)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", backend, err)
	}

	s := &Store{db: db, d: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies the schema statement by statement (the mysql driver
// rejects multi-statement Exec without a special DSN flag) and records
// the schema version.
func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(s.d.schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	q := s.d.insertIgnore + " INTO meta (k, v) VALUES (?, ?)"
	if _, err := s.db.ExecContext(ctx, q, "schema_version", schemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// dbtx is the subset of *sql.DB and *sql.Tx the scan helpers need.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ms converts a time to the integer milliseconds stored in the DB.
func ms(t time.Time) int64 { return t.UnixMilli() }

// fromMS converts stored milliseconds back to a UTC time.
func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

// nullMS renders an optional time as a nullable column value.
func nullMS(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// msPtr converts a nullable column back to an optional time.
func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}
