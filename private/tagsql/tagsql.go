// Package tagsql wraps *sql.DB/*sql.Tx so every query site is forced to
// pass a context.Context, matching spec.md §5's rule that DB calls are a
// suspension point that must tolerate cancellation between any two of
// them. It is a thin pass-through, not a new driver.
package tagsql

import (
	"context"
	"database/sql"
)

// DB is the context-only subset of *sql.DB used by this repo.
type DB struct {
	db *sql.DB
}

// Wrap adapts a *sql.DB into a DB.
func Wrap(db *sql.DB) *DB { return &DB{db: db} }

// Underlying returns the wrapped *sql.DB, for migration runners and
// drivers that need the raw handle.
func (d *DB) Underlying() *sql.DB { return d.db }

func (d *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return d.db.ExecContext(ctx, query, args...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction bound to ctx: if ctx is canceled mid-flight
// the driver rolls back automatically.
func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.db.BeginTx(ctx, nil)
}

// Close closes the underlying pool.
func (d *DB) Close() error { return d.db.Close() }

// PingContext checks liveness, used by /health/ready.
func (d *DB) PingContext(ctx context.Context) error { return d.db.PingContext(ctx) }

// SetPoolSize configures the connection pool per spec.md §5 (default
// 10-20 connections).
func (d *DB) SetPoolSize(maxOpen, maxIdle int) {
	d.db.SetMaxOpenConns(maxOpen)
	d.db.SetMaxIdleConns(maxIdle)
}
