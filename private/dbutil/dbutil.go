// Package dbutil opens the two SQL backends this repo uses: Postgres for
// Admin's durable registry and SQLite for each SE's local metadata cache.
package dbutil

import (
	"database/sql"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"

	"stratafs.io/platform/private/tagsql"
)

// Error is the class for connection-string / open failures.
var Error = errs.Class("dbutil")

// OpenPostgres opens a Postgres connection pool at connstr (a
// postgres:// URL or libpq keyword string).
func OpenPostgres(connstr string) (*tagsql.DB, error) {
	db, err := sql.Open("postgres", connstr)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	wrapped := tagsql.Wrap(db)
	wrapped.SetPoolSize(20, 10)
	return wrapped, nil
}

// OpenSQLite opens the SE-local metadata cache at path. For any path other
// than ":memory:", "?_journal=WAL&_timeout=5000" is appended (path must
// not carry its own query string) so concurrent readers don't block the
// writer that is rebuilding the cache.
func OpenSQLite(path string) (*tagsql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal=WAL&_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// SQLite allows only one writer; serialize via a single connection to
	// avoid "database is locked" errors from the pool.
	db.SetMaxOpenConns(1)
	return tagsql.Wrap(db), nil
}
