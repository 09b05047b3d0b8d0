// Package storageelement implements a Storage Element: it persists file
// bytes and an attribute sidecar per file, maintains a local metadata
// cache rebuildable from those sidecars, and exposes the file/capacity/info
// HTTP surface (spec.md §2, §4.4).
package storageelement

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"

	"stratafs.io/platform/private/migrate"
	"stratafs.io/platform/private/tagsql"
	"stratafs.io/platform/pkg/storjtype"
)

// Error is the class for storage-element failures.
var Error = errs.Class("storageelement")

// Migration creates the local metadata cache table.
var Migration = migrate.Migration{
	Table: "se_schema_version",
	Steps: []migrate.Step{
		{
			Version:     1,
			Description: "create file_cache table",
			SQL: []string{
				`CREATE TABLE IF NOT EXISTS file_cache (
					file_id TEXT PRIMARY KEY,
					original_filename TEXT NOT NULL,
					storage_filename TEXT NOT NULL,
					storage_path TEXT NOT NULL,
					file_size BIGINT NOT NULL,
					checksum_sha256 TEXT NOT NULL,
					content_type TEXT NOT NULL,
					retention_policy TEXT NOT NULL,
					cache_updated_at TIMESTAMP NOT NULL,
					cache_ttl_hours INTEGER NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS file_cache_path_idx ON file_cache (storage_path)`,
			},
		},
		{
			Version:     2,
			Description: "add custom_attributes to file_cache (sidecar v2 migration, spec.md §3)",
			SQL: []string{
				`ALTER TABLE file_cache ADD COLUMN custom_attributes TEXT NOT NULL DEFAULT '{}'`,
			},
		},
	},
}

// CacheEntry is one row of the local metadata cache: a rebuildable
// projection of a sidecar (spec.md §3).
type CacheEntry struct {
	FileID           storjtype.FileID
	OriginalFilename string
	StorageFilename  string
	StoragePath      string
	FileSize         int64
	ChecksumSHA256   string
	ContentType      string
	RetentionPolicy  storjtype.RetentionPolicy
	CacheUpdatedAt   time.Time
	CacheTTLHours    int
	CustomAttributes map[string]string
}

// Expired reports whether now is past the entry's cache_updated_at+ttl,
// the lazy-rebuild trigger condition (spec.md §3).
func (e CacheEntry) Expired(now time.Time) bool {
	return now.After(e.CacheUpdatedAt.Add(time.Duration(e.CacheTTLHours) * time.Hour))
}

// Cache is the SQLite-backed local metadata cache.
type Cache struct {
	db *tagsql.DB
}

// NewCache wraps db. Callers must run Migration against db first.
func NewCache(db *tagsql.DB) *Cache {
	return &Cache{db: db}
}

// Upsert inserts or replaces a cache row, used both by the write path and
// by rebuild operations.
func (c *Cache) Upsert(ctx context.Context, e CacheEntry) error {
	attrs, err := marshalCustomAttributes(e.CustomAttributes)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO file_cache (
			file_id, original_filename, storage_filename, storage_path, file_size,
			checksum_sha256, content_type, retention_policy, cache_updated_at, cache_ttl_hours,
			custom_attributes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (file_id) DO UPDATE SET
			original_filename=excluded.original_filename, storage_filename=excluded.storage_filename,
			storage_path=excluded.storage_path, file_size=excluded.file_size,
			checksum_sha256=excluded.checksum_sha256, content_type=excluded.content_type,
			retention_policy=excluded.retention_policy, cache_updated_at=excluded.cache_updated_at,
			cache_ttl_hours=excluded.cache_ttl_hours, custom_attributes=excluded.custom_attributes`,
		e.FileID.String(), e.OriginalFilename, e.StorageFilename, e.StoragePath, e.FileSize,
		e.ChecksumSHA256, e.ContentType, string(e.RetentionPolicy), e.CacheUpdatedAt, e.CacheTTLHours,
		attrs,
	)
	return Error.Wrap(err)
}

func marshalCustomAttributes(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Get fetches a cache row by ID.
func (c *Cache) Get(ctx context.Context, id storjtype.FileID) (CacheEntry, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT file_id, original_filename, storage_filename, storage_path, file_size,
			checksum_sha256, content_type, retention_policy, cache_updated_at, cache_ttl_hours,
			custom_attributes
		FROM file_cache WHERE file_id = $1`, id.String())
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return CacheEntry{}, Error.New("no cache entry for %s", id)
	}
	return e, Error.Wrap(err)
}

// Delete removes a cache row.
func (c *Cache) Delete(ctx context.Context, id storjtype.FileID) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM file_cache WHERE file_id = $1`, id.String())
	return Error.Wrap(err)
}

// All returns every cache row, used by check_consistency and rebuild.
func (c *Cache) All(ctx context.Context) ([]CacheEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT file_id, original_filename, storage_filename, storage_path, file_size,
			checksum_sha256, content_type, retention_policy, cache_updated_at, cache_ttl_hours,
			custom_attributes
		FROM file_cache`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, e)
	}
	return out, Error.Wrap(rows.Err())
}

// DeleteExpiredBefore removes rows whose cache_updated_at+ttl precedes
// now, the cleanup_expired_entries operation (spec.md §4.4.3).
func (c *Cache) DeleteExpiredBefore(ctx context.Context, now time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM file_cache
		WHERE datetime(cache_updated_at, '+' || cache_ttl_hours || ' hours') < $1`, now)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	n, err := res.RowsAffected()
	return n, Error.Wrap(err)
}

// Truncate empties the cache table, the first step of rebuild_cache_full.
func (c *Cache) Truncate(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM file_cache`)
	return Error.Wrap(err)
}

// TotalSize sums file_size across every cache row, the "used" half of the
// capacity report (spec.md §3 capacity record invariant).
func (c *Cache) TotalSize(ctx context.Context) (int64, error) {
	row := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(file_size), 0) FROM file_cache`)
	var total int64
	err := row.Scan(&total)
	return total, Error.Wrap(err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (CacheEntry, error) {
	var e CacheEntry
	var id, retention, attrs string
	if err := row.Scan(
		&id, &e.OriginalFilename, &e.StorageFilename, &e.StoragePath, &e.FileSize,
		&e.ChecksumSHA256, &e.ContentType, &retention, &e.CacheUpdatedAt, &e.CacheTTLHours,
		&attrs,
	); err != nil {
		return CacheEntry{}, err
	}
	parsed, err := storjtype.ParseFileID(id)
	if err != nil {
		return CacheEntry{}, err
	}
	e.FileID = parsed
	e.RetentionPolicy = storjtype.RetentionPolicy(retention)
	e.CustomAttributes = map[string]string{}
	if attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &e.CustomAttributes); err != nil {
			return CacheEntry{}, err
		}
	}
	return e, nil
}
