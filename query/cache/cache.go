// Package cache is Query's local projection of Admin's file registry,
// synchronized from the file-events stream (spec.md §4.5).
package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"

	"stratafs.io/platform/private/migrate"
	"stratafs.io/platform/private/tagsql"
	"stratafs.io/platform/pkg/storjtype"
)

// Error is the class for cache failures.
var Error = errs.Class("querycache")

// Migration creates Query's local cache tables.
var Migration = migrate.Migration{
	Table: "query_schema_version",
	Steps: []migrate.Step{
		{
			Version:     1,
			Description: "create file_location and processed_event tables",
			SQL: []string{
				`CREATE TABLE IF NOT EXISTS file_location (
					file_id TEXT PRIMARY KEY,
					storage_element_id TEXT NOT NULL,
					storage_path TEXT NOT NULL,
					retention_policy TEXT NOT NULL,
					deleted_at TIMESTAMP,
					updated_at TIMESTAMP NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS processed_event (
					event_type TEXT NOT NULL,
					file_id TEXT NOT NULL,
					event_timestamp TEXT NOT NULL,
					processed_at TIMESTAMP NOT NULL,
					PRIMARY KEY (event_type, file_id, event_timestamp)
				)`,
			},
		},
	},
}

// Entry resolves a file to the SE hosting it.
type Entry struct {
	FileID           storjtype.FileID
	StorageElementID string
	StoragePath      string
	RetentionPolicy  storjtype.RetentionPolicy
	DeletedAt        *time.Time
	UpdatedAt        time.Time
}

// Cache is the SQLite-backed local file-location projection.
type Cache struct {
	db *tagsql.DB
}

// NewCache wraps db. Callers must run Migration against db first.
func NewCache(db *tagsql.DB) *Cache {
	return &Cache{db: db}
}

// execer is satisfied by both *tagsql.DB and *sql.Tx, so upsertTx/
// markDeletedTx run identically whether called directly or from inside
// applyEvent's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Upsert records a file's current location, called by the file:created
// and file:updated handlers.
func (c *Cache) Upsert(ctx context.Context, e Entry) error {
	return upsertTx(ctx, c.db, e)
}

func upsertTx(ctx context.Context, ex execer, e Entry) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO file_location (file_id, storage_element_id, storage_path, retention_policy, deleted_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (file_id) DO UPDATE SET
			storage_element_id=excluded.storage_element_id, storage_path=excluded.storage_path,
			retention_policy=excluded.retention_policy, deleted_at=excluded.deleted_at,
			updated_at=excluded.updated_at
		WHERE excluded.updated_at >= file_location.updated_at`,
		e.FileID.String(), e.StorageElementID, e.StoragePath, string(e.RetentionPolicy), e.DeletedAt, e.UpdatedAt,
	)
	return Error.Wrap(err)
}

// MarkDeleted flags a file as removed without dropping the row, so a
// stale retry of an older event can't resurrect it (the WHERE clause in
// Upsert keys on updated_at).
func (c *Cache) MarkDeleted(ctx context.Context, id storjtype.FileID, deletedAt, updatedAt time.Time) error {
	return markDeletedTx(ctx, c.db, id, deletedAt, updatedAt)
}

func markDeletedTx(ctx context.Context, ex execer, id storjtype.FileID, deletedAt, updatedAt time.Time) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE file_location SET deleted_at=$2, updated_at=$3
		WHERE file_id=$1 AND updated_at <= $3`, id.String(), deletedAt, updatedAt)
	return Error.Wrap(err)
}

// Get resolves a file_id to its current location.
func (c *Cache) Get(ctx context.Context, id storjtype.FileID) (Entry, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT file_id, storage_element_id, storage_path, retention_policy, deleted_at, updated_at
		FROM file_location WHERE file_id = $1`, id.String())
	var e Entry
	var idStr, retention string
	err := row.Scan(&idStr, &e.StorageElementID, &e.StoragePath, &retention, &e.DeletedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, Error.Wrap(err)
	}
	parsed, err := storjtype.ParseFileID(idStr)
	if err != nil {
		return Entry{}, Error.Wrap(err)
	}
	e.FileID = parsed
	e.RetentionPolicy = storjtype.RetentionPolicy(retention)
	return e, nil
}

// ErrNotFound is returned when a file_id has no cached location.
var ErrNotFound = Error.New("no cached location for file")

// MarkEventProcessed records the idempotency key for an at-least-once
// delivery (spec.md §4.5 "idempotent keyed on (event_type, file_id,
// timestamp)"). Returns false if the event was already processed.
//
// This alone does not make a handler idempotent against a crash between
// marking the key and applying the mutation it guards — callers that
// need that guarantee must use ApplyUpsert/ApplyMarkDeleted instead,
// which commit the key and the mutation as one transaction.
func (c *Cache) MarkEventProcessed(ctx context.Context, eventType, fileID, timestamp string, now time.Time) (bool, error) {
	return markEventProcessedTx(ctx, c.db, eventType, fileID, timestamp, now)
}

func markEventProcessedTx(ctx context.Context, ex execer, eventType, fileID, timestamp string, now time.Time) (bool, error) {
	res, err := ex.ExecContext(ctx, `
		INSERT INTO processed_event (event_type, file_id, event_timestamp, processed_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (event_type, file_id, event_timestamp) DO NOTHING`,
		eventType, fileID, timestamp, now)
	if err != nil {
		return false, Error.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, Error.Wrap(err)
	}
	return n > 0, nil
}

// ApplyUpsert marks (eventType, fileID, timestamp) processed and applies
// e in the same transaction, so a crash between the two statements can
// never leave the idempotency key committed without the mutation it
// guards (spec.md §4.5, §8 scenario S7). Returns fresh=false, with no
// mutation applied, if the event was already processed.
func (c *Cache) ApplyUpsert(ctx context.Context, eventType, fileID, timestamp string, now time.Time, e Entry) (bool, error) {
	return c.applyEvent(ctx, eventType, fileID, timestamp, now, func(tx *sql.Tx) error {
		return upsertTx(ctx, tx, e)
	})
}

// ApplyMarkDeleted is ApplyUpsert's counterpart for file:deleted events.
func (c *Cache) ApplyMarkDeleted(ctx context.Context, eventType, fileID, timestamp string, now time.Time, id storjtype.FileID, deletedAt, updatedAt time.Time) (bool, error) {
	return c.applyEvent(ctx, eventType, fileID, timestamp, now, func(tx *sql.Tx) error {
		return markDeletedTx(ctx, tx, id, deletedAt, updatedAt)
	})
}

func (c *Cache) applyEvent(ctx context.Context, eventType, fileID, timestamp string, now time.Time, mutate func(tx *sql.Tx) error) (bool, error) {
	tx, err := c.db.BeginTx(ctx)
	if err != nil {
		return false, Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	fresh, err := markEventProcessedTx(ctx, tx, eventType, fileID, timestamp, now)
	if err != nil {
		return false, err
	}
	if !fresh {
		return false, nil
	}
	if err := mutate(tx); err != nil {
		return false, Error.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return false, Error.Wrap(err)
	}
	return true, nil
}
