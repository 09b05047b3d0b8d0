// Package registry owns Admin's durable file metadata — the system of
// record mirrored into the Query cache and partially into each SE's local
// cache (spec.md §3).
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"stratafs.io/platform/private/migrate"
	"stratafs.io/platform/private/tagsql"
	"stratafs.io/platform/pkg/storjtype"
)

// Error is the class for registry failures.
var Error = errs.Class("registry")

// ErrNotFound is returned by Get/Update/Delete when no row matches.
var ErrNotFound = Error.New("file not found")

// ErrDuplicate is returned by Create when file_id already exists.
var ErrDuplicate = Error.New("file_id already registered")

// ErrInvalidTransition is returned when an update would regress
// PERMANENT back to TEMPORARY, forbidden by spec.md §3.
var ErrInvalidTransition = Error.New("permanent to temporary transition is forbidden")

// File is the durable record for one uploaded file.
type File struct {
	FileID            storjtype.FileID
	OriginalFilename  string
	StorageFilename   string
	FileSize          int64
	ChecksumSHA256    string
	ContentType       string
	RetentionPolicy   storjtype.RetentionPolicy
	TTLExpiresAt      *time.Time
	StorageElementID  string
	StoragePath       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	FinalizedAt       *time.Time
	DeletedAt         *time.Time
	DeletionReason    string
}

// Migration is the registry's schema, applied once at Admin startup.
var Migration = migrate.Migration{
	Table: "registry_schema_version",
	Steps: []migrate.Step{
		{
			Version:     1,
			Description: "create files table",
			SQL: []string{
				`CREATE TABLE IF NOT EXISTS files (
					file_id TEXT PRIMARY KEY,
					original_filename TEXT NOT NULL,
					storage_filename TEXT NOT NULL,
					file_size BIGINT NOT NULL,
					checksum_sha256 TEXT NOT NULL,
					content_type TEXT NOT NULL,
					retention_policy TEXT NOT NULL,
					ttl_expires_at TIMESTAMPTZ,
					storage_element_id TEXT NOT NULL,
					storage_path TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL,
					finalized_at TIMESTAMPTZ,
					deleted_at TIMESTAMPTZ,
					deletion_reason TEXT NOT NULL DEFAULT ''
				)`,
				`CREATE INDEX IF NOT EXISTS files_created_at_idx ON files (created_at DESC)`,
				`CREATE INDEX IF NOT EXISTS files_ttl_idx ON files (ttl_expires_at) WHERE deleted_at IS NULL`,
			},
		},
	},
}

// Store is the Postgres-backed implementation of the file registry.
type Store struct {
	db *tagsql.DB
}

// NewStore wraps db. Callers must run Migration against db first.
func NewStore(db *tagsql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new file record. Returns ErrDuplicate if file_id
// already exists.
func (s *Store) Create(ctx context.Context, f File) error {
	now := f.CreatedAt
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (
			file_id, original_filename, storage_filename, file_size,
			checksum_sha256, content_type, retention_policy, ttl_expires_at,
			storage_element_id, storage_path, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
	`,
		f.FileID.String(), f.OriginalFilename, f.StorageFilename, f.FileSize,
		f.ChecksumSHA256, f.ContentType, string(f.RetentionPolicy), f.TTLExpiresAt,
		f.StorageElementID, f.StoragePath, now,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// Get fetches a file by ID. includeDeleted controls whether a soft-deleted
// row is still returned (callers gate this on the ADMIN role, spec.md
// §6.1).
func (s *Store) Get(ctx context.Context, id storjtype.FileID, includeDeleted bool) (File, error) {
	query := `SELECT file_id, original_filename, storage_filename, file_size,
		checksum_sha256, content_type, retention_policy, ttl_expires_at,
		storage_element_id, storage_path, created_at, updated_at,
		finalized_at, deleted_at, deletion_reason
		FROM files WHERE file_id = $1`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	row := s.db.QueryRowContext(ctx, query, id.String())
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return File{}, ErrNotFound
	}
	if err != nil {
		return File{}, Error.Wrap(err)
	}
	return f, nil
}

// Update applies a partial update. Rejects a PERMANENT->TEMPORARY
// regression per spec.md §3's invariant.
func (s *Store) Update(ctx context.Context, id storjtype.FileID, fn func(*File) error) (File, error) {
	existing, err := s.Get(ctx, id, true)
	if err != nil {
		return File{}, err
	}
	updated := existing
	if err := fn(&updated); err != nil {
		return File{}, err
	}
	if existing.RetentionPolicy == storjtype.RetentionPermanent && updated.RetentionPolicy == storjtype.RetentionTemporary {
		return File{}, ErrInvalidTransition
	}
	updated.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE files SET
			retention_policy=$2, ttl_expires_at=$3, storage_element_id=$4,
			storage_path=$5, updated_at=$6, finalized_at=$7, deleted_at=$8,
			deletion_reason=$9
		WHERE file_id=$1`,
		id.String(), string(updated.RetentionPolicy), updated.TTLExpiresAt,
		updated.StorageElementID, updated.StoragePath, updated.UpdatedAt,
		updated.FinalizedAt, updated.DeletedAt, updated.DeletionReason,
	)
	if err != nil {
		return File{}, Error.Wrap(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return File{}, ErrNotFound
	}
	return updated, nil
}

// SoftDelete sets deleted_at (once; monotonic per spec.md §3) and a
// deletion_reason. A second call on an already-deleted file is a no-op
// success, matching the idempotence law in spec.md §8.
func (s *Store) SoftDelete(ctx context.Context, id storjtype.FileID, reason string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE files SET deleted_at=$2, deletion_reason=$3, updated_at=$2
		WHERE file_id=$1 AND deleted_at IS NULL`,
		id.String(), now, reason,
	)
	return Error.Wrap(err)
}

// ListFilter narrows List's results.
type ListFilter struct {
	RetentionPolicy  storjtype.RetentionPolicy
	StorageElementID string
	IncludeDeleted   bool
	Page             int
	PageSize         int
}

// List returns files ordered created_at DESC, paginated.
func (s *Store) List(ctx context.Context, f ListFilter) ([]File, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 500 {
		f.PageSize = 50
	}
	query := `SELECT file_id, original_filename, storage_filename, file_size,
		checksum_sha256, content_type, retention_policy, ttl_expires_at,
		storage_element_id, storage_path, created_at, updated_at,
		finalized_at, deleted_at, deletion_reason
		FROM files WHERE 1=1`
	var args []interface{}
	argN := func() int { args = append(args, nil); return len(args) }

	if !f.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if f.RetentionPolicy != "" {
		n := argN()
		args[n-1] = string(f.RetentionPolicy)
		query += placeholder(" AND retention_policy = ", n)
	}
	if f.StorageElementID != "" {
		n := argN()
		args[n-1] = f.StorageElementID
		query += placeholder(" AND storage_element_id = ", n)
	}
	query += ` ORDER BY created_at DESC`
	n1, n2 := argN(), argN()
	args[n1-1] = f.PageSize
	args[n2-1] = (f.Page - 1) * f.PageSize
	query += placeholder(" LIMIT ", n1) + placeholder(" OFFSET ", n2)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, f)
	}
	return out, Error.Wrap(rows.Err())
}

func placeholder(prefix string, n int) string {
	return fmt.Sprintf("%s$%d", prefix, n)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(row rowScanner) (File, error) {
	var f File
	var id, retention string
	if err := row.Scan(
		&id, &f.OriginalFilename, &f.StorageFilename, &f.FileSize,
		&f.ChecksumSHA256, &f.ContentType, &retention, &f.TTLExpiresAt,
		&f.StorageElementID, &f.StoragePath, &f.CreatedAt, &f.UpdatedAt,
		&f.FinalizedAt, &f.DeletedAt, &f.DeletionReason,
	); err != nil {
		return File{}, err
	}
	parsed, err := storjtype.ParseFileID(id)
	if err != nil {
		return File{}, err
	}
	f.FileID = parsed
	f.RetentionPolicy = storjtype.RetentionPolicy(retention)
	return f, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// lib/pq surfaces unique_violation as code 23505; match on the driver's
	// string form rather than importing pq's error type to keep this file
	// backend-agnostic for the sqlite test double.
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "UNIQUE constraint")
}
