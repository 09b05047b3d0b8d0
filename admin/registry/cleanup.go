package registry

import (
	"context"
	"database/sql"
	"time"

	"stratafs.io/platform/private/migrate"
	"stratafs.io/platform/pkg/storjtype"
)

// CleanupReason classifies why a cleanup queue row was enqueued.
type CleanupReason string

const (
	CleanupTTLExpired CleanupReason = "ttl_expired"
	CleanupFinalized  CleanupReason = "finalized"
	CleanupOrphaned   CleanupReason = "orphaned"
	CleanupManual     CleanupReason = "manual"
)

// CleanupEntry is one row of the physical-deletion work queue Admin's GC
// scheduler drains (spec.md §3, §4.6).
type CleanupEntry struct {
	ID               int64
	FileID           storjtype.FileID
	StorageElementID string
	StoragePath      string
	ScheduledAt      time.Time
	Priority         int
	CleanupReason    CleanupReason
	ProcessedAt      *time.Time
	RetryCount       int
}

func init() {
	Migration.Steps = append(Migration.Steps,
		migrate.Step{
			Version:     2,
			Description: "create cleanup_queue table",
			SQL: []string{
				`CREATE TABLE IF NOT EXISTS cleanup_queue (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					file_id TEXT NOT NULL,
					storage_element_id TEXT NOT NULL,
					storage_path TEXT NOT NULL,
					scheduled_at TIMESTAMPTZ NOT NULL,
					priority INTEGER NOT NULL DEFAULT 0,
					cleanup_reason TEXT NOT NULL,
					processed_at TIMESTAMPTZ,
					retry_count INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE INDEX IF NOT EXISTS cleanup_queue_pending_idx ON cleanup_queue (scheduled_at ASC, priority DESC) WHERE processed_at IS NULL`,
			},
		},
		migrate.Step{
			Version:     3,
			Description: "create finalize_transactions table",
			SQL: []string{
				`CREATE TABLE IF NOT EXISTS finalize_transactions (
					transaction_id TEXT PRIMARY KEY,
					file_id TEXT NOT NULL,
					source_se TEXT NOT NULL,
					target_se TEXT NOT NULL,
					status TEXT NOT NULL,
					checksum_source TEXT NOT NULL,
					checksum_target TEXT NOT NULL DEFAULT '',
					retry_count INTEGER NOT NULL DEFAULT 0,
					created_at TIMESTAMPTZ NOT NULL,
					completed_at TIMESTAMPTZ
				)`,
			},
		},
	)
}

// Enqueue inserts a cleanup row unless an unprocessed row for the same
// file+SE+reason already exists.
func (s *Store) EnqueueCleanup(ctx context.Context, e CleanupEntry) error {
	var exists bool
	row := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM cleanup_queue
			WHERE file_id=$1 AND storage_element_id=$2 AND cleanup_reason=$3 AND processed_at IS NULL
		)`, e.FileID.String(), e.StorageElementID, string(e.CleanupReason))
	if err := row.Scan(&exists); err != nil {
		return Error.Wrap(err)
	}
	if exists {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cleanup_queue (file_id, storage_element_id, storage_path, scheduled_at, priority, cleanup_reason)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.FileID.String(), e.StorageElementID, e.StoragePath, e.ScheduledAt, e.Priority, string(e.CleanupReason),
	)
	return Error.Wrap(err)
}

// PendingCleanup returns up to limit unprocessed rows whose scheduled_at
// has passed, ordered (scheduled_at ASC, priority DESC) per spec.md §4.6.
func (s *Store) PendingCleanup(ctx context.Context, now time.Time, limit int) ([]CleanupEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_id, storage_element_id, storage_path, scheduled_at, priority, cleanup_reason, processed_at, retry_count
		FROM cleanup_queue
		WHERE processed_at IS NULL AND scheduled_at <= $1
		ORDER BY scheduled_at ASC, priority DESC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []CleanupEntry
	for rows.Next() {
		var e CleanupEntry
		var fileID, reason string
		if err := rows.Scan(&e.ID, &fileID, &e.StorageElementID, &e.StoragePath, &e.ScheduledAt, &e.Priority, &reason, &e.ProcessedAt, &e.RetryCount); err != nil {
			return nil, Error.Wrap(err)
		}
		id, err := storjtype.ParseFileID(fileID)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		e.FileID = id
		e.CleanupReason = CleanupReason(reason)
		out = append(out, e)
	}
	return out, Error.Wrap(rows.Err())
}

// MarkCleanupProcessed records a successful physical deletion.
func (s *Store) MarkCleanupProcessed(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE cleanup_queue SET processed_at=$2 WHERE id=$1`, id, now)
	return Error.Wrap(err)
}

// IncrementCleanupRetry bumps retry_count after a transient failure,
// leaving processed_at NULL so the row is retried next GC pass.
func (s *Store) IncrementCleanupRetry(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cleanup_queue SET retry_count = retry_count + 1 WHERE id=$1`, id)
	return Error.Wrap(err)
}

// FinalizeTransaction mirrors the Ingester-owned state machine (spec.md
// §3, §4.3) so Admin can report on in-flight/terminal finalizes.
type FinalizeTransaction struct {
	TransactionID  string
	FileID         storjtype.FileID
	SourceSE       string
	TargetSE       string
	Status         string
	ChecksumSource string
	ChecksumTarget string
	RetryCount     int
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// UpsertFinalizeTransaction writes the current state of a finalize
// transaction, overwriting any prior row with the same ID.
func (s *Store) UpsertFinalizeTransaction(ctx context.Context, tx FinalizeTransaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO finalize_transactions (
			transaction_id, file_id, source_se, target_se, status,
			checksum_source, checksum_target, retry_count, created_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (transaction_id) DO UPDATE SET
			status=excluded.status, target_se=excluded.target_se,
			checksum_target=excluded.checksum_target, retry_count=excluded.retry_count,
			completed_at=excluded.completed_at`,
		tx.TransactionID, tx.FileID.String(), tx.SourceSE, tx.TargetSE, tx.Status,
		tx.ChecksumSource, tx.ChecksumTarget, tx.RetryCount, tx.CreatedAt, tx.CompletedAt,
	)
	return Error.Wrap(err)
}

// FinalizeTransactionsCompletedBefore returns COMPLETED transactions whose
// completed_at precedes cutoff, the finalized-source-cleanup GC strategy's
// input (spec.md §4.6 step 3).
func (s *Store) FinalizeTransactionsCompletedBefore(ctx context.Context, cutoff time.Time) ([]FinalizeTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, file_id, source_se, target_se, status, checksum_source, checksum_target, retry_count, created_at, completed_at
		FROM finalize_transactions
		WHERE status = 'COMPLETED' AND completed_at < $1`, cutoff)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []FinalizeTransaction
	for rows.Next() {
		var tx FinalizeTransaction
		var fileID string
		var completedAt sql.NullTime
		if err := rows.Scan(&tx.TransactionID, &fileID, &tx.SourceSE, &tx.TargetSE, &tx.Status, &tx.ChecksumSource, &tx.ChecksumTarget, &tx.RetryCount, &tx.CreatedAt, &completedAt); err != nil {
			return nil, Error.Wrap(err)
		}
		id, err := storjtype.ParseFileID(fileID)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		tx.FileID = id
		if completedAt.Valid {
			tx.CompletedAt = &completedAt.Time
		}
		out = append(out, tx)
	}
	return out, Error.Wrap(rows.Err())
}
