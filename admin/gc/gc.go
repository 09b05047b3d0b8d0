// Package gc runs Admin's four garbage-collection strategies in the fixed
// order spec.md §4.6 requires: cleanup-queue processing, TTL expiry,
// finalized-source cleanup, and on-demand orphan detection.
package gc

import (
	"context"
	"net/http"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"stratafs.io/platform/admin/registry"
	"stratafs.io/platform/pkg/storjtype"
)

// Error is the class for GC failures.
var Error = errs.Class("gc")

// StorageElementDeleter issues the per-SE delete call the cleanup-queue
// strategy drives (spec.md §4.6 step 1). OFFLINE SEs are skipped without
// penalty; 204/404 count as success.
type StorageElementDeleter interface {
	DeleteFile(ctx context.Context, endpointURL string, fileID storjtype.FileID) (statusCode int, err error)
	IsOffline(storageElementID string) bool
}

// Config tunes batch sizes and safety margins (spec.md §6.4).
type Config struct {
	BatchSize           int           `cfg:"batch_size" default:"100" help:"rows processed per GC strategy per tick"`
	SafetyMargin        time.Duration `cfg:"gc_safety_margin" default:"24h" help:"delay between finalize completion and source cleanup"`
	IntervalHours        int          `cfg:"gc_interval_hours" default:"1" help:"hours between GC ticks"`
}

// Scheduler runs the four strategies against store using deleter to reach
// SEs for physical deletes.
type Scheduler struct {
	log     *zap.Logger
	store   *registry.Store
	deleter StorageElementDeleter
	cfg     Config

	endpoints map[string]string // storage_element_id -> base API URL
}

// NewScheduler builds a Scheduler. endpoints maps SE IDs to their base API
// URL, refreshed by the caller the same way Ingester refreshes its SE map
// (spec.md §4.2 "configuration reload").
func NewScheduler(log *zap.Logger, store *registry.Store, deleter StorageElementDeleter, cfg Config, endpoints map[string]string) *Scheduler {
	return &Scheduler{log: log, store: store, deleter: deleter, cfg: cfg, endpoints: endpoints}
}

// RunOnce executes the three scheduled strategies (cleanup queue, TTL
// expiry, finalized-source cleanup) in order, bounded by BatchSize,
// logging but not failing the tick on a single strategy's error so the
// others still get a chance to run. Orphan detection is not part of a
// tick; it runs only through DetectOrphans.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()

	if err := s.processCleanupQueue(ctx, now); err != nil {
		s.log.Error("process cleanup queue failed", zap.Error(err))
	}
	if err := s.expireTTL(ctx, now); err != nil {
		s.log.Error("ttl expiry failed", zap.Error(err))
	}
	if err := s.cleanupFinalizedSources(ctx, now); err != nil {
		s.log.Error("finalized-source cleanup failed", zap.Error(err))
	}
	return nil
}

// processCleanupQueue is spec.md §4.6 strategy 1.
func (s *Scheduler) processCleanupQueue(ctx context.Context, now time.Time) error {
	pending, err := s.store.PendingCleanup(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, entry := range pending {
		if s.deleter.IsOffline(entry.StorageElementID) {
			continue
		}
		endpoint, ok := s.endpoints[entry.StorageElementID]
		if !ok {
			s.log.Warn("cleanup entry references unknown storage element", zap.String("storage_element_id", entry.StorageElementID))
			if err := s.store.IncrementCleanupRetry(ctx, entry.ID); err != nil {
				s.log.Error("increment cleanup retry failed", zap.Error(err))
			}
			continue
		}
		status, err := s.deleter.DeleteFile(ctx, endpoint, entry.FileID)
		switch {
		case err != nil || status >= 500:
			if err := s.store.IncrementCleanupRetry(ctx, entry.ID); err != nil {
				s.log.Error("increment cleanup retry failed", zap.Error(err))
			}
		case status == http.StatusNoContent || status == http.StatusNotFound:
			if err := s.store.MarkCleanupProcessed(ctx, entry.ID); err != nil {
				s.log.Error("mark cleanup processed failed", zap.Error(err))
			}
			if entry.CleanupReason == registry.CleanupTTLExpired || entry.CleanupReason == registry.CleanupOrphaned {
				if err := s.store.SoftDelete(ctx, entry.FileID, string(entry.CleanupReason)); err != nil {
					s.log.Error("soft delete after physical cleanup failed", zap.Error(err))
				}
			}
		default:
			s.log.Warn("unexpected status from SE delete", zap.Int("status", status), zap.String("storage_element_id", entry.StorageElementID))
			if err := s.store.IncrementCleanupRetry(ctx, entry.ID); err != nil {
				s.log.Error("increment cleanup retry failed", zap.Error(err))
			}
		}
	}
	return nil
}

// expireTTL is spec.md §4.6 strategy 2.
func (s *Scheduler) expireTTL(ctx context.Context, now time.Time) error {
	expired, err := s.store.List(ctx, registry.ListFilter{
		RetentionPolicy: storjtype.RetentionTemporary,
		PageSize:        s.cfg.BatchSize,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	for _, f := range expired {
		if f.TTLExpiresAt == nil || f.TTLExpiresAt.After(now) || f.DeletedAt != nil {
			continue
		}
		if err := s.store.EnqueueCleanup(ctx, registry.CleanupEntry{
			FileID:           f.FileID,
			StorageElementID: f.StorageElementID,
			StoragePath:      f.StoragePath,
			ScheduledAt:      now,
			CleanupReason:    registry.CleanupTTLExpired,
		}); err != nil {
			s.log.Error("enqueue ttl cleanup failed", zap.Error(err))
		}
	}
	return nil
}

// cleanupFinalizedSources is spec.md §4.6 strategy 3.
func (s *Scheduler) cleanupFinalizedSources(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.cfg.SafetyMargin)
	transactions, err := s.store.FinalizeTransactionsCompletedBefore(ctx, cutoff)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, tx := range transactions {
		if err := s.store.EnqueueCleanup(ctx, registry.CleanupEntry{
			FileID:           tx.FileID,
			StorageElementID: tx.SourceSE,
			StoragePath:      "", // resolved by the source SE from file_id at delete time
			ScheduledAt:      now,
			CleanupReason:    registry.CleanupFinalized,
		}); err != nil {
			s.log.Error("enqueue finalized-source cleanup failed", zap.Error(err))
		}
	}
	return nil
}

// DetectOrphans is spec.md §4.6 strategy 4, invoked on demand with a
// caller-supplied listing of file IDs physically present on storageElementID.
func (s *Scheduler) DetectOrphans(ctx context.Context, storageElementID string, fileIDsOnStorage []storjtype.FileID, now time.Time) (int, error) {
	enqueued := 0
	for _, id := range fileIDsOnStorage {
		_, err := s.store.Get(ctx, id, true)
		if err == registry.ErrNotFound {
			if err := s.store.EnqueueCleanup(ctx, registry.CleanupEntry{
				FileID:           id,
				StorageElementID: storageElementID,
				ScheduledAt:      now,
				CleanupReason:    registry.CleanupOrphaned,
			}); err != nil {
				return enqueued, Error.Wrap(err)
			}
			enqueued++
			continue
		}
		if err != nil {
			return enqueued, Error.Wrap(err)
		}
	}
	return enqueued, nil
}
