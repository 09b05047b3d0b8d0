package storageelement

import (
	"context"
	"time"

	"go.uber.org/zap"

	"stratafs.io/platform/pkg/filestore"
	"stratafs.io/platform/pkg/storjtype"
)

// ErrLockSkipped is returned when a manual operation could not acquire
// its lock because a higher-priority holder is active (spec.md §4.4.2,
// §7 "LockContention").
var ErrLockSkipped = Error.New("lock held at higher or equal priority, skipped")

// ConsistencyReport is the dry-run output of check_consistency.
type ConsistencyReport struct {
	TotalSidecars        int
	TotalCacheEntries     int
	OrphanCacheEntries    []storjtype.FileID // cache row with no sidecar
	OrphanAttrFiles       []string           // sidecar with no cache row
	ExpiredCacheEntries   []storjtype.FileID
	ConsistentPercent     float64
}

// CheckConsistency compares the sidecar set to the cache set without
// mutating either (spec.md §4.4.3).
func (s *Service) CheckConsistency(ctx context.Context) (ConsistencyReport, error) {
	release, ok := s.lock.TryAcquire(PriorityManualCheck, time.Now())
	if !ok {
		return ConsistencyReport{}, ErrLockSkipped
	}
	defer release()

	sidecarPaths, err := s.backend.ListAttrPaths(ctx)
	if err != nil {
		return ConsistencyReport{}, Error.Wrap(err)
	}
	sidecarSet := make(map[string]bool, len(sidecarPaths))
	for _, p := range sidecarPaths {
		sidecarSet[p] = true
	}

	entries, err := s.cache.All(ctx)
	if err != nil {
		return ConsistencyReport{}, Error.Wrap(err)
	}
	cachePathSet := make(map[string]bool, len(entries))
	now := time.Now().UTC()

	report := ConsistencyReport{TotalSidecars: len(sidecarPaths), TotalCacheEntries: len(entries)}
	for _, e := range entries {
		cachePathSet[e.StoragePath] = true
		if !sidecarSet[e.StoragePath] {
			report.OrphanCacheEntries = append(report.OrphanCacheEntries, e.FileID)
		}
		if e.Expired(now) {
			report.ExpiredCacheEntries = append(report.ExpiredCacheEntries, e.FileID)
		}
	}
	for _, p := range sidecarPaths {
		if !cachePathSet[p] {
			report.OrphanAttrFiles = append(report.OrphanAttrFiles, p)
		}
	}

	consistent := report.TotalCacheEntries - len(report.OrphanCacheEntries)
	total := report.TotalCacheEntries
	if total == 0 {
		report.ConsistentPercent = 100
	} else {
		report.ConsistentPercent = 100 * float64(consistent) / float64(total)
	}
	return report, nil
}

// RebuildCacheFull truncates the cache and repopulates it from every
// sidecar (spec.md §4.4.3), one upsert per sidecar as it is read; rows are
// not grouped into batched commits.
func (s *Service) RebuildCacheFull(ctx context.Context) (int, error) {
	release, ok := s.lock.TryAcquire(PriorityManualRebuild, time.Now())
	if !ok {
		return 0, ErrLockSkipped
	}
	defer release()

	if err := s.cache.Truncate(ctx); err != nil {
		return 0, Error.Wrap(err)
	}
	return s.repopulateFromSidecars(ctx, nil)
}

// RebuildCacheIncremental inserts rows for sidecars absent from the cache,
// leaving existing rows and orphans untouched.
func (s *Service) RebuildCacheIncremental(ctx context.Context) (int, error) {
	release, ok := s.lock.TryAcquire(PriorityManualRebuild, time.Now())
	if !ok {
		return 0, ErrLockSkipped
	}
	defer release()

	entries, err := s.cache.All(ctx)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	existing := make(map[string]bool, len(entries))
	for _, e := range entries {
		existing[e.StoragePath] = true
	}
	return s.repopulateFromSidecars(ctx, existing)
}

// repopulateFromSidecars reads every sidecar and upserts a cache row for
// each, skipping paths present in skip (nil means skip nothing).
func (s *Service) repopulateFromSidecars(ctx context.Context, skip map[string]bool) (int, error) {
	paths, err := s.backend.ListAttrPaths(ctx)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	count := 0
	for _, p := range paths {
		if skip != nil && skip[p] {
			continue
		}
		data, err := s.backend.ReadAttrFile(ctx, p)
		if err != nil {
			s.log.Warn("rebuild could not read sidecar", zap.String("path", p), zap.Error(err))
			continue
		}
		sidecar, err := filestore.UnmarshalSidecar(data)
		if err != nil {
			s.log.Warn("rebuild could not parse sidecar", zap.String("path", p), zap.Error(err))
			continue
		}
		id, err := storjtype.ParseFileID(sidecar.FileID)
		if err != nil {
			s.log.Warn("rebuild sidecar has malformed file_id", zap.String("path", p), zap.Error(err))
			continue
		}
		if err := s.cache.Upsert(ctx, CacheEntry{
			FileID: id, OriginalFilename: sidecar.OriginalFilename, StorageFilename: sidecar.StorageFilename,
			StoragePath: p, FileSize: sidecar.FileSize, ChecksumSHA256: sidecar.ChecksumSHA256,
			ContentType: sidecar.ContentType, RetentionPolicy: storjtype.RetentionPolicy(sidecar.RetentionPolicy),
			CacheUpdatedAt: time.Now().UTC(), CacheTTLHours: s.cfg.CacheTTLHours,
			CustomAttributes: sidecar.CustomAttributes,
		}); err != nil {
			return count, Error.Wrap(err)
		}
		count++
	}
	return count, nil
}

// CleanupExpiredEntries deletes cache rows past their TTL, the
// BACKGROUND_CLEANUP operation (spec.md §4.4.3).
func (s *Service) CleanupExpiredEntries(ctx context.Context) (int64, error) {
	release, ok := s.lock.TryAcquire(PriorityBackgroundCleanup, time.Now())
	if !ok {
		return 0, ErrLockSkipped
	}
	defer release()
	return s.cache.DeleteExpiredBefore(ctx, time.Now().UTC())
}
