package storageelement

import (
	"context"
	"encoding/hex"
	"io"
	"path"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"stratafs.io/platform/pkg/filestore"
	"stratafs.io/platform/pkg/storjtype"
)

var mon = monkit.Package()

// Config describes one SE's identity and placement within the mode
// lattice (spec.md §6.4).
type Config struct {
	Mode               storjtype.SEMode
	ElementID          string
	Priority           int
	ExternalEndpoint   string
	DatacenterLocation string
	CacheTTLHours      int // 24 for edit/rw, 168 for ro/ar per spec.md §3
	TotalBytes         int64
	Backend            string // "local" or "s3", reported verbatim in /api/v1/info
	Thresholds         storjtype.Thresholds
}

// Service is one Storage Element: a backend, its WAL, its local cache, and
// the lock manager protecting cache mutations.
type Service struct {
	log     *zap.Logger
	cfg     Config
	backend filestore.Backend
	wal     *filestore.WAL
	cache   *Cache
	lock    *CacheLock

	partitionMu sync.Map // storage_path -> *sync.Mutex, per-file write serialization (spec.md §5)
}

// NewService wires a Service from its dependencies.
func NewService(log *zap.Logger, cfg Config, backend filestore.Backend, wal *filestore.WAL, cache *Cache) *Service {
	if cfg.Thresholds == (storjtype.Thresholds{}) {
		cfg.Thresholds = storjtype.DefaultThresholds()
	}
	return &Service{log: log, cfg: cfg, backend: backend, wal: wal, cache: cache, lock: NewCacheLock()}
}

func (s *Service) partitionLock(storagePath string) *sync.Mutex {
	v, _ := s.partitionMu.LoadOrStore(storagePath, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// UploadRequest is the decoded multipart upload (spec.md §6.1).
type UploadRequest struct {
	OriginalFilename      string
	ContentType           string
	RetentionPolicy       storjtype.RetentionPolicy
	Uploader              string
	FinalizeTransactionID string
	ExpectedSize          int64
	Body                  io.Reader
}

// UploadResult is returned on a successful upload.
type UploadResult struct {
	FileID      storjtype.FileID
	FileSize    int64
	Checksum    string
	StoragePath string
}

// ErrModeDisallowsWrite is returned when the SE's mode rejects new writes.
var ErrModeDisallowsWrite = Error.New("storage element mode does not allow writes")

// ErrModeDisallowsDelete is returned when the SE's mode rejects deletes.
var ErrModeDisallowsDelete = Error.New("storage element mode does not allow deletes")

// ErrInsufficientStorage signals a 507 per spec.md §6.1/§7.
var ErrInsufficientStorage = Error.New("insufficient storage")

// ErrFileNotFound signals a 404.
var ErrFileNotFound = Error.New("file not found")

// Upload implements the attribute-first write protocol (spec.md §4.4):
// WAL begin, stream bytes with checksum, fsync+rename, write sidecar
// atomically, insert cache row, commit WAL. Any failure before the WAL
// commit rolls everything back.
func (s *Service) Upload(ctx context.Context, req UploadRequest, availableBytes int64) (UploadResult, error) {
	if !s.cfg.Mode.AllowsWrite() {
		return UploadResult{}, ErrModeDisallowsWrite
	}
	if req.ExpectedSize > 0 && req.ExpectedSize > availableBytes {
		return UploadResult{}, ErrInsufficientStorage
	}

	fileID := storjtype.NewFileID()
	now := time.Now().UTC()
	u := fileID.String()
	storageFilename, err := storjtype.StorageFilename(req.OriginalFilename, req.Uploader, now, uuid.UUID(fileID))
	if err != nil {
		return UploadResult{}, Error.Wrap(err)
	}
	storagePath := path.Join(now.Format("2006/01/02/15"), storageFilename)

	txnID := fileID.String()
	wal, err := s.wal.Begin(ctx, txnID, filestore.WALUpload, map[string]interface{}{
		"file_id": u, "storage_path": storagePath, "storage_filename": storageFilename,
		"content_type": req.ContentType,
	})
	if err != nil {
		return UploadResult{}, Error.Wrap(err)
	}

	mu := s.partitionLock(storagePath)
	mu.Lock()
	defer mu.Unlock()

	rollback := func(cause error) (UploadResult, error) {
		_ = s.backend.DeleteFile(context.Background(), storagePath)
		_ = s.backend.DeleteAttrFile(context.Background(), storagePath)
		_ = s.cache.Delete(context.Background(), fileID)
		if _, tErr := s.wal.Transition(context.Background(), wal, filestore.WALRolledBack); tErr != nil {
			s.log.Error("WAL rollback transition failed", zap.Error(tErr))
		}
		return UploadResult{}, cause
	}

	written, checksumBytes, err := s.backend.WriteFile(ctx, storagePath, req.Body, req.ExpectedSize)
	if err != nil {
		return rollback(Error.Wrap(err))
	}
	checksum := hex.EncodeToString(checksumBytes[:])

	sidecar := filestore.Sidecar{
		SchemaVersion:    filestore.CurrentSchemaVersion,
		FileID:           u,
		OriginalFilename: req.OriginalFilename,
		StorageFilename:  storageFilename,
		FileSize:         written,
		ChecksumSHA256:   checksum,
		ContentType:      req.ContentType,
		RetentionPolicy:  string(req.RetentionPolicy),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	data, err := filestore.MarshalSidecar(sidecar)
	if err != nil {
		return rollback(Error.Wrap(err))
	}
	if err := s.backend.WriteAttrFile(ctx, storagePath, data); err != nil {
		return rollback(Error.Wrap(err))
	}

	if err := s.cache.Upsert(ctx, CacheEntry{
		FileID: fileID, OriginalFilename: req.OriginalFilename, StorageFilename: storageFilename,
		StoragePath: storagePath, FileSize: written, ChecksumSHA256: checksum,
		ContentType: req.ContentType, RetentionPolicy: req.RetentionPolicy,
		CacheUpdatedAt: now, CacheTTLHours: s.cfg.CacheTTLHours,
	}); err != nil {
		return rollback(Error.Wrap(err))
	}

	if _, err := s.wal.Transition(ctx, wal, filestore.WALCommitted); err != nil {
		return UploadResult{}, Error.Wrap(err)
	}

	return UploadResult{FileID: fileID, FileSize: written, Checksum: checksum, StoragePath: storagePath}, nil
}

// Download streams bytes for id, triggering a lazy rebuild if the cache
// row is stale (spec.md §4.4.3).
func (s *Service) Download(ctx context.Context, id storjtype.FileID) (io.ReadCloser, CacheEntry, error) {
	entry, err := s.cacheEntryWithLazyRebuild(ctx, id)
	if err != nil {
		return nil, CacheEntry{}, err
	}
	rc, err := s.backend.ReadFile(ctx, entry.StoragePath)
	if err != nil {
		return nil, CacheEntry{}, ErrFileNotFound
	}
	return rc, entry, nil
}

// Metadata returns the cache row for id after a lazy-rebuild attempt.
func (s *Service) Metadata(ctx context.Context, id storjtype.FileID) (CacheEntry, error) {
	return s.cacheEntryWithLazyRebuild(ctx, id)
}

func (s *Service) cacheEntryWithLazyRebuild(ctx context.Context, id storjtype.FileID) (CacheEntry, error) {
	entry, err := s.cache.Get(ctx, id)
	if err != nil {
		return CacheEntry{}, ErrFileNotFound
	}
	if !entry.Expired(time.Now().UTC()) {
		return entry, nil
	}
	refreshed, ok := s.lazyRebuildOne(ctx, entry)
	if !ok {
		return entry, nil // graceful degradation: serve stale row
	}
	return refreshed, nil
}

func (s *Service) lazyRebuildOne(ctx context.Context, entry CacheEntry) (CacheEntry, bool) {
	release, ok := s.lock.TryAcquire(PriorityLazyRebuild, time.Now())
	if !ok {
		s.log.Debug("lazy rebuild skipped, lock held at higher priority", zap.String("file_id", entry.FileID.String()))
		mon.Counter("lazy_rebuild_skipped").Inc(1)
		return CacheEntry{}, false
	}
	defer release()

	data, err := s.backend.ReadAttrFile(ctx, entry.StoragePath)
	if err != nil {
		s.log.Warn("lazy rebuild could not read sidecar", zap.Error(err))
		return CacheEntry{}, false
	}
	sidecar, err := filestore.UnmarshalSidecar(data)
	if err != nil {
		s.log.Warn("lazy rebuild could not parse sidecar", zap.Error(err))
		return CacheEntry{}, false
	}
	refreshed := CacheEntry{
		FileID: entry.FileID, OriginalFilename: sidecar.OriginalFilename, StorageFilename: sidecar.StorageFilename,
		StoragePath: entry.StoragePath, FileSize: sidecar.FileSize, ChecksumSHA256: sidecar.ChecksumSHA256,
		ContentType: sidecar.ContentType, RetentionPolicy: storjtype.RetentionPolicy(sidecar.RetentionPolicy),
		CacheUpdatedAt: time.Now().UTC(), CacheTTLHours: entry.CacheTTLHours,
		CustomAttributes: sidecar.CustomAttributes,
	}
	if err := s.cache.Upsert(ctx, refreshed); err != nil {
		s.log.Error("lazy rebuild could not persist refreshed entry", zap.Error(err))
		return CacheEntry{}, false
	}
	return refreshed, true
}

// CapacityReport is the response for /api/v1/capacity and the summary
// embedded in /api/v1/info (spec.md §6.3).
type CapacityReport struct {
	StorageID   string
	Mode        storjtype.SEMode
	Total       int64
	Used        int64
	Available   int64
	PercentUsed float64
	Status      storjtype.CapacityStatus
	Health      storjtype.Health
	Backend     string
	Location    string
	LastUpdate  time.Time
}

// Capacity reports this SE's current space usage, computed from the local
// cache's summed file_size (spec.md §3: `used <= total`, `available =
// total - used`). Health reflects the backend's own HealthCheck.
func (s *Service) Capacity(ctx context.Context) (CapacityReport, error) {
	used, err := s.cache.TotalSize(ctx)
	if err != nil {
		return CapacityReport{}, Error.Wrap(err)
	}
	health := storjtype.HealthHealthy
	if err := s.backend.HealthCheck(ctx); err != nil {
		health = storjtype.HealthUnhealthy
	}
	total := s.cfg.TotalBytes
	available := total - used
	if available < 0 {
		available = 0
	}
	var percentUsed float64
	if total > 0 {
		percentUsed = 100 * float64(used) / float64(total)
	}
	return CapacityReport{
		StorageID: s.cfg.ElementID, Mode: s.cfg.Mode, Total: total, Used: used, Available: available,
		PercentUsed: percentUsed, Status: s.cfg.Thresholds.StatusFor(percentUsed), Health: health,
		Backend: s.cfg.Backend, Location: s.cfg.DatacenterLocation, LastUpdate: time.Now().UTC(),
	}, nil
}

// Delete removes bytes, sidecar, and cache row for id. Only EDIT-mode SEs
// allow deletes (spec.md §3).
func (s *Service) Delete(ctx context.Context, id storjtype.FileID) error {
	if !s.cfg.Mode.AllowsDelete() {
		return ErrModeDisallowsDelete
	}
	entry, err := s.cache.Get(ctx, id)
	if err != nil {
		return ErrFileNotFound
	}

	txnID := id.String() + "-delete"
	wal, err := s.wal.Begin(ctx, txnID, filestore.WALDelete, map[string]interface{}{"file_id": id.String()})
	if err != nil {
		return Error.Wrap(err)
	}

	mu := s.partitionLock(entry.StoragePath)
	mu.Lock()
	defer mu.Unlock()

	if err := s.backend.DeleteFile(ctx, entry.StoragePath); err != nil {
		return Error.Wrap(err)
	}
	if err := s.backend.DeleteAttrFile(ctx, entry.StoragePath); err != nil {
		s.log.Warn("sidecar delete failed after bytes delete", zap.Error(err))
	}
	if err := s.cache.Delete(ctx, id); err != nil {
		s.log.Warn("cache row delete failed after bytes delete", zap.Error(err))
	}
	if _, err := s.wal.Transition(ctx, wal, filestore.WALCommitted); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// UpdateMetadata merges attrs into the file's sidecar custom_attributes
// under a WAL UPDATE_METADATA entry, then refreshes the cache row from
// the rewritten sidecar (spec.md §6.1 PATCH /api/v1/files/{id}, §4.4
// "metadata update (allowed modes only)"). The sidecar remains
// authoritative: the cache row is derived from it, not written
// independently.
func (s *Service) UpdateMetadata(ctx context.Context, id storjtype.FileID, attrs map[string]string) (CacheEntry, error) {
	if !s.cfg.Mode.AllowsWrite() {
		return CacheEntry{}, ErrModeDisallowsWrite
	}
	entry, err := s.cache.Get(ctx, id)
	if err != nil {
		return CacheEntry{}, ErrFileNotFound
	}

	txnID := id.String() + "-update"
	wal, err := s.wal.Begin(ctx, txnID, filestore.WALUpdateMetadata, map[string]interface{}{"file_id": id.String()})
	if err != nil {
		return CacheEntry{}, Error.Wrap(err)
	}

	mu := s.partitionLock(entry.StoragePath)
	mu.Lock()
	defer mu.Unlock()

	fail := func(cause error) (CacheEntry, error) {
		if _, tErr := s.wal.Transition(context.Background(), wal, filestore.WALRolledBack); tErr != nil {
			s.log.Error("WAL rollback transition failed", zap.Error(tErr))
		}
		return CacheEntry{}, cause
	}

	data, err := s.backend.ReadAttrFile(ctx, entry.StoragePath)
	if err != nil {
		return fail(Error.Wrap(err))
	}
	sidecar, err := filestore.UnmarshalSidecar(data)
	if err != nil {
		return fail(Error.Wrap(err))
	}
	if sidecar.CustomAttributes == nil {
		sidecar.CustomAttributes = map[string]string{}
	}
	for k, v := range attrs {
		sidecar.CustomAttributes[k] = v
	}
	now := time.Now().UTC()
	sidecar.UpdatedAt = now

	marshaled, err := filestore.MarshalSidecar(sidecar)
	if err != nil {
		return fail(Error.Wrap(err))
	}
	if err := s.backend.WriteAttrFile(ctx, entry.StoragePath, marshaled); err != nil {
		return fail(Error.Wrap(err))
	}

	refreshed := entry
	refreshed.CustomAttributes = sidecar.CustomAttributes
	refreshed.CacheUpdatedAt = now
	if err := s.cache.Upsert(ctx, refreshed); err != nil {
		return fail(Error.Wrap(err))
	}

	if _, err := s.wal.Transition(ctx, wal, filestore.WALCommitted); err != nil {
		return CacheEntry{}, Error.Wrap(err)
	}
	return refreshed, nil
}
