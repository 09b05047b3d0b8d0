// Package finalize implements two-phase finalization (spec.md §4.3): the
// cross-SE copy and checksum-verified commit that promotes a TEMPORARY
// file from an Edit SE to a RW SE, with rollback on any failure and a
// deferred cleanup entry on success.
package finalize

import (
	"context"
	"io"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"stratafs.io/platform/ingester/selection"
	"stratafs.io/platform/pkg/storjtype"
)

var mon = monkit.Package()

// Error is the class for finalization failures.
var Error = errs.Class("finalize")

// Status is a position in the finalize transaction's state machine
// (spec.md §4.3).
type Status string

const (
	StatusCopying    Status = "COPYING"
	StatusCopied     Status = "COPIED"
	StatusVerifying  Status = "VERIFYING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// Percent returns the fixed progress mapping GET /finalize/status/{tx}
// reports (spec.md §4.3 "progress observation").
func (s Status) Percent() int {
	switch s {
	case StatusCopying:
		return 25
	case StatusCopied:
		return 50
	case StatusVerifying:
		return 75
	case StatusCompleted:
		return 100
	default:
		return 0
	}
}

// Transaction is the in-memory record mirrored to Admin (spec.md §3
// "Finalization transaction").
type Transaction struct {
	TransactionID  string
	FileID         storjtype.FileID
	SourceSE       string
	TargetSE       string
	Status         Status
	ChecksumSource string
	ChecksumTarget string
	RetryCount     int
	CreatedAt      time.Time
	CompletedAt    *time.Time
	Err            string
}

// StartRequest is the input to begin a finalization.
type StartRequest struct {
	FileID           storjtype.FileID
	SourceSE         string
	SourceEndpoint   string
	ChecksumSource   string
	FileSize         int64
	OriginalFilename string
	ContentType      string
}

// SEClient is the subset of Storage Element HTTP calls finalization
// drives (spec.md §4.3 step 3-4).
type SEClient interface {
	Download(ctx context.Context, endpointURL string, fileID storjtype.FileID) (io.ReadCloser, int64, error)
	Upload(ctx context.Context, endpointURL string, fileID storjtype.FileID, req UploadSpec) (checksum string, err error)
	Checksum(ctx context.Context, endpointURL string, fileID storjtype.FileID) (checksum string, err error)
	Delete(ctx context.Context, endpointURL string, fileID storjtype.FileID) error
}

// UploadSpec describes the target-side upload of a finalization copy.
type UploadSpec struct {
	Body                  io.Reader
	Size                  int64
	ContentType           string
	OriginalFilename      string
	FinalizeTransactionID string
}

// AdminClient is the subset of Admin calls finalization drives on success
// (spec.md §4.3 step 5).
type AdminClient interface {
	MarkFinalized(ctx context.Context, fileID storjtype.FileID, targetSE, storagePath string, finalizedAt time.Time) error
	EnqueueCleanup(ctx context.Context, fileID storjtype.FileID, sourceSE string, scheduledAt time.Time) error
	UpsertTransaction(ctx context.Context, tx Transaction) error
}

// Selector picks the target RW SE (spec.md §4.2).
type Selector interface {
	Select(ctx context.Context, fileSize int64, policy storjtype.RetentionPolicy, excludedIDs map[string]bool) (selection.Candidate, error)
}

// SafetyMargin is the delay between a successful finalize and the
// cleanup of the source copy (spec.md §4.3 step 5).
const SafetyMargin = 24 * time.Hour

// MaxConcurrent bounds the finalize worker pool (spec.md §5 "finalize
// worker pool: one task per in-flight transaction").
const MaxConcurrent = 32

// Service drives finalize transactions end to end.
type Service struct {
	log      *zap.Logger
	se       SEClient
	admin    AdminClient
	selector Selector
	sem      chan struct{}

	mu  sync.Mutex
	txs map[string]*Transaction
}

// NewService builds a Service.
func NewService(log *zap.Logger, se SEClient, admin AdminClient, selector Selector) *Service {
	return &Service{
		log: log, se: se, admin: admin, selector: selector,
		sem: make(chan struct{}, MaxConcurrent), txs: map[string]*Transaction{},
	}
}

// Start begins a finalization asynchronously and returns its transaction
// ID and initial (COPYING) status immediately (spec.md §6.1 "POST
// /api/v1/finalize/{file_id}").
func (s *Service) Start(ctx context.Context, req StartRequest) (Transaction, error) {
	tx := &Transaction{
		TransactionID:  uuid.NewV4().String(),
		FileID:         req.FileID,
		SourceSE:       req.SourceSE,
		Status:         StatusCopying,
		ChecksumSource: req.ChecksumSource,
		CreatedAt:      time.Now().UTC(),
	}
	s.mu.Lock()
	s.txs[tx.TransactionID] = tx
	s.mu.Unlock()

	if err := s.admin.UpsertTransaction(ctx, *tx); err != nil {
		s.log.Warn("finalize transaction mirror to admin failed", zap.Error(err))
	}

	go func() {
		// Decoupled from the HTTP request's context: cancellation must
		// not abort an in-flight cross-SE copy (spec.md §5 "handlers
		// must tolerate cancellation between any two suspension
		// points").
		runCtx := context.Background()
		s.sem <- struct{}{}
		defer func() { <-s.sem }()
		s.run(runCtx, tx, req)
	}()

	return *tx, nil
}

// Status returns the current state of transactionID.
func (s *Service) Status(transactionID string) (Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[transactionID]
	if !ok {
		return Transaction{}, false
	}
	return *tx, true
}

func (s *Service) update(tx *Transaction, fn func(*Transaction)) {
	s.mu.Lock()
	fn(tx)
	s.mu.Unlock()
	if err := s.admin.UpsertTransaction(context.Background(), *tx); err != nil {
		s.log.Warn("finalize transaction mirror to admin failed", zap.String("transaction_id", tx.TransactionID), zap.Error(err))
	}
}

// run executes the full COPYING -> COPIED -> VERIFYING -> COMPLETED
// protocol, rolling back on any failure (spec.md §4.3).
func (s *Service) run(ctx context.Context, tx *Transaction, req StartRequest) {
	cand, err := s.selector.Select(ctx, req.FileSize, storjtype.RetentionPermanent, nil)
	if err != nil {
		s.fail(ctx, tx, "target selection failed: "+err.Error())
		return
	}
	s.update(tx, func(t *Transaction) { t.TargetSE = cand.StorageElementID })

	rc, _, err := s.se.Download(ctx, req.SourceEndpoint, req.FileID)
	if err != nil {
		s.fail(ctx, tx, "source download failed: "+err.Error())
		return
	}
	defer func() { _ = rc.Close() }()

	checksumTarget, err := s.se.Upload(ctx, cand.Endpoint, req.FileID, UploadSpec{
		Body: rc, Size: req.FileSize, ContentType: req.ContentType,
		OriginalFilename: req.OriginalFilename, FinalizeTransactionID: tx.TransactionID,
	})
	if err != nil {
		s.fail(ctx, tx, "target upload failed: "+err.Error())
		return
	}
	s.update(tx, func(t *Transaction) { t.Status = StatusCopied })

	s.update(tx, func(t *Transaction) { t.Status = StatusVerifying })
	verifiedChecksum, err := s.se.Checksum(ctx, cand.Endpoint, req.FileID)
	if err != nil {
		s.rollback(ctx, tx, cand.Endpoint, req.FileID, "checksum lookup failed: "+err.Error())
		return
	}
	if checksumTarget == "" {
		checksumTarget = verifiedChecksum
	}
	if verifiedChecksum != tx.ChecksumSource {
		mon.Counter("finalize_checksum_mismatch_total").Inc(1)
		s.rollback(ctx, tx, cand.Endpoint, req.FileID, "checksum mismatch")
		return
	}

	now := time.Now().UTC()
	storagePath := "" // resolved by the target SE's own path scheme
	if err := s.admin.MarkFinalized(ctx, req.FileID, cand.StorageElementID, storagePath, now); err != nil {
		// The caller's copy already landed and verified; a failed Admin
		// update leaves the source readable from its original path until
		// the next GC pass reconciles it (spec.md §4.3 "guarantees").
		s.log.Error("admin finalize update failed after verified copy", zap.Error(err))
	}
	if err := s.admin.EnqueueCleanup(ctx, req.FileID, req.SourceSE, now.Add(SafetyMargin)); err != nil {
		s.log.Error("enqueue source cleanup failed", zap.Error(err))
	}

	s.update(tx, func(t *Transaction) {
		t.Status = StatusCompleted
		t.ChecksumTarget = verifiedChecksum
		t.CompletedAt = &now
	})
}

func (s *Service) fail(ctx context.Context, tx *Transaction, reason string) {
	s.update(tx, func(t *Transaction) {
		t.Status = StatusFailed
		t.Err = reason
	})
	s.log.Warn("finalize failed before target received bytes", zap.String("transaction_id", tx.TransactionID), zap.String("reason", reason))
}

// rollback deletes the bytes the target received (best-effort) and marks
// the transaction ROLLED_BACK. The source is never touched (spec.md §4.3
// step 6).
func (s *Service) rollback(ctx context.Context, tx *Transaction, targetEndpoint string, fileID storjtype.FileID, reason string) {
	s.update(tx, func(t *Transaction) {
		t.Status = StatusFailed
		t.Err = reason
	})
	if err := s.se.Delete(ctx, targetEndpoint, fileID); err != nil {
		s.log.Warn("best-effort rollback delete on target failed", zap.Error(err))
	}
	s.update(tx, func(t *Transaction) {
		t.Status = StatusRolledBack
		t.Err = reason
	})
	s.log.Warn("finalize rolled back", zap.String("transaction_id", tx.TransactionID), zap.String("reason", reason))
}
