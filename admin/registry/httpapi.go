package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"stratafs.io/platform/private/authtoken"
	"stratafs.io/platform/private/web"
	"stratafs.io/platform/pkg/storjtype"
)

// EventPublisher emits a file-record mutation onto the event stream
// Query consumes (spec.md §4.5). Kept as a narrow interface here, rather
// than importing admin/eventing's concrete types, so registry stays free
// of a dependency on Redis specifics.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, fileID, storageElementID, storagePath, retentionPolicy, deletionReason string) error
}

// Handler exposes the Admin file-registry REST surface (spec.md §6.1).
type Handler struct {
	store     *Store
	lister    StorageElementLister
	publisher EventPublisher
}

// NewHandler returns a Handler backed by store. lister serves the
// Ingester's selection fallback endpoint; nil degrades the endpoint to
// "unavailable" rather than panicking. publisher may be nil, in which
// case create/update/delete/finalize simply skip event emission (useful
// in tests that don't exercise Query's cache sync).
func NewHandler(store *Store, lister StorageElementLister, publisher EventPublisher) *Handler {
	return &Handler{store: store, lister: lister, publisher: publisher}
}

func (h *Handler) publish(ctx context.Context, eventType, fileID, storageElementID, storagePath, retentionPolicy, deletionReason string) {
	if h.publisher == nil {
		return
	}
	// Best-effort: Query's cache is a read-side optimization the
	// registry remains the source of truth for, so a publish failure is
	// logged by the publisher's own caller wiring, not fatal here.
	_ = h.publisher.Publish(ctx, eventType, fileID, storageElementID, storagePath, retentionPolicy, deletionReason)
}

// Register mounts every registry route onto r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/files", h.create).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/files", h.list).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/files/{id}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/files/{id}", h.update).Methods(http.MethodPut)
	r.HandleFunc("/api/v1/files/{id}", h.delete).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/internal/storage-elements/available", h.available).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/internal/files/{id}/finalize", h.finalize).Methods(http.MethodPut)
	r.HandleFunc("/api/v1/internal/cleanup-queue", h.enqueueCleanup).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/internal/finalize-transactions", h.upsertTransaction).Methods(http.MethodPost)
}

type createRequest struct {
	FileID           string `json:"file_id"`
	OriginalFilename string `json:"original_filename"`
	StorageFilename  string `json:"storage_filename"`
	FileSize         int64  `json:"file_size"`
	ChecksumSHA256   string `json:"checksum_sha256"`
	ContentType      string `json:"content_type"`
	RetentionPolicy  string `json:"retention_policy"`
	StorageElementID string `json:"storage_element_id"`
	StoragePath      string `json:"storage_path"`
}

type fileResponse struct {
	FileID           string     `json:"file_id"`
	OriginalFilename string     `json:"original_filename"`
	StorageFilename  string     `json:"storage_filename"`
	FileSize         int64      `json:"file_size"`
	ChecksumSHA256   string     `json:"checksum_sha256"`
	ContentType      string     `json:"content_type"`
	RetentionPolicy  string     `json:"retention_policy"`
	StorageElementID string     `json:"storage_element_id"`
	StoragePath      string     `json:"storage_path"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	FinalizedAt      *time.Time `json:"finalized_at,omitempty"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

func toResponse(f File) fileResponse {
	return fileResponse{
		FileID:           f.FileID.String(),
		OriginalFilename: f.OriginalFilename,
		StorageFilename:  f.StorageFilename,
		FileSize:         f.FileSize,
		ChecksumSHA256:   f.ChecksumSHA256,
		ContentType:      f.ContentType,
		RetentionPolicy:  string(f.RetentionPolicy),
		StorageElementID: f.StorageElementID,
		StoragePath:      f.StoragePath,
		CreatedAt:        f.CreatedAt,
		UpdatedAt:        f.UpdatedAt,
		FinalizedAt:      f.FinalizedAt,
		DeletedAt:        f.DeletedAt,
	}
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	if !web.RequireRole(w, r, authtoken.RoleAdmin, authtoken.RoleUser) {
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "malformed body")
		return
	}
	id, err := storjtype.ParseFileID(req.FileID)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "malformed file_id")
		return
	}
	policy := storjtype.RetentionPolicy(req.RetentionPolicy)
	if !policy.Valid() {
		web.WriteError(w, http.StatusBadRequest, "invalid retention_policy")
		return
	}
	now := time.Now().UTC()
	f := File{
		FileID:           id,
		OriginalFilename: req.OriginalFilename,
		StorageFilename:  req.StorageFilename,
		FileSize:         req.FileSize,
		ChecksumSHA256:   req.ChecksumSHA256,
		ContentType:      req.ContentType,
		RetentionPolicy:  policy,
		StorageElementID: req.StorageElementID,
		StoragePath:      req.StoragePath,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if policy == storjtype.RetentionTemporary {
		ttl := now.Add(24 * time.Hour)
		f.TTLExpiresAt = &ttl
	}
	err = h.store.Create(r.Context(), f)
	switch {
	case err == ErrDuplicate:
		web.WriteError(w, http.StatusBadRequest, "file_id already registered")
	case err != nil:
		web.WriteError(w, http.StatusInternalServerError, "registry error")
	default:
		h.publish(r.Context(), "file:created", f.FileID.String(), f.StorageElementID, f.StoragePath, string(f.RetentionPolicy), "")
		web.WriteJSON(w, http.StatusCreated, toResponse(f))
	}
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := storjtype.ParseFileID(mux.Vars(r)["id"])
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "malformed file_id")
		return
	}
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	if includeDeleted && !web.RequireRole(w, r, authtoken.RoleAdmin) {
		return
	}
	f, err := h.store.Get(r.Context(), id, includeDeleted)
	switch {
	case err == ErrNotFound:
		web.WriteError(w, http.StatusNotFound, "file not found")
	case err != nil:
		web.WriteError(w, http.StatusInternalServerError, "registry error")
	default:
		web.WriteJSON(w, http.StatusOK, toResponse(f))
	}
}

type updateRequest struct {
	RetentionPolicy  *string `json:"retention_policy"`
	StorageElementID *string `json:"storage_element_id"`
	StoragePath      *string `json:"storage_path"`
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	if !web.RequireRole(w, r, authtoken.RoleAdmin, authtoken.RoleUser) {
		return
	}
	id, err := storjtype.ParseFileID(mux.Vars(r)["id"])
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "malformed file_id")
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "malformed body")
		return
	}
	updated, err := h.store.Update(r.Context(), id, func(f *File) error {
		if req.RetentionPolicy != nil {
			f.RetentionPolicy = storjtype.RetentionPolicy(*req.RetentionPolicy)
		}
		if req.StorageElementID != nil {
			f.StorageElementID = *req.StorageElementID
		}
		if req.StoragePath != nil {
			f.StoragePath = *req.StoragePath
		}
		return nil
	})
	switch {
	case err == ErrNotFound:
		web.WriteError(w, http.StatusNotFound, "file not found")
	case err == ErrInvalidTransition:
		web.WriteError(w, http.StatusBadRequest, "permanent files cannot revert to temporary")
	case err != nil:
		web.WriteError(w, http.StatusInternalServerError, "registry error")
	default:
		h.publish(r.Context(), "file:updated", updated.FileID.String(), updated.StorageElementID, updated.StoragePath, string(updated.RetentionPolicy), "")
		web.WriteJSON(w, http.StatusOK, toResponse(updated))
	}
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if !web.RequireRole(w, r, authtoken.RoleAdmin) {
		return
	}
	id, err := storjtype.ParseFileID(mux.Vars(r)["id"])
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "malformed file_id")
		return
	}
	reason := r.URL.Query().Get("deletion_reason")
	if err := h.store.SoftDelete(r.Context(), id, reason); err != nil {
		web.WriteError(w, http.StatusInternalServerError, "registry error")
		return
	}
	h.publish(r.Context(), "file:deleted", id.String(), "", "", "", reason)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	includeDeleted := q.Get("include_deleted") == "true"
	if includeDeleted && !web.RequireRole(w, r, authtoken.RoleAdmin) {
		return
	}
	files, err := h.store.List(r.Context(), ListFilter{
		RetentionPolicy:  storjtype.RetentionPolicy(q.Get("retention_policy")),
		StorageElementID: q.Get("storage_element_id"),
		IncludeDeleted:   includeDeleted,
		Page:             page,
		PageSize:         pageSize,
	})
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, "registry error")
		return
	}
	out := make([]fileResponse, 0, len(files))
	for _, f := range files {
		out = append(out, toResponse(f))
	}
	web.WriteJSON(w, http.StatusOK, out)
}

// StorageElementLister resolves the fallback SE-selection source Admin
// serves to the Ingester (spec.md §4.2), backed by Admin's own durable
// capacity/health snapshot rather than the shared cache.
type StorageElementLister interface {
	AvailableStorageElements(mode string, minFreeBytes int64) ([]AvailableSE, error)
}

// AvailableSE is one candidate returned by the internal fallback endpoint.
type AvailableSE struct {
	StorageElementID string  `json:"storage_element_id"`
	Endpoint         string  `json:"endpoint"`
	Priority         int     `json:"priority"`
	PercentUsed      float64 `json:"percent_used"`
	AvailableBytes   int64   `json:"available_bytes"`
}

func (h *Handler) available(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("mode")
	minFree, _ := strconv.ParseInt(q.Get("min_free_bytes"), 10, 64)

	if h.lister == nil {
		web.WriteRetryableError(w, http.StatusServiceUnavailable, "no storage elements available", 30)
		return
	}
	elements, err := h.lister.AvailableStorageElements(mode, minFree)
	if err != nil || len(elements) == 0 {
		web.WriteRetryableError(w, http.StatusServiceUnavailable, "no storage elements available", 30)
		return
	}
	web.WriteJSON(w, http.StatusOK, elements)
}

type finalizeRequest struct {
	StorageElementID string    `json:"storage_element_id"`
	StoragePath      string    `json:"storage_path"`
	FinalizedAt      time.Time `json:"finalized_at"`
}

// finalize implements the internal hook the Ingester calls on finalize
// completion (spec.md §4.3 step 5): promotes the file to PERMANENT,
// records its new location, and stamps finalized_at.
func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	if !web.RequireRole(w, r, authtoken.RoleAdmin, authtoken.RoleUser) {
		return
	}
	id, err := storjtype.ParseFileID(mux.Vars(r)["id"])
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "malformed file_id")
		return
	}
	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "malformed body")
		return
	}
	finalizedAt := req.FinalizedAt
	updated, err := h.store.Update(r.Context(), id, func(f *File) error {
		f.RetentionPolicy = storjtype.RetentionPermanent
		f.StorageElementID = req.StorageElementID
		if req.StoragePath != "" {
			f.StoragePath = req.StoragePath
		}
		f.TTLExpiresAt = nil
		f.FinalizedAt = &finalizedAt
		return nil
	})
	switch {
	case err == ErrNotFound:
		web.WriteError(w, http.StatusNotFound, "file not found")
	case err != nil:
		web.WriteError(w, http.StatusInternalServerError, "registry error")
	default:
		h.publish(r.Context(), "file:updated", updated.FileID.String(), updated.StorageElementID, updated.StoragePath, string(updated.RetentionPolicy), "")
		web.WriteJSON(w, http.StatusOK, toResponse(updated))
	}
}

type enqueueCleanupRequest struct {
	FileID           string    `json:"file_id"`
	StorageElementID string    `json:"storage_element_id"`
	StoragePath      string    `json:"storage_path"`
	ScheduledAt      time.Time `json:"scheduled_at"`
	CleanupReason    string    `json:"cleanup_reason"`
}

// enqueueCleanup lets the Ingester schedule the source-copy cleanup entry
// a successful finalize requires (spec.md §4.3 step 5's safety margin).
func (h *Handler) enqueueCleanup(w http.ResponseWriter, r *http.Request) {
	if !web.RequireRole(w, r, authtoken.RoleAdmin, authtoken.RoleUser) {
		return
	}
	var req enqueueCleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "malformed body")
		return
	}
	id, err := storjtype.ParseFileID(req.FileID)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "malformed file_id")
		return
	}
	err = h.store.EnqueueCleanup(r.Context(), CleanupEntry{
		FileID: id, StorageElementID: req.StorageElementID, StoragePath: req.StoragePath,
		ScheduledAt: req.ScheduledAt, CleanupReason: CleanupReason(req.CleanupReason),
	})
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, "registry error")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type finalizeTransactionRequest struct {
	TransactionID  string     `json:"transaction_id"`
	FileID         string     `json:"file_id"`
	SourceSE       string     `json:"source_se"`
	TargetSE       string     `json:"target_se"`
	Status         string     `json:"status"`
	ChecksumSource string     `json:"checksum_source"`
	ChecksumTarget string     `json:"checksum_target"`
	RetryCount     int        `json:"retry_count"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// upsertTransaction mirrors the Ingester-owned finalize state machine
// into Admin for observability (spec.md §3 "Finalization transaction").
func (h *Handler) upsertTransaction(w http.ResponseWriter, r *http.Request) {
	if !web.RequireRole(w, r, authtoken.RoleAdmin, authtoken.RoleUser) {
		return
	}
	var req finalizeTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "malformed body")
		return
	}
	fileID, err := storjtype.ParseFileID(req.FileID)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "malformed file_id")
		return
	}
	err = h.store.UpsertFinalizeTransaction(r.Context(), FinalizeTransaction{
		TransactionID: req.TransactionID, FileID: fileID, SourceSE: req.SourceSE, TargetSE: req.TargetSE,
		Status: req.Status, ChecksumSource: req.ChecksumSource, ChecksumTarget: req.ChecksumTarget,
		RetryCount: req.RetryCount, CreatedAt: req.CreatedAt, CompletedAt: req.CompletedAt,
	})
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, "registry error")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
