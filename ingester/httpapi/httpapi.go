// Package httpapi is the Ingester's REST surface (spec.md §6.1): proxying
// uploads to a selected Storage Element and driving/reporting two-phase
// finalization.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"stratafs.io/platform/ingester/adminclient"
	"stratafs.io/platform/ingester/finalize"
	"stratafs.io/platform/ingester/seclient"
	"stratafs.io/platform/ingester/selection"
	"stratafs.io/platform/private/authtoken"
	"stratafs.io/platform/private/web"
	"stratafs.io/platform/pkg/storjtype"
)

// Error is the class for request-handling failures.
var Error = errs.Class("httpapi")

// AdminClient is the subset of adminclient.Client the upload-finalize
// handlers need to resolve a file's source location.
type AdminClient interface {
	GetFile(ctx context.Context, fileID storjtype.FileID) (adminclient.FileRecord, error)
}

// CapacityReporter lets the upload handler trigger a lazy poll of a just
// rejected SE (spec.md §4.1 "trigger_lazy_update") and lets the finalize
// handler resolve a source SE id into a callable endpoint.
type CapacityReporter interface {
	TriggerLazyUpdate(ctx context.Context, storageElementID, reason string)
	Endpoint(storageElementID string) (string, bool)
}

// Handler wires the Ingester's selector, SE client, finalize service and
// Admin client into HTTP routes.
type Handler struct {
	log       *zap.Logger
	selector  *selection.Selector
	se        *seclient.Client
	finalizer *finalize.Service
	admin     AdminClient
	capMon    CapacityReporter
}

// NewHandler returns a Handler wired to the given collaborators.
func NewHandler(log *zap.Logger, selector *selection.Selector, se *seclient.Client, finalizer *finalize.Service, admin AdminClient, capMon CapacityReporter) *Handler {
	return &Handler{log: log, selector: selector, se: se, finalizer: finalizer, admin: admin, capMon: capMon}
}

// Register mounts every Ingester route onto r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/files/upload", h.upload).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/finalize/{file_id}", h.startFinalize).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/finalize/status/{transaction_id}", h.finalizeStatus).Methods(http.MethodGet)
}

type uploadResponse struct {
	FileID           string `json:"file_id"`
	FileSize         int64  `json:"file_size"`
	Checksum         string `json:"checksum"`
	StorageElementID string `json:"storage_element_id"`
}

// upload implements POST /api/v1/files/upload (spec.md §6.1): select an
// SE via Sequential-Fill, proxy the multipart body, retry with exclusion
// on 507 up to selection.MaxSelectionRetries, triggering a lazy capacity
// update on every rejected SE.
func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	if !web.RequireRole(w, r, authtoken.RoleAdmin, authtoken.RoleUser) {
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		web.WriteError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "missing file part")
		return
	}
	defer func() { _ = file.Close() }()

	policy := storjtype.RetentionPolicy(r.FormValue("retention_policy"))
	if !policy.Valid() {
		web.WriteError(w, http.StatusBadRequest, "invalid retention_policy")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	uploader := r.FormValue("uploader")

	excluded := map[string]bool{}
	ctx := r.Context()
	for attempt := 0; attempt <= selection.MaxSelectionRetries; attempt++ {
		candidate, err := h.selector.Select(ctx, header.Size, policy, excluded)
		if err == selection.ErrNoAvailableStorage {
			web.WriteRetryableError(w, http.StatusServiceUnavailable, "no available storage", selection.RetryAfterSeconds)
			return
		}
		if err != nil {
			web.WriteError(w, http.StatusInternalServerError, "selection error")
			return
		}

		id, checksum, err := h.se.ProxyUpload(ctx, candidate.Endpoint, file, header.Size, contentType, header.Filename, uploader, policy)
		switch {
		case err == seclient.ErrInsufficientStorage:
			h.log.Info("storage element rejected upload as full, retrying with exclusion",
				zap.String("storage_element_id", candidate.StorageElementID))
			excluded[candidate.StorageElementID] = true
			h.capMon.TriggerLazyUpdate(ctx, candidate.StorageElementID, "insufficient_storage")
			continue
		case err == seclient.ErrModeDisallowsWrite:
			web.WriteError(w, http.StatusBadRequest, "storage element mode does not allow writes")
			return
		case err != nil:
			web.WriteError(w, http.StatusInternalServerError, "upload proxy failed")
			return
		}
		web.WriteJSON(w, http.StatusCreated, uploadResponse{
			FileID: id.String(), FileSize: header.Size, Checksum: checksum,
			StorageElementID: candidate.StorageElementID,
		})
		return
	}
	web.WriteRetryableError(w, http.StatusServiceUnavailable, "no available storage after retries", selection.RetryAfterSeconds)
}

type finalizeResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Percent       int    `json:"percent"`
}

// startFinalize implements POST /api/v1/finalize/{file_id} (spec.md
// §4.3, §6.1): look up the file's current source location in Admin and
// kick off the copy-verify-promote state machine.
func (h *Handler) startFinalize(w http.ResponseWriter, r *http.Request) {
	if !web.RequireRole(w, r, authtoken.RoleAdmin, authtoken.RoleUser) {
		return
	}
	fileID, err := storjtype.ParseFileID(mux.Vars(r)["file_id"])
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "malformed file_id")
		return
	}
	ctx := r.Context()
	rec, err := h.admin.GetFile(ctx, fileID)
	if err == adminclient.ErrFileNotFound {
		web.WriteError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, "admin lookup failed")
		return
	}
	if rec.RetentionPolicy == storjtype.RetentionPermanent {
		web.WriteError(w, http.StatusBadRequest, "file is already permanent")
		return
	}
	sourceEndpoint, ok := h.capMon.Endpoint(rec.StorageElementID)
	if !ok {
		web.WriteError(w, http.StatusInternalServerError, "unknown source storage element")
		return
	}

	tx, err := h.finalizer.Start(ctx, finalize.StartRequest{
		FileID: fileID, SourceSE: rec.StorageElementID, SourceEndpoint: sourceEndpoint,
		ChecksumSource: rec.ChecksumSHA256, FileSize: rec.FileSize,
		OriginalFilename: rec.OriginalFilename, ContentType: rec.ContentType,
	})
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, "finalize start failed")
		return
	}
	web.WriteJSON(w, http.StatusAccepted, finalizeResponse{
		TransactionID: tx.TransactionID, Status: string(tx.Status), Percent: tx.Status.Percent(),
	})
}

// finalizeStatus implements GET /api/v1/finalize/status/{transaction_id}.
func (h *Handler) finalizeStatus(w http.ResponseWriter, r *http.Request) {
	if !web.RequireRole(w, r, authtoken.RoleAdmin, authtoken.RoleUser) {
		return
	}
	tx, ok := h.finalizer.Status(mux.Vars(r)["transaction_id"])
	if !ok {
		web.WriteError(w, http.StatusNotFound, "transaction not found")
		return
	}
	web.WriteJSON(w, http.StatusOK, finalizeResponse{
		TransactionID: tx.TransactionID, Status: string(tx.Status), Percent: tx.Status.Percent(),
	})
}
