package storageelement

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"stratafs.io/platform/private/authtoken"
	"stratafs.io/platform/private/web"
	"stratafs.io/platform/pkg/storjtype"
)

// Handler exposes a Storage Element's REST surface (spec.md §6.3).
type Handler struct {
	svc *Service
}

// NewHandler returns a Handler backed by svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts every route onto r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/files/upload", h.upload).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/files/{id}/download", h.download).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/files/{id}", h.metadata).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/files/{id}", h.patch).Methods(http.MethodPatch)
	r.HandleFunc("/api/v1/files/{id}", h.delete).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/capacity", h.capacity).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/info", h.info).Methods(http.MethodGet)
}

type uploadResponse struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
	Checksum string `json:"checksum"`
}

// upload implements POST /api/v1/files/upload (spec.md §6.3): multipart
// body, 201 on success, 400 if the SE's mode disallows writes, 507 if
// insufficient space.
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

	report, err := h.svc.Capacity(r.Context())
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, "capacity check failed")
		return
	}

	result, err := h.svc.Upload(r.Context(), UploadRequest{
		OriginalFilename:      header.Filename,
		ContentType:           contentType,
		RetentionPolicy:       policy,
		Uploader:              r.FormValue("uploader"),
		FinalizeTransactionID: r.FormValue("finalize_transaction_id"),
		ExpectedSize:          header.Size,
		Body:                  file,
	}, report.Available)
	switch {
	case err == ErrModeDisallowsWrite:
		web.WriteError(w, http.StatusBadRequest, "storage element mode does not allow writes")
	case err == ErrInsufficientStorage:
		web.WriteError(w, http.StatusInsufficientStorage, "insufficient storage")
	case err != nil:
		web.WriteError(w, http.StatusInternalServerError, "upload failed")
	default:
		web.WriteJSON(w, http.StatusCreated, uploadResponse{
			FileID: result.FileID.String(), FileSize: result.FileSize, Checksum: result.Checksum,
		})
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (storjtype.FileID, bool) {
	id, err := storjtype.ParseFileID(mux.Vars(r)["id"])
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "malformed file_id")
		return storjtype.FileID{}, false
	}
	return id, true
}

// download implements GET /api/v1/files/{id}/download: streamed bytes with
// Content-Disposition set from original_filename.
func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	rc, entry, err := h.svc.Download(r.Context(), id)
	if err == ErrFileNotFound {
		web.WriteError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, "download failed")
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", entry.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", entry.OriginalFilename))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", entry.FileSize))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

type metadataResponse struct {
	FileID           string            `json:"file_id"`
	OriginalFilename string            `json:"original_filename"`
	StorageFilename  string            `json:"storage_filename"`
	FileSize         int64             `json:"file_size"`
	ChecksumSHA256   string            `json:"checksum_sha256"`
	ContentType      string            `json:"content_type"`
	RetentionPolicy  string            `json:"retention_policy"`
	CustomAttributes map[string]string `json:"custom_attributes"`
}

func toMetadataResponse(e CacheEntry) metadataResponse {
	attrs := e.CustomAttributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	return metadataResponse{
		FileID: e.FileID.String(), OriginalFilename: e.OriginalFilename, StorageFilename: e.StorageFilename,
		FileSize: e.FileSize, ChecksumSHA256: e.ChecksumSHA256, ContentType: e.ContentType,
		RetentionPolicy: string(e.RetentionPolicy), CustomAttributes: attrs,
	}
}

// metadata implements GET /api/v1/files/{id}: triggers a lazy rebuild if
// the cache row is expired (spec.md §6.3).
func (h *Handler) metadata(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	entry, err := h.svc.Metadata(r.Context(), id)
	if err == ErrFileNotFound {
		web.WriteError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, "metadata lookup failed")
		return
	}
	web.WriteJSON(w, http.StatusOK, toMetadataResponse(entry))
}

type patchRequest struct {
	CustomAttributes map[string]string `json:"custom_attributes"`
}

// patch implements PATCH /api/v1/files/{id}: allowed only while the SE's
// mode permits writes (spec.md §6.3 "metadata update (allowed modes
// only)"). The body's custom_attributes are merged into the sidecar
// (spec.md §4.4) under a WAL UPDATE_METADATA entry.
func (h *Handler) patch(w http.ResponseWriter, r *http.Request) {
	if !web.RequireRole(w, r, authtoken.RoleAdmin, authtoken.RoleUser) {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var body patchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			web.WriteError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}
	entry, err := h.svc.UpdateMetadata(r.Context(), id, body.CustomAttributes)
	switch {
	case err == ErrModeDisallowsWrite:
		web.WriteError(w, http.StatusBadRequest, "storage element mode does not allow metadata updates")
	case err == ErrFileNotFound:
		web.WriteError(w, http.StatusNotFound, "file not found")
	case err != nil:
		web.WriteError(w, http.StatusInternalServerError, "metadata update failed")
	default:
		web.WriteJSON(w, http.StatusOK, toMetadataResponse(entry))
	}
}

// delete implements DELETE /api/v1/files/{id}, only in EDIT mode.
func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if !web.RequireRole(w, r, authtoken.RoleAdmin) {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	err := h.svc.Delete(r.Context(), id)
	switch {
	case err == ErrModeDisallowsDelete:
		web.WriteError(w, http.StatusBadRequest, "storage element mode does not allow deletes")
	case err == ErrFileNotFound:
		w.WriteHeader(http.StatusNoContent) // already gone, treat as success per spec.md §4.6
	case err != nil:
		web.WriteError(w, http.StatusInternalServerError, "delete failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type capacityResponse struct {
	StorageID string  `json:"storage_id"`
	Mode      string  `json:"mode"`
	Capacity  capacitySummary `json:"capacity"`
	Health    string  `json:"health"`
	Backend   string  `json:"backend"`
	Location  string  `json:"location"`
	LastUpdate time.Time `json:"last_update"`
}

type capacitySummary struct {
	Total       int64   `json:"total"`
	Used        int64   `json:"used"`
	Available   int64   `json:"available"`
	PercentUsed float64 `json:"percent_used"`
	Status      string  `json:"status"`
}

// capacity implements GET /api/v1/capacity, polled by the Ingester's
// capacity monitor (spec.md §4.1, §6.3).
func (h *Handler) capacity(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Capacity(r.Context())
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, "capacity check failed")
		return
	}
	web.WriteJSON(w, http.StatusOK, toCapacityResponse(report))
}

func toCapacityResponse(report CapacityReport) capacityResponse {
	return capacityResponse{
		StorageID: report.StorageID, Mode: string(report.Mode),
		Capacity: capacitySummary{
			Total: report.Total, Used: report.Used, Available: report.Available,
			PercentUsed: report.PercentUsed, Status: string(report.Status),
		},
		Health: string(report.Health), Backend: report.Backend, Location: report.Location,
		LastUpdate: report.LastUpdate,
	}
}

type infoResponse struct {
	Mode      string          `json:"mode"`
	ElementID string          `json:"element_id"`
	Priority  int             `json:"priority"`
	Capacity  capacitySummary `json:"capacity"`
	Health    string          `json:"health"`
}

// info implements GET /api/v1/info.
func (h *Handler) info(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Capacity(r.Context())
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, "capacity check failed")
		return
	}
	web.WriteJSON(w, http.StatusOK, infoResponse{
		Mode: string(h.svc.cfg.Mode), ElementID: h.svc.cfg.ElementID, Priority: h.svc.cfg.Priority,
		Capacity: capacitySummary{
			Total: report.Total, Used: report.Used, Available: report.Available,
			PercentUsed: report.PercentUsed, Status: string(report.Status),
		},
		Health: string(report.Health),
	})
}
