package gc

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"stratafs.io/platform/private/authtoken"
	"stratafs.io/platform/private/web"
	"stratafs.io/platform/pkg/storjtype"
)

// Handler exposes GC's on-demand internal endpoints.
type Handler struct {
	scheduler *Scheduler
}

// NewHandler returns a Handler backed by scheduler.
func NewHandler(scheduler *Scheduler) *Handler {
	return &Handler{scheduler: scheduler}
}

// Register mounts GC's routes onto r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/internal/gc/orphans", h.orphans).Methods(http.MethodPost)
}

type orphansRequest struct {
	StorageElementID string   `json:"storage_element_id"`
	FileIDsOnStorage []string `json:"file_ids_on_storage"`
}

type orphansResponse struct {
	Enqueued int `json:"enqueued"`
}

// orphans implements spec.md §4.6 strategy 4 and the supplemented
// self-report integration point from SPEC_FULL.md §3: a caller (operator
// tooling or a scheduled SE self-report job) supplies the set of file IDs
// actually present on one SE, and anything Admin doesn't know about is
// queued for cleanup.
func (h *Handler) orphans(w http.ResponseWriter, r *http.Request) {
	if !web.RequireRole(w, r, authtoken.RoleAdmin) {
		return
	}
	var req orphansRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "malformed body")
		return
	}
	ids := make([]storjtype.FileID, 0, len(req.FileIDsOnStorage))
	for _, s := range req.FileIDsOnStorage {
		id, err := storjtype.ParseFileID(s)
		if err != nil {
			web.WriteError(w, http.StatusBadRequest, "malformed file id in listing")
			return
		}
		ids = append(ids, id)
	}
	enqueued, err := h.scheduler.DetectOrphans(r.Context(), req.StorageElementID, ids, time.Now().UTC())
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, "gc error")
		return
	}
	web.WriteJSON(w, http.StatusOK, orphansResponse{Enqueued: enqueued})
}
