// Package httpapi is Query's read-only REST surface (spec.md §6.1):
// resolve file_id -> (storage_element_id, storage_path) via the local
// cache, then proxy bytes from the hosting Storage Element.
package httpapi

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"

	"stratafs.io/platform/private/authtoken"
	"stratafs.io/platform/private/web"
	"stratafs.io/platform/pkg/storjtype"
	"stratafs.io/platform/query/cache"
)

// Error is the class for request-handling failures.
var Error = errs.Class("httpapi")

// EndpointResolver maps a storage_element_id to its callable base URL,
// the same role capacity.Monitor.Endpoint plays for the Ingester.
type EndpointResolver interface {
	Endpoint(storageElementID string) (string, bool)
}

// Handler exposes Query's read endpoints.
type Handler struct {
	cache      *cache.Cache
	endpoints  EndpointResolver
	httpClient *http.Client
}

// NewHandler returns a Handler backed by c for location lookups and
// endpoints for resolving SE addresses. A nil httpClient gets the
// package default.
func NewHandler(c *cache.Cache, endpoints EndpointResolver, httpClient *http.Client) *Handler {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Handler{cache: c, endpoints: endpoints, httpClient: httpClient}
}

// Register mounts Query's routes onto r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/files/{id}", h.metadata).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/files/{id}/download", h.download).Methods(http.MethodGet)
}

type locationResponse struct {
	FileID           string `json:"file_id"`
	StorageElementID string `json:"storage_element_id"`
	StoragePath      string `json:"storage_path"`
	RetentionPolicy  string `json:"retention_policy"`
}

// metadata returns the cached location record, not the SE's full sidecar
// (spec.md §9: Query answers from its own projection, never a live SE
// round trip for metadata).
func (h *Handler) metadata(w http.ResponseWriter, r *http.Request) {
	id, err := storjtype.ParseFileID(mux.Vars(r)["id"])
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "malformed file_id")
		return
	}
	entry, err := h.lookup(r, id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, locationResponse{
		FileID: entry.FileID.String(), StorageElementID: entry.StorageElementID,
		StoragePath: entry.StoragePath, RetentionPolicy: string(entry.RetentionPolicy),
	})
}

// download resolves the hosting SE and proxies its streamed bytes
// (spec.md §6.1 "proxy to the SE for bytes").
func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	id, err := storjtype.ParseFileID(mux.Vars(r)["id"])
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "malformed file_id")
		return
	}
	entry, err := h.lookup(r, id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	endpoint, ok := h.endpoints.Endpoint(entry.StorageElementID)
	if !ok {
		web.WriteError(w, http.StatusInternalServerError, "unknown storage element endpoint")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, endpoint+"/api/v1/files/"+id.String()+"/download", nil)
	if err != nil {
		web.WriteError(w, http.StatusInternalServerError, "proxy request failed")
		return
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		web.WriteError(w, http.StatusBadGateway, "storage element unreachable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		web.WriteError(w, http.StatusNotFound, "file not found on storage element")
		return
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		w.Header().Set("Content-Disposition", cd)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, resp.Body)
}

func (h *Handler) lookup(r *http.Request, id storjtype.FileID) (cache.Entry, error) {
	entry, err := h.cache.Get(r.Context(), id)
	if err != nil {
		return cache.Entry{}, err
	}
	if entry.DeletedAt != nil {
		return cache.Entry{}, cache.ErrNotFound
	}
	return entry, nil
}

func writeLookupError(w http.ResponseWriter, err error) {
	if err == cache.ErrNotFound {
		web.WriteError(w, http.StatusNotFound, "file not found")
		return
	}
	web.WriteError(w, http.StatusInternalServerError, "cache lookup failed")
}

var _ = authtoken.RoleUser
