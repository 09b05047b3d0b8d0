package registry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"stratafs.io/platform/admin/registry"
	"stratafs.io/platform/private/authtoken"
	"stratafs.io/platform/private/web"
	"stratafs.io/platform/pkg/storjtype"
)

func newTestRouter(t *testing.T, role string) (*mux.Router, *registry.Store) {
	t.Helper()
	store := newTestStore(t)
	handler := registry.NewHandler(store, store, nil)
	r := mux.NewRouter()
	r.Use(injectClaims(role))
	handler.Register(r)
	return r, store
}

// injectClaims stands in for the Authenticate middleware in tests,
// bypassing real JWT verification to isolate the registry's routing and
// role-gating logic.
func injectClaims(role string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := &authtoken.Claims{Role: role}
			next.ServeHTTP(w, r.WithContext(web.WithClaims(r.Context(), claims)))
		})
	}
}

func TestCreateFileOverHTTP(t *testing.T) {
	r, _ := newTestRouter(t, authtoken.RoleUser)
	id := storjtype.NewFileID()

	body, _ := json.Marshal(map[string]interface{}{
		"file_id":             id.String(),
		"original_filename":   "a.txt",
		"storage_filename":    "a_bob_20260729T000000_deadbeefdeadbeefdeadbeefdeadbeef.txt",
		"file_size":           10,
		"checksum_sha256":     "aa",
		"content_type":        "text/plain",
		"retention_policy":    "TEMPORARY",
		"storage_element_id":  "se-1",
		"storage_path":        "2026/07/29/00/a.txt",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestGetMissingFileOverHTTPReturns404(t *testing.T) {
	r, _ := newTestRouter(t, authtoken.RoleUser)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+storjtype.NewFileID().String(), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAvailableStorageElementsOverHTTP(t *testing.T) {
	r, store := newTestRouter(t, authtoken.RoleUser)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/internal/storage-elements/available?mode=edit&min_free_bytes=1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "30", w.Header().Get("Retry-After"))
	_ = store
}

func createTestFile(t *testing.T, r *mux.Router, id storjtype.FileID) {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{
		"file_id":            id.String(),
		"original_filename":  "a.txt",
		"storage_filename":   "a_bob_20260729T000000_deadbeefdeadbeefdeadbeefdeadbeef.txt",
		"file_size":          10,
		"checksum_sha256":    "aa",
		"content_type":       "text/plain",
		"retention_policy":   "TEMPORARY",
		"storage_element_id": "se-edit-1",
		"storage_path":       "2026/07/29/00/a.txt",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestFinalizeOverHTTPPromotesFileAndStampsFinalizedAt(t *testing.T) {
	r, _ := newTestRouter(t, authtoken.RoleUser)
	id := storjtype.NewFileID()
	createTestFile(t, r, id)

	finalizedAt := time.Now().UTC().Truncate(time.Second)
	body, _ := json.Marshal(map[string]interface{}{
		"storage_element_id": "se-rw-1",
		"storage_path":       "2026/07/29/00/finalized.txt",
		"finalized_at":       finalizedAt,
	})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/internal/files/"+id.String()+"/finalize", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		RetentionPolicy  string `json:"retention_policy"`
		StorageElementID string `json:"storage_element_id"`
		FinalizedAt      *time.Time `json:"finalized_at"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "PERMANENT", resp.RetentionPolicy)
	require.Equal(t, "se-rw-1", resp.StorageElementID)
	require.NotNil(t, resp.FinalizedAt)
}

func TestFinalizeOverHTTPMissingFileReturns404(t *testing.T) {
	r, _ := newTestRouter(t, authtoken.RoleUser)
	body, _ := json.Marshal(map[string]interface{}{
		"storage_element_id": "se-rw-1",
		"finalized_at":       time.Now().UTC(),
	})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/internal/files/"+storjtype.NewFileID().String()+"/finalize", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestEnqueueCleanupOverHTTP(t *testing.T) {
	r, _ := newTestRouter(t, authtoken.RoleUser)
	id := storjtype.NewFileID()
	createTestFile(t, r, id)

	body, _ := json.Marshal(map[string]interface{}{
		"file_id":            id.String(),
		"storage_element_id": "se-edit-1",
		"storage_path":       "2026/07/29/00/a.txt",
		"scheduled_at":       time.Now().UTC().Add(24 * time.Hour),
		"cleanup_reason":     "FINALIZED_SOURCE",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/cleanup-queue", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestEnqueueCleanupOverHTTPRejectsMalformedFileID(t *testing.T) {
	r, _ := newTestRouter(t, authtoken.RoleUser)
	body, _ := json.Marshal(map[string]interface{}{
		"file_id":            "not-a-uuid",
		"storage_element_id": "se-edit-1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/cleanup-queue", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpsertFinalizeTransactionOverHTTP(t *testing.T) {
	r, _ := newTestRouter(t, authtoken.RoleUser)
	id := storjtype.NewFileID()
	createTestFile(t, r, id)

	body, _ := json.Marshal(map[string]interface{}{
		"transaction_id":  "tx-1",
		"file_id":         id.String(),
		"source_se":       "se-edit-1",
		"target_se":       "se-rw-1",
		"status":          "COPYING",
		"checksum_source": "aa",
		"retry_count":     0,
		"created_at":      time.Now().UTC(),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/finalize-transactions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestDeleteRequiresAdminRole(t *testing.T) {
	r, store := newTestRouter(t, authtoken.RoleUser)
	id := storjtype.NewFileID()
	require.NoError(t, store.Create(context.Background(), newFile(id)))

	deleteReq := httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+id.String(), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, deleteReq)
	require.Equal(t, http.StatusForbidden, w.Code)
}
