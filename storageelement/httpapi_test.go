package storageelement_test

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stratafs.io/platform/pkg/filestore"
	"stratafs.io/platform/pkg/storjtype"
	"stratafs.io/platform/private/authtoken"
	"stratafs.io/platform/private/web"
	"stratafs.io/platform/storageelement"
)

func injectClaims(role string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := &authtoken.Claims{Role: role}
			next.ServeHTTP(w, r.WithContext(web.WithClaims(r.Context(), claims)))
		})
	}
}

func newTestRouter(t *testing.T, role string) (*mux.Router, *storageelement.Service) {
	t.Helper()
	svc, _ := newTestService(t)
	svc2 := svc // keep name parity with other test files
	r := mux.NewRouter()
	r.Use(injectClaims(role))
	storageelement.NewHandler(svc2).Register(r)
	return r, svc2
}

func multipartUploadBody(t *testing.T, content []byte, policy string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	require.NoError(t, writer.WriteField("retention_policy", policy))
	require.NoError(t, writer.WriteField("uploader", "tester"))
	part, err := writer.CreateFormFile("file", "report.bin")
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return buf, writer.FormDataContentType()
}

func TestUploadOverHTTPThenDownload(t *testing.T) {
	r, _ := newTestRouter(t, authtoken.RoleUser)

	body, contentType := multipartUploadBody(t, []byte("hello world"), "TEMPORARY")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var uploaded struct {
		FileID   string `json:"file_id"`
		FileSize int64  `json:"file_size"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploaded))
	require.Equal(t, int64(len("hello world")), uploaded.FileSize)

	dlReq := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+uploaded.FileID+"/download", nil)
	dlRec := httptest.NewRecorder()
	r.ServeHTTP(dlRec, dlReq)
	require.Equal(t, http.StatusOK, dlRec.Code)
	require.Equal(t, "hello world", dlRec.Body.String())
	require.Contains(t, dlRec.Header().Get("Content-Disposition"), "report.bin")
}

func TestPatchMergesCustomAttributes(t *testing.T) {
	r, _ := newTestRouter(t, authtoken.RoleUser)

	body, contentType := multipartUploadBody(t, []byte("hello world"), "TEMPORARY")
	uploadReq := httptest.NewRequest(http.MethodPost, "/api/v1/files/upload", body)
	uploadReq.Header.Set("Content-Type", contentType)
	uploadRec := httptest.NewRecorder()
	r.ServeHTTP(uploadRec, uploadReq)
	require.Equal(t, http.StatusCreated, uploadRec.Code)

	var uploaded struct {
		FileID string `json:"file_id"`
	}
	require.NoError(t, json.Unmarshal(uploadRec.Body.Bytes(), &uploaded))

	patchBody, err := json.Marshal(map[string]interface{}{
		"custom_attributes": map[string]string{"tag": "reviewed"},
	})
	require.NoError(t, err)
	patchReq := httptest.NewRequest(http.MethodPatch, "/api/v1/files/"+uploaded.FileID, bytes.NewReader(patchBody))
	patchRec := httptest.NewRecorder()
	r.ServeHTTP(patchRec, patchReq)
	require.Equal(t, http.StatusOK, patchRec.Code)

	var patched struct {
		CustomAttributes map[string]string `json:"custom_attributes"`
	}
	require.NoError(t, json.Unmarshal(patchRec.Body.Bytes(), &patched))
	require.Equal(t, "reviewed", patched.CustomAttributes["tag"])

	// A subsequent metadata fetch must reflect the merged attribute, not
	// just the PATCH response.
	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+uploaded.FileID, nil)
	getRec := httptest.NewRecorder()
	r.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var fetched struct {
		CustomAttributes map[string]string `json:"custom_attributes"`
	}
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &fetched))
	require.Equal(t, "reviewed", fetched.CustomAttributes["tag"])
}

func randomFileID() string { return storjtype.NewFileID().String() }

func TestUploadRejectedWhenModeDisallowsWrites(t *testing.T) {
	cfg := storageelement.Config{Mode: storjtype.ModeRO, ElementID: "se-ro-1", CacheTTLHours: 168, TotalBytes: 1 << 30}
	svc := storageelement.NewService(zaptest.NewLogger(t), cfg, filestore.NewLocalBackend(t.TempDir()), filestore.NewInMemoryWAL(), newTestCache(t))
	r := mux.NewRouter()
	r.Use(injectClaims(authtoken.RoleUser))
	storageelement.NewHandler(svc).Register(r)

	body, contentType := multipartUploadBody(t, []byte("hello world"), "PERMANENT")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadMissingFileReturns404(t *testing.T) {
	r, _ := newTestRouter(t, authtoken.RoleUser)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+randomFileID()+"/download", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteRequiresAdminRole(t *testing.T) {
	r, _ := newTestRouter(t, authtoken.RoleUser)
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+randomFileID(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCapacityAndInfoEndpoints(t *testing.T) {
	r, _ := newTestRouter(t, authtoken.RoleUser)

	capReq := httptest.NewRequest(http.MethodGet, "/api/v1/capacity", nil)
	capRec := httptest.NewRecorder()
	r.ServeHTTP(capRec, capReq)
	require.Equal(t, http.StatusOK, capRec.Code)

	infoReq := httptest.NewRequest(http.MethodGet, "/api/v1/info", nil)
	infoRec := httptest.NewRecorder()
	r.ServeHTTP(infoRec, infoReq)
	require.Equal(t, http.StatusOK, infoRec.Code)

	var info struct {
		Mode      string `json:"mode"`
		ElementID string `json:"element_id"`
	}
	require.NoError(t, json.Unmarshal(infoRec.Body.Bytes(), &info))
	require.Equal(t, "se-1", info.ElementID)
}
