package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stratafs.io/platform/ingester/adminclient"
	"stratafs.io/platform/ingester/capacity"
	"stratafs.io/platform/ingester/httpapi"
	"stratafs.io/platform/ingester/finalize"
	"stratafs.io/platform/ingester/seclient"
	"stratafs.io/platform/ingester/selection"
	"stratafs.io/platform/private/authtoken"
	"stratafs.io/platform/private/web"
	"stratafs.io/platform/pkg/storjtype"
)

func injectClaims(role string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := &authtoken.Claims{Role: role}
			next.ServeHTTP(w, r.WithContext(web.WithClaims(r.Context(), claims)))
		})
	}
}

type fakeCapacitySource struct {
	recs []capacity.Record
}

func (f *fakeCapacitySource) AvailableStorageElements(ctx context.Context, mode storjtype.SEMode, minAvailableBytes int64, excluded map[string]bool) ([]capacity.Record, error) {
	var out []capacity.Record
	for _, r := range f.recs {
		if !excluded[r.StorageID] {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeCapMon struct {
	endpoints map[string]string
	triggered []string
}

func (f *fakeCapMon) TriggerLazyUpdate(ctx context.Context, id, reason string) {
	f.triggered = append(f.triggered, id)
}

func (f *fakeCapMon) Endpoint(id string) (string, bool) {
	ep, ok := f.endpoints[id]
	return ep, ok
}

type fakeAdminClient struct {
	rec adminclient.FileRecord
	err error
}

func (f *fakeAdminClient) GetFile(ctx context.Context, fileID storjtype.FileID) (adminclient.FileRecord, error) {
	return f.rec, f.err
}

func (f *fakeAdminClient) MarkFinalized(ctx context.Context, fileID storjtype.FileID, targetSE, storagePath string, finalizedAt time.Time) error {
	return nil
}

func (f *fakeAdminClient) EnqueueCleanup(ctx context.Context, fileID storjtype.FileID, sourceSE string, scheduledAt time.Time) error {
	return nil
}

func (f *fakeAdminClient) UpsertTransaction(ctx context.Context, tx finalize.Transaction) error {
	return nil
}

func buildMultipart(t *testing.T, content, retentionPolicy string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "a.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("retention_policy", retentionPolicy))
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadProxiesToSelectedStorageElement(t *testing.T) {
	seSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"file_id": storjtype.NewFileID().String(), "file_size": 11, "checksum": "abc",
		})
	}))
	defer seSrv.Close()

	source := &fakeCapacitySource{recs: []capacity.Record{{StorageID: "se-edit-1", Endpoint: seSrv.URL, Mode: storjtype.ModeEdit}}}
	selector := selection.NewSelector(zaptest.NewLogger(t), source, "", nil)
	seClient := seclient.NewClient(nil)
	finalizer := finalize.NewService(zaptest.NewLogger(t), seClient, &fakeAdminClient{}, selector)
	handler := httpapi.NewHandler(zaptest.NewLogger(t), selector, seClient, finalizer, &fakeAdminClient{}, &fakeCapMon{})

	r := mux.NewRouter()
	r.Use(injectClaims(authtoken.RoleUser))
	handler.Register(r)

	body, contentType := buildMultipart(t, "hello world", "TEMPORARY")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp struct {
		StorageElementID string `json:"storage_element_id"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "se-edit-1", resp.StorageElementID)
}

func TestUploadRetriesOnInsufficientStorageAndTriggersLazyUpdate(t *testing.T) {
	fullSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInsufficientStorage)
	}))
	defer fullSrv.Close()
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"file_id": storjtype.NewFileID().String(), "file_size": 11, "checksum": "abc",
		})
	}))
	defer okSrv.Close()

	source := &fakeCapacitySource{recs: []capacity.Record{
		{StorageID: "se-full", Endpoint: fullSrv.URL, Mode: storjtype.ModeEdit, Priority: 1},
		{StorageID: "se-ok", Endpoint: okSrv.URL, Mode: storjtype.ModeEdit, Priority: 2},
	}}
	selector := selection.NewSelector(zaptest.NewLogger(t), source, "", nil)
	seClient := seclient.NewClient(nil)
	finalizer := finalize.NewService(zaptest.NewLogger(t), seClient, &fakeAdminClient{}, selector)
	capMon := &fakeCapMon{}
	handler := httpapi.NewHandler(zaptest.NewLogger(t), selector, seClient, finalizer, &fakeAdminClient{}, capMon)

	r := mux.NewRouter()
	r.Use(injectClaims(authtoken.RoleUser))
	handler.Register(r)

	body, contentType := buildMultipart(t, "hello world", "TEMPORARY")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp struct {
		StorageElementID string `json:"storage_element_id"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "se-ok", resp.StorageElementID)
	require.Contains(t, capMon.triggered, "se-full")
}

func TestStartFinalizeResolvesSourceAndReportsProgress(t *testing.T) {
	var gotChecksumCall bool
	targetSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"checksum": "xyz"})
		case r.Method == http.MethodGet:
			gotChecksumCall = true
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"checksum_sha256": "xyz"})
		}
	}))
	defer targetSrv.Close()
	sourceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello world"))
	}))
	defer sourceSrv.Close()

	source := &fakeCapacitySource{recs: []capacity.Record{{StorageID: "se-rw-1", Endpoint: targetSrv.URL, Mode: storjtype.ModeRW}}}
	selector := selection.NewSelector(zaptest.NewLogger(t), source, "", nil)
	seClient := seclient.NewClient(nil)
	admin := &fakeAdminClient{rec: adminclient.FileRecord{
		FileID: storjtype.NewFileID(), FileSize: 11, ChecksumSHA256: "xyz",
		StorageElementID: "se-edit-1", RetentionPolicy: storjtype.RetentionTemporary,
	}}
	finalizer := finalize.NewService(zaptest.NewLogger(t), seClient, admin, selector)
	capMon := &fakeCapMon{endpoints: map[string]string{"se-edit-1": sourceSrv.URL}}
	handler := httpapi.NewHandler(zaptest.NewLogger(t), selector, seClient, finalizer, admin, capMon)

	r := mux.NewRouter()
	r.Use(injectClaims(authtoken.RoleUser))
	handler.Register(r)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/finalize/"+admin.rec.FileID.String(), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var startResp struct {
		TransactionID string `json:"transaction_id"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&startResp))

	require.Eventually(t, func() bool {
		statusReq := httptest.NewRequest(http.MethodGet, "/api/v1/finalize/status/"+startResp.TransactionID, nil)
		statusW := httptest.NewRecorder()
		r.ServeHTTP(statusW, statusReq)
		var statusResp struct {
			Status string `json:"status"`
		}
		_ = json.NewDecoder(statusW.Body).Decode(&statusResp)
		return statusResp.Status == string(finalize.StatusCompleted)
	}, time.Second, 5*time.Millisecond)
	require.True(t, gotChecksumCall)
}
