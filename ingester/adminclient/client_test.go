package adminclient_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stratafs.io/platform/admin/registry"
	"stratafs.io/platform/ingester/adminclient"
	"stratafs.io/platform/ingester/finalize"
	"stratafs.io/platform/private/authtoken"
	"stratafs.io/platform/pkg/storjtype"
)

func genIssuer(t *testing.T) *authtoken.Issuer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return authtoken.NewIssuer(authtoken.KeyVersion{
		KeyID: "k1", PrivateKey: priv, PublicKey: &priv.PublicKey,
		NotAfter: time.Now().Add(time.Hour),
	}, time.Minute)
}

func TestGetFileAttachesBearerTokenAndDecodesRecord(t *testing.T) {
	id := storjtype.NewFileID()
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/api/v1/files/"+id.String(), r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"file_id": id.String(), "original_filename": "a.txt", "file_size": 42,
			"checksum_sha256": "aa", "content_type": "text/plain",
			"retention_policy": "TEMPORARY", "storage_element_id": "se-edit-1",
			"storage_path": "2026/07/29/00/a.txt",
		})
	}))
	defer srv.Close()

	client := adminclient.NewClient(srv.URL, genIssuer(t), nil)
	rec, err := client.GetFile(context.Background(), id)
	require.NoError(t, err)
	require.Contains(t, gotAuth, "Bearer ")
	require.Equal(t, int64(42), rec.FileSize)
	require.Equal(t, "se-edit-1", rec.StorageElementID)
}

func TestGetFileNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := adminclient.NewClient(srv.URL, genIssuer(t), nil)
	_, err := client.GetFile(context.Background(), storjtype.NewFileID())
	require.ErrorIs(t, err, adminclient.ErrFileNotFound)
}

func TestMarkFinalizedPutsExpectedBody(t *testing.T) {
	id := storjtype.NewFileID()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "se-rw-1", body["storage_element_id"])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := adminclient.NewClient(srv.URL, genIssuer(t), nil)
	err := client.MarkFinalized(context.Background(), id, "se-rw-1", "path", time.Now().UTC())
	require.NoError(t, err)
}

func TestEnqueueCleanupPostsExpectedBody(t *testing.T) {
	id := storjtype.NewFileID()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/internal/cleanup-queue", r.URL.Path)
		var body struct {
			CleanupReason string `json:"cleanup_reason"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		// Must match admin/registry's canonical reason set so the enqueued
		// row satisfies spec.md §8 scenario S3 (reason=finalized).
		require.Equal(t, string(registry.CleanupFinalized), body.CleanupReason)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := adminclient.NewClient(srv.URL, genIssuer(t), nil)
	err := client.EnqueueCleanup(context.Background(), id, "se-edit-1", time.Now().UTC())
	require.NoError(t, err)
}

func TestUpsertTransactionPostsExpectedBody(t *testing.T) {
	id := storjtype.NewFileID()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/internal/finalize-transactions", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := adminclient.NewClient(srv.URL, genIssuer(t), nil)
	err := client.UpsertTransaction(context.Background(), finalize.Transaction{
		TransactionID: "tx-1", FileID: id, SourceSE: "se-edit-1", TargetSE: "se-rw-1",
		Status: finalize.StatusCopying, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
}
