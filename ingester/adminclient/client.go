// Package adminclient is the Ingester's HTTP client for Admin's internal
// registry endpoints: resolving a file's current location before a
// finalize, and mirroring finalize progress back into the durable
// registry (spec.md §4.3, §6.1).
package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/zeebo/errs"

	"stratafs.io/platform/admin/registry"
	"stratafs.io/platform/ingester/finalize"
	"stratafs.io/platform/private/authtoken"
	"stratafs.io/platform/pkg/storjtype"
)

// Error is the class for Admin-call failures.
var Error = errs.Class("adminclient")

// ErrFileNotFound mirrors Admin's 404 on an unknown file_id.
var ErrFileNotFound = Error.New("file not found")

// DefaultTimeout bounds each Admin call.
const DefaultTimeout = 10 * time.Second

// Subject identifies the Ingester to Admin's token verifier.
const Subject = "ingester"

// Client implements finalize.AdminClient plus the file lookup the
// Ingester's finalize-start handler needs.
type Client struct {
	baseURL    string
	httpClient *http.Client
	issuer     *authtoken.Issuer
}

// NewClient builds a Client. issuer mints the short-lived service-account
// bearer token attached to every outbound call (spec.md §6.2); a nil
// httpClient gets DefaultTimeout.
func NewClient(baseURL string, issuer *authtoken.Issuer, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, issuer: issuer}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.issuer.Issue(Subject, authtoken.SubjectServiceAccount, authtoken.RoleAdmin)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return resp, nil
}

// FileRecord is the subset of the registry's file record the Ingester
// needs to start a finalize.
type FileRecord struct {
	FileID           storjtype.FileID
	FileSize         int64
	ChecksumSHA256   string
	ContentType      string
	OriginalFilename string
	StorageElementID string
	StoragePath      string
	RetentionPolicy  storjtype.RetentionPolicy
}

type fileResponse struct {
	FileID           string `json:"file_id"`
	OriginalFilename string `json:"original_filename"`
	FileSize         int64  `json:"file_size"`
	ChecksumSHA256   string `json:"checksum_sha256"`
	ContentType      string `json:"content_type"`
	RetentionPolicy  string `json:"retention_policy"`
	StorageElementID string `json:"storage_element_id"`
	StoragePath      string `json:"storage_path"`
}

// GetFile fetches a file's current registry record: GET
// /api/v1/files/{id}.
func (c *Client) GetFile(ctx context.Context, fileID storjtype.FileID) (FileRecord, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/files/"+fileID.String(), nil)
	if err != nil {
		return FileRecord{}, err
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return FileRecord{}, ErrFileNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return FileRecord{}, Error.New("get file: unexpected status %d", resp.StatusCode)
	}
	var out fileResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return FileRecord{}, Error.Wrap(err)
	}
	id, err := storjtype.ParseFileID(out.FileID)
	if err != nil {
		return FileRecord{}, Error.Wrap(err)
	}
	return FileRecord{
		FileID: id, OriginalFilename: out.OriginalFilename, FileSize: out.FileSize,
		ChecksumSHA256: out.ChecksumSHA256, ContentType: out.ContentType,
		RetentionPolicy: storjtype.RetentionPolicy(out.RetentionPolicy),
		StorageElementID: out.StorageElementID, StoragePath: out.StoragePath,
	}, nil
}

// MarkFinalized implements finalize.AdminClient: PUT
// /api/v1/internal/files/{id}/finalize.
func (c *Client) MarkFinalized(ctx context.Context, fileID storjtype.FileID, targetSE, storagePath string, finalizedAt time.Time) error {
	resp, err := c.do(ctx, http.MethodPut, "/api/v1/internal/files/"+fileID.String()+"/finalize", map[string]interface{}{
		"storage_element_id": targetSE,
		"storage_path":       storagePath,
		"finalized_at":       finalizedAt,
	})
	if err != nil {
		return err
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Error.New("mark finalized: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// EnqueueCleanup implements finalize.AdminClient: POST
// /api/v1/internal/cleanup-queue for the finalized source copy.
func (c *Client) EnqueueCleanup(ctx context.Context, fileID storjtype.FileID, sourceSE string, scheduledAt time.Time) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/internal/cleanup-queue", map[string]interface{}{
		"file_id":            fileID.String(),
		"storage_element_id": sourceSE,
		"scheduled_at":       scheduledAt,
		"cleanup_reason":     string(registry.CleanupFinalized),
	})
	if err != nil {
		return err
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		return Error.New("enqueue cleanup: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// UpsertTransaction implements finalize.AdminClient: POST
// /api/v1/internal/finalize-transactions, mirroring the Ingester's
// in-memory finalize state machine for observability.
func (c *Client) UpsertTransaction(ctx context.Context, tx finalize.Transaction) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/internal/finalize-transactions", map[string]interface{}{
		"transaction_id":  tx.TransactionID,
		"file_id":         tx.FileID.String(),
		"source_se":       tx.SourceSE,
		"target_se":       tx.TargetSE,
		"status":          string(tx.Status),
		"checksum_source": tx.ChecksumSource,
		"checksum_target": tx.ChecksumTarget,
		"retry_count":     tx.RetryCount,
		"created_at":      tx.CreatedAt,
		"completed_at":    tx.CompletedAt,
	})
	if err != nil {
		return err
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		return Error.New("upsert transaction: unexpected status %d", resp.StatusCode)
	}
	return nil
}
