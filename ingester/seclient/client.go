// Package seclient is the Ingester's HTTP client for talking to Storage
// Elements: the finalize copy path (download/upload/checksum/delete) and
// the direct upload proxy path (spec.md §4.3, §6.1).
package seclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/zeebo/errs"

	"stratafs.io/platform/ingester/finalize"
	"stratafs.io/platform/pkg/storjtype"
)

// Error is the class for SE-call failures.
var Error = errs.Class("seclient")

// ErrInsufficientStorage mirrors the SE's 507 response (spec.md §7).
var ErrInsufficientStorage = Error.New("insufficient storage")

// ErrModeDisallowsWrite mirrors the SE's 400 response for write attempts
// on a non-writable mode.
var ErrModeDisallowsWrite = Error.New("storage element mode does not allow writes")

// DownloadTimeout bounds the streamed-bytes read (spec.md §5.1, 300s).
const DownloadTimeout = 300 * time.Second

// DefaultTimeout is the default per-call timeout (spec.md §5, 30s).
const DefaultTimeout = 30 * time.Second

// Client issues the REST calls this repo's SEs expose.
type Client struct {
	httpClient *http.Client
}

// NewClient builds a Client. A nil httpClient gets DefaultTimeout.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{httpClient: httpClient}
}

// Download streams GET {endpointURL}/api/v1/files/{id}/download.
func (c *Client) Download(ctx context.Context, endpointURL string, fileID storjtype.FileID) (io.ReadCloser, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, DownloadTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL+"/api/v1/files/"+fileID.String()+"/download", nil)
	if err != nil {
		cancel()
		return nil, 0, Error.Wrap(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, 0, Error.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, 0, Error.New("download: unexpected status %d", resp.StatusCode)
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, resp.ContentLength, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

type uploadResponse struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
	Checksum string `json:"checksum"`
}

// Upload implements finalize.SEClient's copy-phase upload: POST
// multipart/form-data to {endpointURL}/api/v1/files/upload carrying the
// finalize_transaction_id so the target SE can correlate the write.
func (c *Client) Upload(ctx context.Context, endpointURL string, fileID storjtype.FileID, req finalize.UploadSpec) (string, error) {
	resp, err := c.doUpload(ctx, endpointURL, uploadParams{
		body: req.Body, size: req.Size, contentType: req.ContentType,
		originalFilename: req.OriginalFilename, retentionPolicy: string(storjtype.RetentionPermanent),
		finalizeTransactionID: req.FinalizeTransactionID,
	})
	if err != nil {
		return "", err
	}
	return resp.Checksum, nil
}

// ProxyUpload implements the Ingester's direct upload proxy (spec.md
// §6.1 "POST /api/v1/files/upload — proxy to chosen SE").
func (c *Client) ProxyUpload(ctx context.Context, endpointURL string, body io.Reader, size int64, contentType, originalFilename, uploader string, policy storjtype.RetentionPolicy) (fileID storjtype.FileID, checksum string, err error) {
	resp, err := c.doUpload(ctx, endpointURL, uploadParams{
		body: body, size: size, contentType: contentType, originalFilename: originalFilename,
		retentionPolicy: string(policy), uploader: uploader,
	})
	if err != nil {
		return storjtype.FileID{}, "", err
	}
	id, parseErr := storjtype.ParseFileID(resp.FileID)
	if parseErr != nil {
		return storjtype.FileID{}, "", Error.Wrap(parseErr)
	}
	return id, resp.Checksum, nil
}

type uploadParams struct {
	body                  io.Reader
	size                  int64
	contentType           string
	originalFilename      string
	retentionPolicy       string
	uploader              string
	finalizeTransactionID string
}

func (c *Client) doUpload(ctx context.Context, endpointURL string, p uploadParams) (uploadResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", p.originalFilename)
	if err != nil {
		return uploadResponse{}, Error.Wrap(err)
	}
	if _, err := io.Copy(part, p.body); err != nil {
		return uploadResponse{}, Error.Wrap(err)
	}
	_ = mw.WriteField("retention_policy", p.retentionPolicy)
	if p.uploader != "" {
		_ = mw.WriteField("uploader", p.uploader)
	}
	if p.finalizeTransactionID != "" {
		_ = mw.WriteField("finalize_transaction_id", p.finalizeTransactionID)
	}
	if err := mw.Close(); err != nil {
		return uploadResponse{}, Error.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL+"/api/v1/files/upload", &buf)
	if err != nil {
		return uploadResponse{}, Error.Wrap(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if p.contentType != "" {
		req.Header.Set("X-Content-Type", p.contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return uploadResponse{}, Error.Wrap(err)
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusCreated:
	case http.StatusInsufficientStorage:
		return uploadResponse{}, ErrInsufficientStorage
	case http.StatusBadRequest:
		return uploadResponse{}, ErrModeDisallowsWrite
	default:
		return uploadResponse{}, Error.New("upload: unexpected status %d", resp.StatusCode)
	}
	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return uploadResponse{}, Error.Wrap(err)
	}
	return out, nil
}

// Checksum implements finalize.SEClient's verify step: GET
// {endpointURL}/api/v1/files/{id} and read checksum_sha256.
func (c *Client) Checksum(ctx context.Context, endpointURL string, fileID storjtype.FileID) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL+"/api/v1/files/"+fileID.String(), nil)
	if err != nil {
		return "", Error.Wrap(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", Error.New("checksum lookup: unexpected status %d", resp.StatusCode)
	}
	var out struct {
		ChecksumSHA256 string `json:"checksum_sha256"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Error.Wrap(err)
	}
	return out.ChecksumSHA256, nil
}

// Delete implements finalize's best-effort rollback delete.
func (c *Client) Delete(ctx context.Context, endpointURL string, fileID storjtype.FileID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpointURL+"/api/v1/files/"+fileID.String(), nil)
	if err != nil {
		return Error.Wrap(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return Error.New("rollback delete: unexpected status %d", resp.StatusCode)
	}
	return nil
}
