package filestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/minio/minio-go/v6"
)

// S3Backend stores bytes and sidecars in an S3-compatible bucket, per
// spec.md §4.4.1: PUT with checksum metadata, a `.keep` placeholder under
// the app folder on startup, and HEAD-then-list as the health check.
type S3Backend struct {
	client    *minio.Client
	bucket    string
	appFolder string
}

// NewS3Backend connects to an S3-compatible endpoint and ensures the
// bucket's app-folder placeholder exists.
func NewS3Backend(ctx context.Context, endpoint, accessKey, secretKey, bucket, appFolder string, useSSL bool) (*S3Backend, error) {
	client, err := minio.New(endpoint, accessKey, secretKey, useSSL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	b := &S3Backend{client: client, bucket: bucket, appFolder: appFolder}
	if err := b.ensureKeepPlaceholder(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *S3Backend) ensureKeepPlaceholder() error {
	key := b.appFolder + "/.keep"
	_, err := b.client.StatObject(b.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	_, err = b.client.PutObject(b.bucket, key, bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	if err != nil {
		return Error.Wrap(err)
	}
	return nil
}

func (b *S3Backend) key(path string) string { return b.appFolder + "/" + path }

// WriteFile buffers r into memory to compute the checksum up front (the v6
// client needs a known size for PutObject), then PUTs with the checksum as
// object metadata.
func (b *S3Backend) WriteFile(ctx context.Context, path string, r io.Reader, expectedSize int64) (int64, [32]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, [32]byte{}, Error.Wrap(err)
	}
	sum := sha256.Sum256(data)

	opts := minio.PutObjectOptions{ContentType: "application/octet-stream",
		UserMetadata: map[string]string{"checksum-sha256": hex.EncodeToString(sum[:])}}
	n, err := b.client.PutObjectWithContext(ctx, b.bucket, b.key(path), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return 0, [32]byte{}, Error.Wrap(err)
	}
	if expectedSize > 0 && n != expectedSize {
		return 0, [32]byte{}, Error.New("size mismatch: wrote %d, expected %d", n, expectedSize)
	}

	return n, sum, nil
}

func (b *S3Backend) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := b.client.GetObjectWithContext(ctx, b.bucket, b.key(path), minio.GetObjectOptions{})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if _, err := obj.Stat(); err != nil {
		return nil, Error.New("not found: %s", path)
	}
	return obj, nil
}

func (b *S3Backend) DeleteFile(ctx context.Context, path string) error {
	if err := b.client.RemoveObject(b.bucket, b.key(path)); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

func (b *S3Backend) FileExists(ctx context.Context, path string) (bool, error) {
	_, err := b.client.StatObject(b.bucket, b.key(path), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, Error.Wrap(err)
	}
	return true, nil
}

func (b *S3Backend) GetFileSize(ctx context.Context, path string) (int64, error) {
	info, err := b.client.StatObject(b.bucket, b.key(path), minio.StatObjectOptions{})
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return info.Size, nil
}

func (b *S3Backend) WriteAttrFile(ctx context.Context, path string, data []byte) error {
	if len(data) > MaxAttrSize {
		return Error.New("attribute sidecar exceeds %d bytes: got %d", MaxAttrSize, len(data))
	}
	_, _, err := b.WriteFile(ctx, AttrPath(path), bytes.NewReader(data), int64(len(data)))
	return err
}

func (b *S3Backend) ReadAttrFile(ctx context.Context, path string) ([]byte, error) {
	rc, err := b.ReadFile(ctx, AttrPath(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

func (b *S3Backend) DeleteAttrFile(ctx context.Context, path string) error {
	return b.DeleteFile(ctx, AttrPath(path))
}

// ListAttrPaths lists every object under the app folder whose key ends in
// .attr.json, stripping both the app-folder prefix and the sidecar suffix
// to return bytes paths comparable to the local backend's.
func (b *S3Backend) ListAttrPaths(ctx context.Context) ([]string, error) {
	doneCh := make(chan struct{})
	defer close(doneCh)

	var out []string
	prefix := b.appFolder + "/"
	for obj := range b.client.ListObjects(b.bucket, prefix, true, doneCh) {
		if obj.Err != nil {
			return nil, Error.Wrap(obj.Err)
		}
		if !strings.HasSuffix(obj.Key, ".attr.json") {
			continue
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		out = append(out, strings.TrimSuffix(rel, ".attr.json"))
	}
	return out, nil
}

// HealthCheck issues a HEAD on the bucket, then lists the app folder
// prefix, per spec.md §4.4.1.
func (b *S3Backend) HealthCheck(ctx context.Context) error {
	exists, err := b.client.BucketExists(b.bucket)
	if err != nil {
		return Error.Wrap(err)
	}
	if !exists {
		return Error.New("bucket %q does not exist", b.bucket)
	}
	doneCh := make(chan struct{})
	defer close(doneCh)
	for range b.client.ListObjects(b.bucket, b.appFolder+"/", false, doneCh) {
		break
	}
	return nil
}
