// Package filestore implements the storage-element local durability core
// from spec.md §4.4: a write-ahead log, the attribute-first write
// protocol, and the two storage backends (local filesystem, S3-compatible)
// behind one interface.
package filestore

import (
	"context"
	"io"

	"github.com/zeebo/errs"
)

// Error is the class for backend failures (maps to 502 StorageBackendError
// once retries are exhausted, per spec.md §7).
var Error = errs.Class("filestore")

// Backend is the common interface both storage backends implement.
type Backend interface {
	// WriteFile streams r to path, returning the number of bytes written
	// and their SHA-256 checksum. If expectedSize is nonzero the backend
	// enforces it exactly.
	WriteFile(ctx context.Context, path string, r io.Reader, expectedSize int64) (written int64, checksum [32]byte, err error)
	// ReadFile opens path for streaming read.
	ReadFile(ctx context.Context, path string) (io.ReadCloser, error)
	DeleteFile(ctx context.Context, path string) error
	FileExists(ctx context.Context, path string) (bool, error)
	GetFileSize(ctx context.Context, path string) (int64, error)

	WriteAttrFile(ctx context.Context, path string, data []byte) error
	ReadAttrFile(ctx context.Context, path string) ([]byte, error)
	DeleteAttrFile(ctx context.Context, path string) error

	// ListAttrPaths returns the bytes-path (not the .attr.json suffix) for
	// every sidecar under the partition tree, the enumeration consistency
	// checks and full/incremental rebuilds walk (spec.md §4.4.3).
	ListAttrPaths(ctx context.Context) ([]string, error)

	// HealthCheck reports whether the backend can currently serve reads
	// and writes (used by the capacity poll's health field).
	HealthCheck(ctx context.Context) error
}

// AttrPath returns the sidecar path for a given bytes path, per spec.md
// §6.3: "{same path}.attr.json".
func AttrPath(path string) string { return path + ".attr.json" }

// ChunkSize is the streaming I/O chunk size used by both backends (8 MiB
// per spec.md §4.4.1).
const ChunkSize = 8 << 20

// MaxAttrSize is the sidecar's hard size cap (§3, §6.3).
const MaxAttrSize = 4096
