package filestore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"stratafs.io/platform/pkg/filestore"
)

func TestWALFileBackedLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	wal, err := filestore.NewWAL(dir)
	require.NoError(t, err)

	entry, err := wal.Begin(ctx, "txn-1", filestore.WALUpload, map[string]string{"path": "a/b.bin"})
	require.NoError(t, err)
	require.Equal(t, filestore.WALPending, entry.Status)

	entry, err = wal.Transition(ctx, entry, filestore.WALInProgress)
	require.NoError(t, err)
	require.Equal(t, filestore.WALInProgress, entry.Status)

	entry, err = wal.Transition(ctx, entry, filestore.WALCommitted)
	require.NoError(t, err)
	require.Equal(t, filestore.WALCommitted, entry.Status)
	require.NotNil(t, entry.CommittedAt)

	got, err := wal.Get(ctx, "txn-1")
	require.NoError(t, err)
	require.Equal(t, filestore.WALCommitted, got.Status)
	require.Equal(t, filestore.WALUpload, got.Operation)

	require.FileExists(t, filepath.Join(dir, "wal_txn-1.json"))
}

func TestWALRollback(t *testing.T) {
	ctx := context.Background()
	wal := filestore.NewInMemoryWAL()

	entry, err := wal.Begin(ctx, "txn-2", filestore.WALDelete, map[string]string{"path": "x.bin"})
	require.NoError(t, err)

	entry, err = wal.Transition(ctx, entry, filestore.WALFailed)
	require.NoError(t, err)

	entry, err = wal.Transition(ctx, entry, filestore.WALRolledBack)
	require.NoError(t, err)
	require.Equal(t, filestore.WALRolledBack, entry.Status)
	require.Nil(t, entry.CommittedAt)

	got, err := wal.Get(ctx, "txn-2")
	require.NoError(t, err)
	require.Equal(t, filestore.WALRolledBack, got.Status)
}

func TestWALGetMissingTransaction(t *testing.T) {
	ctx := context.Background()
	wal := filestore.NewInMemoryWAL()

	_, err := wal.Get(ctx, "does-not-exist")
	require.Error(t, err)
}
