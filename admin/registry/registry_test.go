package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stratafs.io/platform/admin/registry"
	"stratafs.io/platform/private/dbutil"
	"stratafs.io/platform/pkg/storjtype"
)

func newTestStore(t *testing.T) *registry.Store {
	t.Helper()
	db, err := dbutil.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, registry.Migration.Run(context.Background(), db))
	return registry.NewStore(db)
}

func newFile(id storjtype.FileID) registry.File {
	now := time.Now().UTC().Truncate(time.Second)
	return registry.File{
		FileID:           id,
		OriginalFilename: "report.pdf",
		StorageFilename:  "report_alice_20260729T103000_deadbeefdeadbeefdeadbeefdeadbeef.pdf",
		FileSize:         1024,
		ChecksumSHA256:   "deadbeef",
		ContentType:      "application/pdf",
		RetentionPolicy:  storjtype.RetentionTemporary,
		StorageElementID: "se-edit-1",
		StoragePath:      "2026/07/29/10/report_alice_....pdf",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := storjtype.NewFileID()

	require.NoError(t, store.Create(ctx, newFile(id)))

	got, err := store.Get(ctx, id, false)
	require.NoError(t, err)
	require.Equal(t, id, got.FileID)
	require.Equal(t, storjtype.RetentionTemporary, got.RetentionPolicy)
}

func TestCreateDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := storjtype.NewFileID()

	require.NoError(t, store.Create(ctx, newFile(id)))
	err := store.Create(ctx, newFile(id))
	require.ErrorIs(t, err, registry.ErrDuplicate)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), storjtype.NewFileID(), false)
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestUpdateRejectsPermanentToTemporary(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := storjtype.NewFileID()
	f := newFile(id)
	f.RetentionPolicy = storjtype.RetentionPermanent
	require.NoError(t, store.Create(ctx, f))

	_, err := store.Update(ctx, id, func(f *registry.File) error {
		f.RetentionPolicy = storjtype.RetentionTemporary
		return nil
	})
	require.ErrorIs(t, err, registry.ErrInvalidTransition)
}

func TestFinalizeUpdatesPromotesToPermanent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := storjtype.NewFileID()
	require.NoError(t, store.Create(ctx, newFile(id)))

	now := time.Now().UTC()
	updated, err := store.Update(ctx, id, func(f *registry.File) error {
		f.RetentionPolicy = storjtype.RetentionPermanent
		f.StorageElementID = "se-rw-1"
		f.StoragePath = "2026/07/29/11/final.pdf"
		f.FinalizedAt = &now
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, storjtype.RetentionPermanent, updated.RetentionPolicy)
	require.NotNil(t, updated.FinalizedAt)
}

func TestSoftDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := storjtype.NewFileID()
	require.NoError(t, store.Create(ctx, newFile(id)))

	require.NoError(t, store.SoftDelete(ctx, id, "manual"))
	require.NoError(t, store.SoftDelete(ctx, id, "manual"))

	got, err := store.Get(ctx, id, true)
	require.NoError(t, err)
	require.NotNil(t, got.DeletedAt)
}

func TestListOrdersByCreatedAtDescAndPaginates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var ids []storjtype.FileID
	for i := 0; i < 5; i++ {
		id := storjtype.NewFileID()
		f := newFile(id)
		f.CreatedAt = f.CreatedAt.Add(time.Duration(i) * time.Minute)
		f.UpdatedAt = f.CreatedAt
		require.NoError(t, store.Create(ctx, f))
		ids = append(ids, id)
	}

	page, err := store.List(ctx, registry.ListFilter{Page: 1, PageSize: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Equal(t, ids[4], page[0].FileID)
}
