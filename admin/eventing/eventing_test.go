package eventing_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"stratafs.io/platform/admin/eventing"
	"stratafs.io/platform/pkg/storjtype"
)

func newTestPublisher(t *testing.T) (*eventing.Publisher, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return eventing.NewPublisher(client), client
}

func TestPublishWritesStreamEntry(t *testing.T) {
	ctx := context.Background()
	pub, client := newTestPublisher(t)
	fileID := storjtype.NewFileID()

	err := pub.Publish(ctx, eventing.EventCreated, fileID, "se-edit-1", eventing.Metadata{
		RetentionPolicy: "TEMPORARY",
	})
	require.NoError(t, err)

	entries, err := client.XRange(ctx, eventing.StreamName, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, string(eventing.EventCreated), entries[0].Values["event_type"])
	require.Equal(t, fileID.String(), entries[0].Values["file_id"])
}

func TestPublishMultipleEventsPreserveOrder(t *testing.T) {
	ctx := context.Background()
	pub, client := newTestPublisher(t)
	fileID := storjtype.NewFileID()

	require.NoError(t, pub.Publish(ctx, eventing.EventCreated, fileID, "se-edit-1", eventing.Metadata{}))
	require.NoError(t, pub.Publish(ctx, eventing.EventUpdated, fileID, "se-rw-1", eventing.Metadata{}))
	require.NoError(t, pub.Publish(ctx, eventing.EventDeleted, fileID, "se-rw-1", eventing.Metadata{DeletionReason: "ttl_expired"}))

	entries, err := client.XRange(ctx, eventing.StreamName, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, string(eventing.EventCreated), entries[0].Values["event_type"])
	require.Equal(t, string(eventing.EventUpdated), entries[1].Values["event_type"])
	require.Equal(t, string(eventing.EventDeleted), entries[2].Values["event_type"])
}
