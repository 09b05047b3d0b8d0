package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stratafs.io/platform/admin/registry"
)

func TestAvailableStorageElementsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.UpsertStorageElement(ctx, registry.StorageElement{
		StorageElementID: "se-2", Endpoint: "http://se-2", Mode: "edit",
		Priority: 200, Total: 1000, Used: 100, PercentUsed: 10, Health: "HEALTHY", LastPoll: now,
	}))
	require.NoError(t, store.UpsertStorageElement(ctx, registry.StorageElement{
		StorageElementID: "se-1", Endpoint: "http://se-1", Mode: "edit",
		Priority: 100, Total: 1000, Used: 100, PercentUsed: 10, Health: "HEALTHY", LastPoll: now,
	}))
	require.NoError(t, store.UpsertStorageElement(ctx, registry.StorageElement{
		StorageElementID: "se-3", Endpoint: "http://se-3", Mode: "edit",
		Priority: 50, Total: 1000, Used: 999, PercentUsed: 99.9, Health: "UNHEALTHY", LastPoll: now,
	}))

	elements, err := store.AvailableStorageElements("edit", 500)
	require.NoError(t, err)
	require.Len(t, elements, 2)
	require.Equal(t, "se-1", elements[0].StorageElementID)
	require.Equal(t, "se-2", elements[1].StorageElementID)
}

func TestUpsertStorageElementOverwrites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	se := registry.StorageElement{
		StorageElementID: "se-1", Endpoint: "http://se-1", Mode: "edit",
		Priority: 100, Total: 1000, Used: 100, PercentUsed: 10, Health: "HEALTHY", LastPoll: now,
	}
	require.NoError(t, store.UpsertStorageElement(ctx, se))
	se.Used = 950
	se.PercentUsed = 95
	se.Health = "DEGRADED"
	require.NoError(t, store.UpsertStorageElement(ctx, se))

	elements, err := store.AvailableStorageElements("edit", 0)
	require.NoError(t, err)
	require.Len(t, elements, 0, "DEGRADED is not HEALTHY so no longer eligible")
}
