package scheduler_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stratafs.io/platform/admin/registry"
	"stratafs.io/platform/admin/scheduler"
	"stratafs.io/platform/private/authtoken"
	"stratafs.io/platform/private/dbutil"
	"stratafs.io/platform/pkg/storjtype"
)

func newKeyRing(t *testing.T) *authtoken.KeyRing {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return authtoken.NewKeyRing(authtoken.KeyVersion{
		KeyID: "key-0", PrivateKey: priv, PublicKey: &priv.PublicKey,
		NotAfter: time.Now().Add(authtoken.OverlapWindow),
	}, time.Hour)
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newStore(t *testing.T) *registry.Store {
	t.Helper()
	db, err := dbutil.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, registry.Migration.Run(context.Background(), db))
	return registry.NewStore(db)
}

func TestRotateKeysTickAdvancesCurrentKey(t *testing.T) {
	keys := newKeyRing(t)
	s := scheduler.NewScheduler(zaptest.NewLogger(t), keys, newRedis(t), newStore(t), nil, scheduler.Config{}, nil)

	before := keys.CurrentKeyID()
	require.NoError(t, s.RotateKeysTick(context.Background()))
	require.NotEqual(t, before, keys.CurrentKeyID())
}

func TestPublishTickWritesSharedCache(t *testing.T) {
	client := newRedis(t)
	eps := []scheduler.Endpoint{{ID: "se-edit-1", URL: "http://se-edit-1", Mode: storjtype.ModeEdit, Priority: 100}}
	s := scheduler.NewScheduler(zaptest.NewLogger(t), newKeyRing(t), client, newStore(t), nil, scheduler.Config{}, eps)

	require.NoError(t, s.PublishTick(context.Background()))

	raw, err := client.Get(context.Background(), scheduler.StorageElementConfigKey).Result()
	require.NoError(t, err)
	var got []scheduler.Endpoint
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	require.Len(t, got, 1)
	require.Equal(t, "se-edit-1", got[0].ID)
}

func TestHealthSyncTickUpsertsPolledCapacity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"storage_id": "se-edit-1",
			"capacity":   map[string]interface{}{"total": 1000, "used": 100, "percent_used": 10.0},
			"health":     "HEALTHY",
		})
	}))
	defer srv.Close()

	store := newStore(t)
	eps := []scheduler.Endpoint{{ID: "se-edit-1", URL: srv.URL, Mode: storjtype.ModeEdit, Priority: 100}}
	s := scheduler.NewScheduler(zaptest.NewLogger(t), newKeyRing(t), newRedis(t), store, srv.Client(), scheduler.Config{PollTimeout: 2 * time.Second}, eps)

	require.NoError(t, s.HealthSyncTick(context.Background()))

	avail, err := store.AvailableStorageElements("edit", 0)
	require.NoError(t, err)
	require.Len(t, avail, 1)
	require.Equal(t, "se-edit-1", avail[0].StorageElementID)
}

func TestHealthSyncTickMarksUnreachableSEUnhealthy(t *testing.T) {
	store := newStore(t)
	eps := []scheduler.Endpoint{{ID: "se-edit-down", URL: "http://127.0.0.1:1", Mode: storjtype.ModeEdit, Priority: 100}}
	s := scheduler.NewScheduler(zaptest.NewLogger(t), newKeyRing(t), newRedis(t), store, &http.Client{Timeout: time.Second}, scheduler.Config{PollTimeout: time.Second}, eps)

	require.NoError(t, s.HealthSyncTick(context.Background()))

	avail, err := store.AvailableStorageElements("edit", 0)
	require.NoError(t, err)
	require.Empty(t, avail) // UNHEALTHY SEs never appear in the available set
}
