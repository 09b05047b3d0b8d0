package capacity_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stratafs.io/platform/ingester/capacity"
	"stratafs.io/platform/pkg/storjtype"
)

func testConfig() capacity.Config {
	return capacity.Config{
		LeaderTTL: 30 * time.Second, RenewalInterval: 10 * time.Second,
		BaseInterval: 30 * time.Second, MinInterval: 10 * time.Second, MaxInterval: 300 * time.Second,
		ChangeThresholdPct: 5, CacheTTL: 600 * time.Second,
		PollTimeout: 2 * time.Second, PollAttempts: 3, PollBackoffBase: 10 * time.Millisecond,
	}
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func seServer(t *testing.T, percentUsed float64, total, used int64, health string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"storage_id": "se-1",
			"mode":       "edit",
			"capacity": map[string]interface{}{
				"total": total, "used": used, "available": total - used, "percent_used": percentUsed,
			},
			"health":  health,
			"backend": "local",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOnlyOneLeaderAtATime(t *testing.T) {
	client := newRedis(t)
	log := zaptest.NewLogger(t)
	a := capacity.NewMonitor(log, client, http.DefaultClient, testConfig())
	b := capacity.NewMonitor(log, client, http.DefaultClient, testConfig())

	ctx := context.Background()
	require.NoError(t, a.ElectionTick(ctx))
	require.NoError(t, b.ElectionTick(ctx))

	require.True(t, a.IsLeader())
	require.False(t, b.IsLeader())
}

func TestLeaderRenewalKeepsOwnership(t *testing.T) {
	client := newRedis(t)
	log := zaptest.NewLogger(t)
	m := capacity.NewMonitor(log, client, http.DefaultClient, testConfig())

	ctx := context.Background()
	require.NoError(t, m.ElectionTick(ctx))
	require.True(t, m.IsLeader())
	require.NoError(t, m.ElectionTick(ctx))
	require.True(t, m.IsLeader())
}

func TestReleaseAllowsAnotherLeader(t *testing.T) {
	client := newRedis(t)
	log := zaptest.NewLogger(t)
	a := capacity.NewMonitor(log, client, http.DefaultClient, testConfig())
	b := capacity.NewMonitor(log, client, http.DefaultClient, testConfig())

	ctx := context.Background()
	require.NoError(t, a.ElectionTick(ctx))
	require.True(t, a.IsLeader())

	a.Release(ctx)
	require.False(t, a.IsLeader())

	require.NoError(t, b.ElectionTick(ctx))
	require.True(t, b.IsLeader())
}

func TestPollTickPopulatesAvailableSet(t *testing.T) {
	srv := seServer(t, 10, 1000, 100, "HEALTHY")
	client := newRedis(t)
	log := zaptest.NewLogger(t)
	m := capacity.NewMonitor(log, client, http.DefaultClient, testConfig())

	ctx := context.Background()
	require.NoError(t, m.ElectionTick(ctx))
	require.True(t, m.IsLeader())

	m.ReloadEndpoints([]capacity.Endpoint{{ID: "se-1", Mode: storjtype.ModeEdit, Priority: 100, URL: srv.URL}})
	require.NoError(t, m.PollTick(ctx))

	recs, err := m.AvailableStorageElements(ctx, storjtype.ModeEdit, 1, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "se-1", recs[0].StorageID)
	require.Equal(t, storjtype.HealthHealthy, recs[0].Health)
}

func TestPollTickSkipsWhenFollower(t *testing.T) {
	srv := seServer(t, 10, 1000, 100, "HEALTHY")
	client := newRedis(t)
	log := zaptest.NewLogger(t)
	a := capacity.NewMonitor(log, client, http.DefaultClient, testConfig())
	b := capacity.NewMonitor(log, client, http.DefaultClient, testConfig())

	ctx := context.Background()
	require.NoError(t, a.ElectionTick(ctx)) // a becomes leader
	require.NoError(t, b.ElectionTick(ctx)) // b stays follower

	b.ReloadEndpoints([]capacity.Endpoint{{ID: "se-1", Mode: storjtype.ModeEdit, Priority: 100, URL: srv.URL}})
	require.NoError(t, b.PollTick(ctx))

	recs, err := b.AvailableStorageElements(ctx, storjtype.ModeEdit, 1, nil)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestFullStorageElementExcludedFromAvailableSet(t *testing.T) {
	srv := seServer(t, 99, 1000, 990, "HEALTHY")
	client := newRedis(t)
	log := zaptest.NewLogger(t)
	m := capacity.NewMonitor(log, client, http.DefaultClient, testConfig())

	ctx := context.Background()
	require.NoError(t, m.ElectionTick(ctx))
	m.ReloadEndpoints([]capacity.Endpoint{{ID: "se-1", Mode: storjtype.ModeEdit, Priority: 100, URL: srv.URL}})
	require.NoError(t, m.PollTick(ctx))

	recs, err := m.AvailableStorageElements(ctx, storjtype.ModeEdit, 1, nil)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestTriggerLazyUpdateRefreshesRegardlessOfRole(t *testing.T) {
	srv := seServer(t, 10, 1000, 100, "HEALTHY")
	client := newRedis(t)
	log := zaptest.NewLogger(t)
	a := capacity.NewMonitor(log, client, http.DefaultClient, testConfig())
	b := capacity.NewMonitor(log, client, http.DefaultClient, testConfig())

	ctx := context.Background()
	require.NoError(t, a.ElectionTick(ctx))
	require.NoError(t, b.ElectionTick(ctx))
	require.False(t, b.IsLeader())

	b.ReloadEndpoints([]capacity.Endpoint{{ID: "se-1", Mode: storjtype.ModeEdit, Priority: 100, URL: srv.URL}})
	b.TriggerLazyUpdate(ctx, "se-1", "insufficient_storage")

	recs, err := b.AvailableStorageElements(ctx, storjtype.ModeEdit, 1, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}
