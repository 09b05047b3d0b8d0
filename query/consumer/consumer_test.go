package consumer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stratafs.io/platform/admin/eventing"
	"stratafs.io/platform/pkg/storjtype"
	"stratafs.io/platform/query/consumer"
)

type recordingHandler struct {
	mu       sync.Mutex
	handled  []consumer.Event
	failNext int
}

func (h *recordingHandler) Handle(ctx context.Context, evt consumer.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failNext > 0 {
		h.failNext--
		return consumer.Error.New("simulated handler failure")
	}
	h.handled = append(h.handled, evt)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func newTestConsumer(t *testing.T, handler consumer.Handler, cfg consumer.Config) (*consumer.Consumer, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := consumer.NewConsumer(zaptest.NewLogger(t), client, handler, "test-consumer", cfg)
	require.NoError(t, c.EnsureGroup(context.Background()))
	return c, client
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	_, client := newTestConsumer(t, &recordingHandler{}, consumer.Config{BatchSize: 10, BlockDuration: 10 * time.Millisecond})
	ctx := context.Background()
	err := client.XGroupCreateMkStream(ctx, eventing.StreamName, consumer.ConsumerGroup, "0").Err()
	require.Error(t, err) // BUSYGROUP on the raw call, confirming the group already exists
}

func TestConsumerHandlesAndAcksEvent(t *testing.T) {
	handler := &recordingHandler{}
	c, client := newTestConsumer(t, handler, consumer.Config{BatchSize: 10, BlockDuration: 10 * time.Millisecond, ReclaimMinIdle: time.Minute})
	ctx := context.Background()
	fileID := storjtype.NewFileID()

	pub := eventing.NewPublisher(client)
	require.NoError(t, pub.Publish(ctx, eventing.EventCreated, fileID, "se-edit-1", eventing.Metadata{RetentionPolicy: "TEMPORARY"}))

	runOneReadTick(t, c, ctx)

	require.Equal(t, 1, handler.count())
	pending, err := client.XPending(ctx, eventing.StreamName, consumer.ConsumerGroup).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), pending.Count)
}

func TestFailedHandlerLeavesEventInPELAndReclaimRetries(t *testing.T) {
	handler := &recordingHandler{failNext: 1}
	c, client := newTestConsumer(t, handler, consumer.Config{
		BatchSize: 10, BlockDuration: 10 * time.Millisecond, ReclaimMinIdle: 0,
	})
	ctx := context.Background()
	fileID := storjtype.NewFileID()

	pub := eventing.NewPublisher(client)
	require.NoError(t, pub.Publish(ctx, eventing.EventCreated, fileID, "se-edit-1", eventing.Metadata{}))

	runOneReadTick(t, c, ctx)
	require.Equal(t, 0, handler.count())

	pending, err := client.XPending(ctx, eventing.StreamName, consumer.ConsumerGroup).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), pending.Count)

	runOneReclaimTick(t, c, ctx)
	require.Equal(t, 1, handler.count())

	pending, err = client.XPending(ctx, eventing.StreamName, consumer.ConsumerGroup).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), pending.Count)
}

func runOneReadTick(t *testing.T, c *consumer.Consumer, ctx context.Context) {
	t.Helper()
	require.NoError(t, c.ReadTickForTest(ctx))
}

func runOneReclaimTick(t *testing.T, c *consumer.Consumer, ctx context.Context) {
	t.Helper()
	require.NoError(t, c.ReclaimTickForTest(ctx))
}
