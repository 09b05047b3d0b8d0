// Package consumer drives Query's side of the event-driven cache sync
// (spec.md §4.5): a consumer-group loop over Admin's file-events stream,
// plus a parallel reclaim loop for entries stuck in the Pending Entry List.
package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"stratafs.io/platform/admin/eventing"
	"stratafs.io/platform/pkg/storjtype"
	"stratafs.io/platform/private/sync2"
)

var mon = monkit.Package()

// Error is the class for consumer failures.
var Error = errs.Class("consumer")

// ConsumerGroup is the shared group name every Query instance joins
// (spec.md §4.5).
const ConsumerGroup = "query-module-consumers"

// Config tunes the consumer-group and reclaim loops.
type Config struct {
	BatchSize       int64         `cfg:"batch_size" default:"10" help:"events read per XREADGROUP call"`
	BlockDuration   time.Duration `cfg:"block_ms" default:"5s" help:"XREADGROUP BLOCK duration"`
	ReclaimInterval time.Duration `cfg:"pending_retry_ms" default:"30s" help:"how often the reclaim loop runs"`
	ReclaimMinIdle  time.Duration `cfg:"reclaim_min_idle" default:"60s" help:"minimum PEL idle time before XCLAIM retries an entry"`
}

// Handler applies one decoded event to the Query cache. Implementations
// must be idempotent: the consumer does no dedup of its own, and Handle is
// called again for reclaimed retries of the same entry. The dispatch
// package's Handler dedupes on (event_type, file_id, timestamp).
type Handler interface {
	Handle(ctx context.Context, evt Event) error
}

// Event is one decoded file-events stream entry.
type Event struct {
	ID               string
	Type             eventing.EventType
	FileID           storjtype.FileID
	StorageElementID string
	Timestamp        string
	Metadata         eventing.Metadata
}

// Consumer runs the XREADGROUP loop and the XPENDING/XCLAIM reclaim loop.
type Consumer struct {
	log          *zap.Logger
	client       *redis.Client
	handler      Handler
	consumerName string
	cfg          Config

	readCycle    *sync2.Cycle
	reclaimCycle *sync2.Cycle
}

// NewConsumer builds a Consumer. consumerName must be unique per process
// instance (spec.md §4.5 "Consumer name is unique per process instance").
func NewConsumer(log *zap.Logger, client *redis.Client, handler Handler, consumerName string, cfg Config) *Consumer {
	return &Consumer{
		log: log, client: client, handler: handler, consumerName: consumerName, cfg: cfg,
		readCycle: sync2.NewCycle(0), reclaimCycle: sync2.NewCycle(cfg.ReclaimInterval),
	}
}

// EnsureGroup creates the consumer group at start ID 0 with MKSTREAM,
// tolerating BUSYGROUP if it already exists (spec.md §4.5).
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, eventing.StreamName, ConsumerGroup, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return Error.Wrap(err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Run starts both loops and blocks until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readCycle.Run(ctx, c.readTick, func(err error) {
			c.log.Error("event read failed", zap.Error(err))
		})
	}()
	go func() {
		defer wg.Done()
		c.reclaimCycle.Run(ctx, c.reclaimTick, func(err error) {
			c.log.Error("pending reclaim failed", zap.Error(err))
		})
	}()
	wg.Wait()
	return nil
}

// ReadTickForTest runs a single read-and-dispatch pass, exported for tests
// that need to drive the loop deterministically rather than racing a
// background goroutine.
func (c *Consumer) ReadTickForTest(ctx context.Context) error {
	return c.readTick(ctx)
}

// ReclaimTickForTest runs a single XPENDING/XCLAIM pass, exported for
// tests.
func (c *Consumer) ReclaimTickForTest(ctx context.Context) error {
	return c.reclaimTick(ctx)
}

func (c *Consumer) readTick(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: c.consumerName,
		Streams:  []string{eventing.StreamName, ">"},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.BlockDuration,
	}).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return Error.Wrap(err)
	}
	for _, stream := range res {
		for _, msg := range stream.Messages {
			c.process(ctx, msg)
		}
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, msg redis.XMessage) {
	evt, err := decode(msg)
	if err != nil {
		c.log.Error("malformed event, leaving in PEL", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	if err := c.handler.Handle(ctx, evt); err != nil {
		c.log.Warn("event handler failed, leaving in PEL for retry",
			zap.String("id", msg.ID), zap.String("file_id", evt.FileID.String()), zap.Error(err))
		return
	}
	if err := c.client.XAck(ctx, eventing.StreamName, ConsumerGroup, msg.ID).Err(); err != nil {
		c.log.Error("ack failed", zap.String("id", msg.ID), zap.Error(err))
	}
}

func decode(msg redis.XMessage) (Event, error) {
	fileIDStr, _ := msg.Values["file_id"].(string)
	fileID, err := storjtype.ParseFileID(fileIDStr)
	if err != nil {
		return Event{}, Error.Wrap(err)
	}
	metaRaw, _ := msg.Values["metadata"].(string)
	var meta eventing.Metadata
	if metaRaw != "" {
		if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
			return Event{}, Error.Wrap(err)
		}
	}
	eventType, _ := msg.Values["event_type"].(string)
	storageElementID, _ := msg.Values["storage_element_id"].(string)
	timestamp, _ := msg.Values["timestamp"].(string)
	return Event{
		ID: msg.ID, Type: eventing.EventType(eventType), FileID: fileID,
		StorageElementID: storageElementID, Timestamp: timestamp, Metadata: meta,
	}, nil
}

// reclaimTick implements the "XPENDING then XCLAIM for entries idle > 60s"
// retry loop (spec.md §4.5).
func (c *Consumer) reclaimTick(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: eventing.StreamName,
		Group:  ConsumerGroup,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return Error.Wrap(err)
	}
	var stale []string
	for _, p := range pending {
		if p.Idle >= c.cfg.ReclaimMinIdle {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   eventing.StreamName,
		Group:    ConsumerGroup,
		Consumer: c.consumerName,
		MinIdle:  c.cfg.ReclaimMinIdle,
		Messages: stale,
	}).Result()
	if err != nil {
		return Error.Wrap(err)
	}
	mon.Counter("query_events_reclaimed_total").Inc(int64(len(claimed)))
	for _, msg := range claimed {
		c.process(ctx, msg)
	}
	return nil
}
