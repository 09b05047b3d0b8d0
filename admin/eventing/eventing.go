// Package eventing publishes Admin's file-record mutations into the
// file-events stream Query consumes (spec.md §4.5).
package eventing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/zeebo/errs"

	"stratafs.io/platform/pkg/storjtype"
)

// Error is the class for event-publishing failures.
var Error = errs.Class("eventing")

// StreamName is the append-only stream every event is published to.
const StreamName = "file-events"

// EventType names a file record mutation.
type EventType string

const (
	EventCreated EventType = "file:created"
	EventUpdated EventType = "file:updated"
	EventDeleted EventType = "file:deleted"
)

// Metadata is the nested structure carried as a JSON string inside the
// stream entry (spec.md §9: no dynamic-typed payload, a tagged structure).
type Metadata struct {
	RetentionPolicy  string `json:"retention_policy,omitempty"`
	StorageElementID string `json:"storage_element_id,omitempty"`
	StoragePath      string `json:"storage_path,omitempty"`
	DeletionReason   string `json:"deletion_reason,omitempty"`
}

// Publisher emits events onto the stream using XADD.
type Publisher struct {
	client *redis.Client
}

// NewPublisher wraps client.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish emits one event. Writes to a single file_id are serialized by
// the caller to preserve per-file ordering (spec.md §5).
func (p *Publisher) Publish(ctx context.Context, eventType EventType, fileID storjtype.FileID, storageElementID string, metadata Metadata) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName,
		Values: map[string]interface{}{
			"event_type":         string(eventType),
			"file_id":            fileID.String(),
			"storage_element_id": storageElementID,
			"timestamp":          time.Now().UTC().Format(time.RFC3339Nano),
			"metadata":           string(metaJSON),
		},
	}).Result()
	if err != nil {
		return Error.Wrap(err)
	}
	return nil
}
