// Package scheduler runs Admin's process-wide background loops that are
// not already owned by a more specific package: JWT key rotation, the SE
// registry publish loop, and SE health sync (spec.md §5). GC has its own
// package (admin/gc) given its size; this package is the remaining,
// smaller schedulers.
package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"stratafs.io/platform/admin/registry"
	"stratafs.io/platform/private/authtoken"
	"stratafs.io/platform/pkg/storjtype"
)

// Error is the class for scheduler failures.
var Error = errs.Class("scheduler")

// StorageElementConfigKey is the shared-cache key Admin publishes its SE
// endpoint map to, and the fallback source Ingester's config-reload loop
// consults when the primary (direct Admin call) is unavailable (spec.md
// §4.2 "configuration reload").
const StorageElementConfigKey = "admin:storage-elements:config"

// Endpoint is one configured SE, as published to the shared cache and
// polled for health.
type Endpoint struct {
	ID       string           `json:"id"`
	URL      string           `json:"url"`
	Mode     storjtype.SEMode `json:"mode"`
	Priority int              `json:"priority"`
}

// Config tunes the three loops' cadence (spec.md §6.4 scheduler block).
type Config struct {
	JWTRotationIntervalHours      int           `cfg:"jwt_rotation_interval_hours" default:"24" help:"hours between signing-key rotations"`
	PublishIntervalSeconds        int           `cfg:"publish_interval_seconds" default:"30" help:"seconds between SE config publishes"`
	StorageHealthCheckIntervalSec int           `cfg:"storage_health_check_interval_seconds" default:"60" help:"seconds between SE health polls"`
	PollTimeout                   time.Duration `cfg:"health_poll_timeout" default:"15s" help:"per-SE capacity poll timeout"`
}

// Scheduler owns the key ring, redis client, registry store and SE
// endpoint list the three loops operate on.
type Scheduler struct {
	log        *zap.Logger
	keys       *authtoken.KeyRing
	redis      *redis.Client
	store      *registry.Store
	httpClient *http.Client
	cfg        Config

	endpoints []Endpoint
}

// NewScheduler builds a Scheduler. endpoints is Admin's static or
// operator-configured view of the SE fleet; production deployments may
// instead resolve it from a service-discovery source, but the loops below
// only need the resulting slice.
func NewScheduler(log *zap.Logger, keys *authtoken.KeyRing, client *redis.Client, store *registry.Store, httpClient *http.Client, cfg Config, endpoints []Endpoint) *Scheduler {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Scheduler{log: log, keys: keys, redis: client, store: store, httpClient: httpClient, cfg: cfg, endpoints: endpoints}
}

// SetEndpoints replaces the configured SE fleet, e.g. after an operator
// edits the registry.
func (s *Scheduler) SetEndpoints(eps []Endpoint) { s.endpoints = eps }

// RotateKeysTick rotates the JWT signing key ring. Called once per
// JWTRotationIntervalHours (spec.md §5 "JWT key rotation (daily)").
func (s *Scheduler) RotateKeysTick(ctx context.Context) error {
	if err := s.keys.Rotate(time.Now().UTC()); err != nil {
		return Error.Wrap(err)
	}
	s.log.Info("rotated jwt signing key", zap.String("key_id", s.keys.CurrentKeyID()))
	return nil
}

// PublishTick writes the current SE endpoint map to the shared cache so
// Ingester's config-reload loop can fall back to it when Admin itself is
// unreachable (spec.md §5 "SE registry publish (every 30s)").
func (s *Scheduler) PublishTick(ctx context.Context) error {
	payload, err := json.Marshal(s.endpoints)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := s.redis.Set(ctx, StorageElementConfigKey, payload, 0).Err(); err != nil {
		s.log.Warn("SE config publish failed", zap.Error(err))
		return nil // cache write failures never propagate past this loop
	}
	return nil
}

type capacityWireResponse struct {
	StorageID string `json:"storage_id"`
	Capacity  struct {
		Total       int64   `json:"total"`
		Used        int64   `json:"used"`
		PercentUsed float64 `json:"percent_used"`
	} `json:"capacity"`
	Health string `json:"health"`
}

// HealthSyncTick polls every configured SE's /api/v1/capacity and records
// the result in Admin's durable storage_elements table, the source the
// selection fallback endpoint reads (spec.md §5 "SE health sync (every
// ~60s)", §4.2 "fallback source").
func (s *Scheduler) HealthSyncTick(ctx context.Context) error {
	now := time.Now().UTC()
	for _, ep := range s.endpoints {
		rec, err := s.pollOne(ctx, ep)
		if err != nil {
			s.log.Warn("SE health poll failed", zap.String("storage_element_id", ep.ID), zap.Error(err))
			rec = registry.StorageElement{
				StorageElementID: ep.ID, Endpoint: ep.URL, Mode: string(ep.Mode), Priority: ep.Priority,
				Health: string(storjtype.HealthUnhealthy), LastPoll: now,
			}
		}
		if uErr := s.store.UpsertStorageElement(ctx, rec); uErr != nil {
			s.log.Error("SE health upsert failed", zap.String("storage_element_id", ep.ID), zap.Error(uErr))
		}
	}
	return nil
}

func (s *Scheduler) pollOne(ctx context.Context, ep Endpoint) (registry.StorageElement, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ep.URL+"/api/v1/capacity", nil)
	if err != nil {
		return registry.StorageElement{}, Error.Wrap(err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return registry.StorageElement{}, Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return registry.StorageElement{}, Error.New("unexpected status %d from %s", resp.StatusCode, ep.URL)
	}

	var wire capacityWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return registry.StorageElement{}, Error.Wrap(err)
	}
	return registry.StorageElement{
		StorageElementID: ep.ID,
		Endpoint:         ep.URL,
		Mode:             string(ep.Mode),
		Priority:         ep.Priority,
		Total:            wire.Capacity.Total,
		Used:             wire.Capacity.Used,
		PercentUsed:      wire.Capacity.PercentUsed,
		Health:           wire.Health,
		LastPoll:         time.Now().UTC(),
	}, nil
}
