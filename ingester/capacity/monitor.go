// Package capacity implements the adaptive capacity monitor: a
// leader-elected poller of every Storage Element's /api/v1/capacity
// endpoint, publishing results to a shared Redis cache so every Ingester
// instance sees a fresh view without fan-out polling (spec.md §4.1).
package capacity

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"stratafs.io/platform/pkg/storjtype"
)

var mon = monkit.Package()

// Error is the class for capacity-monitor failures.
var Error = errs.Class("capacity")

// LeaderLockKey is the cluster-global distributed lock key (spec.md §4.1).
const LeaderLockKey = "capacity_monitor:leader_lock"

// Endpoint is one configured Storage Element, as refreshed by the
// Ingester's config-reload loop (spec.md §4.2 "configuration reload").
type Endpoint struct {
	ID       string
	Mode     storjtype.SEMode
	Priority int
	URL      string
}

// Record is the capacity/health snapshot held in the shared cache
// (spec.md §3 "Capacity record").
type Record struct {
	StorageID   string              `json:"storage_id"`
	Mode        storjtype.SEMode    `json:"mode"`
	Total       int64               `json:"total"`
	Used        int64               `json:"used"`
	Available   int64               `json:"available"`
	PercentUsed float64             `json:"percent_used"`
	Health      storjtype.Health    `json:"health"`
	Backend     string              `json:"backend"`
	Location    string              `json:"location"`
	Endpoint    string              `json:"endpoint"`
	LastPoll    time.Time           `json:"last_poll"`
	Status      storjtype.CapacityStatus `json:"status"`
	Priority    int                 `json:"priority"`
}

// Config tunes the monitor's timing (spec.md §6.4 capacity_monitor block).
type Config struct {
	LeaderTTL         time.Duration `cfg:"leader_ttl" default:"30s" help:"leader lock TTL"`
	RenewalInterval   time.Duration `cfg:"leader_renewal_interval" default:"10s" help:"leader renewal/acquisition cadence"`
	BaseInterval      time.Duration `cfg:"base_interval" default:"30s" help:"starting per-SE poll interval"`
	MinInterval       time.Duration `cfg:"min_interval" default:"10s" help:"fastest per-SE poll interval"`
	MaxInterval       time.Duration `cfg:"max_interval" default:"300s" help:"slowest per-SE poll interval"`
	ChangeThresholdPct float64      `cfg:"change_threshold_pct" default:"5" help:"percent_used delta below which the interval grows"`
	CacheTTL          time.Duration `cfg:"cache_ttl" default:"600s" help:"TTL of capacity:{id}/health:{id} cache keys"`
	PollTimeout       time.Duration `cfg:"poll_timeout" default:"15s" help:"per-attempt HTTP timeout"`
	PollAttempts      int           `cfg:"poll_attempts" default:"3" help:"attempts before marking UNHEALTHY"`
	PollBackoffBase   time.Duration `cfg:"poll_backoff_base" default:"2s" help:"exponential backoff base between attempts"`
}

// seState tracks one endpoint's adaptive polling schedule.
type seState struct {
	endpoint    Endpoint
	nextPoll    time.Time
	interval    time.Duration
	stableCount int
	lastPercent float64
	hasLast     bool
}

// Monitor is one Ingester process's capacity monitor: leader-elected
// poller plus shared-cache writer.
type Monitor struct {
	log        *zap.Logger
	redis      *redis.Client
	httpClient *http.Client
	cfg        Config
	instanceID string

	mu        sync.Mutex
	isLeader  bool
	endpoints map[string]*seState
}

// NewMonitor builds a Monitor. A random 64-bit instance ID is generated
// once per process to avoid split-brain after restart (spec.md §4.1).
func NewMonitor(log *zap.Logger, client *redis.Client, httpClient *http.Client, cfg Config) *Monitor {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Monitor{
		log:        log,
		redis:      client,
		httpClient: httpClient,
		cfg:        cfg,
		instanceID: newInstanceID(),
		endpoints:  map[string]*seState{},
	}
}

func newInstanceID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure is effectively impossible on supported
		// platforms; fall back to a fixed nonce rather than panicking a
		// background service.
		return "fallback-instance"
	}
	return fmt.Sprintf("%x", binary.BigEndian.Uint64(b[:]))
}

// InstanceID returns this process's election identity.
func (m *Monitor) InstanceID() string { return m.instanceID }

// IsLeader reports whether this instance currently holds the leader lock.
func (m *Monitor) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isLeader
}

func (m *Monitor) setLeader(v bool) {
	m.mu.Lock()
	m.isLeader = v
	m.mu.Unlock()
}

// Endpoint returns the configured URL for a storage element id, used by
// the Ingester's finalize start handler to resolve a file's source SE
// into a callable address.
func (m *Monitor) Endpoint(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.endpoints[id]
	if !ok {
		return "", false
	}
	return st.endpoint.URL, true
}

// ReloadEndpoints replaces the in-memory {se_id -> endpoint,priority} map,
// called by the Ingester's config-reload loop (spec.md §4.2). New
// endpoints start due immediately; endpoints removed from eps are dropped.
func (m *Monitor) ReloadEndpoints(eps []Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fresh := make(map[string]*seState, len(eps))
	for _, ep := range eps {
		if existing, ok := m.endpoints[ep.ID]; ok {
			existing.endpoint = ep
			fresh[ep.ID] = existing
			continue
		}
		fresh[ep.ID] = &seState{endpoint: ep, nextPoll: time.Time{}, interval: m.cfg.BaseInterval}
	}
	m.endpoints = fresh
}

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("expire", KEYS[1], ARGV[2])
else
	return 0
end
`)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// ElectionTick attempts to acquire the lock (as a follower) or renew it
// (as the leader), exactly once. Call it every RenewalInterval (spec.md
// §4.1 "leader election").
func (m *Monitor) ElectionTick(ctx context.Context) error {
	if m.IsLeader() {
		ok, err := renewScript.Run(ctx, m.redis, []string{LeaderLockKey}, m.instanceID, int(m.cfg.LeaderTTL.Seconds())).Bool()
		if err != nil {
			m.log.Warn("leader renewal request failed", zap.Error(err))
			return nil // transient: cache failures never propagate to the request path
		}
		if !ok {
			m.log.Info("leader lock lost", zap.String("instance_id", m.instanceID))
			m.setLeader(false)
			mon.Counter("capacity_monitor_leader_lost").Inc(1)
		} else {
			mon.Counter("capacity_monitor_leader_renewed").Inc(1)
		}
		return nil
	}

	acquired, err := m.redis.SetNX(ctx, LeaderLockKey, m.instanceID, m.cfg.LeaderTTL).Result()
	if err != nil {
		m.log.Warn("leader acquisition request failed", zap.Error(err))
		return nil
	}
	if acquired {
		m.log.Info("leader lock acquired", zap.String("instance_id", m.instanceID))
		m.setLeader(true)
		mon.Counter("capacity_monitor_leader_acquired").Inc(1)
	}
	return nil
}

// Release gives up the lock if this instance still owns it (compare-and-
// delete by value, spec.md §5 "the leader releases its lock only if it
// still owns it"). Called during graceful shutdown.
func (m *Monitor) Release(ctx context.Context) {
	if !m.IsLeader() {
		return
	}
	if _, err := releaseScript.Run(ctx, m.redis, []string{LeaderLockKey}, m.instanceID).Result(); err != nil {
		m.log.Warn("leader release failed", zap.Error(err))
	}
	m.setLeader(false)
}

// PollTick polls every endpoint whose adaptive schedule is due, if and
// only if this instance is the leader. Call it on a short fixed cadence
// (e.g. every few seconds); adaptive spacing is enforced internally by
// seState.nextPoll.
func (m *Monitor) PollTick(ctx context.Context) error {
	if !m.IsLeader() {
		return nil
	}
	now := time.Now().UTC()
	due := m.dueEndpoints(now)
	for _, st := range due {
		m.pollOne(ctx, st, now)
	}
	return nil
}

func (m *Monitor) dueEndpoints(now time.Time) []*seState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*seState
	for _, st := range m.endpoints {
		if !st.nextPoll.After(now) {
			due = append(due, st)
		}
	}
	return due
}

// TriggerLazyUpdate issues one extra poll for id irrespective of role
// (spec.md §4.1 "lazy update"), used after a 507 from that SE so it isn't
// immediately re-selected.
func (m *Monitor) TriggerLazyUpdate(ctx context.Context, id, reason string) {
	m.mu.Lock()
	st, ok := m.endpoints[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.log.Info("lazy capacity update triggered", zap.String("storage_element_id", id), zap.String("reason", reason))
	m.pollOne(ctx, st, time.Now().UTC())
}

func (m *Monitor) pollOne(ctx context.Context, st *seState, now time.Time) {
	rec, err := m.pollWithRetry(ctx, st.endpoint)
	if err != nil {
		m.log.Warn("capacity poll exhausted retries, marking unhealthy",
			zap.String("storage_element_id", st.endpoint.ID), zap.Error(err))
		rec = Record{
			StorageID: st.endpoint.ID, Mode: st.endpoint.Mode, Health: storjtype.HealthUnhealthy,
			Endpoint: st.endpoint.URL, LastPoll: now, Priority: st.endpoint.Priority,
		}
		m.adapt(st, rec, true)
	} else {
		m.adapt(st, rec, false)
	}
	if err := m.writeCache(ctx, rec); err != nil {
		// Cache write failures are logged but never propagated to the
		// request path (spec.md §4.1 "failure semantics"); selection
		// falls back to Admin.
		m.log.Error("capacity cache write failed", zap.String("storage_element_id", st.endpoint.ID), zap.Error(err))
	}
}

func (m *Monitor) pollWithRetry(ctx context.Context, ep Endpoint) (Record, error) {
	var lastErr error
	for attempt := 0; attempt < m.cfg.PollAttempts; attempt++ {
		if attempt > 0 {
			backoff := m.cfg.PollBackoffBase * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return Record{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
		rec, err := m.pollOnce(ctx, ep)
		if err == nil {
			return rec, nil
		}
		lastErr = err
	}
	return Record{}, Error.Wrap(lastErr)
}

type capacityWireResponse struct {
	StorageID string `json:"storage_id"`
	Mode      string `json:"mode"`
	Capacity  struct {
		Total       int64   `json:"total"`
		Used        int64   `json:"used"`
		Available   int64   `json:"available"`
		PercentUsed float64 `json:"percent_used"`
	} `json:"capacity"`
	Health   string `json:"health"`
	Backend  string `json:"backend"`
	Location string `json:"location"`
}

func (m *Monitor) pollOnce(ctx context.Context, ep Endpoint) (Record, error) {
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.PollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ep.URL+"/api/v1/capacity", nil)
	if err != nil {
		return Record{}, Error.Wrap(err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Record{}, Error.Wrap(err)
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Record{}, Error.New("unexpected status %d from %s", resp.StatusCode, ep.URL)
	}
	var wire capacityWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return Record{}, Error.Wrap(err)
	}
	now := time.Now().UTC()
	return Record{
		StorageID: ep.ID, Mode: ep.Mode, Total: wire.Capacity.Total, Used: wire.Capacity.Used,
		Available: wire.Capacity.Available, PercentUsed: wire.Capacity.PercentUsed,
		Health: storjtype.Health(wire.Health), Backend: wire.Backend, Location: wire.Location,
		Endpoint: ep.URL, LastPoll: now, Status: storjtype.DefaultThresholds().StatusFor(wire.Capacity.PercentUsed),
		Priority: ep.Priority,
	}, nil
}

// adapt updates st's adaptive polling schedule per spec.md §4.1: a
// stability counter grows the interval toward MaxInterval on small
// changes, and a significant change or failure shrinks it toward
// MinInterval.
func (m *Monitor) adapt(st *seState, rec Record, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st.interval == 0 {
		st.interval = m.cfg.BaseInterval
	}
	delta := rec.PercentUsed
	if st.hasLast {
		delta = rec.PercentUsed - st.lastPercent
		if delta < 0 {
			delta = -delta
		}
	}
	switch {
	case failed:
		st.stableCount = 0
		st.interval = m.cfg.MinInterval
	case st.hasLast && delta < m.cfg.ChangeThresholdPct:
		st.stableCount++
		grown := st.interval * time.Duration(1+st.stableCount)
		if grown > m.cfg.MaxInterval {
			grown = m.cfg.MaxInterval
		}
		st.interval = grown
	default:
		st.stableCount = 0
		st.interval = m.cfg.MinInterval
	}
	st.lastPercent = rec.PercentUsed
	st.hasLast = true
	st.nextPoll = time.Now().UTC().Add(st.interval)
}

func recordKey(id string) string { return "capacity:" + id }
func healthKey(id string) string { return "health:" + id }
func availableKey(mode storjtype.SEMode) string { return "capacity:" + string(mode) + ":available" }

// writeCache publishes rec to capacity:{id} and health:{id}, and
// maintains the priority-scored sorted set Sequential-Fill reads from
// (spec.md §4.1 "polling protocol").
func (m *Monitor) writeCache(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return Error.Wrap(err)
	}
	pipe := m.redis.TxPipeline()
	pipe.Set(ctx, recordKey(rec.StorageID), data, m.cfg.CacheTTL)
	pipe.Set(ctx, healthKey(rec.StorageID), string(rec.Health), m.cfg.CacheTTL)

	m.mu.Lock()
	st, ok := m.endpoints[rec.StorageID]
	m.mu.Unlock()
	priority := 0
	if ok {
		priority = st.endpoint.Priority
	}

	writable := rec.Mode == storjtype.ModeEdit || rec.Mode == storjtype.ModeRW
	if writable && rec.Health == storjtype.HealthHealthy && rec.Status != storjtype.StatusFull {
		pipe.ZAdd(ctx, availableKey(rec.Mode), &redis.Z{Score: float64(priority), Member: rec.StorageID})
	} else {
		pipe.ZRem(ctx, availableKey(rec.Mode), rec.StorageID)
	}
	_, err = pipe.Exec(ctx)
	return Error.Wrap(err)
}

// AvailableStorageElements returns the priority-ordered candidates in
// mode with at least minAvailableBytes free, implementing Sequential-
// Fill's primary source (spec.md §4.2 step 1).
func (m *Monitor) AvailableStorageElements(ctx context.Context, mode storjtype.SEMode, minAvailableBytes int64, excluded map[string]bool) ([]Record, error) {
	ids, err := m.redis.ZRangeByScore(ctx, availableKey(mode), &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if excluded[id] {
			continue
		}
		data, err := m.redis.Get(ctx, recordKey(id)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, Error.Wrap(err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.Health != storjtype.HealthHealthy || rec.Status == storjtype.StatusFull {
			continue
		}
		if rec.Available < minAvailableBytes {
			continue
		}
		out = append(out, rec)
	}
	// Priority ascending; equal priority by percent_used ascending; equal
	// percent by stable se_id order (spec.md §4.2 "tie-breaks").
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].PercentUsed != out[j].PercentUsed {
			return out[i].PercentUsed < out[j].PercentUsed
		}
		return out[i].StorageID < out[j].StorageID
	})
	return out, nil
}
