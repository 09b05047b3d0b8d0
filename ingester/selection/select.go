// Package selection implements Sequential-Fill storage-element selection
// (spec.md §4.2): pick the highest-priority available SE for a given mode
// and size, falling back to Admin's durable table when the capacity
// monitor's cache has nothing, and retrying with exclusion on a 507.
package selection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"stratafs.io/platform/ingester/capacity"
	"stratafs.io/platform/pkg/storjtype"
)

// Error is the class for selection failures.
var Error = errs.Class("selection")

// ErrNoAvailableStorage is returned when both the primary and fallback
// sources are empty (spec.md §4.2 step 3); HTTP surfaces this as 503 with
// Retry-After: 30.
var ErrNoAvailableStorage = Error.New("no available storage")

// RetryAfterSeconds is the Retry-After value the HTTP layer attaches to
// ErrNoAvailableStorage (spec.md §7).
const RetryAfterSeconds = 30

// MaxSelectionRetries bounds the number of 507 re-selections (spec.md
// §4.2 "retry on 507").
const MaxSelectionRetries = 3

// CapacitySource is the capacity monitor's shared-cache view (spec.md
// §4.2 step 1, the primary selection source).
type CapacitySource interface {
	AvailableStorageElements(ctx context.Context, mode storjtype.SEMode, minAvailableBytes int64, excluded map[string]bool) ([]capacity.Record, error)
}

// Candidate is one selected storage element.
type Candidate struct {
	StorageElementID string
	Endpoint         string
}

// Selector chooses a target SE for an upload, consulting the capacity
// monitor first and Admin's internal endpoint as a fallback.
type Selector struct {
	log        *zap.Logger
	source     CapacitySource
	adminURL   string
	httpClient *http.Client
}

// NewSelector builds a Selector. adminURL is Admin's base URL, used for
// the fallback `/api/v1/internal/storage-elements/available` call.
func NewSelector(log *zap.Logger, source CapacitySource, adminURL string, httpClient *http.Client) *Selector {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Selector{log: log, source: source, adminURL: adminURL, httpClient: httpClient}
}

// Select returns a Candidate SE for the given file size and retention
// policy, respecting excludedIDs (already-tried SEs from a prior 507).
// TEMPORARY files land only on edit SEs, PERMANENT only on rw (spec.md
// §4.2 "a mode mismatch is a selection miss, never a silent fallthrough").
func (s *Selector) Select(ctx context.Context, fileSize int64, policy storjtype.RetentionPolicy, excludedIDs map[string]bool) (Candidate, error) {
	mode := storjtype.RequiredMode(policy)

	recs, err := s.source.AvailableStorageElements(ctx, mode, fileSize, excludedIDs)
	if err != nil {
		s.log.Warn("capacity monitor selection source failed, falling back to admin", zap.Error(err))
	}
	if len(recs) > 0 {
		return Candidate{StorageElementID: recs[0].StorageID, Endpoint: recs[0].Endpoint}, nil
	}

	fallback, err := s.fallbackToAdmin(ctx, mode, fileSize, excludedIDs)
	if err != nil {
		s.log.Warn("admin fallback selection failed", zap.Error(err))
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return Candidate{}, ErrNoAvailableStorage
}

type availableSEWire struct {
	StorageElementID string  `json:"storage_element_id"`
	Endpoint         string  `json:"endpoint"`
	Priority         int     `json:"priority"`
	PercentUsed      float64 `json:"percent_used"`
	AvailableBytes   int64   `json:"available_bytes"`
}

// fallbackToAdmin implements spec.md §4.2 step 2: Admin's own durable
// view, queried when the shared cache yields nothing.
func (s *Selector) fallbackToAdmin(ctx context.Context, mode storjtype.SEMode, minFreeBytes int64, excludedIDs map[string]bool) ([]Candidate, error) {
	if s.adminURL == "" {
		return nil, nil
	}
	q := url.Values{}
	q.Set("mode", string(mode))
	q.Set("min_free_bytes", strconv.FormatInt(minFreeBytes, 10))
	reqURL := fmt.Sprintf("%s/api/v1/internal/storage-elements/available?%s", s.adminURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, Error.New("unexpected status %d from admin", resp.StatusCode)
	}
	var wire []availableSEWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]Candidate, 0, len(wire))
	for _, w := range wire {
		if excludedIDs[w.StorageElementID] {
			continue
		}
		out = append(out, Candidate{StorageElementID: w.StorageElementID, Endpoint: w.Endpoint})
	}
	return out, nil
}
