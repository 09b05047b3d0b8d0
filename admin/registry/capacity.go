package registry

import (
	"context"
	"time"

	"stratafs.io/platform/private/migrate"
)

func init() {
	Migration.Steps = append(Migration.Steps, migrate.Step{
		Version:     4,
		Description: "create storage_elements table",
		SQL: []string{
			`CREATE TABLE IF NOT EXISTS storage_elements (
				storage_element_id TEXT PRIMARY KEY,
				endpoint TEXT NOT NULL,
				mode TEXT NOT NULL,
				priority INTEGER NOT NULL,
				total BIGINT NOT NULL,
				used BIGINT NOT NULL,
				percent_used DOUBLE PRECISION NOT NULL,
				health TEXT NOT NULL,
				last_poll TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS storage_elements_mode_idx ON storage_elements (mode, health)`,
		},
	})
}

// StorageElement is Admin's durable record of one configured SE, published
// by the SE-registry publish loop (spec.md §5 "SE registry publish").
type StorageElement struct {
	StorageElementID string
	Endpoint         string
	Mode             string
	Priority         int
	Total            int64
	Used             int64
	PercentUsed      float64
	Health           string
	LastPoll         time.Time
}

// UpsertStorageElement records the latest self-reported capacity for id,
// called from Admin's health-sync loop (spec.md §5, every ~60s).
func (s *Store) UpsertStorageElement(ctx context.Context, se StorageElement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO storage_elements (storage_element_id, endpoint, mode, priority, total, used, percent_used, health, last_poll)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (storage_element_id) DO UPDATE SET
			endpoint=excluded.endpoint, mode=excluded.mode, priority=excluded.priority,
			total=excluded.total, used=excluded.used, percent_used=excluded.percent_used,
			health=excluded.health, last_poll=excluded.last_poll`,
		se.StorageElementID, se.Endpoint, se.Mode, se.Priority, se.Total, se.Used, se.PercentUsed, se.Health, se.LastPoll,
	)
	return Error.Wrap(err)
}

// AvailableStorageElements implements StorageElementLister from Admin's
// own durable table: HEALTHY SEs in the requested mode with at least
// minFreeBytes available, ordered by priority then percent_used (spec.md
// §4.2's tie-break rules).
func (s *Store) AvailableStorageElements(mode string, minFreeBytes int64) ([]AvailableSE, error) {
	ctx := context.Background()
	rows, err := s.db.QueryContext(ctx, `
		SELECT storage_element_id, endpoint, priority, percent_used, (total - used) AS available
		FROM storage_elements
		WHERE mode = $1 AND health = 'HEALTHY' AND (total - used) >= $2
		ORDER BY priority ASC, percent_used ASC, storage_element_id ASC`, mode, minFreeBytes)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []AvailableSE
	for rows.Next() {
		var a AvailableSE
		if err := rows.Scan(&a.StorageElementID, &a.Endpoint, &a.Priority, &a.PercentUsed, &a.AvailableBytes); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, a)
	}
	return out, Error.Wrap(rows.Err())
}
