// Package migrate runs an ordered list of versioned SQL statements against
// a database, tracking the applied version in a schema_version table. Both
// Admin's Postgres registry and each SE's SQLite cache use it.
package migrate

import (
	"context"
	"fmt"

	"github.com/zeebo/errs"

	"stratafs.io/platform/private/tagsql"
)

// Error is the class for migration failures.
var Error = errs.Class("migrate")

// Step is one schema version's forward migration.
type Step struct {
	Version     int
	Description string
	SQL         []string
}

// Migration is an ordered list of steps, applied in ascending Version
// order starting after the database's current schema_version.
type Migration struct {
	Table string
	Steps []Step
}

func (m *Migration) ensureVersionTable(ctx context.Context, db *tagsql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+m.Table+` (version INTEGER NOT NULL)`)
	return Error.Wrap(err)
}

func (m *Migration) currentVersion(ctx context.Context, db *tagsql.DB) (int, error) {
	row := db.QueryRowContext(ctx, `SELECT version FROM `+m.Table+` ORDER BY version DESC LIMIT 1`)
	var v int
	switch err := row.Scan(&v); err {
	case nil:
		return v, nil
	default:
		// no rows yet
		return 0, nil
	}
}

// Run applies every step with Version greater than the database's current
// recorded version, each inside its own transaction, recording the new
// version on success. Steps must be supplied in ascending Version order.
func (m *Migration) Run(ctx context.Context, db *tagsql.DB) error {
	if err := m.ensureVersionTable(ctx, db); err != nil {
		return err
	}
	current, err := m.currentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, step := range m.Steps {
		if step.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx)
		if err != nil {
			return Error.Wrap(err)
		}
		for _, stmt := range step.SQL {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return Error.New("step %d (%s): %w", step.Version, step.Description, err)
			}
		}
		insert := fmt.Sprintf(`INSERT INTO %s (version) VALUES (%d)`, m.Table, step.Version)
		if _, err := tx.ExecContext(ctx, insert); err != nil {
			_ = tx.Rollback()
			return Error.Wrap(err)
		}
		if err := tx.Commit(); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}
