// Package schema brings the SQLite store to the current sensors/readings
// layout. Ensure is idempotent and runs once at startup, before anything
// else touches the readings table.
//
// Two generations of the readings table exist. The legacy one stores a
// single generic `value` column; the current one stores aqi_value, co2_ppm
// and aqi_category. A legacy table is rebuilt in place, carrying `value`
// over as aqi_value. Versioned migrations under sql/ then add whatever the
// store is still missing and are recorded in schema_migrations.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/thecoderpanda/ard-server/internal/apperr"
)

type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeMigrated Outcome = "migrated"
	OutcomeCurrent  Outcome = "current"
)

const legacyUpgradeFile = "sql/legacy_readings.sql"

// legacy rows are copied column by column; all of these must exist.
var legacyColumns = []string{"id", "sensor_id", "value", "timestamp"}

// Ensure inspects the readings table and creates, migrates or leaves it.
// Inspection failures are returned as *apperr.StorageError and never read as
// "table absent".
func Ensure(ctx context.Context, db *sql.DB) (Outcome, error) {
	cols, err := readingsColumns(ctx, db)
	if err != nil {
		return "", apperr.Storage("inspect readings", err)
	}

	outcome := OutcomeCurrent
	switch {
	case len(cols) == 0:
		outcome = OutcomeCreated
	case !cols["aqi_value"]:
		for _, c := range legacyColumns {
			if !cols[c] {
				return "", &apperr.StorageError{
					Op:  "inspect readings",
					Err: fmt.Errorf("unrecognised readings layout: no aqi_value and no %s column", c),
				}
			}
		}
		n, err := upgradeLegacy(ctx, db)
		if err != nil {
			return "", apperr.Storage("upgrade legacy readings", err)
		}
		slog.Info("legacy readings upgraded", "rows", n)
		outcome = OutcomeMigrated
	}

	applied, err := applyPending(ctx, db)
	if err != nil {
		return "", apperr.Storage("apply migrations", err)
	}

	slog.Info("schema ensured", "outcome", string(outcome), "migrations_applied", applied)
	return outcome, nil
}

// readingsColumns returns the column set of readings; empty if it does not exist.
func readingsColumns(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	if db == nil {
		return nil, errors.New("nil database")
	}
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info('readings')`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close table_info rows", "error", err)
		}
	}()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// upgradeLegacy rebuilds readings in the current layout inside a single
// transaction and returns the number of rows carried over.
func upgradeLegacy(ctx context.Context, db *sql.DB) (int64, error) {
	body, err := sqlFS.ReadFile(legacyUpgradeFile)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", legacyUpgradeFile, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var before int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings`).Scan(&before); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return 0, err
	}
	var after int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings`).Scan(&after); err != nil {
		return 0, err
	}
	if after != before {
		return 0, fmt.Errorf("row count changed during upgrade: %d before, %d after", before, after)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return after, nil
}
