package metrics

import (
	"database/sql"
	"fmt"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/logger"
)

// SchemaVersion is kept in the database's user_version pragma.
const SchemaVersion = 1

const (
	createTelemetrySQL = `
CREATE TABLE IF NOT EXISTS telemetry (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp  INTEGER NOT NULL,
	marker     INTEGER NOT NULL,
	power_mw   REAL,
	cpu_temp_c REAL,
	gpu_temp_c REAL,
	soc_temp_c REAL,
	mode       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS telemetry_timestamp ON telemetry (timestamp);`

	insertTelemetrySQL = `
INSERT INTO telemetry (timestamp, marker, power_mw, cpu_temp_c, gpu_temp_c, soc_temp_c, mode)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	selectRecentSQL = `
SELECT timestamp, marker, power_mw, cpu_temp_c, gpu_temp_c, soc_temp_c, mode
FROM telemetry
ORDER BY id DESC
LIMIT ?`

	userTablesSQL = `
SELECT name FROM sqlite_master
WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`
)

func schemaVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, errors.New().Wrap(ErrSchemaValidationFailed, err)
	}

	return version, nil
}

// userTables lists every table not owned by SQLite itself.
func userTables(db *sql.DB) ([]string, error) {
	errFactory := errors.New()

	rows, err := db.Query(userTablesSQL)
	if err != nil {
		return nil, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errFactory.Wrap(ErrSchemaValidationFailed, err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}

	return tables, nil
}

// createSchema drops the given tables and creates the current schema in one
// transaction.
func createSchema(db *sql.DB, drop []string, log logger.Logger) error {
	return withTx(db, log, func(tx *sql.Tx) error {
		errFactory := errors.New()

		for _, table := range drop {
			if _, err := tx.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %q", table)); err != nil {
				return errFactory.WithData(ErrSchemaMigrationFailed, "drop "+table+": "+err.Error())
			}
		}

		if _, err := tx.Exec(createTelemetrySQL); err != nil {
			return errFactory.Wrap(ErrSchemaInitFailed, err)
		}

		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
			return errFactory.Wrap(ErrSchemaInitFailed, err)
		}

		return nil
	})
}

func withTx(db *sql.DB, log logger.Logger, fn func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.New().Wrap(ErrTransactionFailed, err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Debug().Err(rbErr).Msg("Failed to roll back transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.New().Wrap(ErrTransactionFailed, err)
	}

	return nil
}
