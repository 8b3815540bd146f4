package metrics

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/logger"
)

const backupTimeFormat = "20060102T150405Z"

// ensureSchema brings db to SchemaVersion. A database holding tables of any
// other version is copied to backupDir and then recreated empty.
func ensureSchema(db *sql.DB, backupDir string, log logger.Logger) error {
	errFactory := errors.New()

	version, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if version == SchemaVersion {
		log.Debug().Int("version", version).Msg("History schema is current")
		return nil
	}

	tables, err := userTables(db)
	if err != nil {
		return err
	}

	if len(tables) > 0 {
		path, err := backupDatabase(db, backupDir, version)
		if err != nil {
			return errFactory.Wrap(ErrSchemaMigrationFailed, err)
		}
		log.Info().
			Int("from", version).
			Int("to", SchemaVersion).
			Str("backup", path).
			Msg("Replacing history schema")
	}

	return createSchema(db, tables, log)
}

// backupDatabase writes a consistent copy of db to
// backupDir/history_v<version>_<utc time>.db.
func backupDatabase(db *sql.DB, backupDir string, version int) (string, error) {
	if err := os.MkdirAll(backupDir, defaultDirPerm); err != nil {
		return "", err
	}

	name := fmt.Sprintf("history_v%d_%s.db", version, time.Now().UTC().Format(backupTimeFormat))
	path := filepath.Join(backupDir, name)

	// VACUUM INTO cannot run inside a transaction.
	if _, err := db.Exec("VACUUM INTO ?", path); err != nil {
		return "", err
	}

	return path, nil
}
