package metrics

import (
	"database/sql"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/logger"
	"codeberg.org/mutker/orinwatch/internal/telemetry"
	_ "github.com/mattn/go-sqlite3"
)

// maxBufferedBatches bounds the buffer while flushes keep failing. Beyond
// BatchSize*maxBufferedBatches snapshots the oldest are dropped.
const maxBufferedBatches = 10

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex
	buffer        []*Snapshot
	closed        bool
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	// Open database with specific pragmas for better performance and safety
	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	// Validate if schema is current, with backup if needed
	if err := ensureSchema(db, cfg.backupDir(), log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Str("batch_timeout", cfg.BatchTimeout.String()).
		Msg("History repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]*Snapshot, 0, cfg.BatchSize),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	// Start background goroutine for periodic flushing if a timeout is set
	if cfg.BatchTimeout > 0 {
		repo.flushTicker = time.NewTicker(cfg.BatchTimeout)
		go repo.flusher()
	} else {
		close(repo.flushDoneChan)
	}

	return repo, nil
}

func (r *repository) Record(snapshot *Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New().New(ErrStorageClosed)
	}

	if limit := r.bufferLimit(); len(r.buffer) >= limit {
		dropped := len(r.buffer) - limit + 1
		r.buffer = append(r.buffer[:0], r.buffer[dropped:]...)
		r.logger.Warn().
			Int("dropped", dropped).
			Int("buffered", len(r.buffer)).
			Msg("History buffer full, dropping oldest snapshots")
	}

	r.buffer = append(r.buffer, snapshot)

	if len(r.buffer) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

func (r *repository) bufferLimit() int {
	return r.cfg.BatchSize * maxBufferedBatches
}

func (r *repository) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New().New(ErrStorageClosed)
	}

	return r.flush()
}

// Recent returns up to limit stored snapshots, newest first.
func (r *repository) Recent(limit int) ([]Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.New().New(ErrStorageClosed)
	}

	return queryRecent(r.db, limit)
}

func (r *repository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	// Signal the flusher goroutine to stop
	close(r.shutdownChan)

	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}

	// Wait for the flusher to finish its final flush
	<-r.flushDoneChan

	r.mu.Lock()
	if err := r.flush(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to flush history on close")
	}
	r.mu.Unlock()

	// Checkpoint WAL and cleanup on close
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("History repository closed gracefully")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Warn().Err(err).Msg("Periodic history flush failed")
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			return
		}
	}
}

// flush writes the buffer in one transaction. mu must be held. On failure
// the buffer is kept for the next attempt.
func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	err := withTx(r.db, r.logger, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(insertTelemetrySQL)
		if err != nil {
			return errors.New().Wrap(ErrTransactionFailed, err)
		}
		defer stmt.Close()

		for _, snapshot := range r.buffer {
			if _, err := stmt.Exec(row(snapshot)...); err != nil {
				return errors.New().WithData(ErrRecordFailed, err.Error())
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug().Int("records", len(r.buffer)).Msg("Flushed history to database")
	r.buffer = r.buffer[:0]

	return nil
}

// row maps a snapshot to the insert columns. Markers are stored as the
// signed reinterpretation of their bits; NaN readings become NULL.
func row(s *Snapshot) []any {
	return []any{
		s.Timestamp.UnixMilli(),
		int64(s.Marker),
		nullable(s.Record.PowerMW),
		nullable(s.Record.CPUTempC),
		nullable(s.Record.GPUTempC),
		nullable(s.Record.SoCTempC),
		int64(s.Record.Mode),
	}
}

// ReadRecent opens an existing database at path and returns up to limit
// snapshots, newest first.
func ReadRecent(path string, limit int) ([]Snapshot, error) {
	errFactory := errors.New()

	if _, err := os.Stat(path); err != nil {
		return nil, errFactory.Wrap(ErrInvalidDBPath, err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}
	defer db.Close()

	return queryRecent(db, limit)
}

func queryRecent(db *sql.DB, limit int) ([]Snapshot, error) {
	errFactory := errors.New()

	rows, err := db.Query(selectRecentSQL, limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageQuery, err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		var (
			ts, marker, mode     int64
			power, cpu, gpu, soc sql.NullFloat64
		)
		if err := rows.Scan(&ts, &marker, &power, &cpu, &gpu, &soc, &mode); err != nil {
			return nil, errFactory.Wrap(ErrStorageQuery, err)
		}

		snapshots = append(snapshots, Snapshot{
			Timestamp: time.UnixMilli(ts),
			Marker:    uint64(marker),
			Record: telemetry.Record{
				PowerMW:  value(power),
				CPUTempC: value(cpu),
				GPUTempC: value(gpu),
				SoCTempC: value(soc),
				Mode:     int32(mode),
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageQuery, err)
	}

	return snapshots, nil
}

// nullable stores NaN readings as NULL, since SQLite has no NaN.
func nullable(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v)}
}

func value(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
