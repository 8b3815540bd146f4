package metrics_test

import (
	"context"
	"database/sql"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/logger"
	"codeberg.org/mutker/orinwatch/internal/metrics"
	"codeberg.org/mutker/orinwatch/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) metrics.Config {
	t.Helper()

	cfg := metrics.DefaultConfig()
	cfg.Enabled = true
	cfg.DBPath = filepath.Join(t.TempDir(), "history", "history.db")
	cfg.BatchSize = 2
	cfg.BatchTimeout = 0

	return cfg
}

func snapshot(marker uint64, power float64) *metrics.Snapshot {
	return &metrics.Snapshot{
		Timestamp: time.UnixMilli(1_700_000_000_000 + int64(marker)),
		Marker:    marker,
		Record: telemetry.Record{
			PowerMW:  power,
			CPUTempC: 41.2,
			GPUTempC: math.NaN(),
			SoCTempC: 38,
			Mode:     telemetry.ModeNormal,
		},
	}
}

func countRows(t *testing.T, path string) int {
	t.Helper()

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM telemetry").Scan(&n))

	return n
}

func TestConfigValidate(t *testing.T) {
	cfg := metrics.DefaultConfig()
	require.NoError(t, cfg.Validate(), "disabled config is always valid")

	cfg.Enabled = true
	cfg.DBPath = ""
	assert.True(t, errors.HasCode(cfg.Validate(), metrics.ErrInvalidDBPath))

	cfg.DBPath = "/tmp/history.db"
	cfg.BatchSize = 0
	assert.True(t, errors.HasCode(cfg.Validate(), metrics.ErrInvalidConfig))
}

func TestDisabledServiceIsNoop(t *testing.T) {
	rec, err := metrics.NewService(metrics.DefaultConfig(), logger.Get())
	require.NoError(t, err)

	require.NoError(t, rec.Record(context.Background(), snapshot(1, 1000)))
	require.NoError(t, rec.Flush())
	require.NoError(t, rec.Close())
}

func TestRepositoryBatchesAndStores(t *testing.T) {
	cfg := testConfig(t)

	repo, err := metrics.NewRepository(cfg, logger.Get())
	require.NoError(t, err)

	require.NoError(t, repo.Record(snapshot(1, 4200.5)))
	assert.Equal(t, 0, countRows(t, cfg.DBPath), "below batch size nothing is written")

	require.NoError(t, repo.Record(snapshot(2, 5300)))
	assert.Equal(t, 2, countRows(t, cfg.DBPath))

	require.NoError(t, repo.Record(snapshot(3, 4800)))
	require.NoError(t, repo.Flush())

	recent, err := repo.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.EqualValues(t, 3, recent[0].Marker, "newest first")
	assert.InDelta(t, 4800.0, recent[0].Record.PowerMW, 0)
	assert.InDelta(t, 41.2, recent[0].Record.CPUTempC, 1e-9)
	assert.True(t, math.IsNaN(recent[0].Record.GPUTempC), "NaN survives as NULL")
	assert.Equal(t, snapshot(3, 0).Timestamp.UnixMilli(), recent[0].Timestamp.UnixMilli())

	require.NoError(t, repo.Close())
	require.NoError(t, repo.Close())

	err = repo.Record(snapshot(4, 1))
	assert.True(t, errors.HasCode(err, metrics.ErrStorageClosed))

	recent, err = metrics.ReadRecent(cfg.DBPath, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.EqualValues(t, 3, recent[0].Marker)
}

func TestCloseFlushesBuffer(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 100

	rec, err := metrics.NewService(cfg, logger.Get())
	require.NoError(t, err)

	require.NoError(t, rec.Record(context.Background(), snapshot(1, 1000)))
	require.NoError(t, rec.Close())

	assert.Equal(t, 1, countRows(t, cfg.DBPath))
}

func TestPeriodicFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 100
	cfg.BatchTimeout = 20 * time.Millisecond

	repo, err := metrics.NewRepository(cfg, logger.Get())
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, repo.Record(snapshot(1, 1000)))

	assert.Eventually(t, func() bool {
		recent, err := repo.Recent(1)
		return err == nil && len(recent) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServiceRejects(t *testing.T) {
	rec, err := metrics.NewService(testConfig(t), logger.Get())
	require.NoError(t, err)
	defer rec.Close()

	err = rec.Record(context.Background(), nil)
	assert.True(t, errors.HasCode(err, metrics.ErrInvalidSnapshot))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = rec.Record(ctx, snapshot(1, 1))
	assert.True(t, errors.HasCode(err, metrics.ErrOperationTimeout))
}

func TestSchemaMismatchBacksUp(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755))

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE telemetry (legacy INTEGER);
		CREATE TABLE schema_versions (version INTEGER PRIMARY KEY);
		PRAGMA user_version = 99;`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	repo, err := metrics.NewRepository(cfg, logger.Get())
	require.NoError(t, err)
	defer repo.Close()

	backups, err := filepath.Glob(filepath.Join(filepath.Dir(cfg.DBPath), "backups", "history_v99_*.db"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	require.NoError(t, repo.Record(snapshot(1, 1)))
	require.NoError(t, repo.Flush())
	recent, err := repo.Recent(5)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestReopenKeepsHistory(t *testing.T) {
	cfg := testConfig(t)

	repo, err := metrics.NewRepository(cfg, logger.Get())
	require.NoError(t, err)
	require.NoError(t, repo.Record(snapshot(1, 1)))
	require.NoError(t, repo.Close())

	repo, err = metrics.NewRepository(cfg, logger.Get())
	require.NoError(t, err)
	defer repo.Close()

	recent, err := repo.Recent(5)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	backups, err := filepath.Glob(filepath.Join(filepath.Dir(cfg.DBPath), "backups", "*.db"))
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestReadRecentMissing(t *testing.T) {
	_, err := metrics.ReadRecent(filepath.Join(t.TempDir(), "absent.db"), 5)
	assert.True(t, errors.HasCode(err, metrics.ErrInvalidDBPath))
}
