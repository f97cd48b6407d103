package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strata/config"
)

// testStorageConfig returns a file-backed config in a fresh temp dir with the
// background sweep off and no cache TTL, so tests start no stray goroutines
func testStorageConfig(t *testing.T) config.StorageConfig {
	t.Helper()
	cfg := config.DefaultStorageConfig()
	cfg.StorePath = filepath.Join(t.TempDir(), "strata.db")
	cfg.PoolSize = 2
	cfg.MaxConnections = 4
	cfg.HealthCheckInterval = 0
	cfg.QueryCacheTTL = 0
	cfg.ConnectionTimeout = 0
	return cfg
}

func newTestPool(t *testing.T, cfg config.StorageConfig) *Pool {
	t.Helper()
	target, err := resolveStore(cfg.StorePath)
	require.NoError(t, err)

	pool, err := newPool(context.Background(), PoolConfig{
		PoolSize:            cfg.PoolSize,
		MaxConnections:      cfg.MaxConnections,
		ConnectionTimeout:   cfg.ConnectionTimeout,
		HealthCheckInterval: cfg.HealthCheckInterval,
	}, target, newConnectionSettings(cfg), zap.NewNop().Sugar())
	require.NoError(t, err)

	t.Cleanup(func() { _ = pool.CloseAll() })
	return pool
}

func openTestManager(t *testing.T, cfg config.StorageConfig, migrations ...Migration) *Manager {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m, err := Open(ctx, cfg, zap.NewNop().Sugar(), migrations...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

var itemsMigration = Migration{
	Version:     1,
	Description: "create items",
	Up: `CREATE TABLE items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		score REAL,
		payload BLOB,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME
	);`,
	Down: `DROP TABLE items;`,
}

// countRows runs a parameterized COUNT so the result cache is bypassed
func countRows(t *testing.T, m *Manager, table string) int64 {
	t.Helper()
	res, err := m.ExecuteQuery(context.Background(), "SELECT COUNT(*) AS n FROM "+table+" WHERE ? = 1", []any{1}, FetchOne)
	require.NoError(t, err)
	row, ok := res.First()
	require.True(t, ok)
	n, err := row.Int64("n")
	require.NoError(t, err)
	return n
}
