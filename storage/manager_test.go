package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strata/config"
	"strata/metrics"
	"strata/util/goroutine"
)

func TestManager_OperationsRequireInitialize(t *testing.T) {
	m, err := NewManager(testStorageConfig(t), zap.NewNop().Sugar(), itemsMigration)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.ExecuteQuery(ctx, "SELECT 1", nil, FetchAll)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, m.ExecuteTransaction(ctx, []Operation{{Statement: "SELECT 1"}}), ErrNotInitialized)
	assert.ErrorIs(t, m.Optimize(ctx), ErrNotInitialized)
	_, err = m.Stats(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Initialize(ctx), "second Initialize is a no-op")

	_, err = m.ExecuteQuery(ctx, "SELECT 1", nil, FetchAll)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	_, err = m.ExecuteQuery(ctx, "SELECT 1", nil, FetchAll)
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.ErrorIs(t, m.Initialize(ctx), ErrManagerClosed)
}

func TestNewManager_RejectsInvalidInput(t *testing.T) {
	cfg := testStorageConfig(t)
	cfg.PoolSize = cfg.MaxConnections + 1
	_, err := NewManager(cfg, nil)
	var initErr *InitError
	require.True(t, errors.As(err, &initErr))
	assert.Equal(t, InitStageConfig, initErr.Stage)

	_, err = NewManager(testStorageConfig(t), nil,
		Migration{Version: 1, Up: "SELECT 1"},
		Migration{Version: 1, Up: "SELECT 2"},
	)
	assert.ErrorIs(t, err, ErrDuplicateMigrationVersion)
}

func TestManager_InitializeFailures(t *testing.T) {
	t.Run("invalid store path", func(t *testing.T) {
		cfg := testStorageConfig(t)
		cfg.StorePath = "../outside/strata.db"

		_, err := Open(context.Background(), cfg, nil)
		var initErr *InitError
		require.True(t, errors.As(err, &initErr))
		assert.Equal(t, InitStageStore, initErr.Stage)
		assert.ErrorIs(t, err, ErrInvalidStorePath)
	})

	t.Run("failing migration", func(t *testing.T) {
		goroutine.AssertNoLeaks(t)
		cfg := testStorageConfig(t)
		bad := Migration{Version: 2, Description: "bad", Up: "ALTER TABLE missing ADD COLUMN x TEXT;"}

		m, err := NewManager(cfg, nil, itemsMigration, bad)
		require.NoError(t, err)

		err = m.Initialize(context.Background())
		var initErr *InitError
		require.True(t, errors.As(err, &initErr))
		assert.Equal(t, InitStageMigrate, initErr.Stage)
		var failed *MigrationFailedError
		require.True(t, errors.As(err, &failed))
		assert.Equal(t, 2, failed.Version)

		_, err = m.ExecuteQuery(context.Background(), "SELECT 1", nil, FetchAll)
		assert.ErrorIs(t, err, ErrNotInitialized)
		require.NoError(t, m.Close())

		// The good migration committed, the bad one left nothing behind
		reopened := openTestManager(t, cfg, itemsMigration)
		stats, err := reopened.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.SchemaVersion)
		require.NoError(t, reopened.Close())
	})
}

func TestManager_ReinitializeAppliesNothing(t *testing.T) {
	cfg := testStorageConfig(t)
	// Not idempotent on purpose: running it twice would fail
	seed := Migration{Version: 2, Description: "seed", Up: "INSERT INTO items (name) VALUES ('seeded');"}

	first := openTestManager(t, cfg, itemsMigration, seed)
	require.NoError(t, first.Close())

	before := testutil.ToFloat64(metrics.MigrationsApplied)
	second := openTestManager(t, cfg, itemsMigration, seed)

	assert.Equal(t, before, testutil.ToFloat64(metrics.MigrationsApplied))
	assert.Equal(t, int64(1), countRows(t, second, "items"))

	pending, err := second.Migrator().Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestManager_MigrationUpgradeAddsColumn(t *testing.T) {
	cfg := testStorageConfig(t)
	v1 := Migration{Version: 1, Description: "create t", Up: "CREATE TABLE t (id INTEGER PRIMARY KEY);"}
	v2 := Migration{Version: 2, Description: "add x", Up: "ALTER TABLE t ADD COLUMN x TEXT;"}
	ctx := context.Background()

	m := openTestManager(t, cfg, v1)
	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SchemaVersion)
	require.NoError(t, m.Close())

	m = openTestManager(t, cfg, v1, v2)
	stats, err = m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.SchemaVersion)

	res, err := m.ExecuteQuery(ctx, "SELECT name FROM pragma_table_info('t') WHERE name = ?", []any{"x"}, FetchAll)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
}

func TestManager_ParameterizedRoundTrip(t *testing.T) {
	m := openTestManager(t, testStorageConfig(t), itemsMigration)
	ctx := context.Background()
	created := time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)

	res, err := m.ExecuteQuery(ctx,
		"INSERT INTO items (name, score, payload, active, created_at) VALUES (?, ?, ?, ?, ?)",
		[]any{"alpha", 9.5, []byte{0x01, 0x02}, false, created}, FetchNone)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)
	assert.Equal(t, int64(1), res.LastInsertID)

	res, err = m.ExecuteQuery(ctx, "SELECT id, name, score, payload, active, created_at FROM items WHERE name = ?", []any{"alpha"}, FetchOne)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "id", res.Columns[0].Name)

	row := res.Rows[0]
	name, err := row.String("name")
	require.NoError(t, err)
	assert.Equal(t, "alpha", name)

	score, err := row.Float64("score")
	require.NoError(t, err)
	assert.InDelta(t, 9.5, score, 1e-9)

	payload, err := row.Bytes("payload")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, payload)

	active, err := row.Bool("active")
	require.NoError(t, err)
	assert.False(t, active)

	at, err := row.Time("created_at")
	require.NoError(t, err)
	assert.True(t, created.Equal(at), "got %v", at)
}

func TestManager_FetchModes(t *testing.T) {
	cfg := testStorageConfig(t)
	cfg.FetchBatchSize = 2
	m := openTestManager(t, cfg, itemsMigration)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.ExecuteQuery(ctx, "INSERT INTO items (name) VALUES (?)", []any{fmt.Sprintf("item-%d", i)}, FetchNone)
		require.NoError(t, err)
	}

	all, err := m.ExecuteQuery(ctx, "SELECT name FROM items ORDER BY id", nil, FetchAll)
	require.NoError(t, err)
	assert.Len(t, all.Rows, 5)
	assert.Equal(t, int64(5), all.RowsAffected)

	one, err := m.ExecuteQuery(ctx, "SELECT name FROM items ORDER BY id", nil, FetchOne)
	require.NoError(t, err)
	require.Len(t, one.Rows, 1)
	first, _ := one.Rows[0].String("name")
	assert.Equal(t, "item-0", first)

	many, err := m.ExecuteQuery(ctx, "SELECT name FROM items ORDER BY id", nil, FetchMany)
	require.NoError(t, err)
	assert.Len(t, many.Rows, 2)

	none, err := m.ExecuteQuery(ctx, "UPDATE items SET score = 1", nil, FetchNone)
	require.NoError(t, err)
	assert.Equal(t, int64(5), none.RowsAffected)
	assert.Empty(t, none.Rows)
}

func TestManager_CachesOnlyParameterlessReads(t *testing.T) {
	m := openTestManager(t, testStorageConfig(t), itemsMigration)
	ctx := context.Background()

	_, err := m.ExecuteQuery(ctx, "INSERT INTO items (name) VALUES ('a')", nil, FetchNone)
	require.NoError(t, err)

	const countAll = "SELECT COUNT(*) AS n FROM items"
	for i := 0; i < 3; i++ {
		_, err := m.ExecuteQuery(ctx, countAll, nil, FetchOne)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := m.ExecuteQuery(ctx, "SELECT COUNT(*) AS n FROM items WHERE name = ?", []any{"a"}, FetchOne)
		require.NoError(t, err)
	}

	history := m.QueryMetrics()
	hits := 0
	for _, rec := range history {
		if rec.CacheHit {
			hits++
			assert.Equal(t, Fingerprint(countAll), rec.Fingerprint)
		}
	}
	assert.Equal(t, 2, hits)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Cache.Enabled)
	assert.Equal(t, int64(2), stats.Cache.Hits)
	assert.Equal(t, 1, stats.Cache.Size)
}

func TestManager_WritesPurgeCache(t *testing.T) {
	m := openTestManager(t, testStorageConfig(t), itemsMigration)
	ctx := context.Background()
	const countAll = "SELECT COUNT(*) AS n FROM items"

	count := func() int64 {
		res, err := m.ExecuteQuery(ctx, countAll, nil, FetchOne)
		require.NoError(t, err)
		n, err := res.Rows[0].Int64("n")
		require.NoError(t, err)
		return n
	}

	assert.Equal(t, int64(0), count())
	_, err := m.ExecuteQuery(ctx, "INSERT INTO items (name) VALUES (?)", []any{"a"}, FetchNone)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count())

	require.NoError(t, m.ExecuteTransaction(ctx, []Operation{
		{Statement: "INSERT INTO items (name) VALUES (?)", Params: []any{"b"}},
	}))
	assert.Equal(t, int64(2), count())
}

func TestManager_CachedResultsAreCopies(t *testing.T) {
	m := openTestManager(t, testStorageConfig(t), itemsMigration)
	ctx := context.Background()
	_, err := m.ExecuteQuery(ctx, "INSERT INTO items (name, payload) VALUES ('a', X'0102')", nil, FetchNone)
	require.NoError(t, err)

	first, err := m.ExecuteQuery(ctx, "SELECT payload FROM items", nil, FetchAll)
	require.NoError(t, err)
	raw, _ := first.Rows[0].Value("payload")
	raw.([]byte)[0] = 0xFF
	first.Rows = nil

	second, err := m.ExecuteQuery(ctx, "SELECT payload FROM items", nil, FetchAll)
	require.NoError(t, err)
	require.Len(t, second.Rows, 1)
	payload, err := second.Rows[0].Bytes("payload")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, payload)
}

func TestManager_CacheDisabled(t *testing.T) {
	cfg := testStorageConfig(t)
	cfg.EnableQueryCache = false
	m := openTestManager(t, cfg, itemsMigration)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := m.ExecuteQuery(ctx, "SELECT COUNT(*) FROM items", nil, FetchAll)
		require.NoError(t, err)
	}
	for _, rec := range m.QueryMetrics() {
		assert.False(t, rec.CacheHit)
	}
	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.False(t, stats.Cache.Enabled)
}

func TestManager_QueryErrorIsRecorded(t *testing.T) {
	m := openTestManager(t, testStorageConfig(t), itemsMigration)
	const bad = "SELECT nope FROM items"

	_, err := m.ExecuteQuery(context.Background(), bad, nil, FetchAll)
	var qErr *QueryError
	require.True(t, errors.As(err, &qErr))
	assert.Equal(t, Fingerprint(bad), qErr.Fingerprint)
	assert.Equal(t, bad, qErr.Statement)

	history := m.QueryMetrics()
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.False(t, last.Success)
	assert.NotEmpty(t, last.Error)
	assert.Equal(t, qErr.Fingerprint, last.Fingerprint)

	// The connection went back to the pool
	assert.Equal(t, 0, m.pool.Stats().Active)
}

func TestManager_QueryTimeout(t *testing.T) {
	cfg := testStorageConfig(t)
	cfg.QueryTimeout = 50 * time.Millisecond
	m := openTestManager(t, cfg, itemsMigration)

	slow := `WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c) SELECT COUNT(*) FROM c`
	_, err := m.ExecuteQuery(context.Background(), slow, []any{}, FetchAll)
	require.Error(t, err)
	var qErr *QueryError
	assert.True(t, errors.As(err, &qErr))
	assert.Equal(t, 0, m.pool.Stats().Active)
}

func TestManager_TransactionRollsBackOnFailure(t *testing.T) {
	m := openTestManager(t, testStorageConfig(t), itemsMigration)
	ctx := context.Background()

	err := m.ExecuteTransaction(ctx, []Operation{
		{Statement: "INSERT INTO items (name) VALUES (?)", Params: []any{"first"}},
		{Statement: "INSERT INTO items (name) VALUES (?)", Params: []any{"second"}},
		{Statement: "INSERT INTO items (name) VALUES (?)", Params: []any{"first"}}, // UNIQUE violation
	})
	var txErr *TxError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, 2, txErr.Index)
	assert.Contains(t, txErr.Statement, "INSERT INTO items")

	assert.Equal(t, int64(0), countRows(t, m, "items"), "nothing from the failed transaction may persist")
	assert.Equal(t, 0, m.pool.Stats().Active)

	history := m.QueryMetrics()
	last := history[len(history)-2] // countRows ran after the transaction
	assert.Equal(t, "transaction", last.Mode)
	assert.False(t, last.Success)
}

func TestManager_TransactionCommits(t *testing.T) {
	m := openTestManager(t, testStorageConfig(t), itemsMigration)
	ctx := context.Background()

	require.NoError(t, m.ExecuteTransaction(ctx, []Operation{
		{Statement: "INSERT INTO items (name) VALUES (?)", Params: []any{"a"}},
		{Statement: "INSERT INTO items (name) VALUES (?)", Params: []any{"b"}},
		{Statement: "UPDATE items SET score = ? WHERE name = ?", Params: []any{3.5, "b"}},
	}))
	assert.Equal(t, int64(2), countRows(t, m, "items"))

	history := m.QueryMetrics()
	tx := history[len(history)-2]
	assert.True(t, tx.Success)
	assert.Equal(t, int64(3), tx.RowsAffected)

	require.NoError(t, m.ExecuteTransaction(ctx, nil))
}

func TestManager_PoolExhaustionSurfaces(t *testing.T) {
	cfg := testStorageConfig(t)
	cfg.PoolSize = 2
	cfg.MaxConnections = 2
	m := openTestManager(t, cfg, itemsMigration)
	ctx := context.Background()

	a, err := m.pool.Get(ctx)
	require.NoError(t, err)
	b, err := m.pool.Get(ctx)
	require.NoError(t, err)

	_, err = m.ExecuteQuery(ctx, "SELECT COUNT(*) FROM items WHERE ? = 1", []any{1}, FetchAll)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.ErrorIs(t, m.ExecuteTransaction(ctx, []Operation{{Statement: "SELECT 1"}}), ErrPoolExhausted)

	m.pool.Put(a)
	m.pool.Put(b)
	_, err = m.ExecuteQuery(ctx, "SELECT COUNT(*) FROM items WHERE ? = 1", []any{1}, FetchAll)
	assert.NoError(t, err)
}

func TestManager_ReplacesExternallyClosedConnection(t *testing.T) {
	cfg := testStorageConfig(t)
	cfg.PoolSize = 1
	cfg.MaxConnections = 1
	m := openTestManager(t, cfg, itemsMigration)

	broken := <-m.pool.idle
	require.NoError(t, broken.db.Close())
	m.pool.idle <- broken

	_, err := m.ExecuteQuery(context.Background(), "INSERT INTO items (name) VALUES (?)", []any{"after"}, FetchNone)
	require.NoError(t, err)
	assert.Equal(t, int64(1), countRows(t, m, "items"))

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pool.Evicted)
	assert.Equal(t, 1, stats.Pool.Total)
}

func TestManager_ConcurrentWriters(t *testing.T) {
	cfg := testStorageConfig(t)
	cfg.PoolSize = 2
	cfg.MaxConnections = 4
	cfg.ConnectionTimeout = 10 * time.Second
	m := openTestManager(t, cfg, itemsMigration)
	ctx := context.Background()

	const workers, perWorker = 8, 15
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				name := fmt.Sprintf("w%d-%d", w, i)
				if i%3 == 0 {
					errs <- m.ExecuteTransaction(ctx, []Operation{
						{Statement: "INSERT INTO items (name) VALUES (?)", Params: []any{name}},
					})
					continue
				}
				_, err := m.ExecuteQuery(ctx, "INSERT INTO items (name) VALUES (?)", []any{name}, FetchNone)
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(workers*perWorker), countRows(t, m, "items"))

	stats := m.pool.Stats()
	assert.LessOrEqual(t, stats.Total, cfg.MaxConnections)
	assert.Equal(t, 0, stats.Active)
}

func TestManager_QueryMetricsRingIsBounded(t *testing.T) {
	cfg := testStorageConfig(t)
	cfg.MetricsHistorySize = 3
	cfg.EnableQueryCache = false
	m := openTestManager(t, cfg, itemsMigration)

	var statements []string
	for i := 0; i < 5; i++ {
		s := fmt.Sprintf("SELECT %d", i)
		statements = append(statements, s)
		_, err := m.ExecuteQuery(context.Background(), s, nil, FetchAll)
		require.NoError(t, err)
	}

	history := m.QueryMetrics()
	require.Len(t, history, 3)
	for i, rec := range history {
		assert.Equal(t, Fingerprint(statements[i+2]), rec.Fingerprint)
		assert.True(t, rec.Success)
		assert.Equal(t, "all", rec.Mode)
	}

	// Snapshots are copies
	history[0].Fingerprint = "mutated"
	assert.NotEqual(t, "mutated", m.QueryMetrics()[0].Fingerprint)
}

func TestManager_OptimizeAndStats(t *testing.T) {
	m := openTestManager(t, testStorageConfig(t), itemsMigration)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := m.ExecuteQuery(ctx, "INSERT INTO items (name, payload) VALUES (?, randomblob(512))", []any{fmt.Sprintf("n%d", i)}, FetchNone)
		require.NoError(t, err)
	}
	_, err := m.ExecuteQuery(ctx, "DELETE FROM items WHERE id % 2 = 0", nil, FetchNone)
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.MaintenanceRuns.WithLabelValues("success"))
	require.NoError(t, m.Optimize(ctx))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.MaintenanceRuns.WithLabelValues("success")))

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SchemaVersion)
	assert.Equal(t, 1, stats.LatestVersion)
	assert.Positive(t, stats.SizeBytes)
	assert.Equal(t, m.cfg.StorePath, stats.StorePath)
	assert.Equal(t, "normal", stats.Durability)
	assert.Equal(t, 51, stats.MetricsRecorded)
}

func TestManager_MemoryStore(t *testing.T) {
	cfg := testStorageConfig(t)
	cfg.StorePath = config.MemoryStorePath
	cfg.PoolSize = 1
	cfg.MaxConnections = 2
	m := openTestManager(t, cfg, itemsMigration)
	ctx := context.Background()

	_, err := m.ExecuteQuery(ctx, "INSERT INTO items (name) VALUES (?)", []any{"mem"}, FetchNone)
	require.NoError(t, err)
	assert.Equal(t, int64(1), countRows(t, m, "items"))

	require.NoError(t, m.Optimize(ctx))
	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.MemoryStorePath, stats.StorePath)
	assert.Zero(t, stats.WALBytes)
}

func TestManager_BackgroundLoopsStopOnClose(t *testing.T) {
	goroutine.AssertNoLeaks(t)

	cfg := testStorageConfig(t)
	cfg.HealthCheckInterval = 20 * time.Millisecond
	m, err := Open(context.Background(), cfg, zap.NewNop().Sugar(), itemsMigration)
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.MaintenanceRuns.WithLabelValues("success"))
	require.NoError(t, m.StartMetricsCollection(context.Background(), 10*time.Millisecond))
	require.NoError(t, m.StartMaintenance(context.Background(), 10*time.Millisecond))
	assert.Error(t, m.StartMaintenance(context.Background(), 0))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.MaintenanceRuns.WithLabelValues("success")) > before
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(cfg.PoolSize), testutil.ToFloat64(metrics.PoolConnections.WithLabelValues("total")))

	require.NoError(t, m.Close())
}

type itemRecord struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	Score     *float64  `db:"score"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

func TestDecode(t *testing.T) {
	m := openTestManager(t, testStorageConfig(t), itemsMigration)
	ctx := context.Background()
	created := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, m.ExecuteTransaction(ctx, []Operation{
		{Statement: "INSERT INTO items (name, score, active, created_at) VALUES (?, ?, ?, ?)", Params: []any{"a", 1.5, true, created}},
		{Statement: "INSERT INTO items (name, active, created_at) VALUES (?, ?, ?)", Params: []any{"b", false, created}},
	}))

	res, err := m.ExecuteQuery(ctx, "SELECT id, name, score, active, created_at FROM items ORDER BY id", nil, FetchAll)
	require.NoError(t, err)

	items, err := Decode[itemRecord](res)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "a", items[0].Name)
	require.NotNil(t, items[0].Score)
	assert.InDelta(t, 1.5, *items[0].Score, 1e-9)
	assert.True(t, items[0].Active)
	assert.True(t, created.Equal(items[0].CreatedAt))

	assert.Equal(t, "b", items[1].Name)
	assert.Nil(t, items[1].Score)
	assert.False(t, items[1].Active)
}

func TestManager_CancelledContextLeavesPoolIntact(t *testing.T) {
	m := openTestManager(t, testStorageConfig(t), itemsMigration)
	before := m.pool.Stats()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.ExecuteQuery(ctx, "SELECT COUNT(*) AS n FROM items WHERE name = ?", []any{"a"}, FetchOne)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	ctx, cancel = context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err = m.ExecuteQuery(ctx, "SELECT COUNT(*) AS n FROM items", nil, FetchOne)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	after := m.pool.Stats()
	assert.Equal(t, int64(0), after.Evicted)
	assert.Equal(t, before.Idle, after.Idle)
	assert.Equal(t, before.Total, after.Total)

	_, err = m.ExecuteQuery(context.Background(), "SELECT COUNT(*) AS n FROM items", nil, FetchOne)
	require.NoError(t, err)
}

func TestManager_WriteInsideWithClauseIsNotCached(t *testing.T) {
	m := openTestManager(t, testStorageConfig(t), itemsMigration)
	ctx := context.Background()

	insert := `WITH v(n) AS (VALUES('x'))
		INSERT INTO items (name) SELECT n || (SELECT COUNT(*) FROM items) FROM v RETURNING id`
	for i := 0; i < 2; i++ {
		res, err := m.ExecuteQuery(ctx, insert, nil, FetchAll)
		require.NoError(t, err)
		require.Len(t, res.Rows, 1)
	}
	assert.Equal(t, int64(2), countRows(t, m, "items"))
}

func TestManager_SlowReadDoesNotCacheAcrossConcurrentWrite(t *testing.T) {
	m := openTestManager(t, testStorageConfig(t), itemsMigration)
	ctx := context.Background()

	slow := `WITH RECURSIVE spin(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM spin WHERE x < 1000000)
		SELECT (SELECT COUNT(*) FROM items) AS n, (SELECT COUNT(*) FROM spin) AS spun`

	done := make(chan error, 1)
	go func() {
		_, err := m.ExecuteQuery(ctx, slow, nil, FetchOne)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := m.ExecuteQuery(ctx, "INSERT INTO items (name) VALUES (?)", []any{"during"}, FetchNone)
	require.NoError(t, err)
	require.NoError(t, <-done)

	res, err := m.ExecuteQuery(ctx, slow, nil, FetchOne)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	n, err := res.Rows[0].Int64("n")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
