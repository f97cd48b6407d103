package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"strata/config"
	"strata/util/goroutine"
)

// Manager is the single entry point to one store. It owns the connection
// pool, the migrations and the result cache, and records metrics for every
// statement it executes.
//
// A Manager must be initialized before use; every operation returns
// ErrNotInitialized until Initialize has succeeded.
type Manager struct {
	cfg      config.StorageConfig
	logger   *zap.SugaredLogger
	settings connectionSettings
	migrator *Migrator
	cache    *resultCache // nil when the query cache is disabled
	history  *metricsRing

	initMu      sync.Mutex
	initialized atomic.Bool
	closed      atomic.Bool
	pool        *Pool
	target      storeTarget

	loops     *goroutine.Group
	stopLoops chan struct{}
	closeOnce sync.Once
}

// NewManager validates the configuration and registers migrations. It does
// not touch the store; call Initialize for that.
func NewManager(cfg config.StorageConfig, logger *zap.SugaredLogger, migrations ...Migration) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	if err := cfg.Validate(); err != nil {
		return nil, &InitError{Stage: InitStageConfig, Err: err}
	}

	migrator := NewMigrator(logger)
	if err := migrator.Register(migrations...); err != nil {
		return nil, &InitError{Stage: InitStageConfig, Err: err}
	}

	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		settings:  newConnectionSettings(cfg),
		migrator:  migrator,
		history:   newMetricsRing(cfg.MetricsHistorySize),
		loops:     goroutine.NewGroup(logger),
		stopLoops: make(chan struct{}),
	}
	if cfg.EnableQueryCache {
		m.cache = newResultCache(cfg.QueryCacheSize, cfg.QueryCacheTTL)
	}
	return m, nil
}

// Open creates a manager and initializes it
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.SugaredLogger, migrations ...Migration) (*Manager, error) {
	m, err := NewManager(cfg, logger, migrations...)
	if err != nil {
		return nil, err
	}
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Initialize prepares the store, pre-warms the pool and applies pending
// migrations. Nothing is served until every migration has committed.
// On failure all resources opened so far are released and the manager stays
// unusable. Calling it again after success is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	if m.closed.Load() {
		return ErrManagerClosed
	}
	if m.initialized.Load() {
		return nil
	}

	start := time.Now()

	target, err := resolveStore(m.cfg.StorePath)
	if err != nil {
		return &InitError{Stage: InitStageStore, Err: err}
	}

	pool, err := newPool(ctx, PoolConfig{
		PoolSize:            m.cfg.PoolSize,
		MaxConnections:      m.cfg.MaxConnections,
		ConnectionTimeout:   m.cfg.ConnectionTimeout,
		HealthCheckInterval: m.cfg.HealthCheckInterval,
	}, target, m.settings, m.logger)
	if err != nil {
		return &InitError{Stage: InitStagePool, Err: err}
	}

	m.migrator.use(pool)
	applied, err := m.migrator.RunPending(ctx)
	if err != nil {
		m.migrator.use(nil)
		_ = pool.CloseAll()
		return &InitError{Stage: InitStageMigrate, Err: err}
	}

	m.pool = pool
	m.target = target
	m.initialized.Store(true)

	m.logger.Infow("Storage manager initialized",
		"store", target.display(),
		"durability", m.cfg.DurabilityMode,
		"migrations_applied", applied,
		"schema_version", m.migrator.LatestVersion(),
		"query_cache", m.cache != nil,
		"duration", time.Since(start))
	return nil
}

// ready gates every operation on a successful Initialize
func (m *Manager) ready() error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	return nil
}

// Migrator exposes the migration engine for operator tooling
func (m *Manager) Migrator() *Migrator {
	return m.migrator
}

// Config returns the configuration the manager was built with
func (m *Manager) Config() config.StorageConfig {
	return m.cfg
}

// QueryMetrics returns a copy of the recorded metrics, oldest first
func (m *Manager) QueryMetrics() []QueryMetrics {
	return m.history.snapshot()
}

// ManagerStats is a point-in-time view of a manager and its store
type ManagerStats struct {
	StorePath       string     `json:"store_path" yaml:"store_path"`
	Durability      string     `json:"durability" yaml:"durability"`
	SchemaVersion   int        `json:"schema_version" yaml:"schema_version"`
	LatestVersion   int        `json:"latest_version" yaml:"latest_version"`
	Pool            PoolStats  `json:"pool" yaml:"pool"`
	Cache           CacheStats `json:"cache" yaml:"cache"`
	SizeBytes       int64      `json:"size_bytes" yaml:"size_bytes"`
	WALBytes        int64      `json:"wal_bytes" yaml:"wal_bytes"`
	MetricsRecorded int        `json:"metrics_recorded" yaml:"metrics_recorded"`
}

// Close releases every connection, drops the cache and stops background
// loops. Calling it again is a no-op.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.initMu.Lock()
		defer m.initMu.Unlock()

		m.closed.Store(true)
		close(m.stopLoops)
		m.loops.Wait()

		if m.pool != nil {
			if closeErr := m.pool.CloseAll(); closeErr != nil {
				err = fmt.Errorf("failed to close connection pool: %w", closeErr)
			}
		}
		if m.cache != nil {
			m.cache.purge()
		}

		m.logger.Infow("Storage manager closed", "store", m.target.display())
	})
	return err
}

// StartMetricsCollection pushes pool gauges to Prometheus every interval until
// ctx is done or the manager is closed
func (m *Manager) StartMetricsCollection(ctx context.Context, interval time.Duration) error {
	if err := m.ready(); err != nil {
		return err
	}
	if interval <= 0 {
		return errors.New("metrics interval must be positive")
	}

	m.updatePoolMetrics()
	m.loops.Go("storage-metrics-collection", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("Storage metrics collection stopped")
				return
			case <-m.stopLoops:
				return
			case <-ticker.C:
				m.updatePoolMetrics()
			}
		}
	})

	m.logger.Infof("Storage metrics collection started (interval: %v)", interval)
	return nil
}

// StartMaintenance runs Optimize every interval until ctx is done or the
// manager is closed. Failures are logged and the loop keeps going.
func (m *Manager) StartMaintenance(ctx context.Context, interval time.Duration) error {
	if err := m.ready(); err != nil {
		return err
	}
	if interval <= 0 {
		return errors.New("maintenance interval must be positive")
	}

	m.loops.Go("storage-maintenance", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("Storage maintenance stopped")
				return
			case <-m.stopLoops:
				return
			case <-ticker.C:
				if err := m.Optimize(ctx); err != nil && !errors.Is(err, ErrManagerClosed) {
					m.logger.Warnw("Scheduled optimize failed", "error", err)
				}
			}
		}
	})

	m.logger.Infof("Storage maintenance scheduled (interval: %v)", interval)
	return nil
}
