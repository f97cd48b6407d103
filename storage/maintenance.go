package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"strata/config"
	"strata/metrics"
)

// Optimize refreshes planner statistics, reclaims free pages, rebuilds
// indexes and truncates the write-ahead log. It is never run implicitly.
func (m *Manager) Optimize(ctx context.Context) error {
	if err := m.ready(); err != nil {
		return err
	}

	start := time.Now()
	conn, err := m.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer m.pool.Put(conn)

	steps := []string{"ANALYZE", "PRAGMA optimize"}
	if m.cfg.AutoReclaimSpace && !m.target.memory {
		steps = append(steps, "PRAGMA incremental_vacuum")
	}
	steps = append(steps, "REINDEX")
	if !m.target.memory && m.cfg.DurabilityMode != config.DurabilityOff {
		steps = append(steps, "PRAGMA wal_checkpoint(TRUNCATE)")
	}

	for _, step := range steps {
		conn.MarkUsed()
		if _, err := conn.db.ExecContext(ctx, step); err != nil {
			metrics.MaintenanceRuns.WithLabelValues("error").Inc()
			return fmt.Errorf("optimize step %q failed: %w", step, err)
		}
	}

	metrics.MaintenanceRuns.WithLabelValues("success").Inc()
	m.logger.Infow("Store optimized", "steps", len(steps), "duration", time.Since(start))
	return nil
}

// Stats returns pool, cache, schema and size information. The pool snapshot
// is taken before Stats borrows its own connection.
func (m *Manager) Stats(ctx context.Context) (ManagerStats, error) {
	if err := m.ready(); err != nil {
		return ManagerStats{}, err
	}

	stats := ManagerStats{
		StorePath:       m.target.display(),
		Durability:      string(m.cfg.DurabilityMode),
		LatestVersion:   m.migrator.LatestVersion(),
		Pool:            m.pool.Stats(),
		Cache:           m.cache.stats(),
		MetricsRecorded: m.history.len(),
	}

	conn, err := m.pool.Get(ctx)
	if err != nil {
		return stats, err
	}
	defer m.pool.Put(conn)

	if stats.SchemaVersion, err = readSchemaVersion(ctx, conn.db); err != nil {
		return stats, err
	}

	var pageCount, pageSize int64
	if err := conn.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return stats, fmt.Errorf("failed to read page count: %w", err)
	}
	if err := conn.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return stats, fmt.Errorf("failed to read page size: %w", err)
	}
	stats.SizeBytes = pageCount * pageSize

	if wal := m.target.walPath(); wal != "" {
		if info, err := os.Stat(wal); err == nil {
			stats.WALBytes = info.Size()
		}
	}

	return stats, nil
}
