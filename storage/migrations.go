package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"strata/metrics"
)

const schemaVersionKey = "schema_version"

// Reserved bookkeeping tables. Everything else in the store belongs to migrations.
const bookkeepingSchema = `
CREATE TABLE IF NOT EXISTS strata_metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS strata_migrations (
	version INTEGER PRIMARY KEY,
	description TEXT NOT NULL,
	checksum TEXT NOT NULL,
	applied_at DATETIME NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	rolled_back_at DATETIME
);
`

// Migration is one versioned schema change. Up runs inside a transaction
// together with the version bump; Down is optional.
type Migration struct {
	Version     int    // Positive, unique; applied in ascending order
	Description string // Human-readable description
	Up          string // Forward SQL script, may hold several statements
	Down        string // Reverse SQL script, empty when the change cannot be undone
}

// Checksum is the SHA-256 of the forward script, recorded for drift detection
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.Up))
	return hex.EncodeToString(sum[:])
}

func (m Migration) validate() error {
	if m.Version <= 0 {
		return fmt.Errorf("%w: version must be positive, got %d", ErrInvalidMigration, m.Version)
	}
	if m.Up == "" {
		return fmt.Errorf("%w: migration %d has an empty forward script", ErrInvalidMigration, m.Version)
	}
	return nil
}

// MigrationRecord is a row of the strata_migrations history table
type MigrationRecord struct {
	Version      int        `json:"version" yaml:"version"`
	Description  string     `json:"description" yaml:"description"`
	Checksum     string     `json:"checksum" yaml:"checksum"`
	AppliedAt    time.Time  `json:"applied_at" yaml:"applied_at"`
	DurationMs   int64      `json:"duration_ms" yaml:"duration_ms"`
	RolledBackAt *time.Time `json:"rolled_back_at,omitempty" yaml:"rolled_back_at,omitempty"`
}

// MigrationStatus summarizes the schema state of a store
type MigrationStatus struct {
	CurrentVersion  int               `json:"current_version" yaml:"current_version"`
	LatestVersion   int               `json:"latest_version" yaml:"latest_version"`
	Registered      int               `json:"registered" yaml:"registered"`
	Pending         []int             `json:"pending" yaml:"pending"`
	History         []MigrationRecord `json:"history" yaml:"history"`
	IntegrityIssues []string          `json:"integrity_issues,omitempty" yaml:"integrity_issues,omitempty"`
}

// Migrator applies registered migrations through connections borrowed from a Pool.
// The persisted schema version is the only source of truth for what has run.
type Migrator struct {
	logger *zap.SugaredLogger
	pool   *Pool

	// mu serializes migration runs within the process. Across processes the
	// immediate transaction lock does the same.
	mu         sync.Mutex
	migrations []Migration
}

// NewMigrator creates a migrator with no migrations registered. It needs a pool
// before anything touching the store can run.
func NewMigrator(logger *zap.SugaredLogger) *Migrator {
	return &Migrator{logger: logger}
}

func (r *Migrator) use(pool *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pool = pool
}

// Register adds migrations, keeping them sorted by version. Nothing is
// registered if any migration is invalid or reuses a version.
func (r *Migrator) Register(migrations ...Migration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[int]struct{}, len(r.migrations)+len(migrations))
	for _, m := range r.migrations {
		seen[m.Version] = struct{}{}
	}
	for _, m := range migrations {
		if err := m.validate(); err != nil {
			return err
		}
		if _, dup := seen[m.Version]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateMigrationVersion, m.Version)
		}
		seen[m.Version] = struct{}{}
	}

	r.migrations = append(r.migrations, migrations...)
	sort.Slice(r.migrations, func(i, j int) bool {
		return r.migrations[i].Version < r.migrations[j].Version
	})
	return nil
}

// Migrations returns the registered migrations in ascending version order
func (r *Migrator) Migrations() []Migration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Migration(nil), r.migrations...)
}

// LatestVersion returns the highest registered version, 0 if none
func (r *Migrator) LatestVersion() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.migrations) == 0 {
		return 0
	}
	return r.migrations[len(r.migrations)-1].Version
}

func (r *Migrator) borrow(ctx context.Context) (*Connection, error) {
	if r.pool == nil {
		return nil, ErrNotInitialized
	}
	return r.pool.Get(ctx)
}

// CurrentVersion reads the persisted schema version. A store that was never
// migrated reports 0.
func (r *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	conn, err := r.borrow(ctx)
	if err != nil {
		return 0, err
	}
	defer r.pool.Put(conn)

	return readSchemaVersion(ctx, conn.db)
}

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readSchemaVersion(ctx context.Context, q queryer) (int, error) {
	var tables int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'strata_metadata'`,
	).Scan(&tables); err != nil {
		return 0, fmt.Errorf("failed to check metadata table: %w", err)
	}
	if tables == 0 {
		return 0, nil
	}

	var raw string
	err := q.QueryRowContext(ctx, `SELECT value FROM strata_metadata WHERE key = ?`, schemaVersionKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	version, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("corrupt schema version %q: %w", raw, err)
	}
	return version, nil
}

func writeSchemaVersion(ctx context.Context, tx *sql.Tx, version int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO strata_metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, schemaVersionKey, strconv.Itoa(version), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to persist schema version: %w", err)
	}
	return nil
}

// Pending returns the registered migrations above the persisted version
func (r *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	current, err := r.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, m := range r.Migrations() {
		if m.Version > current {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// RunPending applies every pending migration in ascending order and stops at
// the first failure. It returns how many migrations were applied.
func (r *Migrator) RunPending(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.borrow(ctx)
	if err != nil {
		return 0, err
	}
	defer r.pool.Put(conn)

	current, err := readSchemaVersion(ctx, conn.db)
	if err != nil {
		return 0, err
	}
	metrics.SchemaVersion.Set(float64(current))

	var pending []Migration
	for _, m := range r.migrations {
		if m.Version > current {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		r.logger.Debugw("No pending migrations", "schema_version", current)
		return 0, nil
	}

	r.logger.Infof("Running %d pending migrations (schema version %d)", len(pending), current)

	applied := 0
	for _, m := range pending {
		ran, err := r.runMigration(ctx, conn, m)
		if err != nil {
			return applied, err
		}
		if ran {
			applied++
		}
	}

	r.logger.Infow("All migrations completed successfully", "applied", applied, "schema_version", pending[len(pending)-1].Version)
	return applied, nil
}

// Apply runs a single migration if it is above the persisted version.
// It does not need to be registered.
func (r *Migrator) Apply(ctx context.Context, m Migration) error {
	if err := m.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.borrow(ctx)
	if err != nil {
		return err
	}
	defer r.pool.Put(conn)

	ran, err := r.runMigration(ctx, conn, m)
	if err != nil {
		return err
	}
	if !ran {
		return fmt.Errorf("migration %d is already applied", m.Version)
	}
	return nil
}

// runMigration applies one migration in its own transaction. It reports false
// without touching the schema when the persisted version already covers it,
// which happens when another process migrated the store first.
// Uses a named return so a panic inside the driver becomes an error.
func (r *Migrator) runMigration(ctx context.Context, conn *Connection, m Migration) (ran bool, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			err = &MigrationFailedError{Version: m.Version, Description: m.Description, Err: err}
		}
	}()

	var tx *sql.Tx
	tx, err = conn.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			ran = false
			if panicAsErr, ok := p.(error); ok {
				err = fmt.Errorf("migration panicked: %w", panicAsErr)
			} else {
				err = fmt.Errorf("migration panicked: %v", p)
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, bookkeepingSchema); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("failed to create bookkeeping tables: %w", err)
	}

	var current int
	if current, err = readSchemaVersion(ctx, tx); err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if current >= m.Version {
		_ = tx.Rollback()
		return false, nil
	}

	r.logger.Infof("Running migration %d: %s", m.Version, m.Description)

	if _, err = tx.ExecContext(ctx, m.Up); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("forward script failed: %w", err)
	}

	if err = writeSchemaVersion(ctx, tx, m.Version); err != nil {
		_ = tx.Rollback()
		return false, err
	}

	duration := time.Since(start).Milliseconds()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO strata_migrations (version, description, checksum, applied_at, duration_ms, rolled_back_at)
		VALUES (?, ?, ?, ?, ?, NULL)
		ON CONFLICT(version) DO UPDATE SET
			description = excluded.description,
			checksum = excluded.checksum,
			applied_at = excluded.applied_at,
			duration_ms = excluded.duration_ms,
			rolled_back_at = NULL
	`, m.Version, m.Description, m.Checksum(), time.Now().UTC(), duration)
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("failed to record migration: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit migration: %w", err)
	}

	metrics.MigrationsApplied.Inc()
	metrics.SchemaVersion.Set(float64(m.Version))
	r.logger.Infof("Migration %d completed in %dms", m.Version, duration)
	return true, nil
}

// Rollback runs the reverse script of the currently applied top version and
// moves the schema version down to the next lower registered version, or 0.
func (r *Migrator) Rollback(ctx context.Context, version int) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, m := range r.migrations {
		if m.Version == version {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %d", ErrMigrationNotFound, version)
	}
	migration := r.migrations[idx]
	if migration.Down == "" {
		return fmt.Errorf("%w: migration %d", ErrNoRollbackAvailable, version)
	}
	previous := 0
	if idx > 0 {
		previous = r.migrations[idx-1].Version
	}

	conn, err := r.borrow(ctx)
	if err != nil {
		return err
	}
	defer r.pool.Put(conn)

	var tx *sql.Tx
	tx, err = conn.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			if panicAsErr, ok := p.(error); ok {
				err = fmt.Errorf("rollback panicked: %w", panicAsErr)
			} else {
				err = fmt.Errorf("rollback panicked: %v", p)
			}
		}
	}()

	current, err := readSchemaVersion(ctx, tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if current != version {
		_ = tx.Rollback()
		return fmt.Errorf("%w: requested %d, schema is at %d", ErrMigrationNotApplied, version, current)
	}

	r.logger.Infof("Rolling back migration %d: %s", version, migration.Description)

	if _, err = tx.ExecContext(ctx, migration.Down); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("rollback of migration %d failed: %w", version, err)
	}

	if err = writeSchemaVersion(ctx, tx, previous); err != nil {
		_ = tx.Rollback()
		return err
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE strata_migrations SET rolled_back_at = ? WHERE version = ?`,
		time.Now().UTC(), version,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to mark migration as rolled back: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	metrics.SchemaVersion.Set(float64(previous))
	r.logger.Infow("Migration rolled back", "version", version, "schema_version", previous)
	return nil
}

// History returns the migration history, including rolled back entries
func (r *Migrator) History(ctx context.Context) ([]MigrationRecord, error) {
	conn, err := r.borrow(ctx)
	if err != nil {
		return nil, err
	}
	defer r.pool.Put(conn)

	var tables int
	if err := conn.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'strata_migrations'`,
	).Scan(&tables); err != nil {
		return nil, fmt.Errorf("failed to check history table: %w", err)
	}
	if tables == 0 {
		return nil, nil
	}

	rows, err := conn.db.QueryContext(ctx, `
		SELECT version, description, checksum, applied_at, duration_ms, rolled_back_at
		FROM strata_migrations
		ORDER BY version ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migration history: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		var rolledBack sql.NullTime
		if err := rows.Scan(&rec.Version, &rec.Description, &rec.Checksum, &rec.AppliedAt, &rec.DurationMs, &rolledBack); err != nil {
			return nil, fmt.Errorf("failed to scan migration record: %w", err)
		}
		if rolledBack.Valid {
			t := rolledBack.Time
			rec.RolledBackAt = &t
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// VerifyIntegrity reports applied migrations whose forward script changed
// since they ran, or that are no longer registered
func (r *Migrator) VerifyIntegrity(ctx context.Context) ([]string, error) {
	history, err := r.History(ctx)
	if err != nil {
		return nil, err
	}

	registered := make(map[int]Migration)
	for _, m := range r.Migrations() {
		registered[m.Version] = m
	}

	var issues []string
	for _, rec := range history {
		if rec.RolledBackAt != nil {
			continue
		}
		m, ok := registered[rec.Version]
		if !ok {
			issues = append(issues, fmt.Sprintf(
				"Migration %d was applied but is not registered (orphaned migration)", rec.Version))
			continue
		}
		if sum := m.Checksum(); sum != rec.Checksum {
			issues = append(issues, fmt.Sprintf(
				"Migration %d checksum mismatch: applied=%s, registered=%s (possible script drift)",
				rec.Version, shortChecksum(rec.Checksum), shortChecksum(sum)))
		}
	}
	return issues, nil
}

// Status returns a summary of the schema state
func (r *Migrator) Status(ctx context.Context) (MigrationStatus, error) {
	current, err := r.CurrentVersion(ctx)
	if err != nil {
		return MigrationStatus{}, err
	}
	history, err := r.History(ctx)
	if err != nil {
		return MigrationStatus{}, err
	}
	issues, err := r.VerifyIntegrity(ctx)
	if err != nil {
		return MigrationStatus{}, err
	}

	registered := r.Migrations()
	status := MigrationStatus{
		CurrentVersion:  current,
		LatestVersion:   r.LatestVersion(),
		Registered:      len(registered),
		Pending:         []int{},
		History:         history,
		IntegrityIssues: issues,
	}
	for _, m := range registered {
		if m.Version > current {
			status.Pending = append(status.Pending, m.Version)
		}
	}
	return status, nil
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
