package storage

import (
	"errors"
	"fmt"
)

// Storage error constants
var (
	// ErrPoolExhausted is returned when no idle connection is available and the pool
	// is already at max_connections. Callers may retry with backoff.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed is returned by Get after CloseAll
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrConnectionUnhealthy wraps health probe failures. The pool evicts on it
	// and the manager retries on a fresh connection, so callers never see it alone.
	ErrConnectionUnhealthy = errors.New("connection failed health probe")

	// ErrNotInitialized is returned by every manager operation before Initialize
	// succeeds, or after it failed
	ErrNotInitialized = errors.New("storage manager is not initialized")

	// ErrManagerClosed is returned by manager operations after Close
	ErrManagerClosed = errors.New("storage manager is closed")

	// ErrNoRollbackAvailable is returned when rolling back a migration without a reverse script
	ErrNoRollbackAvailable = errors.New("migration has no rollback script")

	// ErrDuplicateMigrationVersion is returned when two registered migrations share a version
	ErrDuplicateMigrationVersion = errors.New("duplicate migration version")

	// ErrInvalidMigration is returned for migrations with a non-positive version or empty script
	ErrInvalidMigration = errors.New("invalid migration")

	// ErrMigrationNotApplied is returned when rolling back a version that is not the current one
	ErrMigrationNotApplied = errors.New("migration is not the currently applied version")

	// ErrMigrationNotFound is returned when a version is not registered
	ErrMigrationNotFound = errors.New("migration not registered")

	// ErrInvalidStorePath is returned when store_path fails validation
	ErrInvalidStorePath = errors.New("invalid store path")

	// ErrColumnNotFound is returned by Row accessors for an unknown column name
	ErrColumnNotFound = errors.New("column not found")

	// ErrNullValue is returned by typed Row accessors when the value is NULL
	ErrNullValue = errors.New("value is NULL")
)

// Initialization stages reported by InitError
const (
	InitStageConfig  = "config"
	InitStageStore   = "store"
	InitStagePool    = "pool"
	InitStageMigrate = "migrate"
)

// InitError reports a fatal failure while initializing the storage manager.
// Initialization is never retried automatically.
type InitError struct {
	Stage string
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("storage initialization failed at %s stage: %v", e.Stage, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// MigrationFailedError reports a migration whose forward script failed.
// The migration's transaction was rolled back, so the schema is unchanged.
type MigrationFailedError struct {
	Version     int
	Description string
	Err         error
}

func (e *MigrationFailedError) Error() string {
	return fmt.Sprintf("migration %d (%s) failed: %v", e.Version, e.Description, e.Err)
}

func (e *MigrationFailedError) Unwrap() error { return e.Err }

// QueryError reports a failed statement. The metrics record captured for the
// statement carries the same fingerprint and is marked failed.
type QueryError struct {
	Fingerprint string
	Statement   string
	Err         error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s failed: %v", e.Fingerprint, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// TxError reports a failed transaction. Index is the position of the failing
// operation, or -1 when BEGIN or COMMIT failed. The whole transaction was rolled back.
type TxError struct {
	Index     int
	Statement string
	Err       error
}

func (e *TxError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("transaction failed: %v", e.Err)
	}
	return fmt.Sprintf("transaction failed at operation %d: %v", e.Index, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }
