package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ConnState is the lifecycle state of a pooled connection
type ConnState int32

const (
	ConnStateIdle   ConnState = iota // in the pool's idle queue
	ConnStateActive                  // checked out by a caller
	ConnStateClosed                  // handle released, never reused
	ConnStateError                   // failed a health probe, awaiting eviction
)

func (s ConnState) String() string {
	switch s {
	case ConnStateIdle:
		return "idle"
	case ConnStateActive:
		return "active"
	case ConnStateClosed:
		return "closed"
	case ConnStateError:
		return "error"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Connection owns exactly one native SQLite connection.
//
// The handle is a *sql.DB capped at a single open connection so that session
// pragmas, open transactions and the connection's lifetime all belong to this
// wrapper. Only the Pool creates and destroys Connections.
type Connection struct {
	id string
	db *sql.DB

	mu         sync.Mutex
	state      ConnState
	createdAt  time.Time
	lastUsedAt time.Time
	queryCount uint64
}

// ConnectionInfo is a point-in-time view of a Connection
type ConnectionInfo struct {
	ID         string    `json:"id" yaml:"id"`
	State      string    `json:"state" yaml:"state"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	LastUsedAt time.Time `json:"last_used_at" yaml:"last_used_at"`
	QueryCount uint64    `json:"query_count" yaml:"query_count"`
}

// openConnection opens and configures a new native connection. A connection
// that cannot be configured is closed and discarded, never retried.
func openConnection(ctx context.Context, target storeTarget, settings connectionSettings, logger *zap.SugaredLogger) (*Connection, error) {
	db, err := sql.Open("sqlite", target.dsn(settings))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// One physical connection per wrapper, kept for the wrapper's whole life
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	now := time.Now()
	c := &Connection{
		id:         uuid.NewString(),
		db:         db,
		state:      ConnStateIdle,
		createdAt:  now,
		lastUsedAt: now,
	}

	if err := c.configure(ctx, target, settings); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure connection: %w", err)
	}

	logger.Debugw("SQLite connection opened", "conn_id", c.id, "store", target.display())
	return c, nil
}

// configure applies the session pragmas for the deployment profile and verifies
// the ones whose silent failure would weaken guarantees.
func (c *Connection) configure(ctx context.Context, target storeTarget, settings connectionSettings) error {
	for _, p := range settings.pragmas(target.memory) {
		if _, err := c.db.ExecContext(ctx, "PRAGMA "+p.statement()); err != nil {
			return fmt.Errorf("failed to set %s: %w", p.name, err)
		}
	}

	var fkEnabled int
	if err := c.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		return fmt.Errorf("failed to verify foreign keys: %w", err)
	}
	if want := boolToInt(settings.foreignKeys); fkEnabled != want {
		return fmt.Errorf("foreign_keys is %d, expected %d", fkEnabled, want)
	}

	// In-memory databases always report "memory"
	var journalMode string
	if err := c.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if want := settings.journalMode(); !target.memory && !strings.EqualFold(journalMode, want) {
		return fmt.Errorf("journal mode is %s, expected %s", journalMode, want)
	}

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	return nil
}

// ID returns the connection's identifier used in logs
func (c *Connection) ID() string {
	return c.id
}

// State returns the current lifecycle state
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsHealthy runs a trivial round trip on the handle. It never returns an error:
// any failure moves the connection to ConnStateError and reports false.
// A closed connection is never healthy.
func (c *Connection) IsHealthy(ctx context.Context) bool {
	return c.Probe(ctx) == nil
}

// Probe is IsHealthy with the cause attached. Failures wrap
// ErrConnectionUnhealthy and leave the connection in ConnStateError.
func (c *Connection) Probe(ctx context.Context) error {
	if c.State() == ConnStateClosed {
		return fmt.Errorf("%w: connection %s is closed", ErrConnectionUnhealthy, c.id)
	}

	var one int
	err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	if err == nil && one == 1 {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("SELECT 1 returned %d", one)
	}

	c.mu.Lock()
	if c.state != ConnStateClosed {
		c.state = ConnStateError
	}
	c.mu.Unlock()
	return fmt.Errorf("%w: %w", ErrConnectionUnhealthy, err)
}

// MarkUsed records a use of the connection. Safe to call while a health probe runs.
func (c *Connection) MarkUsed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUsedAt = time.Now()
	c.queryCount++
}

// Info returns a snapshot of the connection's usage statistics
func (c *Connection) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionInfo{
		ID:         c.id,
		State:      c.state.String(),
		CreatedAt:  c.createdAt,
		LastUsedAt: c.lastUsedAt,
		QueryCount: c.queryCount,
	}
}

// Close releases the native handle. Calling it again is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == ConnStateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = ConnStateClosed
	c.mu.Unlock()

	return c.db.Close()
}

// setState moves a connection between idle and active. Closed is terminal.
func (c *Connection) setState(state ConnState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnStateClosed || c.state == ConnStateError {
		return false
	}
	c.state = state
	return true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
