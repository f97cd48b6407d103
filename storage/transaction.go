package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"strata/metrics"
	"strata/util"
)

// Operation is one statement of a transaction
type Operation struct {
	Statement string
	Params    []any
}

// ExecuteTransaction runs ops in order on a single connection inside one
// transaction. Either every operation commits or none does; a failure is
// returned as *TxError naming the failing operation.
//
// Only a connection failure at BEGIN is retried, since nothing has run yet.
func (m *Manager) ExecuteTransaction(ctx context.Context, ops []Operation) error {
	if err := m.ready(); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	start := time.Now()
	affected, began, err := m.txOnce(ctx, ops)
	retried := false
	if err != nil && !began && isConnectionError(err) {
		retried = true
		metrics.QueryRetries.Inc()
		m.logger.Warnw("Connection failed at BEGIN, retrying transaction on a fresh connection", "error", err)
		if n, _, retryErr := m.txOnce(ctx, ops); retryErr == nil {
			affected, err = n, nil
		}
	}

	rec := QueryMetrics{
		Fingerprint:  transactionFingerprint(ops),
		Duration:     time.Since(start),
		RowsAffected: affected,
		Timestamp:    start,
		Success:      err == nil,
		Mode:         "transaction",
		Retried:      retried,
	}
	if err != nil {
		rec.Error = util.SanitizeError(err)
		m.observe("transaction", rec)
		return err
	}
	m.observe("transaction", rec)

	if m.cache != nil {
		m.cache.purge()
	}
	return nil
}

// txOnce runs the transaction on one borrowed connection. began reports
// whether BEGIN succeeded, which decides if a retry is safe.
// Uses named returns so a panic rolls back and becomes an error.
func (m *Manager) txOnce(ctx context.Context, ops []Operation) (affected int64, began bool, err error) {
	var conn *Connection
	conn, err = m.pool.Get(ctx)
	if err != nil {
		return 0, false, err
	}
	defer m.pool.Put(conn)

	qctx, cancel := m.queryContext(ctx)
	defer cancel()

	var tx *sql.Tx
	tx, err = conn.db.BeginTx(qctx, nil)
	if err != nil {
		return 0, false, &TxError{Index: -1, Statement: "BEGIN", Err: err}
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			affected, began = 0, true
			if panicAsErr, ok := p.(error); ok {
				err = &TxError{Index: -1, Err: fmt.Errorf("transaction panicked: %w", panicAsErr)}
			} else {
				err = &TxError{Index: -1, Err: fmt.Errorf("transaction panicked: %v", p)}
			}
		}
	}()

	for i, op := range ops {
		conn.MarkUsed()
		r, execErr := tx.ExecContext(qctx, op.Statement, op.Params...)
		if execErr != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				m.logger.Warnw("Failed to roll back transaction", "index", i, "error", rbErr)
			}
			return 0, true, &TxError{Index: i, Statement: op.Statement, Err: execErr}
		}
		if n, nErr := r.RowsAffected(); nErr == nil {
			affected += n
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, true, &TxError{Index: -1, Statement: "COMMIT", Err: err}
	}
	return affected, true, nil
}

func transactionFingerprint(ops []Operation) string {
	statements := make([]string, len(ops))
	for i, op := range ops {
		statements[i] = op.Statement
	}
	return Fingerprint(strings.Join(statements, ";\n"))
}
