package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"strata/metrics"
	"strata/util"
)

// Statements starting with these keywords never modify the store
var readKeywords = map[string]struct{}{
	"SELECT":  {},
	"WITH":    {},
	"VALUES":  {},
	"EXPLAIN": {},
}

// ExecuteQuery runs one statement on a pooled connection and materializes the
// result according to mode. Parameterless reads are served from the result
// cache when it is enabled; any successful write purges it.
//
// Failures are returned as *QueryError. A statement that fails because its
// connection broke is retried once on a fresh connection.
func (m *Manager) ExecuteQuery(ctx context.Context, statement string, params []any, mode FetchMode) (*QueryResult, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}

	start := time.Now()
	fingerprint := Fingerprint(statement)
	read := isReadStatement(statement)
	cacheable := m.cache != nil && len(params) == 0 && read && (mode == FetchAll || mode == FetchOne)

	var key, gen uint64
	if cacheable {
		key = cacheKey(statement, mode)
		gen = m.cache.generation()
		if res, ok := m.cache.get(key); ok {
			m.observe("query", QueryMetrics{
				Fingerprint:  fingerprint,
				Duration:     time.Since(start),
				RowsAffected: res.RowsAffected,
				Timestamp:    start,
				Success:      true,
				Mode:         mode.String(),
				CacheHit:     true,
			})
			return res, nil
		}
	}

	res, retried, err := m.runQuery(ctx, statement, params, mode)
	rec := QueryMetrics{
		Fingerprint: fingerprint,
		Duration:    time.Since(start),
		Timestamp:   start,
		Success:     err == nil,
		Mode:        mode.String(),
		Retried:     retried,
	}
	if err != nil {
		rec.Error = util.SanitizeError(err)
		m.observe("query", rec)
		m.logger.Debugw("Query failed",
			"fingerprint", fingerprint,
			"statement", util.RedactSQL(statement),
			"error", rec.Error,
			"retried", retried)
		return nil, &QueryError{Fingerprint: fingerprint, Statement: statement, Err: err}
	}
	rec.RowsAffected = res.RowsAffected
	m.observe("query", rec)

	switch {
	case cacheable:
		m.cache.put(key, res, gen)
	case m.cache != nil && (!read || mode == FetchNone):
		m.cache.purge()
	}
	return res, nil
}

// runQuery executes once and, after a connection-level failure, once more on
// a fresh connection. When the retry fails too the original error is returned.
func (m *Manager) runQuery(ctx context.Context, statement string, params []any, mode FetchMode) (*QueryResult, bool, error) {
	res, err := m.queryOnce(ctx, statement, params, mode)
	if err == nil || !isConnectionError(err) {
		return res, false, err
	}

	metrics.QueryRetries.Inc()
	m.logger.Warnw("Connection failed during query, retrying on a fresh connection",
		"fingerprint", Fingerprint(statement), "error", err)

	res, retryErr := m.queryOnce(ctx, statement, params, mode)
	if retryErr != nil {
		return nil, true, err
	}
	return res, true, nil
}

func (m *Manager) queryOnce(ctx context.Context, statement string, params []any, mode FetchMode) (*QueryResult, error) {
	conn, err := m.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	// Put probes the connection, so a broken handle is evicted here
	defer m.pool.Put(conn)

	qctx, cancel := m.queryContext(ctx)
	defer cancel()

	conn.MarkUsed()

	if mode == FetchNone {
		r, err := conn.db.ExecContext(qctx, statement, params...)
		if err != nil {
			return nil, err
		}
		res := &QueryResult{}
		res.RowsAffected, _ = r.RowsAffected()
		res.LastInsertID, _ = r.LastInsertId()
		return res, nil
	}

	rows, err := conn.db.QueryContext(qctx, statement, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	limit := -1
	switch mode {
	case FetchOne:
		limit = 1
	case FetchMany:
		limit = m.cfg.FetchBatchSize
	}
	return readRows(rows, limit)
}

func (m *Manager) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.QueryTimeout > 0 {
		return context.WithTimeout(ctx, m.cfg.QueryTimeout)
	}
	return context.WithCancel(ctx)
}

// readRows materializes at most limit rows (all when limit < 0)
func readRows(rows *sql.Rows, limit int) (*QueryResult, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	res := &QueryResult{Columns: make([]Column, len(types))}
	index := make(map[string]int, len(types))
	for i, ct := range types {
		res.Columns[i] = Column{Name: ct.Name(), DeclType: ct.DatabaseTypeName()}
		// First occurrence wins for duplicate column names
		if _, dup := index[ct.Name()]; !dup {
			index[ct.Name()] = i
		}
	}

	for (limit < 0 || len(res.Rows) < limit) && rows.Next() {
		values := make([]any, len(types))
		dest := make([]any, len(types))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, Row{index: index, values: values})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	res.RowsAffected = int64(len(res.Rows))
	return res, nil
}

// observe stores a metrics record and feeds the Prometheus histogram
func (m *Manager) observe(kind string, rec QueryMetrics) {
	m.history.record(rec)

	outcome := "success"
	switch {
	case rec.CacheHit:
		outcome = "cache_hit"
	case !rec.Success:
		outcome = "error"
	}
	metrics.QueryDuration.WithLabelValues(kind, outcome).Observe(rec.Duration.Seconds())
}

// cacheKey separates the fetch modes of one statement; FetchOne and FetchAll
// of the same text hold different results
func cacheKey(statement string, mode FetchMode) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(mode.String())
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(statement)
	return d.Sum64()
}

// isConnectionError reports failures of the connection itself rather than of
// the statement, which are safe to retry on another connection
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, ErrConnectionUnhealthy) {
		return true
	}
	// database/sql does not export its closed-handle error
	return strings.Contains(err.Error(), "sql: database is closed")
}

// isReadStatement reports whether statement starts with a read-only keyword,
// skipping leading whitespace and SQL comments. A WITH clause is looked
// through: the statement is a read only when its main verb after the CTE list
// is SELECT or VALUES.
func isReadStatement(statement string) bool {
	word, rest := nextKeyword(statement)
	if word == "WITH" {
		return isReadKeyword(mainKeywordAfterCTEs(rest))
	}
	return isReadKeyword(word)
}

func isReadKeyword(word string) bool {
	_, ok := readKeywords[word]
	return ok
}

// nextKeyword returns the first bare word of s in upper case and the text after
// it. Leading whitespace, opening parentheses and comments are skipped.
func nextKeyword(s string) (string, string) {
	for {
		s = strings.TrimLeft(s, " \t\r\n(")
		switch {
		case strings.HasPrefix(s, "--"):
			nl := strings.IndexByte(s, '\n')
			if nl < 0 {
				return "", ""
			}
			s = s[nl+1:]
		case strings.HasPrefix(s, "/*"):
			end := strings.Index(s, "*/")
			if end < 0 {
				return "", ""
			}
			s = s[end+2:]
		default:
			end := strings.IndexFunc(s, func(r rune) bool { return !isWordRune(r) })
			if end < 0 {
				end = len(s)
			}
			return strings.ToUpper(s[:end]), s[end:]
		}
	}
}

// Keywords that can follow a CTE list as the main statement
var mainStatementKeywords = map[string]struct{}{
	"SELECT":  {},
	"VALUES":  {},
	"INSERT":  {},
	"REPLACE": {},
	"UPDATE":  {},
	"DELETE":  {},
}

// mainKeywordAfterCTEs scans the text after WITH and returns the first
// statement keyword outside parentheses, quotes and comments. CTE bodies are
// all parenthesized, so the first such keyword at depth zero is the main verb.
func mainKeywordAfterCTEs(s string) string {
	depth := 0
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end := strings.IndexByte(s[i+1:], c)
			if end < 0 {
				return ""
			}
			i += end + 2
		case c == '[':
			end := strings.IndexByte(s[i+1:], ']')
			if end < 0 {
				return ""
			}
			i += end + 2
		case strings.HasPrefix(s[i:], "--"):
			nl := strings.IndexByte(s[i:], '\n')
			if nl < 0 {
				return ""
			}
			i += nl + 1
		case strings.HasPrefix(s[i:], "/*"):
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return ""
			}
			i += end + 4
		case c == '(':
			depth++
			i++
		case c == ')':
			depth--
			i++
		case isWordRune(rune(c)):
			j := i
			for j < len(s) && isWordRune(rune(s[j])) {
				j++
			}
			if depth == 0 {
				word := strings.ToUpper(s[i:j])
				if _, ok := mainStatementKeywords[word]; ok {
					return word
				}
			}
			i = j
		default:
			i++
		}
	}
	return ""
}

func isWordRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_'
}

// updatePoolMetrics pushes the pool snapshot to the Prometheus gauges
func (m *Manager) updatePoolMetrics() {
	if m.pool == nil {
		return
	}
	stats := m.pool.Stats()
	metrics.PoolConnections.WithLabelValues("total").Set(float64(stats.Total))
	metrics.PoolConnections.WithLabelValues("idle").Set(float64(stats.Idle))
	metrics.PoolConnections.WithLabelValues("active").Set(float64(stats.Active))
	metrics.PoolMaxConnections.Set(float64(stats.MaxConnections))
}
