package storage

import (
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"
)

// FetchMode selects how many rows ExecuteQuery materializes
type FetchMode int

const (
	// FetchAll returns every row
	FetchAll FetchMode = iota
	// FetchOne returns at most the first row
	FetchOne
	// FetchMany returns at most fetch_batch_size rows
	FetchMany
	// FetchNone executes the statement and returns only rows affected and last insert id
	FetchNone
)

func (m FetchMode) String() string {
	switch m {
	case FetchAll:
		return "all"
	case FetchOne:
		return "one"
	case FetchMany:
		return "many"
	case FetchNone:
		return "none"
	default:
		return fmt.Sprintf("FetchMode(%d)", int(m))
	}
}

// ParseFetchMode converts "all", "one", "many" or "none" to a FetchMode
func ParseFetchMode(s string) (FetchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all", "":
		return FetchAll, nil
	case "one":
		return FetchOne, nil
	case "many":
		return FetchMany, nil
	case "none":
		return FetchNone, nil
	default:
		return FetchAll, fmt.Errorf("unknown fetch mode %q (want all, one, many or none)", s)
	}
}

// Column describes one result column
type Column struct {
	Name     string `json:"name" yaml:"name"`
	DeclType string `json:"decl_type,omitempty" yaml:"decl_type,omitempty"`
}

// QueryResult is the materialized outcome of ExecuteQuery
type QueryResult struct {
	Columns      []Column `json:"columns" yaml:"columns"`
	Rows         []Row    `json:"-" yaml:"-"`
	RowsAffected int64    `json:"rows_affected" yaml:"rows_affected"`
	LastInsertID int64    `json:"last_insert_id" yaml:"last_insert_id"`
}

// Row is one ordered record. Values are the driver's native types:
// int64, float64, string, []byte, time.Time or nil.
type Row struct {
	index  map[string]int
	values []any
}

// Len returns the number of values in the row
func (r Row) Len() int {
	return len(r.values)
}

// Values returns the row's values in column order
func (r Row) Values() []any {
	return append([]any(nil), r.values...)
}

// Value returns the raw value of a column; ok is false for unknown columns
func (r Row) Value(column string) (v any, ok bool) {
	i, ok := r.index[column]
	if !ok {
		return nil, false
	}
	return r.values[i], true
}

// Map returns the row keyed by column name
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.index))
	for name, i := range r.index {
		m[name] = r.values[i]
	}
	return m
}

func (r Row) lookup(column string) (any, error) {
	v, ok := r.Value(column)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, column)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrNullValue, column)
	}
	if b, isBytes := v.([]byte); isBytes {
		return string(b), nil
	}
	return v, nil
}

// Int64 returns a column converted to int64
func (r Row) Int64(column string) (int64, error) {
	v, err := r.lookup(column)
	if err != nil {
		return 0, err
	}
	return cast.ToInt64E(v)
}

// Float64 returns a column converted to float64
func (r Row) Float64(column string) (float64, error) {
	v, err := r.lookup(column)
	if err != nil {
		return 0, err
	}
	return cast.ToFloat64E(v)
}

// String returns a column converted to string
func (r Row) String(column string) (string, error) {
	v, err := r.lookup(column)
	if err != nil {
		return "", err
	}
	return cast.ToStringE(v)
}

// Bytes returns a column as a byte slice copy
func (r Row) Bytes(column string) ([]byte, error) {
	v, ok := r.Value(column)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, column)
	}
	switch b := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: %s", ErrNullValue, column)
	case []byte:
		return append([]byte(nil), b...), nil
	case string:
		return []byte(b), nil
	default:
		s, err := cast.ToStringE(b)
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	}
}

// Bool returns a column converted to bool. SQLite stores booleans as integers.
func (r Row) Bool(column string) (bool, error) {
	v, err := r.lookup(column)
	if err != nil {
		return false, err
	}
	return cast.ToBoolE(v)
}

// Time returns a column converted to time.Time
func (r Row) Time(column string) (time.Time, error) {
	v, err := r.lookup(column)
	if err != nil {
		return time.Time{}, err
	}
	return cast.ToTimeE(v)
}

// Scan copies the row's values, in column order, into dest. Supported
// destinations are *int64, *int, *float64, *string, *[]byte, *bool,
// *time.Time, *any and sql.Scanner implementations.
func (r Row) Scan(dest ...any) error {
	if len(dest) != len(r.values) {
		return fmt.Errorf("expected %d destination arguments in Scan, got %d", len(r.values), len(dest))
	}

	for i, d := range dest {
		v := r.values[i]
		if s, ok := d.(sql.Scanner); ok {
			if err := s.Scan(v); err != nil {
				return fmt.Errorf("scan column %d: %w", i, err)
			}
			continue
		}
		if a, ok := d.(*any); ok {
			*a = cloneValue(v)
			continue
		}
		if v == nil {
			return fmt.Errorf("scan column %d: %w", i, ErrNullValue)
		}
		if b, ok := v.([]byte); ok {
			if db, isBytes := d.(*[]byte); isBytes {
				*db = append([]byte(nil), b...)
				continue
			}
			v = string(b)
		}

		var err error
		switch p := d.(type) {
		case *int64:
			*p, err = cast.ToInt64E(v)
		case *int:
			*p, err = cast.ToIntE(v)
		case *float64:
			*p, err = cast.ToFloat64E(v)
		case *string:
			*p, err = cast.ToStringE(v)
		case *[]byte:
			var s string
			s, err = cast.ToStringE(v)
			*p = []byte(s)
		case *bool:
			*p, err = cast.ToBoolE(v)
		case *time.Time:
			*p, err = cast.ToTimeE(v)
		default:
			return fmt.Errorf("scan column %d: unsupported destination type %T", i, d)
		}
		if err != nil {
			return fmt.Errorf("scan column %d: %w", i, err)
		}
	}
	return nil
}

// First returns the first row, or false when the result is empty
func (q *QueryResult) First() (Row, bool) {
	if q == nil || len(q.Rows) == 0 {
		return Row{}, false
	}
	return q.Rows[0], true
}

// Maps returns every row keyed by column name
func (q *QueryResult) Maps() []map[string]any {
	out := make([]map[string]any, len(q.Rows))
	for i, row := range q.Rows {
		out[i] = row.Map()
	}
	return out
}

// clone deep-copies the result so cached entries never share mutable state with callers
func (q *QueryResult) clone() *QueryResult {
	if q == nil {
		return nil
	}
	out := &QueryResult{
		Columns:      append([]Column(nil), q.Columns...),
		Rows:         make([]Row, len(q.Rows)),
		RowsAffected: q.RowsAffected,
		LastInsertID: q.LastInsertID,
	}
	for i, row := range q.Rows {
		values := make([]any, len(row.values))
		for j, v := range row.values {
			values[j] = cloneValue(v)
		}
		out.Rows[i] = Row{index: row.index, values: values}
	}
	return out
}

func cloneValue(v any) any {
	if b, ok := v.([]byte); ok {
		return append([]byte(nil), b...)
	}
	return v
}

var timeType = reflect.TypeOf(time.Time{})

// stringToTimeHook accepts the timestamp layouts SQLite applications commonly
// store in TEXT columns, not just RFC 3339
func stringToTimeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != timeType || from.Kind() != reflect.String {
		return data, nil
	}
	return cast.ToTimeE(data)
}

// Decode maps every row of a result onto a struct of type T. Fields are
// matched by their `db` tag, or by name case-insensitively. NULL leaves the
// field at its zero value; integers decode into bool fields.
func Decode[T any](result *QueryResult) ([]T, error) {
	if result == nil {
		return nil, nil
	}

	out := make([]T, len(result.Rows))
	for i, row := range result.Rows {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName:          "db",
			WeaklyTypedInput: true,
			Result:           &out[i],
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				stringToTimeHook,
				mapstructure.StringToTimeDurationHookFunc(),
			),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build decoder: %w", err)
		}

		values := make(map[string]any, row.Len())
		for name, idx := range row.index {
			if v := row.values[idx]; v != nil {
				values[name] = cloneValue(v)
			}
		}
		if err := decoder.Decode(values); err != nil {
			return nil, fmt.Errorf("failed to decode row %d: %w", i, err)
		}
	}
	return out, nil
}
