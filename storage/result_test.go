package storage

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRow(columns []string, values ...any) Row {
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		index[c] = i
	}
	return Row{index: index, values: values}
}

func TestParseFetchMode(t *testing.T) {
	tests := []struct {
		in      string
		want    FetchMode
		wantErr bool
	}{
		{"all", FetchAll, false},
		{"", FetchAll, false},
		{" ONE ", FetchOne, false},
		{"many", FetchMany, false},
		{"none", FetchNone, false},
		{"some", FetchAll, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFetchMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "FetchMode(9)", FetchMode(9).String())
}

func TestRow_Accessors(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	row := newTestRow(
		[]string{"id", "name", "score", "flag", "blob", "at", "at_text", "missing"},
		int64(7), "seven", 7.5, int64(1), []byte("raw"), ts, "2024-05-01 12:00:00", nil,
	)

	id, err := row.Int64("id")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	idText, err := row.String("id")
	require.NoError(t, err)
	assert.Equal(t, "7", idText)

	score, err := row.Float64("score")
	require.NoError(t, err)
	assert.InDelta(t, 7.5, score, 1e-9)

	flag, err := row.Bool("flag")
	require.NoError(t, err)
	assert.True(t, flag)

	blobText, err := row.String("blob")
	require.NoError(t, err)
	assert.Equal(t, "raw", blobText)

	at, err := row.Time("at")
	require.NoError(t, err)
	assert.True(t, ts.Equal(at))

	atText, err := row.Time("at_text")
	require.NoError(t, err)
	assert.True(t, ts.Equal(atText), "got %v", atText)

	_, err = row.Int64("missing")
	assert.ErrorIs(t, err, ErrNullValue)
	_, err = row.Bytes("missing")
	assert.ErrorIs(t, err, ErrNullValue)
	_, err = row.String("nope")
	assert.ErrorIs(t, err, ErrColumnNotFound)

	_, ok := row.Value("nope")
	assert.False(t, ok)
	assert.Equal(t, 8, row.Len())
}

func TestRow_BytesAreCopies(t *testing.T) {
	raw := []byte{1, 2, 3}
	row := newTestRow([]string{"b"}, raw)

	b, err := row.Bytes("b")
	require.NoError(t, err)
	b[0] = 9
	assert.Equal(t, byte(1), raw[0])
}

func TestRow_Scan(t *testing.T) {
	ts := time.Date(2022, 2, 2, 2, 2, 2, 0, time.UTC)
	row := newTestRow([]string{"id", "name", "data", "ok", "at", "maybe"},
		int64(3), []byte("three"), []byte{0xA, 0xB}, int64(0), ts, nil)

	var (
		id    int
		name  string
		data  []byte
		ok    bool
		at    time.Time
		maybe sql.NullString
	)
	require.NoError(t, row.Scan(&id, &name, &data, &ok, &at, &maybe))
	assert.Equal(t, 3, id)
	assert.Equal(t, "three", name)
	assert.Equal(t, []byte{0xA, 0xB}, data)
	assert.False(t, ok)
	assert.True(t, ts.Equal(at))
	assert.False(t, maybe.Valid)

	assert.Error(t, row.Scan(&id))

	var s string
	var n int64
	var ch chan int
	var anything any
	nullRow := newTestRow([]string{"a", "b", "c"}, nil, "x", int64(1))
	assert.ErrorIs(t, nullRow.Scan(&s, &s, &n), ErrNullValue)
	assert.Error(t, newTestRow([]string{"a"}, int64(1)).Scan(&ch))

	require.NoError(t, newTestRow([]string{"a"}, nil).Scan(&anything))
	assert.Nil(t, anything)
}

func TestRow_MapAndValues(t *testing.T) {
	row := newTestRow([]string{"a", "b"}, int64(1), "two")

	assert.Equal(t, map[string]any{"a": int64(1), "b": "two"}, row.Map())

	values := row.Values()
	values[0] = "changed"
	v, _ := row.Value("a")
	assert.Equal(t, int64(1), v)
}

func TestQueryResult_FirstAndMaps(t *testing.T) {
	var empty *QueryResult
	_, ok := empty.First()
	assert.False(t, ok)

	res := &QueryResult{
		Columns: []Column{{Name: "n"}},
		Rows:    []Row{newTestRow([]string{"n"}, int64(1)), newTestRow([]string{"n"}, int64(2))},
	}
	first, ok := res.First()
	require.True(t, ok)
	n, _ := first.Int64("n")
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []map[string]any{{"n": int64(1)}, {"n": int64(2)}}, res.Maps())
}

func TestQueryResult_CloneIsDeep(t *testing.T) {
	res := &QueryResult{
		Columns:      []Column{{Name: "b", DeclType: "BLOB"}},
		Rows:         []Row{newTestRow([]string{"b"}, []byte{1})},
		RowsAffected: 1,
	}

	cp := res.clone()
	cp.Columns[0].Name = "changed"
	raw, _ := cp.Rows[0].Value("b")
	raw.([]byte)[0] = 9

	assert.Equal(t, "b", res.Columns[0].Name)
	orig, _ := res.Rows[0].Value("b")
	assert.Equal(t, []byte{1}, orig)
	assert.Equal(t, int64(1), cp.RowsAffected)
	assert.Nil(t, (*QueryResult)(nil).clone())
}

type decodeTarget struct {
	ID      int64         `db:"id"`
	Label   string        `db:"label"`
	Enabled bool          `db:"enabled"`
	Timeout time.Duration `db:"timeout"`
	Seen    time.Time     `db:"seen"`
	Note    *string       `db:"note"`
}

func TestDecode_WeakTypes(t *testing.T) {
	res := &QueryResult{Rows: []Row{
		newTestRow([]string{"id", "label", "enabled", "timeout", "seen", "note"},
			int64(1), []byte("first"), int64(1), "1m30s", "2021-06-01T10:00:00Z", nil),
	}}

	out, err := Decode[decodeTarget](res)
	require.NoError(t, err)
	require.Len(t, out, 1)

	got := out[0]
	assert.Equal(t, int64(1), got.ID)
	assert.Equal(t, "first", got.Label)
	assert.True(t, got.Enabled)
	assert.Equal(t, 90*time.Second, got.Timeout)
	assert.True(t, time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC).Equal(got.Seen))
	assert.Nil(t, got.Note)

	none, err := Decode[decodeTarget](nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDecode_BadValue(t *testing.T) {
	res := &QueryResult{Rows: []Row{newTestRow([]string{"seen"}, "not a time")}}
	_, err := Decode[decodeTarget](res)
	assert.Error(t, err)
}
