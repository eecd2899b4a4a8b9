package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	base := errors.New("database is locked")
	tests := []struct {
		name      string
		err       error
		transient bool
		notFound  bool
	}{
		{name: "transient", err: Transient("insert", base), transient: true},
		{name: "wrapped transient", err: fmt.Errorf("pull: %w", Transient("insert", base)), transient: true},
		{name: "not found", err: ErrNotFound("job %s", "x"), notFound: true},
		{name: "wrapped not found", err: fmt.Errorf("load: %w", ErrNotFound("missing")), notFound: true},
		{name: "validation", err: ErrValidation("bad")},
		{name: "fatal", err: &FatalError{Err: base}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.notFound, IsNotFound(tt.err))
		})
	}

	assert.NoError(t, Transient("noop", nil))
	assert.ErrorIs(t, &FatalError{Err: base}, base)
	assert.Equal(t, "insert: database is locked", Transient("insert", base).Error())
	assert.Equal(t, "2 row(s) rejected", (&DataError{Rows: make([]RowError, 2)}).Error())
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []JobStatus{JobDone, JobKilled, JobFailed, JobFatal, JobSentToBridge} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []JobStatus{JobPending, JobProcessing} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestFrameAppendAlignsColumns(t *testing.T) {
	t.Parallel()

	f := NewFrame("serial", "time")
	f.Rows = append(f.Rows, []any{"S1", "t1"})
	other := NewFrame("TIME", "temp")
	other.Rows = append(other.Rows, []any{"t2", 1.5})

	f.Append(other)
	f.Append(nil)

	require.Equal(t, []string{"serial", "time", "temp"}, f.Columns)
	require.Equal(t, 2, f.Len())
	assert.Equal(t, []any{"S1", "t1", nil}, f.Rows[0])
	assert.Equal(t, []any{nil, "t2", 1.5}, f.Rows[1])
	assert.Equal(t, 1.5, f.Value(1, "Temp"))
	assert.Nil(t, f.Value(0, "missing"))
	assert.Equal(t, 0, (*Frame)(nil).Len())
}

func TestWindow(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := Window{From: from, To: from.Add(time.Hour)}

	assert.Equal(t, time.Hour, w.Duration())
	assert.True(t, w.Contains(from))
	assert.False(t, w.Contains(w.To))
	assert.True(t, w.Overlaps(from.Add(-time.Minute), from))
	assert.False(t, w.Overlaps(w.To, w.To.Add(time.Minute)))
}

func TestParseTime(t *testing.T) {
	t.Parallel()
	tokyo := time.FixedZone("JST", 9*3600)
	want := time.Date(2026, 3, 4, 5, 6, 7, 0, tokyo)

	tests := []struct {
		name string
		in   any
		want time.Time
		ok   bool
	}{
		{name: "space layout", in: "2026-03-04 05:06:07", want: want, ok: true},
		{name: "slash layout", in: "2026/03/04 05:06:07", want: want, ok: true},
		{name: "bytes", in: []byte(" 2026-03-04T05:06:07 "), want: want, ok: true},
		{name: "rfc3339 keeps zone", in: "2026-03-03T20:06:07Z", want: want, ok: true},
		{name: "utc driver value is a wall clock", in: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC), want: want, ok: true},
		{name: "date only", in: "2026-03-04", want: time.Date(2026, 3, 4, 0, 0, 0, 0, tokyo), ok: true},
		{name: "empty", in: "  "},
		{name: "garbage", in: "yesterday"},
		{name: "number", in: 42},
		{name: "zero time", in: time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseTime(tt.in, tokyo)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.True(t, tt.want.Equal(got), "got %s", got)
			}
		})
	}
}

func TestCellString(t *testing.T) {
	t.Parallel()
	assert.Empty(t, CellString(nil))
	assert.Equal(t, "abc", CellString([]byte("abc")))
	assert.Equal(t, "12", CellString(int64(12)))
	assert.Equal(t, "2026-01-02 03:04:05", CellString(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
}

func TestDataTableValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		dt      DataTable
		wantErr string
	}{
		{name: "relational", dt: DataTable{Name: "a", Kind: SourceRelational, Driver: "mysql", DSN: "x"}},
		{name: "csv", dt: DataTable{Name: "a", Kind: SourceCSV, Directory: "/drop"}},
		{name: "no name", dt: DataTable{Kind: SourceCSV, Directory: "/drop"}, wantErr: "name is required"},
		{name: "unknown kind", dt: DataTable{Name: "a", Kind: "xls"}, wantErr: "unknown source kind"},
		{name: "csv without directory", dt: DataTable{Name: "a", Kind: SourceCSV}, wantErr: "directory is required"},
		{name: "relational without dsn", dt: DataTable{Name: "a", Kind: SourceRelational, Driver: "pgx"}, wantErr: "dsn is required"},
		{name: "vertical without driver", dt: DataTable{Name: "a", Kind: SourceVertical, DSN: "x"}, wantErr: "driver is required"},
		{name: "negative row limit", dt: DataTable{Name: "a", Kind: SourceCSV, Directory: "d", RowLimit: -1}, wantErr: "row_limit"},
		{
			name: "duplicate column",
			dt: DataTable{Name: "a", Kind: SourceCSV, Directory: "d", Columns: []LogicalColumn{
				{Name: "Serial"}, {Name: "serial"},
			}},
			wantErr: "duplicate column",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.dt.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDataTableColumns(t *testing.T) {
	t.Parallel()

	dt := &DataTable{Columns: []LogicalColumn{
		{Name: "proc_id", Group: GroupProcessID},
		{Name: "serial", Group: GroupDataSerial},
		{Name: "ts", Group: GroupDataTime},
		{Name: "t1", Group: GroupHorizontalData},
		{Name: "t2", Group: GroupHorizontalData},
	}}
	g, col, ok := dt.ProcessGroup()
	require.True(t, ok)
	assert.Equal(t, GroupProcessID, g)
	assert.Equal(t, "proc_id", col)
	assert.Equal(t, "ts", dt.TimeColumn())
	assert.Equal(t, "serial", dt.SerialColumn())
	assert.True(t, dt.Horizontal())
	assert.Len(t, dt.ColumnsByGroup(GroupHorizontalData), 2)
	_, found := dt.Column("TS")
	assert.True(t, found)

	// PROCESS_NAME wins over PROCESS_ID.
	dt.Columns = append(dt.Columns, LogicalColumn{Name: "proc", Group: GroupProcessName})
	g, col, _ = dt.ProcessGroup()
	assert.Equal(t, GroupProcessName, g)
	assert.Equal(t, "proc", col)

	_, _, ok = (&DataTable{}).ProcessGroup()
	assert.False(t, ok)
	assert.Equal(t, time.UTC, (&DataTable{Timezone: "Nowhere/Else"}).Location())
}

func TestDedupeLatest(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	got := DedupeLatest([]AutoLinkSample{
		{ProcessID: 1, Serial: "A", Time: t0},
		{ProcessID: 1, Serial: "B", Time: t0},
		{ProcessID: 1, Serial: "A", Time: t0.Add(time.Hour)},
		{ProcessID: 2, Serial: "A", Time: t0},
		{ProcessID: 1, Serial: "A", Time: t0.Add(time.Minute)},
	})
	require.Len(t, got, 3)
	assert.Equal(t, "A", got[0].Serial)
	assert.Equal(t, t0.Add(time.Hour), got[0].Time)
	assert.Equal(t, int64(2), got[2].ProcessID)
}

func TestPartitionWindowWiden(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var p PartitionWindow
	p.Widen(time.Time{}, t0)
	assert.False(t, p.HasData)

	p.Widen(t0, t0.Add(time.Hour))
	p.Widen(t0.Add(10*time.Minute), t0.Add(20*time.Minute))
	assert.Equal(t, t0, p.MinTime)
	assert.Equal(t, t0.Add(time.Hour), p.MaxTime)

	p.Widen(t0.Add(-time.Hour), t0.Add(2*time.Hour))
	assert.Equal(t, t0.Add(-time.Hour), p.MinTime)
	assert.Equal(t, t0.Add(2*time.Hour), p.MaxTime)
}

func TestIDs(t *testing.T) {
	t.Parallel()
	assert.NotEqual(t, NewID(), NewID())
	id, err := ParseID(FormatID(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	_, err = ParseID("x")
	assert.Error(t, err)
}
