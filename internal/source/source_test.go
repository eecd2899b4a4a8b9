package source

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/filestore"
)

func measurementTable(kind domain.SourceKind) *domain.DataTable {
	return &domain.DataTable{
		ID:   7,
		Name: "line1",
		Kind: kind,
		Columns: []domain.LogicalColumn{
			{Name: "line_name", Group: domain.GroupLineName},
			{Name: "serial", Group: domain.GroupDataSerial},
			{Name: "measured_at", Group: domain.GroupDataTime},
			{Name: "temp", Group: domain.GroupHorizontalData},
		},
	}
}

func seedPartitions(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "factory.db")
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	for _, tbl := range []string{"meas_202401", "meas_202402"} {
		_, err := db.Exec(`CREATE TABLE ` + tbl + ` (line_name TEXT, serial TEXT, measured_at TEXT, temp TEXT)`)
		require.NoError(t, err)
	}
	_, err = db.Exec(`CREATE TABLE meas_notes (x TEXT)`)
	require.NoError(t, err)

	rows := []struct {
		table, serial, at, temp string
	}{
		{"meas_202401", "S1", "2024-01-10 08:00:00", "20.5"},
		{"meas_202401", "S2", "2024-01-20 08:00:00", "21.0"},
		{"meas_202402", "S3", "2024-02-03 08:00:00", "22.5"},
		{"meas_202402", "S4", "2024-02-25 08:00:00", "23.0"},
	}
	for _, r := range rows {
		_, err := db.Exec(`INSERT INTO `+r.table+` VALUES ('L1', ?, ?, ?)`, r.serial, r.at, r.temp)
		require.NoError(t, err)
	}
	return dsn
}

func TestRelationalAdapter_Partitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dt := measurementTable(domain.SourceRelational)
	dt.Driver = "sqlite3"
	dt.DSN = seedPartitions(t)
	dt.Table = "meas_"
	dt.Partition = "200601"

	a, err := New(dt, Deps{})
	require.NoError(t, err)
	defer a.Close() //nolint:errcheck

	p, ok := AsPartitioned(a)
	require.True(t, ok)
	parts, err := p.Partitions(ctx)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "meas_202401", parts[0].TableName)
	assert.Equal(t, "202402", parts[1].PartitionKey)

	b, err := a.Bounds(ctx)
	require.NoError(t, err)
	assert.False(t, b.Empty)
	assert.True(t, time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC).Equal(b.Min))
	assert.True(t, time.Date(2024, 2, 25, 8, 0, 0, 0, time.UTC).Equal(b.Max))

	w := domain.Window{
		From: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
	}
	n, err := a.Count(ctx, w)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	stream, err := a.TransactionStream(ctx, w, 0)
	require.NoError(t, err)
	f, err := Drain(ctx, stream)
	require.NoError(t, err)
	require.Equal(t, 2, f.Len())
	assert.Equal(t, "S2", f.Value(0, "serial"))
	assert.Equal(t, "S3", f.Value(1, "serial"))

	limited, err := a.TransactionStream(ctx, w, 1)
	require.NoError(t, err)
	f, err = Drain(ctx, limited)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Len())
}

func TestRelationalAdapter_SamplesNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dt := measurementTable(domain.SourceRelational)
	dt.Driver = "sqlite3"
	dt.DSN = seedPartitions(t)
	dt.Table = "meas_"
	dt.Partition = "200601"

	a, err := New(dt, Deps{})
	require.NoError(t, err)
	defer a.Close() //nolint:errcheck

	ms, err := a.MasterSample(ctx)
	require.NoError(t, err)
	master, err := Drain(ctx, ms)
	require.NoError(t, err)
	assert.Equal(t, []string{"line_name"}, master.Columns)
	assert.Equal(t, 2, master.Len(), "one distinct tuple per partition")

	ts, err := a.TypeSample(ctx)
	require.NoError(t, err)
	sample, err := Drain(ctx, ts)
	require.NoError(t, err)
	require.Equal(t, 4, sample.Len())
	assert.Equal(t, "S3", sample.Value(0, "serial"))
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dt   *domain.DataTable
	}{
		{name: "nil", dt: nil},
		{name: "unknown kind", dt: &domain.DataTable{Name: "x", Kind: "ftp"}},
		{name: "relational without table", dt: func() *domain.DataTable {
			dt := measurementTable(domain.SourceRelational)
			dt.Driver = "sqlite3"
			dt.DSN = ":memory:"
			return dt
		}()},
		{name: "vertical without DATA_VALUE", dt: func() *domain.DataTable {
			dt := measurementTable(domain.SourceVertical)
			dt.Driver = "sqlite3"
			dt.DSN = ":memory:"
			dt.Table = "t"
			return dt
		}()},
		{name: "file without store", dt: func() *domain.DataTable {
			dt := measurementTable(domain.SourceCSV)
			dt.Directory = "/drops"
			return dt
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.dt, Deps{})
			require.Error(t, err)
		})
	}
}

func TestSoftwareWorkshopDefaults(t *testing.T) {
	t.Parallel()

	var gotDriver string
	dt := &domain.DataTable{ID: 3, Name: "sw", Kind: domain.SourceSoftwareWorkshop, DSN: "postgres://sw"}
	a, err := New(dt, Deps{Open: func(driver, dsn string) (*sql.DB, error) {
		gotDriver = driver
		return sql.Open("sqlite3", ":memory:")
	}})
	require.NoError(t, err)
	defer a.Close() //nolint:errcheck

	assert.Equal(t, "pgx", gotDriver)
	assert.Equal(t, domain.SourceSoftwareWorkshop, a.Kind())
	ra := a.(*relationalAdapter)
	assert.Equal(t, softwareWorkshopView, ra.dt.Table)
	assert.Equal(t, "measured_at", ra.dt.TimeColumn())
	assert.Empty(t, dt.Columns, "caller's data table is not modified")
}

func openDuck(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func writeFile(t *testing.T, dir, name, body string, mod time.Time) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	require.NoError(t, os.Chtimes(p, mod, mod))
}

func TestFileAdapter_CSV(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	writeFile(t, dir, "a.csv", "line_name,serial,measured_at,temp\nL1,S2,2024-03-01 10:00:00,21.0\nL1,S1,2024-03-01 09:00:00,20.0\n", base)
	writeFile(t, dir, "b.csv", "line_name,serial,measured_at,temp\nL1,S3,2024-03-02 09:00:00,22.0\nL1,S9,not a time,0\n", base.Add(time.Hour))

	dt := measurementTable(domain.SourceCSV)
	dt.Directory = dir
	a, err := New(dt, Deps{Files: filestore.LocalStore{}, DuckDB: openDuck(t)})
	require.NoError(t, err)

	b, err := a.Bounds(ctx)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC).Equal(b.Min))
	assert.True(t, time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC).Equal(b.Max))

	w := domain.Window{From: base, To: base.Add(24 * time.Hour)}
	n, err := a.Count(ctx, w)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	stream, err := a.TransactionStream(ctx, w, 0)
	require.NoError(t, err)
	f, err := Drain(ctx, stream)
	require.NoError(t, err)
	require.Equal(t, 2, f.Len())
	assert.Equal(t, "S1", f.Value(0, "serial"), "rows come back in time order")

	ms, err := a.MasterSample(ctx)
	require.NoError(t, err)
	all, err := Drain(ctx, ms)
	require.NoError(t, err)
	assert.Equal(t, 4, all.Len())

	recent, err := RecentFiles(ctx, a, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, recent.Len())
}

// countingStore counts how often each drop file is fetched for parsing.
type countingStore struct {
	filestore.LocalStore
	mu    sync.Mutex
	reads map[string]int
}

func (c *countingStore) Local(ctx context.Context, path string) (string, error) {
	c.mu.Lock()
	c.reads[path]++
	c.mu.Unlock()
	return c.LocalStore.Local(ctx, path)
}

func (c *countingStore) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.reads {
		n += v
	}
	return n
}

func TestFileAdapter_ParsesEachFileOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	writeFile(t, dir, "a.csv", "line_name,serial,measured_at,temp\nL1,S1,2024-03-01 09:00:00,20.0\n", base)
	writeFile(t, dir, "b.csv", "line_name,serial,measured_at,temp\nL1,S2,2024-03-02 09:00:00,22.0\n", base.Add(time.Hour))

	store := &countingStore{reads: make(map[string]int)}
	dt := measurementTable(domain.SourceCSV)
	dt.Directory = dir
	a, err := New(dt, Deps{Files: store, DuckDB: openDuck(t)})
	require.NoError(t, err)

	_, err = a.Bounds(ctx)
	require.NoError(t, err)
	for day := range 30 {
		w := domain.Window{From: base.Add(time.Duration(day) * 24 * time.Hour), To: base.Add(time.Duration(day+1) * 24 * time.Hour)}
		_, err := a.Count(ctx, w)
		require.NoError(t, err)
		stream, err := a.TransactionStream(ctx, w, 0)
		require.NoError(t, err)
		f, err := Drain(ctx, stream)
		require.NoError(t, err)
		for i := range f.Rows {
			f.Rows[i][1] = "changed by caller"
		}
	}
	ms, err := a.MasterSample(ctx)
	require.NoError(t, err)
	_, err = Drain(ctx, ms)
	require.NoError(t, err)
	assert.Equal(t, 2, store.total(), "each file is parsed once")

	// Callers own the rows they receive.
	stream, err := a.TransactionStream(ctx, domain.Window{From: base, To: base.Add(48 * time.Hour)}, 0)
	require.NoError(t, err)
	f, err := Drain(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, "S1", f.Value(0, "serial"))

	// A rewritten file is parsed again and its rows replace the old ones.
	writeFile(t, dir, "b.csv", "line_name,serial,measured_at,temp\nL1,S2,2024-03-02 09:00:00,22.0\nL1,S3,2024-03-02 10:00:00,23.0\n", base.Add(2*time.Hour))
	n, err := a.Count(ctx, domain.Window{From: base, To: base.Add(48 * time.Hour)})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Equal(t, 3, store.total())
	assert.Equal(t, 2, store.reads[filepath.Join(dir, "b.csv")])
}

func TestFileAdapter_V2HeaderAliases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "v2.csv", "シリアルNo,計測日時,項目名,計測値\nS1,2024-03-01 09:00:00,temp,20.5\n", time.Now())

	dt := &domain.DataTable{
		ID: 9, Name: "v2", Kind: domain.SourceV2, Directory: dir,
		Columns: []domain.LogicalColumn{
			{Name: "serial", Group: domain.GroupDataSerial},
			{Name: "time", Group: domain.GroupDataTime},
			{Name: "item", Group: domain.GroupDataName},
			{Name: "value", Group: domain.GroupDataValue},
		},
	}
	a, err := New(dt, Deps{Files: filestore.LocalStore{}, DuckDB: openDuck(t)})
	require.NoError(t, err)

	f, err := a.(*fileAdapter).ReadFile(ctx, filepath.Join(dir, "v2.csv"))
	require.NoError(t, err)
	assert.Equal(t, []string{"serial", "time", "item", "value"}, f.Columns)
	assert.Equal(t, "20.5", f.Value(0, "value"))
}

func TestFileAdapter_EFABanner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	body := "#EFA\tLINE=L7\tEQUIP=E2\nserial\tmeasured_at\ttemp\nS1\t2024-03-01 09:00:00\t20.5\n"
	writeFile(t, dir, "m.efa", body, time.Now())

	dt := &domain.DataTable{
		ID: 4, Name: "efa", Kind: domain.SourceEFA, Directory: dir,
		Columns: []domain.LogicalColumn{
			{Name: "LINE", Group: domain.GroupLineName},
			{Name: "serial", Group: domain.GroupDataSerial},
			{Name: "measured_at", Group: domain.GroupDataTime},
		},
	}
	a, err := New(dt, Deps{Files: filestore.LocalStore{}, DuckDB: openDuck(t)})
	require.NoError(t, err)

	f, err := a.(*fileAdapter).ReadFile(ctx, filepath.Join(dir, "m.efa"))
	require.NoError(t, err)
	require.Equal(t, 1, f.Len())
	assert.Equal(t, "L7", f.Value(0, "LINE"))
	assert.Equal(t, "E2", f.Value(0, "EQUIP"))
	assert.Equal(t, "S1", f.Value(0, "serial"))

	writeFile(t, dir, "bad.efa", "serial\tmeasured_at\n", time.Now())
	_, err = a.(*fileAdapter).ReadFile(ctx, filepath.Join(dir, "bad.efa"))
	var de *domain.DataError
	require.ErrorAs(t, err, &de)
}

// flakyAdapter fails Count with a transient error a fixed number of times.
type flakyAdapter struct {
	failures int32
	calls    atomic.Int32
	err      error
}

func (f *flakyAdapter) Kind() domain.SourceKind { return domain.SourceRelational }
func (f *flakyAdapter) Close() error            { return nil }
func (f *flakyAdapter) sealed()                 {}
func (f *flakyAdapter) MasterSample(context.Context) (Batches, error) {
	return FromFrames(), nil
}
func (f *flakyAdapter) TypeSample(context.Context) (Batches, error) { return FromFrames(), nil }
func (f *flakyAdapter) TransactionStream(context.Context, domain.Window, int) (Batches, error) {
	return FromFrames(), nil
}
func (f *flakyAdapter) Bounds(context.Context) (Bounds, error) { return Bounds{Empty: true}, nil }
func (f *flakyAdapter) Count(context.Context, domain.Window) (int64, error) {
	n := f.calls.Add(1)
	if f.failures < 0 || n <= f.failures {
		return 0, f.err
	}
	return 42, nil
}

func TestGuard_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	inner := &flakyAdapter{failures: 2, err: domain.Transient("count", errors.New("connection reset by peer"))}
	a := WithGuard(inner, GuardOptions{BaseDelay: time.Millisecond})

	n, err := a.Count(context.Background(), domain.Window{})
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)
	assert.EqualValues(t, 3, inner.calls.Load())
	assert.Equal(t, "closed", BreakerState(a))
}

func TestGuard_DoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	inner := &flakyAdapter{failures: -1, err: errors.New("no such table")}
	a := WithGuard(inner, GuardOptions{BaseDelay: time.Millisecond})

	_, err := a.Count(context.Background(), domain.Window{})
	require.Error(t, err)
	assert.False(t, domain.IsTransient(err))
	assert.EqualValues(t, 1, inner.calls.Load())
}

func TestGuard_OpensBreaker(t *testing.T) {
	t.Parallel()

	inner := &flakyAdapter{failures: -1, err: domain.Transient("count", errors.New("connection refused"))}
	a := WithGuard(inner, GuardOptions{MaxRetries: 1, BaseDelay: time.Millisecond, FailureThreshold: 2, OpenTimeout: time.Minute})

	_, err := a.Count(context.Background(), domain.Window{})
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, "open", BreakerState(a))

	before := inner.calls.Load()
	_, err = a.Count(context.Background(), domain.Window{})
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, before, inner.calls.Load(), "open breaker short-circuits calls")
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err       error
		transient bool
	}{
		{err: errors.New("database is locked"), transient: true},
		{err: context.DeadlineExceeded, transient: true},
		{err: context.Canceled, transient: false},
		{err: errors.New("syntax error near FROM"), transient: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.transient, domain.IsTransient(classify("op", tt.err)), tt.err.Error())
	}
}
