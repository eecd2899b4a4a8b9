package pull

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/db"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/db/repository"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/job"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/source"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/transaction"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/window"
)

var dataStart = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

const sqliteLayout = "2006-01-02 15:04:05"

type factoryRow struct {
	process, serial, at, temp string
}

func seedFactory(t *testing.T, rows []factoryRow) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "factory.db")
	fdb, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	defer fdb.Close() //nolint:errcheck

	_, err = fdb.Exec(`CREATE TABLE meas (process_name TEXT, serial TEXT, measured_at TEXT, temp TEXT)`)
	require.NoError(t, err)
	for _, r := range rows {
		_, err := fdb.Exec(`INSERT INTO meas VALUES (?, ?, ?, ?)`, r.process, r.serial, r.at, r.temp)
		require.NoError(t, err)
	}
	return dsn
}

// evenRows spreads n rows over two processes, one row every step.
func evenRows(n int, step time.Duration) []factoryRow {
	out := make([]factoryRow, n)
	for i := range out {
		out[i] = factoryRow{
			process: fmt.Sprintf("P%d", i%2+1),
			serial:  fmt.Sprintf("S%03d", i),
			at:      dataStart.Add(time.Duration(i) * step).Format(sqliteLayout),
			temp:    fmt.Sprintf("%d.5", 20+i%5),
		}
	}
	return out
}

type recorder struct {
	mu        sync.Mutex
	processes map[int64]bool
}

func (r *recorder) PublishImport(_ context.Context, changed domain.ChangedType, _, processID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if changed == domain.ChangedTransactionImport {
		r.processes[processID] = true
	}
	return nil
}

type fixture struct {
	svc       *Service
	dt        *domain.DataTable
	tables    *repository.DataTableRepo
	processes *repository.ProcessRepo
	cursors   *repository.PullCursorRepo
	store     *transaction.Store
	pub       *recorder
	metrics   *job.Metrics
}

type fixtureOpts struct {
	rows     []factoryRow
	rowLimit int
	now      time.Time
	opts     Options
}

func newFixture(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()
	ctx := context.Background()
	writeDB, _ := db.OpenTestSQLite(t)
	tables := repository.NewDataTableRepo(writeDB)
	processes := repository.NewProcessRepo(writeDB)
	cursors := repository.NewPullCursorRepo(writeDB)

	dt, err := tables.Create(ctx, &domain.DataTable{
		Name:     "line1",
		Kind:     domain.SourceRelational,
		Driver:   "sqlite3",
		DSN:      seedFactory(t, fo.rows),
		Table:    "meas",
		RowLimit: fo.rowLimit,
		Columns: []domain.LogicalColumn{
			{Name: "process_name", Group: domain.GroupProcessName},
			{Name: "serial", Group: domain.GroupDataSerial},
			{Name: "measured_at", Group: domain.GroupDataTime},
			{Name: "temp", Group: domain.GroupHorizontalData},
		},
	})
	require.NoError(t, err)

	store, err := transaction.Open(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := fo.now
	if now.IsZero() {
		now = dataStart.Add(24 * time.Hour)
	}
	pub := &recorder{processes: make(map[int64]bool)}
	metrics := job.NewMetrics()
	opts := fo.opts
	opts.Publisher = pub
	opts.Metrics = metrics
	opts.Logger = slog.New(slog.DiscardHandler)
	opts.Now = func() time.Time { return now }

	open := func(dt *domain.DataTable) (source.Adapter, error) { return source.New(dt, source.Deps{}) }
	tracker := window.NewPartitionTracker(repository.NewPartitionRepo(writeDB), opts.Logger)
	svc := NewService(tables, processes, cursors, store, tracker, open, opts)
	return &fixture{svc: svc, dt: dt, tables: tables, processes: processes, cursors: cursors, store: store, pub: pub, metrics: metrics}
}

func (f *fixture) storedPerProcess(t *testing.T) map[string]int {
	t.Helper()
	ctx := context.Background()
	list, err := f.processes.ListByDataTable(ctx, f.dt.ID)
	require.NoError(t, err)
	out := make(map[string]int)
	for _, p := range list {
		cycles, err := f.store.After(ctx, p.ID, 0, 0)
		require.NoError(t, err)
		out[p.Name] = len(cycles)
	}
	return out
}

func TestRun_FutureImportsEveryProcessOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{rows: evenRows(40, time.Minute)})
	ctx := context.Background()
	j := &domain.Job{ID: "j1", Kind: domain.JobKindPullFuture, DataTableID: f.dt.ID}

	var progress []float64
	res, err := f.svc.Run(ctx, j, func(p float64) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.EqualValues(t, 40, res.Rows)
	assert.Equal(t, map[string]int{"P1": 20, "P2": 20}, f.storedPerProcess(t))
	assert.Len(t, f.pub.processes, 2)
	require.NotEmpty(t, progress)
	assert.InDelta(t, 100, progress[len(progress)-1], 0.001)

	cur, err := f.cursors.Get(ctx, f.dt.ID, domain.DirectionFuture)
	require.NoError(t, err)
	assert.True(t, cur.LastImported.After(dataStart.Add(39*time.Minute)))

	again, err := f.svc.Run(ctx, j, func(float64) {})
	require.NoError(t, err)
	assert.Zero(t, again.Rows, "the cursor resumes after the imported range")
	assert.Equal(t, map[string]int{"P1": 20, "P2": 20}, f.storedPerProcess(t))
}

func TestRun_SmallCeilingShrinksWindowsWithoutLosingRows(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{rows: evenRows(40, 10*time.Minute), rowLimit: 10})

	res, err := f.svc.Run(context.Background(), &domain.Job{ID: "j2", Kind: domain.JobKindPullFuture, DataTableID: f.dt.ID}, func(float64) {})
	require.NoError(t, err)
	assert.EqualValues(t, 40, res.Rows)
	assert.Contains(t, res.Message, "0 capped")
	assert.Equal(t, map[string]int{"P1": 20, "P2": 20}, f.storedPerProcess(t))
}

func TestRun_PastWalksBackFromLookback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{
		rows: evenRows(12, time.Hour),
		now:  dataStart.AddDate(0, 4, 0),
	})
	ctx := context.Background()

	res, err := f.svc.Run(ctx, &domain.Job{ID: "j3", Kind: domain.JobKindPullPast, DataTableID: f.dt.ID}, func(float64) {})
	require.NoError(t, err)
	assert.EqualValues(t, 12, res.Rows)

	cur, err := f.cursors.Get(ctx, f.dt.ID, domain.DirectionPast)
	require.NoError(t, err)
	assert.False(t, cur.Earliest.After(dataStart))
}

func TestRun_RejectedRowsBecomeDataError(t *testing.T) {
	t.Parallel()
	rows := evenRows(4, time.Minute)
	rows = append(rows,
		factoryRow{process: "P2", serial: "", at: dataStart.Add(2 * time.Minute).Format(sqliteLayout), temp: "1.5"},
		factoryRow{process: "P1", serial: "S000", at: dataStart.Format(sqliteLayout), temp: "99.5"},
	)
	f := newFixture(t, fixtureOpts{rows: rows})

	res, err := f.svc.Run(context.Background(), &domain.Job{ID: "j4", Kind: domain.JobKindPullFuture, DataTableID: f.dt.ID}, func(float64) {})
	var de *domain.DataError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.CycleRejectColumns, de.Columns)

	reasons := make([]string, len(de.Rows))
	for i, r := range de.Rows {
		reasons[i] = r.Reason
	}
	assert.ElementsMatch(t, []string{"missing serial", "conflicting duplicate of serial and time"}, reasons)
	assert.Equal(t, 2, res.Quarantined)
	assert.Equal(t, map[string]int{"P1": 2, "P2": 2}, f.storedPerProcess(t))
}

func TestToCycles_PivotsLongRows(t *testing.T) {
	t.Parallel()
	dt := &domain.DataTable{
		Name: "sw",
		Columns: []domain.LogicalColumn{
			{Name: "process", Group: domain.GroupProcessName},
			{Name: "serial", Group: domain.GroupDataSerial},
			{Name: "at", Group: domain.GroupDataTime},
			{Name: "item", Group: domain.GroupDataName},
			{Name: "value", Group: domain.GroupDataValue},
		},
	}
	at := "2024-05-01 08:00:00"
	f := &domain.Frame{
		Columns: []string{"process", "serial", "at", "item", "value"},
		Rows: [][]any{
			{"P1", "S1", at, "temp", "20.5"},
			{"P1", "S1", at, "pressure", []byte("1.2")},
			{"P1", "S2", at, "temp", "21.0"},
			{"P2", "S1", at, "temp", "19.0"},
			{"P1", "S3", "garbage", "temp", "1"},
			{"P1", "S4", at, "", "1"},
			{"", "S5", at, "temp", "1"},
		},
	}

	got := toCycles(dt, f)
	assert.Equal(t, []string{"P1", "P2"}, got.order)
	require.Len(t, got.cycles["P1"], 2)
	assert.Equal(t, map[string]any{"temp": "20.5", "pressure": "1.2"}, got.cycles["P1"][0].Values)
	assert.Equal(t, "S2", got.cycles["P1"][1].Serial)
	require.Len(t, got.cycles["P2"], 1)

	reasons := make([]string, len(got.rejected))
	for i, r := range got.rejected {
		reasons[i] = r.Reason
	}
	assert.Equal(t, []string{"unreadable time", "missing data name", "missing process"}, reasons)
}

func TestToCycles_HorizontalWithoutProcessColumn(t *testing.T) {
	t.Parallel()
	dt := &domain.DataTable{
		Name: "line9",
		Columns: []domain.LogicalColumn{
			{Name: "serial", Group: domain.GroupDataSerial},
			{Name: "at", Group: domain.GroupDataTime},
			{Name: "temp", Group: domain.GroupHorizontalData},
			{Name: "note", Group: domain.GroupGeneric},
			{Name: "line", Group: domain.GroupLineName},
		},
	}
	f := &domain.Frame{
		Columns: []string{"serial", "at", "temp", "note", "line"},
		Rows:    [][]any{{"S1", "2024-05-01 08:00:00", 20.5, "ok", "L1"}},
	}

	got := toCycles(dt, f)
	require.Len(t, got.cycles["line9"], 1)
	assert.Equal(t, map[string]any{"temp": 20.5, "note": "ok"}, got.cycles["line9"][0].Values)
}

type driftingCategories struct{ forced []bool }

func (d *driftingCategories) TrackCategories(_ context.Context, dt *domain.DataTable, _ *domain.Frame, force bool) error {
	d.forced = append(d.forced, force)
	if force {
		return nil
	}
	return &domain.SchemaDriftError{DataTableID: dt.ID, Column: "temp", Distinct: 300, Ceiling: 256}
}

func TestRun_CategoryDriftStopsBeforeStoring(t *testing.T) {
	t.Parallel()
	cats := &driftingCategories{}
	f := newFixture(t, fixtureOpts{rows: evenRows(6, time.Minute), opts: Options{Categories: cats}})
	ctx := context.Background()

	_, err := f.svc.Run(ctx, &domain.Job{ID: "j5", Kind: domain.JobKindPullFuture, DataTableID: f.dt.ID}, func(float64) {})
	var drift *domain.SchemaDriftError
	require.ErrorAs(t, err, &drift)
	assert.Empty(t, f.storedPerProcess(t))

	res, err := f.svc.Run(ctx, &domain.Job{ID: "j6", Kind: domain.JobKindPullFuture, DataTableID: f.dt.ID, ForceCategoryChange: true}, func(float64) {})
	require.NoError(t, err)
	assert.EqualValues(t, 6, res.Rows)
	assert.Equal(t, []bool{false, true}, cats.forced)
}

type fakeForwarder struct {
	got []*domain.Job
	err error
}

func (f *fakeForwarder) Forward(_ context.Context, j *domain.Job) (string, error) {
	f.got = append(f.got, j)
	return "bridge-1", f.err
}

func TestRun_RemoteOnlyForwardsOnEdge(t *testing.T) {
	t.Parallel()
	fwd := &fakeForwarder{}
	f := newFixture(t, fixtureOpts{rows: evenRows(2, time.Minute), opts: Options{Forwarder: fwd}})
	ctx := context.Background()

	remote := *f.dt
	remote.RemoteOnly = true
	f.svc.tables = staticTables{DataTableRepository: f.tables, dt: &remote}

	j := &domain.Job{ID: "j7", Kind: domain.JobKindPullFuture, DataTableID: f.dt.ID}
	res, err := f.svc.Run(ctx, j, func(float64) {})
	require.ErrorIs(t, err, domain.ErrSentToBridge)
	assert.Equal(t, "bridge job bridge-1", res.Message)
	require.Len(t, fwd.got, 1)
	assert.Empty(t, f.storedPerProcess(t))

	fwd.err = errors.New("unavailable")
	_, err = f.svc.Run(ctx, j, func(float64) {})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrSentToBridge)
}

type staticTables struct {
	domain.DataTableRepository
	dt *domain.DataTable
}

func (s staticTables) GetByID(context.Context, int64) (*domain.DataTable, error) {
	cp := *s.dt
	return &cp, nil
}

func TestRun_RejectsNonPullKinds(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{rows: evenRows(1, time.Minute)})

	_, err := f.svc.Run(context.Background(), &domain.Job{Kind: domain.JobKindScan, DataTableID: f.dt.ID}, func(float64) {})
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestSampleSource_StopsWhenEnough(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{rows: evenRows(40, time.Minute)})
	ctx := context.Background()

	p, err := f.processes.Upsert(ctx, f.dt.ID, "P1")
	require.NoError(t, err)

	got, err := f.svc.SampleSource(ctx, p.ID, 5)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for _, s := range got {
		assert.Equal(t, p.ID, s.ProcessID)
		assert.NotEmpty(t, s.Serial)
	}

	all, err := f.svc.SampleSource(ctx, p.ID, 1000)
	require.NoError(t, err)
	assert.Len(t, all, 20)
	assert.Empty(t, f.storedPerProcess(t)["P1"], "sampling never imports")
}
