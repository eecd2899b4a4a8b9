package scan

import (
	"context"
	"database/sql"
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
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/master"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/source"
)

type published struct {
	mu      sync.Mutex
	changes []domain.ChangedType
}

func (p *published) PublishImport(_ context.Context, changed domain.ChangedType, _, _ int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, changed)
	return nil
}

func (p *published) PublishMasterChange(context.Context, int64, string, domain.CrudType, any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, domain.ChangedMasterConfig)
	return nil
}

func seedFactory(t *testing.T, rows int) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "factory.db")
	fdb, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	defer fdb.Close() //nolint:errcheck

	_, err = fdb.Exec(`CREATE TABLE meas (line_name TEXT, process_name TEXT, serial TEXT, measured_at TEXT, temp TEXT, grade TEXT)`)
	require.NoError(t, err)
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	grades := []string{"A", "B", "C"}
	for i := range rows {
		_, err := fdb.Exec(`INSERT INTO meas VALUES ('L1', ?, ?, ?, ?, ?)`,
			fmt.Sprintf("P%d", i%2+1),
			fmt.Sprintf("S%03d", i),
			base.Add(time.Duration(i)*time.Minute).Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%d.5", 20+i%5),
			grades[i%3])
		require.NoError(t, err)
	}
	return dsn
}

type fixture struct {
	svc       *Service
	dt        *domain.DataTable
	tables    *repository.DataTableRepo
	processes *repository.ProcessRepo
	snapshots *master.ArrowStore
	pub       *published
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	writeDB, _ := db.OpenTestSQLite(t)
	tables := repository.NewDataTableRepo(writeDB)
	processes := repository.NewProcessRepo(writeDB)
	categories := repository.NewCategoryRepo(writeDB)

	dt, err := tables.Create(context.Background(), &domain.DataTable{
		Name:   "line1",
		Kind:   domain.SourceRelational,
		Driver: "sqlite3",
		DSN:    seedFactory(t, 40),
		Table:  "meas",
		Columns: []domain.LogicalColumn{
			{Name: "line_name", Group: domain.GroupLineName},
			{Name: "process_name", Group: domain.GroupProcessName},
			{Name: "serial", Group: domain.GroupDataSerial},
			{Name: "measured_at", Group: domain.GroupDataTime},
			{Name: "temp", Group: domain.GroupHorizontalData},
			{Name: "grade", Group: domain.GroupHorizontalData},
		},
	})
	require.NoError(t, err)

	snapshots := master.NewArrowStore(t.TempDir())
	pub := &published{}
	open := func(dt *domain.DataTable) (source.Adapter, error) { return source.New(dt, source.Deps{}) }
	svc := NewService(tables, processes, categories, snapshots, open, pub, 0, slog.New(slog.DiscardHandler))
	return &fixture{svc: svc, dt: dt, tables: tables, processes: processes, snapshots: snapshots, pub: pub}
}

func TestScan_MasterThenTypes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	var progress []float64
	res, err := f.svc.Scan(ctx, f.dt.ID, func(p float64) { progress = append(progress, p) })
	require.NoError(t, err)

	assert.Positive(t, res.NewMasterRows)
	names := make([]string, len(res.Processes))
	for i, p := range res.Processes {
		names[i] = p.Name
	}
	assert.ElementsMatch(t, []string{"P1", "P2"}, names)

	triad, err := f.snapshots.Load(ctx, f.dt.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, triad.ProcessData.Rows)
	assert.NotEmpty(t, triad.Relationship)

	types := make(map[string]domain.RawType)
	for _, inf := range res.Inferred {
		types[inf.Column] = inf.Type
	}
	assert.Equal(t, domain.TypeReal, types["temp"])
	assert.Equal(t, domain.TypeCategory, types["grade"])

	stored, err := f.tables.GetByID(ctx, f.dt.ID)
	require.NoError(t, err)
	grade, ok := stored.Column("grade")
	require.True(t, ok)
	assert.Equal(t, domain.TypeCategory, grade.DataType)

	assert.Equal(t, []float64{50, 100}, progress)
	assert.Equal(t, []domain.ChangedType{domain.ChangedScanMaster, domain.ChangedScanDataType}, f.pub.changes)
}

func TestScan_RerunChangesNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Scan(ctx, f.dt.ID, nil)
	require.NoError(t, err)
	before, err := f.snapshots.Load(ctx, f.dt.ID)
	require.NoError(t, err)

	res, err := f.svc.Scan(ctx, f.dt.ID, nil)
	require.NoError(t, err)
	assert.Zero(t, res.NewMasterRows)
	assert.Empty(t, res.Inferred, "typed columns are never reclassified")

	after, err := f.snapshots.Load(ctx, f.dt.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	list, err := f.processes.ListByDataTable(ctx, f.dt.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestScan_JobBodyAndOverride(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.Run(ctx, &domain.Job{Kind: domain.JobKindScan, DataTableID: f.dt.ID}, func(float64) {})
	require.NoError(t, err)
	assert.Contains(t, out.Message, "2 processes")

	require.NoError(t, f.svc.OverrideType(ctx, f.dt.ID, "grade", domain.TypeText))
	stored, err := f.tables.GetByID(ctx, f.dt.ID)
	require.NoError(t, err)
	grade, _ := stored.Column("grade")
	assert.Equal(t, domain.TypeText, grade.DataType)
	assert.Equal(t, domain.TypeSourceUser, grade.DataTypeSource)

	err = f.svc.OverrideType(ctx, f.dt.ID, "missing", domain.TypeText)
	assert.True(t, domain.IsNotFound(err))
}

func TestScan_UnknownDataTable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.svc.Scan(context.Background(), 999, nil)
	assert.True(t, domain.IsNotFound(err))
}

func TestScan_WithoutProcessColumnRegistersTableProcess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	dt, err := f.tables.Create(ctx, &domain.DataTable{
		Name:   "line2",
		Kind:   domain.SourceRelational,
		Driver: "sqlite3",
		DSN:    seedFactory(t, 5),
		Table:  "meas",
		Columns: []domain.LogicalColumn{
			{Name: "line_name", Group: domain.GroupLineName},
			{Name: "serial", Group: domain.GroupDataSerial},
			{Name: "measured_at", Group: domain.GroupDataTime},
			{Name: "temp", Group: domain.GroupHorizontalData},
		},
	})
	require.NoError(t, err)

	res, err := f.svc.Scan(ctx, dt.ID, nil)
	require.NoError(t, err)
	require.Len(t, res.Processes, 1)
	assert.Equal(t, "line2", res.Processes[0].Name)
}

func TestScan_ApprovedTableKeepsMasterFrozen(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Scan(ctx, f.dt.ID, nil)
	require.NoError(t, err)
	before, err := f.snapshots.Load(ctx, f.dt.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Approve(ctx, f.dt.ID))
	assert.Contains(t, f.pub.changes, domain.ChangedMasterConfig)

	// New process values in the source no longer reach the mappings.
	fdb, err := sql.Open("sqlite3", f.dt.DSN)
	require.NoError(t, err)
	defer fdb.Close() //nolint:errcheck
	_, err = fdb.Exec(`INSERT INTO meas VALUES ('L1', 'P9', 'S999', '2024-05-02 08:00:00', '1.5', 'A')`)
	require.NoError(t, err)

	res, err := f.svc.Scan(ctx, f.dt.ID, nil)
	require.NoError(t, err)
	assert.Zero(t, res.NewMasterRows)
	assert.Len(t, res.Processes, 2)

	after, err := f.snapshots.Load(ctx, f.dt.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
