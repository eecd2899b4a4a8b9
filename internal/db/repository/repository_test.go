package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/db"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

func seedDataTable(t *testing.T, repo *DataTableRepo) *domain.DataTable {
	t.Helper()
	dt, err := repo.Create(context.Background(), &domain.DataTable{
		Name:      "line1",
		Kind:      domain.SourceCSV,
		Directory: "/drops/line1",
		Columns: []domain.LogicalColumn{
			{Name: "serial", Group: domain.GroupDataSerial},
			{Name: "ts", Group: domain.GroupDataTime},
			{Name: "process", Group: domain.GroupProcessName},
			{Name: "judge", Group: domain.GroupDataValue},
		},
	})
	require.NoError(t, err)
	return dt
}

func TestDataTableRepo_CreateAndGet(t *testing.T) {
	t.Parallel()

	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewDataTableRepo(writeDB)
	ctx := context.Background()

	dt := seedDataTable(t, repo)
	assert.NotZero(t, dt.ID)
	require.Len(t, dt.Columns, 4)
	assert.Equal(t, "serial", dt.SerialColumn())

	byName, err := repo.GetByName(ctx, "line1")
	require.NoError(t, err)
	assert.Equal(t, dt.ID, byName.ID)

	_, err = repo.Create(ctx, &domain.DataTable{Name: "line1", Kind: domain.SourceCSV, Directory: "/x"})
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)

	_, err = repo.GetByID(ctx, 999)
	assert.True(t, domain.IsNotFound(err))

	require.NoError(t, repo.SetApproved(ctx, dt.ID, true))
	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Approved)
	assert.Len(t, list[0].Columns, 4)
}

func TestDataTableRepo_SetColumnTypeIsSticky(t *testing.T) {
	t.Parallel()

	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewDataTableRepo(writeDB)
	ctx := context.Background()
	dt := seedDataTable(t, repo)
	judge, ok := dt.Column("judge")
	require.True(t, ok)

	require.NoError(t, repo.SetColumnType(ctx, judge.ID, domain.TypeCategory, domain.TypeSourceAuto))
	// A later automatic pass cannot reclassify.
	require.NoError(t, repo.SetColumnType(ctx, judge.ID, domain.TypeText, domain.TypeSourceAuto))

	got, err := repo.GetByID(ctx, dt.ID)
	require.NoError(t, err)
	c, _ := got.Column("judge")
	assert.Equal(t, domain.TypeCategory, c.DataType)
	assert.Equal(t, domain.TypeSourceAuto, c.DataTypeSource)

	// An explicit override does.
	require.NoError(t, repo.SetColumnType(ctx, judge.ID, domain.TypeText, domain.TypeSourceUser))
	got, err = repo.GetByID(ctx, dt.ID)
	require.NoError(t, err)
	c, _ = got.Column("judge")
	assert.Equal(t, domain.TypeText, c.DataType)
	assert.Equal(t, domain.TypeSourceUser, c.DataTypeSource)

	assert.Error(t, repo.SetColumnType(ctx, judge.ID, domain.RawType("BLOB"), domain.TypeSourceUser))
}

func TestProcessRepo_Upsert(t *testing.T) {
	t.Parallel()

	writeDB, _ := db.OpenTestSQLite(t)
	dt := seedDataTable(t, NewDataTableRepo(writeDB))
	repo := NewProcessRepo(writeDB)
	ctx := context.Background()

	p1, err := repo.Upsert(ctx, dt.ID, "welding")
	require.NoError(t, err)
	again, err := repo.Upsert(ctx, dt.ID, "welding")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, again.ID)

	_, err = repo.Upsert(ctx, dt.ID, "painting")
	require.NoError(t, err)

	list, err := repo.ListByDataTable(ctx, dt.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = repo.Upsert(ctx, dt.ID, "")
	assert.Error(t, err)
}

func TestPartitionRepo_UpsertOnlyWidens(t *testing.T) {
	t.Parallel()

	writeDB, _ := db.OpenTestSQLite(t)
	dt := seedDataTable(t, NewDataTableRepo(writeDB))
	repo := NewPartitionRepo(writeDB)
	ctx := context.Background()

	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, repo.Upsert(ctx, &domain.PartitionWindow{
		DataTableID: dt.ID, TableName: "t_202401", PartitionKey: "202401",
		MinTime: day(5), MaxTime: day(10), HasData: true,
	}))
	// Narrower observation does not shrink the range.
	require.NoError(t, repo.Upsert(ctx, &domain.PartitionWindow{
		DataTableID: dt.ID, TableName: "t_202401", PartitionKey: "202401",
		MinTime: day(6), MaxTime: day(8), HasData: true,
	}))
	// Wider observation extends it.
	require.NoError(t, repo.Upsert(ctx, &domain.PartitionWindow{
		DataTableID: dt.ID, TableName: "t_202401", PartitionKey: "202401",
		MinTime: day(2), MaxTime: day(20), HasData: true,
	}))
	// An empty re-check keeps has_data.
	require.NoError(t, repo.Upsert(ctx, &domain.PartitionWindow{
		DataTableID: dt.ID, TableName: "t_202401", PartitionKey: "202401",
	}))

	got, err := repo.ListByDataTable(ctx, dt.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].HasData)
	assert.True(t, got[0].MinTime.Equal(day(2)))
	assert.True(t, got[0].MaxTime.Equal(day(20)))
}

func TestPullCursorRepo(t *testing.T) {
	t.Parallel()

	writeDB, _ := db.OpenTestSQLite(t)
	dt := seedDataTable(t, NewDataTableRepo(writeDB))
	repo := NewPullCursorRepo(writeDB)
	ctx := context.Background()

	_, err := repo.Get(ctx, dt.ID, domain.DirectionFuture)
	assert.True(t, domain.IsNotFound(err))

	last := time.Date(2024, 3, 1, 12, 30, 0, 500, time.UTC)
	require.NoError(t, repo.Save(ctx, &domain.PullCursor{
		DataTableID: dt.ID, Direction: domain.DirectionFuture, LastImported: last, WindowSeconds: 7200,
	}))
	c, err := repo.Get(ctx, dt.ID, domain.DirectionFuture)
	require.NoError(t, err)
	assert.True(t, c.LastImported.Equal(last))
	assert.Equal(t, int64(7200), c.WindowSeconds)
	assert.True(t, c.Earliest.IsZero())
}

func TestCategoryRepo_AddValues(t *testing.T) {
	t.Parallel()

	writeDB, _ := db.OpenTestSQLite(t)
	dt := seedDataTable(t, NewDataTableRepo(writeDB))
	repo := NewCategoryRepo(writeDB)
	ctx := context.Background()

	n, err := repo.AddValues(ctx, dt.ID, "judge", []string{"OK", "NG"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = repo.AddValues(ctx, dt.ID, "judge", []string{"OK", "RETRY"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	values, err := repo.ListValues(ctx, dt.ID, "judge")
	require.NoError(t, err)
	assert.Equal(t, []string{"NG", "OK", "RETRY"}, values)
}

func TestWatermarkRepo_Monotonic(t *testing.T) {
	t.Parallel()

	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewWatermarkRepo(writeDB)
	ctx := context.Background()

	w, err := repo.Get(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, w.LastSyncedCycleID)

	require.NoError(t, repo.Advance(ctx, 7, 120))
	require.NoError(t, repo.Advance(ctx, 7, 80))

	w, err = repo.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(120), w.LastSyncedCycleID)
}

func TestAutoLinkRepo_KeepsLatestPerSerial(t *testing.T) {
	t.Parallel()

	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewAutoLinkRepo(writeDB)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Upsert(ctx, []domain.AutoLinkSample{
		{ProcessID: 1, Serial: "A", Time: t0},
		{ProcessID: 1, Serial: "B", Time: t0.Add(time.Minute)},
	}))
	require.NoError(t, repo.Upsert(ctx, []domain.AutoLinkSample{
		{ProcessID: 1, Serial: "A", Time: t0.Add(time.Hour)},
		{ProcessID: 1, Serial: "B", Time: t0.Add(-time.Hour)},
	}))

	n, err := repo.Count(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := repo.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].Serial)
	assert.True(t, list[0].Time.Equal(t0.Add(time.Hour)))
	assert.True(t, list[1].Time.Equal(t0.Add(time.Minute)))
}

func TestJobRepo_Lifecycle(t *testing.T) {
	t.Parallel()

	writeDB, _ := db.OpenTestSQLite(t)
	repo := NewJobRepo(writeDB)
	ctx := context.Background()

	job, err := repo.Create(ctx, &domain.Job{Kind: domain.JobKindScan, DataTableID: 3})
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Nil(t, job.StartedAt)

	require.NoError(t, repo.MarkProcessing(ctx, job.ID))
	require.NoError(t, repo.UpdateProgress(ctx, job.ID, 42.5))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, got.Status)
	assert.InDelta(t, 42.5, got.Percent, 0.001)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, repo.Finish(ctx, job.ID, domain.JobDone, ""))
	got, err = repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDone, got.Status)
	assert.InDelta(t, 100, got.Percent, 0.001)
	require.NotNil(t, got.FinishedAt)

	_, err = repo.Create(ctx, &domain.Job{Kind: domain.JobKindPullFuture, DataTableID: 3})
	require.NoError(t, err)

	pending, err := repo.List(ctx, domain.JobFilter{Status: domain.JobPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.JobKindPullFuture, pending[0].Kind)

	all, err := repo.List(ctx, domain.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	err = repo.Finish(ctx, "missing", domain.JobFailed, "x")
	assert.True(t, domain.IsNotFound(err))
}
